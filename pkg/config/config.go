// Package config loads service settings from the environment.
//
// A .env file in the working directory is read first when present; variables
// already set in the process environment win over it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ledger-sync/pkg/ledger"
	"ledger-sync/pkg/reconcile"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

// Backend kinds.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendGraphQL  = "graphql"
)

// Intent log kinds.
const (
	IntentLogNone     = "none"
	IntentLogMemory   = "memory"
	IntentLogPostgres = "postgres"
)

// DefaultUserID is attached to form actions that carry no user.
const DefaultUserID = "474e9563-5673-4b7c-8c21-7005bc6a60e5"

type Config struct {
	HTTPAddr         string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration

	Pair          ledger.Pair
	Backend       string
	DefaultUserID string

	QueryTimeout    time.Duration
	MutationTimeout time.Duration
	RefreshTimeout  time.Duration
	SyncRefresh     bool
	DisableWatch    bool

	Postgres  PostgresConfig
	Redis     RedisConfig
	GraphQL   GraphQLConfig
	Kafka     KafkaConfig
	Breaker   BreakerConfig
	Reconcile ReconcileConfig

	IntentLog string
}

type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Addr           string
	ClusterAddrs   []string
	SentinelAddrs  []string
	SentinelMaster string
	Password       string
	DB             int
	KeyPrefix      string
}

type GraphQLConfig struct {
	Endpoint     string
	AdminSecret  string
	AuthHeader   string
	AuthValue    string
	Tables       map[ledger.ID]string
	ValueType    string
	PollInterval time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// BreakerConfig sizes the per-backend circuit breaker.
type BreakerConfig struct {
	// Timeout bounds each backend call, separate from the store and leg timeouts.
	Timeout     time.Duration
	MaxFailures uint32
	OpenTimeout time.Duration
	Interval    time.Duration
}

type ReconcileConfig struct {
	Enabled bool
	// Auto queues every partially settled outcome as it resolves.
	Auto       bool
	Workers    int
	QueueSize  int
	Attempts   int
	RetryDelay time.Duration
	Policy     reconcile.Policy
}

// Load reads .env if present and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from lookup, applying defaults for unset
// variables, and validates it.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	e := env{lookup: lookup}

	pair := ledger.Pair{
		A: ledger.ID(e.str("LEDGER_A", string(ledger.Primary))),
		B: ledger.ID(e.str("LEDGER_B", string(ledger.Secondary))),
	}

	c := &Config{
		HTTPAddr:         e.str("HTTP_ADDR", ":8080"),
		HTTPReadTimeout:  e.duration("HTTP_READ_TIMEOUT", 5*time.Second),
		HTTPWriteTimeout: e.duration("HTTP_WRITE_TIMEOUT", 30*time.Second),

		Pair:          pair,
		Backend:       strings.ToLower(e.str("LEDGER_BACKEND", BackendMemory)),
		DefaultUserID: e.str("DEFAULT_USER_ID", DefaultUserID),

		QueryTimeout:    e.duration("QUERY_TIMEOUT", 5*time.Second),
		MutationTimeout: e.duration("MUTATION_TIMEOUT", 10*time.Second),
		RefreshTimeout:  e.duration("REFRESH_TIMEOUT", 5*time.Second),
		SyncRefresh:     e.boolean("SYNC_REFRESH", false),
		DisableWatch:    e.boolean("DISABLE_WATCH", false),

		Postgres: PostgresConfig{
			DSN:          e.str("POSTGRES_DSN", ""),
			MaxOpenConns: e.integer("POSTGRES_MAX_OPEN_CONNS", 10),
			MaxIdleConns: e.integer("POSTGRES_MAX_IDLE_CONNS", 5),
			AutoMigrate:  e.boolean("POSTGRES_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:           e.str("REDIS_ADDR", "localhost:6379"),
			ClusterAddrs:   e.list("REDIS_CLUSTER_ADDRS"),
			SentinelAddrs:  e.list("REDIS_SENTINEL_ADDRS"),
			SentinelMaster: e.str("REDIS_SENTINEL_MASTER", ""),
			Password:       e.str("REDIS_PASSWORD", ""),
			DB:             e.integer("REDIS_DB", 0),
			KeyPrefix:      e.str("REDIS_KEY_PREFIX", "ledger"),
		},
		GraphQL: GraphQLConfig{
			Endpoint:     e.str("GRAPHQL_ENDPOINT", ""),
			AdminSecret:  e.str("GRAPHQL_ADMIN_SECRET", ""),
			AuthHeader:   e.str("GRAPHQL_AUTH_HEADER", ""),
			AuthValue:    e.str("GRAPHQL_AUTH_VALUE", ""),
			Tables:       e.tables("GRAPHQL_TABLES", map[ledger.ID]string{pair.A: "bank1", pair.B: "bank2"}),
			ValueType:    e.str("GRAPHQL_VALUE_TYPE", "Int"),
			PollInterval: e.duration("GRAPHQL_POLL_INTERVAL", 2*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: e.list("KAFKA_BROKERS"),
			Topic:   e.str("KAFKA_TOPIC", "transfer_resolved"),
		},
		Breaker: BreakerConfig{
			Timeout:     e.duration("BACKEND_TIMEOUT", 5*time.Second),
			MaxFailures: uint32(e.integer("BREAKER_MAX_FAILURES", 5)),
			OpenTimeout: e.duration("BREAKER_OPEN_TIMEOUT", 10*time.Second),
			Interval:    e.duration("BREAKER_INTERVAL", time.Minute),
		},
		Reconcile: ReconcileConfig{
			Enabled:    e.boolean("RECONCILE_ENABLED", true),
			Auto:       e.boolean("RECONCILE_AUTO", false),
			Workers:    e.integer("RECONCILE_WORKERS", 2),
			QueueSize:  e.integer("RECONCILE_QUEUE_SIZE", 100),
			Attempts:   e.integer("RECONCILE_ATTEMPTS", 3),
			RetryDelay: e.duration("RECONCILE_RETRY_DELAY", 500*time.Millisecond),
		},
	}

	defaultLog := IntentLogMemory
	if c.Backend == BackendPostgres {
		defaultLog = IntentLogPostgres
	}
	c.IntentLog = strings.ToLower(e.str("INTENT_LOG", defaultLog))

	policy, err := reconcile.ParsePolicy(e.str("RECONCILE_POLICY", string(reconcile.RetryFailedLeg)))
	if err != nil {
		e.errs = multierr.Append(e.errs, fmt.Errorf("RECONCILE_POLICY: %w", err))
	}
	c.Reconcile.Policy = policy

	if e.errs != nil {
		return nil, fmt.Errorf("config: %w", e.errs)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if err := c.Pair.Validate(); err != nil {
		add("LEDGER_A/LEDGER_B: %w", err)
	}

	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			add("POSTGRES_DSN is required for the postgres backend")
		}
	case BackendRedis:
		if c.Redis.Addr == "" && len(c.Redis.ClusterAddrs) == 0 && len(c.Redis.SentinelAddrs) == 0 {
			add("one of REDIS_ADDR, REDIS_CLUSTER_ADDRS or REDIS_SENTINEL_ADDRS is required")
		}
		if len(c.Redis.SentinelAddrs) > 0 && c.Redis.SentinelMaster == "" {
			add("REDIS_SENTINEL_MASTER is required with REDIS_SENTINEL_ADDRS")
		}
	case BackendGraphQL:
		if c.GraphQL.Endpoint == "" {
			add("GRAPHQL_ENDPOINT is required for the graphql backend")
		}
		for _, id := range c.Pair.IDs() {
			if c.GraphQL.Tables[id] == "" {
				add("GRAPHQL_TABLES has no table for ledger %q", id)
			}
		}
	default:
		add("LEDGER_BACKEND %q is not one of memory, postgres, redis, graphql", c.Backend)
	}

	switch c.IntentLog {
	case IntentLogNone, IntentLogMemory:
	case IntentLogPostgres:
		if c.Postgres.DSN == "" {
			add("POSTGRES_DSN is required for the postgres intent log")
		}
	default:
		add("INTENT_LOG %q is not one of none, memory, postgres", c.IntentLog)
	}

	if c.Reconcile.Enabled && c.IntentLog == IntentLogNone {
		add("RECONCILE_ENABLED needs an intent log")
	}
	if c.Reconcile.Auto && !c.Reconcile.Enabled {
		add("RECONCILE_AUTO needs RECONCILE_ENABLED")
	}

	for name, d := range map[string]time.Duration{
		"QUERY_TIMEOUT":    c.QueryTimeout,
		"MUTATION_TIMEOUT": c.MutationTimeout,
		"REFRESH_TIMEOUT":  c.RefreshTimeout,
	} {
		if d <= 0 {
			add("%s must be positive", name)
		}
	}

	if errs != nil {
		return fmt.Errorf("config: %w", errs)
	}
	return nil
}

// env reads typed values and collects parse errors.
type env struct {
	lookup func(string) (string, bool)
	errs   error
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = multierr.Append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = multierr.Append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = multierr.Append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

// list splits a comma separated value, dropping empty items.
func (e *env) list(key string) []string {
	var out []string
	for _, item := range strings.Split(e.str(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// tables parses "primary=bank1,secondary=bank2".
func (e *env) tables(key string, def map[ledger.ID]string) map[ledger.ID]string {
	items := e.list(key)
	if len(items) == 0 {
		return def
	}
	out := make(map[ledger.ID]string, len(items))
	for _, item := range items {
		id, table, ok := strings.Cut(item, "=")
		id, table = strings.TrimSpace(id), strings.TrimSpace(table)
		if !ok || id == "" || table == "" {
			e.errs = multierr.Append(e.errs, fmt.Errorf("%s: entry %q is not ledger=table", key, item))
			continue
		}
		out[ledger.ID(id)] = table
	}
	return out
}
