// Package redis stores each ledger as a Redis list of JSON transactions and
// announces every append on a pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ledger-sync/pkg/ledger"
	"ledger-sync/pkg/logging"

	"github.com/google/uuid"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

type RedisBackend struct {
	client rueidis.Client
	name   string
	config RedisBackendConfig
	keys   *ledger.KeyPattern
	known  map[ledger.ID]bool
	logger *logging.Logger

	mu      sync.Mutex
	watches map[*redisWatch]struct{}
	closed  bool
}

type RedisBackendConfig struct {
	Name string
	// Addr is the Redis server address for single node mode.
	// For cluster mode, use ClusterAddrs instead.
	Addr string
	// ClusterAddrs is a list of Redis cluster node addresses.
	// If set, cluster mode is enabled automatically.
	ClusterAddrs []string
	Username     string
	Password     string
	// DB is the Redis database number. Cluster mode only supports DB 0.
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// SentinelAddrs enables sentinel mode for SentinelMasterSet.
	SentinelMasterSet string
	SentinelAddrs     []string
	SentinelUsername  string
	SentinelPassword  string
	// Ledgers restricts the backend to these IDs. Empty accepts any valid ID.
	Ledgers []ledger.ID
	// ResubscribeDelay is the pause before a dropped watch subscribes again.
	ResubscribeDelay time.Duration
	Logger           *logging.Logger
}

func DefaultRedisBackendConfig() RedisBackendConfig {
	return RedisBackendConfig{
		Name:             "redis",
		Addr:             "localhost:6379",
		KeyPrefix:        "ledger",
		DialTimeout:      5 * time.Second,
		WriteTimeout:     3 * time.Second,
		ResubscribeDelay: time.Second,
	}
}

// ClusterBackendConfig returns a configuration for Redis Cluster mode.
func ClusterBackendConfig(clusterAddrs []string, password string) RedisBackendConfig {
	config := DefaultRedisBackendConfig()
	config.ClusterAddrs = clusterAddrs
	config.Password = password
	config.Addr = ""
	config.DB = 0
	return config
}

// SentinelBackendConfig returns a configuration for Redis Sentinel mode.
func SentinelBackendConfig(sentinelAddrs []string, masterSet, password string) RedisBackendConfig {
	config := DefaultRedisBackendConfig()
	config.SentinelAddrs = sentinelAddrs
	config.SentinelMasterSet = masterSet
	config.Password = password
	config.Addr = ""
	return config
}

func (c RedisBackendConfig) initAddress() ([]string, error) {
	switch {
	case len(c.ClusterAddrs) > 0:
		return c.ClusterAddrs, nil
	case len(c.SentinelAddrs) > 0:
		return c.SentinelAddrs, nil
	case c.Addr != "":
		return []string{c.Addr}, nil
	default:
		return nil, fmt.Errorf("redis: no addresses configured (set Addr, ClusterAddrs, or SentinelAddrs)")
	}
}

func NewRedisBackend(config RedisBackendConfig) (*RedisBackend, error) {
	if config.Name == "" {
		config.Name = "redis"
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "ledger"
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.ResubscribeDelay <= 0 {
		config.ResubscribeDelay = time.Second
	}

	initAddress, err := config.initAddress()
	if err != nil {
		return nil, err
	}

	clientOpts := rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
		MaxFlushDelay:    100 * time.Microsecond,
	}
	if len(config.SentinelAddrs) > 0 {
		clientOpts.Sentinel = rueidis.SentinelOption{
			MasterSet: config.SentinelMasterSet,
			Username:  config.SentinelUsername,
			Password:  config.SentinelPassword,
		}
	}

	client, err := rueidis.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: redis: failed to create client: %w", ledger.ErrBackendUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis: failed to ping server: %w", ledger.ErrBackendUnavailable, err)
	}

	known := make(map[ledger.ID]bool, len(config.Ledgers))
	for _, id := range config.Ledgers {
		known[id] = true
	}

	return &RedisBackend{
		client:  client,
		name:    config.Name,
		config:  config,
		keys:    ledger.NewKeyPattern(config.KeyPrefix, ":"),
		known:   known,
		logger:  logging.OrGlobal(config.Logger).Named("redis"),
		watches: make(map[*redisWatch]struct{}),
	}, nil
}

// listKey holds the ledger's transactions, e.g. "ledger:bank1:tx".
func (r *RedisBackend) listKey(id ledger.ID) string {
	return r.keys.Build(string(id), "tx")
}

// channel announces appends to the ledger, e.g. "ledger:bank1:changes".
func (r *RedisBackend) channel(id ledger.ID) string {
	return r.keys.Build(string(id), "changes")
}

func (r *RedisBackend) check(id ledger.ID) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ledger.ErrClosed
	}
	if err := ledger.ValidateID(id); err != nil {
		return err
	}
	if len(r.known) > 0 && !r.known[id] {
		return fmt.Errorf("%w: %q", ledger.ErrUnknownLedger, id)
	}
	return nil
}

// Query reads the whole list. An entry that is not a JSON transaction makes
// the read fail with ErrMalformedTransaction.
func (r *RedisBackend) Query(ctx context.Context, id ledger.ID) ([]ledger.Transaction, error) {
	if err := r.check(id); err != nil {
		return nil, err
	}

	cmd := r.client.B().Lrange().Key(r.listKey(id)).Start(0).Stop(-1).Build()
	entries, err := r.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}

	txs := make([]ledger.Transaction, 0, len(entries))
	for i, entry := range entries {
		var tx ledger.Transaction
		if err := json.Unmarshal([]byte(entry), &tx); err != nil {
			return nil, fmt.Errorf("%w: entry %d of %s: %w", ledger.ErrMalformedTransaction, i, id, err)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// Mutate appends tx and publishes the change in one round trip.
func (r *RedisBackend) Mutate(ctx context.Context, id ledger.ID, tx ledger.NewTransaction) (ledger.Transaction, error) {
	if err := r.check(id); err != nil {
		return ledger.Transaction{}, err
	}
	if err := tx.Validate(); err != nil {
		return ledger.Transaction{}, err
	}

	recorded := tx.Record(uuid.NewString(), time.Now().UTC())
	data, err := json.Marshal(recorded)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("redis rpush: failed to marshal: %w", err)
	}

	results := r.client.DoMulti(ctx,
		r.client.B().Rpush().Key(r.listKey(id)).Element(string(data)).Build(),
		r.client.B().Publish().Channel(r.channel(id)).Message(recorded.ID).Build(),
	)
	if err := results[0].Error(); err != nil {
		return ledger.Transaction{}, fmt.Errorf("redis rpush: %w", err)
	}
	if err := results[1].Error(); err != nil {
		// The entry is stored; watchers catch up on their next notification.
		r.logger.Warn("publish after append failed", zap.String("ledger", string(id)), zap.Error(err))
	}

	return recorded, nil
}

// Watch subscribes to the ledger's change channel and re-reads the list on
// every message. The first snapshot is emitted right away.
func (r *RedisBackend) Watch(ctx context.Context, id ledger.ID) (ledger.Watch, error) {
	if err := r.check(id); err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &redisWatch{
		id:      id,
		backend: r,
		ch:      make(chan []ledger.Transaction, 1),
		notify:  make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
		subDone: make(chan struct{}),
		logger:  r.logger.ForLedger(string(id)),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, ledger.ErrClosed
	}
	r.watches[w] = struct{}{}
	r.mu.Unlock()

	w.signal()
	go w.subscribe(wctx)
	go w.run(wctx)

	return ledger.NewChanWatch(w.ch, w.close), nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	if err := r.client.Do(ctx, r.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *RedisBackend) Name() string {
	return r.name
}

// Close ends every watch and closes the client.
func (r *RedisBackend) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	watches := make([]*redisWatch, 0, len(r.watches))
	for w := range r.watches {
		watches = append(watches, w)
	}
	r.mu.Unlock()

	for _, w := range watches {
		w.close()
	}
	r.client.Close()
	return nil
}

type redisWatch struct {
	id      ledger.ID
	backend *RedisBackend
	ch      chan []ledger.Transaction
	notify  chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	subDone chan struct{}
	once    sync.Once
	logger  *logging.Logger
}

// signal asks run for a fresh snapshot. Pending signals coalesce.
func (w *redisWatch) signal() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// subscribe keeps a SUBSCRIBE open until ctx ends, resubscribing after drops.
func (w *redisWatch) subscribe(ctx context.Context) {
	defer close(w.subDone)

	client := w.backend.client
	for {
		cmd := client.B().Subscribe().Channel(w.backend.channel(w.id)).Build()
		err := client.Receive(ctx, cmd, func(msg rueidis.PubSubMessage) {
			w.signal()
		})
		if ctx.Err() != nil {
			return
		}

		w.logger.Warn("subscription dropped", zap.Error(err))
		select {
		case <-time.After(w.backend.config.ResubscribeDelay):
			// Appends may have been missed while unsubscribed.
			w.signal()
		case <-ctx.Done():
			return
		}
	}
}

func (w *redisWatch) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.notify:
		}

		txs, err := w.backend.Query(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("watch query failed", zap.Error(err))
			continue
		}

		select {
		case <-w.ch:
		default:
		}
		w.ch <- txs
	}
}

func (w *redisWatch) close() error {
	w.once.Do(func() {
		w.cancel()
		<-w.done
		<-w.subDone

		w.backend.mu.Lock()
		delete(w.backend.watches, w)
		w.backend.mu.Unlock()
	})
	return nil
}
