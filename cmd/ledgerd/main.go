// Command ledgerd serves two ledgers, keeps their balances live and issues
// paired transfers between them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledger-sync/pkg/api"
	"ledger-sync/pkg/config"
	"ledger-sync/pkg/events"
	"ledger-sync/pkg/intent"
	"ledger-sync/pkg/ledger"
	"ledger-sync/pkg/ledger/graphql"
	"ledger-sync/pkg/ledger/memory"
	pgledger "ledger-sync/pkg/ledger/postgres"
	redisledger "ledger-sync/pkg/ledger/redis"
	"ledger-sync/pkg/logging"
	promcollector "ledger-sync/pkg/metrics/prometheus"
	"ledger-sync/pkg/reconcile"
	"ledger-sync/pkg/resilience"
	"ledger-sync/pkg/store"
	"ledger-sync/pkg/transfer"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	logger, err := logging.NewLoggerFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	if err := run(logger); err != nil {
		logger.Error("ledgerd stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// closer runs shutdown steps in reverse registration order.
type closer struct {
	steps []func() error
}

func (c *closer) add(fn func() error) {
	c.steps = append(c.steps, fn)
}

func (c *closer) close() error {
	var err error
	for i := len(c.steps) - 1; i >= 0; i-- {
		err = multierr.Append(err, c.steps[i]())
	}
	return err
}

func run(logger *logging.Logger) (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var shutdown closer
	defer func() {
		err = multierr.Append(err, shutdown.close())
	}()

	collector := promcollector.NewPrometheusCollector("ledger")
	if err := collector.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	resilient := resilience.NewResilientBackendWithMetrics(backend, resilientConfig(cfg), collector)
	shutdown.add(resilient.Close)

	backends := map[ledger.ID]ledger.Backend{}
	writers := map[ledger.ID]transfer.Writer{}
	for _, id := range cfg.Pair.IDs() {
		backends[id] = resilient
		writers[id] = resilient
	}

	stores, err := store.NewRegistry(cfg.Pair, backends, store.Config{
		QueryTimeout: cfg.QueryTimeout,
		DisableWatch: cfg.DisableWatch,
		Metrics:      collector,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	shutdown.add(stores.Close)

	refreshers := map[ledger.ID]transfer.Refresher{}
	for _, id := range cfg.Pair.IDs() {
		st, _ := stores.Get(id)
		refreshers[id] = st
		follow(ctx, st, logger)
	}

	log, err := openIntentLog(ctx, cfg, backend)
	if err != nil {
		return err
	}
	if log != nil {
		shutdown.add(log.Close)
	}

	var publishers transfer.Publishers
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		shutdown.add(kp.Close)
		publishers = append(publishers, kp)
	}

	// The reconciler needs the coordinator as its executor, and with
	// RECONCILE_AUTO the coordinator publishes to the reconciler.
	var reconciler *reconcile.Reconciler
	tcfg := transfer.Config{
		Pair:            cfg.Pair,
		MutationTimeout: cfg.MutationTimeout,
		RefreshTimeout:  cfg.RefreshTimeout,
		SyncRefresh:     cfg.SyncRefresh,
		Metrics:         collector,
		Logger:          logger,
	}
	if log != nil {
		tcfg.Log = log
	}
	autoReconcile := &lateReconciler{}
	if cfg.Reconcile.Auto {
		publishers = append(publishers, autoReconcile)
	}
	if len(publishers) > 0 {
		tcfg.Publisher = publishers
	}

	coord, err := transfer.NewCoordinator(tcfg, writers, refreshers)
	if err != nil {
		return err
	}
	shutdown.add(coord.Close)

	var apiReconciler api.Reconciler
	if cfg.Reconcile.Enabled {
		reconciler = reconcile.NewReconciler(coord, log, reconcile.Config{
			QueueSize:  cfg.Reconcile.QueueSize,
			Workers:    cfg.Reconcile.Workers,
			Attempts:   cfg.Reconcile.Attempts,
			RetryDelay: cfg.Reconcile.RetryDelay,
			Policy:     cfg.Reconcile.Policy,
			Metrics:    collector,
			Logger:     logger,
		})
		// Closed before the coordinator so queued compensations still run.
		shutdown.add(reconciler.Close)
		autoReconcile.r = reconciler
		apiReconciler = reconciler
	}

	server, err := api.NewServer(stores, coord, log, apiReconciler, api.ServerConfig{
		Address:        cfg.HTTPAddr,
		ReadTimeout:    cfg.HTTPReadTimeout,
		WriteTimeout:   cfg.HTTPWriteTimeout,
		RefreshTimeout: cfg.RefreshTimeout,
		DefaultUserID:  cfg.DefaultUserID,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	logger.Info("ledgerd started",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("backend", cfg.Backend),
		zap.String("ledger_a", string(cfg.Pair.A)),
		zap.String("ledger_b", string(cfg.Pair.B)),
		zap.String("intent_log", cfg.IntentLog),
		zap.Bool("reconcile", cfg.Reconcile.Enabled),
		zap.Bool("reconcile_auto", cfg.Reconcile.Auto),
		zap.Int("kafka_brokers", len(cfg.Kafka.Brokers)),
	)

	var serveErr error
	select {
	case serveErr = <-server.Start():
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return multierr.Append(serveErr, server.Stop(sctx))
}

// lateReconciler forwards outcomes to a reconciler created after the
// coordinator. Outcomes published before it is set are ignored.
type lateReconciler struct {
	r *reconcile.Reconciler
}

func (l *lateReconciler) Publish(ctx context.Context, out *transfer.Outcome) error {
	if l.r == nil {
		return nil
	}
	return l.r.Publish(ctx, out)
}

func openBackend(ctx context.Context, cfg *config.Config, logger *logging.Logger) (ledger.Backend, error) {
	ids := cfg.Pair.IDs()

	switch cfg.Backend {
	case config.BackendPostgres:
		pc := pgledger.DefaultPostgresBackendConfig(cfg.Postgres.DSN)
		pc.Ledgers = ids
		pc.MaxOpenConns = cfg.Postgres.MaxOpenConns
		pc.MaxIdleConns = cfg.Postgres.MaxIdleConns
		pc.AutoMigrate = cfg.Postgres.AutoMigrate
		pc.Logger = logger
		return pgledger.NewPostgresBackend(ctx, pc)

	case config.BackendRedis:
		rc := redisledger.DefaultRedisBackendConfig()
		switch {
		case len(cfg.Redis.ClusterAddrs) > 0:
			rc = redisledger.ClusterBackendConfig(cfg.Redis.ClusterAddrs, cfg.Redis.Password)
		case len(cfg.Redis.SentinelAddrs) > 0:
			rc = redisledger.SentinelBackendConfig(cfg.Redis.SentinelAddrs, cfg.Redis.SentinelMaster, cfg.Redis.Password)
		default:
			rc.Addr = cfg.Redis.Addr
			rc.Password = cfg.Redis.Password
			rc.DB = cfg.Redis.DB
		}
		rc.KeyPrefix = cfg.Redis.KeyPrefix
		rc.Ledgers = ids
		rc.Logger = logger
		return redisledger.NewRedisBackend(rc)

	case config.BackendGraphQL:
		return graphql.NewGraphQLBackend(graphql.GraphQLBackendConfig{
			Endpoint:     cfg.GraphQL.Endpoint,
			Tables:       cfg.GraphQL.Tables,
			AdminSecret:  cfg.GraphQL.AdminSecret,
			AuthHeader:   cfg.GraphQL.AuthHeader,
			AuthValue:    cfg.GraphQL.AuthValue,
			ValueType:    cfg.GraphQL.ValueType,
			PollInterval: cfg.GraphQL.PollInterval,
		})

	default:
		return memory.NewMemoryBackend(memory.MemoryBackendConfig{Ledgers: ids}), nil
	}
}

// openIntentLog returns nil when the log is disabled. The postgres log
// shares the ledger pool when the ledgers live in postgres too.
func openIntentLog(ctx context.Context, cfg *config.Config, backend ledger.Backend) (intent.Log, error) {
	switch cfg.IntentLog {
	case config.IntentLogNone:
		return nil, nil
	case config.IntentLogPostgres:
		lc := intent.PostgresLogConfig{
			DSN:          cfg.Postgres.DSN,
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
			MaxIdleConns: cfg.Postgres.MaxIdleConns,
		}
		if pb, ok := backend.(*pgledger.PostgresBackend); ok {
			lc.DB = pb.DB()
		} else if cfg.Postgres.AutoMigrate {
			if _, err := pgledger.MigrateDSN(cfg.Postgres.DSN); err != nil {
				return nil, err
			}
		}
		return intent.NewPostgresLog(ctx, lc)
	default:
		return intent.NewMemoryLog(intent.MemoryLogConfig{}), nil
	}
}

func resilientConfig(cfg *config.Config) resilience.ResilientConfig {
	rc := resilience.DefaultResilientConfig().
		WithTimeout(cfg.Breaker.Timeout).
		WithCircuitBreakerTimeout(cfg.Breaker.OpenTimeout)
	rc.CircuitBreakerConfig.Interval = cfg.Breaker.Interval
	rc.CircuitBreakerConfig.ReadyToTrip = resilience.ConsecutiveFailures(cfg.Breaker.MaxFailures)
	return rc
}

// follow keeps one subscription open per store so the backend watch stays
// live, and logs every balance change.
func follow(ctx context.Context, st *store.LedgerStore, logger *logging.Logger) {
	sub, err := st.Subscribe(ctx)
	if err != nil {
		logger.Warn("subscribe failed", zap.String("ledger", string(st.Ledger())), zap.Error(err))
		return
	}

	l := logger.Named("follow").ForLedger(string(st.Ledger()))
	go func() {
		for snap := range sub.C {
			if snap.Err != nil {
				l.Warn("snapshot error", zap.Error(snap.Err))
				continue
			}
			l.Info("balance",
				zap.String("balance", snap.Balance.String()),
				zap.Int("transactions", len(snap.Transactions)),
				zap.Uint64("seq", snap.Seq),
			)
		}
	}()
}
