package transfer

import (
	"time"

	"ledger-sync/pkg/ledger"
	"ledger-sync/pkg/logging"
	"ledger-sync/pkg/metrics"

	"github.com/google/uuid"
)

// Config configures a Coordinator.
type Config struct {
	// Pair is the set of ledgers transfers move between. Default: primary/secondary
	Pair ledger.Pair

	// MutationTimeout bounds each leg. Legs ignore the caller's cancellation. Default: 10s
	MutationTimeout time.Duration

	// RefreshTimeout bounds the refresh that follows a recorded leg. Default: 5s
	RefreshTimeout time.Duration

	// SyncRefresh makes Submit wait for the post-mutation refreshes.
	SyncRefresh bool

	// Log records intents and outcomes. Optional.
	Log IntentLog

	// Publisher announces resolved outcomes. Optional.
	Publisher Publisher

	// Metrics receives transfer metrics. Default: no-op
	Metrics metrics.MetricsCollector

	// Logger is the parent logger. Default: the global logger
	Logger *logging.Logger

	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		Pair:            ledger.DefaultPair(),
		MutationTimeout: 10 * time.Second,
		RefreshTimeout:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.Pair == (ledger.Pair{}) {
		c.Pair = ledger.DefaultPair()
	}
	if c.MutationTimeout <= 0 {
		c.MutationTimeout = 10 * time.Second
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = func() string { return uuid.NewString() }
	}
	c.Metrics = metrics.OrNoOp(c.Metrics)
	c.Logger = logging.OrGlobal(c.Logger)
	return c
}
