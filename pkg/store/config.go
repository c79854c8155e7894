package store

import (
	"time"

	"ledger-sync/pkg/logging"
	"ledger-sync/pkg/metrics"
)

// Config configures a LedgerStore.
type Config struct {
	// QueryTimeout bounds each backend fetch. Default: 5s
	QueryTimeout time.Duration

	// DisableWatch skips the backend watch; the store then only changes on Refresh.
	DisableWatch bool

	// Metrics receives refresh and snapshot metrics. Default: no-op
	Metrics metrics.MetricsCollector

	// Logger is the parent logger. Default: the global logger
	Logger *logging.Logger
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		QueryTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Second
	}
	c.Metrics = metrics.OrNoOp(c.Metrics)
	c.Logger = logging.OrGlobal(c.Logger)
	return c
}
