// Package api exposes balances, transfers and reconciliation over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ledger-sync/pkg/intent"
	"ledger-sync/pkg/ledger"
	"ledger-sync/pkg/logging"
	"ledger-sync/pkg/reconcile"
	"ledger-sync/pkg/store"
	"ledger-sync/pkg/transfer"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Transfers submits intents. *transfer.Coordinator satisfies it.
type Transfers interface {
	Pair() ledger.Pair
	Submit(ctx context.Context, in transfer.Intent) (*transfer.Outcome, error)
	SubmitOnLedger(ctx context.Context, id ledger.ID, kind ledger.Kind, amount decimal.Decimal, userID string) (*transfer.Outcome, error)
}

// Reconciler queues compensation. *reconcile.Reconciler satisfies it.
type Reconciler interface {
	Enqueue(ctx context.Context, id string, policy reconcile.Policy) error
	Stats() reconcile.Stats
}

// Server provides the HTTP endpoints of the service.
type Server struct {
	stores     *store.Registry
	transfers  Transfers
	log        intent.Log
	reconciler Reconciler
	config     ServerConfig
	logger     *logging.Logger
	router     *mux.Router
	server     *http.Server
	started    time.Time
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses
	WriteTimeout time.Duration

	// RefreshTimeout bounds on-demand refreshes of a ledger that has not
	// been fetched yet (default: 5s)
	RefreshTimeout time.Duration

	// DefaultUserID is used by ledger form actions without a user
	DefaultUserID string

	// Registerer receives the HTTP metrics and Gatherer serves /metrics.
	// Both default to the prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	Logger *logging.Logger
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        ":8080",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   30 * time.Second,
		RefreshTimeout: 5 * time.Second,
	}
}

// NewServer wires the routes. log and reconciler may be nil; the endpoints
// that need them then answer 404 and 503.
func NewServer(stores *store.Registry, transfers Transfers, log intent.Log, reconciler Reconciler, config ServerConfig) (*Server, error) {
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = 5 * time.Second
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.DefaultRegisterer
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		stores:     stores,
		transfers:  transfers,
		log:        log,
		reconciler: reconciler,
		config:     config,
		logger:     logging.OrGlobal(config.Logger).Named("api"),
		started:    time.Now(),
	}

	httpMetrics, err := newHTTPMetrics(config.Registerer)
	if err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	r.Use(httpMetrics.middleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/ledgers", s.handleBalances).Methods(http.MethodGet)
	r.HandleFunc("/ledgers/{ledger}/balance", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/ledgers/{ledger}/transactions", s.handleTransactions).Methods(http.MethodGet)
	r.HandleFunc("/ledgers/{ledger}/transactions", s.handleLedgerAction).Methods(http.MethodPost)
	r.HandleFunc("/ledgers/{ledger}/refresh", s.handleRefresh).Methods(http.MethodPost)

	r.HandleFunc("/transfers", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/transfers/{id}", s.handleGetTransfer).Methods(http.MethodGet)
	r.HandleFunc("/transfers/{id}/reconcile", s.handleReconcile).Methods(http.MethodPost)

	s.router = r
	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server in a goroutine. Listen errors are sent on
// the returned channel.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.config.Address))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", zap.Error(err))
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// handleStatus reports uptime, both balance views and reconciler counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "running",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.started).String(),
		"ledgers":   balanceResponses(s.stores.Balances()),
	}
	if s.reconciler != nil {
		response["reconciler"] = s.reconciler.Stats()
	}
	if ml, ok := s.log.(*intent.MemoryLog); ok {
		response["intent_log"] = ml.Stats()
	}

	writeJSON(w, http.StatusOK, response)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
