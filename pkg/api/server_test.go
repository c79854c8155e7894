package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ledger-sync/pkg/intent"
	"ledger-sync/pkg/ledger"
	"ledger-sync/pkg/ledger/memory"
	"ledger-sync/pkg/logging"
	"ledger-sync/pkg/reconcile"
	"ledger-sync/pkg/store"
	"ledger-sync/pkg/transfer"

	"github.com/prometheus/client_golang/prometheus"
)

type testService struct {
	server     *Server
	backend    *memory.MemoryBackend
	log        *intent.MemoryLog
	reconciler *reconcile.Reconciler
}

func setupTestServer(t *testing.T, withReconciler bool) *testService {
	t.Helper()

	pair := ledger.DefaultPair()
	backend := memory.NewMemoryBackend(memory.MemoryBackendConfig{Ledgers: pair.IDs()})

	stores, err := store.NewRegistry(pair, map[ledger.ID]ledger.Backend{
		pair.A: backend,
		pair.B: backend,
	}, store.Config{DisableWatch: true, Logger: logging.NewNoOpLogger()})
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	refreshers := map[ledger.ID]transfer.Refresher{}
	for _, id := range pair.IDs() {
		st, _ := stores.Get(id)
		refreshers[id] = st
	}

	log := intent.NewMemoryLog(intent.MemoryLogConfig{})
	coord, err := transfer.NewCoordinator(transfer.Config{
		Pair:        pair,
		SyncRefresh: true,
		Log:         log,
		Logger:      logging.NewNoOpLogger(),
	}, map[ledger.ID]transfer.Writer{pair.A: backend, pair.B: backend}, refreshers)
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}

	svc := &testService{backend: backend, log: log}

	var rec Reconciler
	if withReconciler {
		svc.reconciler = reconcile.NewReconciler(coord, log, reconcile.Config{
			RetryDelay: 10 * time.Millisecond,
			Logger:     logging.NewNoOpLogger(),
		})
		rec = svc.reconciler
	}

	registry := prometheus.NewRegistry()
	config := DefaultServerConfig()
	config.DefaultUserID = "474e9563-5673-4b7c-8c21-7005bc6a60e5"
	config.Registerer = registry
	config.Gatherer = registry
	config.Logger = logging.NewNoOpLogger()

	svc.server, err = NewServer(stores, coord, log, rec, config)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	t.Cleanup(func() {
		if svc.reconciler != nil {
			svc.reconciler.Close()
		}
		coord.Close()
		stores.Close()
		backend.Close()
	})
	return svc
}

func (svc *testService) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	svc.server.Handler().ServeHTTP(w, req)

	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	return w, response
}

func (svc *testService) balances(t *testing.T) map[string]string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/ledgers", nil)
	w := httptest.NewRecorder()
	svc.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /ledgers: expected 200, got %d", w.Code)
	}

	var views []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	out := map[string]string{}
	for _, v := range views {
		out[v["ledger"].(string)] = v["balance"].(string)
	}
	return out
}

func intentID(t *testing.T, response map[string]interface{}) string {
	t.Helper()
	in, ok := response["intent"].(map[string]interface{})
	if !ok {
		t.Fatalf("Response has no intent: %v", response)
	}
	return in["id"].(string)
}

func TestServer_Health(t *testing.T) {
	svc := setupTestServer(t, false)

	w, response := svc.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if response["status"] != "healthy" {
		t.Errorf("Expected status healthy, got %v", response["status"])
	}
}

func TestServer_Status(t *testing.T) {
	svc := setupTestServer(t, true)

	w, response := svc.do(t, http.MethodGet, "/status", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if response["status"] != "running" {
		t.Errorf("Expected status running, got %v", response["status"])
	}
	if _, ok := response["reconciler"]; !ok {
		t.Error("Expected reconciler stats")
	}
	if ledgers, ok := response["ledgers"].([]interface{}); !ok || len(ledgers) != 2 {
		t.Errorf("Expected two ledgers, got %v", response["ledgers"])
	}
}

func TestServer_InitialBalances(t *testing.T) {
	svc := setupTestServer(t, false)

	got := svc.balances(t)
	if got["primary"] != "0" || got["secondary"] != "0" {
		t.Errorf("Expected zero balances, got %v", got)
	}
}

func TestServer_SubmitSettled(t *testing.T) {
	svc := setupTestServer(t, false)

	w, response := svc.do(t, http.MethodPost, "/transfers", map[string]interface{}{
		"source": "primary",
		"dest":   "secondary",
		"kind":   "DEPOSIT",
		"amount": "100",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body)
	}
	if response["state"] != "settled" {
		t.Errorf("Expected settled, got %v", response["state"])
	}

	got := svc.balances(t)
	if got["primary"] != "100" || got["secondary"] != "-100" {
		t.Errorf("Unexpected balances: %v", got)
	}

	id := intentID(t, response)
	w, rec := svc.do(t, http.MethodGet, "/transfers/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if rec["status"] != "settled" {
		t.Errorf("Expected stored status settled, got %v", rec["status"])
	}
}

func TestServer_LedgerAction(t *testing.T) {
	svc := setupTestServer(t, false)

	w, response := svc.do(t, http.MethodPost, "/ledgers/secondary/transactions", map[string]interface{}{
		"kind":   "WITHDRAWAL",
		"amount": 30,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body)
	}

	in := response["intent"].(map[string]interface{})
	if in["source"] != "secondary" || in["dest"] != "primary" {
		t.Errorf("Expected counterpart inferred, got %v", in)
	}
	if in["user_id"] != "474e9563-5673-4b7c-8c21-7005bc6a60e5" {
		t.Errorf("Expected default user id, got %v", in["user_id"])
	}

	got := svc.balances(t)
	if got["primary"] != "30" || got["secondary"] != "-30" {
		t.Errorf("Unexpected balances: %v", got)
	}

	w, tx := svc.do(t, http.MethodGet, "/ledgers/secondary/transactions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if txs := tx["transactions"].([]interface{}); len(txs) != 1 {
		t.Errorf("Expected one transaction, got %d", len(txs))
	}
	totals := tx["totals"].(map[string]interface{})
	if totals["withdrawals"] != "30" || totals["withdrawal_count"] != float64(1) || totals["deposit_count"] != float64(0) {
		t.Errorf("Unexpected totals: %v", totals)
	}
}

func TestServer_LedgerActionDefaultsToDeposit(t *testing.T) {
	svc := setupTestServer(t, false)

	w, response := svc.do(t, http.MethodPost, "/ledgers/primary/transactions", map[string]interface{}{
		"amount": "12",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body)
	}

	in := response["intent"].(map[string]interface{})
	if in["kind"] != "DEPOSIT" || in["dest"] != "secondary" {
		t.Errorf("Expected a deposit mirrored onto secondary, got %v", in)
	}

	got := svc.balances(t)
	if got["primary"] != "12" || got["secondary"] != "-12" {
		t.Errorf("Unexpected balances: %v", got)
	}
}

func TestServer_SubmitPartialThenReconcile(t *testing.T) {
	svc := setupTestServer(t, true)
	svc.backend.InjectFault("secondary", "mutate", errors.New("secondary unavailable"))

	w, response := svc.do(t, http.MethodPost, "/transfers", map[string]interface{}{
		"source": "primary",
		"dest":   "secondary",
		"kind":   "DEPOSIT",
		"amount": "25.50",
	})
	if w.Code != http.StatusMultiStatus {
		t.Fatalf("Expected 207, got %d: %s", w.Code, w.Body)
	}
	if response["state"] != "partially_settled" || response["error"] == nil {
		t.Errorf("Unexpected response: %v", response)
	}
	id := intentID(t, response)

	svc.backend.InjectFault("secondary", "mutate", nil)

	w, _ = svc.do(t, http.MethodPost, "/transfers/"+id+"/reconcile", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body)
	}
	if err := svc.reconciler.Flush(2 * time.Second); err != nil {
		t.Fatal(err)
	}

	_, rec := svc.do(t, http.MethodGet, "/transfers/"+id, nil)
	if rec["status"] != "reconciled" {
		t.Errorf("Expected reconciled, got %v", rec["status"])
	}

	got := svc.balances(t)
	if got["primary"] != "25.5" || got["secondary"] != "-25.5" {
		t.Errorf("Unexpected balances after reconcile: %v", got)
	}

	w, _ = svc.do(t, http.MethodPost, "/transfers/"+id+"/reconcile", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for a reconciled transfer, got %d", w.Code)
	}
}

func TestServer_SubmitFailed(t *testing.T) {
	svc := setupTestServer(t, false)
	svc.backend.InjectFault("primary", "mutate", errors.New("down"))
	svc.backend.InjectFault("secondary", "mutate", errors.New("down"))

	w, response := svc.do(t, http.MethodPost, "/transfers", map[string]interface{}{
		"source": "primary",
		"dest":   "secondary",
		"kind":   "WITHDRAWAL",
		"amount": "5",
	})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", w.Code)
	}
	if response["state"] != "failed" {
		t.Errorf("Expected failed, got %v", response["state"])
	}
}

func TestServer_SubmitDuplicate(t *testing.T) {
	svc := setupTestServer(t, false)

	body := `{"source":"primary","dest":"secondary","kind":"DEPOSIT","amount":"10"}`
	req := httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", "form-1")
	w := httptest.NewRecorder()
	svc.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", "form-1")
	w = httptest.NewRecorder()
	svc.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for duplicate, got %d", w.Code)
	}

	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	if response["duplicate"] != true || response["state"] != "settled" {
		t.Errorf("Unexpected duplicate response: %v", response)
	}

	if got := svc.balances(t); got["primary"] != "10" {
		t.Errorf("Expected one transfer applied, got %v", got)
	}
}

func TestServer_BadRequests(t *testing.T) {
	svc := setupTestServer(t, true)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"zero amount", http.MethodPost, "/transfers", map[string]interface{}{"source": "primary", "dest": "secondary", "kind": "DEPOSIT", "amount": "0"}, http.StatusBadRequest},
		{"unknown kind", http.MethodPost, "/transfers", map[string]interface{}{"source": "primary", "dest": "secondary", "kind": "REFUND", "amount": "1"}, http.StatusBadRequest},
		{"transfer without kind", http.MethodPost, "/transfers", map[string]interface{}{"source": "primary", "dest": "secondary", "amount": "1"}, http.StatusBadRequest},
		{"same ledger", http.MethodPost, "/transfers", map[string]interface{}{"source": "primary", "dest": "primary", "kind": "DEPOSIT", "amount": "1"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/transfers", map[string]interface{}{"from": "primary"}, http.StatusBadRequest},
		{"not json", http.MethodPost, "/transfers", "amount=5", http.StatusBadRequest},
		{"unknown ledger balance", http.MethodGet, "/ledgers/bank9/balance", nil, http.StatusNotFound},
		{"unknown ledger action", http.MethodPost, "/ledgers/bank9/transactions", map[string]interface{}{"kind": "DEPOSIT", "amount": "1"}, http.StatusNotFound},
		{"unknown transfer", http.MethodGet, "/transfers/nope", nil, http.StatusNotFound},
		{"reconcile unknown", http.MethodPost, "/transfers/nope/reconcile", nil, http.StatusNotFound},
		{"reconcile bad policy", http.MethodPost, "/transfers/nope/reconcile?policy=rollback", nil, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/transfers", nil, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := svc.do(t, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Errorf("Expected %d, got %d: %s", tt.status, w.Code, w.Body)
			}
		})
	}
}

func TestServer_ReconcileDisabled(t *testing.T) {
	svc := setupTestServer(t, false)

	w, _ := svc.do(t, http.MethodPost, "/transfers/any/reconcile", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestServer_ReconcileSettledConflicts(t *testing.T) {
	svc := setupTestServer(t, true)

	_, response := svc.do(t, http.MethodPost, "/transfers", map[string]interface{}{
		"source": "primary", "dest": "secondary", "kind": "DEPOSIT", "amount": "1",
	})
	id := intentID(t, response)

	w, _ := svc.do(t, http.MethodPost, "/transfers/"+id+"/reconcile", `{"policy":"reverse_succeeded_leg"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}
}

func TestServer_RefreshFailureKeepsLastBalance(t *testing.T) {
	svc := setupTestServer(t, false)

	svc.do(t, http.MethodPost, "/ledgers/primary/transactions", map[string]interface{}{"kind": "DEPOSIT", "amount": "40"})

	svc.backend.InjectFault("primary", "query", errors.New("connection reset"))

	w, response := svc.do(t, http.MethodPost, "/ledgers/primary/refresh", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", w.Code)
	}
	if response["state"] != "query_failed" || response["balance"] != "40" {
		t.Errorf("Expected last good balance with query_failed, got %v", response)
	}

	svc.backend.InjectFault("primary", "query", nil)

	w, response = svc.do(t, http.MethodPost, "/ledgers/primary/refresh", nil)
	if w.Code != http.StatusOK || response["state"] != "ready" {
		t.Errorf("Expected recovery, got %d %v", w.Code, response)
	}
}

func TestServer_Metrics(t *testing.T) {
	svc := setupTestServer(t, false)

	svc.do(t, http.MethodGet, "/health", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	svc.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `ledger_http_requests_total{endpoint="/health",method="GET",status="200"} 1`) {
		t.Errorf("Expected request counter in metrics output:\n%s", w.Body)
	}
}

func TestNewServer_SharedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	for i := 0; i < 2; i++ {
		if _, err := newHTTPMetrics(registry); err != nil {
			t.Fatalf("Registration %d failed: %v", i, err)
		}
	}
}
