// Package graphql talks to a Hasura-style GraphQL endpoint that exposes one
// table per ledger, e.g. bank1 and bank2, each with an insert_<table> mutation.
//
// The endpoint has no push channel this package can rely on, so Watch polls.
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"ledger-sync/pkg/ledger"

	"github.com/shopspring/decimal"
)

const rowFields = "date transaction_id transaction_type transaction_value user_id user { first_name last_name user_id }"

// GraphQLBackend is a ledger.Backend over HTTP POST /v1/graphql.
type GraphQLBackend struct {
	config GraphQLBackendConfig
	client *http.Client

	mu      sync.Mutex
	watches map[*ledger.PollWatch]struct{}
	closed  bool
}

// GraphQLBackendConfig holds configuration for the GraphQL backend
type GraphQLBackendConfig struct {
	// Endpoint is the GraphQL URL, e.g. "https://example.hasura.app/v1/graphql"
	Endpoint string

	// Tables maps ledger IDs to table names. A ledger without an entry uses its ID.
	Tables map[ledger.ID]string

	// AdminSecret is sent as x-hasura-admin-secret when set
	AdminSecret string

	// AuthHeader and AuthValue add one more header, e.g. Authorization
	AuthHeader string
	AuthValue  string

	// ValueType is the GraphQL type of transaction_value (default: "Int").
	// With Int, amounts with a fractional part are rejected.
	ValueType string

	// RequestTimeout bounds one HTTP round trip (default: 10s)
	RequestTimeout time.Duration

	// PollInterval is how often a watch re-queries (default: 2s)
	PollInterval time.Duration

	// HTTPClient overrides the default client
	HTTPClient *http.Client
}

// NewGraphQLBackend validates config and creates the backend. It does not
// contact the endpoint.
func NewGraphQLBackend(config GraphQLBackendConfig) (*GraphQLBackend, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("graphql: endpoint is required")
	}
	if config.ValueType == "" {
		config.ValueType = "Int"
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.RequestTimeout}
	}

	return &GraphQLBackend{
		config:  config,
		client:  client,
		watches: make(map[*ledger.PollWatch]struct{}),
	}, nil
}

func (b *GraphQLBackend) table(id ledger.ID) (string, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return "", ledger.ErrClosed
	}

	if err := ledger.ValidateID(id); err != nil {
		return "", err
	}
	if len(b.config.Tables) == 0 {
		return string(id), nil
	}
	t, ok := b.config.Tables[id]
	if !ok {
		return "", fmt.Errorf("%w: %q", ledger.ErrUnknownLedger, id)
	}
	return t, nil
}

// row is one ledger entry as the endpoint returns it.
type row struct {
	Date             string      `json:"date"`
	TransactionID    flexString  `json:"transaction_id"`
	TransactionType  string      `json:"transaction_type"`
	TransactionValue json.Number `json:"transaction_value"`
	UserID           string      `json:"user_id"`
	User             *owner      `json:"user"`
}

// owner is the users relation joined onto each row.
type owner struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// flexString accepts a JSON string or a bare number, since id columns may be
// uuid or serial.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(data)
	return nil
}

func (r row) transaction() (ledger.Transaction, error) {
	amount, err := decimal.NewFromString(r.TransactionValue.String())
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("%w: transaction %s value %q", ledger.ErrMalformedTransaction, r.TransactionID, r.TransactionValue)
	}
	at, err := parseDate(r.Date)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("%w: transaction %s date %q", ledger.ErrMalformedTransaction, r.TransactionID, r.Date)
	}
	tx := ledger.Transaction{
		ID:        string(r.TransactionID),
		Timestamp: at,
		Kind:      ledger.Kind(r.TransactionType),
		Amount:    amount,
		UserID:    r.UserID,
	}
	if r.User != nil {
		tx.UserName = strings.TrimSpace(r.User.FirstName + " " + r.User.LastName)
	}
	return tx, nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02",
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// Query runs `{ <table> { ... } }` and returns rows in the endpoint's order.
// The kind is passed through unchecked; balance computation flags unknown kinds.
func (b *GraphQLBackend) Query(ctx context.Context, id ledger.ID) ([]ledger.Transaction, error) {
	table, err := b.table(id)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("query Get%sDetails { %s { %s } }", exportName(table), table, rowFields)

	var data map[string][]row
	if err := b.do(ctx, query, nil, &data); err != nil {
		return nil, err
	}

	rows, ok := data[table]
	if !ok {
		return nil, fmt.Errorf("graphql: response has no %q field", table)
	}

	txs := make([]ledger.Transaction, 0, len(rows))
	for _, r := range rows {
		tx, err := r.transaction()
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// Mutate runs insert_<table> and returns the row the endpoint stored.
func (b *GraphQLBackend) Mutate(ctx context.Context, id ledger.ID, tx ledger.NewTransaction) (ledger.Transaction, error) {
	table, err := b.table(id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := tx.Validate(); err != nil {
		return ledger.Transaction{}, err
	}
	if b.config.ValueType == "Int" && !tx.Amount.IsInteger() {
		return ledger.Transaction{}, fmt.Errorf("%w: amount %s is not an integer", ledger.ErrMalformedTransaction, tx.Amount)
	}

	field := "insert_" + table
	mutation := fmt.Sprintf(`mutation Add%sDetails($user_id: uuid, $transaction_value: %s, $transaction_type: String) {
  %s(objects: {user_id: $user_id, transaction_value: $transaction_value, transaction_type: $transaction_type}) {
    returning { %s }
  }
}`, exportName(table), b.config.ValueType, field, rowFields)

	vars := map[string]any{
		"user_id":           tx.UserID,
		"transaction_value": json.Number(tx.Amount.String()),
		"transaction_type":  string(tx.Kind),
	}
	if tx.UserID == "" {
		vars["user_id"] = nil
	}

	var data map[string]struct {
		Returning []row `json:"returning"`
	}
	if err := b.do(ctx, mutation, vars, &data); err != nil {
		return ledger.Transaction{}, err
	}

	res, ok := data[field]
	if !ok || len(res.Returning) == 0 {
		return ledger.Transaction{}, fmt.Errorf("graphql: %s returned no rows", field)
	}
	return res.Returning[0].transaction()
}

// Watch polls Query every PollInterval and emits changed snapshots.
func (b *GraphQLBackend) Watch(ctx context.Context, id ledger.ID) (ledger.Watch, error) {
	if _, err := b.table(id); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ledger.ErrClosed
	}

	w := ledger.NewPollWatch(ctx, b.config.PollInterval, func(ctx context.Context) ([]ledger.Transaction, error) {
		return b.Query(ctx, id)
	})
	b.watches[w] = struct{}{}

	return ledger.NewChanWatch(w.Changes(), func() error {
		b.mu.Lock()
		delete(b.watches, w)
		b.mu.Unlock()
		return w.Close()
	}), nil
}

func (b *GraphQLBackend) Name() string {
	return "graphql"
}

// Close stops every watch. Requests in flight are not interrupted.
func (b *GraphQLBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	watches := make([]*ledger.PollWatch, 0, len(b.watches))
	for w := range b.watches {
		watches = append(watches, w)
	}
	b.watches = map[*ledger.PollWatch]struct{}{}
	b.mu.Unlock()

	for _, w := range watches {
		w.Close()
	}
	return nil
}

type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

type gqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

// Error is a GraphQL-level failure reported in the errors array.
type Error struct {
	Messages []string
	Codes    []string
}

func (e *Error) Error() string {
	return "graphql: " + strings.Join(e.Messages, "; ")
}

func (b *GraphQLBackend) do(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(request{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("graphql: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("graphql: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.config.AdminSecret != "" {
		req.Header.Set("x-hasura-admin-secret", b.config.AdminSecret)
	}
	if b.config.AuthHeader != "" {
		req.Header.Set(b.config.AuthHeader, b.config.AuthValue)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: graphql: %w", ledger.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%w: graphql: read response: %w", ledger.ErrBackendUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: graphql: status %d", ledger.ErrBackendUnavailable, resp.StatusCode)
	}

	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("graphql: decode response (status %d): %w", resp.StatusCode, err)
	}
	if len(r.Errors) > 0 {
		ge := &Error{}
		for _, e := range r.Errors {
			ge.Messages = append(ge.Messages, e.Message)
			ge.Codes = append(ge.Codes, e.Extensions.Code)
		}
		return ge
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("graphql: status %d", resp.StatusCode)
	}

	dec := json.NewDecoder(bytes.NewReader(r.Data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("graphql: decode data: %w", err)
	}
	return nil
}

// exportName turns "bank1" into "Bank1" for operation names.
func exportName(table string) string {
	if table == "" {
		return table
	}
	return strings.ToUpper(table[:1]) + table[1:]
}
