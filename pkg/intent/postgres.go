package intent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ledger-sync/pkg/transfer"

	"github.com/lib/pq"
)

// PostgresLog stores records in the transfer_intents table created by the
// ledger/postgres migrations.
type PostgresLog struct {
	db     *sql.DB
	ownsDB bool
	now    func() time.Time
}

// PostgresLogConfig holds configuration for the Postgres intent log
type PostgresLogConfig struct {
	// DSN opens a dedicated pool when DB is nil
	DSN string

	// DB reuses an existing pool. Close does not close it.
	DB *sql.DB

	MaxOpenConns int
	MaxIdleConns int

	Now func() time.Time
}

// NewPostgresLog connects to Postgres and verifies the connection.
func NewPostgresLog(ctx context.Context, config PostgresLogConfig) (*PostgresLog, error) {
	if config.Now == nil {
		config.Now = time.Now
	}

	db := config.DB
	owns := false
	if db == nil {
		if config.DSN == "" {
			return nil, errors.New("intent: postgres DSN is required")
		}
		var err error
		db, err = sql.Open("postgres", config.DSN)
		if err != nil {
			return nil, fmt.Errorf("open intent log: %w", err)
		}
		owns = true

		if config.MaxOpenConns > 0 {
			db.SetMaxOpenConns(config.MaxOpenConns)
		}
		if config.MaxIdleConns > 0 {
			db.SetMaxIdleConns(config.MaxIdleConns)
		}
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		if owns {
			db.Close()
		}
		return nil, fmt.Errorf("ping intent log: %w", err)
	}

	return &PostgresLog{db: db, ownsDB: owns, now: config.Now}, nil
}

const selectRecord = `SELECT status, intent, outcome, reconciliation, created_at, updated_at FROM transfer_intents`

// Begin inserts in as pending. A conflicting idempotency key or id returns
// the stored record's outcome with ErrDuplicateIntent.
func (l *PostgresLog) Begin(ctx context.Context, in transfer.Intent) (*transfer.Outcome, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode intent: %w", err)
	}

	var key sql.NullString
	if in.IdempotencyKey != "" {
		key = sql.NullString{String: in.IdempotencyKey, Valid: true}
	}

	now := l.now().UTC()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO transfer_intents (id, idempotency_key, status, intent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT DO NOTHING`,
		in.ID, key, string(StatusPending), string(payload), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert intent %s: %w", in.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert intent %s: %w", in.ID, err)
	}
	if n == 1 {
		return nil, nil
	}

	existing, err := l.scanOne(l.db.QueryRowContext(ctx,
		selectRecord+` WHERE id = $1 OR (idempotency_key IS NOT NULL AND idempotency_key = $2) LIMIT 1`,
		in.ID, key,
	))
	if err != nil {
		return nil, fmt.Errorf("load duplicate of %s: %w", in.ID, err)
	}
	return existing.pendingOutcome(), fmt.Errorf("%w: %s", ErrDuplicateIntent, in.ID)
}

// Resolve stores the outcome and its status.
func (l *PostgresLog) Resolve(ctx context.Context, out *transfer.Outcome) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}

	res, err := l.db.ExecContext(ctx,
		`UPDATE transfer_intents SET status = $2, outcome = $3, updated_at = $4 WHERE id = $1`,
		out.Intent.ID, string(StatusOf(out.State)), string(payload), l.now().UTC(),
	)
	return l.checkUpdated(res, err, out.Intent.ID)
}

// MarkReconciled stores the compensation result.
func (l *PostgresLog) MarkReconciled(ctx context.Context, id string, rec Reconciliation) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode reconciliation: %w", err)
	}

	status := StatusReconciled
	if rec.Error != "" {
		status = StatusReconcileFailed
	}

	res, err := l.db.ExecContext(ctx,
		`UPDATE transfer_intents SET status = $2, reconciliation = $3, updated_at = $4 WHERE id = $1`,
		id, string(status), string(payload), l.now().UTC(),
	)
	return l.checkUpdated(res, err, id)
}

func (l *PostgresLog) checkUpdated(res sql.Result, err error, id string) error {
	if err != nil {
		return fmt.Errorf("update intent %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update intent %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get loads the record for id.
func (l *PostgresLog) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := l.scanOne(l.db.QueryRowContext(ctx, selectRecord+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// List returns up to limit records with status, oldest first.
func (l *PostgresLog) List(ctx context.Context, status Status, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx,
		selectRecord+` WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := l.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (l *PostgresLog) scanOne(row scanner) (*Record, error) {
	var (
		rec           Record
		status        string
		intentJSON    []byte
		outcomeJSON   []byte
		reconcileJSON []byte
		created       pq.NullTime
		updated       pq.NullTime
	)

	if err := row.Scan(&status, &intentJSON, &outcomeJSON, &reconcileJSON, &created, &updated); err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	rec.CreatedAt = created.Time
	rec.UpdatedAt = updated.Time

	if err := json.Unmarshal(intentJSON, &rec.Intent); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	if len(outcomeJSON) > 0 {
		rec.Outcome = &transfer.Outcome{}
		if err := json.Unmarshal(outcomeJSON, rec.Outcome); err != nil {
			return nil, fmt.Errorf("decode outcome: %w", err)
		}
	}
	if len(reconcileJSON) > 0 {
		rec.Reconciliation = &Reconciliation{}
		if err := json.Unmarshal(reconcileJSON, rec.Reconciliation); err != nil {
			return nil, fmt.Errorf("decode reconciliation: %w", err)
		}
	}
	return &rec, nil
}

// Close closes the pool if the log opened it.
func (l *PostgresLog) Close() error {
	if l.ownsDB {
		return l.db.Close()
	}
	return nil
}
