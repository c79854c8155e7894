package intent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledger-sync/pkg/transfer"

	"github.com/bits-and-blooms/bloom/v3"
)

// MemoryLog is an in-process Log.
//
// A bloom filter over idempotency keys answers "definitely new" without
// touching the key index; a positive answer is confirmed against the index.
type MemoryLog struct {
	mu      sync.RWMutex
	records map[string]*Record
	byKey   map[string]string
	filter  *bloom.BloomFilter
	now     func() time.Time

	// filterHits counts keys the filter could not rule out
	filterHits int64
}

// MemoryLogConfig holds configuration for the memory log
type MemoryLogConfig struct {
	// ExpectedKeys sizes the bloom filter. Default: 100000
	ExpectedKeys uint

	// FalsePositiveRate of the bloom filter. Default: 0.01
	FalsePositiveRate float64

	// Now returns the record timestamps (default: time.Now)
	Now func() time.Time
}

// NewMemoryLog creates a new in-memory intent log.
func NewMemoryLog(config MemoryLogConfig) *MemoryLog {
	if config.ExpectedKeys == 0 {
		config.ExpectedKeys = 100000
	}
	if config.FalsePositiveRate <= 0 || config.FalsePositiveRate >= 1 {
		config.FalsePositiveRate = 0.01
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &MemoryLog{
		records: make(map[string]*Record),
		byKey:   make(map[string]string),
		filter:  bloom.NewWithEstimates(config.ExpectedKeys, config.FalsePositiveRate),
		now:     config.Now,
	}
}

// Begin records in as pending.
func (l *MemoryLog) Begin(ctx context.Context, in transfer.Intent) (*transfer.Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.records[in.ID]; ok {
		return existing.pendingOutcome(), fmt.Errorf("%w: intent %s", ErrDuplicateIntent, in.ID)
	}

	if in.IdempotencyKey != "" {
		if l.filter.TestString(in.IdempotencyKey) {
			l.filterHits++
			if id, ok := l.byKey[in.IdempotencyKey]; ok {
				return l.records[id].pendingOutcome(), fmt.Errorf("%w: key %s", ErrDuplicateIntent, in.IdempotencyKey)
			}
		}
		l.filter.AddString(in.IdempotencyKey)
		l.byKey[in.IdempotencyKey] = in.ID
	}

	now := l.now()
	l.records[in.ID] = &Record{
		Intent:    in,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	return nil, nil
}

// Resolve stores the final outcome of a begun intent.
func (l *MemoryLog) Resolve(ctx context.Context, out *transfer.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[out.Intent.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, out.Intent.ID)
	}

	rec.Outcome = out
	rec.Status = StatusOf(out.State)
	rec.UpdatedAt = l.now()
	return nil
}

// Get returns a copy of the record for id.
func (l *MemoryLog) Get(ctx context.Context, id string) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *rec
	return &cp, nil
}

// List returns up to limit records with status, oldest first.
func (l *MemoryLog) List(ctx context.Context, status Status, limit int) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Record
	for _, rec := range l.records {
		if rec.Status == status {
			cp := *rec
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkReconciled stores the compensation result for id.
func (l *MemoryLog) MarkReconciled(ctx context.Context, id string, rec Reconciliation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	r.Reconciliation = &rec
	if rec.Error != "" {
		r.Status = StatusReconcileFailed
	} else {
		r.Status = StatusReconciled
	}
	r.UpdatedAt = l.now()
	return nil
}

// MemoryLogStats holds log statistics.
type MemoryLogStats struct {
	Records    int
	Keys       int
	FilterHits int64
}

// Stats returns current log statistics.
func (l *MemoryLog) Stats() MemoryLogStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return MemoryLogStats{
		Records:    len(l.records),
		Keys:       len(l.byKey),
		FilterHits: l.filterHits,
	}
}

// Close releases nothing; it exists to satisfy Log.
func (l *MemoryLog) Close() error {
	return nil
}
