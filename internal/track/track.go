// Package track answers "was this row already synced" fast. It layers an
// ephemeral TTL store over an optional durable store: writes go to both,
// reads consult memory first and fall back to the durable store.
package track

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgsync/internal/store"
)

const (
	DefaultTTL       = 24 * time.Hour
	DefaultBatchSize = 100
)

// DurableStore is the persistent backend, satisfied by *store.Store.
type DurableStore interface {
	MarkProcessedBatch(ctx context.Context, rows []store.ProcessedRow) error
	ProcessedSince(ctx context.Context, jobID, table string, ids []uuid.UUID) (map[uuid.UUID]time.Time, error)
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type memEntry struct {
	updatedAt time.Time
	storedAt  time.Time
}

// MemoryStore is the ephemeral tier. Entries expire after the TTL and are
// dropped lazily on read.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]map[uuid.UUID]memEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: make(map[string]map[uuid.UUID]memEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func key(jobID, table string) string {
	return jobID + "/" + table
}

func (m *MemoryStore) put(jobID, table string, rows []store.ProcessedRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(jobID, table)
	bucket := m.entries[k]
	if bucket == nil {
		bucket = make(map[uuid.UUID]memEntry)
		m.entries[k] = bucket
	}
	now := m.now()
	for _, r := range rows {
		bucket[r.RowID] = memEntry{updatedAt: r.UpdatedAt, storedAt: now}
	}
}

func (m *MemoryStore) get(jobID, table string, ids []uuid.UUID) map[uuid.UUID]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]time.Time)
	bucket := m.entries[key(jobID, table)]
	if bucket == nil {
		return out
	}
	now := m.now()
	for _, id := range ids {
		e, ok := bucket[id]
		if !ok {
			continue
		}
		if now.Sub(e.storedAt) > m.ttl {
			delete(bucket, id)
			continue
		}
		out[id] = e.updatedAt
	}
	return out
}

func (m *MemoryStore) cleanup(cutoff time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, bucket := range m.entries {
		for id, e := range bucket {
			if e.storedAt.Before(cutoff) {
				delete(bucket, id)
				n++
			}
		}
		if len(bucket) == 0 {
			delete(m.entries, k)
		}
	}
	return n
}

// Tracker composes the two tiers. Both are optional: with neither
// configured every call degrades to a no-op and callers must treat all
// rows as unprocessed.
type Tracker struct {
	mem       *MemoryStore
	durable   DurableStore
	batchSize int
	logger    zerolog.Logger
}

func New(mem *MemoryStore, durable DurableStore, logger zerolog.Logger) *Tracker {
	return &Tracker{
		mem:       mem,
		durable:   durable,
		batchSize: DefaultBatchSize,
		logger:    logger.With().Str("component", "track").Logger(),
	}
}

// MarkProcessed records outcomes in both tiers, chunked to the batch bound.
func (t *Tracker) MarkProcessed(ctx context.Context, rows []store.ProcessedRow) error {
	if len(rows) == 0 || (t.mem == nil && t.durable == nil) {
		return nil
	}
	for start := 0; start < len(rows); start += t.batchSize {
		end := start + t.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		if t.mem != nil && len(chunk) > 0 {
			t.mem.put(chunk[0].JobID, chunk[0].TableName, chunk)
		}
		if t.durable != nil {
			if err := t.durable.MarkProcessedBatch(ctx, chunk); err != nil {
				return fmt.Errorf("mark processed: %w", err)
			}
		}
	}
	return nil
}

// ProcessedRowIDs returns, for each id already tracked, the updated_at the
// row carried when it was processed. Ids absent from the result were never
// processed (or the tracker is unconfigured).
func (t *Tracker) ProcessedRowIDs(ctx context.Context, jobID, table string, ids []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	out := make(map[uuid.UUID]time.Time, len(ids))
	if len(ids) == 0 || (t.mem == nil && t.durable == nil) {
		return out, nil
	}

	remaining := ids
	if t.mem != nil {
		hits := t.mem.get(jobID, table, ids)
		for id, ts := range hits {
			out[id] = ts
		}
		if len(hits) < len(ids) {
			remaining = remaining[:0:0]
			for _, id := range ids {
				if _, ok := hits[id]; !ok {
					remaining = append(remaining, id)
				}
			}
		} else {
			remaining = nil
		}
	}

	if t.durable != nil && len(remaining) > 0 {
		for start := 0; start < len(remaining); start += t.batchSize {
			end := start + t.batchSize
			if end > len(remaining) {
				end = len(remaining)
			}
			hits, err := t.durable.ProcessedSince(ctx, jobID, table, remaining[start:end])
			if err != nil {
				return nil, fmt.Errorf("get processed ids: %w", err)
			}
			for id, ts := range hits {
				out[id] = ts
			}
		}
	}
	return out, nil
}

// Cleanup drops records older than the cutoff from both tiers.
func (t *Tracker) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	if t.mem != nil {
		n += t.mem.cleanup(cutoff)
	}
	if t.durable != nil {
		deleted, err := t.durable.DeleteProcessedBefore(ctx, cutoff)
		if err != nil {
			return n, fmt.Errorf("cleanup processed rows: %w", err)
		}
		n += deleted
	}
	t.logger.Debug().Int64("removed", n).Time("cutoff", cutoff).Msg("tracker cleanup")
	return n, nil
}
