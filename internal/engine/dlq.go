package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aifocal/akidb/internal/libs/obs"
	"github.com/aifocal/akidb/internal/storage/objstore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultDLQMaxEntries bounds the dead-letter queue; the oldest entry is
// evicted FIFO on overflow. The data itself stays durable in the WAL - a
// DLQ entry records a missing remote backup, not lost data.
const DefaultDLQMaxEntries = 10_000

// DLQEntry records one segment whose upload failed permanently (retries
// exhausted or a fatal remote error).
type DLQEntry struct {
	ID         uuid.UUID `json:"id"`
	Collection string    `json:"collection"`
	SegmentID  uuid.UUID `json:"segment_id"`
	FailedAt   time.Time `json:"failed_at"`
	LastError  string    `json:"last_error"`
	RetryCount int       `json:"retry_count"`
}

// dlq is the per-collection dead-letter queue, persisted as JSON objects
// on the local store so entries survive restarts.
type dlq struct {
	mu         sync.Mutex
	collection string
	store      objstore.Store
	maxEntries int
	entries    []DLQEntry
	log        zerolog.Logger
}

func newDLQ(collection string, store objstore.Store, maxEntries int, log zerolog.Logger) *dlq {
	if maxEntries <= 0 {
		maxEntries = DefaultDLQMaxEntries
	}
	return &dlq{collection: collection, store: store, maxEntries: maxEntries, log: log}
}

// load restores persisted entries at startup.
func (q *dlq) load(ctx context.Context) error {
	keys, err := q.store.List(ctx, objstore.DLQPrefix(q.collection))
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, key := range keys {
		data, err := q.store.Get(ctx, key)
		if err != nil {
			q.log.Warn().Err(err).Str("key", key).Msg("skipping unreadable dlq entry")
			continue
		}
		var entry DLQEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			q.log.Warn().Err(err).Str("key", key).Msg("skipping undecodable dlq entry")
			continue
		}
		q.entries = append(q.entries, entry)
	}
	obs.DLQSize.WithLabelValues(q.collection).Set(float64(len(q.entries)))
	return nil
}

// Add records a permanent upload failure, evicting the oldest entry when
// the queue is full.
func (q *dlq) Add(ctx context.Context, segmentID uuid.UUID, retryCount int, lastErr error) {
	entry := DLQEntry{
		ID:         uuid.New(),
		Collection: q.collection,
		SegmentID:  segmentID,
		FailedAt:   time.Now().UTC(),
		LastError:  lastErr.Error(),
		RetryCount: retryCount,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxEntries {
		evicted := q.entries[0]
		q.entries = q.entries[1:]
		if err := q.store.Delete(ctx, objstore.DLQKey(q.collection, evicted.ID)); err != nil {
			q.log.Warn().Err(err).Str("entry", evicted.ID.String()).Msg("failed to delete evicted dlq entry")
		}
		q.log.Warn().
			Str("segment", evicted.SegmentID.String()).
			Msg("dlq full, evicted oldest entry")
	}
	q.entries = append(q.entries, entry)

	data, err := json.Marshal(entry)
	if err == nil {
		if _, err := q.store.Put(ctx, objstore.DLQKey(q.collection, entry.ID), data); err != nil {
			q.log.Warn().Err(err).Msg("failed to persist dlq entry")
		}
	}

	obs.DLQSize.WithLabelValues(q.collection).Set(float64(len(q.entries)))
	obs.S3PermanentFailures.Inc()
	q.log.Error().
		Str("segment", segmentID.String()).
		Int("retries", retryCount).
		Str("last_error", entry.LastError).
		Msg("segment upload moved to dead-letter queue")
}

// Remove drops entries for a segment (after a later successful upload or
// compaction retires it).
func (q *dlq) Remove(ctx context.Context, segmentID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.SegmentID == segmentID {
			if err := q.store.Delete(ctx, objstore.DLQKey(q.collection, e.ID)); err != nil {
				q.log.Warn().Err(err).Str("entry", e.ID.String()).Msg("failed to delete dlq entry")
			}
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	obs.DLQSize.WithLabelValues(q.collection).Set(float64(len(q.entries)))
}

// Entries returns a snapshot of the queue.
func (q *dlq) Entries() []DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DLQEntry(nil), q.entries...)
}

// Len returns the number of queued entries.
func (q *dlq) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
