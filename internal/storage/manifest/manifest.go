// Package manifest maintains the per-collection segment catalog with
// optimistic concurrency. The manifest object in the store is the single
// source of truth; every mutation goes through compare-and-swap.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aifocal/akidb/internal/storage/objstore"
	"github.com/aifocal/akidb/internal/storage/segment"
	"github.com/aifocal/akidb/internal/vector"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// ErrConflict is surfaced when the CAS retry budget is exhausted.
var ErrConflict = errors.New("manifest: version conflict")

// ErrNotFound means no manifest exists for the collection.
var ErrNotFound = errors.New("manifest: not found")

// Retry protocol constants. Writes are rare relative to reads; contention
// resolves in bounded time without distributed locks.
const (
	retryInitialBackoff = 10 * time.Millisecond
	retryMaxBackoff     = 5 * time.Second
	retryMaxAttempts    = 10
)

// Policy selects where a collection's data lives.
type Policy string

const (
	// PolicyMemory keeps all data resident in RAM with the WAL on local disk.
	PolicyMemory Policy = "memory"

	// PolicyMemoryRemote keeps the primary copy in RAM with asynchronous
	// backup to the remote object store.
	PolicyMemoryRemote Policy = "memory_remote"

	// PolicyRemoteOnly treats the remote object store as the source of
	// truth with a bounded LRU hot tier.
	PolicyRemoteOnly Policy = "remote_only"
)

// ParsePolicy converts a policy name into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyMemory, PolicyMemoryRemote, PolicyRemoteOnly:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown tiering policy %q", s)
	}
}

// Manifest is the versioned catalog of one collection. Each mutation
// produces a new manifest with Version = previous.Version + 1, persisted via
// compare-and-swap on the backing object.
type Manifest struct {
	Collection   string               `json:"collection"`
	Dimension    uint32               `json:"dimension"`
	Metric       vector.Metric        `json:"metric"`
	Policy       Policy               `json:"policy"`
	Version      uint64               `json:"version"`
	TotalVectors uint64               `json:"total_vectors"`
	Segments     []segment.Descriptor `json:"segments"`
	UpdatedAt    time.Time            `json:"updated_at"`

	// etag is the transport-level tag of the loaded object; not serialized.
	etag string
}

// Clone returns a deep copy, used for copy-on-read manifest snapshots.
func (m *Manifest) Clone() *Manifest {
	out := *m
	out.Segments = append([]segment.Descriptor(nil), m.Segments...)
	return &out
}

// Segment returns the descriptor with the given id, or nil.
func (m *Manifest) Segment(id uuid.UUID) *segment.Descriptor {
	for i := range m.Segments {
		if m.Segments[i].ID == id {
			return &m.Segments[i]
		}
	}
	return nil
}

// LiveSegments returns the non-tombstoned descriptors ordered as stored
// (ascending sequence number).
func (m *Manifest) LiveSegments() []segment.Descriptor {
	out := make([]segment.Descriptor, 0, len(m.Segments))
	for _, d := range m.Segments {
		if d.Live() {
			out = append(out, d)
		}
	}
	return out
}

// MaxSeq returns the highest segment sequence number, 0 when empty.
func (m *Manifest) MaxSeq() uint64 {
	var max uint64
	for _, d := range m.Segments {
		if d.Seq > max {
			max = d.Seq
		}
	}
	return max
}

// Store persists manifests in an object store.
type Store struct {
	objects objstore.Store
}

// NewStore creates a manifest store over the given object store.
func NewStore(objects objstore.Store) *Store {
	return &Store{objects: objects}
}

// Load reads the current manifest for a collection.
func (s *Store) Load(ctx context.Context, collection string) (*Manifest, error) {
	key := objstore.ManifestKey(collection)
	data, err := s.objects.Get(ctx, key)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, fmt.Errorf("collection %s: %w", collection, ErrNotFound)
		}
		return nil, fmt.Errorf("load manifest %s: %w", collection, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", collection, err)
	}

	info, err := s.objects.Head(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("head manifest %s: %w", collection, err)
	}
	m.etag = info.ETag
	return &m, nil
}

// Exists reports whether a manifest is present for the collection.
func (s *Store) Exists(ctx context.Context, collection string) (bool, error) {
	_, err := s.objects.Head(ctx, objstore.ManifestKey(collection))
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Create persists the initial manifest (version 1) for a new collection.
// Fails with ErrConflict if the collection already exists.
func (s *Store) Create(ctx context.Context, m *Manifest) error {
	m.Version = 1
	m.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest %s: %w", m.Collection, err)
	}
	etag, err := s.objects.PutIf(ctx, objstore.ManifestKey(m.Collection), data, "")
	if err != nil {
		if errors.Is(err, objstore.ErrConflict) {
			return fmt.Errorf("collection %s already exists: %w", m.Collection, ErrConflict)
		}
		return fmt.Errorf("create manifest %s: %w", m.Collection, err)
	}
	m.etag = etag
	return nil
}

// StoreCAS persists m, guarded by the ETag captured at load time. On success
// the manifest's version must already have been incremented by the caller.
func (s *Store) StoreCAS(ctx context.Context, m *Manifest) error {
	m.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest %s: %w", m.Collection, err)
	}
	etag, err := s.objects.PutIf(ctx, objstore.ManifestKey(m.Collection), data, m.etag)
	if err != nil {
		if errors.Is(err, objstore.ErrConflict) {
			return fmt.Errorf("manifest %s version %d: %w", m.Collection, m.Version, ErrConflict)
		}
		return fmt.Errorf("store manifest %s: %w", m.Collection, err)
	}
	m.etag = etag
	return nil
}

// Delete removes the manifest object for a collection.
func (s *Store) Delete(ctx context.Context, collection string) error {
	return s.objects.Delete(ctx, objstore.ManifestKey(collection))
}

// Update runs the CAS retry protocol: read the current manifest, apply the
// intent in memory (the version increments here), attempt StoreCAS; on
// conflict, back off and re-apply the intent against a fresh read. After
// retryMaxAttempts conflicts the Conflict surfaces to the caller.
func (s *Store) Update(ctx context.Context, collection string, apply func(*Manifest) error) (*Manifest, error) {
	var result *Manifest

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialBackoff
	bo.MaxInterval = retryMaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0

	attempt := func() error {
		m, err := s.Load(ctx, collection)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := apply(m); err != nil {
			return backoff.Permanent(err)
		}
		m.Version++
		if err := s.StoreCAS(ctx, m); err != nil {
			if errors.Is(err, ErrConflict) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		result = m
		return nil
	}

	err := backoff.Retry(attempt,
		backoff.WithContext(backoff.WithMaxRetries(bo, retryMaxAttempts-1), ctx))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return result, nil
}
