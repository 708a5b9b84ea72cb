package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aifocal/akidb/internal/doc"
	"github.com/aifocal/akidb/internal/index"
	"github.com/aifocal/akidb/internal/libs/obs"
	"github.com/aifocal/akidb/internal/storage/manifest"
	"github.com/aifocal/akidb/internal/storage/objstore"
	"github.com/aifocal/akidb/internal/vector"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

// Seal thresholds: the open segment is sealed when either trips, or on an
// explicit Seal call.
const (
	DefaultSealBytes = 100 * 1024 * 1024
	DefaultSealOps   = 10_000
)

// DefaultHNSWBuildThreshold is the segment size at which sealing builds an
// HNSW graph instead of a flat index.
const DefaultHNSWBuildThreshold = 10_000

// UploadConfig tunes the upload worker's retry schedule.
type UploadConfig struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultUploadConfig returns the spec defaults: 5 attempts, 1s doubling
// to 64s with jitter.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{MaxRetries: 5, BaseBackoff: time.Second, MaxBackoff: 64 * time.Second}
}

// CompactionConfig tunes the per-collection compaction worker.
type CompactionConfig struct {
	Enabled bool

	// Interval between compaction checks.
	Interval time.Duration

	// MinSegments is the smallest-band population that triggers a minor
	// compaction.
	MinSegments int

	// MaxSegments caps how many segments merge in one pass.
	MaxSegments int

	// BandBytes is the upper size of the smallest band.
	BandBytes int64

	// GracePeriod delays physical deletion of merged-away bytes so
	// in-flight readers drain first.
	GracePeriod time.Duration
}

// DefaultCompactionConfig returns the spec defaults.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		Enabled:     true,
		Interval:    30 * time.Second,
		MinSegments: 4,
		MaxSegments: 8,
		BandBytes:   16 * 1024 * 1024,
		GracePeriod: time.Minute,
	}
}

// Options configures an Engine.
type Options struct {
	// WALDir holds per-collection write-ahead logs.
	WALDir string

	// SnapshotDir is the root of the local object store tier.
	SnapshotDir string

	// Remote is the remote object store; nil disables the remote tier
	// (MemoryRemote and RemoteOnly collections are then rejected).
	Remote objstore.Store

	SealBytes int64
	SealOps   int

	CacheCapacity      int
	HNSW               index.HNSWConfig
	HNSWBuildThreshold int

	Upload     UploadConfig
	Compaction CompactionConfig
	Breaker    BreakerConfig

	DLQMaxEntries int

	// Backpressure thresholds. At the soft limit inserts log a warning;
	// at the hard limit they fail with Overloaded.
	WALSoftBytes    int64
	WALHardBytes    int64
	UploadQueueSoft int
	UploadQueueHard int
}

// DefaultOptions returns engine defaults rooted at dataDir.
func DefaultOptions(dataDir string) Options {
	return Options{
		WALDir:             filepath.Join(dataDir, "wal"),
		SnapshotDir:        filepath.Join(dataDir, "snapshots"),
		SealBytes:          DefaultSealBytes,
		SealOps:            DefaultSealOps,
		CacheCapacity:      256,
		HNSW:               index.DefaultHNSWConfig(),
		HNSWBuildThreshold: DefaultHNSWBuildThreshold,
		Upload:             DefaultUploadConfig(),
		Compaction:         DefaultCompactionConfig(),
		Breaker:            DefaultBreakerConfig(),
		DLQMaxEntries:      DefaultDLQMaxEntries,
		WALSoftBytes:       256 * 1024 * 1024,
		WALHardBytes:       1024 * 1024 * 1024,
		UploadQueueSoft:    64,
		UploadQueueHard:    1024,
	}
}

// CollectionSpec describes a collection at creation time.
type CollectionSpec struct {
	Name      string
	Dimension uint32
	Metric    vector.Metric
	Policy    manifest.Policy
}

// CollectionStats is the observable state of one collection.
type CollectionStats struct {
	VectorCount         uint64       `json:"vector_count"`
	SegmentCount        int          `json:"segment_count"`
	ManifestVersion     uint64       `json:"manifest_version"`
	WALSizeBytes        int64        `json:"wal_size_bytes"`
	CacheHitRate        float64      `json:"cache_hit_rate"`
	CircuitBreakerState BreakerState `json:"circuit_breaker_state"`
	DLQSize             int          `json:"dlq_size"`
}

// Engine orchestrates the memory, local, and remote tiers behind one
// logical store. One writer task per collection serializes mutations;
// readers run against manifest snapshots without locks.
type Engine struct {
	opts      Options
	log       zerolog.Logger
	local     *objstore.Local
	remote    *breakerStore // nil when no remote tier is configured
	manifests *manifest.Store

	mu          sync.RWMutex
	collections map[string]*collection

	queryPool *ants.Pool
	closed    bool
}

var collectionNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// Open creates an engine and recovers every collection found on the local
// tier: manifest load, segment handle rebuild, WAL replay.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	local, err := objstore.NewLocal(opts.SnapshotDir)
	if err != nil {
		return nil, fmt.Errorf("open local tier: %w", err)
	}

	pool, err := ants.NewPool(runtime.NumCPU()*2, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("create query pool: %w", err)
	}

	e := &Engine{
		opts:        opts,
		log:         obs.Logger("engine"),
		local:       local,
		manifests:   manifest.NewStore(local),
		collections: make(map[string]*collection),
		queryPool:   pool,
	}
	if opts.Remote != nil {
		e.remote = newBreakerStore(opts.Remote, opts.Breaker)
	}

	names, err := e.discoverCollections(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		col, err := e.openCollection(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("recover collection %s: %w", name, err)
		}
		e.collections[name] = col
	}
	return e, nil
}

func (e *Engine) discoverCollections(ctx context.Context) ([]string, error) {
	keys, err := e.local.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list local tier: %w", err)
	}
	var names []string
	for _, key := range keys {
		if strings.HasSuffix(key, "/manifest.json") && strings.Count(key, "/") == 1 {
			names = append(names, strings.TrimSuffix(key, "/manifest.json"))
		}
	}
	return names, nil
}

// CreateCollection registers a new collection and starts its workers.
func (e *Engine) CreateCollection(ctx context.Context, spec CollectionSpec) error {
	if !collectionNameRe.MatchString(spec.Name) {
		return errValidation("create_collection", spec.Name, "", fmt.Errorf("invalid collection name"))
	}
	if spec.Dimension == 0 {
		return errValidation("create_collection", spec.Name, "", fmt.Errorf("dimension must be positive"))
	}
	if !spec.Metric.Valid() {
		return errValidation("create_collection", spec.Name, "", fmt.Errorf("unknown metric"))
	}
	if _, err := manifest.ParsePolicy(string(spec.Policy)); err != nil {
		return errValidation("create_collection", spec.Name, "", err)
	}
	if spec.Policy != manifest.PolicyMemory && e.remote == nil {
		return errValidation("create_collection", spec.Name, "",
			fmt.Errorf("policy %s requires a remote tier", spec.Policy))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine closed")
	}
	if _, exists := e.collections[spec.Name]; exists {
		return &Error{Kind: KindConflict, Op: "create_collection", Collection: spec.Name,
			Err: fmt.Errorf("collection already exists")}
	}

	m := &manifest.Manifest{
		Collection: spec.Name,
		Dimension:  spec.Dimension,
		Metric:     spec.Metric,
		Policy:     spec.Policy,
	}
	if err := e.manifests.Create(ctx, m); err != nil {
		if errors.Is(err, manifest.ErrConflict) {
			return &Error{Kind: KindConflict, Op: "create_collection", Collection: spec.Name, Err: err}
		}
		return err
	}

	col, err := e.newCollection(spec, m)
	if err != nil {
		return err
	}
	col.start()
	e.collections[spec.Name] = col
	e.log.Info().
		Str("collection", spec.Name).
		Uint32("dim", spec.Dimension).
		Str("metric", spec.Metric.String()).
		Str("policy", string(spec.Policy)).
		Msg("collection created")
	return nil
}

// DropCollection stops workers and removes all stored artifacts.
func (e *Engine) DropCollection(ctx context.Context, name string) error {
	e.mu.Lock()
	col, ok := e.collections[name]
	if ok {
		delete(e.collections, name)
	}
	e.mu.Unlock()
	if !ok {
		return errNotFound("drop_collection", name, "")
	}

	col.stop()
	if err := col.wal.Close(); err != nil {
		e.log.Warn().Err(err).Str("collection", name).Msg("closing wal during drop")
	}

	// Remove everything under the collection prefix, both tiers.
	for _, store := range []objstore.Store{e.local, e.remoteOrNil()} {
		if store == nil {
			continue
		}
		keys, err := store.List(ctx, name+"/")
		if err != nil {
			e.log.Warn().Err(err).Str("collection", name).Msg("listing during drop")
			continue
		}
		for _, key := range keys {
			if err := store.Delete(ctx, key); err != nil {
				e.log.Warn().Err(err).Str("key", key).Msg("deleting during drop")
			}
		}
	}
	obs.WALSizeBytes.DeleteLabelValues(name)
	obs.DLQSize.DeleteLabelValues(name)
	e.log.Info().Str("collection", name).Msg("collection dropped")
	return nil
}

func (e *Engine) remoteOrNil() objstore.Store {
	if e.remote == nil {
		return nil
	}
	return e.remote
}

func (e *Engine) getCollection(op, name string) (*collection, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	col, ok := e.collections[name]
	if !ok {
		return nil, errNotFound(op, name, "")
	}
	return col, nil
}

// Insert appends the document to the WAL, folds it into the open segment,
// and acknowledges. Duplicate ids are rejected.
func (e *Engine) Insert(ctx context.Context, name string, d doc.Document) error {
	start := time.Now()
	col, err := e.getCollection("insert", name)
	if err != nil {
		observeOp("insert", start, err)
		return err
	}
	err = col.insert(ctx, d)
	observeOp("insert", start, err)
	return err
}

// Delete tombstones a document. Deleting an absent document is a no-op.
func (e *Engine) Delete(ctx context.Context, name string, id doc.ID) error {
	start := time.Now()
	col, err := e.getCollection("delete", name)
	if err != nil {
		observeOp("delete", start, err)
		return err
	}
	err = col.delete(ctx, id)
	observeOp("delete", start, err)
	return err
}

// Get returns a document by id.
func (e *Engine) Get(ctx context.Context, name string, id doc.ID) (doc.Document, error) {
	start := time.Now()
	col, err := e.getCollection("get", name)
	if err != nil {
		observeOp("get", start, err)
		return doc.Document{}, err
	}
	d, err := col.get(ctx, id)
	observeOp("get", start, err)
	return d, err
}

// Query runs a top-k search. See query.go for the execution pipeline.
func (e *Engine) Query(ctx context.Context, name string, q vector.Vector, k int, filter *index.Filter) (*QueryResponse, error) {
	start := time.Now()
	col, err := e.getCollection("query", name)
	if err != nil {
		observeOp("query", start, err)
		return nil, err
	}
	resp, err := col.query(ctx, q, k, filter)
	observeOp("query", start, err)
	return resp, err
}

// Seal forces the open segment to seal immediately.
func (e *Engine) Seal(ctx context.Context, name string) error {
	col, err := e.getCollection("seal", name)
	if err != nil {
		return err
	}
	col.mu.Lock()
	defer col.mu.Unlock()
	return col.sealLocked(ctx)
}

// Compact runs one synchronous compaction pass (also exercised by the
// background worker).
func (e *Engine) Compact(ctx context.Context, name string) error {
	col, err := e.getCollection("compact", name)
	if err != nil {
		return err
	}
	return col.compactor.compactOnce(ctx)
}

// Stats reports the observable state of a collection.
func (e *Engine) Stats(ctx context.Context, name string) (*CollectionStats, error) {
	col, err := e.getCollection("stats", name)
	if err != nil {
		return nil, err
	}
	return col.stats(ctx)
}

// Collections returns the names of all open collections, sorted.
func (e *Engine) Collections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BreakerState returns the remote-tier breaker state; Closed when no
// remote tier is configured.
func (e *Engine) BreakerState() BreakerState {
	if e.remote == nil {
		return BreakerClosed
	}
	return e.remote.State()
}

// Close seals nothing, stops all workers, and closes the WALs. Sealed
// state is already durable; the open segment recovers from the WAL.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cols := make([]*collection, 0, len(e.collections))
	for _, c := range e.collections {
		cols = append(cols, c)
	}
	e.mu.Unlock()

	for _, col := range cols {
		col.stop()
		if err := col.wal.Close(); err != nil {
			e.log.Warn().Err(err).Str("collection", col.spec.Name).Msg("closing wal")
		}
	}
	e.queryPool.Release()
	return nil
}

// backupManifest mirrors the manifest to the remote tier, best effort. The
// local object remains authoritative.
func (e *Engine) backupManifest(col *collection) {
	if e.remote == nil || col.spec.Policy == manifest.PolicyMemory {
		return
	}
	m := col.man.Load()
	if m == nil {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := e.remote.Put(ctx, objstore.ManifestKey(col.spec.Name), data); err != nil {
		col.log.Debug().Err(err).Msg("manifest backup deferred")
	}
}

func observeOp(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = KindOf(err).String()
	}
	obs.OperationsTotal.WithLabelValues(op, status).Inc()
	obs.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
