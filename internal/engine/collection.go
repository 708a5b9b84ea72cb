package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aifocal/akidb/internal/doc"
	"github.com/aifocal/akidb/internal/index"
	"github.com/aifocal/akidb/internal/libs/obs"
	"github.com/aifocal/akidb/internal/storage/cache"
	"github.com/aifocal/akidb/internal/storage/manifest"
	"github.com/aifocal/akidb/internal/storage/objstore"
	"github.com/aifocal/akidb/internal/storage/segment"
	"github.com/aifocal/akidb/internal/storage/wal"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// openSegSeq marks documents that live in the open (unsealed) segment; it
// sorts above every sealed segment's sequence number during deduplication.
const openSegSeq = math.MaxUint64

// collection owns one collection's writer task state: the WAL, the open
// segment, the live-document table, and the background workers.
type collection struct {
	spec CollectionSpec
	eng  *Engine
	log  zerolog.Logger

	// mu serializes mutations: WAL append, open-segment fold, seal. One
	// writer per collection preserves monotonic sequence numbers.
	mu         sync.Mutex
	wal        *wal.Writer
	open       index.Handle // brute-force memtable over the open segment
	openOps    int
	openBytes  int64
	openMaxSeq uint64 // highest WAL sequence folded into the open segment
	nextSegSeq uint64

	// stateMu guards live and tombs. Readers take it briefly after
	// collecting candidates; the writer updates it inline.
	stateMu sync.RWMutex
	live    map[doc.ID]uint64 // id -> sequence of the segment holding it
	tombs   map[doc.ID]uint64 // deletes of sealed docs awaiting the next seal

	// man is the manifest snapshot readers search against; every committed
	// update swaps the pointer.
	man atomic.Pointer[manifest.Manifest]

	// handles holds resident index handles for sealed segments (Memory and
	// MemoryRemote policies keep everything in RAM).
	handleMu sync.RWMutex
	handles  map[uuid.UUID]index.Handle

	// hot is the bounded LRU used by RemoteOnly collections.
	hot *cache.Cache

	uploader  *uploader
	compactor *compactor
	dlq       *dlq

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func (e *Engine) newCollection(spec CollectionSpec, m *manifest.Manifest) (*collection, error) {
	col := &collection{
		spec:    spec,
		eng:     e,
		log:     obs.CollectionLogger("collection", spec.Name),
		live:    make(map[doc.ID]uint64),
		tombs:   make(map[doc.ID]uint64),
		handles: make(map[uuid.UUID]index.Handle),
		stopCh:  make(chan struct{}),
	}
	col.man.Store(m.Clone())
	col.nextSegSeq = m.MaxSeq() + 1

	open, err := index.BruteForce{}.New(spec.Dimension, spec.Metric)
	if err != nil {
		return nil, err
	}
	col.open = open

	if spec.Policy == manifest.PolicyRemoteOnly {
		hot, err := cache.New(e.opts.CacheCapacity)
		if err != nil {
			return nil, err
		}
		col.hot = hot
	}

	w, err := wal.Open(filepath.Join(e.opts.WALDir, spec.Name))
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	col.wal = w

	col.dlq = newDLQ(spec.Name, e.local, e.opts.DLQMaxEntries, col.log)
	if spec.Policy != manifest.PolicyMemory && e.remote != nil {
		col.uploader = newUploader(col)
	}
	col.compactor = newCompactor(col, e.opts.Compaction)
	return col, nil
}

// openCollection recovers a collection at engine startup: load the
// manifest, rebuild segment handles and the live table, replay the WAL
// into a fresh open segment, and requeue unfinished uploads.
func (e *Engine) openCollection(ctx context.Context, name string) (*collection, error) {
	m, err := e.manifests.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	spec := CollectionSpec{Name: name, Dimension: m.Dimension, Metric: m.Metric, Policy: m.Policy}

	col := &collection{
		spec:    spec,
		eng:     e,
		log:     obs.CollectionLogger("collection", name),
		live:    make(map[doc.ID]uint64),
		tombs:   make(map[doc.ID]uint64),
		handles: make(map[uuid.UUID]index.Handle),
		stopCh:  make(chan struct{}),
	}
	col.man.Store(m.Clone())
	col.nextSegSeq = m.MaxSeq() + 1
	col.dlq = newDLQ(name, e.local, e.opts.DLQMaxEntries, col.log)

	if spec.Policy == manifest.PolicyRemoteOnly {
		hot, err := cache.New(e.opts.CacheCapacity)
		if err != nil {
			return nil, err
		}
		col.hot = hot
	}

	// Rebuild the live table (and resident handles) from live segments in
	// ascending sequence order so later segments and tombstones win.
	for _, desc := range m.LiveSegments() {
		data, info, err := col.loadSegmentData(ctx, desc.ID)
		if err != nil {
			return nil, err
		}
		for _, id := range data.IDs {
			col.live[id] = desc.Seq
		}
		for _, id := range data.Tombstones {
			if seq, ok := col.live[id]; ok && seq < desc.Seq {
				delete(col.live, id)
			}
		}
		if spec.Policy != manifest.PolicyRemoteOnly {
			h, err := col.buildHandle(data, info)
			if err != nil {
				return nil, err
			}
			col.handles[desc.ID] = h
		}
	}

	// Replay the WAL into a fresh open segment.
	open, err := index.BruteForce{}.New(spec.Dimension, spec.Metric)
	if err != nil {
		return nil, err
	}
	col.open = open

	// Records already materialized into sealed segments are skipped even
	// when their checkpoint is still pending on an upload.
	var materialized uint64
	for _, d := range m.Segments {
		if d.WALSeq > materialized {
			materialized = d.WALSeq
		}
	}
	stats, err := wal.Replay(filepath.Join(e.opts.WALDir, name), func(r *wal.Record) error {
		if r.Seq <= materialized {
			return nil
		}
		return col.applyRecovered(r)
	})
	if err != nil {
		var ce *wal.CorruptError
		if errors.As(err, &ce) {
			return nil, &Error{Kind: KindCorrupt, Op: "recover", Collection: name, Err: err}
		}
		return nil, err
	}

	w, err := wal.Open(filepath.Join(e.opts.WALDir, name))
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	col.wal = w
	obs.WALSizeBytes.WithLabelValues(name).Set(float64(w.SizeBytes()))

	if err := col.dlq.load(ctx); err != nil {
		col.log.Warn().Err(err).Msg("loading dlq")
	}

	if spec.Policy != manifest.PolicyMemory && e.remote != nil {
		col.uploader = newUploader(col)
		col.uploader.requeueFromManifest(m)
	}
	col.compactor = newCompactor(col, e.opts.Compaction)
	col.start()

	col.log.Info().
		Int("segments", len(m.LiveSegments())).
		Int("replayed", stats.Replayed).
		Uint64("checkpoint", stats.CheckpointSeq).
		Bool("torn_tail", stats.TornTail).
		Dur("elapsed", stats.Elapsed).
		Msg("collection recovered")
	return col, nil
}

// applyRecovered folds one replayed WAL record into recovery state.
func (c *collection) applyRecovered(r *wal.Record) error {
	switch r.Kind {
	case wal.KindInsert:
		if err := c.open.Add([]doc.Document{r.Doc}); err != nil {
			return err
		}
		c.live[r.Doc.ID] = openSegSeq
		c.openOps++
		c.openBytes += int64(len(r.Doc.Vector))*4 + int64(len(r.Doc.Payload))
		if r.Seq > c.openMaxSeq {
			c.openMaxSeq = r.Seq
		}
	case wal.KindDelete:
		c.applyDeleteLocked(r.Doc.ID, r.Seq)
		c.openOps++
		if r.Seq > c.openMaxSeq {
			c.openMaxSeq = r.Seq
		}
	}
	return nil
}

func (c *collection) start() {
	if c.uploader != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.uploader.run()
		}()
	}
	if c.eng.opts.Compaction.Enabled {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.compactor.run()
		}()
	}
}

func (c *collection) stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// insert is the write path: WAL append (durable), open-segment fold, ack.
func (c *collection) insert(ctx context.Context, d doc.Document) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindTimedOut, Op: "insert", Collection: c.spec.Name, Err: err}
	}
	if d.ID == uuid.Nil {
		return errValidation("insert", c.spec.Name, "", fmt.Errorf("document id is required"))
	}
	if uint32(len(d.Vector)) != c.spec.Dimension {
		return errValidation("insert", c.spec.Name, d.ID.String(),
			fmt.Errorf("vector dimension %d, collection expects %d", len(d.Vector), c.spec.Dimension))
	}
	if len(d.Payload) > 0 && !d.Payload.Valid() {
		return errValidation("insert", c.spec.Name, d.ID.String(), fmt.Errorf("payload is not valid JSON"))
	}
	if err := c.admission(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stateMu.RLock()
	_, exists := c.live[d.ID]
	c.stateMu.RUnlock()
	if exists {
		return errValidation("insert", c.spec.Name, d.ID.String(), fmt.Errorf("duplicate document id"))
	}

	seq, err := c.wal.AppendInsert(d)
	if err != nil {
		return &Error{Kind: KindTransient, Op: "insert", Collection: c.spec.Name, Doc: d.ID.String(), Err: err}
	}
	if err := c.open.Add([]doc.Document{d}); err != nil {
		// WAL holds the record; recovery replays it against a clean open
		// segment, so surfacing here does not lose the write.
		return err
	}

	c.stateMu.Lock()
	c.live[d.ID] = openSegSeq
	c.stateMu.Unlock()

	c.openOps++
	c.openBytes += int64(len(d.Vector))*4 + int64(len(d.Payload))
	if seq > c.openMaxSeq {
		c.openMaxSeq = seq
	}
	obs.WALSizeBytes.WithLabelValues(c.spec.Name).Set(float64(c.wal.SizeBytes()))

	if c.openBytes >= c.eng.opts.SealBytes || c.openOps >= c.eng.opts.SealOps {
		if err := c.sealLocked(ctx); err != nil {
			// The insert itself is durable and acknowledged; sealing retries
			// on the next trigger.
			c.log.Error().Err(err).Msg("seal failed, will retry")
		}
	}
	return nil
}

// delete tombstones a document. Absent ids are a no-op (idempotent).
func (c *collection) delete(ctx context.Context, id doc.ID) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindTimedOut, Op: "delete", Collection: c.spec.Name, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stateMu.RLock()
	_, exists := c.live[id]
	c.stateMu.RUnlock()
	if !exists {
		return nil
	}

	seq, err := c.wal.AppendDelete(id)
	if err != nil {
		return &Error{Kind: KindTransient, Op: "delete", Collection: c.spec.Name, Doc: id.String(), Err: err}
	}
	c.applyDeleteLocked(id, seq)
	c.openOps++
	if seq > c.openMaxSeq {
		c.openMaxSeq = seq
	}
	obs.WALSizeBytes.WithLabelValues(c.spec.Name).Set(float64(c.wal.SizeBytes()))
	return nil
}

// applyDeleteLocked removes an id from the live table. Docs still in the
// open segment are dropped in place; sealed docs get a pending tombstone
// that the next seal persists.
func (c *collection) applyDeleteLocked(id doc.ID, seq uint64) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	segSeq, ok := c.live[id]
	if !ok {
		return
	}
	delete(c.live, id)
	if segSeq == openSegSeq {
		if bh, ok := c.open.(interface{ Delete(doc.ID) bool }); ok {
			bh.Delete(id)
		}
		return
	}
	c.tombs[id] = seq
}

// admission applies backpressure from WAL growth and the upload backlog.
func (c *collection) admission() error {
	walSize := c.wal.SizeBytes()
	if walSize >= c.eng.opts.WALHardBytes {
		return &Error{Kind: KindOverloaded, Op: "insert", Collection: c.spec.Name,
			Err: fmt.Errorf("wal size %d over hard limit", walSize)}
	}
	if walSize >= c.eng.opts.WALSoftBytes {
		c.log.Warn().Int64("wal_bytes", walSize).Msg("wal above soft limit")
	}
	if c.uploader != nil {
		backlog := c.uploader.backlog()
		if backlog >= c.eng.opts.UploadQueueHard {
			return &Error{Kind: KindOverloaded, Op: "insert", Collection: c.spec.Name,
				Err: fmt.Errorf("upload backlog %d over hard limit", backlog)}
		}
		if backlog >= c.eng.opts.UploadQueueSoft {
			c.log.Warn().Int("backlog", backlog).Msg("upload backlog above soft limit")
		}
	}
	return nil
}

// sealLocked materializes the open segment: SEGv1 bytes to the local tier,
// descriptor into the manifest via CAS, then checkpoint (Memory) or upload
// hand-off (remote policies). Caller holds c.mu.
func (c *collection) sealLocked(ctx context.Context) error {
	docs := c.open.Extract()
	c.stateMu.RLock()
	tombIDs := make([]doc.ID, 0, len(c.tombs))
	for id := range c.tombs {
		tombIDs = append(tombIDs, id)
	}
	c.stateMu.RUnlock()

	if len(docs) == 0 && len(tombIDs) == 0 {
		return nil
	}

	data := &segment.Data{Tombstones: tombIDs}
	for _, d := range docs {
		data.IDs = append(data.IDs, d.ID)
		data.Vectors = append(data.Vectors, d.Vector)
		data.Payloads = append(data.Payloads, d.Payload)
	}

	level := segment.DefaultLocalZstdLevel
	if c.spec.Policy == manifest.PolicyRemoteOnly {
		level = segment.DefaultRemoteZstdLevel
	}
	raw, err := segment.Serialize(data, c.spec.Metric, c.spec.Dimension, level)
	if err != nil {
		return fmt.Errorf("serialize segment: %w", err)
	}

	segID := uuid.New()
	segSeq := c.nextSegSeq
	sealSeq := c.openMaxSeq

	if _, err := c.eng.local.Put(ctx, objstore.SegmentKey(c.spec.Name, segID), raw); err != nil {
		return fmt.Errorf("write segment to local tier: %w", err)
	}

	desc := segment.Descriptor{
		ID:             segID,
		Collection:     c.spec.Name,
		VectorCount:    uint32(len(docs)),
		TombstoneCount: uint32(len(tombIDs)),
		Dimension:      c.spec.Dimension,
		Metric:         c.spec.Metric,
		SizeBytes:      int64(len(raw)),
		Checksum:       segment.Checksum(raw),
		State:          segment.StateSealed,
		CreatedAt:      time.Now().UTC(),
		Seq:            segSeq,
		WALSeq:         sealSeq,
	}

	c.stateMu.RLock()
	liveCount := uint64(len(c.live))
	c.stateMu.RUnlock()

	m, err := c.eng.manifests.Update(ctx, c.spec.Name, func(m *manifest.Manifest) error {
		m.Segments = append(m.Segments, desc)
		m.TotalVectors = liveCount
		return nil
	})
	if err != nil {
		if errors.Is(err, manifest.ErrConflict) {
			return &Error{Kind: KindConflict, Op: "seal", Collection: c.spec.Name, Err: err}
		}
		return err
	}
	c.publishManifest(m)
	go c.eng.backupManifest(c)

	// Publish the sealed handle: small segments keep the flat index the
	// memtable already built, large ones get a graph.
	sealed := c.open
	if len(docs) >= c.eng.opts.HNSWBuildThreshold {
		h, err := index.NewHNSW(c.eng.opts.HNSW).New(c.spec.Dimension, c.spec.Metric)
		if err == nil {
			if addErr := h.Add(docs); addErr == nil {
				sealed = h
			} else {
				c.log.Warn().Err(addErr).Msg("hnsw build failed, keeping flat index")
			}
		}
	}
	if c.spec.Policy == manifest.PolicyRemoteOnly {
		c.hot.Put(segID, sealed)
	} else {
		c.handleMu.Lock()
		c.handles[segID] = sealed
		c.handleMu.Unlock()
	}

	// Re-point live docs at the sealed segment and clear consumed
	// tombstones.
	c.stateMu.Lock()
	for _, d := range docs {
		if c.live[d.ID] == openSegSeq {
			c.live[d.ID] = segSeq
		}
	}
	c.tombs = make(map[doc.ID]uint64)
	c.stateMu.Unlock()

	// Reset the open segment; the swap happens under stateMu so readers
	// never observe a half-published handle.
	open, err := index.BruteForce{}.New(c.spec.Dimension, c.spec.Metric)
	if err != nil {
		return err
	}
	c.stateMu.Lock()
	c.open = open
	c.stateMu.Unlock()
	c.openOps = 0
	c.openBytes = 0
	c.nextSegSeq++

	if c.uploader != nil {
		c.uploader.enqueue(uploadTask{segmentID: segID, walSeq: sealSeq})
	} else {
		// Local tier is terminal (Memory policy, or the remote tier is not
		// configured): checkpoint right away.
		if err := c.checkpointThrough(sealSeq); err != nil {
			c.log.Warn().Err(err).Msg("checkpoint after seal")
		}
	}

	c.log.Info().
		Str("segment", segID.String()).
		Uint64("seq", segSeq).
		Int("vectors", len(docs)).
		Int("tombstones", len(tombIDs)).
		Int("bytes", len(raw)).
		Msg("segment sealed")
	return nil
}

// publishManifest swaps the cached snapshot, never regressing the version:
// the seal path, upload worker, and compactor all publish concurrently.
func (c *collection) publishManifest(m *manifest.Manifest) {
	for {
		cur := c.man.Load()
		if cur != nil && cur.Version >= m.Version {
			return
		}
		if c.man.CompareAndSwap(cur, m) {
			return
		}
	}
}

// checkpointThrough records a WAL checkpoint and prunes retired files.
func (c *collection) checkpointThrough(seq uint64) error {
	if seq == 0 {
		return nil
	}
	if err := c.wal.AppendCheckpoint(seq); err != nil {
		return err
	}
	if err := c.wal.PruneThrough(seq); err != nil {
		return err
	}
	obs.WALSizeBytes.WithLabelValues(c.spec.Name).Set(float64(c.wal.SizeBytes()))
	return nil
}

// loadSegmentData fetches and decodes segment bytes, local tier first,
// falling back to the remote tier when configured.
func (c *collection) loadSegmentData(ctx context.Context, segID uuid.UUID) (*segment.Data, *segment.Info, error) {
	key := objstore.SegmentKey(c.spec.Name, segID)

	raw, err := c.eng.local.Get(ctx, key)
	if err != nil {
		if c.eng.remote == nil {
			return nil, nil, err
		}
		raw, err = c.eng.remote.Get(ctx, key)
		if err != nil {
			return nil, nil, err
		}
	}

	data, info, err := segment.Deserialize(raw, c.spec.Dimension)
	if err != nil {
		var ce *segment.CorruptError
		if errors.As(err, &ce) {
			ce.Segment = segID
			// Local copy is bad: try the remote tier before giving up.
			if c.eng.remote != nil {
				if remoteRaw, rerr := c.eng.remote.Get(ctx, key); rerr == nil {
					if data, info, derr := segment.Deserialize(remoteRaw, c.spec.Dimension); derr == nil {
						c.log.Warn().Str("segment", segID.String()).Msg("local copy corrupt, recovered from remote")
						return data, info, nil
					}
				}
			}
			return nil, nil, &Error{Kind: KindCorrupt, Op: "load_segment", Collection: c.spec.Name, Err: ce}
		}
		return nil, nil, err
	}
	return data, info, nil
}

// buildHandle picks the index provider by segment size.
func (c *collection) buildHandle(data *segment.Data, info *segment.Info) (index.Handle, error) {
	var p index.Provider = index.BruteForce{}
	if len(data.IDs) >= c.eng.opts.HNSWBuildThreshold {
		p = index.NewHNSW(c.eng.opts.HNSW)
	}
	return index.FromSegment(p, data, info)
}

// segmentHandle resolves the index handle for a sealed segment.
func (c *collection) segmentHandle(ctx context.Context, desc *segment.Descriptor) (index.Handle, error) {
	if c.spec.Policy != manifest.PolicyRemoteOnly {
		c.handleMu.RLock()
		h, ok := c.handles[desc.ID]
		c.handleMu.RUnlock()
		if ok {
			return h, nil
		}
		// Not resident (e.g. produced by a concurrent compaction): load it.
		data, info, err := c.loadSegmentData(ctx, desc.ID)
		if err != nil {
			return nil, err
		}
		h, err = c.buildHandle(data, info)
		if err != nil {
			return nil, err
		}
		c.handleMu.Lock()
		c.handles[desc.ID] = h
		c.handleMu.Unlock()
		return h, nil
	}

	missesBefore := c.hot.Misses()
	h, err := c.hot.GetOrLoad(ctx, desc.ID, func(ctx context.Context, segID uuid.UUID) (index.Handle, error) {
		data, info, err := c.loadSegmentData(ctx, segID)
		if err != nil {
			if IsKind(err, KindUnavailable) || objstore.IsTransient(err) {
				return nil, &Error{Kind: KindUnavailable, Op: "load_segment", Collection: c.spec.Name, Err: err}
			}
			return nil, err
		}
		return c.buildHandle(data, info)
	})
	if c.hot.Misses() > missesBefore {
		obs.CacheMisses.Inc()
	} else if err == nil {
		obs.CacheHits.Inc()
	}
	return h, err
}

// get returns a live document by id: open segment first, then its sealed
// segment.
func (c *collection) get(ctx context.Context, id doc.ID) (doc.Document, error) {
	c.stateMu.RLock()
	segSeq, ok := c.live[id]
	open := c.open
	c.stateMu.RUnlock()
	if !ok {
		return doc.Document{}, errNotFound("get", c.spec.Name, id.String())
	}
	if segSeq == openSegSeq {
		if d, ok := open.Get(id); ok {
			return d, nil
		}
		return doc.Document{}, errNotFound("get", c.spec.Name, id.String())
	}

	m := c.man.Load()
	for i := range m.Segments {
		desc := &m.Segments[i]
		if desc.Seq != segSeq || !desc.Live() {
			continue
		}
		h, err := c.segmentHandle(ctx, desc)
		if err != nil {
			return doc.Document{}, err
		}
		if d, ok := h.Get(id); ok {
			return d, nil
		}
	}
	return doc.Document{}, errNotFound("get", c.spec.Name, id.String())
}

// stats assembles the observable collection state.
func (c *collection) stats(_ context.Context) (*CollectionStats, error) {
	m := c.man.Load()
	c.stateMu.RLock()
	liveCount := uint64(len(c.live))
	c.stateMu.RUnlock()

	s := &CollectionStats{
		VectorCount:         liveCount,
		SegmentCount:        len(m.LiveSegments()),
		ManifestVersion:     m.Version,
		WALSizeBytes:        c.wal.SizeBytes(),
		CircuitBreakerState: c.eng.BreakerState(),
		DLQSize:             c.dlq.Len(),
	}
	if c.hot != nil {
		s.CacheHitRate = c.hot.HitRate()
	}
	return s, nil
}
