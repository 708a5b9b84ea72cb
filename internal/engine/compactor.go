package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aifocal/akidb/internal/doc"
	"github.com/aifocal/akidb/internal/libs/obs"
	"github.com/aifocal/akidb/internal/storage/manifest"
	"github.com/aifocal/akidb/internal/storage/objstore"
	"github.com/aifocal/akidb/internal/storage/segment"
	"github.com/google/uuid"
)

// compactor merges small sealed segments into larger ones, physically
// dropping rows that are tombstoned or shadowed. It never blocks readers:
// the merged segment and the tombstoning of its inputs land in a single
// manifest CAS, and input bytes are deleted only after a grace period for
// in-flight readers.
type compactor struct {
	col *collection
	cfg CompactionConfig

	mu      sync.Mutex
	retired []retiredSegment
}

type retiredSegment struct {
	id        uuid.UUID
	retiredAt time.Time
}

func newCompactor(col *collection, cfg CompactionConfig) *compactor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCompactionConfig().Interval
	}
	if cfg.MinSegments <= 0 {
		cfg.MinSegments = DefaultCompactionConfig().MinSegments
	}
	if cfg.MaxSegments < cfg.MinSegments {
		cfg.MaxSegments = cfg.MinSegments * 2
	}
	if cfg.BandBytes <= 0 {
		cfg.BandBytes = DefaultCompactionConfig().BandBytes
	}
	return &compactor{col: col, cfg: cfg}
}

func (cp *compactor) run() {
	ticker := time.NewTicker(cp.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-cp.col.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if err := cp.compactOnce(ctx); err != nil {
				cp.col.log.Warn().Err(err).Msg("compaction pass failed")
			}
			cp.reapRetired(ctx)
			cancel()
		}
	}
}

// compactOnce performs one size-tiered minor compaction when the smallest
// band holds at least MinSegments live segments.
func (cp *compactor) compactOnce(ctx context.Context) error {
	m := cp.col.man.Load()

	var band []segment.Descriptor
	for _, d := range m.LiveSegments() {
		if d.SizeBytes <= cp.cfg.BandBytes {
			band = append(band, d)
		}
	}
	if len(band) < cp.cfg.MinSegments {
		return nil
	}
	sort.Slice(band, func(i, j int) bool { return band[i].SizeBytes < band[j].SizeBytes })
	if len(band) > cp.cfg.MaxSegments {
		band = band[:cp.cfg.MaxSegments]
	}
	// Merge in ascending sequence order so provenance stays obvious.
	sort.Slice(band, func(i, j int) bool { return band[i].Seq < band[j].Seq })

	type keptRow struct {
		d       doc.Document
		origSeq uint64
	}
	var (
		kept       []keptRow
		tombUnion  = make(map[doc.ID]struct{})
		inputIDs   = make([]uuid.UUID, 0, len(band))
		inputBytes int64
	)
	for _, desc := range band {
		data, _, err := cp.col.loadSegmentData(ctx, desc.ID)
		if err != nil {
			return fmt.Errorf("load segment %s: %w", desc.ID, err)
		}
		cp.col.stateMu.RLock()
		for i, id := range data.IDs {
			if seq, ok := cp.col.live[id]; ok && seq == desc.Seq {
				kept = append(kept, keptRow{
					d:       doc.Document{ID: id, Vector: data.Vectors[i], Payload: data.Payloads[i]},
					origSeq: desc.Seq,
				})
			}
		}
		cp.col.stateMu.RUnlock()
		for _, id := range data.Tombstones {
			tombUnion[id] = struct{}{}
		}
		inputIDs = append(inputIDs, desc.ID)
		inputBytes += desc.SizeBytes
	}

	// A tombstone survives the merge only while its id is actually dead;
	// carrying one across a reinsert would shadow the live row at startup.
	cp.col.stateMu.RLock()
	tombs := make([]doc.ID, 0, len(tombUnion))
	for id := range tombUnion {
		if _, alive := cp.col.live[id]; !alive {
			tombs = append(tombs, id)
		}
	}
	cp.col.stateMu.RUnlock()

	data := &segment.Data{Tombstones: tombs}
	for _, row := range kept {
		data.IDs = append(data.IDs, row.d.ID)
		data.Vectors = append(data.Vectors, row.d.Vector)
		data.Payloads = append(data.Payloads, row.d.Payload)
	}

	level := segment.DefaultLocalZstdLevel
	if cp.col.spec.Policy == manifest.PolicyRemoteOnly {
		level = segment.DefaultRemoteZstdLevel
	}
	raw, err := segment.Serialize(data, cp.col.spec.Metric, cp.col.spec.Dimension, level)
	if err != nil {
		return fmt.Errorf("serialize merged segment: %w", err)
	}

	newID := uuid.New()
	newSeq := cp.col.allocSegSeq()
	if _, err := cp.col.eng.local.Put(ctx, objstore.SegmentKey(cp.col.spec.Name, newID), raw); err != nil {
		return fmt.Errorf("write merged segment: %w", err)
	}

	desc := segment.Descriptor{
		ID:             newID,
		Collection:     cp.col.spec.Name,
		VectorCount:    uint32(len(data.IDs)),
		TombstoneCount: uint32(len(tombs)),
		Dimension:      cp.col.spec.Dimension,
		Metric:         cp.col.spec.Metric,
		SizeBytes:      int64(len(raw)),
		Checksum:       segment.Checksum(raw),
		State:          segment.StateSealed,
		CreatedAt:      time.Now().UTC(),
		Seq:            newSeq,
	}

	cp.col.stateMu.RLock()
	liveCount := uint64(len(cp.col.live))
	cp.col.stateMu.RUnlock()

	// One CAS swaps the inputs out and the merged segment in, so readers
	// see either the old set or the new set, never a mix.
	updated, err := cp.col.eng.manifests.Update(ctx, cp.col.spec.Name, func(m *manifest.Manifest) error {
		for _, id := range inputIDs {
			d := m.Segment(id)
			if d == nil || !d.Live() {
				return fmt.Errorf("segment %s changed under compaction", id)
			}
		}
		for _, id := range inputIDs {
			m.Segment(id).State = segment.StateTombstoned
		}
		m.Segments = append(m.Segments, desc)
		m.TotalVectors = liveCount
		return nil
	})
	if err != nil {
		// Lost the race or an input vanished; drop the orphan output.
		_ = cp.col.eng.local.Delete(ctx, objstore.SegmentKey(cp.col.spec.Name, newID))
		if errors.Is(err, manifest.ErrConflict) {
			return &Error{Kind: KindConflict, Op: "compact", Collection: cp.col.spec.Name, Err: err}
		}
		return err
	}
	cp.col.publishManifest(updated)
	go cp.col.eng.backupManifest(cp.col)

	// Publish the merged handle before retiring inputs.
	info := &segment.Info{Dimension: cp.col.spec.Dimension, Metric: cp.col.spec.Metric, VectorCount: desc.VectorCount}
	handle, err := cp.col.buildHandle(data, info)
	if err == nil {
		if cp.col.spec.Policy == manifest.PolicyRemoteOnly {
			cp.col.hot.Put(newID, handle)
		} else {
			cp.col.handleMu.Lock()
			cp.col.handles[newID] = handle
			cp.col.handleMu.Unlock()
		}
	}

	// Re-point surviving rows at the merged segment. A row deleted while
	// the merge ran is left alone: its id is gone from the live table.
	cp.col.stateMu.Lock()
	for _, row := range kept {
		if seq, ok := cp.col.live[row.d.ID]; ok && seq == row.origSeq {
			cp.col.live[row.d.ID] = newSeq
		}
	}
	cp.col.stateMu.Unlock()

	now := time.Now()
	cp.mu.Lock()
	for _, id := range inputIDs {
		cp.retired = append(cp.retired, retiredSegment{id: id, retiredAt: now})
	}
	cp.mu.Unlock()

	if cp.col.uploader != nil {
		cp.col.uploader.enqueue(uploadTask{segmentID: newID})
	}

	obs.CompactionsTotal.WithLabelValues(cp.col.spec.Name).Inc()
	cp.col.log.Info().
		Int("inputs", len(inputIDs)).
		Int64("input_bytes", inputBytes).
		Int("rows", len(data.IDs)).
		Str("segment", newID.String()).
		Uint64("seq", newSeq).
		Msg("minor compaction completed")
	return nil
}

// reapRetired deletes merged-away segments once the grace period has
// passed: bytes on both tiers, resident handles, cache entries, and the
// tombstoned manifest descriptors.
func (cp *compactor) reapRetired(ctx context.Context) {
	cp.mu.Lock()
	var due, rest []retiredSegment
	for _, r := range cp.retired {
		if time.Since(r.retiredAt) >= cp.cfg.GracePeriod {
			due = append(due, r)
		} else {
			rest = append(rest, r)
		}
	}
	cp.retired = rest
	cp.mu.Unlock()

	if len(due) == 0 {
		return
	}

	reaped := make([]uuid.UUID, 0, len(due))
	for _, r := range due {
		key := objstore.SegmentKey(cp.col.spec.Name, r.id)
		if err := cp.col.eng.local.Delete(ctx, key); err != nil {
			cp.col.log.Warn().Err(err).Str("segment", r.id.String()).Msg("deleting retired segment")
			continue
		}
		if remote := cp.col.eng.remoteOrNil(); remote != nil && cp.col.spec.Policy != manifest.PolicyMemory {
			if err := remote.Delete(ctx, key); err != nil {
				cp.col.log.Debug().Err(err).Str("segment", r.id.String()).Msg("remote delete deferred")
			}
		}
		cp.col.handleMu.Lock()
		delete(cp.col.handles, r.id)
		cp.col.handleMu.Unlock()
		if cp.col.hot != nil {
			cp.col.hot.Invalidate(r.id)
		}
		cp.col.dlq.Remove(ctx, r.id)
		reaped = append(reaped, r.id)
	}
	if len(reaped) == 0 {
		return
	}

	updated, err := cp.col.eng.manifests.Update(ctx, cp.col.spec.Name, func(m *manifest.Manifest) error {
		keep := m.Segments[:0]
		for _, d := range m.Segments {
			retired := false
			for _, id := range reaped {
				if d.ID == id {
					retired = true
					break
				}
			}
			if !retired {
				keep = append(keep, d)
			}
		}
		m.Segments = keep
		return nil
	})
	if err != nil {
		cp.col.log.Warn().Err(err).Msg("pruning retired descriptors")
		return
	}
	cp.col.publishManifest(updated)
}

// allocSegSeq hands the compactor a fresh segment sequence number without
// entangling it with an in-flight seal.
func (c *collection) allocSegSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.nextSegSeq
	c.nextSegSeq++
	return seq
}
