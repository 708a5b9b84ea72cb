package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/aifocal/akidb/internal/libs/obs"
	"github.com/aifocal/akidb/internal/storage/manifest"
	"github.com/aifocal/akidb/internal/storage/objstore"
	"github.com/aifocal/akidb/internal/storage/segment"
	"github.com/google/uuid"
)

// uploadTask asks the upload worker to move one sealed segment to the
// remote tier. walSeq is the checkpoint watermark released once the
// segment (and all earlier ones) are uploaded; zero for compaction
// outputs, which carry no un-checkpointed WAL records.
type uploadTask struct {
	segmentID uuid.UUID
	walSeq    uint64
}

type pendingUpload struct {
	segmentID uuid.UUID
	walSeq    uint64
	done      bool
	failed    bool
}

// uploader is the single consumer of a collection's upload queue. One
// consumer preserves retry ordering and keeps checkpoint advancement
// contiguous: a permanently failed upload pins the WAL from that point so
// durability never depends on the remote tier.
type uploader struct {
	col   *collection
	tasks chan uploadTask

	// mu guards pending, which is ordered by enqueue; the checkpoint
	// advances over the contiguous done prefix.
	mu      sync.Mutex
	pending []pendingUpload

	// jitter spreads retry wakeups; math/rand is fine here.
	jitter *rand.Rand
}

func newUploader(col *collection) *uploader {
	return &uploader{
		col:    col,
		tasks:  make(chan uploadTask, 4096),
		jitter: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// enqueue registers and queues a task. Called from the writer task (seal)
// and the compactor.
func (u *uploader) enqueue(t uploadTask) {
	u.mu.Lock()
	u.pending = append(u.pending, pendingUpload{segmentID: t.segmentID, walSeq: t.walSeq})
	u.mu.Unlock()

	select {
	case u.tasks <- t:
	default:
		// The queue is far above the admission hard limit; this indicates
		// a stuck consumer. The task stays pending and is re-derived from
		// the manifest on restart.
		u.col.log.Error().Str("segment", t.segmentID.String()).Msg("upload queue full, task deferred to restart")
	}
}

// requeueFromManifest restores unfinished uploads after a restart.
func (u *uploader) requeueFromManifest(m *manifest.Manifest) {
	for _, d := range m.LiveSegments() {
		if d.State == segment.StateSealed {
			u.enqueue(uploadTask{segmentID: d.ID, walSeq: d.WALSeq})
		}
	}
}

// backlog returns the number of uploads not yet resolved.
func (u *uploader) backlog() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, p := range u.pending {
		if !p.done && !p.failed {
			n++
		}
	}
	return n
}

func (u *uploader) run() {
	for {
		select {
		case <-u.col.stopCh:
			return
		case t := <-u.tasks:
			u.process(t)
		}
	}
}

// process drives one segment to the remote tier: up to MaxRetries
// attempts with exponential backoff and jitter on transient failures. A
// breaker-open rejection pauses without consuming an attempt. Exhaustion
// or a fatal error moves the segment to the DLQ; its WAL records remain.
func (u *uploader) process(t uploadTask) {
	cfg := u.col.eng.opts.Upload
	key := objstore.SegmentKey(u.col.spec.Name, t.segmentID)
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxRetries; {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		raw, err := u.col.eng.local.Get(ctx, key)
		if err != nil {
			cancel()
			if errors.Is(err, objstore.ErrNotFound) {
				// Compacted away before the upload ran; nothing to back up.
				u.resolve(t.segmentID, true)
				return
			}
			lastErr = err
			if !u.sleep(u.backoff(attempt, cfg)) {
				return
			}
			attempt++
			continue
		}

		_, err = u.col.eng.remote.Put(ctx, key, raw)
		cancel()
		if err == nil {
			u.markUploaded(t.segmentID)
			dctx, dcancel := context.WithTimeout(context.Background(), 30*time.Second)
			u.col.dlq.Remove(dctx, t.segmentID)
			dcancel()
			obs.S3Uploads.Inc()
			u.resolve(t.segmentID, true)
			u.col.log.Info().Str("segment", t.segmentID.String()).Int("attempt", attempt).Msg("segment uploaded")
			return
		}
		lastErr = err

		if IsKind(err, KindUnavailable) {
			// Breaker open: uploads pause until the cooldown probe; the
			// attempt budget is reserved for real failures.
			if !u.sleep(u.col.eng.opts.Breaker.Cooldown) {
				return
			}
			continue
		}
		if !objstore.IsTransient(err) {
			break // fatal: straight to the DLQ
		}
		obs.S3Retries.Inc()
		u.col.log.Warn().Err(err).
			Str("segment", t.segmentID.String()).
			Int("attempt", attempt).
			Msg("upload failed, retrying")
		if !u.sleep(u.backoff(attempt, cfg)) {
			return
		}
		attempt++
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	u.col.dlq.Add(ctx, t.segmentID, cfg.MaxRetries, lastErr)
	cancel()
	u.resolve(t.segmentID, false)
}

// backoff computes the delay before the next attempt: base doubling per
// attempt, capped, with ±20% jitter.
func (u *uploader) backoff(attempt int, cfg UploadConfig) time.Duration {
	d := cfg.BaseBackoff << uint(attempt-1)
	if d > cfg.MaxBackoff || d <= 0 {
		d = cfg.MaxBackoff
	}
	f := 0.8 + 0.4*u.jitter.Float64()
	return time.Duration(float64(d) * f)
}

// sleep waits unless the collection is stopping.
func (u *uploader) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-u.col.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// markUploaded flips the descriptor state via manifest CAS.
func (u *uploader) markUploaded(segID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := u.col.eng.manifests.Update(ctx, u.col.spec.Name, func(m *manifest.Manifest) error {
		if d := m.Segment(segID); d != nil && d.State == segment.StateSealed {
			d.State = segment.StateUploaded
		}
		return nil
	})
	if err != nil {
		u.col.log.Warn().Err(err).Str("segment", segID.String()).Msg("marking uploaded")
		return
	}
	u.col.publishManifest(m)
	go u.col.eng.backupManifest(u.col)
}

// resolve marks a pending upload finished and advances the checkpoint
// over the contiguous done prefix. Failed entries stay in place and pin
// the WAL.
func (u *uploader) resolve(segID uuid.UUID, ok bool) {
	u.mu.Lock()
	for i := range u.pending {
		if u.pending[i].segmentID == segID && !u.pending[i].done && !u.pending[i].failed {
			if ok {
				u.pending[i].done = true
			} else {
				u.pending[i].failed = true
			}
			break
		}
	}
	var watermark uint64
	i := 0
	for ; i < len(u.pending); i++ {
		if !u.pending[i].done {
			break
		}
		if u.pending[i].walSeq > watermark {
			watermark = u.pending[i].walSeq
		}
	}
	u.pending = u.pending[i:]
	u.mu.Unlock()

	if watermark > 0 {
		if err := u.col.checkpointThrough(watermark); err != nil {
			u.col.log.Warn().Err(err).Msg("checkpoint after upload")
		}
	}
}
