package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aifocal/akidb/internal/doc"
	"github.com/aifocal/akidb/internal/index"
	"github.com/aifocal/akidb/internal/storage/objstore"
	"github.com/aifocal/akidb/internal/vector"
)

// QueryResult is one ranked hit.
type QueryResult struct {
	ID       doc.ID      `json:"id"`
	Distance float32     `json:"distance"`
	Payload  doc.Payload `json:"payload,omitempty"`
}

// QueryResponse carries the ranked hits. TimedOut marks partial results
// produced when the deadline expired mid-search.
type QueryResponse struct {
	Results  []QueryResult `json:"results"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// taggedResult pairs a hit with the sequence number of the segment that
// produced it, for last-writer-wins deduplication.
type taggedResult struct {
	index.Result
	segSeq uint64
}

// query executes a top-k search:
//  1. snapshot the manifest (copy-on-read, mutations do not disturb it)
//  2. per live segment plus the open memtable, search with the filter
//     pushed down, fanned out on the engine's worker pool
//  3. merge into one global k-heap
//  4. dedupe by DocID preferring the highest sequence; drop ids that are
//     no longer live (tombstone masking)
//  5. return distance-ordered results
func (c *collection) query(ctx context.Context, q vector.Vector, k int, filter *index.Filter) (*QueryResponse, error) {
	if uint32(len(q)) != c.spec.Dimension {
		return nil, errValidation("query", c.spec.Name, "",
			fmt.Errorf("query dimension %d, collection expects %d", len(q), c.spec.Dimension))
	}
	if k < 0 {
		return nil, errValidation("query", c.spec.Name, "", fmt.Errorf("k must not be negative"))
	}
	if k == 0 {
		return &QueryResponse{Results: []QueryResult{}}, nil
	}

	m := c.man.Load()
	segments := m.LiveSegments()

	var (
		wg       sync.WaitGroup
		resultMu sync.Mutex
		tagged   []taggedResult
		timedOut bool
		firstErr error
	)

	collect := func(rs []index.Result, segSeq uint64, err error) {
		resultMu.Lock()
		defer resultMu.Unlock()
		switch {
		case err == nil:
			for _, r := range rs {
				tagged = append(tagged, taggedResult{Result: r, segSeq: segSeq})
			}
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			timedOut = true
		case errors.Is(err, objstore.ErrNotFound):
			// The snapshot outlived a compaction grace period and this
			// input segment is gone; its rows are served from the merged
			// segment on the next query's snapshot. Skip, don't fail.
		case firstErr == nil:
			firstErr = err
		}
	}

	// Open segment is searched inline: it is already in memory and small.
	c.stateMu.RLock()
	open := c.open
	c.stateMu.RUnlock()
	openResults, err := open.Search(ctx, q, k, filter)
	collect(openResults, openSegSeq, err)

	for i := range segments {
		desc := segments[i]
		wg.Add(1)
		submit := func() {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				collect(nil, desc.Seq, err)
				return
			}
			h, err := c.segmentHandle(ctx, &desc)
			if err != nil {
				collect(nil, desc.Seq, err)
				return
			}
			rs, err := h.Search(ctx, q, k, filter)
			collect(rs, desc.Seq, err)
		}
		if err := c.eng.queryPool.Submit(submit); err != nil {
			// Pool saturated or released: fall back to inline execution.
			submit()
		}
	}
	wg.Wait()

	if firstErr != nil {
		var e *Error
		if errors.As(firstErr, &e) {
			return nil, firstErr
		}
		return nil, &Error{Kind: KindTransient, Op: "query", Collection: c.spec.Name, Err: firstErr}
	}

	results := c.mergeResults(tagged, k)
	return &QueryResponse{Results: results, TimedOut: timedOut}, nil
}

// mergeResults dedupes tagged hits against the live table and keeps the
// global top-k.
func (c *collection) mergeResults(tagged []taggedResult, k int) []QueryResult {
	c.stateMu.RLock()
	best := make(map[doc.ID]taggedResult, len(tagged))
	for _, tr := range tagged {
		liveSeq, ok := c.live[tr.ID]
		if !ok || liveSeq != tr.segSeq {
			// Tombstoned, or shadowed by a newer insert of the same id.
			continue
		}
		if prev, seen := best[tr.ID]; !seen || tr.segSeq > prev.segSeq {
			best[tr.ID] = tr
		}
	}
	c.stateMu.RUnlock()

	deduped := make([]index.Result, 0, len(best))
	for _, tr := range best {
		deduped = append(deduped, tr.Result)
	}
	merged := index.MergeTopK(c.spec.Metric, k, deduped)

	out := make([]QueryResult, len(merged))
	for i, r := range merged {
		out[i] = QueryResult{ID: r.ID, Distance: r.Distance, Payload: r.Payload}
	}
	return out
}
