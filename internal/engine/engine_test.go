package engine

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aifocal/akidb/internal/doc"
	"github.com/aifocal/akidb/internal/index"
	"github.com/aifocal/akidb/internal/libs/obs"
	"github.com/aifocal/akidb/internal/storage/manifest"
	"github.com/aifocal/akidb/internal/storage/objstore"
	"github.com/aifocal/akidb/internal/vector"
	"github.com/stretchr/testify/require"
)

func init() {
	obs.Silence()
}

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.WALDir = filepath.Join(dir, "wal")
	opts.SnapshotDir = filepath.Join(dir, "snapshots")
	opts.Compaction.Enabled = false // tests drive compaction explicitly
	opts.Upload.BaseBackoff = 5 * time.Millisecond
	opts.Upload.MaxBackoff = 50 * time.Millisecond
	opts.Breaker.Cooldown = 100 * time.Millisecond
	return opts
}

func openEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func memorySpec(name string) CollectionSpec {
	return CollectionSpec{Name: name, Dimension: 4, Metric: vector.MetricCosine, Policy: manifest.PolicyMemory}
}

func insertDoc(t *testing.T, e *Engine, coll string, id doc.ID, v vector.Vector, payload string) {
	t.Helper()
	d := doc.Document{ID: id, Vector: v}
	if payload != "" {
		d.Payload = doc.Payload(payload)
	}
	require.NoError(t, e.Insert(context.Background(), coll, d))
}

func TestCreateCollectionValidation(t *testing.T) {
	e := openEngine(t, testOptions(t))
	ctx := context.Background()

	require.NoError(t, e.CreateCollection(ctx, memorySpec("c")))

	err := e.CreateCollection(ctx, memorySpec("c"))
	require.True(t, IsKind(err, KindConflict), "got %v", err)

	err = e.CreateCollection(ctx, CollectionSpec{Name: "bad name!", Dimension: 4, Metric: vector.MetricL2, Policy: manifest.PolicyMemory})
	require.True(t, IsKind(err, KindValidation))

	err = e.CreateCollection(ctx, CollectionSpec{Name: "d0", Dimension: 0, Metric: vector.MetricL2, Policy: manifest.PolicyMemory})
	require.True(t, IsKind(err, KindValidation))

	// Remote policies need a remote tier.
	err = e.CreateCollection(ctx, CollectionSpec{Name: "r", Dimension: 4, Metric: vector.MetricL2, Policy: manifest.PolicyMemoryRemote})
	require.True(t, IsKind(err, KindValidation))
}

// Scenario 1: cosine search over three literal vectors.
func TestInsertQueryScenario(t *testing.T) {
	e := openEngine(t, testOptions(t))
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, memorySpec("c")))

	idA, idB, idC := doc.ID{0xa}, doc.ID{0xb}, doc.ID{0xc}
	insertDoc(t, e, "c", idA, vector.Vector{1, 0, 0, 0}, "")
	insertDoc(t, e, "c", idB, vector.Vector{0, 1, 0, 0}, "")
	insertDoc(t, e, "c", idC, vector.Vector{1, 1, 0, 0}, "")

	resp, err := e.Query(ctx, "c", vector.Vector{1, 0.1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	require.Equal(t, idA, resp.Results[0].ID)
	require.Equal(t, idC, resp.Results[1].ID)
	require.Less(t, resp.Results[0].Distance, resp.Results[1].Distance)
	require.False(t, resp.TimedOut)
}

func TestInsertValidation(t *testing.T) {
	e := openEngine(t, testOptions(t))
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, memorySpec("c")))

	id := doc.NewID()
	insertDoc(t, e, "c", id, vector.Vector{1, 0, 0, 0}, "")

	// Duplicate insert is a validation error.
	err := e.Insert(ctx, "c", doc.Document{ID: id, Vector: vector.Vector{0, 1, 0, 0}})
	require.True(t, IsKind(err, KindValidation), "got %v", err)

	// Dimension mismatch.
	err = e.Insert(ctx, "c", doc.Document{ID: doc.NewID(), Vector: vector.Vector{1}})
	require.True(t, IsKind(err, KindValidation))

	// Malformed payload.
	err = e.Insert(ctx, "c", doc.Document{ID: doc.NewID(), Vector: vector.Vector{1, 0, 0, 0}, Payload: doc.Payload(`{broken`)})
	require.True(t, IsKind(err, KindValidation))

	// Unknown collection.
	err = e.Insert(ctx, "ghost", doc.Document{ID: doc.NewID(), Vector: vector.Vector{1, 0, 0, 0}})
	require.True(t, IsKind(err, KindNotFound))
}

func TestDeleteIdempotentAndMasking(t *testing.T) {
	e := openEngine(t, testOptions(t))
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, memorySpec("c")))

	const n, m = 20, 7
	ids := make([]doc.ID, n)
	for i := range ids {
		ids[i] = doc.NewID()
		insertDoc(t, e, "c", ids[i], vector.Vector{float32(i), 1, 0, 0}, "")
	}
	for i := 0; i < m; i++ {
		require.NoError(t, e.Delete(ctx, "c", ids[i]))
		// Second delete is a no-op.
		require.NoError(t, e.Delete(ctx, "c", ids[i]))
	}

	stats, err := e.Stats(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, uint64(n-m), stats.VectorCount)

	resp, err := e.Query(ctx, "c", vector.Vector{1, 1, 0, 0}, n, nil)
	require.NoError(t, err)
	require.Len(t, resp.Results, n-m)
	deleted := make(map[doc.ID]bool)
	for i := 0; i < m; i++ {
		deleted[ids[i]] = true
	}
	for _, r := range resp.Results {
		require.False(t, deleted[r.ID], "deleted doc %s returned", r.ID)
	}

	_, err = e.Get(ctx, "c", ids[0])
	require.True(t, IsKind(err, KindNotFound))
}

func TestDeleteAcrossSealMasksSealedRows(t *testing.T) {
	e := openEngine(t, testOptions(t))
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, memorySpec("c")))

	id := doc.NewID()
	insertDoc(t, e, "c", id, vector.Vector{1, 0, 0, 0}, "")
	require.NoError(t, e.Seal(ctx, "c"))

	// The doc now lives in a sealed segment; delete writes a tombstone.
	require.NoError(t, e.Delete(ctx, "c", id))
	resp, err := e.Query(ctx, "c", vector.Vector{1, 0, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Empty(t, resp.Results)

	// Reinsert with the same id is allowed after deletion.
	insertDoc(t, e, "c", id, vector.Vector{0, 1, 0, 0}, "")
	resp, err = e.Query(ctx, "c", vector.Vector{0, 1, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.Equal(t, id, resp.Results[0].ID)

	// Seal the tombstone + reinsert and make sure masking still holds.
	require.NoError(t, e.Seal(ctx, "c"))
	resp, err = e.Query(ctx, "c", vector.Vector{0, 1, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
}

func TestQueryEdgeCases(t *testing.T) {
	e := openEngine(t, testOptions(t))
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, memorySpec("c")))
	insertDoc(t, e, "c", doc.NewID(), vector.Vector{1, 0, 0, 0}, "")

	// k=0: empty result, no error.
	resp, err := e.Query(ctx, "c", vector.Vector{1, 0, 0, 0}, 0, nil)
	require.NoError(t, err)
	require.Empty(t, resp.Results)

	// k > collection size.
	resp, err = e.Query(ctx, "c", vector.Vector{1, 0, 0, 0}, 50, nil)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)

	// Dimension mismatch.
	_, err = e.Query(ctx, "c", vector.Vector{1}, 5, nil)
	require.True(t, IsKind(err, KindValidation))
}

func TestQueryWithFilterAcrossSegments(t *testing.T) {
	e := openEngine(t, testOptions(t))
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, memorySpec("c")))

	sealedMatch := doc.NewID()
	insertDoc(t, e, "c", sealedMatch, vector.Vector{1, 0, 0, 0}, `{"lang":"en"}`)
	insertDoc(t, e, "c", doc.NewID(), vector.Vector{1, 0.1, 0, 0}, `{"lang":"de"}`)
	require.NoError(t, e.Seal(ctx, "c"))

	openMatch := doc.NewID()
	insertDoc(t, e, "c", openMatch, vector.Vector{0.9, 0, 0, 0}, `{"lang":"en"}`)

	f := &index.Filter{Must: []index.Condition{{Field: "lang", Op: index.OpEq, Value: "en"}}}
	resp, err := e.Query(ctx, "c", vector.Vector{1, 0, 0, 0}, 10, f)
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	got := map[doc.ID]bool{resp.Results[0].ID: true, resp.Results[1].ID: true}
	require.True(t, got[sealedMatch] && got[openMatch])
}

// Scenario 2: crash between WAL append and manifest CAS, then restart.
func TestCrashRecoveryMidSeal(t *testing.T) {
	opts := testOptions(t)
	e := openEngine(t, opts)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, memorySpec("c")))

	rng := rand.New(rand.NewSource(42))
	const n = 2000
	ids := make([]doc.ID, n)
	for i := range ids {
		ids[i] = doc.NewID()
		v := vector.Vector{rng.Float32(), rng.Float32(), rng.Float32(), rng.Float32()}
		insertDoc(t, e, "c", ids[i], v, "")
	}

	preStats, err := e.Stats(ctx, "c")
	require.NoError(t, err)
	preVersion := preStats.ManifestVersion

	// Simulate the crash: stop the engine without sealing. Everything past
	// the last checkpoint lives only in the WAL.
	require.NoError(t, e.Close())

	e2 := openEngine(t, opts)
	stats, err := e2.Stats(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, uint64(n), stats.VectorCount, "all docs recovered")
	require.Equal(t, preVersion, stats.ManifestVersion)

	// All docs queryable after recovery.
	resp, err := e2.Query(ctx, "c", vector.Vector{0.5, 0.5, 0.5, 0.5}, 10, nil)
	require.NoError(t, err)
	require.Len(t, resp.Results, 10)

	// One seal bumps the version by exactly one.
	require.NoError(t, e2.Seal(ctx, "c"))
	stats, err = e2.Stats(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, preVersion+1, stats.ManifestVersion)
	require.Equal(t, uint64(n), stats.VectorCount)
}

func TestRecoveryAfterSealKeepsSingleCopy(t *testing.T) {
	opts := testOptions(t)
	e := openEngine(t, opts)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, memorySpec("c")))

	for i := 0; i < 10; i++ {
		insertDoc(t, e, "c", doc.NewID(), vector.Vector{float32(i), 1, 0, 0}, "")
	}
	require.NoError(t, e.Seal(ctx, "c"))
	for i := 0; i < 5; i++ {
		insertDoc(t, e, "c", doc.NewID(), vector.Vector{float32(i), 2, 0, 0}, "")
	}
	require.NoError(t, e.Close())

	e2 := openEngine(t, opts)
	stats, err := e2.Stats(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, uint64(15), stats.VectorCount)

	resp, err := e2.Query(ctx, "c", vector.Vector{1, 1, 0, 0}, 100, nil)
	require.NoError(t, err)
	require.Len(t, resp.Results, 15, "sealed rows must not be double-replayed")
}

// Scenario 5: two concurrent writers, no lost docs, no lost manifest update.
func TestConcurrentWriters(t *testing.T) {
	opts := testOptions(t)
	opts.SealOps = 200 // force several seals during the run
	e := openEngine(t, opts)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, memorySpec("c")))

	const perWriter = 500
	var wg sync.WaitGroup
	errs := make(chan error, 2*perWriter)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				d := doc.Document{ID: doc.NewID(), Vector: vector.Vector{float32(w), float32(i), 0, 1}}
				if err := e.Insert(ctx, "c", d); err != nil {
					errs <- fmt.Errorf("writer %d insert %d: %w", w, i, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	stats, err := e.Stats(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, uint64(2*perWriter), stats.VectorCount)
	// Every seal bumped the version exactly once on top of the initial 1.
	sealed := stats.SegmentCount
	require.Equal(t, uint64(1+sealed), stats.ManifestVersion)

	resp, err := e.Query(ctx, "c", vector.Vector{0.5, 100, 0, 1}, 1000, nil)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1000)
}

func TestSealOnOpsThreshold(t *testing.T) {
	opts := testOptions(t)
	opts.SealOps = 50
	e := openEngine(t, opts)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, memorySpec("c")))

	for i := 0; i < 120; i++ {
		insertDoc(t, e, "c", doc.NewID(), vector.Vector{float32(i), 1, 0, 0}, "")
	}
	stats, err := e.Stats(ctx, "c")
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.SegmentCount, 2)
	require.Equal(t, uint64(120), stats.VectorCount)
}

func TestGet(t *testing.T) {
	e := openEngine(t, testOptions(t))
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, memorySpec("c")))

	id := doc.NewID()
	insertDoc(t, e, "c", id, vector.Vector{3, 4, 0, 0}, `{"k":"v"}`)

	d, err := e.Get(ctx, "c", id)
	require.NoError(t, err)
	require.Equal(t, id, d.ID)
	require.JSONEq(t, `{"k":"v"}`, string(d.Payload))

	// Still reachable after seal (from the sealed segment handle).
	require.NoError(t, e.Seal(ctx, "c"))
	d, err = e.Get(ctx, "c", id)
	require.NoError(t, err)
	require.Equal(t, id, d.ID)

	_, err = e.Get(ctx, "c", doc.NewID())
	require.True(t, IsKind(err, KindNotFound))
}

func TestDropCollection(t *testing.T) {
	opts := testOptions(t)
	e := openEngine(t, opts)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, memorySpec("c")))
	insertDoc(t, e, "c", doc.NewID(), vector.Vector{1, 0, 0, 0}, "")
	require.NoError(t, e.Seal(ctx, "c"))

	require.NoError(t, e.DropCollection(ctx, "c"))
	require.True(t, IsKind(e.DropCollection(ctx, "c"), KindNotFound))

	// All artifacts gone from the local tier.
	local, err := objstore.NewLocal(opts.SnapshotDir)
	require.NoError(t, err)
	keys, err := local.List(ctx, "c/")
	require.NoError(t, err)
	require.Empty(t, keys)

	// The name is reusable.
	require.NoError(t, e.CreateCollection(ctx, memorySpec("c")))
}

func TestCompactionMergesSmallSegments(t *testing.T) {
	opts := testOptions(t)
	e := openEngine(t, opts)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, memorySpec("c")))

	var deleted doc.ID
	for s := 0; s < 4; s++ {
		for i := 0; i < 10; i++ {
			id := doc.NewID()
			insertDoc(t, e, "c", id, vector.Vector{float32(s), float32(i), 0, 1}, "")
			if s == 0 && i == 0 {
				deleted = id
			}
		}
		require.NoError(t, e.Seal(ctx, "c"))
	}
	require.NoError(t, e.Delete(ctx, "c", deleted))
	require.NoError(t, e.Seal(ctx, "c")) // persist the tombstone

	pre, err := e.Stats(ctx, "c")
	require.NoError(t, err)
	require.GreaterOrEqual(t, pre.SegmentCount, 4)

	require.NoError(t, e.Compact(ctx, "c"))

	post, err := e.Stats(ctx, "c")
	require.NoError(t, err)
	require.Less(t, post.SegmentCount, pre.SegmentCount)
	require.Equal(t, uint64(39), post.VectorCount)

	// Query correctness is unchanged; the tombstoned doc stays gone.
	resp, err := e.Query(ctx, "c", vector.Vector{0, 0, 0, 1}, 100, nil)
	require.NoError(t, err)
	require.Len(t, resp.Results, 39)
	for _, r := range resp.Results {
		require.NotEqual(t, deleted, r.ID)
	}
}
