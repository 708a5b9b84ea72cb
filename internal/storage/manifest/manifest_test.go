package manifest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aifocal/akidb/internal/storage/objstore"
	"github.com/aifocal/akidb/internal/storage/segment"
	"github.com/aifocal/akidb/internal/vector"
	"github.com/google/uuid"
)

func newTestStore() *Store {
	return NewStore(objstore.NewMemory())
}

func baseManifest() *Manifest {
	return &Manifest{
		Collection: "c",
		Dimension:  4,
		Metric:     vector.MetricCosine,
		Policy:     PolicyMemory,
	}
}

func TestCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	m := baseManifest()
	if err := store.Create(ctx, m); err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Version != 1 {
		t.Errorf("initial version = %d, want 1", m.Version)
	}

	// Creating again must conflict.
	if err := store.Create(ctx, baseManifest()); !errors.Is(err, ErrConflict) {
		t.Errorf("second create: got %v, want ErrConflict", err)
	}

	loaded, err := store.Load(ctx, "c")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Version != 1 || loaded.Dimension != 4 || loaded.Metric != vector.MetricCosine {
		t.Errorf("loaded = %+v", loaded)
	}

	if _, err := store.Load(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("load missing: got %v, want ErrNotFound", err)
	}
}

func TestStoreCASStaleWriterLoses(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	if err := store.Create(ctx, baseManifest()); err != nil {
		t.Fatalf("create: %v", err)
	}

	a, _ := store.Load(ctx, "c")
	b, _ := store.Load(ctx, "c")

	a.TotalVectors = 10
	a.Version++
	if err := store.StoreCAS(ctx, a); err != nil {
		t.Fatalf("first CAS: %v", err)
	}

	b.TotalVectors = 99
	b.Version++
	if err := store.StoreCAS(ctx, b); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale CAS: got %v, want ErrConflict", err)
	}

	// Committed state is writer a's.
	cur, _ := store.Load(ctx, "c")
	if cur.TotalVectors != 10 || cur.Version != 2 {
		t.Errorf("current = version %d total %d, want 2/10", cur.Version, cur.TotalVectors)
	}
}

func TestUpdateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	if err := store.Create(ctx, baseManifest()); err != nil {
		t.Fatalf("create: %v", err)
	}

	// 8 goroutines each add one segment through Update. Every accepted
	// update must land in a distinct version.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.Update(ctx, "c", func(m *Manifest) error {
				m.Segments = append(m.Segments, segment.Descriptor{
					ID:          uuid.New(),
					Collection:  "c",
					VectorCount: 1,
					Dimension:   4,
					Metric:      vector.MetricCosine,
					State:       segment.StateSealed,
					CreatedAt:   time.Now().UTC(),
					Seq:         uint64(n + 1),
				})
				m.TotalVectors++
				return nil
			})
			if err != nil {
				t.Errorf("update %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	final, err := store.Load(ctx, "c")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(final.Segments) != 8 {
		t.Errorf("segments = %d, want 8 (lost update)", len(final.Segments))
	}
	if final.TotalVectors != 8 {
		t.Errorf("total vectors = %d, want 8", final.TotalVectors)
	}
	if final.Version != 9 {
		t.Errorf("version = %d, want 9 (1 + 8 updates)", final.Version)
	}
}

func TestUpdateApplyErrorIsPermanent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	if err := store.Create(ctx, baseManifest()); err != nil {
		t.Fatalf("create: %v", err)
	}

	sentinel := errors.New("validation boom")
	calls := 0
	_, err := store.Update(ctx, "c", func(*Manifest) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("got %v, want sentinel", err)
	}
	if calls != 1 {
		t.Errorf("apply called %d times, want 1 (no retry on permanent error)", calls)
	}
}

func TestLiveSegmentsAndMaxSeq(t *testing.T) {
	m := baseManifest()
	m.Segments = []segment.Descriptor{
		{ID: uuid.New(), State: segment.StateSealed, Seq: 1},
		{ID: uuid.New(), State: segment.StateTombstoned, Seq: 2},
		{ID: uuid.New(), State: segment.StateUploaded, Seq: 3},
	}
	live := m.LiveSegments()
	if len(live) != 2 {
		t.Errorf("live = %d, want 2", len(live))
	}
	if m.MaxSeq() != 3 {
		t.Errorf("MaxSeq = %d, want 3", m.MaxSeq())
	}
}

func TestCloneIsolation(t *testing.T) {
	m := baseManifest()
	m.Segments = []segment.Descriptor{{ID: uuid.New(), State: segment.StateSealed, Seq: 1}}
	snap := m.Clone()

	m.Segments[0].State = segment.StateTombstoned
	if snap.Segments[0].State != segment.StateSealed {
		t.Error("clone shares segment slice with original")
	}
}
