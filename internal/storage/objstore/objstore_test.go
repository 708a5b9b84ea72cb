package objstore

import (
	"context"
	"errors"
	"os"
	"testing"
)

// contractStores returns one instance of every backend available in the test
// environment. S3 runs only when AKIDB_TEST_S3_ENDPOINT is set.
func contractStores(t *testing.T) map[string]Store {
	t.Helper()
	local, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("create local store: %v", err)
	}
	stores := map[string]Store{
		"memory": NewMemory(),
		"local":  local,
	}
	if endpoint := os.Getenv("AKIDB_TEST_S3_ENDPOINT"); endpoint != "" {
		s3, err := NewS3(context.Background(), S3Config{
			Endpoint:        endpoint,
			Bucket:          "akidb-objstore-test",
			AccessKeyID:     os.Getenv("AKIDB_TEST_S3_ACCESS_KEY"),
			SecretAccessKey: os.Getenv("AKIDB_TEST_S3_SECRET_KEY"),
		})
		if err != nil {
			t.Fatalf("create s3 store: %v", err)
		}
		stores["s3"] = s3
	}
	return stores
}

func TestStoreContract(t *testing.T) {
	for name, store := range contractStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Missing key behavior.
			if _, err := store.Get(ctx, "c/missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get missing: got %v, want ErrNotFound", err)
			}
			if _, err := store.Head(ctx, "c/missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Head missing: got %v, want ErrNotFound", err)
			}
			if err := store.Delete(ctx, "c/missing"); err != nil {
				t.Errorf("Delete missing should be a no-op, got %v", err)
			}

			// Put / Get round trip.
			etag, err := store.Put(ctx, "c/a.bin", []byte("alpha"))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if etag == "" {
				t.Fatal("Put returned empty etag")
			}
			data, err := store.Get(ctx, "c/a.bin")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(data) != "alpha" {
				t.Errorf("Get = %q, want alpha", data)
			}

			info, err := store.Head(ctx, "c/a.bin")
			if err != nil {
				t.Fatalf("Head: %v", err)
			}
			if info.Size != 5 || info.ETag != etag {
				t.Errorf("Head = %+v, want size 5 etag %s", info, etag)
			}

			// CAS create-only.
			if _, err := store.PutIf(ctx, "c/a.bin", []byte("x"), ""); !errors.Is(err, ErrConflict) {
				t.Errorf("PutIf create on existing: got %v, want ErrConflict", err)
			}
			if _, err := store.PutIf(ctx, "c/new.bin", []byte("fresh"), ""); err != nil {
				t.Errorf("PutIf create on absent: %v", err)
			}

			// CAS replace.
			etag2, err := store.PutIf(ctx, "c/a.bin", []byte("beta"), etag)
			if err != nil {
				t.Fatalf("PutIf with matching etag: %v", err)
			}
			if etag2 == etag {
				t.Error("etag did not change after update")
			}
			if _, err := store.PutIf(ctx, "c/a.bin", []byte("gamma"), etag); !errors.Is(err, ErrConflict) {
				t.Errorf("PutIf with stale etag: got %v, want ErrConflict", err)
			}
			// Stale writer must not have clobbered the committed value.
			data, _ = store.Get(ctx, "c/a.bin")
			if string(data) != "beta" {
				t.Errorf("object = %q after failed CAS, want beta", data)
			}

			// CAS replace of a missing object.
			if _, err := store.PutIf(ctx, "c/ghost", []byte("x"), "deadbeef"); !errors.Is(err, ErrConflict) {
				t.Errorf("PutIf on missing with etag: got %v, want ErrConflict", err)
			}

			// List.
			_, _ = store.Put(ctx, "c/segments/one.seg", []byte("1"))
			_, _ = store.Put(ctx, "c/segments/two.seg", []byte("2"))
			_, _ = store.Put(ctx, "other/x", []byte("x"))
			keys, err := store.List(ctx, "c/segments/")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(keys) != 2 {
				t.Fatalf("List = %v, want 2 keys", keys)
			}
			if keys[0] != "c/segments/one.seg" || keys[1] != "c/segments/two.seg" {
				t.Errorf("List = %v, unsorted or wrong keys", keys)
			}

			// Delete.
			if err := store.Delete(ctx, "c/a.bin"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.Get(ctx, "c/a.bin"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after delete: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestMemoryFaultInjection(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	calls := 0
	store.FailWith(func(op, key string) error {
		if op == "put" {
			calls++
			if calls <= 2 {
				return ErrTransient
			}
		}
		return nil
	})

	if _, err := store.Put(ctx, "k", []byte("v")); !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if _, err := store.Put(ctx, "k", []byte("v")); !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if _, err := store.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("third put should succeed, got %v", err)
	}
}

func TestKeyLayout(t *testing.T) {
	if got := ManifestKey("users"); got != "users/manifest.json" {
		t.Errorf("ManifestKey = %q", got)
	}
	if got := WALKey("users", 0x2a); got != "users/wal/000000000000002a.log" {
		t.Errorf("WALKey = %q", got)
	}
}
