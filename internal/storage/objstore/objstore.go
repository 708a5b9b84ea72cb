// Package objstore provides a minimal blob store abstraction over local
// filesystem, in-memory, and S3-compatible backends, with compare-and-swap
// writes keyed on ETags.
package objstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors. Backends wrap these so callers can classify with errors.Is.
var (
	// ErrNotFound means the key does not exist.
	ErrNotFound = errors.New("objstore: not found")

	// ErrConflict means a CAS precondition failed.
	ErrConflict = errors.New("objstore: conflict")

	// ErrTransient marks retryable I/O or network failures.
	ErrTransient = errors.New("objstore: transient")

	// ErrFatal marks non-retryable failures (permission denied, quota,
	// corrupt response).
	ErrFatal = errors.New("objstore: fatal")
)

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size int64
	ETag string
}

// Store is a uniform key/value blob store. Keys are slash-separated paths.
type Store interface {
	// Get returns the full object bytes.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes the object unconditionally and returns its new ETag.
	Put(ctx context.Context, key string, data []byte) (string, error)

	// PutIf writes the object only if the stored ETag equals expectedETag.
	// An empty expectedETag means "create only if absent". Returns the new
	// ETag on success, ErrConflict on precondition failure.
	PutIf(ctx context.Context, key string, data []byte, expectedETag string) (string, error)

	// Delete removes the object. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// List returns all keys under the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Head returns object metadata without fetching the body.
	Head(ctx context.Context, key string) (ObjectInfo, error)
}

// Key layout under a collection prefix.

// ManifestKey returns the manifest key for a collection.
func ManifestKey(collection string) string {
	return collection + "/manifest.json"
}

// SegmentKey returns the object key for a segment.
func SegmentKey(collection string, id uuid.UUID) string {
	return fmt.Sprintf("%s/segments/%s.seg", collection, id)
}

// SegmentPrefix returns the key prefix for all segments of a collection.
func SegmentPrefix(collection string) string {
	return collection + "/segments/"
}

// WALKey returns the object key for a WAL file by sequence number.
func WALKey(collection string, seq uint64) string {
	return fmt.Sprintf("%s/wal/%016x.log", collection, seq)
}

// DLQKey returns the object key for a dead-letter entry.
func DLQKey(collection string, id uuid.UUID) string {
	return fmt.Sprintf("%s/dlq/%s.json", collection, id)
}

// DLQPrefix returns the key prefix for all DLQ entries of a collection.
func DLQPrefix(collection string) string {
	return collection + "/dlq/"
}
