package objstore

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"
)

// Local is a filesystem-backed Store rooted at a directory. Puts are atomic
// (write to a temp file, fsync, rename). ETags are the XXH3 of the content,
// so CAS works across process restarts. The CAS window itself is guarded by
// a process-local mutex; the local tier has a single writer per process.
type Local struct {
	root string
	mu   sync.Mutex
}

// NewLocal creates a filesystem store rooted at dir.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create objstore root: %w", err)
	}
	return &Local{root: dir}, nil
}

// Root returns the root directory of the store.
func (l *Local) Root() string { return l.root }

func (l *Local) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func localETag(data []byte) string {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], xxh3.Hash(data))
	return hex.EncodeToString(b[:])
}

func classifyFSError(op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	}
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%s %s: %v: %w", op, key, err, ErrFatal)
	}
	return fmt.Errorf("%s %s: %v: %w", op, key, err, ErrTransient)
}

// Get returns the object bytes.
func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	if err != nil {
		return nil, classifyFSError("get", key, err)
	}
	return data, nil
}

// Put writes the object atomically via temp file + rename.
func (l *Local) Put(_ context.Context, key string, data []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.putLocked(key, data)
}

func (l *Local) putLocked(key string, data []byte) (string, error) {
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", classifyFSError("put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", classifyFSError("put", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", classifyFSError("put", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", classifyFSError("put", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", classifyFSError("put", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", classifyFSError("put", key, err)
	}
	return localETag(data), nil
}

// PutIf writes the object only when the on-disk ETag matches expectedETag.
func (l *Local) PutIf(_ context.Context, key string, data []byte, expectedETag string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := os.ReadFile(l.path(key))
	switch {
	case err == nil:
		if expectedETag == "" {
			return "", fmt.Errorf("putif %s: already exists: %w", key, ErrConflict)
		}
		if localETag(current) != expectedETag {
			return "", fmt.Errorf("putif %s: etag mismatch: %w", key, ErrConflict)
		}
	case errors.Is(err, fs.ErrNotExist):
		if expectedETag != "" {
			return "", fmt.Errorf("putif %s: missing object: %w", key, ErrConflict)
		}
	default:
		return "", classifyFSError("putif", key, err)
	}

	return l.putLocked(key, data)
}

// Delete removes the object; missing keys are a no-op.
func (l *Local) Delete(_ context.Context, key string) error {
	err := os.Remove(l.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classifyFSError("delete", key, err)
	}
	return nil
}

// List returns sorted keys under prefix.
func (l *Local) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(filepath.Base(path), ".put-") {
			return nil // in-flight temp file
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, classifyFSError("list", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Head returns object metadata.
func (l *Local) Head(_ context.Context, key string) (ObjectInfo, error) {
	data, err := os.ReadFile(l.path(key))
	if err != nil {
		return ObjectInfo{}, classifyFSError("head", key, err)
	}
	return ObjectInfo{Size: int64(len(data)), ETag: localETag(data)}, nil
}

var _ Store = (*Local)(nil)
