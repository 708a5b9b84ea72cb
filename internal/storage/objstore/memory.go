package objstore

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"
)

// Memory is an in-memory Store for tests. It supports fault injection so the
// engine's retry and circuit-breaker paths can be exercised without a network.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memObject

	// failNext, when non-nil, is consulted before every operation. Returning
	// a non-nil error aborts the call with that error.
	failNext func(op, key string) error
}

type memObject struct {
	data []byte
	etag string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

// FailWith installs a fault-injection hook. Pass nil to clear.
func (m *Memory) FailWith(fn func(op, key string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = fn
}

func (m *Memory) fault(op, key string) error {
	if m.failNext == nil {
		return nil
	}
	return m.failNext(op, key)
}

func memETag(data []byte) string {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], xxh3.Hash(data))
	return hex.EncodeToString(b[:])
}

// Get returns the object bytes.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("get", key); err != nil {
		return nil, err
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

// Put writes the object unconditionally.
func (m *Memory) Put(_ context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("put", key); err != nil {
		return "", err
	}
	obj := memObject{data: append([]byte(nil), data...), etag: memETag(data)}
	m.objects[key] = obj
	return obj.etag, nil
}

// PutIf writes the object only when the stored ETag matches.
func (m *Memory) PutIf(_ context.Context, key string, data []byte, expectedETag string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("putif", key); err != nil {
		return "", err
	}
	current, exists := m.objects[key]
	if expectedETag == "" {
		if exists {
			return "", fmt.Errorf("putif %s: already exists: %w", key, ErrConflict)
		}
	} else if !exists || current.etag != expectedETag {
		return "", fmt.Errorf("putif %s: etag mismatch: %w", key, ErrConflict)
	}
	obj := memObject{data: append([]byte(nil), data...), etag: memETag(data)}
	m.objects[key] = obj
	return obj.etag, nil
}

// Delete removes the object; missing keys are a no-op.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("delete", key); err != nil {
		return err
	}
	delete(m.objects, key)
	return nil
}

// List returns sorted keys under prefix.
func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("list", prefix); err != nil {
		return nil, err
	}
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Head returns object metadata.
func (m *Memory) Head(_ context.Context, key string) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("head", key); err != nil {
		return ObjectInfo{}, err
	}
	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("head %s: %w", key, ErrNotFound)
	}
	return ObjectInfo{Size: int64(len(obj.data)), ETag: obj.etag}, nil
}

var _ Store = (*Memory)(nil)
