package cache

import (
	"context"
	"errors"
	"sync"
)

// ErrObjectNotFound is returned by object stores for missing keys.
// Use errors.Is for assertions.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the minimal durable key/document surface the durable
// tier needs. The S3 implementation backs production; the memory
// implementation backs tests.
type ObjectStore interface {
	// Get returns the document stored under key, or ErrObjectNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores the document under key, overwriting any previous value.
	Put(ctx context.Context, key string, data []byte) error
}

// MemoryStore is an in-memory ObjectStore for tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// FailPuts makes every Put return an error, for failure-path tests.
	FailPuts error
	// FailGets makes every Get return an error, for failure-path tests.
	FailGets error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Get implements ObjectStore.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailGets != nil {
		return nil, m.FailGets
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Put implements ObjectStore.
func (m *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts != nil {
		return m.FailPuts
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[key] = stored
	return nil
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
