package gcs

import (
	"context"
	"sync"
)

// MemoryStore is an ObjectStore for local runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

var _ ObjectStore = (*MemoryStore)(nil)

func NewMemoryStore(bucket string) *MemoryStore {
	if bucket == "" {
		bucket = "local"
	}
	return &MemoryStore{bucket: bucket, objects: map[string][]byte{}}
}

func (m *MemoryStore) Put(ctx context.Context, path, _ string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := ObjectRef(m.bucket, path)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (m *MemoryStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[ref]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}
