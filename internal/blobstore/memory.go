package blobstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.Mutex
	prefix  string
	objects map[string]Object
}

func (m *memoryStore) Create(_ context.Context, key string, obj Object) error {
	full, err := fullKey(m.prefix, key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[full]; ok {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	obj.Data = append([]byte(nil), obj.Data...)
	obj.Metadata = normalizeMetadata(obj.Metadata)
	obj.Created = time.Now().UTC()
	m.objects[full] = obj
	return nil
}

func (m *memoryStore) Read(_ context.Context, key string) (Object, error) {
	full, err := fullKey(m.prefix, key)
	if err != nil {
		return Object{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[full]
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	obj.Data = append([]byte(nil), obj.Data...)
	obj.Metadata = normalizeMetadata(obj.Metadata)
	return obj, nil
}
