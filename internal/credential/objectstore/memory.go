package objectstore

import (
	"bytes"
	"context"
	"sync"
)

// Memory is an in-process store for tests and single-node development.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Put is idempotent for identical bytes.
func (m *Memory) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := PointerFor(data)
	if err != nil {
		return "", err
	}
	key := id.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.objects[key]; ok {
		if !bytes.Equal(existing, data) {
			return "", ErrImmutable
		}
		return key, nil
	}
	m.objects[key] = bytes.Clone(data)
	return key, nil
}

func (m *Memory) Get(ctx context.Context, pointer string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := ParsePointer(pointer)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.objects[id.String()]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if err := check(id, data); err != nil {
		return nil, err
	}
	return bytes.Clone(data), nil
}

// Has reports whether pointer is stored.
func (m *Memory) Has(pointer string) bool {
	id, err := ParsePointer(pointer)
	if err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[id.String()]
	return ok
}
