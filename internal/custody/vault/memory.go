package vault

import (
	"context"
	"maps"
	"slices"
	"sync"

	"certify/internal/credential/commitment"
)

// Memory is an in-process vault for tests and single-node development.
type Memory struct {
	mu     sync.RWMutex
	sealed map[string]Sealed
	byCred map[string][]string
}

func NewMemory() *Memory {
	return &Memory{sealed: make(map[string]Sealed), byCred: make(map[string][]string)}
}

func (m *Memory) Seal(ctx context.Context, issuerID, credentialID string, blindings commitment.Blindings) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s, err := seal(issuerID, credentialID, blindings)
	if err != nil {
		return "", err
	}
	handle := newHandle()
	key := indexKey(issuerID, credentialID)
	m.mu.Lock()
	m.sealed[handle] = s
	m.byCred[key] = append(m.byCred[key], handle)
	m.mu.Unlock()
	return handle, nil
}

func (m *Memory) Open(ctx context.Context, handle string) (commitment.Blindings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkHandle(handle); err != nil {
		return nil, err
	}
	m.mu.RLock()
	s, ok := m.sealed[handle]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	s.Blindings = maps.Clone(s.Blindings)
	return open(s)
}

func (m *Memory) Handles(ctx context.Context, issuerID, credentialID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.byCred[indexKey(issuerID, credentialID)]), nil
}

func (m *Memory) Discard(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkHandle(handle); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sealed[handle]
	if !ok {
		return nil
	}
	delete(m.sealed, handle)
	key := indexKey(s.IssuerID, s.CredentialID)
	m.byCred[key] = slices.DeleteFunc(m.byCred[key], func(h string) bool { return h == handle })
	if len(m.byCred[key]) == 0 {
		delete(m.byCred, key)
	}
	return nil
}
