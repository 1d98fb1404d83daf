package kv

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cloudkeep/versionstore/internal/core"
)

// MemoryStore implements core.KVStore with a mutex-guarded map keyed by
// core.CompositeKey. Reference implementation and test backend; data does
// not persist across restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[core.CompositeKey][]byte
	logger *slog.Logger
}

// NewMemoryStore creates an in-memory KV store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		values: make(map[core.CompositeKey][]byte),
		logger: logger,
	}
}

// PutOne implements core.KVStore.
func (m *MemoryStore) PutOne(ctx context.Context, key core.CompositeKey, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), value...)
	m.values[key] = cp
	return nil
}

// GetOne implements core.KVStore.
func (m *MemoryStore) GetOne(ctx context.Context, key core.CompositeKey) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// PutMany implements core.KVStore. Writes are not transactional across
// keys; the contract does not require batch atomicity.
func (m *MemoryStore) PutMany(ctx context.Context, entries map[core.CompositeKey][]byte) error {
	if len(entries) == 0 {
		return core.NewValidationError("empty-batch", "entries must not be empty")
	}
	if len(entries) > core.MaxEntriesPerBatch {
		return core.NewValidationError("batch-too-large",
			fmt.Sprintf("batch of %d entries exceeds the %d-entry ceiling", len(entries), core.MaxEntriesPerBatch))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		m.values[k] = append([]byte(nil), v...)
	}
	return nil
}

// GetMany implements core.KVStore.
func (m *MemoryStore) GetMany(ctx context.Context, keys []core.CompositeKey) (map[core.CompositeKey]core.KVResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[core.CompositeKey]core.KVResult, len(keys))
	for _, k := range keys {
		v, ok := m.values[k]
		if !ok {
			out[k] = core.KVResult{Found: false}
			continue
		}
		out[k] = core.KVResult{Value: append([]byte(nil), v...), Found: true}
	}
	return out, nil
}

// Ping implements core.KVStore.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
