// Package storage persists Snapshot blobs captured by sandbox.MultiSandboxManager.
// The Store interface is deliberately small: callers never need more than
// save/load/list/delete/exists, and every backend (in-memory, S3-compatible,
// Azure Blob, local SQLite) implements exactly that surface.
package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

// Store persists and retrieves Snapshot records. Implementations must
// return deep copies from Load and List so a caller mutating the returned
// value cannot corrupt the backend's internal state.
type Store interface {
	Save(snapshot types.Snapshot) error
	Load(id string) (*types.Snapshot, error)
	List() ([]types.Snapshot, error)
	Delete(id string) (bool, error)
	Exists(id string) (bool, error)
}

// MemoryStore is an in-process Store backed by a map. It is the default
// backend when no object-store or SQLite configuration is supplied.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string]types.Snapshot
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]types.Snapshot)}
}

// Save inserts or replaces a snapshot by ID.
func (m *MemoryStore) Save(snapshot types.Snapshot) error {
	clone, err := deepClone(snapshot)
	if err != nil {
		return fmt.Errorf("memorystore: save: %w", err)
	}
	m.mu.Lock()
	m.snapshots[snapshot.ID] = *clone
	m.mu.Unlock()
	return nil
}

// Load returns the snapshot for id, or nil if it does not exist.
func (m *MemoryStore) Load(id string) (*types.Snapshot, error) {
	m.mu.Lock()
	snapshot, ok := m.snapshots[id]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	clone, err := deepClone(snapshot)
	if err != nil {
		return nil, fmt.Errorf("memorystore: load: %w", err)
	}
	return clone, nil
}

// List returns all snapshots ordered by Timestamp descending (newest first).
func (m *MemoryStore) List() ([]types.Snapshot, error) {
	m.mu.Lock()
	out := make([]types.Snapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})

	for i := range out {
		clone, err := deepClone(out[i])
		if err != nil {
			return nil, fmt.Errorf("memorystore: list: %w", err)
		}
		out[i] = *clone
	}
	return out, nil
}

// Delete removes a snapshot, reporting whether it existed.
func (m *MemoryStore) Delete(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.snapshots[id]
	delete(m.snapshots, id)
	return existed, nil
}

// Exists reports whether id is present.
func (m *MemoryStore) Exists(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.snapshots[id]
	return ok, nil
}

// deepClone round-trips through JSON so the returned pointer shares no
// backing arrays or maps with the stored value.
func deepClone(s types.Snapshot) (*types.Snapshot, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out types.Snapshot
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
