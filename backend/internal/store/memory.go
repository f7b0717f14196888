package store

import (
	"context"
	"sync"

	"github.com/fyfrey/AppFlowy-Cloud/backend/internal/collab"
)

// MemorySnapshotStore keeps snapshots in process memory. Used when no
// mysql dsn is configured (single-node dev) and by tests.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{blobs: make(map[string][]byte)}
}

func (s *MemorySnapshotStore) Get(ctx context.Context, objectID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[objectID]
	if !ok {
		return nil, collab.ErrRecordNotFound
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (s *MemorySnapshotStore) Put(ctx context.Context, objectID string, snapshot []byte) error {
	blob := make([]byte, len(snapshot))
	copy(blob, snapshot)
	s.mu.Lock()
	s.blobs[objectID] = blob
	s.mu.Unlock()
	return nil
}
