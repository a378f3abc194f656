package memory

import (
	"context"
	"sync"
)

// BlobStore persists one opaque encrypted blob per user. SaveBlob must be
// atomic: after it returns nil the new blob is durable; after it returns an
// error the previous blob is unchanged.
type BlobStore interface {
	LoadBlob(ctx context.Context, userID string) ([]byte, bool, error)
	SaveBlob(ctx context.Context, userID string, blob []byte) error
}

// MemoryBlobStore is a process-local BlobStore for development and tests.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore returns an empty store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) LoadBlob(_ context.Context, userID string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[userID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (s *MemoryBlobStore) SaveBlob(_ context.Context, userID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[userID] = append([]byte(nil), blob...)
	return nil
}
