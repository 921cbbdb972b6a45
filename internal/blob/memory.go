package blob

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemoryStore is an in-memory blob store for tests and ephemeral setups.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
}

type memoryBlob struct {
	data        []byte
	contentType string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]memoryBlob)}
}

// Put stores the payload under key, replacing any existing blob.
func (s *MemoryStore) Put(_ context.Context, key string, r io.Reader, contentType string) (Info, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	s.blobs[key] = memoryBlob{data: data, contentType: contentType}
	s.mu.Unlock()
	return Info{Key: key, Size: int64(len(data)), ContentType: contentType}, nil
}

// Get returns the stored payload for key.
func (s *MemoryStore) Get(_ context.Context, key string) (Info, io.ReadCloser, error) {
	s.mu.RLock()
	b, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return Info{}, nil, ErrNotFound
	}
	info := Info{Key: key, Size: int64(len(b.data)), ContentType: b.contentType}
	return info, io.NopCloser(bytes.NewReader(b.data)), nil
}

// Delete removes the blob if present, reporting whether it existed.
func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return false, nil
	}
	delete(s.blobs, key)
	return true, nil
}

// Driver reports the memory driver identifier.
func (s *MemoryStore) Driver() Driver { return DriverMemory }

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
