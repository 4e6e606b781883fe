package storage

import (
	"context"
	"sync"

	"github.com/Joett77/ussl/document"
)

// MemoryStorage keeps documents in process memory. It satisfies the
// contract without durability and is the default when no database is
// configured.
type MemoryStorage struct {
	mu        sync.RWMutex
	docs      map[document.ID]memoryEntry
	totalSize int64
}

type memoryEntry struct {
	meta document.Meta
	data []byte
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{docs: make(map[document.ID]memoryEntry)}
}

// Store upserts a document.
func (s *MemoryStorage) Store(ctx context.Context, id document.ID, meta document.Meta, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.docs[id]; ok {
		s.totalSize -= int64(len(old.data))
	}
	s.totalSize += int64(len(buf))
	s.docs[id] = memoryEntry{meta: meta, data: buf}
	return nil
}

// Load returns a stored document or ErrNotFound.
func (s *MemoryStorage) Load(ctx context.Context, id document.ID) (document.Meta, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.docs[id]
	if !ok {
		return document.Meta{}, nil, ErrNotFound
	}
	data := make([]byte, len(entry.data))
	copy(data, entry.data)
	return entry.meta, data, nil
}

// Delete removes a document, reporting whether it existed.
func (s *MemoryStorage) Delete(ctx context.Context, id document.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.docs[id]
	if !ok {
		return false, nil
	}
	s.totalSize -= int64(len(entry.data))
	delete(s.docs, id)
	return true, nil
}

// List returns the IDs matching the pattern.
func (s *MemoryStorage) List(ctx context.Context, pattern string) ([]document.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]document.ID, 0, len(s.docs))
	for id := range s.docs {
		if matches(id, pattern) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Exists reports whether a document is stored.
func (s *MemoryStorage) Exists(ctx context.Context, id document.ID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[id]
	return ok, nil
}

// Stats returns document count and total data size.
func (s *MemoryStorage) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{DocumentCount: len(s.docs), TotalSizeBytes: s.totalSize}, nil
}

// Close releases nothing; it exists to satisfy the contract.
func (s *MemoryStorage) Close() error {
	return nil
}
