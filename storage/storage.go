// Package storage provides pluggable persistence backends for documents.
// Every backend stores the same layout per document: the JSON-encoded
// meta and the opaque CRDT state blob, keyed by document ID.
package storage

import (
	"context"
	"errors"

	"github.com/Joett77/ussl/document"
)

// ErrNotFound is returned by Load when no document is stored under the
// given ID.
var ErrNotFound = errors.New("document not found")

// Stats describes the persisted data set.
type Stats struct {
	DocumentCount  int   `json:"document_count"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}

// Storage is the persistence contract. Store upserts meta and data
// atomically. List accepts the same glob patterns as the document
// registry; the empty pattern matches everything.
type Storage interface {
	Store(ctx context.Context, id document.ID, meta document.Meta, data []byte) error
	Load(ctx context.Context, id document.ID) (document.Meta, []byte, error)
	Delete(ctx context.Context, id document.ID) (bool, error)
	List(ctx context.Context, pattern string) ([]document.ID, error)
	Exists(ctx context.Context, id document.ID) (bool, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// matches applies the shared glob rules, with the empty pattern
// matching every ID.
func matches(id document.ID, pattern string) bool {
	return pattern == "" || document.MatchPattern(string(id), pattern)
}
