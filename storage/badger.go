package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Joett77/ussl/document"
)

// BadgerStorage is an embedded LSM-tree backend. Documents live under
// two key spaces: meta:<id> and data:<id>.
type BadgerStorage struct {
	db   *badger.DB
	done chan struct{}
}

var _ Storage = (*BadgerStorage)(nil)

const badgerGCInterval = 5 * time.Minute

// NewBadgerStorage opens or creates a database in the given directory.
// An empty directory selects a volatile in-memory database.
func NewBadgerStorage(dir string) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &BadgerStorage{db: db, done: make(chan struct{})}
	go s.runGC()
	return s, nil
}

func metaKey(id document.ID) []byte { return []byte("meta:" + string(id)) }
func dataKey(id document.ID) []byte { return []byte("data:" + string(id)) }

// Store upserts both blobs in one transaction.
func (s *BadgerStorage) Store(ctx context.Context, id document.ID, meta document.Meta, data []byte) error {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to serialize meta: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(metaKey(id), metaBytes); err != nil {
			return err
		}
		return txn.Set(dataKey(id), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}
	return nil
}

// Load returns a stored document or ErrNotFound.
func (s *BadgerStorage) Load(ctx context.Context, id document.ID) (document.Meta, []byte, error) {
	var metaBytes, data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(id))
		if err != nil {
			return err
		}
		if metaBytes, err = item.ValueCopy(nil); err != nil {
			return err
		}
		item, err = txn.Get(dataKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return document.Meta{}, nil, ErrNotFound
	}
	if err != nil {
		return document.Meta{}, nil, fmt.Errorf("failed to load document: %w", err)
	}

	var meta document.Meta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return document.Meta{}, nil, fmt.Errorf("failed to decode meta: %w", err)
	}
	return meta, data, nil
}

// Delete removes both blobs, reporting whether the document existed.
func (s *BadgerStorage) Delete(ctx context.Context, id document.ID) (bool, error) {
	existed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(metaKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		existed = true
		if err := txn.Delete(metaKey(id)); err != nil {
			return err
		}
		return txn.Delete(dataKey(id))
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	return existed, nil
}

// List returns the IDs matching the pattern.
func (s *BadgerStorage) List(ctx context.Context, pattern string) ([]document.ID, error) {
	var ids []document.ID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte("meta:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := document.ID(it.Item().Key()[len(prefix):])
			if matches(id, pattern) {
				ids = append(ids, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return ids, nil
}

// Exists reports whether a document is present.
func (s *BadgerStorage) Exists(ctx context.Context, id document.ID) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(metaKey(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check document: %w", err)
	}
	return true, nil
}

// Stats returns document count and an estimate of total blob size.
func (s *BadgerStorage) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			stats.TotalSizeBytes += item.ValueSize()
			if len(item.Key()) > 5 && string(item.Key()[:5]) == "meta:" {
				stats.DocumentCount++
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	return stats, nil
}

// Close stops value log GC and closes the database.
func (s *BadgerStorage) Close() error {
	close(s.done)
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger: %w", err)
	}
	return nil
}

// runGC reclaims value log space periodically until Close.
func (s *BadgerStorage) runGC() {
	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		case <-s.done:
			return
		}
	}
}
