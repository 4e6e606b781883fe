package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Joett77/ussl/document"
)

// RedisStorage persists documents in Redis. Each document occupies two
// string keys plus membership in an index set used for listing.
type RedisStorage struct {
	client    *redis.Client
	keyPrefix string
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage connects to the Redis instance described by the URL
// and verifies the connection with a ping.
func NewRedisStorage(ctx context.Context, url, keyPrefix string) (*RedisStorage, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStorage{client: client, keyPrefix: keyPrefix}, nil
}

func (s *RedisStorage) docKey(id document.ID) string {
	return fmt.Sprintf("%s:doc:%s", s.keyPrefix, id)
}

func (s *RedisStorage) metaKey(id document.ID) string {
	return fmt.Sprintf("%s:meta:%s", s.keyPrefix, id)
}

func (s *RedisStorage) indexKey() string {
	return fmt.Sprintf("%s:docs", s.keyPrefix)
}

// Store upserts both keys and the index entry in one transaction.
func (s *RedisStorage) Store(ctx context.Context, id document.ID, meta document.Meta, data []byte) error {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to serialize meta: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.metaKey(id), metaBytes, 0)
		pipe.Set(ctx, s.docKey(id), data, 0)
		pipe.SAdd(ctx, s.indexKey(), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}
	return nil
}

// Load returns a stored document or ErrNotFound.
func (s *RedisStorage) Load(ctx context.Context, id document.ID) (document.Meta, []byte, error) {
	metaBytes, err := s.client.Get(ctx, s.metaKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return document.Meta{}, nil, ErrNotFound
	}
	if err != nil {
		return document.Meta{}, nil, fmt.Errorf("failed to load meta: %w", err)
	}

	data, err := s.client.Get(ctx, s.docKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
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

// Delete removes both keys and the index entry, reporting whether the
// document existed.
func (s *RedisStorage) Delete(ctx context.Context, id document.ID) (bool, error) {
	removed, err := s.client.Del(ctx, s.docKey(id), s.metaKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	if err := s.client.SRem(ctx, s.indexKey(), string(id)).Err(); err != nil {
		return false, fmt.Errorf("failed to update index: %w", err)
	}
	return removed > 0, nil
}

// List returns the IDs matching the pattern.
func (s *RedisStorage) List(ctx context.Context, pattern string) ([]document.ID, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	ids := make([]document.ID, 0, len(members))
	for _, member := range members {
		if matches(document.ID(member), pattern) {
			ids = append(ids, document.ID(member))
		}
	}
	return ids, nil
}

// Exists reports whether a document is present.
func (s *RedisStorage) Exists(ctx context.Context, id document.ID) (bool, error) {
	n, err := s.client.Exists(ctx, s.docKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check document: %w", err)
	}
	return n > 0, nil
}

// Stats returns document count and total blob size.
func (s *RedisStorage) Stats(ctx context.Context) (Stats, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}

	var sizes []*redis.IntCmd
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, member := range members {
			id := document.ID(member)
			sizes = append(sizes, pipe.StrLen(ctx, s.metaKey(id)), pipe.StrLen(ctx, s.docKey(id)))
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}

	stats := Stats{DocumentCount: len(members)}
	for _, size := range sizes {
		stats.TotalSizeBytes += size.Val()
	}
	return stats, nil
}

// Close closes the client connection pool.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
