package storage

import (
	"context"
	"strings"
)

// Open creates a backend from a DSN. Recognized forms:
//
//	memory:               volatile in-process storage
//	redis://host:port/db  Redis
//	mongodb://host:port   MongoDB (also mongodb+srv://)
//	badger://dir          BadgerDB in the given directory
//	anything else         SQLite database file path
func Open(ctx context.Context, dsn string) (Storage, error) {
	switch {
	case dsn == "memory:" || dsn == "memory":
		return NewMemoryStorage(), nil
	case strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://"):
		return NewRedisStorage(ctx, dsn, "ussl")
	case strings.HasPrefix(dsn, "mongodb://") || strings.HasPrefix(dsn, "mongodb+srv://"):
		return NewMongoStorage(ctx, dsn, "ussl")
	case strings.HasPrefix(dsn, "badger://"):
		return NewBadgerStorage(strings.TrimPrefix(dsn, "badger://"))
	default:
		return NewSQLiteStorage(dsn)
	}
}
