package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Joett77/ussl/document"
)

// SQLiteStorage is an embedded persistence backend suitable for edge
// deployments and single-node setups.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    meta BLOB NOT NULL,
    data BLOB NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000),
    updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
);

CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at);
`

// NewSQLiteStorage opens or creates a database at the given path. The
// path ":memory:" yields a private in-memory database.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps :memory:
	// databases on one handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Store upserts a document row.
func (s *SQLiteStorage) Store(ctx context.Context, id document.ID, meta document.Meta, data []byte) error {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to serialize meta: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO documents (id, meta, data, updated_at)
        VALUES (?, ?, ?, strftime('%s', 'now') * 1000)
        ON CONFLICT(id) DO UPDATE SET
            meta = excluded.meta,
            data = excluded.data,
            updated_at = excluded.updated_at`,
		string(id), metaBytes, data)
	if err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}
	return nil
}

// Load returns a stored document or ErrNotFound.
func (s *SQLiteStorage) Load(ctx context.Context, id document.ID) (document.Meta, []byte, error) {
	var metaBytes, data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT meta, data FROM documents WHERE id = ?", string(id)).
		Scan(&metaBytes, &data)
	if errors.Is(err, sql.ErrNoRows) {
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

// Delete removes a document row, reporting whether it existed.
func (s *SQLiteStorage) Delete(ctx context.Context, id document.ID) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", string(id))
	if err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	return affected > 0, nil
}

// List returns the IDs matching the pattern, most recently updated
// first.
func (s *SQLiteStorage) List(ctx context.Context, pattern string) ([]document.ID, error) {
	query := "SELECT id FROM documents ORDER BY updated_at DESC"
	args := []any{}

	switch {
	case pattern == "" || pattern == "*":
	case strings.HasSuffix(pattern, "*"):
		query = `SELECT id FROM documents WHERE id LIKE ? ESCAPE '\' ORDER BY updated_at DESC`
		args = append(args, escapeLike(strings.TrimSuffix(pattern, "*"))+"%")
	case strings.HasPrefix(pattern, "*"):
		query = `SELECT id FROM documents WHERE id LIKE ? ESCAPE '\' ORDER BY updated_at DESC`
		args = append(args, "%"+escapeLike(strings.TrimPrefix(pattern, "*")))
	default:
		query = "SELECT id FROM documents WHERE id = ? ORDER BY updated_at DESC"
		args = append(args, pattern)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var ids []document.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}
		ids = append(ids, document.ID(id))
	}
	return ids, rows.Err()
}

// Exists reports whether a document row is present.
func (s *SQLiteStorage) Exists(ctx context.Context, id document.ID) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents WHERE id = ?", string(id)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check document: %w", err)
	}
	return count > 0, nil
}

// Stats returns document count and total blob size.
func (s *SQLiteStorage) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(LENGTH(meta) + LENGTH(data)), 0) FROM documents").
		Scan(&stats.DocumentCount, &stats.TotalSizeBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	return stats, nil
}

// Close closes the database handle.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// escapeLike escapes LIKE wildcards in a literal fragment.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
