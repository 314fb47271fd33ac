// Package store persists list records keyed by list id.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/recetteo/listes/pkg/model"
)

// ErrNotFound reports that no record exists for a list id.
var ErrNotFound = errors.New("list not found")

// Store is the persistence collaborator consumed by the sync core.
type Store interface {
	Load(ctx context.Context, listID string) (*model.Record, error)
	Save(ctx context.Context, listID string, record *model.Record) error
}

// SQLStore keeps each record as a JSON document in a lists(id, content)
// table. Placeholder style and upsert syntax follow the driver in use.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

type dialect struct {
	createTable string
	selectOne   string
	upsert      string
}

var dialects = map[string]dialect{
	"sqlite3": {
		createTable: `CREATE TABLE IF NOT EXISTS lists (
		id text not null primary key,
		content text not null
		)`,
		selectOne: `SELECT content FROM lists WHERE id = ?`,
		upsert:    `INSERT INTO lists (id, content) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET content = excluded.content`,
	},
	"postgres": {
		createTable: `CREATE TABLE IF NOT EXISTS lists (
		id text not null primary key,
		content text not null
		)`,
		selectOne: `SELECT content FROM lists WHERE id = $1`,
		upsert:    `INSERT INTO lists (id, content) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET content = excluded.content`,
	},
}

// NewSQLStore wraps db, creating the lists table if needed. driver must be
// "sqlite3" or "postgres".
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if _, err := db.Exec(d.createTable); err != nil {
		return nil, fmt.Errorf("failed to create lists table: %w", err)
	}
	return &SQLStore{db: db, dialect: d}, nil
}

func (s *SQLStore) Load(ctx context.Context, listID string) (*model.Record, error) {
	var content string
	if err := s.db.QueryRowContext(ctx, s.dialect.selectOne, listID).Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query list %q: %w", listID, err)
	}
	var record model.Record
	if err := json.Unmarshal([]byte(content), &record); err != nil {
		return nil, fmt.Errorf("failed to decode list %q: %w", listID, err)
	}
	return &record, nil
}

func (s *SQLStore) Save(ctx context.Context, listID string, record *model.Record) error {
	content, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode list %q: %w", listID, err)
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsert, listID, string(content)); err != nil {
		return fmt.Errorf("failed to save list %q: %w", listID, err)
	}
	return nil
}
