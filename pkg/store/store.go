// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store is the local transactional store every mirrored entity
// lives in. It is backed by SQLite. All multi-entity writes happen inside a
// single transaction via [Store.WithTx] so readers never observe a
// half-applied update.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite database.
type Store struct {
	db   *sqlx.DB
	path string
}

// Open opens (creating if necessary) the database under dataDir. An empty
// dataDir opens a private in-memory database, which tests use.
func Open(ctx context.Context, dataDir string) (*Store, error) {
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_pragma=busy_timeout(5000)"
	path := ":memory:"
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		path = filepath.Join(dataDir, "gitmirror.db")
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn on
	// the shared in-memory cache and keeps WAL writers ordered.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Tx is a single store transaction. All entity writes hang off it.
type Tx struct {
	tx *sqlx.Tx
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error. Nested calls are not supported.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("failed to rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ReadTx runs fn for reads. It is the same read-write transaction as
// WithTx; read-only access is not enforced. It shares the Tx type so query
// helpers work in both.
func (s *Store) ReadTx(ctx context.Context, fn func(tx *Tx) error) error {
	return s.WithTx(ctx, fn)
}

// Link records a directional relationship between two entities.
func (t *Tx) Link(ctx context.Context, srcID, rel, dstID string) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO entity_links (src_id, rel, dst_id) VALUES (?, ?, ?)
		 ON CONFLICT (src_id, rel, dst_id) DO NOTHING`,
		srcID, rel, dstID); err != nil {
		return fmt.Errorf("failed to link %s -[%s]-> %s: %w", srcID, rel, dstID, err)
	}
	return nil
}

// Linked returns the destination IDs linked from srcID under rel.
func (t *Tx) Linked(ctx context.Context, srcID, rel string) ([]string, error) {
	var ids []string
	if err := t.tx.SelectContext(ctx, &ids,
		`SELECT dst_id FROM entity_links WHERE src_id = ? AND rel = ? ORDER BY dst_id`,
		srcID, rel); err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	return ids, nil
}

// Delete removes a row by ID from the named table and drops any links that
// reference it.
func (t *Tx) Delete(ctx context.Context, table, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM entity_links WHERE src_id = ? OR dst_id = ?`, id, id); err != nil {
		return fmt.Errorf("failed to delete links for %s: %w", id, err)
	}
	return nil
}

func (t *Tx) get(ctx context.Context, dest any, query string, args ...any) error {
	if err := t.tx.GetContext(ctx, dest, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to query row: %w", err)
	}
	return nil
}

func (t *Tx) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	if err := t.tx.SelectContext(ctx, dest, query, args...); err != nil {
		return fmt.Errorf("failed to query rows: %w", err)
	}
	return nil
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) error {
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to exec: %w", err)
	}
	return nil
}

func (t *Tx) namedExec(ctx context.Context, query string, arg any) error {
	if _, err := t.tx.NamedExecContext(ctx, query, arg); err != nil {
		return fmt.Errorf("failed to exec: %w", err)
	}
	return nil
}

// Count returns the number of rows in the named table.
func (t *Tx) Count(ctx context.Context, table string) (int, error) {
	var n int
	if err := t.tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM `+table); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// inQuery expands an IN (?) placeholder for a slice argument.
func inQuery(query string, arg any) (string, []any, error) {
	q, args, err := sqlx.In(query, arg)
	if err != nil {
		return "", nil, fmt.Errorf("failed to expand query: %w", err)
	}
	return q, args, nil
}
