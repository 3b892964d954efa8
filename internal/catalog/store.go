// Package catalog is the relational mirror of the remote libraries: databases,
// artists, albums, items, containers and container_items, stored in a single
// embedded sqlite file.
//
// sqlite allows many concurrent readers but assumes a single writer, so the
// store hands out two kinds of access: plain read queries on the shared
// *sql.DB, and writer transactions serialized under a process-wide mutex.
// A writer transaction commits when the callback returns nil and rolls back
// otherwise, so a failed sync pass never leaves partial rows behind.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps the catalog database.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the catalog database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("catalog: %s: %w", pragma, err)
		}
	}
	log.Printf("catalog: opened database path=%s", path)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is a writer transaction. It is only valid inside the Writer callback.
type Tx struct {
	tx *sql.Tx
}

// Writer runs fn inside an exclusive writer transaction. Writers are
// serialized process-wide; the transaction commits if fn returns nil and
// rolls back otherwise.
func (s *Store) Writer(ctx context.Context, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("catalog: rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit: %w", err)
	}
	return nil
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(query, args...)
}

// Insert runs an INSERT and returns the generated row id.
func (t *Tx) Insert(query string, args ...any) (int64, error) {
	res, err := t.tx.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Query runs a read query inside the transaction.
func (t *Tx) Query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.Query(query, args...)
}

// QueryRow runs a single-row read query inside the transaction.
func (t *Tx) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRow(query, args...)
}

// Query runs a read query on the shared connection. Safe for many concurrent
// callers; never part of a writer transaction.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a single-row read query on the shared connection.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// QueryValue scans the first column of the first row into dest.
func (s *Store) QueryValue(ctx context.Context, dest any, query string, args ...any) error {
	return s.db.QueryRowContext(ctx, query, args...).Scan(dest)
}
