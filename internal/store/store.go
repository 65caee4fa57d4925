// Package store implements the multi-tenant tabular record store: a
// schema-declared parent table per store name, append-only collection
// child tables, and a per-store FTS5 full-text index, all under a
// single-writer/multi-reader SQLite discipline.
//
// Every public operation takes a user id as its first argument and every
// predicate this package builds is AND-combined with user_id = ?, so that
// no read or write can cross a tenant boundary (see Store.Find/Get/etc).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/relaykit/turnengine/internal/errs"
	"github.com/relaykit/turnengine/internal/retry"
	"github.com/relaykit/turnengine/pkg/models"
)

// Config controls how a Store opens its backing SQLite database and
// tunes its busy-retry discipline.
type Config struct {
	// Path is the SQLite DSN. Use "file::memory:?cache=shared" for tests.
	Path string
	// BusyRetry configures the backoff used when the writer connection
	// hits SQLITE_BUSY. Zero value uses retry.DefaultConfig().
	BusyRetry retry.Config
}

// Store is the multi-tenant tabular record store. It holds one writer
// connection (pooled to size 1, so writes serialize
// in-process before ever touching SQLite's own lock) and one reader pool.
type Store struct {
	writer *sql.DB
	reader *sql.DB

	busyRetry retry.Config

	mu      sync.RWMutex
	schemas map[string]models.Schema // in-memory cache of declared schemas
}

// withImmediateTxLock appends the mattn/go-sqlite3 DSN parameter that
// makes every BeginTx on this connection issue BEGIN IMMEDIATE instead of
// the driver's default DEFERRED, so contention is detected at transaction
// start rather than at the first write inside it.
func withImmediateTxLock(dsn string) string {
	sep := "?"
	if regexp.MustCompile(`\?`).MatchString(dsn) {
		sep = "&"
	}
	return dsn + sep + "_txlock=immediate"
}

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validIdent reports whether s is safe to interpolate as a SQL identifier
// (store/field names are never parameterizable in SQLite DDL/DML, so this
// allowlist check is what stands between a store name and SQL injection).
func validIdent(s string) bool {
	return s != "" && len(s) <= 128 && identRe.MatchString(s)
}

// Open opens (creating if needed) the SQLite database at cfg.Path and
// prepares the system schema-tracking table.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errs.New(errs.Validation, "store.Open", fmt.Errorf("path is required"))
	}
	busyRetry := cfg.BusyRetry
	if busyRetry.MaxAttempts == 0 {
		busyRetry = retry.DefaultConfig()
	}

	writer, err := sql.Open("sqlite3", withImmediateTxLock(cfg.Path))
	if err != nil {
		return nil, errs.New(errs.Upstream, "store.Open", err)
	}
	writer.SetMaxOpenConns(1) // single writer: serialize in-process before SQLITE_BUSY ever fires
	writer.SetMaxIdleConns(1)

	reader, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		writer.Close()
		return nil, errs.New(errs.Upstream, "store.Open", err)
	}
	reader.SetMaxOpenConns(4)

	s := &Store{
		writer:    writer,
		reader:    reader,
		busyRetry: busyRetry,
		schemas:   make(map[string]models.Schema),
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=0"} {
		if _, err := writer.ExecContext(ctx, pragma); err != nil {
			s.Close()
			return nil, errs.New(errs.Upstream, "store.Open", err)
		}
		if _, err := reader.ExecContext(ctx, pragma); err != nil {
			s.Close()
			return nil, errs.New(errs.Upstream, "store.Open", err)
		}
	}

	if err := s.ensureSystemTables(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.loadSchemaCache(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases both connections.
func (s *Store) Close() error {
	var firstErr error
	if err := s.writer.Close(); err != nil {
		firstErr = err
	}
	if err := s.reader.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

const schemaFieldsTable = "__schema_fields"

func (s *Store) ensureSystemTables(ctx context.Context) error {
	_, err := s.writer.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			store_name TEXT NOT NULL,
			field_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			PRIMARY KEY (store_name, field_name)
		)`, schemaFieldsTable))
	if err != nil {
		return errs.New(errs.Upstream, "store.ensureSystemTables", err)
	}
	return nil
}

func (s *Store) loadSchemaCache(ctx context.Context) error {
	rows, err := s.reader.QueryContext(ctx, fmt.Sprintf(
		`SELECT store_name, field_name, kind FROM %s`, schemaFieldsTable))
	if err != nil {
		return errs.New(errs.Upstream, "store.loadSchemaCache", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var storeName, field, kind string
		if err := rows.Scan(&storeName, &field, &kind); err != nil {
			return errs.New(errs.Upstream, "store.loadSchemaCache", err)
		}
		sc, ok := s.schemas[storeName]
		if !ok {
			sc = models.Schema{}
			s.schemas[storeName] = sc
		}
		sc[field] = models.FieldKind(kind)
	}
	return rows.Err()
}

// withWriteTx begins a transaction eagerly (BEGIN IMMEDIATE), taking the
// write lock up front rather than deferring to the first write statement,
// and retries the whole attempt while it fails with SQLITE_BUSY. Any
// structural error from fn passes through unretried and unchanged.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	err := retry.Do(ctx, s.busyRetry, func() error {
		// The writer DSN carries _txlock=immediate, so BeginTx already
		// issues BEGIN IMMEDIATE: the write lock is taken here, not
		// deferred to the first write statement inside fn.
		tx, err := s.writer.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if retry.IsBusy(err) {
			return errs.New(errs.Busy, "store.withWriteTx", err)
		}
		return err
	}
	return nil
}

func nowUTC() time.Time { return time.Now().UTC() }
