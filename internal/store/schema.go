package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/relaykit/turnengine/internal/errs"
	"github.com/relaykit/turnengine/pkg/models"
)

func sqlType(k models.FieldKind) (string, error) {
	switch k {
	case models.FieldText, models.FieldJSON:
		return "TEXT", nil
	case models.FieldInteger, models.FieldBool:
		return "INTEGER", nil
	case models.FieldReal:
		return "REAL", nil
	default:
		return "", fmt.Errorf("field kind %q has no column (collection field)", k)
	}
}

func ftsTableName(store string) string          { return "fts_" + store }
func childTableName(store, field string) string { return store + "_" + field }

// CreateStoreIfNotExists declares (or extends) a store's schema. It is
// idempotent: a second call with the same schema is a no-op, and a call
// that only adds new fields accepts them. A call whose schema redeclares
// an existing field with a different kind fails SchemaConflict and
// leaves the store untouched.
func (s *Store) CreateStoreIfNotExists(ctx context.Context, name string, schema models.Schema) error {
	if !validIdent(name) {
		return errs.New(errs.Validation, "store.CreateStoreIfNotExists", fmt.Errorf("invalid store name %q", name))
	}
	for field, kind := range schema {
		if !validIdent(field) {
			return errs.New(errs.Validation, "store.CreateStoreIfNotExists", fmt.Errorf("invalid field name %q", field))
		}
		switch kind {
		case models.FieldText, models.FieldInteger, models.FieldReal, models.FieldBool, models.FieldJSON, models.FieldJSONCollection:
		default:
			return errs.New(errs.Validation, "store.CreateStoreIfNotExists", fmt.Errorf("unknown field kind %q for %q", kind, field))
		}
	}

	s.mu.RLock()
	existing := s.schemas[name]
	s.mu.RUnlock()

	toAdd := models.Schema{}
	for field, kind := range schema {
		if existingKind, ok := existing[field]; ok {
			if existingKind != kind {
				return errs.New(errs.SchemaConflict, "store.CreateStoreIfNotExists",
					fmt.Errorf("field %q declared as %q, already %q", field, kind, existingKind))
			}
			continue
		}
		toAdd[field] = kind
	}

	tableExists, err := s.tableExists(ctx, name)
	if err != nil {
		return err
	}

	err = s.withWriteTx(ctx, func(tx *sql.Tx) error {
		if !tableExists {
			if err := s.createStoreTable(ctx, tx, name, schema); err != nil {
				return err
			}
			if err := s.createFTSTable(ctx, tx, name, schema); err != nil {
				return err
			}
		} else if len(toAdd) > 0 {
			if err := s.extendStoreTable(ctx, tx, name, toAdd); err != nil {
				return err
			}
		}
		for field, kind := range toAdd {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`INSERT INTO %s (store_name, field_name, kind) VALUES (?, ?, ?)`, schemaFieldsTable),
				name, field, string(kind)); err != nil {
				return errs.New(errs.Upstream, "store.CreateStoreIfNotExists", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.schemas[name] == nil {
		s.schemas[name] = models.Schema{}
	}
	for field, kind := range toAdd {
		s.schemas[name][field] = kind
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.reader.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	if err != nil {
		return false, errs.New(errs.Upstream, "store.tableExists", err)
	}
	return n > 0, nil
}

func (s *Store) createStoreTable(ctx context.Context, tx *sql.Tx, name string, schema models.Schema) error {
	cols := []string{
		"id TEXT PRIMARY KEY",
		"user_id TEXT NOT NULL",
		"created_at TEXT NOT NULL",
	}
	var collectionFields []string
	for _, field := range sortedFields(schema) {
		kind := schema[field]
		if kind == models.FieldJSONCollection {
			collectionFields = append(collectionFields, field)
			continue
		}
		t, err := sqlType(kind)
		if err != nil {
			return errs.New(errs.Validation, "store.createStoreTable", err)
		}
		cols = append(cols, fmt.Sprintf("%s %s", field, t))
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", name, strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return errs.New(errs.Upstream, "store.createStoreTable", err)
	}
	idx := fmt.Sprintf("CREATE INDEX idx_%s_user_id ON %s(user_id)", name, name)
	if _, err := tx.ExecContext(ctx, idx); err != nil {
		return errs.New(errs.Upstream, "store.createStoreTable", err)
	}
	for _, field := range collectionFields {
		if err := s.createChildTable(ctx, tx, name, field); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) createChildTable(ctx context.Context, tx *sql.Tx, store, field string) error {
	child := childTableName(store, field)
	ddl := fmt.Sprintf(`CREATE TABLE %s (
		record_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
		order_index INTEGER NOT NULL,
		value_json TEXT NOT NULL,
		PRIMARY KEY (record_id, order_index)
	)`, child, store)
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return errs.New(errs.Upstream, "store.createChildTable", err)
	}
	return nil
}

func (s *Store) extendStoreTable(ctx context.Context, tx *sql.Tx, name string, toAdd models.Schema) error {
	for _, field := range sortedFields(toAdd) {
		kind := toAdd[field]
		if kind == models.FieldJSONCollection {
			if err := s.createChildTable(ctx, tx, name, field); err != nil {
				return err
			}
			continue
		}
		t, err := sqlType(kind)
		if err != nil {
			return errs.New(errs.Validation, "store.extendStoreTable", err)
		}
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", name, field, t)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return errs.New(errs.Upstream, "store.extendStoreTable", err)
		}
	}
	// Newly-added indexable fields are not backfilled into the FTS table:
	// FTS5 virtual tables cannot gain a content column after creation
	// without a full rebuild, and migrations beyond additive columns are
	// unsupported. New rows populate FTS going forward; pre-existing rows
	// are unaffected until rewritten.
	return nil
}

func sortedFields(schema models.Schema) []string {
	fields := make([]string, 0, len(schema))
	for f := range schema {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
