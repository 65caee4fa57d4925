package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaykit/turnengine/internal/errs"
	"github.com/relaykit/turnengine/pkg/models"
)

// indexableFields returns the schema fields that get an FTS content
// column, in a stable order used consistently for both DDL and DML.
func indexableFields(schema models.Schema) []string {
	var out []string
	for _, f := range sortedFields(schema) {
		if schema[f].Indexable() {
			out = append(out, f)
		}
	}
	return out
}

func (s *Store) createFTSTable(ctx context.Context, tx *sql.Tx, name string, schema models.Schema) error {
	cols := []string{"user_id UNINDEXED", "parent_id UNINDEXED", "child_id UNINDEXED"}
	cols = append(cols, indexableFields(schema)...)
	ddl := fmt.Sprintf(`CREATE VIRTUAL TABLE %s USING fts5(%s, tokenize='porter unicode61')`,
		ftsTableName(name), strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return errs.New(errs.Upstream, "store.createFTSTable", err)
	}
	return nil
}

// ftsContent renders a record's indexable fields into one value per FTS
// content column, in schema-sorted order to match createFTSTable's DDL.
func ftsContent(schema models.Schema, data map[string]any) []any {
	var vals []any
	for _, f := range indexableFields(schema) {
		v, ok := data[f]
		if !ok {
			vals = append(vals, "")
			continue
		}
		switch tv := v.(type) {
		case string:
			vals = append(vals, tv)
		default:
			b, _ := json.Marshal(tv)
			vals = append(vals, string(b))
		}
	}
	return vals
}

// upsertParentFTS deletes then reinserts the parent row (child_id="") for
// a record, used by both Add and Update so the FTS index matches the
// record's current content after the transaction commits.
func (s *Store) upsertParentFTS(ctx context.Context, tx *sql.Tx, store string, schema models.Schema, userID, recordID string, data map[string]any) error {
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE parent_id = ? AND child_id = '' AND user_id = ?`, ftsTableName(store)),
		recordID, userID); err != nil {
		return errs.New(errs.Upstream, "store.upsertParentFTS", err)
	}
	fields := indexableFields(schema)
	if len(fields) == 0 {
		return nil
	}
	placeholders := make([]string, 0, 3+len(fields))
	for i := 0; i < 3+len(fields); i++ {
		placeholders = append(placeholders, "?")
	}
	args := []any{userID, recordID, ""}
	args = append(args, ftsContent(schema, data)...)
	ddl := fmt.Sprintf(`INSERT INTO %s (user_id, parent_id, child_id, %s) VALUES (%s)`,
		ftsTableName(store), strings.Join(fields, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, ddl, args...); err != nil {
		return errs.New(errs.Upstream, "store.upsertParentFTS", err)
	}
	return nil
}

func (s *Store) deleteAllFTS(ctx context.Context, tx *sql.Tx, store, userID, recordID string) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE parent_id = ? AND user_id = ?`, ftsTableName(store)),
		recordID, userID)
	if err != nil {
		return errs.New(errs.Upstream, "store.deleteAllFTS", err)
	}
	return nil
}

// insertCollectionFTS adds the one FTS row for an appended collection
// item. child_id disambiguates multiple items under the same field.
func (s *Store) insertCollectionFTS(ctx context.Context, tx *sql.Tx, store string, schema models.Schema, userID, recordID, field, childID string, value json.RawMessage) error {
	fields := indexableFields(schema)
	if len(fields) == 0 {
		return nil
	}
	// Only the collection field itself carries content for this row; the
	// other indexable columns stay empty so the match is attributed to
	// the field that actually changed.
	rendered := ftsContent(schema, map[string]any{field: string(value)})
	args := []any{userID, recordID, field + "_" + childID}
	args = append(args, rendered...)
	placeholders := make([]string, len(args))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	ddl := fmt.Sprintf(`INSERT INTO %s (user_id, parent_id, child_id, %s) VALUES (%s)`,
		ftsTableName(store), strings.Join(fields, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, ddl, args...); err != nil {
		return errs.New(errs.Upstream, "store.insertCollectionFTS", err)
	}
	return nil
}

// FullTextSearch runs the two-phase match-then-fetch query: (a) match
// distinct parent ids ranked by FTS rank, (b) fetch those full records
// scoped to the same user, preserving the rank-derived order.
func (s *Store) FullTextSearch(ctx context.Context, userID, name, query string, limit, offset int) ([]models.Record, error) {
	if !validIdent(name) {
		return nil, errs.New(errs.Validation, "store.FullTextSearch", fmt.Errorf("invalid store name %q", name))
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.reader.QueryContext(ctx,
		fmt.Sprintf(`SELECT DISTINCT parent_id FROM %s WHERE %s MATCH ? AND user_id = ? ORDER BY rank LIMIT ? OFFSET ?`,
			ftsTableName(name), ftsTableName(name)),
		query, userID, limit, offset)
	if err != nil {
		return nil, errs.New(errs.Upstream, "store.FullTextSearch", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errs.New(errs.Upstream, "store.FullTextSearch", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.Upstream, "store.FullTextSearch", err)
	}

	// Fetch in rank order; a plain `id IN (...)` loses ordering, so fetch
	// one at a time (result sets here are bounded by limit, not records).
	out := make([]models.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, userID, name, id, false)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}
