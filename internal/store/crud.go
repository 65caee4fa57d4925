package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/turnengine/internal/errs"
	"github.com/relaykit/turnengine/pkg/models"
)

func (s *Store) schemaFor(name string) (models.Schema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schemas[name]
	return sc, ok
}

func scalarColumns(schema models.Schema) []string {
	var out []string
	for _, f := range sortedFields(schema) {
		if schema[f] != models.FieldJSONCollection {
			out = append(out, f)
		}
	}
	return out
}

func collectionColumns(schema models.Schema) []string {
	var out []string
	for _, f := range sortedFields(schema) {
		if schema[f] == models.FieldJSONCollection {
			out = append(out, f)
		}
	}
	return out
}

// Add inserts a new record (or the caller-supplied recordID), stamping
// user_id and created_at, and writes the parent FTS row in the same
// transaction.
func (s *Store) Add(ctx context.Context, userID, name string, data map[string]any, recordID string) (string, error) {
	schema, ok := s.schemaFor(name)
	if !ok {
		return "", errs.New(errs.NotFound, "store.Add", fmt.Errorf("store %q not declared", name))
	}
	for field, kind := range schema {
		if kind == models.FieldJSONCollection {
			continue
		}
		if _, required := data[field]; !required {
			continue
		}
		if err := checkKind(kind, data[field]); err != nil {
			return "", errs.New(errs.Validation, "store.Add", fmt.Errorf("field %q: %w", field, err))
		}
	}

	id := recordID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := nowUTC()

	cols := []string{"id", "user_id", "created_at"}
	vals := []any{id, userID, createdAt.Format(time.RFC3339Nano)}
	for _, f := range scalarColumns(schema) {
		v, ok := data[f]
		if !ok {
			continue
		}
		cols = append(cols, f)
		vals = append(vals, coerceForStorage(schema[f], v))
	}
	placeholders := make([]string, len(vals))
	for i := range placeholders {
		placeholders[i] = "?"
	}

	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		ddl := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, name, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, ddl, vals...); err != nil {
			return errs.New(errs.Upstream, "store.Add", err)
		}
		return s.upsertParentFTS(ctx, tx, name, schema, userID, id, data)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func checkKind(kind models.FieldKind, v any) error {
	if v == nil {
		return nil
	}
	switch kind {
	case models.FieldText:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected text")
		}
	case models.FieldInteger:
		switch v.(type) {
		case int, int64, float64:
		default:
			return fmt.Errorf("expected integer")
		}
	case models.FieldReal:
		switch v.(type) {
		case float64, float32, int:
		default:
			return fmt.Errorf("expected real")
		}
	case models.FieldBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected bool")
		}
	case models.FieldJSON:
		// any JSON-marshalable value is acceptable
	}
	return nil
}

func coerceForStorage(kind models.FieldKind, v any) any {
	switch kind {
	case models.FieldBool:
		if b, ok := v.(bool); ok {
			if b {
				return 1
			}
			return 0
		}
		return v
	case models.FieldJSON:
		if _, isStr := v.(string); isStr {
			return v
		}
		b, _ := json.Marshal(v)
		return string(b)
	default:
		return v
	}
}

func decodeFromStorage(kind models.FieldKind, v any) any {
	switch kind {
	case models.FieldBool:
		switch tv := v.(type) {
		case int64:
			return tv != 0
		}
		return v
	case models.FieldJSON:
		if b, ok := v.(string); ok {
			var decoded any
			if err := json.Unmarshal([]byte(b), &decoded); err == nil {
				return decoded
			}
		}
		return v
	default:
		return v
	}
}

// Get returns one record scoped to userID, or nil if absent; absence is
// not an error for reads.
func (s *Store) Get(ctx context.Context, userID, name, id string, loadCollections bool) (*models.Record, error) {
	schema, ok := s.schemaFor(name)
	if !ok {
		return nil, errs.New(errs.NotFound, "store.Get", fmt.Errorf("store %q not declared", name))
	}
	scalars := scalarColumns(schema)
	cols := append([]string{"id", "user_id", "created_at"}, scalars...)
	row := s.reader.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ? AND user_id = ?`, strings.Join(cols, ", "), name),
		id, userID)

	dest := make([]any, len(cols))
	for i := range dest {
		dest[i] = new(any)
	}
	if err := row.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.New(errs.Upstream, "store.Get", err)
	}

	rec := &models.Record{
		ID:     (*(dest[0].(*any))).(string),
		UserID: (*(dest[1].(*any))).(string),
		Fields: map[string]any{},
	}
	if ts, ok := (*(dest[2].(*any))).(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.CreatedAt = t
		}
	}
	for i, f := range scalars {
		rec.Fields[f] = decodeFromStorage(schema[f], *(dest[3+i].(*any)))
	}

	if loadCollections {
		for _, f := range collectionColumns(schema) {
			items, err := s.CollectionGet(ctx, userID, name, id, f, 0, 0)
			if err != nil {
				return nil, err
			}
			rec.Fields[f] = items
		}
	}
	return rec, nil
}

// Update mutates non-collection fields atomically and re-syncs only the
// parent FTS row; collection-item FTS rows are left untouched.
func (s *Store) Update(ctx context.Context, userID, name, id string, updates map[string]any, partial bool) error {
	schema, ok := s.schemaFor(name)
	if !ok {
		return errs.New(errs.NotFound, "store.Update", fmt.Errorf("store %q not declared", name))
	}
	for field, v := range updates {
		kind, declared := schema[field]
		if !declared || kind == models.FieldJSONCollection {
			return errs.New(errs.Validation, "store.Update", fmt.Errorf("field %q is not an updatable field", field))
		}
		if err := checkKind(kind, v); err != nil {
			return errs.New(errs.Validation, "store.Update", fmt.Errorf("field %q: %w", field, err))
		}
	}

	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.Get(ctx, userID, name, id, false)
		if err != nil {
			return err
		}
		if existing == nil {
			return errs.New(errs.NotFound, "store.Update", fmt.Errorf("record %q", id))
		}

		sets := make([]string, 0, len(updates))
		vals := make([]any, 0, len(updates)+2)
		for _, f := range sortedFields(schema) {
			v, touched := updates[f]
			if !touched {
				continue
			}
			sets = append(sets, f+" = ?")
			vals = append(vals, coerceForStorage(schema[f], v))
		}
		if len(sets) > 0 {
			vals = append(vals, id, userID)
			ddl := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ? AND user_id = ?`, name, strings.Join(sets, ", "))
			if _, err := tx.ExecContext(ctx, ddl, vals...); err != nil {
				return errs.New(errs.Upstream, "store.Update", err)
			}
		}

		merged := make(map[string]any, len(existing.Fields)+len(updates))
		for k, v := range existing.Fields {
			merged[k] = v
		}
		for k, v := range updates {
			merged[k] = v
		}
		return s.upsertParentFTS(ctx, tx, name, schema, userID, id, merged)
	})
}

// Delete removes a record (cascading child tables via SQLite's ON DELETE
// CASCADE) and all of its FTS rows, parent and collection alike.
func (s *Store) Delete(ctx context.Context, userID, name, id string) error {
	if _, ok := s.schemaFor(name); !ok {
		return errs.New(errs.NotFound, "store.Delete", fmt.Errorf("store %q not declared", name))
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND user_id = ?`, name), id, userID)
		if err != nil {
			return errs.New(errs.Upstream, "store.Delete", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return s.deleteAllFTS(ctx, tx, name, userID, id)
	})
}

// Find returns records matching the AND-combined filters, always scoped
// to userID.
func (s *Store) Find(ctx context.Context, userID, name string, filters []models.Filter, opts models.FindOptions) ([]models.Record, error) {
	schema, ok := s.schemaFor(name)
	if !ok {
		return nil, errs.New(errs.NotFound, "store.Find", fmt.Errorf("store %q not declared", name))
	}
	where, args, err := buildWhere(schema, userID, filters)
	if err != nil {
		return nil, err
	}
	order := ""
	if opts.OrderBy != "" {
		if _, ok := schema[opts.OrderBy]; !ok && opts.OrderBy != "created_at" && opts.OrderBy != "id" {
			return nil, errs.New(errs.Validation, "store.Find", fmt.Errorf("unknown order_by field %q", opts.OrderBy))
		}
		dir := "ASC"
		if opts.OrderDesc {
			dir = "DESC"
		}
		order = fmt.Sprintf(" ORDER BY %s %s", opts.OrderBy, dir)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	scalars := scalarColumns(schema)
	cols := append([]string{"id", "user_id", "created_at"}, scalars...)
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s%s LIMIT ? OFFSET ?`, strings.Join(cols, ", "), name, where, order)
	args = append(args, limit, opts.Offset)

	rows, err := s.reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.New(errs.Upstream, "store.Find", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		dest := make([]any, len(cols))
		for i := range dest {
			dest[i] = new(any)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, errs.New(errs.Upstream, "store.Find", err)
		}
		rec := models.Record{
			ID:     (*(dest[0].(*any))).(string),
			UserID: (*(dest[1].(*any))).(string),
			Fields: map[string]any{},
		}
		if ts, ok := (*(dest[2].(*any))).(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				rec.CreatedAt = t
			}
		}
		for i, f := range scalars {
			rec.Fields[f] = decodeFromStorage(schema[f], *(dest[3+i].(*any)))
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count mirrors Find's filter discipline without materializing records.
func (s *Store) Count(ctx context.Context, userID, name string, filters []models.Filter) (int64, error) {
	schema, ok := s.schemaFor(name)
	if !ok {
		return 0, errs.New(errs.NotFound, "store.Count", fmt.Errorf("store %q not declared", name))
	}
	where, args, err := buildWhere(schema, userID, filters)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.reader.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s`, name, where), args...).Scan(&n)
	if err != nil {
		return 0, errs.New(errs.Upstream, "store.Count", err)
	}
	return n, nil
}

func buildWhere(schema models.Schema, userID string, filters []models.Filter) (string, []any, error) {
	clauses := []string{"user_id = ?"}
	args := []any{userID}
	for _, f := range filters {
		kind, ok := schema[f.Field]
		if !ok || kind == models.FieldJSONCollection {
			return "", nil, errs.New(errs.Validation, "store.buildWhere", fmt.Errorf("unknown filter field %q", f.Field))
		}
		switch f.Op {
		case models.OpEquals:
			clauses = append(clauses, f.Field+" = ?")
			args = append(args, coerceForStorage(kind, f.Value))
		case models.OpLike:
			clauses = append(clauses, f.Field+" LIKE ?")
			args = append(args, f.Value)
		case models.OpContains:
			clauses = append(clauses, f.Field+" LIKE ?")
			needle, _ := f.Value.(string)
			args = append(args, "%\""+needle+"\"%")
		default:
			return "", nil, errs.New(errs.Validation, "store.buildWhere", fmt.Errorf("unknown filter op %q", f.Op))
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}
