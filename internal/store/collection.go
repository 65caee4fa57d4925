package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/relaykit/turnengine/internal/errs"
	"github.com/relaykit/turnengine/pkg/models"
)

// CollectionAppend adds one item to an append-only json_collection field.
// order_index is assigned server-side as 1 + the current max for this
// record/field, inside the same transaction as the insert, so concurrent
// appends to the same record serialize through the writer and never
// collide. The parent row itself is never rewritten for an append.
func (s *Store) CollectionAppend(ctx context.Context, userID, name, recordID, field string, value json.RawMessage) (int64, error) {
	schema, ok := s.schemaFor(name)
	if !ok {
		return 0, errs.New(errs.NotFound, "store.CollectionAppend", fmt.Errorf("store %q not declared", name))
	}
	if kind, declared := schema[field]; !declared || kind != models.FieldJSONCollection {
		return 0, errs.New(errs.Validation, "store.CollectionAppend", fmt.Errorf("field %q is not a collection field", field))
	}

	var nextIndex int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE id = ? AND user_id = ?`, name), recordID, userID).Scan(&owner)
		if err == sql.ErrNoRows {
			return errs.New(errs.NotFound, "store.CollectionAppend", fmt.Errorf("record %q", recordID))
		}
		if err != nil {
			return errs.New(errs.Upstream, "store.CollectionAppend", err)
		}

		child := childTableName(name, field)
		var maxIdx sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT max(order_index) FROM %s WHERE record_id = ?`, child), recordID).Scan(&maxIdx); err != nil {
			return errs.New(errs.Upstream, "store.CollectionAppend", err)
		}
		nextIndex = 1
		if maxIdx.Valid {
			nextIndex = maxIdx.Int64 + 1
		}

		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (record_id, order_index, value_json) VALUES (?, ?, ?)`, child),
			recordID, nextIndex, string(value)); err != nil {
			return errs.New(errs.Upstream, "store.CollectionAppend", err)
		}

		childID := fmt.Sprintf("%d", nextIndex)
		return s.insertCollectionFTS(ctx, tx, name, schema, userID, recordID, field, childID, value)
	})
	if err != nil {
		return 0, err
	}
	return nextIndex, nil
}

// CollectionGet returns a page of a collection field's items, ordered by
// order_index ascending (append order). limit<=0 means unbounded.
func (s *Store) CollectionGet(ctx context.Context, userID, name, recordID, field string, limit, offset int) ([]models.CollectionItem, error) {
	schema, ok := s.schemaFor(name)
	if !ok {
		return nil, errs.New(errs.NotFound, "store.CollectionGet", fmt.Errorf("store %q not declared", name))
	}
	if kind, declared := schema[field]; !declared || kind != models.FieldJSONCollection {
		return nil, errs.New(errs.Validation, "store.CollectionGet", fmt.Errorf("field %q is not a collection field", field))
	}

	var owned bool
	if err := s.reader.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) > 0 FROM %s WHERE id = ? AND user_id = ?`, name), recordID, userID).Scan(&owned); err != nil {
		return nil, errs.New(errs.Upstream, "store.CollectionGet", err)
	}
	if !owned {
		return nil, errs.New(errs.NotFound, "store.CollectionGet", fmt.Errorf("record %q", recordID))
	}

	child := childTableName(name, field)
	q := fmt.Sprintf(`SELECT order_index, value_json FROM %s WHERE record_id = ? ORDER BY order_index ASC`, child)
	args := []any{recordID}
	if limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.New(errs.Upstream, "store.CollectionGet", err)
	}
	defer rows.Close()

	var out []models.CollectionItem
	for rows.Next() {
		var item models.CollectionItem
		var raw string
		if err := rows.Scan(&item.OrderIndex, &raw); err != nil {
			return nil, errs.New(errs.Upstream, "store.CollectionGet", err)
		}
		item.RecordID = recordID
		item.Field = field
		item.Value = json.RawMessage(raw)
		out = append(out, item)
	}
	return out, rows.Err()
}
