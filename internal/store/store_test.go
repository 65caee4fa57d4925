package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/relaykit/turnengine/internal/errs"
	"github.com/relaykit/turnengine/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := Open(context.Background(), Config{Path: dsn})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateStoreIfNotExistsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	schema := models.Schema{"title": models.FieldText, "tags": models.FieldJSONCollection}

	if err := s.CreateStoreIfNotExists(ctx, "notes", schema); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.CreateStoreIfNotExists(ctx, "notes", schema); err != nil {
		t.Fatalf("second create should be a no-op: %v", err)
	}
}

func TestCreateStoreIfNotExistsSchemaConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateStoreIfNotExists(ctx, "notes", models.Schema{"title": models.FieldText}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.CreateStoreIfNotExists(ctx, "notes", models.Schema{"title": models.FieldInteger})
	if !errs.Is(err, errs.SchemaConflict) {
		t.Fatalf("expected SchemaConflict, got %v", err)
	}
}

func TestAddGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	schema := models.Schema{"title": models.FieldText, "score": models.FieldInteger}
	if err := s.CreateStoreIfNotExists(ctx, "notes", schema); err != nil {
		t.Fatalf("create: %v", err)
	}

	id, err := s.Add(ctx, "user-1", "notes", map[string]any{"title": "hello", "score": 7}, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	rec, err := s.Get(ctx, "user-1", "notes", id, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record, got nil")
	}
	if rec.Fields["title"] != "hello" {
		t.Errorf("title = %v, want hello", rec.Fields["title"])
	}
}

func TestTenancyClosure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateStoreIfNotExists(ctx, "notes", models.Schema{"title": models.FieldText}); err != nil {
		t.Fatalf("create: %v", err)
	}
	id, err := s.Add(ctx, "user-1", "notes", map[string]any{"title": "secret"}, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	rec, err := s.Get(ctx, "user-2", "notes", id, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Fatal("expected nil record across tenant boundary, got a hit")
	}

	hits, err := s.FullTextSearch(ctx, "user-2", "notes", "secret", 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no cross-tenant search hits, got %d", len(hits))
	}
}

func TestFullTextSearchFindsUpdatedContent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateStoreIfNotExists(ctx, "notes", models.Schema{"title": models.FieldText}); err != nil {
		t.Fatalf("create: %v", err)
	}
	id, err := s.Add(ctx, "user-1", "notes", map[string]any{"title": "alpha"}, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := s.Update(ctx, "user-1", "notes", id, map[string]any{"title": "omega"}, true); err != nil {
		t.Fatalf("update: %v", err)
	}

	hits, err := s.FullTextSearch(ctx, "user-1", "notes", "omega", 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != id {
		t.Fatalf("expected updated content to be findable, got %+v", hits)
	}

	stale, err := s.FullTextSearch(ctx, "user-1", "notes", "alpha", 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected stale content to no longer match, got %+v", stale)
	}
}

func TestCollectionAppendMonotoneOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateStoreIfNotExists(ctx, "threads", models.Schema{"items": models.FieldJSONCollection}); err != nil {
		t.Fatalf("create: %v", err)
	}
	id, err := s.Add(ctx, "user-1", "threads", map[string]any{}, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	var last int64
	for i := 0; i < 5; i++ {
		idx, err := s.CollectionAppend(ctx, "user-1", "threads", id, "items", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if idx <= last {
			t.Fatalf("order_index did not increase monotonically: %d -> %d", last, idx)
		}
		last = idx
	}

	items, err := s.CollectionGet(ctx, "user-1", "threads", id, "items", 0, 0)
	if err != nil {
		t.Fatalf("collection get: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(items))
	}
	for i, item := range items {
		if item.OrderIndex != int64(i+1) {
			t.Errorf("item %d has order_index %d, want %d", i, item.OrderIndex, i+1)
		}
	}
}

func TestDeleteRemovesRecordAndFTSRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateStoreIfNotExists(ctx, "notes", models.Schema{"title": models.FieldText}); err != nil {
		t.Fatalf("create: %v", err)
	}
	id, err := s.Add(ctx, "user-1", "notes", map[string]any{"title": "to be deleted"}, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Delete(ctx, "user-1", "notes", id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	rec, err := s.Get(ctx, "user-1", "notes", id, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Fatal("expected record to be gone after delete")
	}

	hits, err := s.FullTextSearch(ctx, "user-1", "notes", "deleted", 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no FTS hits after delete, got %+v", hits)
	}
}

func TestFindFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateStoreIfNotExists(ctx, "notes", models.Schema{"title": models.FieldText, "archived": models.FieldBool}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Add(ctx, "user-1", "notes", map[string]any{"title": "a", "archived": false}, ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.Add(ctx, "user-1", "notes", map[string]any{"title": "b", "archived": true}, ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	recs, err := s.Find(ctx, "user-1", "notes", []models.Filter{{Field: "archived", Op: models.OpEquals, Value: true}}, models.FindOptions{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(recs) != 1 || recs[0].Fields["title"] != "b" {
		t.Fatalf("expected one archived record titled b, got %+v", recs)
	}

	n, err := s.Count(ctx, "user-1", "notes", nil)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}
