package historylog

import (
	"context"
	"fmt"
	"testing"

	"github.com/relaykit/turnengine/internal/store"
	"github.com/relaykit/turnengine/pkg/models"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	st, err := store.Open(context.Background(), store.Config{Path: dsn})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	log, err := Open(context.Background(), st)
	if err != nil {
		t.Fatalf("historylog.Open: %v", err)
	}
	return log
}

func TestCreateThreadAndAppend(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	threadID, err := l.CreateThread(ctx, "user-1", "hello world", "gpt-test", "be terse")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	if _, err := l.AppendMessage(ctx, "user-1", threadID, models.RoleUser, models.MessageText, "hi", "", ""); err != nil {
		t.Fatalf("append user: %v", err)
	}
	if _, err := l.AppendMessage(ctx, "user-1", threadID, models.RoleAssistant, models.MessageText, "hello!", "gpt-test", ""); err != nil {
		t.Fatalf("append assistant: %v", err)
	}

	msgs, err := l.GetMessages(ctx, "user-1", threadID)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Order >= msgs[1].Order {
		t.Fatalf("expected increasing order, got %d then %d", msgs[0].Order, msgs[1].Order)
	}
}

func TestAppendMessageOrderIndicesAreSequential(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	threadID, err := l.CreateThread(ctx, "user-1", "three appends", "gpt-test", "")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.AppendMessage(ctx, "user-1", threadID, models.RoleUser, models.MessageText, fmt.Sprintf("msg %d", i), "", ""); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	msgs, err := l.GetMessages(ctx, "user-1", threadID)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Order != int64(i+1) {
			t.Errorf("message %d has order %d, want %d", i, m.Order, i+1)
		}
		if m.ID == "" {
			t.Errorf("message %d missing an id", i)
		}
	}
}

func TestGetMessagesTenancy(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	threadID, err := l.CreateThread(ctx, "user-1", "private thread", "gpt-test", "")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	msgs, err := l.GetMessages(ctx, "user-2", threadID)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if msgs != nil {
		t.Fatalf("expected nil for a thread not owned by the caller, got %+v", msgs)
	}
}

func TestArchiveAndListThreads(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	id, err := l.CreateThread(ctx, "user-1", "archive me", "gpt-test", "")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if err := l.ArchiveThread(ctx, "user-1", id); err != nil {
		t.Fatalf("archive: %v", err)
	}

	active, err := l.ListThreads(ctx, "user-1", false)
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	for _, h := range active {
		if h.ID == id {
			t.Fatalf("archived thread %q should not appear in the active list", id)
		}
	}

	all, err := l.ListThreads(ctx, "user-1", true)
	if err != nil {
		t.Fatalf("list threads (all): %v", err)
	}
	found := false
	for _, h := range all {
		if h.ID == id {
			found = true
			if !h.IsArchived {
				t.Errorf("expected IsArchived=true")
			}
		}
	}
	if !found {
		t.Fatalf("archived thread %q missing from the full list", id)
	}
}

func TestSearchAcrossTitlesAndMessages(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	id, err := l.CreateThread(ctx, "user-1", "about spelunking", "gpt-test", "")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if _, err := l.AppendMessage(ctx, "user-1", id, models.RoleUser, models.MessageText, "tell me about caves", "", ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	byTitle, err := l.Search(ctx, "user-1", "spelunking")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(byTitle) != 1 || byTitle[0].ThreadID != id {
		t.Fatalf("expected title match, got %+v", byTitle)
	}

	byContent, err := l.Search(ctx, "user-1", "caves")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(byContent) != 1 || byContent[0].ThreadID != id {
		t.Fatalf("expected content match, got %+v", byContent)
	}
}
