package eventstream

import (
	"context"
	"testing"

	"github.com/relaykit/turnengine/pkg/models"
)

func TestChanSinkDeliversEmittedEvents(t *testing.T) {
	ctx := context.Background()
	sink := NewChanSink(4)
	e := NewEmitter(sink, "turn-1")

	e.ThreadID(ctx, "thread-1")
	e.Send(ctx, e.MessageTokens("hello"))
	e.StreamEnd(ctx)
	sink.Close()

	var kinds []models.EventKind
	for ev := range sink.Events() {
		if ev.Data.TurnCorrelationID != "turn-1" {
			t.Fatalf("expected turn correlation id on every event, got %q", ev.Data.TurnCorrelationID)
		}
		if ev.ID == "" {
			t.Fatal("expected a non-empty event id")
		}
		kinds = append(kinds, ev.Event)
	}
	want := []models.EventKind{models.EventThreadID, models.EventMessageTokens, models.EventStreamEnd}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Fatalf("kinds[%d] = %q, want %q", i, kinds[i], k)
		}
	}
}

func TestBuildDoesNotEmitUntilSend(t *testing.T) {
	ctx := context.Background()
	sink := NewChanSink(1)
	e := NewEmitter(sink, "turn-1")

	ev := e.ThinkingTokens("reasoning...")
	select {
	case <-sink.Events():
		t.Fatal("expected Build to not emit before Send")
	default:
	}

	e.Send(ctx, ev)
	got := <-sink.Events()
	if got.Data.Content != "reasoning..." {
		t.Fatalf("content = %q, want %q", got.Data.Content, "reasoning...")
	}
}

func TestMultiSinkFansOutToEverySink(t *testing.T) {
	ctx := context.Background()
	a := NewChanSink(2)
	b := NewChanSink(2)
	e := NewEmitter(NewMultiSink(a, b), "turn-1")

	e.Error(ctx, "boom")

	for _, s := range []*ChanSink{a, b} {
		ev := <-s.Events()
		if ev.Event != models.EventError || ev.Data.Message != "boom" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
}

func TestNopSinkDiscardsSilently(t *testing.T) {
	ctx := context.Background()
	e := NewEmitter(nil, "turn-1")
	// Must not panic or block with no sink configured.
	e.ThreadID(ctx, "thread-1")
	e.StreamEnd(ctx)
}
