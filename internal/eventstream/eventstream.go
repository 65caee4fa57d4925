// Package eventstream builds and forwards the six-kind event envelope a
// turn emits to its caller: thread_id, message_tokens, thinking_tokens,
// tool_update, error, stream_end.
//
// Every event is stamped with a ulid, so a transport that persists the
// stream can order and replay it without a separate sequence column.
package eventstream

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/relaykit/turnengine/pkg/models"
)

// Sink receives emitted events. Implementations must not block
// indefinitely; Emit is called on the turn's own goroutine.
type Sink interface {
	Emit(ctx context.Context, ev models.Event)
}

// NopSink discards every event. Useful in tests that only care about
// side effects on the store/history/context, not the wire stream.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(context.Context, models.Event) {}

// ChanSink delivers events on a buffered channel, the shape a transport
// layer drains to turn into SSE/websocket frames. Close must be called
// exactly once, after the producing goroutine has stopped emitting.
type ChanSink struct {
	ch chan models.Event
}

// NewChanSink returns a ChanSink buffering up to capacity events before
// Emit blocks.
func NewChanSink(capacity int) *ChanSink {
	if capacity <= 0 {
		capacity = 1
	}
	return &ChanSink{ch: make(chan models.Event, capacity)}
}

// Emit implements Sink. It blocks until there is room or ctx is done, so
// a slow consumer applies backpressure to the turn rather than dropping
// events silently.
func (s *ChanSink) Emit(ctx context.Context, ev models.Event) {
	select {
	case s.ch <- ev:
	case <-ctx.Done():
	}
}

// Events returns the channel of emitted events.
func (s *ChanSink) Events() <-chan models.Event { return s.ch }

// Close closes the underlying channel. Callers must stop calling Emit
// before Close returns control to any consumer ranging over Events.
func (s *ChanSink) Close() { close(s.ch) }

// MultiSink fans one emission out to every wrapped sink, in order.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink wraps sinks into one Sink that forwards to all of them.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Emit implements Sink.
func (m *MultiSink) Emit(ctx context.Context, ev models.Event) {
	for _, s := range m.sinks {
		s.Emit(ctx, ev)
	}
}

// Emitter stamps and forwards events for a single turn. Every event it
// builds carries the same turn correlation id, the thread across which
// filter_stream chains and client-side log correlation line up.
type Emitter struct {
	sink              Sink
	turnCorrelationID string
}

// NewEmitter returns an Emitter bound to sink and a turn correlation id.
func NewEmitter(sink Sink, turnCorrelationID string) *Emitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &Emitter{sink: sink, turnCorrelationID: turnCorrelationID}
}

// Build constructs an event of kind with data, stamping its id, timestamp,
// and turn correlation id, without emitting it. Callers that need to run
// an event through a filter_stream chain before it goes out use Build then
// Send; callers that don't, use one of the kind-specific helpers below.
func (e *Emitter) Build(kind models.EventKind, data models.EventData) models.Event {
	data.Timestamp = time.Now().UTC()
	data.TurnCorrelationID = e.turnCorrelationID
	return models.Event{ID: ulid.Make().String(), Event: kind, Data: data}
}

// Send forwards an already-built event to the sink.
func (e *Emitter) Send(ctx context.Context, ev models.Event) {
	e.sink.Emit(ctx, ev)
}

// ThreadID emits the thread_id event, sent once per turn when a new
// thread was created.
func (e *Emitter) ThreadID(ctx context.Context, threadID string) models.Event {
	ev := e.Build(models.EventThreadID, models.EventData{ThreadID: threadID})
	e.Send(ctx, ev)
	return ev
}

// MessageTokens builds (without sending) a message_tokens event carrying
// one chunk of assistant text, for the caller to run through a
// filter_stream chain before Send.
func (e *Emitter) MessageTokens(content string) models.Event {
	return e.Build(models.EventMessageTokens, models.EventData{Content: content})
}

// ThinkingTokens builds a thinking_tokens event carrying one chunk of
// reasoning text.
func (e *Emitter) ThinkingTokens(content string) models.Event {
	return e.Build(models.EventThinkingTokens, models.EventData{Content: content})
}

// ToolUpdate builds a tool_update event: a progress/result line for a
// single tool call, bound to callID.
func (e *Emitter) ToolUpdate(callID, content string) models.Event {
	return e.Build(models.EventToolUpdate, models.EventData{CallID: callID, Content: content})
}

// Error emits an error event with message, sent immediately since errors
// are never run through filter_stream.
func (e *Emitter) Error(ctx context.Context, message string) models.Event {
	ev := e.Build(models.EventError, models.EventData{Message: message})
	e.Send(ctx, ev)
	return ev
}

// StreamEnd emits the terminal stream_end event that closes the turn.
func (e *Emitter) StreamEnd(ctx context.Context) models.Event {
	ev := e.Build(models.EventStreamEnd, models.EventData{})
	e.Send(ctx, ev)
	return ev
}
