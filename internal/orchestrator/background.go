package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/turnengine/internal/jobs"
	"github.com/relaykit/turnengine/internal/observability"
)

// TaskScope identifies the turn a background task belongs to, recorded
// on the task so background work can be traced back to a user message.
type TaskScope struct {
	UserID            string
	ThreadID          string
	TurnCorrelationID string
}

// BackgroundTasks is the registry of named background tasks post_call
// middleware (and the orchestrator itself) may launch: fire-and-forget
// from the request's perspective, recorded through jobs.Store, tracked
// so process shutdown can cancel and await them.
type BackgroundTasks struct {
	store  jobs.Store
	logger *observability.Logger
	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel []context.CancelFunc
}

// NewBackgroundTasks returns a registry backed by store. A nil store
// falls back to an in-memory one; a nil logger disables logging of task
// failures (they are still recorded in store).
func NewBackgroundTasks(store jobs.Store, logger *observability.Logger) *BackgroundTasks {
	if store == nil {
		store = jobs.NewMemoryStore()
	}
	return &BackgroundTasks{store: store, logger: logger}
}

// Go launches fn as a named background task in its own goroutine and
// context, detached from the caller's request context so a client
// disconnect does not cancel work already launched. A panic inside fn
// is recovered into the task's failure record; fn's error is logged and
// discarded.
func (b *BackgroundTasks) Go(name string, scope TaskScope, fn func(ctx context.Context) error) string {
	id := uuid.NewString()
	task := &jobs.Task{
		ID:                id,
		Name:              name,
		UserID:            scope.UserID,
		ThreadID:          scope.ThreadID,
		TurnCorrelationID: scope.TurnCorrelationID,
		Status:            jobs.StatusQueued,
		CreatedAt:         time.Now(),
	}
	ctx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.cancel = append(b.cancel, cancel)
	b.mu.Unlock()

	_ = b.store.Create(context.Background(), task)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()

		task.Status = jobs.StatusRunning
		task.StartedAt = time.Now()
		_ = b.store.Update(context.Background(), task)

		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("task %s: panic: %v", name, r)
				}
			}()
			return fn(ctx)
		}()

		task.FinishedAt = time.Now()
		if err != nil {
			task.Status = jobs.StatusFailed
			task.Error = err.Error()
			if b.logger != nil {
				b.logger.Warn(context.Background(), "background task failed",
					"task", name, "turn_correlation_id", scope.TurnCorrelationID, "error", err)
			}
		} else {
			task.Status = jobs.StatusSucceeded
		}
		_ = b.store.Update(context.Background(), task)
	}()

	return id
}

// Shutdown cancels every in-flight task's context and waits for them to
// return, or for ctx to expire first.
func (b *BackgroundTasks) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	for _, cancel := range b.cancel {
		cancel()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
