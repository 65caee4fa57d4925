// Package orchestrator implements the turn state machine: one user
// message in, an ordered sequence of events out. A turn resolves its
// thread, persists the user message, assembles call parameters, runs
// pre_call middleware, then streams from the model, demultiplexing into
// accumulators and looping through tool rounds until the model stops
// requesting calls or the round cap fails the turn with
// ToolLoopExhausted.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	internalcontext "github.com/relaykit/turnengine/internal/context"
	"github.com/relaykit/turnengine/internal/errs"
	"github.com/relaykit/turnengine/internal/eventstream"
	"github.com/relaykit/turnengine/internal/observability"
	"github.com/relaykit/turnengine/internal/pluginregistry"
	"github.com/relaykit/turnengine/internal/toolregistry"
	"github.com/relaykit/turnengine/pkg/models"
)

const titleRunes = 60

// Options tunes the bounded tool-round loop and tool invocation timeout.
type Options struct {
	// MaxRounds bounds how many model invocations one turn may make.
	MaxRounds int
	// ToolTimeout is the wall-clock cap on a single tool invocation.
	ToolTimeout time.Duration
	// StripReasoning controls whether thinking entries are included in
	// the context sent to the model.
	StripReasoning bool
}

func (o Options) withDefaults() Options {
	if o.MaxRounds <= 0 {
		o.MaxRounds = 8
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = 30 * time.Second
	}
	return o
}

// Orchestrator runs turns against a PluginRegistry (for the model,
// history, context, system_prompt and function roles) and a
// ToolRegistry (for tool schemas and invocation). It holds no
// request-local state between Run calls; everything scoped to a single
// turn lives on the stack of the goroutine Run spawns.
type Orchestrator struct {
	registry *pluginregistry.Registry
	tools    *toolregistry.Registry
	bg       *BackgroundTasks
	logger   *observability.Logger
	metrics  *observability.Metrics
	opts     Options
}

// New returns an Orchestrator wired to registry and tools. A nil logger
// falls back to a logger writing to io.Discard.
func New(registry *pluginregistry.Registry, tools *toolregistry.Registry, bg *BackgroundTasks, logger *observability.Logger, metrics *observability.Metrics, opts Options) *Orchestrator {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Output: io.Discard})
	}
	return &Orchestrator{
		registry: registry,
		tools:    tools,
		bg:       bg,
		logger:   logger,
		metrics:  metrics,
		opts:     opts.withDefaults(),
	}
}

// Background returns the orchestrator's background-task registry, so a
// post_call middleware plugin constructed outside this package can
// capture it and launch named background tasks.
func (o *Orchestrator) Background() *BackgroundTasks { return o.bg }

// Name and Priority make the Orchestrator registrable under the
// message_processor role.
func (o *Orchestrator) Name() string  { return "turn_orchestrator" }
func (o *Orchestrator) Priority() int { return 0 }

// Request is one turn's input: the user and their message, plus an
// optional thread, model override, and system prompt key.
type Request struct {
	UserID          string
	Content         string
	ThreadID        string
	Model           string
	SystemPromptKey string
}

// Run starts one turn and returns a channel of events, closed once
// stream_end (or an aborting error) has been emitted. The caller should
// drain it to completion or cancel ctx to abort early.
func (o *Orchestrator) Run(ctx context.Context, req Request) (<-chan models.Event, error) {
	history, ok := o.registry.Get(pluginregistry.RoleHistory)
	if !ok {
		return nil, errs.New(errs.Validation, "orchestrator.Run", fmt.Errorf("no history plugin registered"))
	}
	historyPlugin, ok := history.(HistoryPlugin)
	if !ok {
		return nil, errs.New(errs.Validation, "orchestrator.Run", fmt.Errorf("history plugin does not implement HistoryPlugin"))
	}
	contextRole, ok := o.registry.Get(pluginregistry.RoleContext)
	if !ok {
		return nil, errs.New(errs.Validation, "orchestrator.Run", fmt.Errorf("no context plugin registered"))
	}
	contextPlugin, ok := contextRole.(ContextPlugin)
	if !ok {
		return nil, errs.New(errs.Validation, "orchestrator.Run", fmt.Errorf("context plugin does not implement ContextPlugin"))
	}

	turnCorrelationID := uuid.NewString()
	sink := eventstream.NewChanSink(32)
	emitter := eventstream.NewEmitter(sink, turnCorrelationID)

	ctx = observability.WithTurnID(ctx, turnCorrelationID)
	ctx = observability.WithUserID(ctx, req.UserID)

	go func() {
		defer sink.Close()
		// A panic anywhere in the turn fails this turn, not the process.
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error(ctx, "orchestrator: turn panicked", "panic", fmt.Sprintf("%v", r))
				if o.metrics != nil {
					o.metrics.RecordError("orchestrator", "panic")
				}
				emitter.Error(ctx, "internal error")
				emitter.StreamEnd(ctx)
			}
		}()
		t := &turn{
			o:                 o,
			ctx:               ctx,
			req:               req,
			history:           historyPlugin,
			contextCache:      contextPlugin,
			emitter:           emitter,
			turnCorrelationID: turnCorrelationID,
		}
		t.run()
	}()

	return sink.Events(), nil
}

// guard runs fn, converting a panic into a returned error so one
// misbehaving plugin fails its own hook instead of the process.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", op, r)
		}
	}()
	return fn()
}

// turn holds the request-local state for one Run invocation: accumulated
// buffers, the resolved thread, and the services resolved from the
// registry once at the top of Run.
type turn struct {
	o                 *Orchestrator
	ctx               context.Context
	req               Request
	history           HistoryPlugin
	contextCache      ContextPlugin
	emitter           *eventstream.Emitter
	turnCorrelationID string

	threadID string
}

func (t *turn) run() {
	threadID, isNew, err := t.resolveThread()
	if err != nil {
		t.fail(err)
		return
	}
	t.threadID = threadID
	t.ctx = observability.WithThreadID(t.ctx, threadID)
	if isNew {
		t.emitter.ThreadID(t.ctx, threadID)
	}

	if err := t.persistUserMessage(); err != nil {
		t.fail(err)
		return
	}

	model, systemPrompt, tools, err := t.assembleCallParams()
	if err != nil {
		t.fail(err)
		return
	}

	params := &pluginregistry.CallParams{
		UserID:            t.req.UserID,
		ThreadID:          threadID,
		TurnCorrelationID: t.turnCorrelationID,
		NewMessage:        t.req.Content,
		Model:             &model,
		SystemPrompt:      &systemPrompt,
		Tools:             tools,
	}
	t.runPreCallMiddleware(params)
	// Model and SystemPrompt were mutated in place through the pointers
	// above; Tools is a plain slice field, so it must be read back
	// explicitly to see a middleware's replacement.
	tools = params.Tools

	for round := 1; ; round++ {
		if round > t.o.opts.MaxRounds {
			t.o.logger.Warn(t.ctx, "orchestrator: tool loop exhausted", "thread_id", threadID, "max_rounds", t.o.opts.MaxRounds)
			if t.o.metrics != nil {
				t.o.metrics.RecordError("orchestrator", string(errs.ToolLoopExhausted))
			}
			t.emitter.Error(t.ctx, "tool loop exhausted")
			t.emitter.StreamEnd(t.ctx)
			return
		}

		_, done, err := t.runRound(model, systemPrompt, tools)
		if err != nil {
			t.fail(err)
			return
		}
		if done {
			t.finalize(model, systemPrompt, tools)
			return
		}
		// Otherwise the round produced tool calls, already invoked by
		// runRound; loop back into LOOP_ROUND for another model call.
	}
}

func (t *turn) fail(err error) {
	t.o.logger.Error(t.ctx, "orchestrator: turn failed", "error", err)
	if t.o.metrics != nil {
		t.o.metrics.RecordError("orchestrator", string(errs.KindOf(err)))
	}
	t.emitter.Error(t.ctx, err.Error())
	t.emitter.StreamEnd(t.ctx)
}

// resolveThread creates a thread titled from the message when none was
// given, or verifies the caller owns the one that was.
func (t *turn) resolveThread() (string, bool, error) {
	if t.req.ThreadID == "" {
		title := deriveTitle(t.req.Content)
		model := t.req.Model
		id, err := t.history.CreateThread(t.ctx, t.req.UserID, title, model, "")
		if err != nil {
			return "", false, errs.New(errs.Validation, "orchestrator.resolveThread", err)
		}
		return id, true, nil
	}

	msgs, err := t.history.GetMessages(t.ctx, t.req.UserID, t.req.ThreadID)
	if err != nil {
		return "", false, err
	}
	if msgs == nil {
		return "", false, errs.New(errs.NotFound, "orchestrator.resolveThread", fmt.Errorf("thread %q", t.req.ThreadID))
	}
	return t.req.ThreadID, false, nil
}

func deriveTitle(content string) string {
	r := []rune(strings.TrimSpace(content))
	if len(r) <= titleRunes {
		return string(r)
	}
	return string(r[:titleRunes])
}

// persistUserMessage appends to history, then updates the cache,
// rebuilding it from history first if it had been invalidated.
func (t *turn) persistUserMessage() error {
	if _, err := t.contextCache.GetContext(t.ctx, t.req.UserID, t.threadID, false); err != nil {
		return err
	}

	if _, err := t.history.AppendMessage(t.ctx, t.req.UserID, t.threadID, models.RoleUser, models.MessageText, t.req.Content, "", ""); err != nil {
		return errs.New(errs.Validation, "orchestrator.persistUserMessage", err)
	}
	if _, err := t.contextCache.AddMessage(t.ctx, t.req.UserID, t.threadID, models.ContextEntry{Role: models.RoleUser, Content: t.req.Content}); err != nil {
		return err
	}
	return nil
}

// assembleCallParams resolves the model name, system prompt text, and
// tool schemas for this turn.
func (t *turn) assembleCallParams() (model, systemPrompt string, tools []models.ToolSchema, err error) {
	thread, err := t.history.GetThread(t.ctx, t.req.UserID, t.threadID)
	if err != nil {
		return "", "", nil, err
	}
	model = t.req.Model
	if model == "" && thread != nil {
		model = thread.Model
	}

	if p, ok := t.o.registry.Get(pluginregistry.RoleAuth); ok {
		if auth, ok := p.(AuthPlugin); ok {
			if err := auth.AuthorizeModel(t.ctx, t.req.UserID, model); err != nil {
				return "", "", nil, errs.New(errs.PermissionDenied, "orchestrator.assembleCallParams", err)
			}
		}
	}

	systemPrompt = ""
	if p, ok := t.o.registry.Get(pluginregistry.RoleSystemPrompt); ok {
		if sp, ok := p.(SystemPromptPlugin); ok {
			systemPrompt, err = sp.Resolve(t.ctx, t.req.SystemPromptKey)
			if err != nil {
				return "", "", nil, err
			}
		}
	}
	if systemPrompt == "" && thread != nil {
		systemPrompt = thread.SystemPrompt
	}

	tools = t.o.tools.Schemas()
	return model, systemPrompt, tools, nil
}

// runPreCallMiddleware runs the pre_call chain. Failures are logged,
// never fatal to the turn.
func (t *turn) runPreCallMiddleware(params *pluginregistry.CallParams) {
	for _, hook := range t.o.registry.PreCallChain() {
		var lines []string
		err := guard("pre_call", func() error {
			var hookErr error
			lines, hookErr = hook.PreCall(t.ctx, params)
			return hookErr
		})
		if err != nil {
			t.o.logger.Warn(t.ctx, "orchestrator: pre_call middleware failed", "error", err)
			continue
		}
		callID := "pre_call:" + pluginName(hook)
		for _, line := range lines {
			t.emitFiltered(t.emitter.ToolUpdate(callID, line))
		}
	}
}

func pluginName(hook pluginregistry.PreCallHook) string {
	if p, ok := hook.(pluginregistry.Plugin); ok {
		return p.Name()
	}
	return "middleware"
}

// finalize runs the post_call chain, then emits the terminal
// stream_end.
func (t *turn) finalize(model, systemPrompt string, tools []models.ToolSchema) {
	for _, hook := range t.o.registry.PostCallChain() {
		params := &pluginregistry.CallParams{
			UserID:            t.req.UserID,
			ThreadID:          t.threadID,
			TurnCorrelationID: t.turnCorrelationID,
			NewMessage:        t.req.Content,
			Model:             &model,
			SystemPrompt:      &systemPrompt,
			Tools:             tools,
		}
		if err := guard("post_call", func() error { return hook.PostCall(t.ctx, params) }); err != nil {
			t.o.logger.Warn(t.ctx, "orchestrator: post_call middleware failed", "error", err)
		}
	}
	t.emitter.StreamEnd(t.ctx)
}

// logContextWindow warns when the assembled context is close to
// exhausting the model's window, using internal/context's token
// estimator. It never blocks or fails the turn; it is advisory only.
func (t *turn) logContextWindow(model string, entries []models.ContextEntry) {
	usage := internalcontext.Measure(model, entries)
	if t.o.metrics != nil {
		t.o.metrics.RecordContextWindow("orchestrator", model, usage.UsedTokens)
	}
	if usage.ShouldWarn() {
		t.o.logger.Warn(t.ctx, "orchestrator: context window running low", "thread_id", t.threadID, "status", usage.Status(), "remaining_tokens", usage.RemainingTokens())
	}
	t.maybeCompact(usage)
}
