package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relaykit/turnengine/internal/errs"
	"github.com/relaykit/turnengine/internal/pluginregistry"
	"github.com/relaykit/turnengine/pkg/models"
)

// toolCallAccum buffers a tool call's name and arguments across however
// many tool_call_delta chunks the model plugin emits for that call id.
type toolCallAccum struct {
	index int
	name  strings.Builder
	args  strings.Builder
}

// runRound runs one model invocation: stream the model, demultiplex
// into accumulators emitting events as chunks arrive, then either
// persist the final assistant text (done) or run every accumulated tool
// call and report that the turn must loop (hasToolCalls).
func (t *turn) runRound(model, systemPrompt string, tools []models.ToolSchema) (hasToolCalls bool, done bool, err error) {
	modelRole, ok := t.o.registry.Get(pluginregistry.RoleModel)
	if !ok {
		return false, false, errs.New(errs.Upstream, "orchestrator.runRound", fmt.Errorf("no model plugin registered"))
	}
	modelPlugin, ok := modelRole.(ModelPlugin)
	if !ok {
		return false, false, errs.New(errs.Upstream, "orchestrator.runRound", fmt.Errorf("model plugin does not implement ModelPlugin"))
	}

	entries, err := t.contextCache.GetContext(t.ctx, t.req.UserID, t.threadID, t.o.opts.StripReasoning)
	if err != nil {
		return false, false, err
	}
	t.logContextWindow(model, entries)

	requestStart := time.Now()
	chunks, err := modelPlugin.StreamCompletion(t.ctx, ModelRequest{
		Model:        model,
		SystemPrompt: systemPrompt,
		Messages:     entries,
		Tools:        tools,
	})
	if err != nil {
		return false, false, errs.New(errs.Upstream, "orchestrator.runRound", err)
	}

	var assistantBuf, thinkingBuf strings.Builder
	accum := make(map[string]*toolCallAccum)
	var order []string

	for {
		select {
		case <-t.ctx.Done():
			return false, false, t.ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				goto streamDone
			}
			if chunk.Err != nil {
				return false, false, errs.New(errs.Upstream, "orchestrator.runRound", chunk.Err)
			}
			switch chunk.Kind {
			case ModelAssistantText:
				assistantBuf.WriteString(chunk.Text)
				t.emitFiltered(t.emitter.MessageTokens(chunk.Text))
			case ModelThinkingText:
				thinkingBuf.WriteString(chunk.Text)
				t.emitFiltered(t.emitter.ThinkingTokens(chunk.Text))
			case ModelToolCallDelta:
				a, ok := accum[chunk.Delta.ID]
				if !ok {
					a = &toolCallAccum{index: chunk.Delta.Index}
					accum[chunk.Delta.ID] = a
					order = append(order, chunk.Delta.ID)
				}
				a.name.WriteString(chunk.Delta.NameDelta)
				a.args.WriteString(chunk.Delta.ArgumentsDelta)
			case ModelUsage:
				if t.o.metrics != nil {
					t.o.metrics.RecordLLMRequest("model", model, "ok", time.Since(requestStart).Seconds(), chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
				}
			case ModelEnd:
				goto streamDone
			}
		}
	}
streamDone:

	assistantText := assistantBuf.String()
	thinkingText := thinkingBuf.String()

	if thinkingText != "" {
		if _, err := t.history.AppendMessage(t.ctx, t.req.UserID, t.threadID, models.RoleThinking, models.MessageText, thinkingText, model, ""); err != nil {
			return false, false, err
		}
	}

	if len(order) == 0 {
		if assistantText != "" {
			if _, err := t.history.AppendMessage(t.ctx, t.req.UserID, t.threadID, models.RoleAssistant, models.MessageText, assistantText, model, ""); err != nil {
				return false, false, err
			}
			if _, err := t.contextCache.AddMessage(t.ctx, t.req.UserID, t.threadID, models.ContextEntry{Role: models.RoleAssistant, Content: assistantText}); err != nil {
				return false, false, err
			}
		}
		return false, true, nil
	}

	toolCalls := make([]models.ToolCall, 0, len(order))
	for _, id := range order {
		a := accum[id]
		toolCalls = append(toolCalls, models.ToolCall{ID: id, Name: a.name.String(), Arguments: json.RawMessage(a.args.String())})
	}

	if assistantText != "" {
		if _, err := t.history.AppendMessage(t.ctx, t.req.UserID, t.threadID, models.RoleAssistant, models.MessageText, assistantText, model, ""); err != nil {
			return false, false, err
		}
	}
	if _, err := t.contextCache.AddMessage(t.ctx, t.req.UserID, t.threadID, models.ContextEntry{Role: models.RoleAssistant, Content: assistantText, ToolCalls: toolCalls}); err != nil {
		return false, false, err
	}

	var thinkingEntryIDs []string
	if thinkingText != "" {
		id, err := t.contextCache.AddMessage(t.ctx, t.req.UserID, t.threadID, models.ContextEntry{Role: models.RoleThinking, Content: thinkingText})
		if err != nil {
			return false, false, err
		}
		thinkingEntryIDs = append(thinkingEntryIDs, id)
	}

	for _, call := range toolCalls {
		if err := t.invokeTool(call); err != nil {
			return false, false, err
		}
	}

	t.contextCache.RemoveMessages(t.req.UserID, t.threadID, thinkingEntryIDs)
	return true, false, nil
}

// invokeTool runs one tool call: an initial "🔧" line, forwarded
// progress, a terminal "✅"/"❌" line, every line persisted to history,
// and one consolidated tool entry pushed into context.
func (t *turn) invokeTool(call models.ToolCall) error {
	callLine := fmt.Sprintf("🔧 %s(%s)", call.Name, string(call.Arguments))
	t.emitFiltered(t.emitter.ToolUpdate(call.ID, callLine))
	if _, err := t.history.AppendMessage(t.ctx, t.req.UserID, t.threadID, models.RoleTool, models.MessageToolUpdate, callLine, "", call.ID); err != nil {
		return err
	}

	invokeCtx, cancel := context.WithTimeout(t.ctx, t.o.opts.ToolTimeout)
	defer cancel()

	started := time.Now()
	stream := t.o.tools.Invoke(invokeCtx, call.Name, t.req.UserID, t.threadID, t.turnCorrelationID, call.Arguments)
	for p := range stream.Progress() {
		t.emitFiltered(t.emitter.ToolUpdate(call.ID, p))
		if _, err := t.history.AppendMessage(t.ctx, t.req.UserID, t.threadID, models.RoleTool, models.MessageToolUpdate, p, "", call.ID); err != nil {
			return err
		}
	}

	result, err := stream.Final(invokeCtx)
	if err != nil {
		// The call hit ToolTimeout or was canceled: settle it as an error envelope.
		result = models.ToolResult{Tool: call.Name, Arguments: call.Arguments, IsError: true,
			Content: errs.New(errs.ToolExecution, "tool."+call.Name, err).Error()}
	}

	finalLine := fmt.Sprintf("✅ %s: %s", call.Name, result.Content)
	status := "ok"
	if result.IsError {
		finalLine = fmt.Sprintf("❌ %s: %s", call.Name, result.Content)
		status = "error"
		t.o.logger.Warn(t.ctx, "orchestrator: tool call failed",
			"tool", call.Name, "call_id", call.ID, "kind", string(errs.ToolExecution))
		if t.o.metrics != nil {
			t.o.metrics.RecordError("tool", string(errs.ToolExecution))
		}
	}
	if t.o.metrics != nil {
		t.o.metrics.RecordToolExecution(call.Name, status, time.Since(started).Seconds())
	}

	t.emitFiltered(t.emitter.ToolUpdate(call.ID, finalLine))
	if _, err := t.history.AppendMessage(t.ctx, t.req.UserID, t.threadID, models.RoleTool, models.MessageToolUpdate, finalLine, "", call.ID); err != nil {
		return err
	}
	if _, err := t.contextCache.AddMessage(t.ctx, t.req.UserID, t.threadID, models.ContextEntry{Role: models.RoleTool, Content: result.Content, ToolCallID: call.ID}); err != nil {
		return err
	}
	return nil
}

// emitFiltered runs ev through the filter_stream chain (lowest priority
// first, so transforms layer outwards) before sending it, forwarding any
// auxiliary lines a filter yields as additional events of the same kind.
func (t *turn) emitFiltered(ev models.Event) {
	for _, f := range t.o.registry.FilterStreamChain() {
		var transformed models.Event
		var aux []string
		err := guard("filter_stream", func() error {
			var hookErr error
			transformed, aux, hookErr = f.FilterStream(t.ctx, ev)
			return hookErr
		})
		if err != nil {
			t.o.logger.Warn(t.ctx, "orchestrator: filter_stream failed", "error", err)
			continue
		}
		ev = transformed
		for _, line := range aux {
			auxEv := ev
			auxEv.Data.Content = line
			t.emitter.Send(t.ctx, auxEv)
		}
	}
	t.emitter.Send(t.ctx, ev)
}
