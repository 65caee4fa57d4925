// Command turnengine is a minimal wiring example, not a production
// server: it constructs every core collaborator (store, history log,
// context cache, plugin registry, tool registry, orchestrator) against
// a local SQLite file and drives one turn per line of stdin, printing
// the emitted event envelope as it streams.
//
// HTTP/SSE transport, auth, and a real model-vendor adapter are left to
// an embedding service; the "echo" model plugin below exists only so
// this binary can run end to end without a vendor SDK.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaykit/turnengine/internal/config"
	"github.com/relaykit/turnengine/internal/contextcache"
	"github.com/relaykit/turnengine/internal/historylog"
	"github.com/relaykit/turnengine/internal/observability"
	"github.com/relaykit/turnengine/internal/orchestrator"
	"github.com/relaykit/turnengine/internal/pluginregistry"
	"github.com/relaykit/turnengine/internal/retry"
	"github.com/relaykit/turnengine/internal/store"
	"github.com/relaykit/turnengine/internal/toolregistry"
	"github.com/relaykit/turnengine/pkg/models"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional, defaults applied otherwise)")
	userID := flag.String("user", "local", "user id to run turns as")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("turnengine: loading config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, store.Config{
		Path: cfg.Store.Path,
		BusyRetry: retry.Config{
			MaxAttempts:  cfg.Store.BusyMaxAttempts,
			InitialDelay: cfg.Store.BusyBaseDelay,
			MaxDelay:     cfg.Store.BusyMaxDelay,
			Factor:       2.0,
			Jitter:       true,
		},
	})
	if err != nil {
		logger.Error(ctx, "turnengine: opening store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	log, err := historylog.Open(ctx, st)
	if err != nil {
		logger.Error(ctx, "turnengine: opening history log", "error", err)
		os.Exit(1)
	}
	cache := contextcache.New(log)

	registry := pluginregistry.New()
	must(registry.Register(pluginregistry.RoleStore, orchestrator.NewStorePlugin(st)))
	must(registry.Register(pluginregistry.RoleHistory, orchestrator.NewHistoryPlugin(log)))
	must(registry.Register(pluginregistry.RoleContext, orchestrator.NewContextPlugin(cache)))
	must(registry.Register(pluginregistry.RoleSystemPrompt, orchestrator.NewStaticSystemPrompts(
		map[string]string{"default": cfg.Session.DefaultSystemPrompt},
		"default",
	)))
	must(registry.Register(pluginregistry.RoleModel, &echoModel{}))

	tools := toolregistry.New(cfg.Tools.MaxConcurrent, nil)
	must(tools.Register(toolregistry.NewDerived("now", "Returns the current UTC time.", nil,
		func(ctx context.Context, userID, threadID, turnCorrelationID string, args map[string]any) (string, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		})))

	bg := orchestrator.NewBackgroundTasks(nil, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := bg.Shutdown(shutdownCtx); err != nil {
			logger.Warn(context.Background(), "turnengine: background tasks did not drain in time", "error", err)
		}
	}()

	orch := orchestrator.New(registry, tools, bg, logger, metrics, orchestrator.Options{
		MaxRounds:      cfg.Tools.MaxRounds,
		ToolTimeout:    cfg.Tools.InvokeTimeout,
		StripReasoning: cfg.Session.StripReasoning,
	})
	must(registry.Register(pluginregistry.RoleMessageProcessor, orch))

	runREPL(ctx, orch, *userID)
}

func runREPL(ctx context.Context, orch *orchestrator.Orchestrator, userID string) {
	scanner := bufio.NewScanner(os.Stdin)
	var threadID string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		events, err := orch.Run(ctx, orchestrator.Request{UserID: userID, Content: line, ThreadID: threadID})
		if err != nil {
			fmt.Fprintf(os.Stderr, "turnengine: %v\n", err)
			continue
		}
		for ev := range events {
			if ev.Event == models.EventThreadID {
				threadID = ev.Data.ThreadID
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Println(string(payload))
		}
	}
}

func must(err error) {
	if err != nil {
		slog.Error("turnengine: wiring failed", "error", err)
		os.Exit(1)
	}
}

// echoModel is a placeholder ModelPlugin: it streams the user's last
// message straight back as assistant text so this binary runs end to end
// without a vendor SDK. Replace it with a real provider adapter.
type echoModel struct{}

func (echoModel) Name() string  { return "echo" }
func (echoModel) Priority() int { return 0 }

func (echoModel) ListModels(context.Context) ([]string, error) {
	return []string{"echo"}, nil
}

func (echoModel) StreamCompletion(ctx context.Context, req orchestrator.ModelRequest) (<-chan orchestrator.ModelStreamChunk, error) {
	var last string
	for _, m := range req.Messages {
		if m.Role == models.RoleUser {
			last = m.Content
		}
	}
	ch := make(chan orchestrator.ModelStreamChunk, 2)
	ch <- orchestrator.ModelStreamChunk{Kind: orchestrator.ModelAssistantText, Text: "echo: " + last}
	ch <- orchestrator.ModelStreamChunk{Kind: orchestrator.ModelEnd}
	close(ch)
	return ch, nil
}
