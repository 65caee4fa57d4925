package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/relaykit/turnengine/internal/contextcache"
	"github.com/relaykit/turnengine/internal/historylog"
	"github.com/relaykit/turnengine/internal/pluginregistry"
	"github.com/relaykit/turnengine/internal/store"
	"github.com/relaykit/turnengine/pkg/models"
)

// AuthPlugin is the `auth` role. Authentication itself is an external
// collaborator; the orchestrator only consults AuthorizeModel before a
// round, surfacing a denial as PermissionDenied. The token operations
// are part of the role's contract for transports to use.
type AuthPlugin interface {
	pluginregistry.Plugin
	Authenticate(ctx context.Context, credential string) (string, error)
	IssueToken(ctx context.Context, userID string) (string, error)
	VerifyToken(ctx context.Context, token string) (string, error)
	AuthorizeModel(ctx context.Context, userID, model string) error
}

// StorePlugin is the `store` role: the full tabular-store surface, so a
// registered override can replace the backing engine without callers
// holding a concrete *store.Store.
type StorePlugin interface {
	pluginregistry.Plugin
	CreateStoreIfNotExists(ctx context.Context, name string, schema models.Schema) error
	Add(ctx context.Context, userID, name string, data map[string]any, recordID string) (string, error)
	Get(ctx context.Context, userID, name, id string, loadCollections bool) (*models.Record, error)
	Update(ctx context.Context, userID, name, id string, updates map[string]any, partial bool) error
	Delete(ctx context.Context, userID, name, id string) error
	Find(ctx context.Context, userID, name string, filters []models.Filter, opts models.FindOptions) ([]models.Record, error)
	Count(ctx context.Context, userID, name string, filters []models.Filter) (int64, error)
	CollectionAppend(ctx context.Context, userID, name, recordID, field string, value json.RawMessage) (int64, error)
	CollectionGet(ctx context.Context, userID, name, recordID, field string, limit, offset int) ([]models.CollectionItem, error)
	FullTextSearch(ctx context.Context, userID, name, query string, limit, offset int) ([]models.Record, error)
}

// MessageProcessorPlugin is the `message_processor` role: one user
// message in, a stream of events out. Orchestrator is the shipped
// implementation.
type MessageProcessorPlugin interface {
	pluginregistry.Plugin
	Run(ctx context.Context, req Request) (<-chan models.Event, error)
}

var _ MessageProcessorPlugin = (*Orchestrator)(nil)

// storeAdapter wraps a *store.Store as a StorePlugin.
type storeAdapter struct {
	*store.Store
}

func (storeAdapter) Name() string  { return "sqlite_store" }
func (storeAdapter) Priority() int { return 0 }

// NewStorePlugin adapts st into the store role.
func NewStorePlugin(st *store.Store) StorePlugin {
	return storeAdapter{st}
}

// HistoryPlugin is the `history` role: every HistoryLog operation the
// orchestrator needs, behind the registry so an override can swap the
// backing implementation without the orchestrator knowing.
type HistoryPlugin interface {
	pluginregistry.Plugin
	CreateThread(ctx context.Context, userID, title, model, systemPrompt string) (string, error)
	GetThread(ctx context.Context, userID, threadID string) (*models.ThreadHeader, error)
	GetMessages(ctx context.Context, userID, threadID string) ([]models.Message, error)
	AppendMessage(ctx context.Context, userID, threadID string, role models.Role, typ models.MessageType, content, model, callID string) (string, error)
}

// ContextPlugin is the `context` role: every context-cache operation
// the orchestrator needs, including the mutation-safe SetContext
// primitive for background rewrites.
type ContextPlugin interface {
	pluginregistry.Plugin
	GetContext(ctx context.Context, userID, threadID string, stripReasoning bool) ([]models.ContextEntry, error)
	AddMessage(ctx context.Context, userID, threadID string, entry models.ContextEntry) (string, error)
	RemoveMessages(userID, threadID string, ids []string)
	MutationCount(userID, threadID string) (int64, bool)
	SetContext(expectedMutation int64, userID, threadID string, entries []models.ContextEntry) bool
}

// SystemPromptPlugin is the `system_prompt` role: resolve a caller-chosen
// key to the prompt text the model should see.
type SystemPromptPlugin interface {
	pluginregistry.Plugin
	Resolve(ctx context.Context, key string) (string, error)
}

// historyAdapter wraps a *historylog.Log as a HistoryPlugin so the
// concrete façade can be registered under the history role without
// historylog itself depending on pluginregistry.
type historyAdapter struct {
	*historylog.Log
}

func (historyAdapter) Name() string  { return "historylog" }
func (historyAdapter) Priority() int { return 0 }

// NewHistoryPlugin adapts log into the history role.
func NewHistoryPlugin(log *historylog.Log) HistoryPlugin {
	return historyAdapter{log}
}

// contextAdapter wraps a *contextcache.Cache as a ContextPlugin.
type contextAdapter struct {
	*contextcache.Cache
}

func (contextAdapter) Name() string  { return "contextcache" }
func (contextAdapter) Priority() int { return 0 }

// NewContextPlugin adapts cache into the context role.
func NewContextPlugin(cache *contextcache.Cache) ContextPlugin {
	return contextAdapter{cache}
}

// StaticSystemPrompts is the simplest SystemPromptPlugin: a fixed
// key→text map set up at startup, with fallback to a default key when
// the caller doesn't choose one.
type StaticSystemPrompts struct {
	prompts    map[string]string
	defaultKey string
	priority   int
}

// NewStaticSystemPrompts returns a SystemPromptPlugin backed by a fixed
// map, falling back to prompts[defaultKey] (possibly "") when Resolve is
// called with an empty key.
func NewStaticSystemPrompts(prompts map[string]string, defaultKey string) *StaticSystemPrompts {
	if prompts == nil {
		prompts = map[string]string{}
	}
	return &StaticSystemPrompts{prompts: prompts, defaultKey: defaultKey}
}

func (s *StaticSystemPrompts) Name() string  { return "static_system_prompts" }
func (s *StaticSystemPrompts) Priority() int { return s.priority }

// Resolve returns prompts[key], or prompts[defaultKey] if key is empty.
// An unknown non-empty key resolves to "" rather than erroring, since an
// absent system prompt is a valid configuration.
func (s *StaticSystemPrompts) Resolve(_ context.Context, key string) (string, error) {
	if key == "" {
		key = s.defaultKey
	}
	return s.prompts[key], nil
}
