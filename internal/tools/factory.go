package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/marloweai/marlowe/internal/statestore"
	"github.com/marloweai/marlowe/pkg/models"
)

// Factory builds tool registries from declarative definitions. One
// factory serves all invocations; the per-turn binding happens in
// Build.
type Factory struct {
	store    *statestore.Client
	searcher Searcher
	calendar CalendarService
	runner   DelegateRunner
	logger   *slog.Logger
	now      func() time.Time

	memoryLimit     int
	memoryThreshold float64
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithSearcher sets the web search backend.
func WithSearcher(s Searcher) FactoryOption {
	return func(f *Factory) { f.searcher = s }
}

// WithCalendar sets the external calendar integration.
func WithCalendar(c CalendarService) FactoryOption {
	return func(f *Factory) { f.calendar = c }
}

// WithDelegateRunner sets the graph runner used by sub-assistant tools.
func WithDelegateRunner(r DelegateRunner) FactoryOption {
	return func(f *Factory) { f.runner = r }
}

// WithFactoryLogger sets the logger.
func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = logger }
}

// WithFactoryNow injects the clock, for tests.
func WithFactoryNow(now func() time.Time) FactoryOption {
	return func(f *Factory) { f.now = now }
}

// WithMemorySettings sets retrieval tunables from global settings.
func WithMemorySettings(limit int, threshold float64) FactoryOption {
	return func(f *Factory) {
		f.memoryLimit = limit
		f.memoryThreshold = threshold
	}
}

// NewFactory creates a tool factory backed by the state store.
func NewFactory(store *statestore.Client, opts ...FactoryOption) *Factory {
	f := &Factory{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "tool_factory")
	return f
}

// SetDelegateRunner wires the graph runner after construction. The
// runner depends on the factory, so the cycle is broken here.
func (f *Factory) SetDelegateRunner(r DelegateRunner) { f.runner = r }

// Build materializes a registry for one invocation. A definition that
// fails to build is logged and skipped; one misconfigured tool must
// not disable the assistant.
func (f *Factory) Build(ctx context.Context, defs []models.ToolDefinition, inv Invocation) *Registry {
	registry := NewRegistry(f.logger)
	for _, def := range defs {
		if !def.Active {
			continue
		}
		tool, err := f.build(def, inv)
		if err == nil && len(def.InputSchema) > 0 {
			// A schema stored on the definition overrides the built-in one.
			tool = &schemaOverride{Tool: tool, schema: def.InputSchema}
		}
		if err != nil {
			f.logger.ErrorContext(ctx, "skipping tool",
				"tool", def.Name,
				"kind", def.Kind,
				"error", err,
			)
			continue
		}
		if err := registry.Register(tool); err != nil {
			f.logger.ErrorContext(ctx, "skipping tool",
				"tool", def.Name,
				"kind", def.Kind,
				"error", err,
			)
		}
	}
	return registry
}

type schemaOverride struct {
	Tool
	schema json.RawMessage
}

func (s *schemaOverride) Schema() json.RawMessage { return s.schema }

func (f *Factory) build(def models.ToolDefinition, inv Invocation) (Tool, error) {
	if !ValidName(def.Name) {
		return nil, fmt.Errorf("invalid tool name %q", def.Name)
	}
	switch def.Kind {
	case models.ToolKindTime:
		return NewTimeTool(def.Name, def.Description, inv, f.now), nil
	case models.ToolKindCalendarCreate:
		return NewCalendarCreateTool(def.Name, def.Description, inv, f.calendar)
	case models.ToolKindCalendarList:
		return NewCalendarListTool(def.Name, def.Description, inv, f.calendar, f.now)
	case models.ToolKindReminderCreate:
		return NewReminderCreateTool(def.Name, def.Description, inv, f.store, f.now)
	case models.ToolKindReminderList:
		return NewReminderListTool(def.Name, def.Description, inv, f.store)
	case models.ToolKindReminderDelete:
		return NewReminderDeleteTool(def.Name, def.Description, inv, f.store)
	case models.ToolKindMemorySave:
		return NewMemorySaveTool(def.Name, def.Description, inv, f.store)
	case models.ToolKindMemorySearch:
		return NewMemorySearchTool(def.Name, def.Description, inv, f.store, f.memoryLimit, f.memoryThreshold)
	case models.ToolKindWebSearch:
		return NewWebSearchTool(def.Name, def.Description, f.searcher)
	case models.ToolKindSubAssistant:
		var delegateID int64
		if def.DelegateAssistantID != nil {
			delegateID = *def.DelegateAssistantID
		}
		if delegateID == inv.AssistantID {
			// Delegating to the running assistant would deadlock on its
			// own thread lock.
			return nil, fmt.Errorf("sub-assistant tool %q delegates to its own assistant %d", def.Name, delegateID)
		}
		return NewSubAssistantTool(def.Name, def.Description, inv, delegateID, f.runner)
	default:
		return nil, fmt.Errorf("unknown tool kind %q", def.Kind)
	}
}
