package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/marloweai/marlowe/internal/providers"
)

// maxParamsSize bounds tool parameter JSON to keep a misbehaving model
// from exhausting memory.
const maxParamsSize = 1 << 20

// Registry holds the tools available to one graph invocation. Lookup
// is thread-safe because the tools node fans out across goroutines.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger.With("component", "tools"),
	}
}

// Register adds a tool, compiling its schema for input validation.
// Invalid names or schemas are rejected so one bad definition cannot
// poison execution later.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if !ValidName(name) {
		return fmt.Errorf("invalid tool name %q", name)
	}
	var compiled *jsonschema.Schema
	if raw := tool.Schema(); len(raw) > 0 {
		schema, err := jsonschema.CompileString(name, string(raw))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", name, err)
		}
		compiled = schema
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	if compiled != nil {
		r.schemas[name] = compiled
	}
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Specs returns provider-facing tool specs in name order.
func (r *Registry) Specs() []providers.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]providers.ToolSpec, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, providers.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute validates params against the tool's schema and runs it.
// Every failure mode comes back as an error result, never a Go error:
// the conversation must continue even when a tool breaks.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (result *ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec)
			result = errorResult(name, CodeUnexpectedError, "tool panicked: %v", rec)
		}
	}()

	if len(params) > maxParamsSize {
		return errorResult(name, CodeInvalidInput, "parameters exceed %d bytes", maxParamsSize)
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return errorResult(name, CodeConfigurationError, "tool not found")
	}

	if schema != nil {
		var payload any
		raw := params
		if len(raw) == 0 {
			raw = json.RawMessage(`{}`)
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return errorResult(name, CodeInvalidInput, "parameters are not valid JSON: %v", err)
		}
		if err := schema.Validate(payload); err != nil {
			return errorResult(name, CodeInvalidInput, "%v", err)
		}
	}

	res, err := tool.Execute(ctx, params)
	if err != nil {
		r.logger.Error("tool execution failed", "tool", name, "error", err)
		return errorResult(name, CodeUnexpectedError, "%v", err)
	}
	return res
}
