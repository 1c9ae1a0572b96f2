package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/marloweai/marlowe/pkg/models"
)

// MemoryStore is the state-store surface the memory tools need.
type MemoryStore interface {
	CreateMemory(ctx context.Context, memory models.Memory) (*models.Memory, error)
	SearchMemory(ctx context.Context, req models.MemorySearchRequest) ([]models.MemorySearchResult, error)
}

// MemorySaveTool persists a fact about the user for later retrieval.
type MemorySaveTool struct {
	name        string
	description string
	inv         Invocation
	store       MemoryStore
}

// NewMemorySaveTool builds the memory save tool.
func NewMemorySaveTool(name, description string, inv Invocation, store MemoryStore) (*MemorySaveTool, error) {
	if store == nil {
		return nil, errors.New("memory store is required")
	}
	if description == "" {
		description = "Save an important fact about the user for future conversations."
	}
	return &MemorySaveTool{name: name, description: description, inv: inv, store: store}, nil
}

func (t *MemorySaveTool) Name() string        { return t.name }
func (t *MemorySaveTool) Description() string { return t.description }

func (t *MemorySaveTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {
				"type": "string",
				"description": "The fact to remember, phrased as a standalone statement"
			},
			"memory_type": {
				"type": "string",
				"enum": ["user_fact", "preference", "event", "conversation_insight"],
				"description": "What kind of fact this is (default: user_fact)"
			},
			"importance": {
				"type": "integer",
				"minimum": 1,
				"maximum": 10,
				"description": "How important the fact is, 1-10 (default: 5)"
			}
		},
		"required": ["text"]
	}`)
}

// Execute persists the memory.
func (t *MemorySaveTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if t.inv.UserID == 0 {
		return errorResult(t.name, CodeUserIDRequired, "no user bound to this invocation"), nil
	}
	var input struct {
		Text       string `json:"text"`
		MemoryType string `json:"memory_type"`
		Importance int    `json:"importance"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(t.name, CodeInvalidInput, "parse input: %v", err), nil
	}
	if strings.TrimSpace(input.Text) == "" {
		return errorResult(t.name, CodeInvalidInput, "text is required"), nil
	}

	memType := models.MemoryType(input.MemoryType)
	if input.MemoryType == "" {
		memType = models.MemoryTypeUserFact
	}
	if !memType.Valid() {
		return errorResult(t.name, CodeInvalidInput, "unknown memory_type %q", input.MemoryType), nil
	}
	importance := input.Importance
	if importance == 0 {
		importance = 5
	}
	if importance < 1 || importance > 10 {
		return errorResult(t.name, CodeInvalidInput, "importance must be 1-10"), nil
	}

	assistantID := t.inv.AssistantID
	memory, err := t.store.CreateMemory(ctx, models.Memory{
		UserID:      t.inv.UserID,
		AssistantID: &assistantID,
		Text:        input.Text,
		Type:        memType,
		Importance:  importance,
	})
	if err != nil {
		return storeErrorResult(t.name, "save memory", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Remembered (memory %d): %s", memory.ID, input.Text)}, nil
}

// MemorySearchTool retrieves memories by semantic similarity.
type MemorySearchTool struct {
	name        string
	description string
	inv         Invocation
	store       MemoryStore
	limit       int
	threshold   float64
}

// NewMemorySearchTool builds the memory search tool with retrieval
// settings from global configuration.
func NewMemorySearchTool(name, description string, inv Invocation, store MemoryStore, limit int, threshold float64) (*MemorySearchTool, error) {
	if store == nil {
		return nil, errors.New("memory store is required")
	}
	if limit <= 0 {
		limit = models.DefaultMemoryRetrieveLimit
	}
	if threshold <= 0 {
		threshold = models.DefaultMemoryRetrieveThreshold
	}
	if description == "" {
		description = "Search previously saved memories about the user."
	}
	return &MemorySearchTool{
		name:        name,
		description: description,
		inv:         inv,
		store:       store,
		limit:       limit,
		threshold:   threshold,
	}, nil
}

func (t *MemorySearchTool) Name() string        { return t.name }
func (t *MemorySearchTool) Description() string { return t.description }

func (t *MemorySearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "What to look for"
			},
			"limit": {
				"type": "integer",
				"minimum": 1,
				"maximum": 20,
				"description": "Maximum memories to return"
			}
		},
		"required": ["query"]
	}`)
}

// Execute searches memories.
func (t *MemorySearchTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if t.inv.UserID == 0 {
		return errorResult(t.name, CodeUserIDRequired, "no user bound to this invocation"), nil
	}
	var input struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(t.name, CodeInvalidInput, "parse input: %v", err), nil
	}
	if strings.TrimSpace(input.Query) == "" {
		return errorResult(t.name, CodeInvalidInput, "query is required"), nil
	}
	limit := input.Limit
	if limit <= 0 || limit > 20 {
		limit = t.limit
	}

	results, err := t.store.SearchMemory(ctx, models.MemorySearchRequest{
		Query:     input.Query,
		UserID:    t.inv.UserID,
		Limit:     limit,
		Threshold: t.threshold,
	})
	if err != nil {
		return storeErrorResult(t.name, "search memory", err), nil
	}
	if len(results) == 0 {
		return &ToolResult{Content: "No matching memories found."}, nil
	}

	var lines []string
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("- %s (%s, importance %d)", r.Memory.Text, r.Memory.Type, r.Memory.Importance))
	}
	return &ToolResult{Content: strings.Join(lines, "\n")}, nil
}
