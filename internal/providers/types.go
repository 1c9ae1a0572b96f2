// Package providers implements the LLM provider integrations for the
// Marlowe core: Anthropic and OpenAI chat completions, OpenAI
// embeddings, and the Anthropic message-batches API used by the memory
// extractor.
//
// Providers are deliberately non-streaming: the orchestrator delivers
// whole responses to the outbound stream, so partial tokens have no
// consumer here.
package providers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/marloweai/marlowe/pkg/models"
)

// Common provider errors.
var (
	// ErrRateLimited marks 429 responses; retryable with backoff.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrProviderUnavailable marks 5xx and connection failures.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// ChatRole is the wire role of a chat message.
type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleTool      ChatRole = "tool"
)

// ChatMessage is one turn sent to a provider.
type ChatMessage struct {
	Role    ChatRole
	Content string
	// ToolCalls is set on assistant turns that requested tools.
	ToolCalls []models.ToolCall
	// ToolCallID is set on tool turns carrying a tool's output.
	ToolCallID string
}

// ToolSpec advertises one invocable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ChatRequest is a complete completion request.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []ChatMessage
	Tools     []ToolSpec
	MaxTokens int
}

// ChatResponse is a completed (non-streamed) model turn: either final
// text, or a set of tool calls, or both.
type ChatResponse struct {
	Text         string
	ToolCalls    []models.ToolCall
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// HasToolCalls reports whether the model requested tool execution.
func (r *ChatResponse) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// ChatProvider is the synchronous completion interface the graph binds
// tools against.
type ChatProvider interface {
	// Name returns the provider name for logs and metrics.
	Name() string
	// Chat sends the request and blocks until the model finishes.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// Embedder produces embedding vectors for memory retrieval and
// deduplication.
type Embedder interface {
	// Embed returns one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Batch API, used by the memory extractor's submit/poll/collect flow.

// BatchState is the lifecycle of a submitted batch.
type BatchState string

const (
	BatchInProgress BatchState = "in_progress"
	BatchEnded      BatchState = "ended"
	BatchFailed     BatchState = "failed"
)

// BatchItem is one request in a batch, addressed by CustomID.
type BatchItem struct {
	CustomID string
	Request  ChatRequest
}

// BatchResult is the outcome of one batch item.
type BatchResult struct {
	CustomID string
	Response *ChatResponse
	Err      error
}

// BatchSubmitter is the asynchronous batch interface.
type BatchSubmitter interface {
	// SubmitBatch submits items and returns the provider batch id.
	SubmitBatch(ctx context.Context, items []BatchItem) (string, error)
	// BatchStatus polls a previously submitted batch.
	BatchStatus(ctx context.Context, batchID string) (BatchState, error)
	// CollectBatch fetches results for an ended batch.
	CollectBatch(ctx context.Context, batchID string) ([]BatchResult, error)
}
