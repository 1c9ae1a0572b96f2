package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/marloweai/marlowe/internal/retry"
	"github.com/marloweai/marlowe/pkg/models"
)

// MessagesAPI is the subset of the Anthropic SDK message service the
// provider uses. *sdk.MessageService satisfies it; tests pass a mock.
type MessagesAPI interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicProvider implements ChatProvider on the Claude Messages API.
type AnthropicProvider struct {
	msg          MessagesAPI
	defaultModel string
	maxTokens    int
	retryCfg     retry.Config
}

// AnthropicConfig configures the provider.
type AnthropicConfig struct {
	// APIKey is required unless a custom MessagesAPI is injected.
	APIKey string
	// DefaultModel is used when ChatRequest.Model is empty.
	DefaultModel string
	// MaxTokens is the default completion cap. Default 4096.
	MaxTokens int
	// Messages overrides the SDK service, for tests.
	Messages MessagesAPI
}

// NewAnthropicProvider creates a provider with retry on transient
// failures (3 attempts, exponential backoff).
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	msg := cfg.Messages
	if msg == nil {
		if cfg.APIKey == "" {
			return nil, errors.New("anthropic: api key is required")
		}
		client := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
		msg = &client.Messages
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = string(sdk.ModelClaudeSonnet4_20250514)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	retryCfg := retry.Exponential(3, time.Second, 10*time.Second)
	retryCfg.Retryable = isTransientProviderErr
	return &AnthropicProvider{
		msg:          msg,
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		retryCfg:     retryCfg,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Chat sends a non-streaming Messages request.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	resp, result := retry.DoWithValue(ctx, p.retryCfg, func(ctx context.Context) (*sdk.Message, error) {
		msg, err := p.msg.New(ctx, *params)
		if err != nil {
			return nil, classifyAnthropicErr(err)
		}
		return msg, nil
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return translateAnthropicResponse(resp), nil
}

func (p *AnthropicProvider) buildParams(req *ChatRequest) (*sdk.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return params, nil
}

// convertAnthropicMessages maps chat messages to the Messages API
// shape. Tool results become user-role tool_result blocks; assistant
// tool calls become tool_use blocks.
func convertAnthropicMessages(messages []ChatMessage) ([]sdk.MessageParam, error) {
	var result []sdk.MessageParam
	for _, m := range messages {
		var content []sdk.ContentBlockParamUnion

		switch m.Role {
		case ChatRoleAssistant:
			if m.Content != "" {
				content = append(content, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				var input any
				if len(call.Input) > 0 {
					if err := json.Unmarshal(call.Input, &input); err != nil {
						return nil, fmt.Errorf("anthropic: invalid tool call input for %s: %w", call.Name, err)
					}
				}
				content = append(content, sdk.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, sdk.NewAssistantMessage(content...))

		case ChatRoleTool:
			content = append(content, sdk.NewToolResultBlock(m.ToolCallID, m.Content, false))
			result = append(result, sdk.NewUserMessage(content...))

		case ChatRoleUser, ChatRoleSystem:
			// System text reaching this path is inline context (facts,
			// summaries); Anthropic accepts it only as user content.
			content = append(content, sdk.NewTextBlock(m.Content))
			result = append(result, sdk.NewUserMessage(content...))

		default:
			return nil, fmt.Errorf("anthropic: unknown chat role %q", m.Role)
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []ToolSpec) ([]sdk.ToolUnionParam, error) {
	result := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		param := sdk.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", tool.Name)
		}
		param.OfTool.Description = sdk.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func translateAnthropicResponse(msg *sdk.Message) *ChatResponse {
	resp := &ChatResponse{
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: json.RawMessage(block.Input),
			})
		}
	}
	return resp
}

func classifyAnthropicErr(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		default:
			return retry.Permanent(err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Permanent(err)
	}
	// Connection-level failure.
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

func isTransientProviderErr(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrProviderUnavailable)
}
