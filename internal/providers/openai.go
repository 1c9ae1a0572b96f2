package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/marloweai/marlowe/internal/retry"
	"github.com/marloweai/marlowe/pkg/models"
)

// ChatCompletionAPI is the subset of the go-openai client used for
// chat. *openai.Client satisfies it.
type ChatCompletionAPI interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIProvider implements ChatProvider on the Chat Completions API.
type OpenAIProvider struct {
	chat         ChatCompletionAPI
	defaultModel string
	maxTokens    int
	retryCfg     retry.Config
}

// OpenAIConfig configures the provider.
type OpenAIConfig struct {
	APIKey       string
	DefaultModel string
	MaxTokens    int
	// Chat overrides the SDK client, for tests.
	Chat ChatCompletionAPI
}

// NewOpenAIProvider creates a provider with retry on transient failures.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	chat := cfg.Chat
	if chat == nil {
		if cfg.APIKey == "" {
			return nil, errors.New("openai: api key is required")
		}
		chat = openai.NewClient(cfg.APIKey)
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4o
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	retryCfg := retry.Exponential(3, time.Second, 10*time.Second)
	retryCfg.Retryable = isTransientProviderErr
	return &OpenAIProvider{
		chat:         chat,
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		retryCfg:     retryCfg,
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

// Chat sends a chat completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	converted, err := convertOpenAIMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	messages = append(messages, converted...)

	request := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
		Tools:     encodeOpenAITools(req.Tools),
	}

	resp, result := retry.DoWithValue(ctx, p.retryCfg, func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		r, err := p.chat.CreateChatCompletion(ctx, request)
		if err != nil {
			return openai.ChatCompletionResponse{}, classifyOpenAIErr(err)
		}
		return r, nil
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return translateOpenAIResponse(resp)
}

func convertOpenAIMessages(messages []ChatMessage) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case ChatRoleUser, ChatRoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})
		case ChatRoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, call := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			result = append(result, msg)
		case ChatRoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			return nil, fmt.Errorf("openai: unknown chat role %q", m.Role)
		}
	}
	return result, nil
}

func encodeOpenAITools(tools []ToolSpec) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return result
}

func translateOpenAIResponse(resp openai.ChatCompletionResponse) (*ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]
	result := &ChatResponse{
		Text:         choice.Message.Content,
		StopReason:   string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, call := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, models.ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: json.RawMessage(call.Function.Arguments),
		})
	}
	return result, nil
}

func classifyOpenAIErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		default:
			return retry.Permanent(err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Permanent(err)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
