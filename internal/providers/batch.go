package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/jsonl"
)

// BatchesAPI is the subset of the Anthropic SDK batch service the
// submitter uses. *sdk.MessageBatchService satisfies it.
type BatchesAPI interface {
	New(ctx context.Context, body sdk.MessageBatchNewParams, opts ...option.RequestOption) (*sdk.MessageBatch, error)
	Get(ctx context.Context, messageBatchID string, opts ...option.RequestOption) (*sdk.MessageBatch, error)
	ResultsStreaming(ctx context.Context, messageBatchID string, opts ...option.RequestOption) *jsonl.Stream[sdk.MessageBatchIndividualResponse]
}

// AnthropicBatchClient implements BatchSubmitter on the Message
// Batches API. Batches trade latency for cost, which suits background
// extraction work.
type AnthropicBatchClient struct {
	batches      BatchesAPI
	defaultModel string
	maxTokens    int
}

// AnthropicBatchConfig configures the batch client.
type AnthropicBatchConfig struct {
	APIKey       string
	DefaultModel string
	MaxTokens    int
	// Batches overrides the SDK service, for tests.
	Batches BatchesAPI
}

// NewAnthropicBatchClient creates a Message Batches client.
func NewAnthropicBatchClient(cfg AnthropicBatchConfig) (*AnthropicBatchClient, error) {
	batches := cfg.Batches
	if batches == nil {
		if cfg.APIKey == "" {
			return nil, errors.New("anthropic batch: api key is required")
		}
		client := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
		batches = &client.Messages.Batches
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = string(sdk.ModelClaudeSonnet4_20250514)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &AnthropicBatchClient{
		batches:      batches,
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

// SubmitBatch creates a message batch and returns the provider batch ID.
func (c *AnthropicBatchClient) SubmitBatch(ctx context.Context, items []BatchItem) (string, error) {
	if len(items) == 0 {
		return "", errors.New("anthropic batch: empty batch")
	}
	requests := make([]sdk.MessageBatchNewParamsRequest, 0, len(items))
	for _, item := range items {
		if item.CustomID == "" {
			return "", errors.New("anthropic batch: item custom id is required")
		}
		params, err := c.itemParams(&item.Request)
		if err != nil {
			return "", fmt.Errorf("anthropic batch: item %s: %w", item.CustomID, err)
		}
		requests = append(requests, sdk.MessageBatchNewParamsRequest{
			CustomID: item.CustomID,
			Params:   params,
		})
	}
	batch, err := c.batches.New(ctx, sdk.MessageBatchNewParams{Requests: requests})
	if err != nil {
		return "", classifyAnthropicErr(err)
	}
	return batch.ID, nil
}

// BatchStatus returns the coarse processing state of a batch.
func (c *AnthropicBatchClient) BatchStatus(ctx context.Context, batchID string) (BatchState, error) {
	batch, err := c.batches.Get(ctx, batchID)
	if err != nil {
		return "", classifyAnthropicErr(err)
	}
	switch batch.ProcessingStatus {
	case "ended":
		return BatchEnded, nil
	case "in_progress", "canceling":
		return BatchInProgress, nil
	default:
		return BatchFailed, fmt.Errorf("anthropic batch: unexpected processing status %q", batch.ProcessingStatus)
	}
}

// CollectBatch streams the results of an ended batch. Per-item
// failures are reported in BatchResult.Err, not as a call error.
func (c *AnthropicBatchClient) CollectBatch(ctx context.Context, batchID string) ([]BatchResult, error) {
	stream := c.batches.ResultsStreaming(ctx, batchID)
	defer stream.Close()

	var results []BatchResult
	for stream.Next() {
		entry := stream.Current()
		result := BatchResult{CustomID: entry.CustomID}
		switch entry.Result.Type {
		case "succeeded":
			result.Response = translateAnthropicResponse(&entry.Result.Message)
		case "errored":
			result.Err = fmt.Errorf("anthropic batch: item %s errored: %s", entry.CustomID, errorDetail(entry.Result))
		default:
			result.Err = fmt.Errorf("anthropic batch: item %s %s", entry.CustomID, entry.Result.Type)
		}
		results = append(results, result)
	}
	if err := stream.Err(); err != nil {
		return nil, classifyAnthropicErr(err)
	}
	return results, nil
}

func (c *AnthropicBatchClient) itemParams(req *ChatRequest) (sdk.MessageBatchNewParamsRequestParams, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return sdk.MessageBatchNewParamsRequestParams{}, err
	}
	params := sdk.MessageBatchNewParamsRequestParams{
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
			return sdk.MessageBatchNewParamsRequestParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func errorDetailJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "unknown error"
	}
	return string(raw)
}

func errorDetail(result sdk.MessageBatchResultUnion) string {
	return errorDetailJSON(result.Error)
}
