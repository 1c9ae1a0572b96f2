package providers

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/jsonl"
)

type stubBatchesAPI struct {
	newParams sdk.MessageBatchNewParams
	batch     *sdk.MessageBatch
	err       error
}

func (s *stubBatchesAPI) New(_ context.Context, body sdk.MessageBatchNewParams, _ ...option.RequestOption) (*sdk.MessageBatch, error) {
	s.newParams = body
	return s.batch, s.err
}

func (s *stubBatchesAPI) Get(_ context.Context, _ string, _ ...option.RequestOption) (*sdk.MessageBatch, error) {
	return s.batch, s.err
}

func (s *stubBatchesAPI) ResultsStreaming(_ context.Context, _ string, _ ...option.RequestOption) *jsonl.Stream[sdk.MessageBatchIndividualResponse] {
	return nil
}

func newTestBatchClient(t *testing.T, stub *stubBatchesAPI) *AnthropicBatchClient {
	t.Helper()
	c, err := NewAnthropicBatchClient(AnthropicBatchConfig{Batches: stub, DefaultModel: "claude-test"})
	if err != nil {
		t.Fatalf("NewAnthropicBatchClient: %v", err)
	}
	return c
}

func TestSubmitBatch(t *testing.T) {
	stub := &stubBatchesAPI{batch: &sdk.MessageBatch{ID: "batch_123"}}
	c := newTestBatchClient(t, stub)

	id, err := c.SubmitBatch(context.Background(), []BatchItem{
		{CustomID: "conv-1", Request: ChatRequest{
			System:   "extract facts",
			Messages: []ChatMessage{{Role: ChatRoleUser, Content: "I live in Lisbon"}},
		}},
		{CustomID: "conv-2", Request: ChatRequest{
			Messages: []ChatMessage{{Role: ChatRoleUser, Content: "my cat is Momo"}},
		}},
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if id != "batch_123" {
		t.Errorf("id = %q", id)
	}
	if len(stub.newParams.Requests) != 2 {
		t.Fatalf("requests = %d", len(stub.newParams.Requests))
	}
	if stub.newParams.Requests[0].CustomID != "conv-1" {
		t.Errorf("custom id = %q", stub.newParams.Requests[0].CustomID)
	}
	if stub.newParams.Requests[1].Params.Model != "claude-test" {
		t.Errorf("model = %q", stub.newParams.Requests[1].Params.Model)
	}
}

func TestSubmitBatch_Validation(t *testing.T) {
	c := newTestBatchClient(t, &stubBatchesAPI{})
	if _, err := c.SubmitBatch(context.Background(), nil); err == nil {
		t.Error("expected error for empty batch")
	}
	if _, err := c.SubmitBatch(context.Background(), []BatchItem{{}}); err == nil {
		t.Error("expected error for missing custom id")
	}
}

func TestBatchStatus(t *testing.T) {
	cases := []struct {
		status string
		want   BatchState
		hasErr bool
	}{
		{"in_progress", BatchInProgress, false},
		{"canceling", BatchInProgress, false},
		{"ended", BatchEnded, false},
		{"bogus", BatchFailed, true},
	}
	for _, tc := range cases {
		stub := &stubBatchesAPI{batch: &sdk.MessageBatch{
			ID:               "b",
			ProcessingStatus: sdk.MessageBatchProcessingStatus(tc.status),
		}}
		c := newTestBatchClient(t, stub)
		state, err := c.BatchStatus(context.Background(), "b")
		if state != tc.want {
			t.Errorf("%s: state = %q, want %q", tc.status, state, tc.want)
		}
		if (err != nil) != tc.hasErr {
			t.Errorf("%s: err = %v", tc.status, err)
		}
	}
}
