package graph

import (
	"fmt"

	"github.com/marloweai/marlowe/pkg/models"
)

// node names the graph's states. The transition table in graph.go is
// the single source of truth for edges.
type node string

const (
	nodeInitState          node = "init_state"
	nodeLoadContext        node = "load_context"
	nodeRetrieveMemories   node = "retrieve_memories"
	nodeLoadUserFacts      node = "load_user_facts"
	nodeShouldSummarize    node = "should_summarize"
	nodeSummarizeHistory   node = "summarize_history"
	nodeEnsureContextLimit node = "ensure_context_limit"
	nodeAssistant          node = "assistant"
	nodeTools              node = "tools"
	nodeFinalize           node = "finalize_processing"
	nodeEnd                node = "end"
)

// ThreadID derives the checkpoint key for a conversation.
func ThreadID(userID, assistantID int64) string {
	return fmt.Sprintf("user_%d_assistant_%d", userID, assistantID)
}

// State is the working state of one graph invocation. It is
// checkpointed after every node, so everything here must serialize.
type State struct {
	UserID        int64  `json:"user_id"`
	AssistantID   int64  `json:"assistant_id"`
	CorrelationID string `json:"correlation_id"`

	// Node is the next node to execute; resuming picks up here.
	Node node `json:"node"`

	// Messages is the working message list maintained by the reducer.
	Messages []ChatMessage `json:"messages"`

	// IncomingText is the user turn being processed. For triggers it
	// holds the synthesized reminder notification.
	IncomingText string `json:"incoming_text"`

	// IncomingKind distinguishes a real user turn (KindHuman, the
	// default) from a platform-synthesized one (KindSystemNotice).
	IncomingKind ChatKind `json:"incoming_kind,omitempty"`

	// IncomingMessageID is the persisted row of the incoming turn;
	// finalize flips its status.
	IncomingMessageID int64 `json:"incoming_message_id"`

	// Summary is the latest summary loaded for the thread, nil if none.
	Summary *models.Summary `json:"summary,omitempty"`

	// PendingFacts and PendingMemories are rendered into the
	// user_facts block by load_user_facts.
	PendingFacts    []string `json:"pending_facts,omitempty"`
	PendingMemories []string `json:"pending_memories,omitempty"`

	// MessagesSinceSummary counts persisted conversational turns after
	// the latest summary; drives the summarization predicate.
	MessagesSinceSummary int `json:"messages_since_summary"`

	// NewlySummarizedIDs are message rows covered by a summary created
	// during this run; finalize links and re-statuses them.
	NewlySummarizedIDs []int64 `json:"newly_summarized_ids,omitempty"`
	// NewSummaryID is the summary those rows link to.
	NewSummaryID int64 `json:"new_summary_id,omitempty"`

	// TokenCount is the current estimate for Messages.
	TokenCount int `json:"token_count"`

	// ToolRounds counts assistant→tools loops, bounded by the engine.
	ToolRounds int `json:"tool_rounds"`

	// FinalText is the assistant's final reply once produced.
	FinalText string `json:"final_text,omitempty"`
}

// NewState seeds the working state for one turn.
func NewState(userID, assistantID int64, correlationID, incomingText string, incomingMessageID int64) *State {
	return &State{
		UserID:            userID,
		AssistantID:       assistantID,
		CorrelationID:     correlationID,
		Node:              nodeInitState,
		IncomingText:      incomingText,
		IncomingMessageID: incomingMessageID,
	}
}

// ThreadID returns the state's checkpoint key.
func (s *State) ThreadID() string {
	return ThreadID(s.UserID, s.AssistantID)
}

// latestAssistant returns the last assistant message, or nil.
func (s *State) latestAssistant() *ChatMessage {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Kind == KindAssistant {
			return &s.Messages[i]
		}
	}
	return nil
}
