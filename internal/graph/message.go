// Package graph implements the assistant conversation state machine:
// history loading, system-prompt and fact injection, context-window
// enforcement with summarization, LLM invocation with tool binding,
// tool execution, and persistence finalization. State is checkpointed
// per thread so runs are resumable.
package graph

import (
	"encoding/json"
	"fmt"

	"github.com/marloweai/marlowe/internal/providers"
	"github.com/marloweai/marlowe/pkg/models"
)

// ChatKind tags a message in working state. The kinds form a closed
// set; the reducer and the provider translation both switch on it.
type ChatKind string

const (
	KindSystemPrompt   ChatKind = "system_prompt"
	KindUserFacts      ChatKind = "user_facts"
	KindHistorySummary ChatKind = "history_summary"
	KindHuman          ChatKind = "human"
	KindAssistant      ChatKind = "assistant"
	KindToolResponse   ChatKind = "tool_response"
	// KindSystemNotice is a platform-synthesized turn, such as a fired
	// reminder. It occupies the user slot in the conversation but is
	// rendered on the system channel so the model does not attribute
	// it to the user.
	KindSystemNotice ChatKind = "system_notice"
)

// isSystem reports whether k is one of the system-channel kinds.
func (k ChatKind) isSystem() bool {
	return k == KindSystemPrompt || k == KindUserFacts || k == KindHistorySummary
}

// ChatMessage is one entry of the working message list. PersistedID
// links back to the state-store row when the message came from (or
// went to) storage; zero means ephemeral.
type ChatMessage struct {
	Kind        ChatKind          `json:"kind"`
	Content     string            `json:"content"`
	ToolCalls   []models.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID  string            `json:"tool_call_id,omitempty"`
	PersistedID int64             `json:"persisted_id,omitempty"`
}

// hasToolCall reports whether the message requests the given call id.
func (m *ChatMessage) hasToolCall(id string) bool {
	for _, call := range m.ToolCalls {
		if call.ID == id {
			return true
		}
	}
	return false
}

// fromPersisted converts a stored message row into working state.
func fromPersisted(msg models.Message) (ChatMessage, error) {
	cm := ChatMessage{
		Content:     msg.Content,
		ToolCalls:   msg.ToolCalls,
		ToolCallID:  msg.ToolCallID,
		PersistedID: msg.ID,
	}
	switch msg.Role {
	case models.RoleHuman:
		cm.Kind = KindHuman
	case models.RoleAssistant, models.RoleToolRequest:
		cm.Kind = KindAssistant
	case models.RoleToolResponse:
		cm.Kind = KindToolResponse
	default:
		return ChatMessage{}, fmt.Errorf("unknown persisted role %q", msg.Role)
	}
	return cm, nil
}

// toProvider translates the working list into a provider chat request.
// System-channel messages are folded into provider-native shapes: the
// system prompt stays separate, facts and summaries travel as user
// context.
func toProvider(messages []ChatMessage) (system string, chat []providers.ChatMessage) {
	for _, m := range messages {
		switch m.Kind {
		case KindSystemPrompt:
			system = m.Content
		case KindUserFacts, KindHistorySummary, KindSystemNotice:
			chat = append(chat, providers.ChatMessage{
				Role:    providers.ChatRoleSystem,
				Content: m.Content,
			})
		case KindHuman:
			chat = append(chat, providers.ChatMessage{
				Role:    providers.ChatRoleUser,
				Content: m.Content,
			})
		case KindAssistant:
			chat = append(chat, providers.ChatMessage{
				Role:      providers.ChatRoleAssistant,
				Content:   m.Content,
				ToolCalls: m.ToolCalls,
			})
		case KindToolResponse:
			chat = append(chat, providers.ChatMessage{
				Role:       providers.ChatRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return system, chat
}

// perMessageOverhead is a rough allowance for role tags and framing.
const perMessageOverhead = 4

// estimateTokens approximates the token cost of one message with a
// chars/4 heuristic. Exact tokenizer parity is not needed; the budget
// checks only require a stable approximation.
func estimateTokens(m *ChatMessage) int {
	n := len(m.Content)
	if len(m.ToolCalls) > 0 {
		if raw, err := json.Marshal(m.ToolCalls); err == nil {
			n += len(raw)
		}
	}
	return n/4 + perMessageOverhead
}

// estimateTotal sums estimated tokens across the list.
func estimateTotal(messages []ChatMessage) int {
	total := 0
	for i := range messages {
		total += estimateTokens(&messages[i])
	}
	return total
}
