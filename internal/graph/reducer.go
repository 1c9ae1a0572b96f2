package graph

import (
	"context"
	"log/slog"
)

// reduce merges updates into the working list and enforces the
// structural invariants. It is idempotent: reducing a reduced list
// with no updates returns it unchanged.
//
// Rules, in order:
//  1. Non-summary system messages are dropped; the dedicated nodes
//     re-inject system_prompt and user_facts themselves.
//  2. At most one history summary survives (the last one seen).
//  3. A tool_response must immediately follow an assistant message
//     whose tool_calls include its id; orphans are dropped with a
//     warning. A trailing orphan is logged as an error because it
//     means a tool round was torn mid-write.
//  4. The retained summary is placed at the front, after the system
//     prompt and facts blocks.
func reduce(ctx context.Context, logger *slog.Logger, existing, updates []ChatMessage) []ChatMessage {
	merged := make([]ChatMessage, 0, len(existing)+len(updates))
	merged = append(merged, existing...)
	merged = append(merged, updates...)

	var systemPrompt, userFacts, summary *ChatMessage
	body := make([]ChatMessage, 0, len(merged))

	for i := range merged {
		m := merged[i]
		switch m.Kind {
		case KindSystemPrompt:
			// Rule 1: keep only the first prompt; dedicated nodes own it.
			if systemPrompt == nil {
				systemPrompt = &merged[i]
			}
		case KindUserFacts:
			if userFacts == nil {
				userFacts = &merged[i]
			}
		case KindHistorySummary:
			// Rule 2: last summary wins.
			summary = &merged[i]
		default:
			body = append(body, m)
		}
	}

	// Rule 3: validate tool pairing over the conversational body.
	paired := make([]ChatMessage, 0, len(body))
	for i := range body {
		m := body[i]
		if m.Kind != KindToolResponse {
			paired = append(paired, m)
			continue
		}
		ok := false
		if n := len(paired); n > 0 {
			prev := &paired[n-1]
			// Consecutive responses to one assistant message are legal;
			// walk back over them to the requesting assistant message.
			for j := n - 1; j >= 0; j-- {
				if paired[j].Kind == KindAssistant {
					prev = &paired[j]
					break
				}
				if paired[j].Kind != KindToolResponse {
					break
				}
			}
			ok = prev.Kind == KindAssistant && prev.hasToolCall(m.ToolCallID)
		}
		if !ok {
			if i == len(body)-1 {
				logger.ErrorContext(ctx, "trailing orphan tool response dropped",
					"tool_call_id", m.ToolCallID)
			} else {
				logger.WarnContext(ctx, "orphan tool response dropped",
					"tool_call_id", m.ToolCallID)
			}
			continue
		}
		paired = append(paired, m)
	}

	// Rule 4: reassemble with the system channel in front.
	out := make([]ChatMessage, 0, len(paired)+3)
	if systemPrompt != nil {
		out = append(out, *systemPrompt)
	}
	if userFacts != nil {
		out = append(out, *userFacts)
	}
	if summary != nil {
		out = append(out, *summary)
	}
	return append(out, paired...)
}
