package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/marloweai/marlowe/internal/observability"
	"github.com/marloweai/marlowe/internal/providers"
	"github.com/marloweai/marlowe/internal/statestore"
	"github.com/marloweai/marlowe/internal/tools"
	"github.com/marloweai/marlowe/pkg/models"
)

// ErrAssistantTimeout marks an LLM call that exceeded its deadline.
var ErrAssistantTimeout = errors.New("assistant call timed out")

// ProcessingError is a node failure carried up to the orchestrator,
// which applies the retry policy.
type ProcessingError struct {
	Node string
	Err  error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("graph node %s: %v", e.Node, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// run is one graph invocation: the engine's static dependencies plus
// the per-turn bindings.
type run struct {
	*Engine
	state     *State
	assistant *models.Assistant
	settings  models.GlobalSettings
	registry  *tools.Registry
}

// nodeInit prepends the rendered system prompt when absent.
func (r *run) nodeInit(_ context.Context) error {
	if len(r.state.Messages) > 0 && r.state.Messages[0].Kind == KindSystemPrompt {
		return nil
	}
	prompt := ChatMessage{Kind: KindSystemPrompt, Content: r.assistant.Instructions}
	r.state.Messages = append([]ChatMessage{prompt}, r.state.Messages...)
	return nil
}

// nodeLoadContext loads the latest summary, the persisted history
// after it, and the user's facts, then appends the incoming turn.
func (r *run) nodeLoadContext(ctx context.Context) error {
	summary, err := r.api.LatestSummary(ctx, r.state.UserID, r.state.AssistantID)
	if err != nil {
		return err
	}
	r.state.Summary = summary

	query := statestore.MessageQuery{
		UserID:      r.state.UserID,
		AssistantID: r.state.AssistantID,
		Status:      models.MessageStatusProcessed,
		Limit:       r.settings.HistoryLimit,
	}
	if summary != nil {
		query.IDGreater = summary.LastMessageID
	} else {
		// Without a summary floor an ascending query would return the
		// oldest rows; take the newest window instead.
		query.Descending = true
	}
	history, err := r.api.ListMessages(ctx, query)
	if err != nil {
		return err
	}
	if query.Descending {
		slices.Reverse(history)
	}

	var loaded []ChatMessage
	if summary != nil {
		loaded = append(loaded, ChatMessage{
			Kind:    KindHistorySummary,
			Content: "Conversation so far: " + summary.Text,
		})
	}
	for _, msg := range history {
		cm, err := fromPersisted(msg)
		if err != nil {
			r.logger.WarnContext(ctx, "skipping unreadable history row",
				"message_id", msg.ID, "error", err)
			continue
		}
		loaded = append(loaded, cm)
	}
	kind := r.state.IncomingKind
	if kind == "" {
		kind = KindHuman
	}
	loaded = append(loaded, ChatMessage{
		Kind:        kind,
		Content:     r.state.IncomingText,
		PersistedID: r.state.IncomingMessageID,
	})
	r.state.MessagesSinceSummary = len(history) + 1

	facts, err := r.api.GetUserFacts(ctx, r.state.UserID)
	if err != nil {
		return err
	}
	for _, fact := range facts {
		r.state.PendingFacts = append(r.state.PendingFacts, fact.Text)
	}

	r.state.Messages = reduce(ctx, r.logger, r.state.Messages, loaded)
	r.state.TokenCount = estimateTotal(r.state.Messages)
	return nil
}

// nodeRetrieveMemories asks the memory index for relevant entries.
// Retrieval failures never block the turn.
func (r *run) nodeRetrieveMemories(ctx context.Context) error {
	if r.state.IncomingText == "" {
		return nil
	}
	results, err := r.api.SearchMemory(ctx, models.MemorySearchRequest{
		Query:     r.state.IncomingText,
		UserID:    r.state.UserID,
		Limit:     r.settings.MemoryRetrieveLimit,
		Threshold: r.settings.MemoryRetrieveThreshold,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "memory retrieval failed",
			observability.Key, observability.EventMemorySearch,
			"error", err)
		return nil
	}
	for _, res := range results {
		r.state.PendingMemories = append(r.state.PendingMemories, res.Memory.Text)
	}
	return nil
}

// nodeLoadUserFacts renders facts and retrieved memories into a single
// user_facts block right after the system prompt.
func (r *run) nodeLoadUserFacts(ctx context.Context) error {
	if len(r.state.PendingFacts) == 0 && len(r.state.PendingMemories) == 0 {
		return nil
	}
	var sb strings.Builder
	if len(r.state.PendingFacts) > 0 {
		sb.WriteString("Known facts about the user:\n")
		for _, fact := range r.state.PendingFacts {
			sb.WriteString("- " + fact + "\n")
		}
	}
	if len(r.state.PendingMemories) > 0 {
		sb.WriteString("Relevant memories:\n")
		for _, mem := range r.state.PendingMemories {
			sb.WriteString("- " + mem + "\n")
		}
	}

	// Remove any prior facts block before injecting the fresh one.
	kept := r.state.Messages[:0]
	for _, m := range r.state.Messages {
		if m.Kind != KindUserFacts {
			kept = append(kept, m)
		}
	}
	r.state.Messages = kept

	block := ChatMessage{Kind: KindUserFacts, Content: strings.TrimRight(sb.String(), "\n")}
	insertAt := 0
	if len(r.state.Messages) > 0 && r.state.Messages[0].Kind == KindSystemPrompt {
		insertAt = 1
	}
	r.state.Messages = append(r.state.Messages[:insertAt],
		append([]ChatMessage{block}, r.state.Messages[insertAt:]...)...)

	r.state.Messages = reduce(ctx, r.logger, r.state.Messages, nil)
	r.state.TokenCount = estimateTotal(r.state.Messages)
	return nil
}

// shouldSummarize is the summarization predicate.
func (r *run) shouldSummarize() bool {
	threshold := int(float64(r.contextSize()) * r.settings.SummarizeRatio)
	if r.state.TokenCount > threshold {
		return true
	}
	return r.state.MessagesSinceSummary > r.settings.MessagesBeforeSummary
}

func (r *run) contextSize() int {
	return r.settings.ContextWindowSize
}

// nodeEnsureContextLimit truncates oldest-first until the estimate
// fits the context window, never splitting a tool round and never
// touching the system channel or the final message.
func (r *run) nodeEnsureContextLimit(ctx context.Context) error {
	budget := r.contextSize()
	if r.state.TokenCount <= budget {
		return nil
	}

	messages := r.state.Messages
	for estimateTotal(messages) > budget {
		idx := firstRemovable(messages)
		if idx < 0 {
			break
		}
		end := idx + 1
		if messages[idx].Kind == KindAssistant && len(messages[idx].ToolCalls) > 0 {
			// Take the whole round: the responses may not outlive
			// their request.
			for end < len(messages) && messages[end].Kind == KindToolResponse {
				end++
			}
		}
		if end >= len(messages) {
			break
		}
		messages = append(messages[:idx], messages[end:]...)
	}

	r.state.Messages = reduce(ctx, r.logger, messages, nil)
	r.state.TokenCount = estimateTotal(r.state.Messages)
	return nil
}

// firstRemovable finds the oldest message eligible for truncation.
func firstRemovable(messages []ChatMessage) int {
	for i, m := range messages {
		if m.Kind.isSystem() {
			continue
		}
		if i == len(messages)-1 {
			return -1
		}
		// A tool_response alone is never the cut point; its assistant
		// request is found first and removes the pair.
		if m.Kind == KindToolResponse {
			continue
		}
		return i
	}
	return -1
}

// nodeSummarizeHistory folds the oldest conversational block into a
// new Summary and replaces it with a single summary message.
func (r *run) nodeSummarizeHistory(ctx context.Context) error {
	start, end := summarizeBlock(r.state.Messages)
	if start < 0 {
		return nil
	}
	block := r.state.Messages[start:end]

	text, err := r.summarize(ctx, r.state.Summary, block)
	if err != nil {
		return err
	}

	lastID := int64(0)
	var covered []int64
	for _, m := range block {
		if m.PersistedID > 0 {
			covered = append(covered, m.PersistedID)
			if m.PersistedID > lastID {
				lastID = m.PersistedID
			}
		}
	}
	if r.state.Summary != nil && lastID < r.state.Summary.LastMessageID {
		lastID = r.state.Summary.LastMessageID
	}

	created, err := r.api.CreateSummary(ctx, models.Summary{
		UserID:        r.state.UserID,
		AssistantID:   r.state.AssistantID,
		Text:          text,
		LastMessageID: lastID,
	})
	if err != nil {
		return err
	}

	r.state.Summary = created
	r.state.NewlySummarizedIDs = append(r.state.NewlySummarizedIDs, covered...)
	r.state.NewSummaryID = created.ID
	r.state.MessagesSinceSummary = 0

	summaryMsg := ChatMessage{
		Kind:    KindHistorySummary,
		Content: "Conversation so far: " + text,
	}
	rest := append([]ChatMessage{summaryMsg}, r.state.Messages[end:]...)
	r.state.Messages = reduce(ctx, r.logger, r.state.Messages[:start], rest)
	r.state.TokenCount = estimateTotal(r.state.Messages)

	r.logger.InfoContext(ctx, "history summarized",
		observability.Key, observability.EventSummaryMade,
		"summary_id", created.ID,
		"covered", len(covered),
	)
	return nil
}

// summarizeBlock selects the oldest half of the conversational
// messages, extended so a tool round is never cut, and bounded so the
// latest turn always survives.
func summarizeBlock(messages []ChatMessage) (int, int) {
	first := -1
	var convo []int
	for i, m := range messages {
		if m.Kind.isSystem() {
			continue
		}
		if first < 0 {
			first = i
		}
		convo = append(convo, i)
	}
	if len(convo) < 4 {
		return -1, -1
	}
	mid := convo[len(convo)/2]
	end := mid
	// Never cut between a tool request and its responses.
	for end < len(messages) && messages[end].Kind == KindToolResponse {
		end++
	}
	if end > convo[len(convo)-1] {
		// Extending swallowed the latest turn. Retreat to the start of
		// the tool round, owning assistant included, and leave the
		// whole round out of the block.
		end = mid
		for end > first && messages[end-1].Kind == KindToolResponse {
			end--
		}
		if end > first && messages[end-1].Kind == KindAssistant && len(messages[end-1].ToolCalls) > 0 {
			end--
		}
	}
	if end <= first {
		return -1, -1
	}
	return first, end
}

// summarize renders the prompt and calls the summarizer model.
func (r *run) summarize(ctx context.Context, prior *models.Summary, block []ChatMessage) (string, error) {
	var sb strings.Builder
	if prior != nil {
		sb.WriteString("Existing summary:\n" + prior.Text + "\n\n")
	}
	sb.WriteString("Conversation to fold in:\n")
	for _, m := range block {
		role := string(m.Kind)
		content := m.Content
		if len(m.ToolCalls) > 0 {
			content = fmt.Sprintf("%s [requested %d tool call(s)]", content, len(m.ToolCalls))
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, content)
	}

	ctx, cancel := context.WithTimeout(ctx, r.llmTimeout)
	defer cancel()
	resp, err := r.provider.Chat(ctx, &providers.ChatRequest{
		Model:  r.assistant.Model,
		System: "Summarize the conversation below into a compact paragraph preserving facts, decisions, and open threads. Merge with the existing summary when given.",
		Messages: []providers.ChatMessage{
			{Role: providers.ChatRoleUser, Content: sb.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarizer: %w", err)
	}
	return resp.Text, nil
}

// nodeAssistant invokes the model with the tool set bound, persists
// the assistant turn, and records the outcome on the state.
func (r *run) nodeAssistant(ctx context.Context) error {
	system, chat := toProvider(r.state.Messages)

	callCtx, cancel := context.WithTimeoutCause(ctx, r.llmTimeout, ErrAssistantTimeout)
	defer cancel()

	r.logger.DebugContext(ctx, "invoking model",
		observability.Key, observability.EventLLMCall,
		"model", r.assistant.Model,
		"messages", len(chat),
	)
	resp, err := r.provider.Chat(callCtx, &providers.ChatRequest{
		Model:    r.assistant.Model,
		System:   system,
		Messages: chat,
		Tools:    r.registry.Specs(),
	})
	if err != nil {
		if errors.Is(context.Cause(callCtx), ErrAssistantTimeout) {
			err = fmt.Errorf("%w: %v", ErrAssistantTimeout, err)
		}
		return err
	}
	r.logger.DebugContext(ctx, "model replied",
		observability.Key, observability.EventLLMResponse,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)

	assistantMsg := ChatMessage{
		Kind:      KindAssistant,
		Content:   resp.Text,
		ToolCalls: resp.ToolCalls,
	}
	created, err := r.api.CreateMessage(ctx, models.MessageCreate{
		UserID:      r.state.UserID,
		AssistantID: r.state.AssistantID,
		Role:        models.RoleAssistant,
		Content:     resp.Text,
		ToolCalls:   resp.ToolCalls,
		Status:      models.MessageStatusProcessed,
	})
	if err != nil {
		return err
	}
	assistantMsg.PersistedID = created.ID

	r.state.Messages = reduce(ctx, r.logger, r.state.Messages, []ChatMessage{assistantMsg})
	r.state.TokenCount = estimateTotal(r.state.Messages)
	r.state.MessagesSinceSummary++
	if !resp.HasToolCalls() {
		r.state.FinalText = resp.Text
	}
	return nil
}

// nodeTools executes the latest assistant message's tool calls with
// bounded fan-out and appends the responses in call order.
func (r *run) nodeTools(ctx context.Context) error {
	last := r.state.latestAssistant()
	if last == nil || len(last.ToolCalls) == 0 {
		return nil
	}
	calls := last.ToolCalls

	results := make([]*tools.ToolResult, len(calls))
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.toolParallelism)
	for i, call := range calls {
		g.Go(func() error {
			toolCtx, cancel := context.WithTimeout(groupCtx, r.toolTimeout)
			defer cancel()
			r.logger.InfoContext(toolCtx, "executing tool",
				observability.Key, observability.EventToolCall,
				"tool", call.Name,
				"tool_call_id", call.ID,
			)
			results[i] = r.registry.Execute(toolCtx, call.Name, call.Input)
			r.logger.InfoContext(toolCtx, "tool finished",
				observability.Key, observability.EventToolResult,
				"tool", call.Name,
				"tool_call_id", call.ID,
				"is_error", results[i].IsError,
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	updates := make([]ChatMessage, 0, len(calls))
	for i, call := range calls {
		created, err := r.api.CreateMessage(ctx, models.MessageCreate{
			UserID:      r.state.UserID,
			AssistantID: r.state.AssistantID,
			Role:        models.RoleToolResponse,
			Content:     results[i].Content,
			ToolCallID:  call.ID,
			Status:      models.MessageStatusProcessed,
		})
		if err != nil {
			return err
		}
		updates = append(updates, ChatMessage{
			Kind:        KindToolResponse,
			Content:     results[i].Content,
			ToolCallID:  call.ID,
			PersistedID: created.ID,
		})
		r.state.MessagesSinceSummary++
	}

	r.state.Messages = reduce(ctx, r.logger, r.state.Messages, updates)
	r.state.TokenCount = estimateTotal(r.state.Messages)
	r.state.ToolRounds++
	return nil
}

// nodeFinalize links newly summarized rows and flips the incoming
// message's status. Side effects only.
func (r *run) nodeFinalize(ctx context.Context) error {
	if len(r.state.NewlySummarizedIDs) > 0 && r.state.NewSummaryID > 0 {
		status := models.MessageStatusSummarized
		summaryID := r.state.NewSummaryID
		for _, id := range r.state.NewlySummarizedIDs {
			if err := r.api.UpdateMessage(ctx, id, models.MessageUpdate{
				Status:    &status,
				SummaryID: &summaryID,
			}); err != nil {
				return err
			}
		}
	}
	if r.state.IncomingMessageID > 0 {
		status := models.MessageStatusProcessed
		if err := r.api.UpdateMessage(ctx, r.state.IncomingMessageID, models.MessageUpdate{
			Status: &status,
		}); err != nil {
			return err
		}
	}
	return nil
}
