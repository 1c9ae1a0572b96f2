package extractor

import (
	"fmt"
	"strings"

	"github.com/marloweai/marlowe/pkg/models"
)

const extractionSystemPrompt = `You extract durable facts about a user from their conversations with an assistant.

Return a JSON array. Each element has:
  "text": one self-contained fact, phrased in third person
  "memory_type": one of "user_fact", "preference", "event", "conversation_insight"
  "importance": integer 1-10, how useful this fact is for future conversations

Only include facts worth remembering across conversations: stable preferences, personal details, commitments, recurring topics. Skip small talk, one-off logistics, and anything already in the known-facts list. Return [] if nothing qualifies.`

// renderExtractionPrompt lays out the transcript and the user's
// existing memories so the model can avoid re-extracting known facts.
func renderExtractionPrompt(messages []models.Message, existing []models.Memory) string {
	var b strings.Builder
	if len(existing) > 0 {
		b.WriteString("Already known about this user:\n")
		for _, m := range existing {
			fmt.Fprintf(&b, "- %s\n", m.Text)
		}
		b.WriteString("\n")
	}
	b.WriteString("Conversation:\n")
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleHuman:
			fmt.Fprintf(&b, "User: %s\n", msg.Content)
		case models.RoleAssistant:
			if strings.TrimSpace(msg.Content) != "" {
				fmt.Fprintf(&b, "Assistant: %s\n", msg.Content)
			}
		}
	}
	return b.String()
}
