package cache

import (
	"context"
	"fmt"

	"github.com/marloweai/marlowe/internal/statestore"
	"github.com/marloweai/marlowe/pkg/models"
)

// Store is the read-through facade the orchestrator resolves assistants,
// tool definitions, and settings through. Reads hit the cache first;
// mutations issued here invalidate before returning.
type Store struct {
	api   *statestore.Client
	cache *Cache
}

// NewStore wraps a state-store client with the read-through cache.
func NewStore(api *statestore.Client, cache *Cache) *Store {
	return &Store{api: api, cache: cache}
}

// API exposes the underlying client for uncached resources.
func (s *Store) API() *statestore.Client { return s.api }

// Assistant returns the assistant by id, cached.
func (s *Store) Assistant(ctx context.Context, id int64) (*models.Assistant, error) {
	key := fmt.Sprintf("%s%d", KeyPrefixAssistant, id)
	return GetOrLoad(s.cache, key, func() (*models.Assistant, error) {
		return s.api.GetAssistant(ctx, id)
	})
}

// AssistantTools returns the assistant's tool definitions, cached.
func (s *Store) AssistantTools(ctx context.Context, assistantID int64) ([]models.ToolDefinition, error) {
	key := fmt.Sprintf("%s%d", KeyPrefixTools, assistantID)
	return GetOrLoad(s.cache, key, func() ([]models.ToolDefinition, error) {
		return s.api.GetAssistantTools(ctx, assistantID)
	})
}

// Settings returns the global settings, cached.
func (s *Store) Settings(ctx context.Context) (models.GlobalSettings, error) {
	return GetOrLoad(s.cache, KeySettings, func() (models.GlobalSettings, error) {
		return s.api.GetGlobalSettings(ctx)
	})
}

// Secretary resolves the user's active secretary. Assignments change
// rarely but matter immediately, so the assignment itself is uncached
// while the assistant record it points at is cached.
func (s *Store) Secretary(ctx context.Context, userID int64) (*models.Assistant, error) {
	return s.api.GetUserSecretary(ctx, userID)
}

// AssignSecretary mutates the user's secretary assignment and
// invalidates assistant-derived cache entries before returning.
func (s *Store) AssignSecretary(ctx context.Context, userID, secretaryID int64) error {
	if err := s.api.SetUserSecretary(ctx, userID, secretaryID); err != nil {
		return err
	}
	s.cache.InvalidatePattern(KeyPrefixAssistant + "*")
	s.cache.InvalidatePattern(KeyPrefixTools + "*")
	return nil
}

// InvalidateAssistants drops assistant and tool cache entries. Called
// when an external mutation is observed (for example, a settings-change
// trigger).
func (s *Store) InvalidateAssistants() {
	s.cache.InvalidatePattern(KeyPrefixAssistant + "*")
	s.cache.InvalidatePattern(KeyPrefixTools + "*")
}

// InvalidateSettings drops the cached global settings.
func (s *Store) InvalidateSettings() {
	s.cache.InvalidatePattern(KeySettings)
}
