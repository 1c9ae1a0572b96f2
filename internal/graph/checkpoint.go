package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/marloweai/marlowe/internal/statestore"
)

// Checkpointer persists working state between nodes so an interrupted
// run can resume. Implementations must tolerate concurrent threads.
type Checkpointer interface {
	Save(ctx context.Context, threadID string, state *State) error
	// Load returns nil when no checkpoint exists.
	Load(ctx context.Context, threadID string) (*State, error)
}

// MemoryCheckpointer keeps checkpoints in process memory. Suitable for
// tests and for deployments that accept losing in-flight turns on
// restart (the retry policy replays them).
type MemoryCheckpointer struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewMemoryCheckpointer creates an empty in-memory checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{states: make(map[string][]byte)}
}

// Save serializes and stores the state.
func (c *MemoryCheckpointer) Save(_ context.Context, threadID string, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[threadID] = raw
	return nil
}

// Load returns the stored state or nil.
func (c *MemoryCheckpointer) Load(_ context.Context, threadID string) (*State, error) {
	c.mu.RLock()
	raw, ok := c.states[threadID]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &state, nil
}

// Delete removes a thread's checkpoint.
func (c *MemoryCheckpointer) Delete(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, threadID)
}

// StoreCheckpointer persists checkpoints through the state store, so
// any consumer can resume a thread.
type StoreCheckpointer struct {
	api *statestore.Client
}

// NewStoreCheckpointer creates a state-store-backed checkpointer.
func NewStoreCheckpointer(api *statestore.Client) *StoreCheckpointer {
	return &StoreCheckpointer{api: api}
}

// Save serializes and upserts the state.
func (c *StoreCheckpointer) Save(ctx context.Context, threadID string, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return c.api.SaveCheckpoint(ctx, threadID, raw)
}

// Load fetches and deserializes the state, nil when absent.
func (c *StoreCheckpointer) Load(ctx context.Context, threadID string) (*State, error) {
	raw, err := c.api.LoadCheckpoint(ctx, threadID)
	if err != nil || raw == nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &state, nil
}
