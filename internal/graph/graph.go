package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marloweai/marlowe/internal/cache"
	"github.com/marloweai/marlowe/internal/providers"
	"github.com/marloweai/marlowe/internal/statestore"
	"github.com/marloweai/marlowe/internal/tools"
	"github.com/marloweai/marlowe/pkg/models"
)

const (
	// DefaultLLMTimeout bounds one model call.
	DefaultLLMTimeout = 30 * time.Second
	// DefaultToolTimeout bounds one tool execution.
	DefaultToolTimeout = 30 * time.Second
	// DefaultToolParallelism bounds the tools node fan-out.
	DefaultToolParallelism = 4
	// maxToolRounds stops a model that keeps requesting tools forever.
	maxToolRounds = 10
)

// Engine executes the conversation graph. One engine serves all
// threads; per-invocation state lives in State.
type Engine struct {
	api          *statestore.Client
	store        *cache.Store
	provider     providers.ChatProvider
	factory      *tools.Factory
	checkpointer Checkpointer
	logger       *slog.Logger

	llmTimeout      time.Duration
	toolTimeout     time.Duration
	toolParallelism int

	// One turn at a time per thread; interleaved turns would corrupt
	// the reducer's ordering invariants.
	threadLocks sync.Map
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithLLMTimeout overrides the per-model-call deadline.
func WithLLMTimeout(d time.Duration) Option {
	return func(e *Engine) { e.llmTimeout = d }
}

// WithToolTimeout overrides the per-tool deadline.
func WithToolTimeout(d time.Duration) Option {
	return func(e *Engine) { e.toolTimeout = d }
}

// WithToolParallelism overrides the tools node fan-out bound.
func WithToolParallelism(n int) Option {
	return func(e *Engine) { e.toolParallelism = n }
}

// WithCheckpointer sets the checkpoint store.
func WithCheckpointer(c Checkpointer) Option {
	return func(e *Engine) { e.checkpointer = c }
}

// NewEngine builds the graph engine. The factory's delegate runner is
// wired back to the engine so sub-assistant tools can recurse.
func NewEngine(store *cache.Store, provider providers.ChatProvider, factory *tools.Factory, opts ...Option) *Engine {
	e := &Engine{
		api:             store.API(),
		store:           store,
		provider:        provider,
		factory:         factory,
		checkpointer:    NewMemoryCheckpointer(),
		logger:          slog.Default(),
		llmTimeout:      DefaultLLMTimeout,
		toolTimeout:     DefaultToolTimeout,
		toolParallelism: DefaultToolParallelism,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "graph")
	factory.SetDelegateRunner(e)
	return e
}

// Run drives the state machine to completion and returns the final
// assistant text. The caller owns persistence of the incoming message
// (state.IncomingMessageID); the graph persists everything it adds.
func (e *Engine) Run(ctx context.Context, state *State) (string, error) {
	unlock := e.lockThread(state.ThreadID())
	defer unlock()

	// A checkpoint left for this same turn means a previous attempt was
	// interrupted mid-run; pick up at the node it stopped before.
	if saved, err := e.checkpointer.Load(ctx, state.ThreadID()); err != nil {
		e.logger.WarnContext(ctx, "checkpoint load failed",
			"thread_id", state.ThreadID(), "error", err)
	} else if saved != nil && saved.IncomingMessageID == state.IncomingMessageID &&
		saved.Node != "" && saved.Node != nodeEnd {
		e.logger.InfoContext(ctx, "resuming turn from checkpoint",
			"thread_id", state.ThreadID(),
			"node", saved.Node,
			"incoming_message_id", saved.IncomingMessageID,
		)
		state = saved
	}

	assistant, err := e.store.Assistant(ctx, state.AssistantID)
	if err != nil {
		return "", &ProcessingError{Node: "init_state", Err: err}
	}
	if assistant == nil {
		return "", &ProcessingError{Node: "init_state", Err: fmt.Errorf("assistant %d not found", state.AssistantID)}
	}
	settings, err := e.store.Settings(ctx)
	if err != nil {
		return "", &ProcessingError{Node: "init_state", Err: err}
	}
	defs, err := e.store.AssistantTools(ctx, state.AssistantID)
	if err != nil {
		return "", &ProcessingError{Node: "init_state", Err: err}
	}

	inv := tools.Invocation{
		UserID:        state.UserID,
		AssistantID:   state.AssistantID,
		CorrelationID: state.CorrelationID,
	}
	r := &run{
		Engine:    e,
		state:     state,
		assistant: assistant,
		settings:  settings,
		registry:  e.factory.Build(ctx, defs, inv),
	}
	return r.drive(ctx)
}

// drive walks the transition table from the state's current node.
func (r *run) drive(ctx context.Context) (string, error) {
	if r.state.Node == "" {
		r.state.Node = nodeInitState
	}
	for r.state.Node != nodeEnd {
		if err := ctx.Err(); err != nil {
			return "", &ProcessingError{Node: string(r.state.Node), Err: err}
		}
		current := r.state.Node
		next, err := r.step(ctx, current)
		if err != nil {
			return "", &ProcessingError{Node: string(current), Err: err}
		}
		r.state.Node = next
		if err := r.checkpointer.Save(ctx, r.state.ThreadID(), r.state); err != nil {
			// A lost checkpoint costs resumability, not correctness.
			r.logger.WarnContext(ctx, "checkpoint save failed",
				"thread_id", r.state.ThreadID(), "error", err)
		}
	}
	return r.state.FinalText, nil
}

// step executes one node and routes to the next. This table is the
// graph's edge list.
func (r *run) step(ctx context.Context, current node) (node, error) {
	switch current {
	case nodeInitState:
		return nodeLoadContext, r.nodeInit(ctx)

	case nodeLoadContext:
		return nodeRetrieveMemories, r.nodeLoadContext(ctx)

	case nodeRetrieveMemories:
		return nodeLoadUserFacts, r.nodeRetrieveMemories(ctx)

	case nodeLoadUserFacts:
		return nodeShouldSummarize, r.nodeLoadUserFacts(ctx)

	case nodeShouldSummarize:
		if r.shouldSummarize() {
			return nodeSummarizeHistory, nil
		}
		return nodeEnsureContextLimit, nil

	case nodeSummarizeHistory:
		return nodeEnsureContextLimit, r.nodeSummarizeHistory(ctx)

	case nodeEnsureContextLimit:
		return nodeAssistant, r.nodeEnsureContextLimit(ctx)

	case nodeAssistant:
		if err := r.nodeAssistant(ctx); err != nil {
			return "", err
		}
		last := r.state.latestAssistant()
		if last != nil && len(last.ToolCalls) > 0 && r.state.FinalText == "" {
			if r.state.ToolRounds >= maxToolRounds {
				return "", fmt.Errorf("tool round limit (%d) exceeded", maxToolRounds)
			}
			return nodeTools, nil
		}
		return nodeFinalize, nil

	case nodeTools:
		return nodeShouldSummarize, r.nodeTools(ctx)

	case nodeFinalize:
		return nodeEnd, r.nodeFinalize(ctx)

	default:
		return "", fmt.Errorf("unknown node %q", current)
	}
}

// RunDelegate runs a single delegated turn against another assistant
// with a fresh state. Implements tools.DelegateRunner: the delegate
// never sees the parent conversation.
func (e *Engine) RunDelegate(ctx context.Context, assistantID int64, inv tools.Invocation, message string) (string, error) {
	if assistantID == inv.AssistantID {
		// The delegate thread would need the lock the parent turn
		// already holds.
		return "", fmt.Errorf("assistant %d cannot delegate to itself", assistantID)
	}
	created, err := e.api.CreateMessage(ctx, models.MessageCreate{
		UserID:      inv.UserID,
		AssistantID: assistantID,
		Role:        models.RoleHuman,
		Content:     message,
		Status:      models.MessageStatusPending,
	})
	if err != nil {
		return "", err
	}
	state := NewState(inv.UserID, assistantID, inv.CorrelationID, message, created.ID)
	return e.Run(ctx, state)
}

// lockThread serializes turns per thread.
func (e *Engine) lockThread(threadID string) func() {
	actual, _ := e.threadLocks.LoadOrStore(threadID, &sync.Mutex{})
	mu := actual.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
