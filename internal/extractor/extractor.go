// Package extractor is the periodic memory-extraction worker. It
// groups fresh conversation messages by (user, assistant), asks the
// LLM for durable facts through the provider batch API, deduplicates
// the results against existing memories by embedding similarity, and
// persists what survives.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marloweai/marlowe/internal/observability"
	"github.com/marloweai/marlowe/internal/providers"
	"github.com/marloweai/marlowe/internal/statestore"
	"github.com/marloweai/marlowe/pkg/models"
)

const (
	// DefaultInterval is the extraction cadence.
	DefaultInterval = 24 * time.Hour
	// DefaultPollInterval is how often a submitted batch is polled.
	DefaultPollInterval = 30 * time.Second
	// conversationLimit bounds how many messages one extraction reads.
	conversationLimit = 200
)

// Store is the state-store surface the extractor needs.
// *statestore.Client satisfies it.
type Store interface {
	GetGlobalSettings(ctx context.Context) (models.GlobalSettings, error)
	ListExtractionCandidates(ctx context.Context, minMessages int) ([]statestore.ExtractionCandidate, error)
	SetExtractionWatermark(ctx context.Context, userID, assistantID, lastMessageID int64) error
	ListMessages(ctx context.Context, q statestore.MessageQuery) ([]models.Message, error)
	ListMemories(ctx context.Context, userID int64) ([]models.Memory, error)
	SearchMemory(ctx context.Context, req models.MemorySearchRequest) ([]models.MemorySearchResult, error)
	CreateMemory(ctx context.Context, memory models.Memory) (*models.Memory, error)
	UpdateMemory(ctx context.Context, id int64, patch map[string]any) error
	DeleteMemory(ctx context.Context, id int64) error
	CreateBatchJob(ctx context.Context, job models.BatchJob) (*models.BatchJob, error)
	UpdateBatchJob(ctx context.Context, id int64, patch map[string]any) error
	ListUnfinishedBatchJobs(ctx context.Context) ([]models.BatchJob, error)
}

// Extractor runs the periodic extraction job.
type Extractor struct {
	store    Store
	batches  providers.BatchSubmitter
	embedder providers.Embedder
	logger   *slog.Logger

	model        string
	interval     time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// Option configures the extractor.
type Option func(*Extractor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) { e.logger = logger }
}

// WithInterval overrides the extraction cadence.
func WithInterval(d time.Duration) Option {
	return func(e *Extractor) { e.interval = d }
}

// WithPollInterval overrides the batch polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(e *Extractor) { e.pollInterval = d }
}

// WithModel sets the extraction model.
func WithModel(model string) Option {
	return func(e *Extractor) { e.model = model }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// New builds the extractor.
func New(store Store, batches providers.BatchSubmitter, embedder providers.Embedder, opts ...Option) *Extractor {
	e := &Extractor{
		store:        store,
		batches:      batches,
		embedder:     embedder,
		logger:       slog.Default(),
		interval:     DefaultInterval,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "extractor")
	return e
}

// Run resumes unfinished batches, then extracts on the configured
// interval until ctx is cancelled.
func (e *Extractor) Run(ctx context.Context) error {
	if err := e.Resume(ctx); err != nil {
		e.logger.WarnContext(ctx, "batch resume failed",
			observability.Key, observability.EventJobError, "error", err)
	}

	e.logger.InfoContext(ctx, "extractor started", "interval", e.interval)
	for {
		if err := e.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.ErrorContext(ctx, "extraction run failed",
				observability.Key, observability.EventJobError, "error", err)
		}
		timer := time.NewTimer(e.waitInterval(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// waitInterval honors the operator-tunable extraction interval from
// global settings, falling back to the configured default.
func (e *Extractor) waitInterval(ctx context.Context) time.Duration {
	settings, err := e.store.GetGlobalSettings(ctx)
	if err == nil && settings.MemoryExtractionInterval > 0 {
		return time.Duration(settings.MemoryExtractionInterval) * time.Hour
	}
	return e.interval
}

// RunOnce performs one full extraction pass.
func (e *Extractor) RunOnce(ctx context.Context) error {
	settings, err := e.store.GetGlobalSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !settings.MemoryExtractionEnabled {
		e.logger.DebugContext(ctx, "memory extraction disabled, skipping")
		return nil
	}

	candidates, err := e.store.ListExtractionCandidates(ctx, settings.MemoryExtractionMinMsgs)
	if err != nil {
		return fmt.Errorf("list candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	e.logger.InfoContext(ctx, "extraction started",
		observability.Key, observability.EventJobStart,
		"conversations", len(candidates),
	)

	items := make([]providers.BatchItem, 0, len(candidates))
	for _, cand := range candidates {
		item, err := e.buildItem(ctx, cand)
		if err != nil {
			e.logger.WarnContext(ctx, "conversation skipped",
				"user_id", cand.UserID, "assistant_id", cand.AssistantID, "error", err)
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil
	}

	batchID, err := e.batches.SubmitBatch(ctx, items)
	if err != nil {
		return fmt.Errorf("submit batch: %w", err)
	}
	job, err := e.store.CreateBatchJob(ctx, models.BatchJob{
		ProviderBatchID: batchID,
		Status:          models.JobRunning,
		Conversations:   len(items),
		SubmittedAt:     e.now().UTC(),
	})
	if err != nil {
		// The batch is already in flight; carry on without the row.
		e.logger.WarnContext(ctx, "batch job record failed",
			"batch_id", batchID, "error", err)
		job = nil
	}

	return e.awaitAndPersist(ctx, batchID, job, settings)
}

// Resume picks up batch jobs the previous process left unfinished.
func (e *Extractor) Resume(ctx context.Context) error {
	jobs, err := e.store.ListUnfinishedBatchJobs(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished jobs: %w", err)
	}
	settings, err := e.store.GetGlobalSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	for i := range jobs {
		job := jobs[i]
		e.logger.InfoContext(ctx, "resuming batch job",
			"batch_id", job.ProviderBatchID, "job_id", job.ID)
		if err := e.awaitAndPersist(ctx, job.ProviderBatchID, &job, settings); err != nil {
			e.logger.WarnContext(ctx, "batch resume failed",
				"batch_id", job.ProviderBatchID, "error", err)
		}
	}
	return nil
}

// awaitAndPersist polls the batch to completion, then persists every
// extracted fact and advances the conversation watermarks.
func (e *Extractor) awaitAndPersist(ctx context.Context, batchID string, job *models.BatchJob, settings models.GlobalSettings) error {
	if err := e.await(ctx, batchID, job); err != nil {
		return err
	}

	results, err := e.batches.CollectBatch(ctx, batchID)
	if err != nil {
		e.failJob(ctx, job, err)
		return fmt.Errorf("collect batch %s: %w", batchID, err)
	}

	extracted, persisted := 0, 0
	for _, result := range results {
		cand, err := parseCustomID(result.CustomID)
		if err != nil {
			e.logger.WarnContext(ctx, "unrecognized batch item", "custom_id", result.CustomID)
			continue
		}
		if result.Err != nil {
			e.logger.WarnContext(ctx, "batch item failed",
				"custom_id", result.CustomID, "error", result.Err)
			continue
		}

		facts := parseFacts(result.Response.Text)
		extracted += len(facts)
		for _, fact := range facts {
			saved, err := e.persistFact(ctx, cand.UserID, fact, settings)
			if err != nil {
				e.logger.WarnContext(ctx, "fact persist failed",
					"user_id", cand.UserID, "error", err)
				continue
			}
			if saved {
				persisted++
			}
		}

		if err := e.store.SetExtractionWatermark(ctx, cand.UserID, cand.AssistantID, cand.LastMessageID); err != nil {
			e.logger.WarnContext(ctx, "watermark update failed",
				"user_id", cand.UserID, "assistant_id", cand.AssistantID, "error", err)
		}
	}

	if job != nil {
		now := e.now().UTC()
		if err := e.store.UpdateBatchJob(ctx, job.ID, map[string]any{
			"status":          models.JobCompleted,
			"facts_extracted": extracted,
			"facts_persisted": persisted,
			"completed_at":    now,
		}); err != nil {
			e.logger.WarnContext(ctx, "batch job update failed", "job_id", job.ID, "error", err)
		}
	}

	e.logger.InfoContext(ctx, "extraction finished",
		observability.Key, observability.EventJobEnd,
		"batch_id", batchID,
		"facts_extracted", extracted,
		"facts_persisted", persisted,
	)
	return nil
}

// await polls until the batch ends or fails.
func (e *Extractor) await(ctx context.Context, batchID string, job *models.BatchJob) error {
	for {
		state, err := e.batches.BatchStatus(ctx, batchID)
		if err != nil {
			e.failJob(ctx, job, err)
			return fmt.Errorf("poll batch %s: %w", batchID, err)
		}
		switch state {
		case providers.BatchEnded:
			return nil
		case providers.BatchFailed:
			err := fmt.Errorf("batch %s failed at the provider", batchID)
			e.failJob(ctx, job, err)
			return err
		}

		timer := time.NewTimer(e.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Extractor) failJob(ctx context.Context, job *models.BatchJob, cause error) {
	if job == nil {
		return
	}
	if err := e.store.UpdateBatchJob(ctx, job.ID, map[string]any{
		"status": models.JobFailed,
		"error":  cause.Error(),
	}); err != nil {
		e.logger.WarnContext(ctx, "batch job update failed", "job_id", job.ID, "error", err)
	}
}

// buildItem loads one conversation and renders its extraction request.
func (e *Extractor) buildItem(ctx context.Context, cand statestore.ExtractionCandidate) (providers.BatchItem, error) {
	messages, err := e.store.ListMessages(ctx, statestore.MessageQuery{
		UserID:      cand.UserID,
		AssistantID: cand.AssistantID,
		IDGreater:   cand.WatermarkID,
		Limit:       conversationLimit,
	})
	if err != nil {
		return providers.BatchItem{}, err
	}
	if len(messages) == 0 {
		return providers.BatchItem{}, errors.New("no messages since watermark")
	}

	existing, err := e.store.ListMemories(ctx, cand.UserID)
	if err != nil {
		return providers.BatchItem{}, err
	}

	return providers.BatchItem{
		CustomID: formatCustomID(cand),
		Request: providers.ChatRequest{
			Model:  e.model,
			System: extractionSystemPrompt,
			Messages: []providers.ChatMessage{{
				Role:    providers.ChatRoleUser,
				Content: renderExtractionPrompt(messages, existing),
			}},
		},
	}, nil
}

// persistFact deduplicates one fact against the user's memories and
// inserts, updates, or skips it. Returns whether anything was written.
func (e *Extractor) persistFact(ctx context.Context, userID int64, fact extractedFact, settings models.GlobalSettings) (bool, error) {
	vectors, err := e.embedder.Embed(ctx, []string{fact.Text})
	if err != nil {
		return false, fmt.Errorf("embed fact: %w", err)
	}
	embedding := vectors[0]

	matches, err := e.store.SearchMemory(ctx, models.MemorySearchRequest{
		Embedding: embedding,
		UserID:    userID,
		Limit:     1,
		Threshold: settings.MemoryUpdateThreshold,
	})
	if err != nil {
		return false, fmt.Errorf("search memories: %w", err)
	}

	if len(matches) > 0 {
		best := matches[0]
		if best.Similarity >= settings.MemoryDedupThreshold {
			e.logger.DebugContext(ctx, "near-duplicate fact skipped",
				observability.Key, observability.EventMemorySkipped,
				"user_id", userID,
				"memory_id", best.Memory.ID,
				"similarity", best.Similarity,
			)
			return false, nil
		}
		// Close enough to be the same fact, different enough to be
		// worth refreshing.
		if err := e.store.UpdateMemory(ctx, best.Memory.ID, map[string]any{
			"text":       fact.Text,
			"importance": fact.importance(),
			"embedding":  embedding,
		}); err != nil {
			return false, fmt.Errorf("update memory %d: %w", best.Memory.ID, err)
		}
		e.logger.InfoContext(ctx, "memory updated",
			observability.Key, observability.EventMemorySaved,
			"user_id", userID,
			"memory_id", best.Memory.ID,
		)
		return true, nil
	}

	if err := e.enforceCap(ctx, userID, settings.MemoryPerUserCap); err != nil {
		return false, err
	}

	created, err := e.store.CreateMemory(ctx, models.Memory{
		UserID:     userID,
		Text:       fact.Text,
		Type:       fact.memoryType(),
		Importance: fact.importance(),
		Embedding:  embedding,
	})
	if err != nil {
		return false, fmt.Errorf("create memory: %w", err)
	}
	e.logger.InfoContext(ctx, "memory saved",
		observability.Key, observability.EventMemorySaved,
		"user_id", userID,
		"memory_id", created.ID,
	)
	return true, nil
}

// enforceCap evicts the lowest-importance oldest memory when the user
// is at the cap, making room for the incoming one.
func (e *Extractor) enforceCap(ctx context.Context, userID int64, limit int) error {
	if limit <= 0 {
		return nil
	}
	memories, err := e.store.ListMemories(ctx, userID)
	if err != nil {
		return fmt.Errorf("list memories: %w", err)
	}
	for len(memories) >= limit {
		victim := evictionTarget(memories)
		if err := e.store.DeleteMemory(ctx, victim.ID); err != nil {
			return fmt.Errorf("evict memory %d: %w", victim.ID, err)
		}
		e.logger.InfoContext(ctx, "memory evicted",
			"user_id", userID, "memory_id", victim.ID, "importance", victim.Importance)
		remaining := memories[:0]
		for _, m := range memories {
			if m.ID != victim.ID {
				remaining = append(remaining, m)
			}
		}
		memories = remaining
	}
	return nil
}

// evictionTarget picks the lowest-importance memory, oldest first on
// ties.
func evictionTarget(memories []models.Memory) models.Memory {
	victim := memories[0]
	for _, m := range memories[1:] {
		if m.Importance < victim.Importance ||
			(m.Importance == victim.Importance && m.CreatedAt.Before(victim.CreatedAt)) {
			victim = m
		}
	}
	return victim
}

// Custom IDs carry the conversation coordinates through the provider
// and back, so collection is restart-safe.

func formatCustomID(cand statestore.ExtractionCandidate) string {
	return fmt.Sprintf("u%d-a%d-w%d", cand.UserID, cand.AssistantID, cand.LastMessageID)
}

func parseCustomID(id string) (statestore.ExtractionCandidate, error) {
	var cand statestore.ExtractionCandidate
	if _, err := fmt.Sscanf(id, "u%d-a%d-w%d", &cand.UserID, &cand.AssistantID, &cand.LastMessageID); err != nil {
		return cand, fmt.Errorf("custom id %q: %w", id, err)
	}
	return cand, nil
}

// extractedFact is one entry of the model's JSON reply.
type extractedFact struct {
	Text       string `json:"text"`
	MemoryType string `json:"memory_type"`
	Importance int    `json:"importance"`
}

func (f extractedFact) memoryType() models.MemoryType {
	t := models.MemoryType(f.MemoryType)
	if !t.Valid() {
		return models.MemoryTypeUserFact
	}
	return t
}

func (f extractedFact) importance() int {
	switch {
	case f.Importance < 1:
		return 1
	case f.Importance > 10:
		return 10
	default:
		return f.Importance
	}
}

// parseFacts decodes the model's reply, tolerating markdown fences and
// surrounding prose. A reply with no parsable array yields no facts.
func parseFacts(text string) []extractedFact {
	raw := strings.TrimSpace(text)
	if i := strings.Index(raw, "["); i >= 0 {
		if j := strings.LastIndex(raw, "]"); j > i {
			raw = raw[i : j+1]
		}
	}
	var facts []extractedFact
	if err := json.Unmarshal([]byte(raw), &facts); err != nil {
		return nil
	}
	out := facts[:0]
	for _, f := range facts {
		if strings.TrimSpace(f.Text) != "" {
			out = append(out, f)
		}
	}
	return out
}
