// Package orchestrator consumes the inbound event stream, routes each
// envelope to the addressed user's secretary, runs the conversation
// graph, and publishes the assistant's response. Failures are retried
// within a bounded budget, then dead-lettered.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/marloweai/marlowe/internal/cache"
	"github.com/marloweai/marlowe/internal/observability"
	"github.com/marloweai/marlowe/internal/stream"
)

const (
	// DefaultConsumers is the consumer-group fan-out.
	DefaultConsumers = 4
	// DefaultReadBlock is how long one XREADGROUP blocks.
	DefaultReadBlock = 5 * time.Second
	// DefaultIdleReclaim is the pending-entry age after which another
	// consumer may claim it.
	DefaultIdleReclaim = time.Minute
	// readBatch is how many entries one read fetches.
	readBatch = 8
	// brokerBackoff is the pause after a broker connectivity failure.
	brokerBackoff = time.Second
)

// Config carries the stream topology.
type Config struct {
	Inbound  string
	Outbound string
	Group    string
	// ConsumerPrefix names consumers "<prefix>-<n>".
	ConsumerPrefix string
	Consumers      int
	ReadBlock      time.Duration
	IdleReclaim    time.Duration
	RetryTTL       time.Duration
}

func (c *Config) withDefaults() {
	if c.Consumers <= 0 {
		c.Consumers = DefaultConsumers
	}
	if c.ConsumerPrefix == "" {
		c.ConsumerPrefix = "orchestrator"
	}
	if c.ReadBlock <= 0 {
		c.ReadBlock = DefaultReadBlock
	}
	if c.IdleReclaim <= 0 {
		c.IdleReclaim = DefaultIdleReclaim
	}
	if c.RetryTTL <= 0 {
		c.RetryTTL = stream.DefaultRetryTTL
	}
}

// Orchestrator runs the inbound consumer group.
type Orchestrator struct {
	rdb     redis.UniversalClient
	cfg     Config
	store   *cache.Store
	engine  GraphRunner
	logger  *slog.Logger
	metrics *observability.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New builds the orchestrator. The engine is typically *graph.Engine.
func New(rdb redis.UniversalClient, cfg Config, store *cache.Store, engine GraphRunner, opts ...Option) *Orchestrator {
	cfg.withDefaults()
	o := &Orchestrator{
		rdb:    rdb,
		cfg:    cfg,
		store:  store,
		engine: engine,
		logger: slog.Default(),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	if o.metrics == nil {
		o.metrics = observability.NewMetrics(nil)
	}
	return o
}

// Run spawns the consumers and blocks until ctx is cancelled or a
// consumer fails unrecoverably.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.Inbound == "" || o.cfg.Outbound == "" || o.cfg.Group == "" {
		return errors.New("orchestrator: inbound, outbound, and group are required")
	}

	out := stream.NewClient(o.rdb, o.cfg.Outbound, o.cfg.Group, o.cfg.ConsumerPrefix+"-out",
		stream.WithLogger(o.logger))
	retries := stream.NewRetryStore(o.rdb, o.cfg.Inbound, o.cfg.RetryTTL)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Consumers; i++ {
		consumer := fmt.Sprintf("%s-%d", o.cfg.ConsumerPrefix, i)
		in := stream.NewClient(o.rdb, o.cfg.Inbound, o.cfg.Group, consumer,
			stream.WithLogger(o.logger))
		if err := in.EnsureGroup(ctx); err != nil {
			return fmt.Errorf("ensure group %s: %w", o.cfg.Group, err)
		}
		w := &worker{
			in:        in,
			out:       out,
			retries:   retries,
			store:     o.store,
			api:       o.store.API(),
			engine:    o.engine,
			logger:    o.logger.With("consumer", consumer),
			metrics:   o.metrics,
			stream:    o.cfg.Inbound,
			outStream: o.cfg.Outbound,
			pending:   make(map[string]int64),
		}
		g.Go(func() error {
			return o.consume(ctx, in, w)
		})
	}

	o.logger.InfoContext(ctx, "orchestrator started",
		"stream", o.cfg.Inbound,
		"group", o.cfg.Group,
		"consumers", o.cfg.Consumers,
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consume is one consumer's read loop.
func (o *Orchestrator) consume(ctx context.Context, in *stream.Client, w *worker) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := in.Read(ctx, readBatch, o.cfg.ReadBlock, o.cfg.IdleReclaim)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			if errors.Is(err, stream.ErrBrokerUnavailable) {
				o.logger.WarnContext(ctx, "broker unavailable, backing off", "error", err)
				if err := o.sleep(ctx, brokerBackoff); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("stream read: %w", err)
		}

		for _, entry := range entries {
			source := "new"
			if entry.Reclaimed {
				source = "reclaimed"
			}
			o.metrics.StreamReads.WithLabelValues(o.cfg.Inbound, source).Inc()

			result, attempt, perr := w.process(ctx, entry)
			if result == outcomeRetryLater {
				// The entry stays pending; hold off before the next read
				// so retries are not hot-looped.
				if attempt < 1 {
					attempt = 1
				}
				delay := stream.RetryDelay(attempt)
				if perr != nil {
					o.logger.WarnContext(ctx, "entry left pending",
						"entry_id", entry.ID, "error", perr)
				}
				if err := o.sleep(ctx, delay); err != nil {
					return err
				}
				break
			}
		}
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
