// Package replay re-dispatches recorded envelopes from the event store
// back onto the bus. A replay run never re-persists: watermarks and
// dedupe claims stay untouched, so time travel leaves no trace in the
// storage layer.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/bridgelabs/genesis/pkg/bus"
	"github.com/bridgelabs/genesis/pkg/contracts"
	"github.com/bridgelabs/genesis/pkg/observability"
	"github.com/bridgelabs/genesis/pkg/store"
)

// DefaultLimit bounds a replay run when the caller does not.
const DefaultLimit = 1000

// EventSource provides recorded envelopes and the current high
// watermark. *store.SQLStore and *store.MemoryStore both satisfy it.
type EventSource interface {
	GetEvents(ctx context.Context, q store.Query) ([]contracts.Envelope, error)
	GetWatermark(ctx context.Context) (int64, error)
}

// Dispatcher re-delivers one envelope to live subscribers without
// touching persistence. *bus.Bus satisfies it.
type Dispatcher interface {
	Republish(ctx context.Context, env contracts.Envelope) bus.DispatchReport
}

// Failure records one envelope whose re-dispatch did not fully deliver.
type Failure struct {
	EventID string
	Err     error
}

// Result is the outcome of one replay run. Envelopes holds every event
// the run fetched, whether or not it was re-dispatched; Emitted counts
// only clean re-dispatches.
type Result struct {
	Envelopes []contracts.Envelope
	Emitted   int
	Failures  []Failure
}

// Engine drives replay runs against an event source.
type Engine struct {
	source   EventSource
	dispatch Dispatcher
	logger   *slog.Logger
	obs      *observability.Provider
	limiter  *rate.Limiter
	clock    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for replay runs.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.With("component", "replay")
		}
	}
}

// WithObservability attaches metrics and tracing to replay runs.
func WithObservability(obs *observability.Provider) Option {
	return func(e *Engine) {
		e.obs = obs
	}
}

// WithLimiter paces re-dispatch with an explicit limiter.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(e *Engine) {
		e.limiter = limiter
	}
}

// WithRate caps re-dispatch at eventsPerSec. Zero or negative removes
// the cap.
func WithRate(eventsPerSec float64) Option {
	return func(e *Engine) {
		if eventsPerSec > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(eventsPerSec), 1)
		} else {
			e.limiter = nil
		}
	}
}

// WithClock overrides the time source for testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// NewEngine creates a replay engine over a source and a dispatcher.
func NewEngine(source EventSource, dispatcher Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		source:   source,
		dispatch: dispatcher,
		logger:   slog.Default().With("component", "replay"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type runConfig struct {
	topicPattern string
	limit        int
	emit         bool
}

// QueryOption narrows or redirects a single replay run.
type QueryOption func(*runConfig)

// WithTopicPattern restricts the run to topics matching a SQL LIKE
// pattern with % wildcards, e.g. "engine.truth.%".
func WithTopicPattern(pattern string) QueryOption {
	return func(c *runConfig) {
		c.topicPattern = pattern
	}
}

// WithLimit caps how many events the run fetches. Zero or negative
// falls back to DefaultLimit.
func WithLimit(n int) QueryOption {
	return func(c *runConfig) {
		c.limit = n
	}
}

// WithEmit controls whether fetched events are re-dispatched. Disabled,
// a run is a dry read that only returns the envelopes it would replay.
func WithEmit(emit bool) QueryOption {
	return func(c *runConfig) {
		c.emit = emit
	}
}

func newRunConfig(opts []QueryOption) runConfig {
	cfg := runConfig{limit: DefaultLimit, emit: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.limit <= 0 {
		cfg.limit = DefaultLimit
	}
	return cfg
}

// FromWatermark replays events at or above the given watermark, in
// watermark order. Re-dispatch failures are recorded and skipped; the
// run keeps going. The returned error is non-nil only when the fetch
// fails or pacing is interrupted, and the Result is valid either way.
func (e *Engine) FromWatermark(ctx context.Context, from int64, opts ...QueryOption) (Result, error) {
	cfg := newRunConfig(opts)
	events, err := e.source.GetEvents(ctx, store.Query{
		TopicPattern:  cfg.topicPattern,
		FromWatermark: from,
		Limit:         cfg.limit,
	})
	if err != nil {
		return Result{}, fmt.Errorf("fetch events from watermark %d: %w", from, err)
	}
	return e.run(ctx, events, cfg, observability.ReplayAttrs(from, cfg.topicPattern))
}

// FromTimestamp replays events whose timestamp is at or after the given
// instant. The store is indexed by watermark, not time, so the run
// fetches by topic and limit first and filters by timestamp in memory;
// a tight limit can therefore end the run before the window does.
func (e *Engine) FromTimestamp(ctx context.Context, from time.Time, opts ...QueryOption) (Result, error) {
	cfg := newRunConfig(opts)
	events, err := e.source.GetEvents(ctx, store.Query{
		TopicPattern: cfg.topicPattern,
		Limit:        cfg.limit,
	})
	if err != nil {
		return Result{}, fmt.Errorf("fetch events for replay since %s: %w", from.UTC().Format(time.RFC3339), err)
	}

	kept := make([]contracts.Envelope, 0, len(events))
	for _, env := range events {
		if env.Timestamp.Before(from) {
			continue
		}
		kept = append(kept, env)
	}
	return e.run(ctx, kept, cfg, observability.ReplayAttrs(0, cfg.topicPattern))
}

// CurrentWatermark reports the highest watermark the source has issued.
func (e *Engine) CurrentWatermark(ctx context.Context) (int64, error) {
	wm, err := e.source.GetWatermark(ctx)
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return wm, nil
}

func (e *Engine) run(ctx context.Context, events []contracts.Envelope, cfg runConfig, attrs []attribute.KeyValue) (Result, error) {
	result := Result{Envelopes: events}
	if !cfg.emit {
		return result, nil
	}

	start := e.clock()
	for _, env := range events {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				e.observe(ctx, result, start, attrs)
				return result, fmt.Errorf("replay interrupted at watermark %d: %w", env.Watermark, err)
			}
		}
		report := e.dispatch.Republish(ctx, env)
		if report.Failed > 0 {
			err := fmt.Errorf("%d of %d deliveries failed", report.Failed, report.Matched)
			result.Failures = append(result.Failures, Failure{EventID: env.ID, Err: err})
			e.logger.Warn("replay delivery incomplete",
				"event_id", env.ID,
				"topic", env.Topic,
				"watermark", env.Watermark,
				"failed", report.Failed,
				"matched", report.Matched)
			continue
		}
		result.Emitted++
	}

	e.observe(ctx, result, start, attrs)
	e.logger.Info("replay complete",
		"fetched", len(result.Envelopes),
		"emitted", result.Emitted,
		"failures", len(result.Failures),
		"duration", e.clock().Sub(start))
	return result, nil
}

func (e *Engine) observe(ctx context.Context, result Result, start time.Time, attrs []attribute.KeyValue) {
	if e.obs == nil {
		return
	}
	e.obs.RecordReplayed(ctx, int64(result.Emitted), attrs...)
	e.obs.SLO().Record(observability.SLOObservation{
		Operation: observability.OpReplay,
		Latency:   e.clock().Sub(start),
		Success:   len(result.Failures) == 0,
	})
}
