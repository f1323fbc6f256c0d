// Package bus is the in-process event bus: validated publish with durable
// append-before-dispatch, idempotent delivery via the store's dedupe index,
// and supervised fan-out to subscribers.
//
// A publish is accepted or rejected before any subscriber runs. Subscriber
// failures are captured into the dead-letter table and never reach the
// publisher.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bridgelabs/genesis/pkg/config"
	"github.com/bridgelabs/genesis/pkg/contracts"
	"github.com/bridgelabs/genesis/pkg/observability"
	"github.com/bridgelabs/genesis/pkg/store"
)

// ErrTopicDenied rejects publishes outside the configured namespaces when a
// strict topic policy is active.
var ErrTopicDenied = errors.New("topic not allowed by policy")

// Status is the outcome class of a publish.
type Status string

const (
	// StatusPublished means the envelope was persisted and fanned out.
	StatusPublished Status = "published"
	// StatusDuplicate means the dedupe index suppressed the envelope.
	StatusDuplicate Status = "duplicate"
	// StatusFailed means validation, policy, or persistence rejected the
	// envelope. Nothing was stored and nothing was dispatched.
	StatusFailed Status = "failed"
)

// Result reports the outcome of one publish. EventID identifies the
// attempted envelope, including when it was suppressed as a duplicate.
type Result struct {
	Status  Status
	EventID string
	Err     error
}

// DispatchReport summarizes one fan-out. Matched counts deliveries selected
// by pattern and filter, so Matched = Delivered + Failed.
type DispatchReport struct {
	Matched   int
	Delivered int
	Failed    int
}

// Bus routes envelopes from publishers to subscribers through the event
// store. Construct instances with New; there is no package-level singleton,
// so tests and embedders can run isolated buses side by side.
type Bus struct {
	store   store.EventStore
	logger  *slog.Logger
	obs     *observability.Provider
	policy  *config.TopicPolicy
	clock   func() time.Time
	timeout time.Duration

	mu      sync.RWMutex
	subs    []*subscription
	nextSeq int
	filters *filterEnv
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger.With("component", "bus")
		}
	}
}

// WithHandlerTimeout bounds each handler invocation. Zero means unbounded.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) { b.timeout = d }
}

// WithObservability attaches tracing, metrics, and SLO tracking.
func WithObservability(p *observability.Provider) Option {
	return func(b *Bus) { b.obs = p }
}

// WithPolicy attaches a topic policy. A nil or non-strict policy admits
// every topic.
func WithPolicy(p *config.TopicPolicy) Option {
	return func(b *Bus) { b.policy = p }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(b *Bus) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// New creates a bus over the given store.
func New(st store.EventStore, opts ...Option) *Bus {
	b := &Bus{
		store:  st,
		logger: slog.Default().With("component", "bus"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish validates, persists, and fans out one envelope. The returned
// Result reflects only the publisher's side: subscriber failures are
// captured into the dead-letter table and do not surface here.
func (b *Bus) Publish(ctx context.Context, env contracts.Envelope) Result {
	attrs := observability.PublishAttrs(env.Topic, env.Source, string(env.Kind))
	finish := func(error) {}
	if b.obs != nil {
		ctx, finish = b.obs.TrackPublish(ctx, attrs...)
	}

	res := b.publish(ctx, env)

	switch res.Status {
	case StatusDuplicate:
		if b.obs != nil {
			b.obs.RecordDuplicate(ctx, attrs...)
		}
		finish(nil)
	case StatusFailed:
		finish(res.Err)
	default:
		finish(nil)
	}
	return res
}

func (b *Bus) publish(ctx context.Context, env contracts.Envelope) Result {
	if err := contracts.Validate(env); err != nil {
		b.logger.Warn("publish rejected", "topic", env.Topic, "error", err)
		return Result{Status: StatusFailed, EventID: env.ID, Err: err}
	}

	if !b.policy.Allows(env.Topic) {
		err := fmt.Errorf("%w: %q", ErrTopicDenied, env.Topic)
		b.logger.Warn("publish rejected", "topic", env.Topic, "error", err)
		return Result{Status: StatusFailed, EventID: env.ID, Err: err}
	}

	// Cheap pre-check. Record below is the authoritative claim, so a failed
	// lookup only costs us the shortcut.
	key := env.EffectiveDedupeKey()
	if dup, err := b.store.IsDuplicate(ctx, key); err != nil {
		b.logger.Warn("dedupe lookup failed", "dedupe_key", key, "error", err)
	} else if dup {
		b.logger.Debug("duplicate suppressed", "topic", env.Topic, "dedupe_key", key)
		return Result{Status: StatusDuplicate, EventID: env.ID}
	}

	if err := b.store.Record(ctx, &env); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			b.logger.Debug("duplicate suppressed", "topic", env.Topic, "dedupe_key", key)
			return Result{Status: StatusDuplicate, EventID: env.ID}
		}
		b.logger.Error("publish persistence failed", "topic", env.Topic, "event_id", env.ID, "error", err)
		return Result{Status: StatusFailed, EventID: env.ID, Err: err}
	}

	report := b.dispatch(ctx, env)
	b.logger.Debug("published",
		"topic", env.Topic,
		"event_id", env.ID,
		"watermark", env.Watermark,
		"matched", report.Matched,
		"delivered", report.Delivered,
		"failed", report.Failed,
	)
	return Result{Status: StatusPublished, EventID: env.ID}
}

// Republish fans out an already-persisted envelope without validating,
// deduplicating, or re-recording it. Replay and dead-letter requeue use this
// path so that suppression can never swallow an intentional re-emit.
func (b *Bus) Republish(ctx context.Context, env contracts.Envelope) DispatchReport {
	return b.dispatch(ctx, env)
}
