// Package deadletter manages the dispatch-failure queue: listing failed
// deliveries, deciding retry eligibility, and requeueing events through
// the bus's dispatch-only path. Writing dead-letter rows is the bus's
// job; this package only reads, retries, and purges them.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/bridgelabs/genesis/pkg/bus"
	"github.com/bridgelabs/genesis/pkg/contracts"
	"github.com/bridgelabs/genesis/pkg/observability"
	"github.com/bridgelabs/genesis/pkg/store"
)

// DefaultMaxRetries bounds requeue attempts per dead-letter row.
const DefaultMaxRetries = 3

var (
	// ErrRetriesExhausted reports a row whose retry budget is spent.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrRequeueFailed reports that a requeued event failed delivery again.
	// The new failure has its own dead-letter row.
	ErrRequeueFailed = errors.New("requeue delivery failed")
)

// Dispatcher re-delivers one envelope to live subscribers without
// touching persistence. *bus.Bus satisfies it.
type Dispatcher interface {
	Republish(ctx context.Context, env contracts.Envelope) bus.DispatchReport
}

// Manager reads and retries dead-lettered events.
type Manager struct {
	store           store.EventStore
	dispatch        Dispatcher
	logger          *slog.Logger
	obs             *observability.Provider
	maxRetries      int
	deleteOnSuccess bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for requeue and purge operations.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "deadletter")
		}
	}
}

// WithObservability attaches tracing and SLO tracking.
func WithObservability(obs *observability.Provider) Option {
	return func(m *Manager) {
		m.obs = obs
	}
}

// WithMaxRetries sets the retry budget per row. Zero or negative keeps
// the default.
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

// WithDeleteOnSuccess controls whether a successfully requeued row is
// deleted (the default) or retained for its history.
func WithDeleteOnSuccess(enabled bool) Option {
	return func(m *Manager) {
		m.deleteOnSuccess = enabled
	}
}

// NewManager creates a dead-letter manager over a store and a dispatcher.
func NewManager(st store.EventStore, dispatcher Dispatcher, opts ...Option) *Manager {
	m := &Manager{
		store:           st,
		dispatch:        dispatcher,
		logger:          slog.Default().With("component", "deadletter"),
		maxRetries:      DefaultMaxRetries,
		deleteOnSuccess: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// List returns dead-letter rows in insertion order.
func (m *Manager) List(ctx context.Context, q store.DLQQuery) ([]store.DeadLetter, error) {
	return m.store.DeadLetters(ctx, q)
}

// Count returns the total number of dead-letter rows.
func (m *Manager) Count(ctx context.Context) (int64, error) {
	return m.store.CountDeadLetters(ctx)
}

// Eligible reports whether the row has retry budget left.
func (m *Manager) Eligible(dl store.DeadLetter) bool {
	return dl.RetryCount < m.maxRetries
}

// Requeue re-delivers the event behind a dead-letter row through the
// dispatch-only path. The attempt is counted before delivery, so a
// crashing retry still consumes budget. On clean delivery the row is
// resolved when DeleteOnSuccess is set; a failed delivery keeps the row
// and returns ErrRequeueFailed (the new failure gets its own row).
func (m *Manager) Requeue(ctx context.Context, dlqID int64) (err error) {
	dl, err := m.store.GetDeadLetter(ctx, dlqID)
	if err != nil {
		return fmt.Errorf("load dead letter %d: %w", dlqID, err)
	}
	if !m.Eligible(dl) {
		return fmt.Errorf("dead letter %d after %d attempts: %w", dlqID, dl.RetryCount, ErrRetriesExhausted)
	}

	env, err := m.store.GetEventByID(ctx, dl.EventID)
	if err != nil {
		return fmt.Errorf("load event %s for dead letter %d: %w", dl.EventID, dlqID, err)
	}

	if m.obs != nil {
		var span trace.Span
		ctx, span = m.obs.StartSpan(ctx, "genesis.dlq.requeue",
			trace.WithAttributes(observability.RequeueAttrs(dl.EventID, dlqID)...))
		defer span.End()
	}
	start := time.Now()
	defer func() {
		if m.obs != nil {
			m.obs.SLO().Record(observability.SLOObservation{
				Operation: observability.OpRequeue,
				Latency:   time.Since(start),
				Success:   err == nil,
			})
		}
	}()

	if err := m.store.MarkRetried(ctx, dlqID); err != nil {
		return fmt.Errorf("mark dead letter %d retried: %w", dlqID, err)
	}

	report := m.dispatch.Republish(ctx, env)
	if report.Failed > 0 {
		m.logger.Warn("requeue failed delivery",
			"dlq_id", dlqID,
			"event_id", dl.EventID,
			"topic", dl.Topic,
			"failed", report.Failed,
			"matched", report.Matched)
		return fmt.Errorf("dead letter %d: %d of %d deliveries failed: %w",
			dlqID, report.Failed, report.Matched, ErrRequeueFailed)
	}

	m.logger.Info("requeued dead letter",
		"dlq_id", dlqID,
		"event_id", dl.EventID,
		"topic", dl.Topic,
		"delivered", report.Delivered)

	if m.deleteOnSuccess {
		if err := m.store.ResolveDeadLetter(ctx, dlqID); err != nil {
			return fmt.Errorf("resolve dead letter %d after delivery: %w", dlqID, err)
		}
	}
	return nil
}

// Purge deletes rows created before the cutoff and returns how many went.
func (m *Manager) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := m.store.PurgeDeadLetters(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("purged dead letters", "count", n, "older_than", olderThan.UTC())
	}
	return n, nil
}
