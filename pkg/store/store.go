// Package store persists event envelopes durably and assigns each one a
// strictly increasing watermark, the sole resumable replay cursor. It also
// owns the deduplication index that makes publish idempotent and the
// dead-letter table that records dispatch failures.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bridgelabs/genesis/pkg/contracts"
)

var (
	// ErrDuplicate reports that a live dedupe claim already covers the key.
	ErrDuplicate = errors.New("duplicate dedupe key")
	// ErrNotFound reports a missing event or dead-letter row.
	ErrNotFound = errors.New("not found")

	errNilEnvelope = errors.New("nil envelope")
)

// PersistenceError wraps a storage failure. A publish that hits one fails
// closed: nothing is recorded and nothing is dispatched.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError reports whether err is (or wraps) a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// DefaultQueryLimit bounds GetEvents when the caller does not.
const DefaultQueryLimit = 100

// DefaultDedupTTL is the suppression window for a dedupe claim.
const DefaultDedupTTL = 24 * time.Hour

// Query selects events from the log. Zero values leave a dimension
// unbounded; results are always ordered by ascending watermark.
type Query struct {
	TopicPattern  string // SQL LIKE shape, % wildcard (e.g. "engine.truth%")
	FromWatermark int64  // inclusive; 0 = from the beginning
	ToWatermark   int64  // inclusive; 0 = unbounded
	Limit         int    // 0 = DefaultQueryLimit
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultQueryLimit
	}
	return q.Limit
}

// DeadLetter is one row of dispatch-failure history. Multiple failures for
// the same event produce multiple rows; nothing is ever overwritten.
type DeadLetter struct {
	ID         int64          `json:"id"`
	EventID    string         `json:"event_id"`
	Topic      string         `json:"topic"`
	Payload    map[string]any `json:"payload"`
	Error      string         `json:"error"`
	RetryCount int            `json:"retry_count"`
	CreatedAt  time.Time      `json:"created_at"`
	LastRetry  time.Time      `json:"last_retry,omitzero"`
}

// DLQQuery selects dead letters, optionally scoped to one event.
type DLQQuery struct {
	EventID string
	Limit   int
}

func (q DLQQuery) limit() int {
	if q.Limit <= 0 {
		return DefaultQueryLimit
	}
	return q.Limit
}

// EventStore is the persistence boundary the bus, replay engine, and
// dead-letter manager share.
type EventStore interface {
	// Initialize creates tables and indexes. Safe to call repeatedly.
	Initialize(ctx context.Context) error
	// Ready probes that the schema is usable.
	Ready(ctx context.Context) error

	// IsDuplicate reports whether a live (unexpired) claim covers the key.
	IsDuplicate(ctx context.Context, dedupeKey string) (bool, error)
	// Record atomically claims the envelope's dedupe key and appends the
	// envelope with the next watermark, setting env.Watermark. A losing
	// claim returns ErrDuplicate with nothing appended.
	Record(ctx context.Context, env *contracts.Envelope) error

	GetEvents(ctx context.Context, q Query) ([]contracts.Envelope, error)
	GetEventByID(ctx context.Context, id string) (contracts.Envelope, error)
	// GetWatermark returns the highest assigned watermark, 0 when empty.
	GetWatermark(ctx context.Context) (int64, error)

	AddToDeadLetter(ctx context.Context, dl DeadLetter) error
	DeadLetters(ctx context.Context, q DLQQuery) ([]DeadLetter, error)
	GetDeadLetter(ctx context.Context, dlqID int64) (DeadLetter, error)
	CountDeadLetters(ctx context.Context) (int64, error)
	MarkRetried(ctx context.Context, dlqID int64) error
	ResolveDeadLetter(ctx context.Context, dlqID int64) error
	PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int64, error)

	// SweepExpiredDedupe removes expired claims and returns how many went.
	SweepExpiredDedupe(ctx context.Context) (int64, error)

	Close() error
}

// DedupIndex abstracts the duplicate-suppression index so deployments with
// multiple producer processes can share one (e.g. Redis) instead of the
// store's transactional default.
type DedupIndex interface {
	// Claim atomically claims key for eventID with the given TTL. It
	// returns false when a live claim already exists.
	Claim(ctx context.Context, key, eventID string, ttl time.Duration) (bool, error)
	// Seen reports whether a live claim covers key.
	Seen(ctx context.Context, key string) (bool, error)
	// Release drops a claim, compensating for an append that failed after
	// the claim succeeded.
	Release(ctx context.Context, key string) error
}
