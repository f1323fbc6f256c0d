package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bridgelabs/genesis/pkg/contracts"
)

// MemoryStore is an EventStore for tests and ephemeral runs. Same semantics
// as the SQL backends, no durability.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []contracts.Envelope
	byID      map[string]int
	claims    map[string]memClaim
	dlq       []DeadLetter
	nextDLQID int64
	watermark int64
	ttl       time.Duration
	clock     func() time.Time
}

type memClaim struct {
	eventID   string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store with the default TTL.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]int),
		claims: make(map[string]memClaim),
		ttl:    DefaultDedupTTL,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	m.clock = clock
	return m
}

// WithTTL overrides the dedupe suppression window.
func (m *MemoryStore) WithTTL(ttl time.Duration) *MemoryStore {
	if ttl > 0 {
		m.ttl = ttl
	}
	return m
}

func (m *MemoryStore) Initialize(ctx context.Context) error { return nil }

func (m *MemoryStore) Ready(ctx context.Context) error { return nil }

func (m *MemoryStore) IsDuplicate(ctx context.Context, dedupeKey string) (bool, error) {
	if dedupeKey == "" {
		return false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	claim, ok := m.claims[dedupeKey]
	return ok && claim.expiresAt.After(m.clock().UTC()), nil
}

func (m *MemoryStore) Record(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return &PersistenceError{Op: "record", Err: errNilEnvelope}
	}
	key := env.EffectiveDedupeKey()
	now := m.clock().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if claim, ok := m.claims[key]; ok && claim.expiresAt.After(now) {
		return ErrDuplicate
	}
	m.claims[key] = memClaim{eventID: env.ID, expiresAt: now.Add(m.ttl)}

	if idx, ok := m.byID[env.ID]; ok {
		env.Watermark = m.events[idx].Watermark
		return nil
	}

	m.watermark++
	env.Watermark = m.watermark
	stored := *env
	m.events = append(m.events, stored)
	m.byID[env.ID] = len(m.events) - 1
	return nil
}

func (m *MemoryStore) GetEvents(ctx context.Context, q Query) ([]contracts.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := q.limit()
	out := make([]contracts.Envelope, 0)
	for _, env := range m.events {
		if q.FromWatermark > 0 && env.Watermark < q.FromWatermark {
			continue
		}
		if q.ToWatermark > 0 && env.Watermark > q.ToWatermark {
			continue
		}
		if q.TopicPattern != "" && !likeMatch(q.TopicPattern, env.Topic) {
			continue
		}
		out = append(out, env)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) GetEventByID(ctx context.Context, id string) (contracts.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byID[id]
	if !ok {
		return contracts.Envelope{}, ErrNotFound
	}
	return m.events[idx], nil
}

func (m *MemoryStore) GetWatermark(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watermark, nil
}

func (m *MemoryStore) AddToDeadLetter(ctx context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDLQID++
	dl.ID = m.nextDLQID
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = m.clock().UTC()
	}
	m.dlq = append(m.dlq, dl)
	return nil
}

func (m *MemoryStore) DeadLetters(ctx context.Context, q DLQQuery) ([]DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := q.limit()
	out := make([]DeadLetter, 0)
	for _, dl := range m.dlq {
		if q.EventID != "" && dl.EventID != q.EventID {
			continue
		}
		out = append(out, dl)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) GetDeadLetter(ctx context.Context, dlqID int64) (DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, dl := range m.dlq {
		if dl.ID == dlqID {
			return dl, nil
		}
	}
	return DeadLetter{}, ErrNotFound
}

func (m *MemoryStore) CountDeadLetters(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.dlq)), nil
}

func (m *MemoryStore) MarkRetried(ctx context.Context, dlqID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.dlq {
		if m.dlq[i].ID == dlqID {
			m.dlq[i].RetryCount++
			m.dlq[i].LastRetry = m.clock().UTC()
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) ResolveDeadLetter(ctx context.Context, dlqID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.dlq {
		if m.dlq[i].ID == dlqID {
			m.dlq = append(m.dlq[:i], m.dlq[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.dlq[:0]
	var purged int64
	for _, dl := range m.dlq {
		if dl.CreatedAt.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, dl)
	}
	m.dlq = kept
	return purged, nil
}

func (m *MemoryStore) SweepExpiredDedupe(ctx context.Context) (int64, error) {
	now := m.clock().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	var swept int64
	for key, claim := range m.claims {
		if !claim.expiresAt.After(now) {
			delete(m.claims, key)
			swept++
		}
	}
	return swept, nil
}

func (m *MemoryStore) Close() error { return nil }

// Snapshot returns a copy of every stored envelope in watermark order.
// Test helper; not part of EventStore.
func (m *MemoryStore) Snapshot() []contracts.Envelope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.Envelope, len(m.events))
	copy(out, m.events)
	sort.Slice(out, func(i, j int) bool { return out[i].Watermark < out[j].Watermark })
	return out
}
