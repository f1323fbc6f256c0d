package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/bridgelabs/genesis/pkg/contracts"
)

// Handler consumes one envelope. A non-nil error marks the delivery failed
// and dead-letters the envelope for this subscriber only.
type Handler func(ctx context.Context, env contracts.Envelope) error

type subscription struct {
	pattern    string
	name       string
	handler    Handler
	filterExpr string
	filter     cel.Program
	seq        int
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscription)

// WithName labels the subscription in logs and dead-letter rows. Defaults
// to subscriber-<n> in registration order.
func WithName(name string) SubscribeOption {
	return func(s *subscription) { s.name = name }
}

// WithFilter attaches a CEL predicate over topic, kind, source, and payload.
// The expression is compiled at subscribe time; an envelope is delivered
// only when it evaluates to true. Evaluation errors at dispatch time count
// as handler failures and dead-letter the envelope.
func WithFilter(expr string) SubscribeOption {
	return func(s *subscription) { s.filterExpr = expr }
}

// Subscribe registers a handler for every topic matching pattern. Patterns
// are an exact topic, a prefix wildcard like "engine.truth.*", or the bare
// "*" which matches everything. Fan-out preserves registration order across
// all patterns.
func (b *Bus) Subscribe(pattern string, h Handler, opts ...SubscribeOption) error {
	if h == nil {
		return errors.New("nil handler")
	}
	if err := validatePattern(pattern); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{pattern: pattern, handler: h, seq: b.nextSeq}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.name == "" {
		sub.name = fmt.Sprintf("subscriber-%d", sub.seq)
	}

	if sub.filterExpr != "" {
		if b.filters == nil {
			fe, err := newFilterEnv()
			if err != nil {
				return err
			}
			b.filters = fe
		}
		prg, err := b.filters.compile(sub.filterExpr)
		if err != nil {
			return fmt.Errorf("filter %q: %w", sub.filterExpr, err)
		}
		sub.filter = prg
	}

	b.nextSeq++
	b.subs = append(b.subs, sub)
	b.logger.Debug("subscribed", "pattern", pattern, "handler", sub.name)
	return nil
}

// Subscribers returns the number of registered subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return errors.New("empty pattern")
	}
	if pattern == "*" {
		return nil
	}
	if strings.ContainsRune(pattern, '*') {
		if !strings.HasSuffix(pattern, ".*") || strings.Count(pattern, "*") != 1 {
			return fmt.Errorf("unsupported pattern %q: wildcards are bare * or a trailing .*", pattern)
		}
		return contracts.ValidateTopic(strings.TrimSuffix(pattern, ".*"))
	}
	return contracts.ValidateTopic(pattern)
}

// patternMatches applies the subscription pattern grammar. A trailing ".*"
// requires at least one segment beyond the prefix: "engine.truth.*" matches
// "engine.truth.fact" but not "engine.truth" itself.
func patternMatches(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(topic, prefix+".")
	}
	return pattern == topic
}

// matching snapshots the subscriptions selected by topic, in registration
// order. Dispatch iterates the snapshot, so a concurrent Subscribe never
// mutates an in-flight fan-out.
func (b *Bus) matching(topic string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if patternMatches(s.pattern, topic) {
			out = append(out, s)
		}
	}
	return out
}
