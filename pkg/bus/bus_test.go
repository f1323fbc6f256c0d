package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bridgelabs/genesis/pkg/config"
	"github.com/bridgelabs/genesis/pkg/contracts"
	"github.com/bridgelabs/genesis/pkg/store"
)

func newTestBus(t *testing.T, opts ...Option) (*Bus, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return New(st, opts...), st
}

func mustEnv(t *testing.T, topic string, opts ...contracts.Option) contracts.Envelope {
	t.Helper()
	env, err := contracts.New(topic, "engine.test", contracts.KindFact, opts...)
	require.NoError(t, err)
	return env
}

func TestPublishPersistsAndDelivers(t *testing.T) {
	b, st := newTestBus(t)
	ctx := context.Background()

	var got []contracts.Envelope
	require.NoError(t, b.Subscribe("engine.truth.fact.created", func(ctx context.Context, env contracts.Envelope) error {
		got = append(got, env)
		return nil
	}))

	res := b.Publish(ctx, mustEnv(t, "engine.truth.fact.created"))
	require.Equal(t, StatusPublished, res.Status)
	require.NotEmpty(t, res.EventID)
	require.NoError(t, res.Err)

	require.Len(t, got, 1)
	require.Equal(t, res.EventID, got[0].ID)
	require.Equal(t, int64(1), got[0].Watermark, "handlers see the persisted watermark")

	stored, err := st.GetEventByID(ctx, res.EventID)
	require.NoError(t, err)
	require.Equal(t, "engine.truth.fact.created", stored.Topic)
}

func TestPublishWithZeroSubscribersSucceeds(t *testing.T) {
	b, st := newTestBus(t)

	res := b.Publish(context.Background(), mustEnv(t, "engine.truth.fact.created"))
	require.Equal(t, StatusPublished, res.Status)

	wm, err := st.GetWatermark(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), wm)
}

func TestPublishRejectsInvalidEnvelope(t *testing.T) {
	b, st := newTestBus(t)

	delivered := false
	require.NoError(t, b.Subscribe("*", func(ctx context.Context, env contracts.Envelope) error {
		delivered = true
		return nil
	}))

	env := mustEnv(t, "engine.truth.fact.created")
	env.Kind = contracts.Kind("gossip")
	res := b.Publish(context.Background(), env)

	require.Equal(t, StatusFailed, res.Status)
	require.True(t, contracts.IsContractError(res.Err))
	require.False(t, delivered, "nothing may dispatch on a failed publish")

	wm, _ := st.GetWatermark(context.Background())
	require.Zero(t, wm, "nothing may persist on a failed publish")
}

func TestPublishEnforcesTopicPolicy(t *testing.T) {
	policy := &config.TopicPolicy{Strict: true, Namespaces: []string{"engine.truth"}}
	b, _ := newTestBus(t, WithPolicy(policy))
	ctx := context.Background()

	res := b.Publish(ctx, mustEnv(t, "shadow.ops.launch"))
	require.Equal(t, StatusFailed, res.Status)
	require.ErrorIs(t, res.Err, ErrTopicDenied)

	res = b.Publish(ctx, mustEnv(t, "engine.truth.fact.created"))
	require.Equal(t, StatusPublished, res.Status)
}

func TestPublishSuppressesDuplicates(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	calls := 0
	require.NoError(t, b.Subscribe("*", func(ctx context.Context, env contracts.Envelope) error {
		calls++
		return nil
	}))

	first := b.Publish(ctx, mustEnv(t, "engine.truth.fact.created", contracts.WithDedupeKey("mission/42")))
	require.Equal(t, StatusPublished, first.Status)

	second := b.Publish(ctx, mustEnv(t, "engine.truth.fact.created", contracts.WithDedupeKey("mission/42")))
	require.Equal(t, StatusDuplicate, second.Status)
	require.NoError(t, second.Err)

	require.Equal(t, 1, calls, "a suppressed publish must not dispatch")
}

func TestFanOutPreservesRegistrationOrder(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	var order []string
	record := func(name string) Handler {
		return func(ctx context.Context, env contracts.Envelope) error {
			order = append(order, name)
			return nil
		}
	}

	// Overlapping patterns registered in a known order.
	require.NoError(t, b.Subscribe("engine.truth.fact.created", record("exact")))
	require.NoError(t, b.Subscribe("engine.truth.*", record("prefix")))
	require.NoError(t, b.Subscribe("*", record("all")))
	require.NoError(t, b.Subscribe("engine.heal.*", record("other")))

	res := b.Publish(ctx, mustEnv(t, "engine.truth.fact.created"))
	require.Equal(t, StatusPublished, res.Status)
	require.Equal(t, []string{"exact", "prefix", "all"}, order)
}

func TestPatternMatches(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"*", "anything.at.all", true},
		{"engine.truth.fact.created", "engine.truth.fact.created", true},
		{"engine.truth.fact.created", "engine.truth.fact.updated", false},
		{"engine.truth.*", "engine.truth.fact.created", true},
		{"engine.truth.*", "engine.truth", false},
		{"engine.truth.*", "engine.truthiness.fact", false},
		{"engine.*", "engine.heal.retry", true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, patternMatches(tc.pattern, tc.topic),
			"patternMatches(%q, %q)", tc.pattern, tc.topic)
	}
}

func TestSubscribeRejectsBadInput(t *testing.T) {
	b, _ := newTestBus(t)
	noop := func(ctx context.Context, env contracts.Envelope) error { return nil }

	require.Error(t, b.Subscribe("engine.truth.*", nil), "nil handler")
	require.Error(t, b.Subscribe("", noop), "empty pattern")
	require.Error(t, b.Subscribe("engine.*.fact", noop), "infix wildcard")
	require.Error(t, b.Subscribe("engine..truth.*", noop), "empty topic segment")
	require.Zero(t, b.Subscribers())

	require.NoError(t, b.Subscribe("engine.truth.*", noop))
	require.Equal(t, 1, b.Subscribers())
}

func TestRepublishBypassesPersistenceAndDedupe(t *testing.T) {
	b, st := newTestBus(t)
	ctx := context.Background()

	calls := 0
	require.NoError(t, b.Subscribe("engine.truth.*", func(ctx context.Context, env contracts.Envelope) error {
		calls++
		return nil
	}))

	env := mustEnv(t, "engine.truth.fact.created", contracts.WithDedupeKey("mission/42"))
	require.Equal(t, StatusPublished, b.Publish(ctx, env).Status)

	// Re-dispatch the already-claimed envelope: suppression must not apply
	// and no second row may be written.
	report := b.Republish(ctx, env)
	require.Equal(t, DispatchReport{Matched: 1, Delivered: 1, Failed: 0}, report)
	require.Equal(t, 2, calls)

	wm, err := st.GetWatermark(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), wm)
}
