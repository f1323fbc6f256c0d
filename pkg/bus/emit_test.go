package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bridgelabs/genesis/pkg/contracts"
)

func TestEmitReturnsEventID(t *testing.T) {
	b, st := newTestBus(t)
	ctx := context.Background()

	id := b.Emit(ctx, "engine.truth.fact.created", "engine.truth", contracts.KindFact,
		map[string]any{"mission": 42})
	require.NotEmpty(t, id)

	stored, err := st.GetEventByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, contracts.KindFact, stored.Kind)
	require.Equal(t, 42, stored.Payload["mission"])
}

func TestEmitSwallowsFailures(t *testing.T) {
	b, st := newTestBus(t)
	ctx := context.Background()

	require.NotPanics(t, func() {
		id := b.Emit(ctx, "", "engine.truth", contracts.KindFact, nil)
		require.Empty(t, id, "a rejected emit degrades to empty string")
	})

	wm, err := st.GetWatermark(ctx)
	require.NoError(t, err)
	require.Zero(t, wm)
}

func TestEmitDuplicateStillReturnsID(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	opts := []contracts.Option{contracts.WithDedupeKey("mission/42#done")}
	first := b.EmitFact(ctx, "engine.truth.fact.created", "engine.truth", nil, opts...)
	require.NotEmpty(t, first)

	second := b.EmitFact(ctx, "engine.truth.fact.created", "engine.truth", nil, opts...)
	require.NotEmpty(t, second, "a suppressed emit is not a failure")
	require.NotEqual(t, first, second)
}

func TestEmitWrappersSetKind(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	var kinds []contracts.Kind
	require.NoError(t, b.Subscribe("*", func(ctx context.Context, env contracts.Envelope) error {
		kinds = append(kinds, env.Kind)
		return nil
	}))

	b.EmitIntent(ctx, "engine.intent.scan.requested", "engine.test", nil)
	b.EmitHeal(ctx, "engine.heal.retry.scheduled", "engine.test", nil)
	b.EmitFact(ctx, "engine.truth.fact.created", "engine.test", nil)
	b.EmitAudit(ctx, "engine.audit.access.logged", "engine.test", nil)
	b.EmitMetric(ctx, "engine.metric.latency.sampled", "engine.test", nil)
	b.EmitControl(ctx, "engine.control.drain.requested", "engine.test", nil)

	require.Equal(t, []contracts.Kind{
		contracts.KindIntent,
		contracts.KindHeal,
		contracts.KindFact,
		contracts.KindAudit,
		contracts.KindMetric,
		contracts.KindControl,
	}, kinds)
}

func TestEmitPayloadArgumentWins(t *testing.T) {
	b, st := newTestBus(t)
	ctx := context.Background()

	id := b.Emit(ctx, "engine.truth.fact.created", "engine.truth", contracts.KindFact,
		map[string]any{"keep": true},
		contracts.WithPayload(map[string]any{"discard": true}))
	require.NotEmpty(t, id)

	stored, err := st.GetEventByID(ctx, id)
	require.NoError(t, err)
	require.Contains(t, stored.Payload, "keep")
	require.NotContains(t, stored.Payload, "discard")
}
