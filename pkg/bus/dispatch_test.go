package bus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bridgelabs/genesis/pkg/contracts"
	"github.com/bridgelabs/genesis/pkg/store"
)

func TestFailingSubscriberIsIsolated(t *testing.T) {
	b, st := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Subscribe("engine.truth.*", func(ctx context.Context, env contracts.Envelope) error {
		return errors.New("index write refused")
	}, WithName("indexer")))

	delivered := false
	require.NoError(t, b.Subscribe("engine.truth.*", func(ctx context.Context, env contracts.Envelope) error {
		delivered = true
		return nil
	}, WithName("auditor")))

	res := b.Publish(ctx, mustEnv(t, "engine.truth.fact.created"))
	require.Equal(t, StatusPublished, res.Status, "subscriber failure never fails the publish")
	require.True(t, delivered, "later subscribers still run")

	letters, err := st.DeadLetters(ctx, store.DLQQuery{EventID: res.EventID})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, "engine.truth.fact.created", letters[0].Topic)
	require.Contains(t, letters[0].Error, "indexer")
	require.Contains(t, letters[0].Error, "index write refused")
	require.NotNil(t, letters[0].Payload)
}

func TestPanickingSubscriberIsCaptured(t *testing.T) {
	b, st := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Subscribe("*", func(ctx context.Context, env contracts.Envelope) error {
		panic("boom")
	}, WithName("volatile")))

	res := b.Publish(ctx, mustEnv(t, "engine.truth.fact.created"))
	require.Equal(t, StatusPublished, res.Status)

	letters, err := st.DeadLetters(ctx, store.DLQQuery{EventID: res.EventID})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Contains(t, letters[0].Error, "handler panic")
	require.Contains(t, letters[0].Error, "boom")
}

func TestSlowSubscriberTimesOut(t *testing.T) {
	b, st := newTestBus(t, WithHandlerTimeout(20*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, b.Subscribe("*", func(ctx context.Context, env contracts.Envelope) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, WithName("sleeper")))

	fastDelivered := false
	require.NoError(t, b.Subscribe("*", func(ctx context.Context, env contracts.Envelope) error {
		fastDelivered = true
		return nil
	}, WithName("sprinter")))

	res := b.Publish(ctx, mustEnv(t, "engine.truth.fact.created"))
	require.Equal(t, StatusPublished, res.Status)
	require.True(t, fastDelivered)

	letters, err := st.DeadLetters(ctx, store.DLQQuery{EventID: res.EventID})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Contains(t, letters[0].Error, "sleeper")
	require.Contains(t, letters[0].Error, context.DeadlineExceeded.Error())
}

func TestCancelledPublisherStillCapturesDeadLetter(t *testing.T) {
	b, st := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Subscribe("*", func(ctx context.Context, env contracts.Envelope) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}, WithName("doomed")))

	res := b.Publish(ctx, mustEnv(t, "engine.truth.fact.created"))
	require.Equal(t, StatusPublished, res.Status)

	// The capture write must survive the caller's cancellation.
	letters, err := st.DeadLetters(context.Background(), store.DLQQuery{EventID: res.EventID})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Contains(t, letters[0].Error, context.Canceled.Error())
}

func TestDispatchReportCounts(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Subscribe("engine.truth.*", func(ctx context.Context, env contracts.Envelope) error {
		return nil
	}))
	require.NoError(t, b.Subscribe("engine.truth.*", func(ctx context.Context, env contracts.Envelope) error {
		return errors.New("nope")
	}))
	require.NoError(t, b.Subscribe("engine.heal.*", func(ctx context.Context, env contracts.Envelope) error {
		return nil
	}))

	env := mustEnv(t, "engine.truth.fact.created")
	require.Equal(t, StatusPublished, b.Publish(ctx, env).Status)

	report := b.Republish(ctx, env)
	require.Equal(t, DispatchReport{Matched: 2, Delivered: 1, Failed: 1}, report)
}

func TestDeadLetterErrorNamesHandler(t *testing.T) {
	derr := &DispatchError{
		Handler: "indexer",
		Topic:   "engine.truth.fact.created",
		EventID: "evt-1",
		Err:     errors.New("refused"),
	}
	msg := derr.Error()
	for _, want := range []string{"indexer", "engine.truth.fact.created", "evt-1", "refused"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("dispatch error %q missing %q", msg, want)
		}
	}
	require.ErrorIs(t, derr, derr.Err)
}
