package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "genesis", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
	require.True(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// Accessors work without initialized providers.
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.NotNil(t, p.SLO())
}

func TestNewProviderWithNilConfig(t *testing.T) {
	// Nil config falls back to defaults, which keep export disabled.
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestTrackPublish(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	attrs := PublishAttrs("engine.truth.fact.created", "engine.test", "fact")
	newCtx, finish := p.TrackPublish(context.Background(), attrs...)
	require.NotNil(t, newCtx)

	time.Sleep(1 * time.Millisecond)
	finish(nil)

	// The hook feeds the SLO tracker even with export off.
	p.SLO().SetTarget(&SLOTarget{
		SLOID:       "slo-publish",
		Operation:   OpPublish,
		LatencyP99:  time.Second,
		SuccessRate: 0.99,
		WindowHours: 1,
	})
	status, err := p.SLO().Status(OpPublish)
	require.NoError(t, err)
	require.Equal(t, 1, status.ObservationCount)
	require.True(t, status.InCompliance)
}

func TestTrackDispatchWithError(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, finish := p.TrackDispatch(context.Background(),
		DispatchAttrs("engine.truth.fact.created", "indexer")...)
	finish(errors.New("handler blew up"))

	p.SLO().SetTarget(&SLOTarget{
		SLOID:       "slo-dispatch",
		Operation:   OpDispatch,
		LatencyP99:  time.Second,
		SuccessRate: 0.99,
		WindowHours: 1,
	})
	status, err := p.SLO().Status(OpDispatch)
	require.NoError(t, err)
	require.Equal(t, 1, status.ObservationCount)
	require.False(t, status.InCompliance)
}

func TestRecordMetricsDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()

	// These must not panic when export is disabled.
	p.RecordPublish(ctx, attribute.String("test", "value"))
	p.RecordDuplicate(ctx)
	p.RecordPublishFailure(ctx, errors.New("test"))
	p.RecordDispatchFailure(ctx, errors.New("test"))
	p.RecordReplayed(ctx, 10)
}

func TestStartSpan(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	newCtx, span := p.StartSpan(context.Background(), "test.span")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()
}

func TestShutdown(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

// Attribute helper tests

func TestPublishAttrs(t *testing.T) {
	attrs := PublishAttrs("engine.truth.fact.created", "engine.truth", "fact")
	require.Len(t, attrs, 3)
	require.Equal(t, "genesis.topic", string(attrs[0].Key))
	require.Equal(t, "engine.truth.fact.created", attrs[0].Value.AsString())
}

func TestEventAttrs(t *testing.T) {
	attrs := EventAttrs("evt-123", "engine.truth.fact.created", 42)
	require.Len(t, attrs, 3)
	require.Equal(t, "genesis.watermark", string(attrs[2].Key))
	require.Equal(t, int64(42), attrs[2].Value.AsInt64())
}

func TestDispatchAttrs(t *testing.T) {
	attrs := DispatchAttrs("engine.truth.fact.created", "indexer")
	require.Len(t, attrs, 2)
	require.Equal(t, "genesis.handler", string(attrs[1].Key))
	require.Equal(t, "indexer", attrs[1].Value.AsString())
}

func TestReplayAttrs(t *testing.T) {
	attrs := ReplayAttrs(7, "engine.truth.%")
	require.Len(t, attrs, 2)
	require.Equal(t, "genesis.replay.from_watermark", string(attrs[0].Key))
	require.Equal(t, int64(7), attrs[0].Value.AsInt64())
}

func TestRequeueAttrs(t *testing.T) {
	attrs := RequeueAttrs("evt-123", 9)
	require.Len(t, attrs, 2)
	require.Equal(t, "genesis.dlq.id", string(attrs[1].Key))
	require.Equal(t, int64(9), attrs[1].Value.AsInt64())
}

func TestSpanFromContext(t *testing.T) {
	span := SpanFromContext(context.Background())
	require.NotNil(t, span) // Returns a no-op span if none
}

func TestAddSpanEvent(t *testing.T) {
	// Should not panic without an active span.
	AddSpanEvent(context.Background(), "test.event", attribute.String("key", "value"))
}

func TestSetSpanStatus(t *testing.T) {
	// Should not panic without an active span.
	SetSpanStatus(context.Background(), errors.New("test error"))
	SetSpanStatus(context.Background(), nil)
}
