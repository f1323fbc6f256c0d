package bus

import (
	"context"

	"github.com/bridgelabs/genesis/pkg/contracts"
)

// Emit is the producer degradation boundary: build and publish an envelope,
// returning its ID, or "" when the publish was rejected. It never returns
// an error and never panics, so instrumenting a hot path with Emit cannot
// take that path down. Failures are logged. A dedupe suppression still
// returns the envelope's ID, since the emit itself succeeded.
func (b *Bus) Emit(ctx context.Context, topic, source string, kind contracts.Kind, payload map[string]any, opts ...contracts.Option) (id string) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("emit recovered", "topic", topic, "panic", r)
			id = ""
		}
	}()

	env, err := contracts.New(topic, source, kind, append(opts, contracts.WithPayload(payload))...)
	if err != nil {
		b.logger.Error("emit rejected", "topic", topic, "source", source, "error", err)
		return ""
	}

	res := b.Publish(ctx, env)
	if res.Status == StatusFailed {
		b.logger.Error("emit failed", "topic", topic, "event_id", res.EventID, "error", res.Err)
		return ""
	}
	return res.EventID
}

// EmitIntent emits a command-like event.
func (b *Bus) EmitIntent(ctx context.Context, topic, source string, payload map[string]any, opts ...contracts.Option) string {
	return b.Emit(ctx, topic, source, contracts.KindIntent, payload, opts...)
}

// EmitHeal emits a remediation event.
func (b *Bus) EmitHeal(ctx context.Context, topic, source string, payload map[string]any, opts ...contracts.Option) string {
	return b.Emit(ctx, topic, source, contracts.KindHeal, payload, opts...)
}

// EmitFact emits a statement of record.
func (b *Bus) EmitFact(ctx context.Context, topic, source string, payload map[string]any, opts ...contracts.Option) string {
	return b.Emit(ctx, topic, source, contracts.KindFact, payload, opts...)
}

// EmitAudit emits a compliance trail event.
func (b *Bus) EmitAudit(ctx context.Context, topic, source string, payload map[string]any, opts ...contracts.Option) string {
	return b.Emit(ctx, topic, source, contracts.KindAudit, payload, opts...)
}

// EmitMetric emits a measurement event.
func (b *Bus) EmitMetric(ctx context.Context, topic, source string, payload map[string]any, opts ...contracts.Option) string {
	return b.Emit(ctx, topic, source, contracts.KindMetric, payload, opts...)
}

// EmitControl emits a lifecycle signal.
func (b *Bus) EmitControl(ctx context.Context, topic, source string, payload map[string]any, opts ...contracts.Option) string {
	return b.Emit(ctx, topic, source, contracts.KindControl, payload, opts...)
}
