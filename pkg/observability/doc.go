// Package observability provides OpenTelemetry tracing and metrics for the
// genesis event bus, plus an in-process SLO tracker.
//
// # Setup
//
// Initialize a provider at startup and shut it down on exit:
//
//	obs, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "genesis",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1, // 10% sampling in production
//		Enabled:      true,
//		Insecure:     true,
//	})
//	defer obs.Shutdown(ctx)
//
// With Enabled false the provider is a cheap no-op for export but still
// feeds the SLO tracker, so health reporting works in dev.
//
// # Instrumentation
//
// The bus wraps each publish and each handler delivery:
//
//	ctx, finish := obs.TrackPublish(ctx, observability.PublishAttrs(topic, source, kind)...)
//	// ... persist and fan out ...
//	finish(err)
//
// Counters and durations are emitted under the genesis.* instrument names
// (genesis.publish.total, genesis.dispatch.failures, genesis.replay.events,
// and so on).
//
// # SLOs
//
// Attach objectives and read compliance:
//
//	obs.SLO().SetTarget(&observability.SLOTarget{
//		Operation:   observability.OpPublish,
//		LatencyP99:  50 * time.Millisecond,
//		SuccessRate: 0.999,
//		WindowHours: 24,
//	})
//	status, _ := obs.SLO().Status(observability.OpPublish)
package observability
