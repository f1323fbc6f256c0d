package bus

import (
	"context"
	"fmt"

	"github.com/bridgelabs/genesis/pkg/contracts"
	"github.com/bridgelabs/genesis/pkg/observability"
	"github.com/bridgelabs/genesis/pkg/store"
)

// DispatchError describes one failed handler delivery.
type DispatchError struct {
	Handler string
	Topic   string
	EventID string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s failed for %s (%s): %v", e.Handler, e.Topic, e.EventID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// dispatch fans the envelope out to every matching subscription in
// registration order. Each delivery is supervised in its own goroutine;
// a failure dead-letters the envelope for that subscriber and the loop
// moves on.
func (b *Bus) dispatch(ctx context.Context, env contracts.Envelope) DispatchReport {
	var report DispatchReport
	for _, sub := range b.matching(env.Topic) {
		if sub.filter != nil {
			keep, err := evalFilter(sub.filter, env)
			if err != nil {
				report.Matched++
				report.Failed++
				b.deadLetter(ctx, env, &DispatchError{
					Handler: sub.name,
					Topic:   env.Topic,
					EventID: env.ID,
					Err:     fmt.Errorf("filter: %w", err),
				})
				continue
			}
			if !keep {
				continue
			}
		}
		report.Matched++

		if err := b.deliver(ctx, sub, env); err != nil {
			report.Failed++
			b.deadLetter(ctx, env, err)
			continue
		}
		report.Delivered++
	}
	return report
}

// deliver runs one handler under supervision: its own goroutine so panics
// are recoverable, an optional per-handler timeout, and the caller's
// cancellation honored.
func (b *Bus) deliver(ctx context.Context, sub *subscription, env contracts.Envelope) *DispatchError {
	finish := func(error) {}
	if b.obs != nil {
		ctx, finish = b.obs.TrackDispatch(ctx, observability.DispatchAttrs(env.Topic, sub.name)...)
	}

	hctx := ctx
	cancel := func() {}
	if b.timeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, b.timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- sub.handler(hctx, env)
	}()

	var err error
	select {
	case err = <-done:
	case <-hctx.Done():
		err = hctx.Err()
	}
	finish(err)

	if err != nil {
		return &DispatchError{Handler: sub.name, Topic: env.Topic, EventID: env.ID, Err: err}
	}
	return nil
}

// deadLetter captures a failed delivery. The write uses a context detached
// from the caller's cancellation: the capture must land even when the
// failure was that same cancellation.
func (b *Bus) deadLetter(ctx context.Context, env contracts.Envelope, derr *DispatchError) {
	b.logger.Error("handler failed",
		"handler", derr.Handler,
		"topic", env.Topic,
		"event_id", env.ID,
		"error", derr.Err,
	)

	dl := store.DeadLetter{
		EventID:   env.ID,
		Topic:     env.Topic,
		Payload:   env.Payload,
		Error:     derr.Error(),
		CreatedAt: b.clock().UTC(),
	}
	if err := b.store.AddToDeadLetter(context.WithoutCancel(ctx), dl); err != nil {
		b.logger.Error("dead letter write failed",
			"handler", derr.Handler,
			"event_id", env.ID,
			"error", err,
		)
	}
}
