package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/gatekeeper/internal/bus"
)

// RecordJoinEvents counts the join lifecycle events on b by topic until ctx
// is cancelled or b is closed. The returned channel closes when the recorder
// has stopped. Events the bus dropped are not counted; queue depth is read
// from the queue itself, see RegisterQueueDepth.
func RecordJoinEvents(ctx context.Context, b *bus.Bus, m *Metrics) <-chan struct{} {
	done := make(chan struct{})
	if b == nil || m == nil {
		close(done)
		return done
	}
	sub := b.Subscribe("join.")
	go func() {
		defer close(done)
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				m.JoinEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("gatekeeper.event", ev.Topic)))
			}
		}
	}()
	return done
}
