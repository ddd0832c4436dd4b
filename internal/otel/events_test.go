package otel

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/gatekeeper/internal/bus"
	"github.com/basket/gatekeeper/internal/deathqueue"
)

func newManualMeter(t *testing.T) (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return mp, reader
}

func TestRecordJoinEvents_CountsByTopic(t *testing.T) {
	mp, reader := newManualMeter(t)
	m, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := RecordJoinEvents(ctx, b, m)

	b.Publish(bus.TopicJoinEnqueued, bus.JoinEvent{UserID: 1})
	b.Publish(bus.TopicJoinEnqueued, bus.JoinEvent{UserID: 2})
	b.Publish(bus.TopicJoinVerified, bus.JoinEvent{UserID: 1})

	deadline := time.Now().Add(2 * time.Second)
	for {
		counts := readJoinEvents(t, reader)
		if counts[bus.TopicJoinEnqueued] == 2 && counts[bus.TopicJoinVerified] == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("join event counts never settled, last %v", counts)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recorder did not stop")
	}
	if b.SubscriberCount() != 0 {
		t.Fatal("subscription not released")
	}
}

func TestRecordJoinEvents_StopsOnBusClose(t *testing.T) {
	mp, _ := newManualMeter(t)
	m, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	b := bus.New()
	done := RecordJoinEvents(context.Background(), b, m)
	b.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recorder did not stop after bus close")
	}
}

func TestRecordJoinEvents_NilBus(t *testing.T) {
	done := RecordJoinEvents(context.Background(), nil, nil)
	select {
	case <-done:
	default:
		t.Fatal("expected closed channel")
	}
}

func TestQueueDepth_FollowsQueueWhenBusDrops(t *testing.T) {
	mp, reader := newManualMeter(t)

	// A subscriber that never reads fills its one-slot buffer at once, so
	// most lifecycle events below are dropped.
	b := bus.NewWithBuffer(1)
	stalled := b.Subscribe("join.")
	defer b.Unsubscribe(stalled)

	q, err := deathqueue.NewManager(context.Background(), deathqueue.Options{
		Store: deathqueue.NewMemoryStore(),
		TTL:   time.Minute,
		Bus:   b,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer q.Close(context.Background())

	reg, err := RegisterQueueDepth(mp.Meter("test"), q.Len)
	if err != nil {
		t.Fatalf("RegisterQueueDepth: %v", err)
	}
	defer reg.Unregister()

	for i := int64(1); i <= 5; i++ {
		if err := q.Enqueue(deathqueue.JoinRequest{UserID: i, ChatID: -100, JoinTime: i}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	q.Remove(1, -100)
	if b.Dropped() == 0 {
		t.Fatal("expected the stalled subscriber to drop events")
	}

	if got := readDepth(t, reader); got != 4 {
		t.Fatalf("queue depth = %d, want 4", got)
	}
	q.Remove(2, -100)
	if got := readDepth(t, reader); got != 3 {
		t.Fatalf("queue depth after remove = %d, want 3", got)
	}
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	return rm
}

func readDepth(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	for _, sm := range collect(t, reader).ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "gatekeeper.queue.depth" {
				continue
			}
			gauge, ok := md.Data.(metricdata.Gauge[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", md.Data)
			}
			if len(gauge.DataPoints) != 1 {
				t.Fatalf("expected one data point, got %d", len(gauge.DataPoints))
			}
			return gauge.DataPoints[0].Value
		}
	}
	t.Fatal("gatekeeper.queue.depth not collected")
	return 0
}

func readJoinEvents(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	out := map[string]int64{}
	for _, sm := range collect(t, reader).ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "gatekeeper.join.events" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", md.Data)
			}
			for _, dp := range sum.DataPoints {
				topic, _ := dp.Attributes.Value("gatekeeper.event")
				out[topic.AsString()] += dp.Value
			}
		}
	}
	return out
}
