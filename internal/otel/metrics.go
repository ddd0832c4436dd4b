package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gatekeeper metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	VerifyOutcomes   metric.Int64Counter // attribute gatekeeper.outcome
	ProviderOutcomes metric.Int64Counter
	CompletionErrors metric.Int64Counter // attribute gatekeeper.step
	JoinEvents       metric.Int64Counter // attribute gatekeeper.event
	Expired          metric.Int64Counter
	SweepDuration    metric.Float64Histogram
	Issued           metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("gatekeeper.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.VerifyOutcomes, err = meter.Int64Counter("gatekeeper.verify.outcomes",
		metric.WithDescription("Signed verification attempts by outcome code"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderOutcomes, err = meter.Int64Counter("gatekeeper.verify_provider.outcomes",
		metric.WithDescription("Provider-only verification attempts by outcome code"),
	)
	if err != nil {
		return nil, err
	}

	m.CompletionErrors, err = meter.Int64Counter("gatekeeper.verify.completion_errors",
		metric.WithDescription("Failed best-effort completion steps after a successful verification"),
	)
	if err != nil {
		return nil, err
	}

	m.JoinEvents, err = meter.Int64Counter("gatekeeper.join.events",
		metric.WithDescription("Join lifecycle events seen on the bus"),
	)
	if err != nil {
		return nil, err
	}

	m.Expired, err = meter.Int64Counter("gatekeeper.queue.expired",
		metric.WithDescription("Join requests rejected by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("gatekeeper.sweep.duration",
		metric.WithDescription("Sweep tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Issued, err = meter.Int64Counter("gatekeeper.challenge.issued",
		metric.WithDescription("Challenges sent to join requesters"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("gatekeeper.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterQueueDepth reports depth() as the gatekeeper.queue.depth gauge on
// every collection. Unregister the returned registration on shutdown.
func RegisterQueueDepth(meter metric.Meter, depth func() int) (metric.Registration, error) {
	gauge, err := meter.Int64ObservableGauge("gatekeeper.queue.depth",
		metric.WithDescription("Pending join requests"),
	)
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(depth()))
		return nil
	}, gauge)
}
