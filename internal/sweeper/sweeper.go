// Package sweeper runs the periodic expiry of pending join requests and,
// optionally, the retention purge of old history rows.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/gatekeeper/internal/deathqueue"
	"github.com/basket/gatekeeper/internal/otel"
)

// DefaultSchedule is used when Config.Schedule is empty.
const DefaultSchedule = "@every 10s"

// scheduleParser accepts standard 5-field expressions and descriptors such
// as "@every 10s" or "@daily".
var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Queue is the part of the death queue the sweeper drives.
type Queue interface {
	Sweep(now time.Time) []deathqueue.JoinRequest
}

// Expirer carries out the rejection of one expired request.
type Expirer interface {
	Expire(ctx context.Context, req deathqueue.JoinRequest)
}

// Config holds the dependencies for the Scheduler.
type Config struct {
	Queue    Queue
	Expirer  Expirer
	Schedule string // sweep schedule; DefaultSchedule if empty
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otel.Metrics
	Now      func() time.Time

	// Retention, when set, runs on RetentionSchedule (default "@daily").
	Retention         func(ctx context.Context) error
	RetentionSchedule string
}

type job struct {
	name     string
	schedule cronlib.Schedule
	run      func(ctx context.Context)
	next     time.Time
}

// Scheduler owns the one background sweep goroutine of the process.
type Scheduler struct {
	queue   Queue
	expirer Expirer
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
	now     func() time.Time
	jobs    []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ParseSchedule validates a schedule expression. An "@every" interval
// shorter than one second is rejected; cron would round it up silently.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	if rest, ok := strings.CutPrefix(strings.TrimSpace(expr), "@every "); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(rest)); err == nil && d < time.Second {
			return nil, fmt.Errorf("parse schedule %q: interval %s is below 1s", expr, d)
		}
	}
	return sched, nil
}

// New builds a Scheduler. It fails on a bad schedule expression.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Queue == nil || cfg.Expirer == nil {
		return nil, fmt.Errorf("sweeper: queue and expirer are required")
	}
	s := &Scheduler{
		queue:   cfg.Queue,
		expirer: cfg.Expirer,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "sweeper")
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if s.now == nil {
		s.now = time.Now
	}

	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	sweep, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	s.jobs = append(s.jobs, &job{name: "sweep", schedule: sweep, run: func(ctx context.Context) { s.RunOnce(ctx) }})

	if cfg.Retention != nil {
		expr := cfg.RetentionSchedule
		if expr == "" {
			expr = "@daily"
		}
		ret, err := ParseSchedule(expr)
		if err != nil {
			return nil, err
		}
		retention := cfg.Retention
		s.jobs = append(s.jobs, &job{name: "retention", schedule: ret, run: func(ctx context.Context) {
			if err := retention(ctx); err != nil {
				s.logger.Error("retention run failed", "error", err)
			}
		}})
	}
	return s, nil
}

// Start sweeps once immediately, then runs every job on its schedule until
// Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweeper started", "jobs", len(s.jobs))
}

// Stop cancels the loop and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.RunOnce(ctx)

	now := time.Now()
	for _, j := range s.jobs {
		j.next = j.schedule.Next(now)
	}
	for {
		earliest := s.jobs[0].next
		for _, j := range s.jobs[1:] {
			if j.next.Before(earliest) {
				earliest = j.next
			}
		}
		timer := time.NewTimer(time.Until(earliest))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		now := time.Now()
		for _, j := range s.jobs {
			if !j.next.After(now) {
				j.run(ctx)
				j.next = j.schedule.Next(time.Now())
			}
		}
	}
}

// RunOnce performs one sweep tick and returns how many requests it expired.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, s.tracer, "sweeper.tick")
	defer span.End()

	expired := s.queue.Sweep(s.now())
	for _, req := range expired {
		s.expirer.Expire(ctx, req)
	}

	span.SetAttributes(otel.AttrExpired.Int(len(expired)))
	if s.metrics != nil {
		s.metrics.SweepDuration.Record(ctx, time.Since(start).Seconds())
	}
	if len(expired) > 0 {
		s.logger.Info("sweep expired join requests", "count", len(expired))
	}
	return len(expired)
}
