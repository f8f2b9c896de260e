package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/imagevault/imagevault/internal/domain"
)

var ErrStopped = errors.New("scheduler stopped")

type Handler func(ctx context.Context, job *Job) ([]domain.Variant, error)

type Config struct {
	Workers             int
	Weight              int
	HighPriorityBacklog int
	BackgroundBacklog   int
}

// Scheduler dispatches jobs from two lanes to a fixed worker pool. When both
// lanes have ready work the high-priority lane wins with probability
// weight/100; a lone non-empty lane is served regardless of weight.
type Scheduler struct {
	high       chan *Job
	background chan *Job
	weight     atomic.Int32
	workers    int
	quit       chan struct{}
	draining   atomic.Bool
	wg         sync.WaitGroup
	stopOnce   sync.Once
	logger     zerolog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
}

func New(cfg Config, logger zerolog.Logger, metrics *Metrics) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	highBacklog := cfg.HighPriorityBacklog
	if highBacklog <= 0 {
		highBacklog = 256
	}
	backgroundBacklog := cfg.BackgroundBacklog
	if backgroundBacklog <= 0 {
		backgroundBacklog = 1024
	}

	s := &Scheduler{
		high:       make(chan *Job, highBacklog),
		background: make(chan *Job, backgroundBacklog),
		workers:    workers,
		quit:       make(chan struct{}),
		logger:     logger,
		metrics:    metrics,
		tracer:     otel.Tracer("imagevault/scheduler"),
	}
	s.SetWeight(cfg.Weight)
	return s
}

// SetWeight clamps to [0,100] and is safe to call while dispatching.
func (s *Scheduler) SetWeight(weight int) {
	if weight < 0 {
		weight = 0
	}
	if weight > 100 {
		weight = 100
	}
	s.weight.Store(int32(weight))
}

func (s *Scheduler) WorkerCount() int {
	return s.workers
}

func (s *Scheduler) Start(handler Handler) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func(worker int) {
			defer s.wg.Done()
			for {
				job, lane := s.next()
				if job == nil {
					return
				}
				s.run(job, lane, handler)
			}
		}(i)
	}
	s.logger.Info().Int("workers", s.workers).Int("weight", int(s.weight.Load())).Msg("scheduler started")
}

// Submit enqueues a job on the given lane, blocking while the lane's backlog
// is full.
func (s *Scheduler) Submit(ctx context.Context, lane Lane, job *Job) error {
	var queue chan *Job
	switch lane {
	case LaneHighPriority:
		queue = s.high
	case LaneBackground:
		queue = s.background
	default:
		return fmt.Errorf("unknown lane %q", lane)
	}

	select {
	case <-s.quit:
		return ErrStopped
	default:
	}

	select {
	case queue <- job:
		s.metrics.queueDepth.WithLabelValues(string(lane)).Inc()
		// A send can win the race against Stop's drain; re-drain so no
		// waiter is left behind.
		if s.draining.Load() {
			s.failPending()
			return ErrStopped
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrStopped
	}
}

// Stop shuts the pool down, waits for in-flight jobs up to ctx, and fails any
// jobs still queued.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.quit)
	})

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.draining.Store(true)
	s.failPending()
	return err
}

func (s *Scheduler) failPending() {
	for {
		select {
		case job := <-s.high:
			s.metrics.queueDepth.WithLabelValues(string(LaneHighPriority)).Dec()
			job.complete(Result{Err: ErrStopped})
		case job := <-s.background:
			s.metrics.queueDepth.WithLabelValues(string(LaneBackground)).Dec()
			job.complete(Result{Err: ErrStopped})
		default:
			return
		}
	}
}

// next blocks for a job. The weighted roll only consults the preferred lane
// without blocking; if that lane is idle whichever lane fills first is served.
func (s *Scheduler) next() (*Job, Lane) {
	if int(s.weight.Load()) > rand.IntN(100) {
		select {
		case job := <-s.high:
			s.metrics.queueDepth.WithLabelValues(string(LaneHighPriority)).Dec()
			return job, LaneHighPriority
		default:
		}
	} else {
		select {
		case job := <-s.background:
			s.metrics.queueDepth.WithLabelValues(string(LaneBackground)).Dec()
			return job, LaneBackground
		default:
		}
	}

	select {
	case job := <-s.high:
		s.metrics.queueDepth.WithLabelValues(string(LaneHighPriority)).Dec()
		return job, LaneHighPriority
	case job := <-s.background:
		s.metrics.queueDepth.WithLabelValues(string(LaneBackground)).Dec()
		return job, LaneBackground
	case <-s.quit:
		return nil, ""
	}
}

func (s *Scheduler) run(job *Job, lane Lane, handler Handler) {
	startedAt := time.Now()
	status := "failed"

	ctx, span := s.tracer.Start(context.Background(), "scheduler.execute_job", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.asset_id", job.AssetID),
		attribute.String("job.lane", string(lane)),
		attribute.Int("job.transformations", len(job.Transformations)),
	)

	s.metrics.activeJobs.Inc()
	defer func() {
		s.metrics.activeJobs.Dec()
		s.metrics.jobsTotal.WithLabelValues(string(lane), status).Inc()
		s.metrics.jobDuration.WithLabelValues(string(lane), status).Observe(time.Since(startedAt).Seconds())
		span.End()
	}()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("job panicked: %v", r)
			s.logger.Error().Str("asset_id", job.AssetID).Str("lane", string(lane)).Err(err).Msg("worker recovered from panic")
			span.RecordError(err)
			span.SetStatus(codes.Error, "job panicked")
			job.complete(Result{Err: err})
		}
	}()

	variants, err := handler(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		job.complete(Result{Err: err})
		return
	}

	status = "succeeded"
	span.SetStatus(codes.Ok, "job completed")
	job.complete(Result{Variants: variants})
}
