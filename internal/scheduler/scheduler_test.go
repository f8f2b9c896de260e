package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/imagevault/imagevault/internal/domain"
)

func newTestScheduler(cfg Config) *Scheduler {
	return New(cfg, zerolog.Nop(), NewMetrics(prometheus.NewRegistry()))
}

func submit(t *testing.T, s *Scheduler, lane Lane, path string) *Job {
	t.Helper()
	job := NewJob("asset-"+path, path, "assets", []domain.Transformation{domain.OriginalTransformation()}, nil)
	if err := s.Submit(context.Background(), lane, job); err != nil {
		t.Fatalf("submit %s: %v", path, err)
	}
	return job
}

func waitResult(t *testing.T, job *Job) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := job.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return r
}

func TestDispatchPrefersHighLaneAtFullWeight(t *testing.T) {
	s := newTestScheduler(Config{Workers: 1, Weight: 100})

	var mu sync.Mutex
	var order []string
	handler := func(_ context.Context, job *Job) ([]domain.Variant, error) {
		mu.Lock()
		order = append(order, job.AssetPath)
		mu.Unlock()
		return nil, nil
	}

	b1 := submit(t, s, LaneBackground, "b1")
	b2 := submit(t, s, LaneBackground, "b2")
	h1 := submit(t, s, LaneHighPriority, "h1")

	s.Start(handler)
	waitResult(t, b1)
	waitResult(t, b2)
	waitResult(t, h1)

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "h1" {
		t.Fatalf("expected the high-priority job first, got %v", order)
	}
}

func TestDispatchServesLoneBackgroundLane(t *testing.T) {
	s := newTestScheduler(Config{Workers: 1, Weight: 100})
	s.Start(func(context.Context, *Job) ([]domain.Variant, error) { return nil, nil })

	job := submit(t, s, LaneBackground, "only")
	if r := waitResult(t, job); r.Err != nil {
		t.Fatalf("background job failed: %v", r.Err)
	}
}

func TestNextBiasesTowardHighLane(t *testing.T) {
	s := newTestScheduler(Config{Workers: 1, Weight: 80, HighPriorityBacklog: 256, BackgroundBacklog: 256})
	for i := 0; i < 200; i++ {
		s.high <- NewJob("h", "h", "assets", nil, nil)
		s.background <- NewJob("b", "b", "assets", nil, nil)
	}

	high := 0
	for i := 0; i < 100; i++ {
		if _, lane := s.next(); lane == LaneHighPriority {
			high++
		}
	}
	if high < 50 {
		t.Fatalf("expected the high lane to win most draws at weight 80, won %d/100", high)
	}
}

func TestWorkerSurvivesHandlerPanic(t *testing.T) {
	s := newTestScheduler(Config{Workers: 1, Weight: 80})
	s.Start(func(_ context.Context, job *Job) ([]domain.Variant, error) {
		if job.AssetPath == "boom" {
			panic("handler exploded")
		}
		return []domain.Variant{{ID: "v1"}}, nil
	})

	boom := submit(t, s, LaneHighPriority, "boom")
	r := waitResult(t, boom)
	if r.Err == nil || !strings.Contains(r.Err.Error(), "panicked") {
		t.Fatalf("expected a panic error, got %v", r.Err)
	}

	ok := submit(t, s, LaneHighPriority, "ok")
	r = waitResult(t, ok)
	if r.Err != nil {
		t.Fatalf("pool must keep working after a panic: %v", r.Err)
	}
	if len(r.Variants) != 1 {
		t.Fatalf("expected one variant, got %d", len(r.Variants))
	}
}

func TestResultHandleCompletesOnce(t *testing.T) {
	job := NewJob("a", "p", "assets", nil, nil)
	job.complete(Result{Err: errors.New("first")})
	job.complete(Result{Err: errors.New("second")})

	r := waitResult(t, job)
	if r.Err == nil || r.Err.Error() != "first" {
		t.Fatalf("expected the first completion to win, got %v", r.Err)
	}
}

func TestStopDrainsQueuedJobs(t *testing.T) {
	s := newTestScheduler(Config{Workers: 1, Weight: 80})

	queued := submit(t, s, LaneBackground, "queued")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	r := waitResult(t, queued)
	if !errors.Is(r.Err, ErrStopped) {
		t.Fatalf("queued job must fail with ErrStopped, got %v", r.Err)
	}

	job := NewJob("late", "late", "assets", nil, nil)
	if err := s.Submit(context.Background(), LaneHighPriority, job); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop must fail with ErrStopped, got %v", err)
	}
}

func TestStopClearsQueueDepthGauge(t *testing.T) {
	s := newTestScheduler(Config{Workers: 1, Weight: 80})
	submit(t, s, LaneHighPriority, "q1")
	submit(t, s, LaneBackground, "q2")
	submit(t, s, LaneBackground, "q3")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	for _, lane := range []Lane{LaneHighPriority, LaneBackground} {
		if depth := testutil.ToFloat64(s.metrics.queueDepth.WithLabelValues(string(lane))); depth != 0 {
			t.Fatalf("queue depth for %s left at %v after stop", lane, depth)
		}
	}
}

func TestStopRacingSubmitsStrandsNoWaiter(t *testing.T) {
	s := newTestScheduler(Config{Workers: 2, Weight: 80})
	s.Start(func(context.Context, *Job) ([]domain.Variant, error) { return nil, nil })

	const submitters = 32
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := NewJob(fmt.Sprintf("asset-%d", i), "p", "assets", nil, nil)
			if err := s.Submit(context.Background(), LaneBackground, job); err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := job.Wait(ctx); err != nil {
				t.Errorf("job %d was accepted but never completed: %v", i, err)
			}
		}(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.Stop(ctx)
	wg.Wait()
}

func TestSubmitRejectsUnknownLane(t *testing.T) {
	s := newTestScheduler(Config{Workers: 1, Weight: 80})
	if err := s.Submit(context.Background(), Lane("express"), NewJob("a", "p", "assets", nil, nil)); err == nil {
		t.Fatal("expected an error for an unknown lane")
	}
}
