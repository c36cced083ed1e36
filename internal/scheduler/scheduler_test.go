package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leeaandrob/marketforge/internal/models"
)

type fakeTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func newFakeTicker() *fakeTicker { return &fakeTicker{ch: make(chan time.Time)} }

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               { f.stopped.Store(true) }

// fire delivers one tick; it returns once the loop has received it.
func (f *fakeTicker) fire(t *testing.T) {
	t.Helper()
	select {
	case f.ch <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatal("tick not received")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestScheduler(run RunFunc, ticker *fakeTicker) *Scheduler {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return New(run, Config{
		Interval:  time.Minute,
		NewTicker: func(time.Duration) Ticker { return ticker },
		Now:       func() time.Time { return clock },
	})
}

func TestSchedulerNeverOverlapsRuns(t *testing.T) {
	var (
		active, maxActive atomic.Int32
		mu                sync.Mutex
		names             []string
	)
	release := make(chan struct{})
	run := func(ctx context.Context, name string) (*models.RunSummary, error) {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		mu.Lock()
		names = append(names, name)
		first := len(names) == 1
		mu.Unlock()
		if first {
			<-release
		}
		active.Add(-1)
		return &models.RunSummary{Output: name}, nil
	}

	ticker := newFakeTicker()
	s := newTestScheduler(run, ticker)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first run", func() bool { return active.Load() == 1 })

	// The loop handles ticks one at a time, so after the third send the
	// first two have been fully processed.
	ticker.fire(t)
	ticker.fire(t)
	ticker.fire(t)
	if st := s.Status(); st.SkippedTicks < 2 || st.State != StateRunning {
		t.Fatalf("status during long run = %+v", st)
	}

	close(release)
	waitFor(t, "idle", func() bool { return s.Status().State == StateIdle })

	ticker.fire(t)
	waitFor(t, "second run", func() bool { return s.Status().Runs == 2 })

	if maxActive.Load() != 1 {
		t.Errorf("max concurrent runs = %d, want 1", maxActive.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(names) != 2 || names[0] == names[1] {
		t.Errorf("output names = %v, want two distinct", names)
	}
	for _, n := range names {
		if !strings.HasPrefix(n, "prediction_markets_20260301_120000_") || !strings.HasSuffix(n, ".json") {
			t.Errorf("unexpected output name %q", n)
		}
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSchedulerSurvivesFailedRuns(t *testing.T) {
	var calls atomic.Int32
	run := func(ctx context.Context, name string) (*models.RunSummary, error) {
		switch calls.Add(1) {
		case 1:
			return nil, errors.New("checkpoint write failed")
		case 2:
			panic("nil map")
		default:
			return &models.RunSummary{Output: name, Delivered: 3}, nil
		}
	}

	ticker := newFakeTicker()
	s := newTestScheduler(run, ticker)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 2; want++ {
		waitFor(t, "run to finish", func() bool { st := s.Status(); return st.Runs == want && st.State == StateIdle })
		ticker.fire(t)
	}
	waitFor(t, "third run", func() bool { return s.Status().Runs == 3 })

	st := s.Status()
	if st.Failed != 2 || st.LastError != "" || st.LastSummary == nil || st.LastSummary.Delivered != 3 {
		t.Errorf("status = %+v", st)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSchedulerStopWaitsForRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var cancelled atomic.Bool
	run := func(ctx context.Context, name string) (*models.RunSummary, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			cancelled.Store(true)
		}
		return &models.RunSummary{}, nil
	}

	ticker := newFakeTicker()
	s := newTestScheduler(run, ticker)
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	<-started

	// Cancelling the start context ends the loop but not the run.
	cancel()

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned %v before the run finished", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if cancelled.Load() {
		t.Error("in-flight run was cancelled by a graceful stop")
	}
	if !ticker.stopped.Load() {
		t.Error("ticker not stopped")
	}
	if s.Status().State != StateStopped || s.TriggerNow() {
		t.Error("scheduler accepted work after Stop")
	}
}

func TestSchedulerStopDeadlineCancelsRun(t *testing.T) {
	started := make(chan struct{})
	run := func(ctx context.Context, name string) (*models.RunSummary, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s := newTestScheduler(run, newFakeTicker())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop() error = %v, want deadline exceeded", err)
	}
	if st := s.Status(); st.Runs != 1 || st.Failed != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestTriggerNow(t *testing.T) {
	release := make(chan struct{})
	run := func(ctx context.Context, name string) (*models.RunSummary, error) {
		<-release
		return &models.RunSummary{}, nil
	}

	s := New(run, Config{
		Interval:       time.Hour,
		SkipInitialRun: true,
		NewTicker:      func(time.Duration) Ticker { return newFakeTicker() },
	})
	if s.TriggerNow() {
		t.Fatal("TriggerNow started a run before Start")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(s.Start(context.Background()), ErrAlreadyStarted) {
		t.Error("second Start did not fail")
	}
	if s.Running() {
		t.Fatal("run started despite SkipInitialRun")
	}

	if !s.TriggerNow() {
		t.Fatal("TriggerNow did not start a run while idle")
	}
	if s.TriggerNow() {
		t.Error("TriggerNow started an overlapping run")
	}
	close(release)
	waitFor(t, "run to finish", func() bool { return !s.Running() })

	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestOutputName(t *testing.T) {
	got := OutputName("prediction_markets", time.Date(2026, 3, 1, 9, 5, 7, 0, time.UTC), 12)
	if want := "prediction_markets_20260301_090507_12.json"; got != want {
		t.Errorf("OutputName = %q, want %q", got, want)
	}
}
