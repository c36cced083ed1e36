// Package scheduler runs the pipeline on a fixed interval without ever
// overlapping two runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/leeaandrob/marketforge/internal/models"
)

// State is the scheduler lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Ticker delivers ticks. It matches time.Ticker so tests can drive the loop
// by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a Ticker firing every d.
type TickerFactory func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.NewTicker.
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// RunFunc performs one pipeline run writing to outputName.
type RunFunc func(ctx context.Context, outputName string) (*models.RunSummary, error)

// Config holds scheduler settings.
type Config struct {
	Interval time.Duration
	// RunTimeout bounds a single run; zero means no limit.
	RunTimeout time.Duration
	// Prefix starts every output name.
	Prefix string
	// SkipInitialRun waits for the first tick instead of running on start.
	SkipInitialRun bool
	NewTicker      TickerFactory
	Now            func() time.Time
}

// Status is a snapshot of scheduler progress.
type Status struct {
	State        State              `json:"state"`
	Interval     string             `json:"interval"`
	Runs         int                `json:"runs"`
	Failed       int                `json:"failed"`
	SkippedTicks int                `json:"skippedTicks"`
	LastOutput   string             `json:"lastOutput,omitempty"`
	LastError    string             `json:"lastError,omitempty"`
	LastStarted  time.Time          `json:"lastStarted"`
	LastFinished time.Time          `json:"lastFinished"`
	NextTick     time.Time          `json:"nextTick"`
	LastSummary  *models.RunSummary `json:"lastSummary,omitempty"`
}

// ErrAlreadyStarted is returned by Start on a second call.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Scheduler triggers runs on every tick, skipping ticks that arrive while a
// run is still in flight.
type Scheduler struct {
	run    RunFunc
	config Config

	mu         sync.Mutex
	state      State
	started    bool
	seq        int
	status     Status
	runBase    context.Context
	cancelRuns context.CancelFunc
	stopLoop   context.CancelFunc
	loopDone   chan struct{}
	runDone    chan struct{}
}

// New creates a Scheduler in the Idle state.
func New(run RunFunc, config Config) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Minute
	}
	if config.Prefix == "" {
		config.Prefix = "prediction_markets"
	}
	if config.NewTicker == nil {
		config.NewTicker = NewRealTicker
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Scheduler{
		run:    run,
		config: config,
		state:  StateIdle,
	}
}

// OutputName returns the artifact name for the seq-th run started at t.
func OutputName(prefix string, t time.Time, seq int) string {
	return fmt.Sprintf("%s_%s_%d.json", prefix, t.UTC().Format("20060102_150405"), seq)
}

// Start launches the tick loop and, unless configured otherwise, a first run.
// The loop ends when ctx is cancelled or Stop is called; runs already in
// flight are not cancelled by ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.runBase, s.cancelRuns = context.WithCancel(context.WithoutCancel(ctx))
	loopCtx, stop := context.WithCancel(ctx)
	s.stopLoop = stop
	s.loopDone = make(chan struct{})
	ticker := s.config.NewTicker(s.config.Interval)
	s.status.NextTick = s.config.Now().Add(s.config.Interval)
	s.mu.Unlock()

	log.Info().Dur("interval", s.config.Interval).Msg("Starting scheduler")

	if !s.config.SkipInitialRun {
		s.tick()
	}

	go s.loop(loopCtx, ticker)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticker Ticker) {
	defer close(s.loopDone)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.mu.Lock()
			s.status.NextTick = s.config.Now().Add(s.config.Interval)
			s.mu.Unlock()
			s.tick()
		}
	}
}

// TriggerNow starts a run immediately if the scheduler is idle. It reports
// whether a run was started.
func (s *Scheduler) TriggerNow() bool {
	return s.tick()
}

// tick starts a run when idle. A tick during a run is counted and dropped.
func (s *Scheduler) tick() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !s.started || s.state == StateStopped:
		return false
	case s.state == StateRunning:
		s.status.SkippedTicks++
		log.Warn().Int("skipped", s.status.SkippedTicks).Msg("Previous run still in progress, skipping tick")
		return false
	}

	s.seq++
	now := s.config.Now()
	name := OutputName(s.config.Prefix, now, s.seq)
	s.state = StateRunning
	s.status.LastStarted = now.UTC()
	s.runDone = make(chan struct{})

	go s.execute(name, s.runDone)
	return true
}

func (s *Scheduler) execute(name string, done chan struct{}) {
	var (
		summary *models.RunSummary
		err     error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
		}
		s.finish(name, summary, err)
		close(done)
	}()

	ctx := s.runBase
	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	log.Info().Str("output", name).Msg("Scheduled run starting")
	summary, err = s.run(ctx, name)
}

func (s *Scheduler) finish(name string, summary *models.RunSummary, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status.Runs++
	s.status.LastFinished = s.config.Now().UTC()
	s.status.LastOutput = name
	if err != nil {
		s.status.Failed++
		s.status.LastError = err.Error()
		log.Error().Err(err).Str("output", name).Msg("Scheduled run failed")
	} else {
		s.status.LastError = ""
		s.status.LastSummary = summary
		log.Info().Str("output", name).Msg("Scheduled run finished")
	}
	if s.state == StateRunning {
		s.state = StateIdle
	}
}

// Stop ends the tick loop and waits for an in-flight run to finish. If ctx
// expires first the run is cancelled and ctx.Err() is returned. The
// scheduler cannot be restarted.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.state == StateStopped {
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	runDone := s.runDone
	s.mu.Unlock()

	log.Info().Msg("Stopping scheduler")
	s.stopLoop()
	<-s.loopDone

	if runDone == nil {
		s.cancelRuns()
		return nil
	}

	select {
	case <-runDone:
		s.cancelRuns()
		return nil
	case <-ctx.Done():
		log.Warn().Msg("Run did not finish in time, cancelling")
		s.cancelRuns()
		<-runDone
		return ctx.Err()
	}
}

// Status returns a snapshot of the scheduler.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.State = s.state
	st.Interval = s.config.Interval.String()
	return st
}

// Running reports whether a run is in flight.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}
