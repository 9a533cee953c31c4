// Package scheduler drives crawl cycles on a fixed interval and records
// every executed cycle in the ledger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"newsline/internal/alerts"
	"newsline/internal/config"
	"newsline/internal/metrics"
	"newsline/internal/model"
)

var (
	ErrConfiguration   = errors.New("invalid scheduler configuration")
	ErrCycleInProgress = errors.New("cycle already in progress")
)

// floor is the lowest interval any configuration may request. Tests in this
// package lower it; configuration can only raise the effective minimum.
var floor = config.MinInterval

// Runner executes one fetch, dedup and persist cycle. An empty sourceID
// means every enabled source.
type Runner interface {
	RunCycle(ctx context.Context, sourceID string) (model.CycleResult, error)
}

// Recorder persists cycle outcomes. ledger.Ledger satisfies it.
type Recorder interface {
	Record(ctx context.Context, jobID string, startedAt time.Time, result model.CycleResult, runErr error) (int64, error)
}

type Scheduler struct {
	interval time.Duration
	runOnce  bool
	runner   Runner
	recorder Recorder
	logger   *slog.Logger
	alerts   *alerts.Store
	prom     *metrics.Collectors
	loc      *time.Location
	now      func() time.Time

	inFlight atomic.Bool

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	ctx     context.Context
	running bool
	paused  bool
}

type Option func(*Scheduler)

func WithAlerts(a *alerts.Store) Option {
	return func(s *Scheduler) { s.alerts = a }
}

func WithCollectors(c *metrics.Collectors) Option {
	return func(s *Scheduler) { s.prom = c }
}

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New rejects an interval below the larger of cfg.MinInterval and
// config.MinInterval. No timer exists until Start.
func New(cfg config.SchedulerConfig, runner Runner, recorder Recorder, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	minimum := max(cfg.MinInterval, floor)
	if cfg.Interval < minimum {
		return nil, fmt.Errorf("%w: interval %s is below the minimum %s", ErrConfiguration, cfg.Interval, minimum)
	}
	if runner == nil || recorder == nil {
		return nil, fmt.Errorf("%w: runner and recorder are required", ErrConfiguration)
	}
	s := &Scheduler{
		interval: cfg.Interval,
		runOnce:  cfg.RunOnStart,
		runner:   runner,
		recorder: recorder,
		logger:   logger,
		loc:      time.Local,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs one cycle synchronously, when run_on_start is set, and then
// installs the recurring entry. The returned error is the first cycle's
// outcome; the scheduler is running either way. Starting a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) (model.CycleResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.info("scheduler already running")
		return model.CycleResult{}, nil
	}
	s.mu.Unlock()

	var (
		result   model.CycleResult
		firstErr error
	)
	if s.runOnce {
		result, firstErr = s.run(ctx, s.jobID("news_crawl"), "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return result, firstErr
	}
	c := cron.New(cron.WithLocation(s.loc))
	s.entry = c.Schedule(cron.Every(s.interval), cron.FuncJob(s.tick))
	c.Start()
	s.cron = c
	s.ctx = context.WithoutCancel(ctx)
	s.running = true
	s.paused = false
	s.prom.SchedulerState(true, false)
	s.info("scheduler started", "interval", s.interval)
	return result, firstErr
}

// Stop removes the recurring entry and waits for an in-flight tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.cron
	s.cron = nil
	s.running = false
	s.paused = false
	s.mu.Unlock()

	<-c.Stop().Done()
	s.prom.SchedulerState(false, false)
	s.info("scheduler stopped")
}

// Pause keeps the timer running but skips its ticks, so resuming keeps the
// original phase.
func (s *Scheduler) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.paused {
		return false
	}
	s.paused = true
	s.prom.SchedulerState(true, true)
	s.info("scheduler paused")
	return true
}

func (s *Scheduler) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || !s.paused {
		return false
	}
	s.paused = false
	s.prom.SchedulerState(true, false)
	s.info("scheduler resumed")
	return true
}

func (s *Scheduler) Status() model.SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := model.SchedulerState{Interval: s.interval, IsRunning: s.running, IsPaused: s.paused}
	if s.running && s.cron != nil {
		if next := s.cron.Entry(s.entry).Next; !next.IsZero() {
			st.NextRun = &next
		}
	}
	return st
}

// InFlight reports whether a cycle is currently executing.
func (s *Scheduler) InFlight() bool {
	return s.inFlight.Load()
}

// RunOnce executes a manual cycle under the same overlap guard as the
// timer. It returns ErrCycleInProgress, recording nothing, when a cycle is
// already running.
func (s *Scheduler) RunOnce(ctx context.Context, sourceID string) (model.CycleResult, error) {
	prefix := "manual_crawl"
	if sourceID != "" {
		prefix += "_" + sourceID
	}
	return s.run(ctx, s.jobID(prefix), sourceID)
}

// Exclusive runs fn while holding the cycle guard, so fn never overlaps a
// cycle's inserts. It returns ErrCycleInProgress without calling fn when a
// cycle is running.
func (s *Scheduler) Exclusive(ctx context.Context, fn func(context.Context) error) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	defer s.inFlight.Store(false)
	return fn(ctx)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	paused, ctx := s.paused, s.ctx
	s.mu.Unlock()
	if paused {
		s.debug("tick skipped while paused")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.run(ctx, s.jobID("news_crawl"), ""); errors.Is(err, ErrCycleInProgress) {
		s.info("tick skipped, previous cycle still running")
	}
}

func (s *Scheduler) run(ctx context.Context, jobID, sourceID string) (result model.CycleResult, err error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return model.CycleResult{}, ErrCycleInProgress
	}
	defer s.inFlight.Store(false)

	started := s.now()
	s.info("cycle started", "job_id", jobID, "source", sourceID)
	result, err = s.safeRun(ctx, sourceID)

	status := model.StatusSuccess
	if err != nil {
		status = model.StatusFailed
		if s.logger != nil {
			s.logger.Error("cycle failed", "job_id", jobID, "error", err)
		}
		if s.alerts != nil {
			s.alerts.Add(model.Alert{
				Severity:  alerts.SeverityCritical,
				AlertType: alerts.TypeCycleFailure,
				Source:    sourceID,
				Message:   err.Error(),
				Context:   map[string]string{"job_id": jobID},
			})
		}
	}
	s.prom.CycleFinished(status)
	if _, recErr := s.recorder.Record(context.WithoutCancel(ctx), jobID, started, result, err); recErr != nil && s.logger != nil {
		s.logger.Error("execution not recorded", "job_id", jobID, "error", recErr)
	}
	return result, err
}

func (s *Scheduler) safeRun(ctx context.Context, sourceID string) (result model.CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()
	return s.runner.RunCycle(ctx, sourceID)
}

func (s *Scheduler) jobID(prefix string) string {
	return prefix + "_" + s.now().In(s.loc).Format("20060102_150405")
}

func (s *Scheduler) info(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Scheduler) debug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
