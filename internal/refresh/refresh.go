// Package refresh rebuilds the knowledge index on a cron schedule.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/hpungsan/counsel/internal/logging"
)

// Job is the work run on every tick.
type Job func(ctx context.Context) error

// Status describes the most recent run.
type Status struct {
	Schedule  string    `json:"schedule"`
	Runs      int       `json:"runs"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Next      time.Time `json:"next,omitempty"`
}

// Scheduler runs a Job on a cron spec. Standard five-field specs and
// descriptors such as "@hourly" or "@every 30m" are accepted. A tick that
// arrives while the previous run is still going is skipped.
type Scheduler struct {
	spec   string
	job    Job
	logger *slog.Logger
	cron   *rcron.Cron
	entry  rcron.EntryID

	mu     sync.Mutex
	status Status
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates spec and returns a stopped scheduler.
func New(spec string, job Job, logger *slog.Logger) (*Scheduler, error) {
	logger = logging.OrDefault(logger)
	s := &Scheduler{spec: spec, job: job, logger: logger, status: Status{Schedule: spec}}

	cl := cronLogger{logger}
	s.cron = rcron.New(rcron.WithLogger(cl), rcron.WithChain(rcron.Recover(cl), rcron.SkipIfStillRunning(cl)))
	id, err := s.cron.AddFunc(spec, s.tick)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

// Start begins ticking. Runs use a context derived from ctx, which is
// cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx, s.cancel = runCtx, cancel
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("refresh scheduler started", "schedule", s.spec)
}

// Stop halts ticking and waits up to five seconds for a running job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("refresh stop timed out waiting for running job")
	}
}

// RunNow runs the job synchronously outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) error {
	return s.run(ctx)
}

// Status returns a copy of the run status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	st.Next = s.cron.Entry(s.entry).Next
	return st
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	_ = s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) error {
	start := time.Now()
	err := s.job(ctx)

	s.mu.Lock()
	s.status.Runs++
	s.status.LastRun = start.UTC()
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled refresh failed", "error", err)
	} else {
		s.logger.Info("scheduled refresh complete", "elapsed", time.Since(start))
	}
	return err
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug(msg, append([]any{"component", "cron"}, kv...)...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, append([]any{"component", "cron", "error", err}, kv...)...)
}
