package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	// ErrLeaseHeld means another replica is running the job right now.
	ErrLeaseHeld = errors.New("job lease held elsewhere")
)

// Job is one periodic sweep. Run reports how many items it handled.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int, error)
}

type Scheduler struct {
	cron     *cron.Cron
	locker   Locker
	logger   *zap.Logger
	leaseTTL time.Duration

	mu     sync.Mutex
	jobs   map[string]Job
	runCtx context.Context
	cancel context.CancelFunc
}

type Option func(*Scheduler)

// WithLeaseTTL bounds both the lock lease and a single run.
func WithLeaseTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

func NewScheduler(locker Locker, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		locker:   locker,
		logger:   logger,
		leaseTTL: time.Minute,
		jobs:     make(map[string]Job),
		runCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register schedules job. Names must be unique.
func (s *Scheduler) Register(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.tick(job.Name) }); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
	}
	s.jobs[job.Name] = job
	return nil
}

func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunOnce runs a registered job immediately under its lease.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	ctx, cancel := context.WithTimeout(ctx, s.leaseTTL)
	defer cancel()

	unlock, held, err := s.locker.TryLock(ctx, "job:"+name, s.leaseTTL)
	if err != nil {
		return 0, err
	}
	if !held {
		return 0, ErrLeaseHeld
	}
	defer unlock()

	start := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		s.logger.Error("job failed", zap.String("job", name), zap.Int("handled", n), zap.Error(err))
		return n, err
	}
	if n > 0 {
		s.logger.Info("job done", zap.String("job", name), zap.Int("handled", n), zap.Duration("duration", time.Since(start)))
	}
	return n, nil
}

func (s *Scheduler) tick(name string) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if _, err := s.RunOnce(ctx, name); err != nil && errors.Is(err, ErrLeaseHeld) {
		s.logger.Debug("job skipped", zap.String("job", name))
	}
}

// Start runs the schedule until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts the schedule and waits for running jobs.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-done.Done()
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
