package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"kms-core.backend/pkg/logger"
	"kms-core.backend/pkg/metrics"
)

// Job is a unit of scheduled work.
type Job interface {
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Run(ctx context.Context) error { return f(ctx) }

// Scheduler runs registered jobs on cron specs ("0 2 * * *", "@every 5m", ...).
type Scheduler interface {
	Register(name, spec string, job Job) error
	Start(ctx context.Context)
	Stop() context.Context
}

// CronScheduler is the Scheduler backed by robfig/cron. A job that is still
// running when its next tick fires is skipped for that tick.
type CronScheduler struct {
	cron    *cron.Cron
	metrics *metrics.Collector

	mu    sync.RWMutex
	base  context.Context
	names map[string]cron.EntryID
}

func NewCronScheduler(m *metrics.Collector) *CronScheduler {
	l := cronLogger{}
	return &CronScheduler{
		cron:    cron.New(cron.WithLogger(l), cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l))),
		metrics: m,
		base:    context.Background(),
		names:   make(map[string]cron.EntryID),
	}
}

func (s *CronScheduler) Register(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[name]; ok {
		return fmt.Errorf("job %q already registered", name)
	}
	id, err := s.cron.AddFunc(spec, func() { s.runJob(name, job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %q: %w", spec, name, err)
	}
	s.names[name] = id
	logger.Info(context.Background(), "Job registered", zap.String("job", name), zap.String("spec", spec))
	return nil
}

func (s *CronScheduler) runJob(name string, job Job) {
	s.mu.RLock()
	ctx := s.base
	s.mu.RUnlock()
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	err := job.Run(ctx)
	s.metrics.JobRun(name, err)
	if err != nil {
		logger.Error(ctx, "Job failed", zap.String("job", name), zap.Duration("duration", time.Since(start)), zap.Error(err))
		return
	}
	logger.Debug(ctx, "Job finished", zap.String("job", name), zap.Duration("duration", time.Since(start)))
}

// Start begins dispatching. Jobs receive ctx; cancelling it stops new runs from doing work.
func (s *CronScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	s.cron.Start()
	logger.Info(ctx, "Scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop halts the scheduler. The returned context is done once running jobs finish.
func (s *CronScheduler) Stop() context.Context {
	return s.cron.Stop()
}

// NextRun reports when the named job fires next.
func (s *CronScheduler) NextRun(name string) (time.Time, bool) {
	s.mu.RLock()
	id, ok := s.names[name]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.GetLogger().Sugar().Debugw(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.GetLogger().Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
