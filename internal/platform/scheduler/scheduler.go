package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is a unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function to the Job interface.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

// Name returns the job's name.
func (j JobFunc) Name() string { return j.JobName }

// Run executes the job.
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

type scheduledJob struct {
	job      Job
	interval time.Duration
	running  bool
	mu       sync.Mutex
}

// Runner executes registered jobs on fixed intervals until stopped. A job that
// is still running when its next tick fires is skipped for that tick.
type Runner struct {
	logger *zap.Logger
	jobs   []*scheduledJob

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewRunner constructs a job runner.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger}
}

// Register adds a job with its execution interval. Registration after Start is an error.
func (r *Runner) Register(job Job, interval time.Duration) error {
	if job == nil {
		return errors.New("scheduler: job is required")
	}
	if interval <= 0 {
		return fmt.Errorf("scheduler: job %s requires a positive interval", job.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("scheduler: runner already started")
	}
	r.jobs = append(r.jobs, &scheduledJob{job: job, interval: interval})
	return nil
}

// Start launches one ticker loop per registered job. It returns immediately.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("scheduler: runner already started")
	}
	if len(r.jobs) == 0 {
		return errors.New("scheduler: no jobs registered")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.started = true

	var wg sync.WaitGroup
	wg.Add(len(r.jobs))
	for _, entry := range r.jobs {
		entry := entry
		go func() {
			defer wg.Done()
			r.loop(runCtx, entry)
		}()
	}
	go func() {
		wg.Wait()
		close(r.done)
	}()
	return nil
}

// Stop cancels the run loops and waits for in-flight jobs to return.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) loop(ctx context.Context, entry *scheduledJob) {
	ticker := time.NewTicker(entry.interval)
	defer ticker.Stop()

	logger := r.logger.With(zap.String("job", entry.job.Name()))
	logger.Info("scheduler.job.started", zap.Duration("interval", entry.interval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler.job.stopped")
			return
		case <-ticker.C:
			r.execute(ctx, entry, logger)
		}
	}
}

func (r *Runner) execute(ctx context.Context, entry *scheduledJob, logger *zap.Logger) {
	entry.mu.Lock()
	if entry.running {
		entry.mu.Unlock()
		logger.Warn("scheduler.job.overlap_skipped")
		return
	}
	entry.running = true
	entry.mu.Unlock()

	defer func() {
		entry.mu.Lock()
		entry.running = false
		entry.mu.Unlock()
	}()

	start := time.Now()
	if err := entry.job.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Error("scheduler.job.failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	logger.Info("scheduler.job.completed", zap.Duration("elapsed", time.Since(start)))
}
