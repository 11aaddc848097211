// Package scheduler runs the periodic jobs on their cron expressions. Locked
// jobs run on at most one instance at a time; the rest run everywhere.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/deadletter/internal/lock"
	"github.com/kiranshivaraju/deadletter/internal/metrics"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const releaseTimeout = 5 * time.Second

var ErrDuplicateJob = errors.New("job already registered")

// Expressions have an optional leading seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Job is a periodic unit of work.
type Job struct {
	Name        string
	Cron        string
	LockAtLeast time.Duration
	LockAtMost  time.Duration
	// Locked jobs acquire a lock called Name before running and receive it
	// in their context.
	Locked bool
	Run    func(ctx context.Context) error
}

// Recorder receives the outcome of every run.
type Recorder interface {
	JobFinished(job, result string, d time.Duration)
}

type Registry struct {
	cron     *cron.Cron
	locker   lock.Locker
	recorder Recorder
	workers  errgroup.Group

	mu      sync.Mutex
	jobs    map[string]Job
	running map[string]bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New returns a registry that runs at most workers jobs concurrently. A tick
// that finds every worker busy is skipped.
func New(locker lock.Locker, workers int, rec Recorder) *Registry {
	r := &Registry{
		cron:     cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC)),
		locker:   locker,
		recorder: rec,
		jobs:     make(map[string]Job),
		running:  make(map[string]bool),
	}
	r.workers.SetLimit(workers)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Register adds job. It must be called before Start.
func (r *Registry) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	if job.Locked && job.LockAtMost <= 0 {
		return fmt.Errorf("job %s: lock at most must be positive", job.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	schedule, err := cronParser.Parse(job.Cron)
	if err != nil {
		return fmt.Errorf("job %s: invalid cron %q: %w", job.Name, job.Cron, err)
	}
	r.jobs[job.Name] = job
	r.cron.Schedule(schedule, cron.FuncJob(func() { r.fire(job) }))
	slog.Info("job registered", "job", job.Name, "cron", job.Cron, "locked", job.Locked)
	return nil
}

func (r *Registry) Start() {
	r.cron.Start()
	slog.Info("scheduler started", "jobs", len(r.jobs))
}

// Stop stops the cron, cancels running jobs and waits for them until ctx
// is done.
func (r *Registry) Stop(ctx context.Context) error {
	<-r.cron.Stop().Done()
	r.cancel()

	done := make(chan struct{})
	go func() {
		_ = r.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// fire starts job on a free worker. Ticks overlapping a run of the same job
// on this instance are dropped.
func (r *Registry) fire(job Job) {
	r.mu.Lock()
	if r.running[job.Name] {
		r.mu.Unlock()
		slog.Debug("job still running, tick skipped", "job", job.Name)
		r.record(job.Name, metrics.ResultSkipped, 0)
		return
	}
	r.running[job.Name] = true
	r.mu.Unlock()

	started := r.workers.TryGo(func() error {
		defer r.done(job.Name)
		r.runJob(r.ctx, job)
		return nil
	})
	if !started {
		r.done(job.Name)
		slog.Warn("no free worker, tick skipped", "job", job.Name)
		r.record(job.Name, metrics.ResultSkipped, 0)
	}
}

func (r *Registry) done(name string) {
	r.mu.Lock()
	delete(r.running, name)
	r.mu.Unlock()
}

// runJob runs job once and returns the recorded result.
func (r *Registry) runJob(ctx context.Context, job Job) string {
	start := time.Now()

	if job.Locked {
		l, ok, err := r.locker.TryAcquire(ctx, job.Name, job.LockAtLeast, job.LockAtMost)
		if err != nil {
			slog.Error("job lock failed", "job", job.Name, "error", err)
			r.record(job.Name, metrics.ResultFailure, time.Since(start))
			return metrics.ResultFailure
		}
		if !ok {
			slog.Debug("job locked elsewhere, skipped", "job", job.Name)
			r.record(job.Name, metrics.ResultSkipped, 0)
			return metrics.ResultSkipped
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			if err := l.Release(releaseCtx); err != nil {
				slog.Warn("job lock release failed", "job", job.Name, "error", err)
			}
		}()

		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(lock.WithLock(ctx, l), l.ExpiresAt())
		defer cancel()
	}

	result := metrics.ResultSuccess
	if err := safeRun(ctx, job.Run); err != nil {
		result = metrics.ResultFailure
		slog.Error("job failed", "job", job.Name, "duration_ms", time.Since(start).Milliseconds(), "error", err)
	} else {
		slog.Debug("job finished", "job", job.Name, "duration_ms", time.Since(start).Milliseconds())
	}
	r.record(job.Name, result, time.Since(start))
	return result
}

func (r *Registry) record(job, result string, d time.Duration) {
	if r.recorder != nil {
		r.recorder.JobFinished(job, result, d)
	}
}

func safeRun(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return run(ctx)
}
