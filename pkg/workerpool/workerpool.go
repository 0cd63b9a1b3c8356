// Package workerpool runs jobs on a bounded number of goroutines.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/andrej220/devterm/pkg/lg"
)

const (
	TotalMaxWorkers   = 10
	DefaultRetryDelay = time.Second
)

var ErrStopped = errors.New("worker pool is stopped")

type JobFunc[T any] func(ctx context.Context, payload T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
}

type Options struct {
	MaxWorkers int
	// MaxAttempts is how often a failing job runs before it is given up. Zero means once.
	MaxAttempts int
	RetryDelay  time.Duration
}

type Pool[T any] struct {
	sem   *semaphore.Weighted
	opts  Options
	quit  context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
	mu    sync.Mutex
	done  bool
	count int32
}

func NewPool[T any](opts Options) *Pool[T] {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = TotalMaxWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	quit, stop := context.WithCancel(context.Background())
	return &Pool[T]{
		sem:  semaphore.NewWeighted(int64(opts.MaxWorkers)),
		opts: opts,
		quit: quit,
		stop: stop,
	}
}

// Submit waits for a free worker and starts the job on it. ctx bounds only the
// wait; the job runs with job.Ctx. Submit fails when ctx ends or the pool is
// stopped first.
func (p *Pool[T]) Submit(ctx context.Context, job Job[T]) error {
	if job.Fn == nil {
		return errors.New("job has no function")
	}
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(p.quit, cancel)
	defer unhook()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if p.quit.Err() != nil {
			return ErrStopped
		}
		return err
	}

	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		p.sem.Release(1)
		return ErrStopped
	}
	p.wg.Add(1)
	p.mu.Unlock()

	atomic.AddInt32(&p.count, 1)
	go p.worker(job)
	return nil
}

func (p *Pool[T]) worker(job Job[T]) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer atomic.AddInt32(&p.count, -1)
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()

	logger := lg.FromContext(job.Ctx)
	logger.Debug("worker started", lg.Int("active", int(p.ActiveWorkers())))
	start := time.Now()

	if err := p.runWithRetry(job); err != nil {
		logger.Warn("job failed", lg.Err(err), lg.Duration("elapsed", time.Since(start)))
		return
	}
	logger.Debug("job finished", lg.Duration("elapsed", time.Since(start)))
}

func (p *Pool[T]) runWithRetry(job Job[T]) error {
	var err error
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		if err = job.Fn(job.Ctx, job.Payload); err == nil {
			return nil
		}
		if attempt == p.opts.MaxAttempts {
			break
		}
		select {
		case <-job.Ctx.Done():
			return fmt.Errorf("canceled after %d attempts: %w", attempt, err)
		case <-time.After(time.Duration(attempt) * p.opts.RetryDelay):
		}
	}
	if p.opts.MaxAttempts == 1 {
		return err
	}
	return fmt.Errorf("failed after %d attempts: %w", p.opts.MaxAttempts, err)
}

// Stop rejects new jobs and waits for the running ones.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
	p.stop()
	p.wg.Wait()
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.count)
}
