package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelanni/autograder/internal/model"
)

// Handler processes one job. Handlers must be idempotent: a job may run
// again after a crash or an expired lease.
type Handler func(ctx context.Context, job model.Job) error

// stateTimeout bounds the store write that records a job's outcome. Jobs
// are claimed for their lease plus stateTimeout so the write lands before
// another worker may reclaim the job.
const stateTimeout = 5 * time.Second

// FailureHandler is called once a job has failed for good.
type FailureHandler func(ctx context.Context, job model.Job, err error)

// Pool runs workers for every queue that has a handler.
type Pool struct {
	q         *Queue
	handlers  map[model.QueueName]Handler
	onFailure map[model.QueueName]FailureHandler
}

// NewPool creates a worker pool on top of q.
func NewPool(q *Queue) *Pool {
	return &Pool{
		q:         q,
		handlers:  make(map[model.QueueName]Handler),
		onFailure: make(map[model.QueueName]FailureHandler),
	}
}

// Handle registers the handler of a queue.
func (p *Pool) Handle(name model.QueueName, h Handler) {
	p.handlers[name] = h
}

// OnFailure registers the hook called when a job of the queue is exhausted.
func (p *Pool) OnFailure(name model.QueueName, f FailureHandler) {
	p.onFailure[name] = f
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job has finished.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for name := range p.handlers {
		policy := p.q.Policy(name)
		slog.Info("starting workers", "queue", name, "concurrency", policy.Concurrency)
		for i := range policy.Concurrency {
			wg.Go(func() { p.work(ctx, name, i) })
		}
		wg.Go(func() { p.reap(ctx, name) })
	}
	wg.Wait()
	slog.Info("workers stopped")
}

func (p *Pool) work(ctx context.Context, name model.QueueName, worker int) {
	policy := p.q.Policy(name)
	wake := p.q.wakeCh(name)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.q.store.ClaimJob(ctx, name, policy.Lease+stateTimeout)
		if err != nil && ctx.Err() == nil {
			slog.Error("claim job", "queue", name, "worker", worker, "error", err)
		}
		if job != nil {
			p.process(ctx, *job)
			continue
		}

		timer.Reset(policy.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-timer.C:
		}
	}
}

// process runs one claimed job. It is detached from ctx so shutdown lets
// the job finish; the lease bounds its duration. The outcome is written on
// a fresh context because the handler's may already have expired.
func (p *Pool) process(ctx context.Context, job model.Job) {
	policy := p.q.Policy(job.Queue)
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), policy.Lease)
	defer cancel()

	log := slog.With("job_id", job.ID, "queue", job.Queue, "attempt", job.Attempts)
	start := time.Now()
	err := p.run(jctx, job)

	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), stateTimeout)
	defer scancel()
	if err == nil {
		if err := p.q.store.CompleteJob(sctx, job.ID); err != nil {
			log.Warn("complete job", "error", err)
			return
		}
		log.Debug("job completed", "duration", time.Since(start))
		return
	}

	if job.Attempts < job.MaxAttempts {
		delay := policy.Delay(job.Attempts)
		if rerr := p.q.store.RetryJob(sctx, job.ID, err.Error(), time.Now().Add(delay)); rerr != nil {
			log.Warn("schedule retry", "error", rerr)
			return
		}
		log.Warn("job failed, will retry", "error", err, "retry_in", delay)
		return
	}

	if ferr := p.q.store.FailJob(sctx, job.ID, err.Error()); ferr != nil {
		log.Warn("mark job failed", "error", ferr)
		return
	}
	job.Status = model.JobFailed
	job.LastError = err.Error()
	log.Error("job failed permanently", "error", err, "submission_id", job.SubmissionID)
	p.failed(sctx, job, err)
}

func (p *Pool) run(ctx context.Context, job model.Job) (err error) {
	h, ok := p.handlers[job.Queue]
	if !ok {
		return fmt.Errorf("no handler for queue %s", job.Queue)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (p *Pool) failed(ctx context.Context, job model.Job, err error) {
	if f, ok := p.onFailure[job.Queue]; ok {
		f(ctx, job, err)
	}
}

// reap fails jobs whose worker disappeared during their final attempt.
func (p *Pool) reap(ctx context.Context, name model.QueueName) {
	policy := p.q.Policy(name)
	interval := policy.Lease / 2
	if interval < policy.PollInterval {
		interval = policy.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		jobs, err := p.q.store.ReapExpiredJobs(ctx, name)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("reap expired jobs", "queue", name, "error", err)
			}
			continue
		}
		for _, job := range jobs {
			slog.Error("job lease expired on final attempt", "job_id", job.ID, "queue", name)
			p.failed(ctx, job, errors.New(job.LastError))
		}
	}
}
