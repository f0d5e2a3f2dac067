// Package worker implements a fixed-size goroutine pool for fire-and-forget
// background work — last-accessed bumps, download-event writes, and
// finishing a store sink after the client that triggered it disconnects.
package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Job is a unit of background work. It receives a context independent of
// the request that submitted it, since that request may already be gone by
// the time the job runs.
type Job func(ctx context.Context)

// Pool drains a bounded queue of Jobs with a fixed number of goroutines.
// Submit drops jobs when the queue is full rather than blocking the caller;
// SubmitAwaitable is for callers that must observe completion.
type Pool struct {
	jobs    chan Job
	log     *slog.Logger
	dropped int64
	mu      sync.Mutex
	wg      sync.WaitGroup
}

func New(workers, queueSize int, log *slog.Logger) *Pool {
	p := &Pool{
		jobs: make(chan Job, queueSize),
		log:  log,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		job(context.Background())
	}
}

// Submit enqueues job, dropping it and recording the drop if the queue is
// full. Used for work that is safe to lose under pressure.
func (p *Pool) Submit(job Job) {
	select {
	case p.jobs <- job:
	default:
		p.mu.Lock()
		p.dropped++
		n := p.dropped
		p.mu.Unlock()
		p.log.Warn("worker pool saturated, dropping job", "dropped_total", n)
	}
}

// SubmitAwaitable enqueues job and returns a channel closed once it has run.
// Unlike Submit it never drops or runs job inline: if the queue is full it
// blocks the caller until a worker frees a slot. A job that itself reads
// from a pipe whose writer only gets attached after this call returns (e.g.
// cache.Engine's tee-and-store) would deadlock if run inline here, since the
// submitting goroutine — the one that would attach the writer — cannot also
// be the one running the job.
func (p *Pool) SubmitAwaitable(job Job) <-chan struct{} {
	done := make(chan struct{})
	wrapped := func(ctx context.Context) {
		defer close(done)
		job(ctx)
	}
	p.jobs <- wrapped
	return done
}

// Dropped returns the number of Submit calls dropped so far, for metrics.
func (p *Pool) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close stops accepting new jobs and waits for queued ones to drain.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
