// Package memqueue runs jobs on an in-process worker pool. It backs
// single-node deployments and tests; anything that must survive a
// restart or span processes belongs on the redis backend.
package memqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/VoteIT/channels-envelope/internal/monitoring"
	"github.com/VoteIT/channels-envelope/queue"
)

// Options size the pool. Zero values fall back to 4 workers and a
// buffer of 100 jobs per worker.
type Options struct {
	Workers int
	Buffer  int
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return 4
}

func (o Options) buffer() int {
	if o.Buffer > 0 {
		return o.Buffer
	}
	return o.workers() * 100
}

// Queue is one named in-memory queue with its own worker pool.
type Queue struct {
	name    string
	log     zerolog.Logger
	jobs    chan *queue.Job
	workers int
	now     func() time.Time

	mu        sync.RWMutex
	onFailure queue.FailureFunc
}

var _ queue.Backend = (*Queue)(nil)

func New(name string, log zerolog.Logger, opts Options) *Queue {
	return &Queue{
		name:    name,
		log:     log.With().Str("component", "memqueue").Str("queue", name).Logger(),
		jobs:    make(chan *queue.Job, opts.buffer()),
		workers: opts.workers(),
		now:     time.Now,
	}
}

// OnFailure sets the failure observer. Call before Run.
func (q *Queue) OnFailure(fn queue.FailureFunc) {
	q.mu.Lock()
	q.onFailure = fn
	q.mu.Unlock()
}

// Enqueue hands the job to the pool. When the buffer is full the call
// blocks, pushing back on the producer, until ctx gives up.
func (q *Queue) Enqueue(ctx context.Context, job *queue.Job) error {
	select {
	case q.jobs <- job:
		monitoring.JobsEnqueued.Inc()
		monitoring.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.jobs)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s on %s: %w", job.Tag, q.name, ctx.Err())
	}
}

// Len reports the jobs waiting for pickup.
func (q *Queue) Len() int { return len(q.jobs) }

// Run consumes jobs with h until ctx is cancelled. Jobs still buffered
// at cancel are dropped with the process.
func (q *Queue) Run(ctx context.Context, h queue.Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.worker(ctx, h)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *Queue) worker(ctx context.Context, h queue.Handler) {
	for {
		select {
		case job := <-q.jobs:
			monitoring.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.jobs)))
			if job != nil {
				q.execute(ctx, h, job)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) execute(ctx context.Context, h queue.Handler, job *queue.Job) {
	if job.Expired(q.now()) {
		q.log.Warn().
			Str("job_id", job.ID).
			Str("tag", job.Tag).
			Dur("ttl", job.TTL).
			Msg("job expired before pickup, dropped")
		return
	}
	jctx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("job panicked: %v", r)
			q.log.Error().
				Str("job_id", job.ID).
				Str("tag", job.Tag).
				Bytes("stack", debug.Stack()).
				Msg(err.Error())
			q.fail(job, err)
		}
	}()
	if err := h(jctx, job); err != nil {
		q.log.Error().Err(err).
			Str("job_id", job.ID).
			Str("tag", job.Tag).
			Msg("job failed")
		q.fail(job, err)
	}
}

func (q *Queue) fail(job *queue.Job, err error) {
	q.mu.RLock()
	fn := q.onFailure
	q.mu.RUnlock()
	if fn != nil {
		fn(job, err)
	}
}
