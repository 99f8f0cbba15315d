// Package redisqueue stores jobs in redis lists, LPUSH on enqueue and
// BRPOP on the worker side. Multiple processes can share a queue;
// whichever worker pops a job owns it. There is no redelivery: a worker
// dying mid-job loses it, which matches the at-most-once contract of
// the messages that travel here.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/VoteIT/channels-envelope/internal/monitoring"
	"github.com/VoteIT/channels-envelope/queue"
)

// keyPrefix namespaces the lists within a shared redis.
const keyPrefix = "envelope:queue:"

// Options tune the consumer side. Zero values fall back to 2 workers
// and a 2s BRPOP block.
type Options struct {
	Workers    int
	PopTimeout time.Duration
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return 2
}

func (o Options) popTimeout() time.Duration {
	if o.PopTimeout > 0 {
		return o.PopTimeout
	}
	return 2 * time.Second
}

// Queue is one named redis-backed queue.
type Queue struct {
	name string
	key  string
	rdb  redis.Cmdable
	log  zerolog.Logger
	opts Options
	now  func() time.Time

	mu        sync.RWMutex
	onFailure queue.FailureFunc
}

var _ queue.Backend = (*Queue)(nil)

func New(rdb redis.Cmdable, name string, log zerolog.Logger, opts Options) *Queue {
	return &Queue{
		name: name,
		key:  keyPrefix + name,
		rdb:  rdb,
		log:  log.With().Str("component", "redisqueue").Str("queue", name).Logger(),
		opts: opts,
		now:  time.Now,
	}
}

// OnFailure sets the failure observer. Call before Run.
func (q *Queue) OnFailure(fn queue.FailureFunc) {
	q.mu.Lock()
	q.onFailure = fn
	q.mu.Unlock()
}

// Enqueue serializes the job onto the list.
func (q *Queue) Enqueue(ctx context.Context, job *queue.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("enqueue %s on %s: %w", job.Tag, q.name, err)
	}
	if err := q.rdb.LPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s on %s: %w", job.Tag, q.name, err)
	}
	monitoring.JobsEnqueued.Inc()
	return nil
}

// Len reports the jobs waiting for pickup.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

// Run consumes jobs with h until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, h queue.Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.opts.workers(); i++ {
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
	for ctx.Err() == nil {
		res, err := q.rdb.BRPop(ctx, q.opts.popTimeout(), q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.log.Error().Err(err).Msg("brpop failed, backing off")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if len(res) != 2 {
			continue
		}
		var job queue.Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.log.Error().Err(err).Str("raw", res[1]).Msg("undecodable job dropped")
			continue
		}
		q.execute(ctx, h, &job)
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
