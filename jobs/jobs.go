// Package jobs is the deferred half of the pipeline. The queuer turns
// dispatched job messages into queue jobs, the runner executes them on
// workers, and housekeeping wraps session lifecycles in native presence
// jobs so the connection store reflects who is online.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	envelope "github.com/VoteIT/channels-envelope"
	"github.com/VoteIT/channels-envelope/auth"
	"github.com/VoteIT/channels-envelope/queue"
	"github.com/VoteIT/channels-envelope/store"
)

// Tags of the native presence jobs. Any other tag on a queue is a
// deferred message and resolves through the envelope catalog.
const (
	TagConnect = "connection.connect"
	TagClose   = "connection.close"
	TagAction  = "connection.action"
)

// Queuer routes job requests from the dispatcher onto queue backends.
type Queuer struct {
	queues *queue.Registry
	log    zerolog.Logger
}

var _ envelope.JobQueuer = (*Queuer)(nil)

func NewQueuer(queues *queue.Registry, log zerolog.Logger) *Queuer {
	return &Queuer{
		queues: queues,
		log:    log.With().Str("component", "job_queuer").Logger(),
	}
}

// Enqueue serializes req and hands it to the backend owning its queue.
func (q *Queuer) Enqueue(ctx context.Context, req envelope.JobRequest) error {
	backend, ok := q.queues.Get(req.Queue)
	if !ok {
		return fmt.Errorf("enqueue %s: no backend for queue %q", req.Tag, req.Queue)
	}
	args, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", req.Tag, err)
	}
	job := queue.NewJob(req.Tag, req.Queue, args)
	job.TTL = req.TTL
	job.Timeout = req.Timeout
	if !req.EnqueuedAt.IsZero() {
		job.EnqueuedAt = req.EnqueuedAt
	}
	return backend.Enqueue(ctx, job)
}

// Native job args. Presence jobs carry flat fields, not an envelope
// request; they never existed as messages.

type connectArgs struct {
	UserPk       int64     `json:"user_pk"`
	ConsumerName string    `json:"consumer_name"`
	Language     string    `json:"language,omitempty"`
	OnlineAt     time.Time `json:"online_at"`
}

type closeArgs struct {
	UserPk       int64     `json:"user_pk"`
	ConsumerName string    `json:"consumer_name"`
	Language     string    `json:"language,omitempty"`
	CloseCode    int       `json:"close_code"`
	OfflineAt    time.Time `json:"offline_at"`
}

type actionArgs struct {
	UserPk       int64     `json:"user_pk"`
	ConsumerName string    `json:"consumer_name"`
	ActionAt     time.Time `json:"action_at"`
}

// ConnectionEvent is the payload of the connection_created and
// connection_closed signals, fired from workers once the store row is
// written. Listeners run on the worker and may block.
type ConnectionEvent struct {
	UserPk int64
	// User is nil when no loader is wired.
	User         auth.User
	Connection   store.Connection
	ConsumerName string
	Language     string
	// CloseCode is set on connection_closed only.
	CloseCode int
}
