package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	envelope "github.com/VoteIT/channels-envelope"
	"github.com/VoteIT/channels-envelope/auth"
	"github.com/VoteIT/channels-envelope/internal/monitoring"
	"github.com/VoteIT/channels-envelope/queue"
	"github.com/VoteIT/channels-envelope/sender"
	"github.com/VoteIT/channels-envelope/signals"
	"github.com/VoteIT/channels-envelope/store"
)

// RunnerDeps wires the runner. Users, Store and Bus may be nil in
// reduced deployments; message jobs then run without presence
// bookkeeping or lifecycle signals.
type RunnerDeps struct {
	Catalog *envelope.Catalog
	Sender  *sender.Service
	Users   auth.Loader
	Store   store.Store
	Bus     *signals.Bus
}

// Runner executes queued jobs: the native presence tags directly,
// everything else as a deferred message rebuilt from its request.
type Runner struct {
	deps RunnerDeps
	log  zerolog.Logger
	now  func() time.Time
}

func NewRunner(deps RunnerDeps, log zerolog.Logger) *Runner {
	return &Runner{
		deps: deps,
		log:  log.With().Str("component", "job_runner").Logger(),
		now:  time.Now,
	}
}

// Handle implements queue.Handler.
func (r *Runner) Handle(ctx context.Context, job *queue.Job) error {
	start := time.Now()
	err := r.handle(ctx, job)
	monitoring.JobDuration.Observe(time.Since(start).Seconds())
	result := "success"
	if err != nil {
		result = "failure"
	}
	monitoring.JobsExecuted.WithLabelValues(result).Inc()
	return err
}

func (r *Runner) handle(ctx context.Context, job *queue.Job) error {
	switch job.Tag {
	case TagConnect:
		return r.runConnect(ctx, job)
	case TagClose:
		return r.runClose(ctx, job)
	case TagAction:
		return r.runAction(ctx, job)
	}
	return r.runMessage(ctx, job)
}

// runMessage rebuilds a deferred message and runs it inside a unit of
// work. An error message raised by the handler is routed back to the
// originating consumer and consumes the error; anything else fails the
// job.
func (r *Runner) runMessage(ctx context.Context, job *queue.Job) error {
	var req envelope.JobRequest
	if err := json.Unmarshal(job.Args, &req); err != nil {
		return fmt.Errorf("job %s: decode request: %w", job.ID, err)
	}
	kind := r.deps.Catalog.Kind(req.Meta.Registry)
	if kind == nil {
		return fmt.Errorf("job %s: unknown envelope kind %q", job.ID, req.Meta.Registry)
	}
	desc, ok := kind.Registry().Lookup(req.Tag)
	if !ok {
		return fmt.Errorf("job %s: %q is not registered in %s", job.ID, req.Tag, kind.Name())
	}
	if desc.RunJob == nil {
		return fmt.Errorf("job %s: %q cannot run as a job", job.ID, req.Tag)
	}
	payload, err := desc.DecodePayload(req.Payload)
	if err != nil {
		// The payload was validated before the enqueue; a decode failure
		// here means the request was corrupted in transit.
		return fmt.Errorf("job %s: decode %s payload: %w", job.ID, req.Tag, err)
	}
	m := &envelope.Message{Desc: desc, Payload: payload, Meta: req.Meta}

	var u auth.User
	if req.Meta.UserPk != 0 {
		if u, err = r.loadUser(ctx, req.Meta.UserPk); err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
	}
	ctx = envelope.WithLanguage(ctx, req.Meta.Language)

	if err := r.execute(ctx, m, u); err != nil {
		e, ok := envelope.AsErrorMessage(err)
		if !ok {
			return err
		}
		e.BackfillMeta(m.Meta)
		if e.Meta.ConsumerName == "" {
			r.log.Debug().Str("t", e.Desc.Name).Str("job_id", job.ID).
				Msg("error reply dropped, no consumer")
			return nil
		}
		return r.deps.Sender.WebsocketSendError(ctx, e.Message(), e.Meta.ConsumerName)
	}
	r.touchConnection(ctx, req)
	return nil
}

// execute wraps the handler in a unit of work unless the descriptor
// opted out. Buffered sends flush on commit; an error discards them.
func (r *Runner) execute(ctx context.Context, m *envelope.Message, u auth.User) error {
	if m.Desc.NonAtomic {
		return m.Desc.RunJob(ctx, m, u)
	}
	ctx, uow := r.deps.Sender.Begin(ctx)
	if err := m.Desc.RunJob(ctx, m, u); err != nil {
		uow.Rollback()
		return err
	}
	return uow.Commit(ctx)
}

// touchConnection stamps the originating connection's last action with
// the enqueue time. Failures only log; the job itself succeeded.
func (r *Runner) touchConnection(ctx context.Context, req envelope.JobRequest) {
	if r.deps.Store == nil || req.Meta.UserPk == 0 || req.Meta.ConsumerName == "" {
		return
	}
	at := req.EnqueuedAt
	if at.IsZero() {
		at = r.now()
	}
	change := store.StatusChange{LastAction: &at}
	if _, err := r.deps.Store.UpsertStatus(ctx, req.Meta.UserPk, req.Meta.ConsumerName, change); err != nil {
		r.log.Error().Err(err).
			Str("consumer_name", req.Meta.ConsumerName).
			Msg("connection touch failed")
	}
}

func (r *Runner) runConnect(ctx context.Context, job *queue.Job) error {
	var a connectArgs
	if err := json.Unmarshal(job.Args, &a); err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	ctx = envelope.WithLanguage(ctx, a.Language)
	u, err := r.loadUser(ctx, a.UserPk)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	var conn store.Connection
	if r.deps.Store != nil {
		conn, err = r.deps.Store.UpsertStatus(ctx, a.UserPk, a.ConsumerName, store.StatusChange{
			Online:     store.Ptr(true),
			OnlineAt:   &a.OnlineAt,
			LastAction: &a.OnlineAt,
		})
		if err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
	}
	r.log.Debug().
		Int64("user_pk", a.UserPk).
		Str("consumer_name", a.ConsumerName).
		Msg("connection online")
	return r.send(ctx, signals.ConnectionCreated, &ConnectionEvent{
		UserPk:       a.UserPk,
		User:         u,
		Connection:   conn,
		ConsumerName: a.ConsumerName,
		Language:     a.Language,
	})
}

func (r *Runner) runClose(ctx context.Context, job *queue.Job) error {
	var a closeArgs
	if err := json.Unmarshal(job.Args, &a); err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	ctx = envelope.WithLanguage(ctx, a.Language)
	u, err := r.loadUser(ctx, a.UserPk)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	var conn store.Connection
	if r.deps.Store != nil {
		conn, err = r.deps.Store.UpsertStatus(ctx, a.UserPk, a.ConsumerName, store.StatusChange{
			Online:    store.Ptr(false),
			OfflineAt: &a.OfflineAt,
		})
		if err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
	}
	r.log.Debug().
		Int64("user_pk", a.UserPk).
		Str("consumer_name", a.ConsumerName).
		Int("close_code", a.CloseCode).
		Msg("connection offline")
	return r.send(ctx, signals.ConnectionClosed, &ConnectionEvent{
		UserPk:       a.UserPk,
		User:         u,
		Connection:   conn,
		ConsumerName: a.ConsumerName,
		Language:     a.Language,
		CloseCode:    a.CloseCode,
	})
}

// runAction refreshes the heartbeat timestamp. The row is upserted so a
// heartbeat racing its own connect job still lands.
func (r *Runner) runAction(ctx context.Context, job *queue.Job) error {
	var a actionArgs
	if err := json.Unmarshal(job.Args, &a); err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	if r.deps.Store == nil {
		return nil
	}
	_, err := r.deps.Store.UpsertStatus(ctx, a.UserPk, a.ConsumerName, store.StatusChange{
		LastAction: &a.ActionAt,
	})
	return err
}

func (r *Runner) loadUser(ctx context.Context, pk int64) (auth.User, error) {
	if pk == 0 || r.deps.Users == nil {
		return nil, nil
	}
	return r.deps.Users.UserByPk(ctx, pk)
}

func (r *Runner) send(ctx context.Context, sig signals.Signal, event any) error {
	if r.deps.Bus == nil {
		return nil
	}
	return r.deps.Bus.Send(ctx, sig, event)
}

// HandleFailure is the queue failure callback. It tells the consumer
// its deferred work died, when the args still say who asked.
func (r *Runner) HandleFailure(job *queue.Job, err error) {
	r.log.Error().Err(err).
		Str("tag", job.Tag).
		Str("job_id", job.ID).
		Msg("job failed")
	meta := failureMeta(job)
	if meta.ConsumerName == "" {
		return
	}
	e := envelope.ErrJob(err.Error())
	e.BackfillMeta(meta)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := r.deps.Sender.WebsocketSendError(ctx, e.Message(), e.Meta.ConsumerName); serr != nil {
		r.log.Error().Err(serr).Str("job_id", job.ID).Msg("failure reply undeliverable")
	}
}

// failureMeta recovers reply addressing from message-job args. Native
// presence jobs carry no envelope meta; their failures only log.
func failureMeta(job *queue.Job) envelope.MessageMeta {
	switch job.Tag {
	case TagConnect, TagClose, TagAction:
		return envelope.MessageMeta{}
	}
	var req envelope.JobRequest
	if err := json.Unmarshal(job.Args, &req); err != nil {
		return envelope.MessageMeta{}
	}
	return req.Meta
}
