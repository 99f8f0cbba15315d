package envelope

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/VoteIT/channels-envelope/signals"
)

// Events fired on the signal bus by sessions. The dispatcher subscribes
// to the incoming ones; everything else observes.

// IncomingMessageEvent is the payload of incoming_websocket_message and
// incoming_internal_message.
type IncomingMessageEvent struct {
	Message *Message
	Session Session
}

// OutgoingMessageEvent is the payload of outgoing_websocket_message and
// outgoing_websocket_error.
type OutgoingMessageEvent struct {
	Message *Message
	Session Session
}

// ConnectedEvent is the payload of consumer_connected.
type ConnectedEvent struct {
	Session Session
}

// ClosedEvent is the payload of consumer_closed.
type ClosedEvent struct {
	Session   Session
	CloseCode int
}

// JobRequest is the inert descriptor handed to the queue: everything a
// worker needs to rebuild and run the message later.
type JobRequest struct {
	Tag        string          `json:"tag"`
	Queue      string          `json:"queue"`
	TTL        time.Duration   `json:"ttl"`
	Timeout    time.Duration   `json:"timeout"`
	NonAtomic  bool            `json:"non_atomic"`
	Payload    json.RawMessage `json:"payload"`
	Meta       MessageMeta     `json:"meta"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// JobQueuer accepts job requests for deferred execution. The jobs
// package provides the real pipeline; tests plug in recorders.
type JobQueuer interface {
	Enqueue(ctx context.Context, req JobRequest) error
}

// Dispatcher turns decoded incoming messages into work. It listens on
// both incoming signals and switches on the descriptor behavior: plain
// messages are done once validated, runnables execute inline on the
// session task, jobs go through PreQueue and onto the queue.
//
// Errors propagate back to the signal sender, which owns the error
// reply.
type Dispatcher struct {
	queue JobQueuer
	log   zerolog.Logger
	now   func() time.Time
}

func NewDispatcher(queue JobQueuer, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		queue: queue,
		log:   log.With().Str("component", "dispatcher").Logger(),
		now:   time.Now,
	}
}

// Attach connects the dispatcher to the incoming message signals.
func (d *Dispatcher) Attach(bus *signals.Bus) {
	listen := func(ctx context.Context, event any) error {
		ev, ok := event.(*IncomingMessageEvent)
		if !ok {
			return nil
		}
		return d.Dispatch(ctx, ev.Message, ev.Session)
	}
	bus.Connect(signals.IncomingWebsocket, signals.Cooperative, listen)
	bus.Connect(signals.IncomingInternal, signals.Cooperative, listen)
}

// Dispatch routes one decoded message.
func (d *Dispatcher) Dispatch(ctx context.Context, m *Message, sess Session) error {
	switch m.Desc.Behavior {
	case BehaviorPlain:
		return nil
	case BehaviorRunnable:
		if m.Desc.Run == nil {
			return nil
		}
		return m.Desc.Run(ctx, m, sess)
	case BehaviorJob:
		return d.enqueue(ctx, m, sess)
	default:
		d.log.Warn().
			Str("t", m.Name()).
			Str("behavior", m.Desc.Behavior.String()).
			Msg("message with undispatchable behavior received")
		return nil
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, m *Message, sess Session) error {
	if m.Desc.PreQueue != nil {
		if err := m.Desc.PreQueue(ctx, m, sess); err != nil {
			return err
		}
	}
	if m.Desc.ShouldRun != nil && !m.Desc.ShouldRun(m) {
		d.log.Debug().Str("t", m.Name()).Msg("job vetoed by should_run")
		return nil
	}
	if d.queue == nil {
		return fmt.Errorf("dispatch %s: no job queue configured", m.Name())
	}

	payload, err := m.MarshalPayload()
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", m.Name(), err)
	}
	now := d.now()
	req := JobRequest{
		Tag:        m.Name(),
		Queue:      m.Desc.QueueName(),
		TTL:        m.Desc.JobTTL(),
		Timeout:    m.Desc.JobTimeout(),
		NonAtomic:  m.Desc.NonAtomic,
		Payload:    payload,
		Meta:       m.Meta,
		EnqueuedAt: now,
	}
	if err := d.queue.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("dispatch %s: %w", m.Name(), err)
	}
	d.log.Debug().
		Str("t", m.Name()).
		Str("queue", req.Queue).
		Str("i", m.Meta.ID).
		Str("consumer_name", m.Meta.ConsumerName).
		Msg("job enqueued")
	if sess != nil {
		sess.TouchLastJob(now)
	}
	return nil
}
