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
	"github.com/VoteIT/channels-envelope/signals"
)

// Housekeeping enqueues the native presence jobs around session
// lifecycles. Both queues are opt-in: an empty queue name disables that
// side, and presence then lives only in the layer groups.
type Housekeeping struct {
	queues          *queue.Registry
	connectionQueue string
	timestampQueue  string
	log             zerolog.Logger
	now             func() time.Time
}

func NewHousekeeping(queues *queue.Registry, connectionQueue, timestampQueue string, log zerolog.Logger) *Housekeeping {
	return &Housekeeping{
		queues:          queues,
		connectionQueue: connectionQueue,
		timestampQueue:  timestampQueue,
		log:             log.With().Str("component", "housekeeping").Logger(),
		now:             time.Now,
	}
}

// Attach connects the presence jobs to the consumer lifecycle signals.
func (h *Housekeeping) Attach(bus *signals.Bus) {
	bus.Connect(signals.ConsumerConnected, signals.Cooperative, func(ctx context.Context, event any) error {
		ev, ok := event.(*envelope.ConnectedEvent)
		if !ok {
			return nil
		}
		return h.ConsumerConnected(ctx, ev.Session)
	})
	bus.Connect(signals.ConsumerClosed, signals.Cooperative, func(ctx context.Context, event any) error {
		ev, ok := event.(*envelope.ClosedEvent)
		if !ok {
			return nil
		}
		return h.ConsumerClosed(ctx, ev.Session, ev.CloseCode)
	})
}

// ConsumerConnected records a fresh session: one connect job per
// authenticated consumer. Anonymous sessions leave no row.
func (h *Housekeeping) ConsumerConnected(ctx context.Context, sess envelope.Session) error {
	u := sess.User()
	if h.connectionQueue == "" || !auth.Authenticated(u) {
		return nil
	}
	now := h.now()
	if err := h.enqueue(ctx, TagConnect, h.connectionQueue, connectArgs{
		UserPk:       u.Pk(),
		ConsumerName: sess.ChannelName(),
		Language:     sess.Language(),
		OnlineAt:     now,
	}); err != nil {
		return err
	}
	sess.TouchLastJob(now)
	return nil
}

// ConsumerClosed records the end of a session along with the close code
// the socket went down with.
func (h *Housekeeping) ConsumerClosed(ctx context.Context, sess envelope.Session, closeCode int) error {
	u := sess.User()
	if h.connectionQueue == "" || !auth.Authenticated(u) {
		return nil
	}
	now := h.now()
	if err := h.enqueue(ctx, TagClose, h.connectionQueue, closeArgs{
		UserPk:       u.Pk(),
		ConsumerName: sess.ChannelName(),
		Language:     sess.Language(),
		CloseCode:    closeCode,
		OfflineAt:    now,
	}); err != nil {
		return err
	}
	sess.TouchLastJob(now)
	return nil
}

// UpdateConnection refreshes presence after session activity. A
// mark-action job goes out at most once per interval, throttled through
// the session's last-job timestamp; any enqueue resets the clock.
// interval <= 0 disables the heartbeat.
func (h *Housekeeping) UpdateConnection(ctx context.Context, sess envelope.Session, interval time.Duration) error {
	u := sess.User()
	if h.timestampQueue == "" || interval <= 0 || !auth.Authenticated(u) {
		return nil
	}
	now := h.now()
	if now.Sub(sess.LastJobAt()) <= interval {
		return nil
	}
	if err := h.enqueue(ctx, TagAction, h.timestampQueue, actionArgs{
		UserPk:       u.Pk(),
		ConsumerName: sess.ChannelName(),
		ActionAt:     now,
	}); err != nil {
		return err
	}
	sess.TouchLastJob(now)
	return nil
}

func (h *Housekeeping) enqueue(ctx context.Context, tag, queueName string, args any) error {
	backend, ok := h.queues.Get(queueName)
	if !ok {
		return fmt.Errorf("%s: no backend for queue %q", tag, queueName)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%s: %w", tag, err)
	}
	if err := backend.Enqueue(ctx, queue.NewJob(tag, queueName, raw)); err != nil {
		return fmt.Errorf("%s: %w", tag, err)
	}
	h.log.Debug().Str("tag", tag).Str("queue", queueName).Msg("presence job enqueued")
	return nil
}
