package channels

import (
	"context"
	"fmt"
	"strings"

	envelope "github.com/VoteIT/channels-envelope"
	"github.com/VoteIT/channels-envelope/auth"
	"github.com/VoteIT/channels-envelope/layer"
	"github.com/VoteIT/channels-envelope/sender"
	"github.com/VoteIT/channels-envelope/signals"
)

// Wire names of the channel protocol.
const (
	NameSubscribe         = "channel.subscribe"
	NameLeave             = "channel.leave"
	NameListSubscriptions = "channel.list_subscriptions"
	NameSubscribed        = "channel.subscribed"
	NameLeft              = "channel.left"
	NameSubscriptions     = "channel.subscriptions"
	NameRecheck           = "channel.recheck"
	NameSubscribeError    = "error.subscribe"
)

// ChannelPayload addresses one channel by type and pk. The type is
// folded to lower case and must name a registered channel type.
type ChannelPayload struct {
	Pk          int64  `json:"pk"`
	ChannelType string `json:"channel_type"`
}

// Subscription returns the comparable form tracked on sessions.
func (p *ChannelPayload) Subscription() envelope.Subscription {
	return envelope.Subscription{Pk: p.Pk, ChannelType: p.ChannelType}
}

// SubscribedPayload confirms a subscription. AppState is null except on
// the success reply of channels whose listeners populated it.
type SubscribedPayload struct {
	Pk          int64        `json:"pk"`
	ChannelType string       `json:"channel_type"`
	ChannelName string       `json:"channel_name"`
	AppState    []StateEntry `json:"app_state"`
}

// SubscriptionsPayload lists a session's current subscriptions.
type SubscriptionsPayload struct {
	Subscriptions []envelope.Subscription `json:"subscriptions"`
}

// RecheckPayload snapshots what a session was subscribed to when the
// recheck job was queued, plus where to send the verdicts.
type RecheckPayload struct {
	Subscriptions []envelope.Subscription `json:"subscriptions"`
	ConsumerName  string                  `json:"consumer_name"`
}

// SubscribeErrorPayload names the channel a subscribe was denied for.
type SubscribeErrorPayload struct {
	ChannelName string `json:"channel_name"`
}

// SubscribeError is the denial reply for channel.subscribe.
var SubscribeError = &envelope.Descriptor{
	Name:       NameSubscribeError,
	Behavior:   envelope.BehaviorError,
	NewPayload: func() any { return new(SubscribeErrorPayload) },
}

// NewSubscribeError builds the denial for one channel.
func NewSubscribeError(channelName string) *envelope.Error {
	return &envelope.Error{Desc: SubscribeError, Payload: &SubscribeErrorPayload{ChannelName: channelName}}
}

// Subscribed confirms a subscription to the client. As it transits out
// through a session the session marks the subscription, so the queued
// ack already counts; a later denial is corrected by error.subscribe
// and, eventually, a recheck.
var Subscribed = &envelope.Descriptor{
	Name:       NameSubscribed,
	Behavior:   envelope.BehaviorRunnable,
	NewPayload: func() any { return new(SubscribedPayload) },
	Run: func(ctx context.Context, m *envelope.Message, sess envelope.Session) error {
		if sess == nil {
			return nil
		}
		p := m.Payload.(*SubscribedPayload)
		sess.MarkSubscribed(envelope.Subscription{Pk: p.Pk, ChannelType: p.ChannelType})
		return nil
	},
}

// Left tells the client a subscription is gone and unmarks it on the
// session it transits through.
var Left = &envelope.Descriptor{
	Name:       NameLeft,
	Behavior:   envelope.BehaviorRunnable,
	NewPayload: func() any { return new(ChannelPayload) },
	Run: func(ctx context.Context, m *envelope.Message, sess envelope.Session) error {
		if sess == nil {
			return nil
		}
		sess.MarkLeft(m.Payload.(*ChannelPayload).Subscription())
		return nil
	},
}

// Subscriptions answers channel.list_subscriptions.
var Subscriptions = &envelope.Descriptor{
	Name:       NameSubscriptions,
	NewPayload: func() any { return new(SubscriptionsPayload) },
}

// ListSubscriptions reports the session's subscription set back to the
// client.
var ListSubscriptions = &envelope.Descriptor{
	Name:     NameListSubscriptions,
	Behavior: envelope.BehaviorRunnable,
	Run: func(ctx context.Context, m *envelope.Message, sess envelope.Session) error {
		if sess == nil {
			return nil
		}
		subs := sess.Subscriptions()
		if subs == nil {
			subs = []envelope.Subscription{}
		}
		reply := m.Reply(Subscriptions, &SubscriptionsPayload{Subscriptions: subs})
		return sess.SendWSMessage(ctx, reply, envelope.StateSuccess)
	},
}

// Deps are the runtime pieces the channel command handlers close over.
type Deps struct {
	Channels *Registry
	Layers   *layer.Registry
	Sender   *sender.Service
	Bus      *signals.Bus
}

// Protocol holds the dep-bound command descriptors, for server-side
// sends and for tests.
type Protocol struct {
	Subscribe *envelope.Descriptor
	Leave     *envelope.Descriptor
	Recheck   *envelope.Descriptor
}

// NewRecheck builds the internal message asking a consumer to re-verify
// its subscriptions. Send it with an empty payload; the consumer fills
// the snapshot in just before queueing.
func (p *Protocol) NewRecheck() *envelope.Message {
	return envelope.NewMessage(p.Recheck, &RecheckPayload{})
}

// Register wires the channel protocol into cat: commands on the
// incoming kind, confirmations on the outgoing kind, the recheck job on
// the internal kind and the denial on the errors kind.
func Register(cat *envelope.Catalog, d Deps) *Protocol {
	p := &Protocol{
		Subscribe: newSubscribe(d),
		Leave:     newLeave(d),
		Recheck:   newRecheck(d),
	}
	cat.Incoming().Register(p.Subscribe)
	cat.Incoming().Register(p.Leave)
	cat.Incoming().Register(ListSubscriptions)
	cat.Internal().Register(p.Subscribe)
	cat.Internal().Register(p.Recheck)
	cat.Outgoing().Register(Subscribed)
	cat.Outgoing().Register(Left)
	cat.Outgoing().Register(Subscriptions)
	cat.Errors().Register(SubscribeError)
	return p
}

func channelValidator(reg *Registry) func(any) error {
	return func(payload any) error {
		p := payload.(*ChannelPayload)
		var errs []envelope.FieldError
		if p.Pk == 0 {
			errs = append(errs, envelope.FieldError{
				Loc: []string{"pk"}, Msg: "field required", Type: "value_error.missing",
			})
		}
		if p.ChannelType == "" {
			errs = append(errs, envelope.FieldError{
				Loc: []string{"channel_type"}, Msg: "field required", Type: "value_error.missing",
			})
		} else {
			p.ChannelType = strings.ToLower(p.ChannelType)
			if _, ok := reg.Get(p.ChannelType); !ok {
				errs = append(errs, envelope.FieldError{
					Loc:  []string{"channel_type"},
					Msg:  fmt.Sprintf("'%s' is not a valid channel", p.ChannelType),
					Type: "value_error",
				})
			}
		}
		if len(errs) > 0 {
			return &envelope.ValidationError{Errors: errs}
		}
		return nil
	}
}

// newSubscribe builds the channel.subscribe job. The session acks with
// state queued before the job leaves it; a worker then checks the
// permission and either joins the group and confirms with success, or
// denies with error.subscribe. App state listeners run between join and
// confirm.
func newSubscribe(d Deps) *envelope.Descriptor {
	return &envelope.Descriptor{
		Name:       NameSubscribe,
		Behavior:   envelope.BehaviorJob,
		NewPayload: func() any { return new(ChannelPayload) },
		Validate:   channelValidator(d.Channels),
		PreQueue: func(ctx context.Context, m *envelope.Message, sess envelope.Session) error {
			if sess == nil {
				return nil
			}
			if m.Meta.ConsumerName == "" {
				m.Meta.ConsumerName = sess.ChannelName()
			}
			p := m.Payload.(*ChannelPayload)
			t, ok := d.Channels.Get(p.ChannelType)
			if !ok {
				return envelope.ErrBadRequest(fmt.Sprintf("unknown channel type %q", p.ChannelType))
			}
			ack := m.Reply(Subscribed, &SubscribedPayload{
				Pk:          p.Pk,
				ChannelType: p.ChannelType,
				ChannelName: t.ChannelName(p.Pk),
			})
			return sess.SendWSMessage(ctx, ack, envelope.StateQueued)
		},
		RunJob: func(ctx context.Context, m *envelope.Message, u auth.User) error {
			p := m.Payload.(*ChannelPayload)
			t, ok := d.Channels.Get(p.ChannelType)
			if !ok {
				return envelope.ErrBadRequest(fmt.Sprintf("unknown channel type %q", p.ChannelType))
			}
			ch := t.Channel(p.Pk, m.Meta.ConsumerName)
			allowed, err := ch.AllowSubscribe(ctx, u)
			if err != nil {
				return err
			}
			if !allowed {
				return NewSubscribeError(ch.ChannelName())
			}
			l, err := d.Layers.Get(t.LayerName)
			if err != nil {
				return err
			}
			if err := ch.Subscribe(ctx, l); err != nil {
				return err
			}
			obj, err := ch.Context(ctx)
			if err != nil {
				return err
			}
			state := new(AppState)
			if d.Bus != nil {
				err := d.Bus.Send(ctx, signals.ChannelSubscribed, &SubscribedEvent{
					Channel: ch,
					Context: obj,
					User:    u,
					State:   state,
				})
				if err != nil {
					return err
				}
			}
			reply := m.Reply(Subscribed, &SubscribedPayload{
				Pk:          p.Pk,
				ChannelType: p.ChannelType,
				ChannelName: ch.ChannelName(),
				AppState:    state.Entries(),
			})
			return d.Sender.WebsocketSend(ctx, reply, sender.WithState(envelope.StateSuccess))
		},
	}
}

// newLeave builds channel.leave. No permission check: users only ever
// leave channels on their own consumer.
func newLeave(d Deps) *envelope.Descriptor {
	return &envelope.Descriptor{
		Name:       NameLeave,
		Behavior:   envelope.BehaviorRunnable,
		NewPayload: func() any { return new(ChannelPayload) },
		Validate:   channelValidator(d.Channels),
		Run: func(ctx context.Context, m *envelope.Message, sess envelope.Session) error {
			if sess == nil {
				return nil
			}
			if m.Meta.ConsumerName == "" {
				m.Meta.ConsumerName = sess.ChannelName()
			}
			p := m.Payload.(*ChannelPayload)
			t, ok := d.Channels.Get(p.ChannelType)
			if !ok {
				return envelope.ErrBadRequest(fmt.Sprintf("unknown channel type %q", p.ChannelType))
			}
			ch := t.Channel(p.Pk, m.Meta.ConsumerName)
			l, err := d.Layers.Get(t.LayerName)
			if err != nil {
				return err
			}
			if err := ch.Leave(ctx, l); err != nil {
				return err
			}
			reply := m.Reply(Left, &ChannelPayload{Pk: p.Pk, ChannelType: p.ChannelType})
			return sess.SendWSMessage(ctx, reply, envelope.StateSuccess)
		},
	}
}

// newRecheck builds channel.recheck, an internal-only job. The consumer
// snapshots its subscription set into the payload before queueing; a
// worker then re-runs the permission check for each entry and kicks the
// consumer out of every channel it may no longer hold, telling the
// client with channel.left.
func newRecheck(d Deps) *envelope.Descriptor {
	return &envelope.Descriptor{
		Name:       NameRecheck,
		Behavior:   envelope.BehaviorJob,
		NewPayload: func() any { return new(RecheckPayload) },
		PreQueue: func(ctx context.Context, m *envelope.Message, sess envelope.Session) error {
			if sess == nil {
				return nil
			}
			p := m.Payload.(*RecheckPayload)
			p.ConsumerName = sess.ChannelName()
			p.Subscriptions = append(p.Subscriptions, sess.Subscriptions()...)
			if m.Meta.ConsumerName == "" {
				m.Meta.ConsumerName = sess.ChannelName()
			}
			return nil
		},
		ShouldRun: func(m *envelope.Message) bool {
			return len(m.Payload.(*RecheckPayload).Subscriptions) > 0
		},
		RunJob: func(ctx context.Context, m *envelope.Message, u auth.User) error {
			p := m.Payload.(*RecheckPayload)
			if p.ConsumerName == "" {
				return fmt.Errorf("%s: no consumer name", NameRecheck)
			}
			for _, sub := range p.Subscriptions {
				t, ok := d.Channels.Get(sub.ChannelType)
				if !ok {
					continue
				}
				ch := t.Channel(sub.Pk, p.ConsumerName)
				allowed, err := ch.AllowSubscribe(ctx, u)
				if err != nil {
					return err
				}
				if allowed {
					continue
				}
				l, err := d.Layers.Get(t.LayerName)
				if err != nil {
					return err
				}
				if err := ch.Leave(ctx, l); err != nil {
					return err
				}
				left := m.Reply(Left, &ChannelPayload{Pk: sub.Pk, ChannelType: sub.ChannelType})
				err = d.Sender.WebsocketSend(ctx, left,
					sender.WithState(envelope.StateSuccess),
					sender.ToChannel(p.ConsumerName))
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
}
