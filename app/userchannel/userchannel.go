// Package userchannel gives every authenticated user a context channel
// about themselves. Sessions are joined to it automatically on connect,
// so server code can address all of one user's sockets as a group and
// clients learn their own channel without asking.
package userchannel

import (
	"context"

	envelope "github.com/VoteIT/channels-envelope"
	"github.com/VoteIT/channels-envelope/auth"
	"github.com/VoteIT/channels-envelope/channels"
	"github.com/VoteIT/channels-envelope/layer"
	"github.com/VoteIT/channels-envelope/signals"
)

// ChannelType is the channel_type wire value.
const ChannelType = "user"

// New builds the user channel type. The loader resolves the user a
// channel is about; explicit subscribes are allowed only to one's own
// channel.
func New(users auth.Loader) *channels.ContextChannelType {
	return &channels.ContextChannelType{
		Name: ChannelType,
		Fetch: func(ctx context.Context, pk int64) (any, error) {
			return users.UserByPk(ctx, pk)
		},
		Permission: func(_ context.Context, u auth.User, obj any) (bool, error) {
			subject, ok := obj.(auth.User)
			return ok && u.Pk() == subject.Pk(), nil
		},
	}
}

// Deps are the fabric pieces the lifecycle listeners close over.
type Deps struct {
	Channels *channels.Registry
	Layers   *layer.Registry
	Users    auth.Loader
	Bus      *signals.Bus
}

// Register builds the channel type, adds it to the registry and
// connects the session lifecycle listeners: authenticated sessions join
// their own channel on connect, get a channel.subscribed confirmation
// as the session's first frame, and leave again on close. Anonymous
// sessions are skipped.
func Register(d Deps) *channels.ContextChannelType {
	t := New(d.Users)
	d.Channels.Add(t)

	d.Bus.Connect(signals.ConsumerConnected, signals.Cooperative, func(ctx context.Context, event any) error {
		ev, ok := event.(*envelope.ConnectedEvent)
		if !ok || !auth.Authenticated(ev.Session.User()) {
			return nil
		}
		sess := ev.Session
		pk := sess.User().Pk()
		ch := t.Channel(pk, sess.ChannelName())
		l, err := d.Layers.Get(t.LayerName)
		if err != nil {
			return err
		}
		if err := ch.Subscribe(ctx, l); err != nil {
			return err
		}
		confirm := envelope.NewMessage(channels.Subscribed, &channels.SubscribedPayload{
			Pk:          pk,
			ChannelType: t.Name,
			ChannelName: ch.ChannelName(),
		})
		return sess.SendWSMessage(ctx, confirm, envelope.StateSuccess)
	})

	d.Bus.Connect(signals.ConsumerClosed, signals.Cooperative, func(ctx context.Context, event any) error {
		ev, ok := event.(*envelope.ClosedEvent)
		if !ok || !auth.Authenticated(ev.Session.User()) {
			return nil
		}
		sess := ev.Session
		l, err := d.Layers.Get(t.LayerName)
		if err != nil {
			return err
		}
		return t.Channel(sess.User().Pk(), sess.ChannelName()).Leave(ctx, l)
	})

	return t
}
