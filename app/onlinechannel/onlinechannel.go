// Package onlinechannel keeps every live session in one broadcast
// group. Whether a member really is online depends on the layer; the
// group tracks attached sessions, nothing more.
package onlinechannel

import (
	"context"

	envelope "github.com/VoteIT/channels-envelope"
	"github.com/VoteIT/channels-envelope/channels"
	"github.com/VoteIT/channels-envelope/layer"
	"github.com/VoteIT/channels-envelope/signals"
)

// GroupName is the layer group every session is joined to.
const GroupName = "online_users"

// Channel is the online-users broadcast channel. Publish to it to reach
// every connected session, anonymous ones included.
var Channel = &channels.PubSubChannel{Name: GroupName}

// Deps are the fabric pieces the lifecycle listeners close over.
type Deps struct {
	Layers *layer.Registry
	Bus    *signals.Bus
}

// Attach joins sessions to the group on connect and removes them on
// close.
func Attach(d Deps) {
	d.Bus.Connect(signals.ConsumerConnected, signals.Cooperative, func(ctx context.Context, event any) error {
		ev, ok := event.(*envelope.ConnectedEvent)
		if !ok {
			return nil
		}
		l, err := d.Layers.Get(Channel.LayerName)
		if err != nil {
			return err
		}
		return Channel.Join(ctx, l, ev.Session.ChannelName())
	})

	d.Bus.Connect(signals.ConsumerClosed, signals.Cooperative, func(ctx context.Context, event any) error {
		ev, ok := event.(*envelope.ClosedEvent)
		if !ok {
			return nil
		}
		l, err := d.Layers.Get(Channel.LayerName)
		if err != nil {
			return err
		}
		return Channel.Leave(ctx, l, ev.Session.ChannelName())
	})
}
