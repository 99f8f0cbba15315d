// Package natslayer runs the channel layer over core NATS pub/sub.
//
// Channel names map to subjects under envelope.chan. and groups to
// subjects under envelope.group., with JSON-encoded payloads. Delivery
// is best effort: anything published while the broker or a receiver is
// away is gone. Group membership is held on the node where the member
// channel is attached, as one extra subscription per joined group, so
// joins must run on the node that owns the session.
package natslayer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/VoteIT/channels-envelope/internal/monitoring"
	"github.com/VoteIT/channels-envelope/layer"
)

const (
	chanPrefix  = "envelope.chan."
	groupPrefix = "envelope.group."
)

type attachment struct {
	deliver layer.DeliverFunc
	sub     *nats.Subscription
	groups  map[string]*nats.Subscription
}

// Layer implements layer.SessionLayer over a NATS connection.
type Layer struct {
	nc  *nats.Conn
	log zerolog.Logger

	mu       sync.Mutex
	attached map[string]*attachment
}

var _ layer.SessionLayer = (*Layer)(nil)

// Connect dials NATS with endless reconnects and wraps the connection.
func Connect(url string, log zerolog.Logger) (*Layer, error) {
	lg := log.With().Str("component", "natslayer").Logger()
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			lg.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			lg.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return New(nc, log), nil
}

// New wraps an existing connection. The caller keeps ownership of nc
// unless it lets Close drain it.
func New(nc *nats.Conn, log zerolog.Logger) *Layer {
	return &Layer{
		nc:       nc,
		log:      log.With().Str("component", "natslayer").Logger(),
		attached: make(map[string]*attachment),
	}
}

func (l *Layer) Attach(_ context.Context, channelName string, deliver layer.DeliverFunc) (func(), error) {
	sub, err := l.nc.Subscribe(chanPrefix+channelName, l.handler(deliver))
	if err != nil {
		return nil, fmt.Errorf("subscribe channel %s: %w", channelName, err)
	}

	a := &attachment{deliver: deliver, sub: sub, groups: make(map[string]*nats.Subscription)}
	l.mu.Lock()
	l.attached[channelName] = a
	l.mu.Unlock()

	detach := func() {
		l.mu.Lock()
		delete(l.attached, channelName)
		subs := make([]*nats.Subscription, 0, len(a.groups)+1)
		subs = append(subs, a.sub)
		for _, gs := range a.groups {
			subs = append(subs, gs)
		}
		l.mu.Unlock()
		for _, s := range subs {
			if err := s.Unsubscribe(); err != nil {
				l.log.Debug().Err(err).Str("channel", channelName).Msg("unsubscribe failed")
			}
		}
	}
	return detach, nil
}

// handler adapts a mailbox to a NATS callback. Callbacks run on the
// connection's delivery goroutine, so deliver must not block.
func (l *Layer) handler(deliver layer.DeliverFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var p layer.Payload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			l.log.Warn().Err(err).Str("subject", msg.Subject).Msg("undecodable layer payload dropped")
			return
		}
		deliver(p)
	}
}

func (l *Layer) Send(_ context.Context, channelName string, p layer.Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode layer payload: %w", err)
	}
	monitoring.LayerPublishes.WithLabelValues("nats").Inc()
	return l.nc.Publish(chanPrefix+channelName, data)
}

func (l *Layer) GroupSend(_ context.Context, group string, p layer.Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode layer payload: %w", err)
	}
	monitoring.LayerPublishes.WithLabelValues("nats").Inc()
	return l.nc.Publish(groupPrefix+group, data)
}

func (l *Layer) GroupAdd(_ context.Context, group, channelName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.attached[channelName]
	if a == nil {
		// The owning node holds the membership; a join arriving on any
		// other node has nothing to bind.
		l.log.Debug().Str("group", group).Str("channel", channelName).Msg("group add for unattached channel dropped")
		return nil
	}
	if _, ok := a.groups[group]; ok {
		return nil
	}
	sub, err := l.nc.Subscribe(groupPrefix+group, l.handler(a.deliver))
	if err != nil {
		return fmt.Errorf("subscribe group %s: %w", group, err)
	}
	a.groups[group] = sub
	return nil
}

func (l *Layer) GroupDiscard(_ context.Context, group, channelName string) error {
	l.mu.Lock()
	var sub *nats.Subscription
	if a := l.attached[channelName]; a != nil {
		sub = a.groups[group]
		delete(a.groups, group)
	}
	l.mu.Unlock()
	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

// Close drains the connection, flushing published payloads first.
func (l *Layer) Close() {
	if err := l.nc.Drain(); err != nil {
		l.log.Warn().Err(err).Msg("nats drain failed")
	}
}
