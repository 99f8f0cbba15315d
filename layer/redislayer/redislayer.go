// Package redislayer runs the channel layer over redis PUBSUB. Each
// attached channel holds one subscriber connection; group joins add the
// group key to that same subscription, so membership lives on the node
// that owns the session and closing the subscription drops all of it at
// once. Payloads travel as JSON. Best effort only: redis PUBSUB keeps
// nothing for absent subscribers.
package redislayer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/VoteIT/channels-envelope/internal/monitoring"
	"github.com/VoteIT/channels-envelope/layer"
)

const (
	chanPrefix  = "envelope:chan:"
	groupPrefix = "envelope:group:"
)

type attachment struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

// Layer implements layer.SessionLayer over a redis client.
type Layer struct {
	rdb *redis.Client
	log zerolog.Logger

	mu       sync.Mutex
	attached map[string]*attachment
}

var _ layer.SessionLayer = (*Layer)(nil)

func New(rdb *redis.Client, log zerolog.Logger) *Layer {
	return &Layer{
		rdb:      rdb,
		log:      log.With().Str("component", "redislayer").Logger(),
		attached: make(map[string]*attachment),
	}
}

func (l *Layer) Attach(ctx context.Context, channelName string, deliver layer.DeliverFunc) (func(), error) {
	pubsub := l.rdb.Subscribe(ctx, chanPrefix+channelName)
	// Force the subscription onto the wire before the caller counts on
	// receiving anything.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe channel %s: %w", channelName, err)
	}

	a := &attachment{pubsub: pubsub, done: make(chan struct{})}
	l.mu.Lock()
	l.attached[channelName] = a
	l.mu.Unlock()

	go l.receive(pubsub, deliver, a.done)

	detach := func() {
		l.mu.Lock()
		delete(l.attached, channelName)
		l.mu.Unlock()
		if err := pubsub.Close(); err != nil {
			l.log.Debug().Err(err).Str("channel", channelName).Msg("pubsub close failed")
		}
		<-a.done
	}
	return detach, nil
}

// receive pumps one subscription into the mailbox until it is closed.
func (l *Layer) receive(pubsub *redis.PubSub, deliver layer.DeliverFunc, done chan struct{}) {
	defer close(done)
	defer monitoring.RecoverPanic(l.log, "redislayer_receive")
	for msg := range pubsub.Channel() {
		var p layer.Payload
		if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
			l.log.Warn().Err(err).Str("key", msg.Channel).Msg("undecodable layer payload dropped")
			continue
		}
		deliver(p)
	}
}

func (l *Layer) Send(ctx context.Context, channelName string, p layer.Payload) error {
	return l.publish(ctx, chanPrefix+channelName, p)
}

func (l *Layer) GroupSend(ctx context.Context, group string, p layer.Payload) error {
	return l.publish(ctx, groupPrefix+group, p)
}

func (l *Layer) publish(ctx context.Context, key string, p layer.Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode layer payload: %w", err)
	}
	monitoring.LayerPublishes.WithLabelValues("redis").Inc()
	if err := l.rdb.Publish(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", key, err)
	}
	return nil
}

func (l *Layer) GroupAdd(ctx context.Context, group, channelName string) error {
	l.mu.Lock()
	a := l.attached[channelName]
	l.mu.Unlock()
	if a == nil {
		// The owning node holds the membership; a join arriving on any
		// other node has nothing to bind.
		l.log.Debug().Str("group", group).Str("channel", channelName).Msg("group add for unattached channel dropped")
		return nil
	}
	if err := a.pubsub.Subscribe(ctx, groupPrefix+group); err != nil {
		return fmt.Errorf("subscribe group %s: %w", group, err)
	}
	return nil
}

func (l *Layer) GroupDiscard(ctx context.Context, group, channelName string) error {
	l.mu.Lock()
	a := l.attached[channelName]
	l.mu.Unlock()
	if a == nil {
		return nil
	}
	if err := a.pubsub.Unsubscribe(ctx, groupPrefix+group); err != nil {
		return fmt.Errorf("unsubscribe group %s: %w", group, err)
	}
	return nil
}
