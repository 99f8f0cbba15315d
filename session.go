package envelope

import (
	"context"
	"time"

	"github.com/VoteIT/channels-envelope/auth"
)

// Subscription is one (entity, channel type) pair a session listens to.
// It is the comparable core of the channel schema; the channels package
// layers naming and permissions on top.
type Subscription struct {
	Pk          int64  `json:"pk"`
	ChannelType string `json:"channel_type"`
}

// Session is the server-side face of one live WebSocket connection, as
// seen by message handlers and the dispatcher. All methods are called
// from the session's own cooperative task unless noted.
type Session interface {
	// ChannelName is the session's unique layer address.
	ChannelName() string
	// User is the authenticated principal, nil for anonymous sessions.
	User() auth.User
	// Language is the session default, from the handshake or config.
	Language() string

	// Subscriptions returns a snapshot of the subscription set.
	Subscriptions() []Subscription
	MarkSubscribed(sub Subscription)
	MarkLeft(sub Subscription)

	// SendWSMessage packs m as ws_outgoing and writes it to the socket.
	// A non-empty state overrides the envelope state after packing.
	// Outbound runnables are run before the write so the session's view
	// mutates together with the client's.
	SendWSMessage(ctx context.Context, m *Message, state State) error

	// SendWSError packs m as errors (s is forced to "f") and writes it.
	SendWSError(ctx context.Context, m *Message) error

	// LastJobAt and TouchLastJob track the most recent enqueue, feeding
	// the connection heartbeat throttle.
	LastJobAt() time.Time
	TouchLastJob(t time.Time)
}
