// Package layer defines the channel layer contract: named message buses
// that move envelope payloads between consumer sessions and the rest of
// the process, or between processes when a networked backend is used.
//
// A payload is a flat dict with a "type" key. The type value is a routing
// tag ("websocket.send", "ws.error.send", "internal.msg") that selects the
// session-side handler. Backends must preserve it verbatim.
package layer

import (
	"context"
	"fmt"
	"sync"
)

// TypeKey is the routing tag key present on every layer payload.
const TypeKey = "type"

// Default is the name of the default layer in a Registry.
const Default = "default"

// Payload is the unit of transfer over a channel layer.
type Payload map[string]any

// Type returns the routing tag, or "" when absent or not a string.
func (p Payload) Type() string {
	t, _ := p[TypeKey].(string)
	return t
}

// DeliverFunc receives payloads addressed to an attached channel. It is
// called from the sender's goroutine and must not block; slow receivers
// should buffer internally and drop on overflow.
type DeliverFunc func(p Payload)

// Layer is the send side of a channel layer. Implementations must be safe
// for concurrent use.
type Layer interface {
	// Send delivers p to the single channel channelName. Sending to a
	// channel with no live receiver is not an error; the payload is
	// dropped.
	Send(ctx context.Context, channelName string, p Payload) error

	// GroupSend delivers p to every channel currently in the group.
	GroupSend(ctx context.Context, group string, p Payload) error

	// GroupAdd joins channelName to the group. Adding twice is a no-op.
	GroupAdd(ctx context.Context, group, channelName string) error

	// GroupDiscard removes channelName from the group. Discarding a
	// channel that is not a member is a no-op.
	GroupDiscard(ctx context.Context, group, channelName string) error
}

// Attacher is the receive side: sessions attach their channel name to
// start receiving payloads. The returned detach func releases the channel
// and any group memberships held for it.
type Attacher interface {
	Attach(ctx context.Context, channelName string, deliver DeliverFunc) (detach func(), err error)
}

// SessionLayer is what a consumer session needs from a backend.
type SessionLayer interface {
	Layer
	Attacher
}

// Registry holds named layers. It is populated during startup wiring and
// read-only afterwards.
type Registry struct {
	mu     sync.RWMutex
	layers map[string]SessionLayer
}

func NewRegistry() *Registry {
	return &Registry{layers: make(map[string]SessionLayer)}
}

// Set registers l under name, replacing any previous entry.
func (r *Registry) Set(name string, l SessionLayer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layers[name] = l
}

// Get returns the layer registered under name.
func (r *Registry) Get(name string) (SessionLayer, error) {
	if name == "" {
		name = Default
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.layers[name]
	if !ok {
		return nil, fmt.Errorf("no channel layer named %q", name)
	}
	return l, nil
}
