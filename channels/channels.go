// Package channels layers named pub/sub channels over the message
// fabric. A plain PubSubChannel is a broadcast group anyone may publish
// to from server code. A ContextChannel ties a channel to one stored
// object and gates subscribe commands on a permission check against it.
package channels

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	envelope "github.com/VoteIT/channels-envelope"
	"github.com/VoteIT/channels-envelope/auth"
	"github.com/VoteIT/channels-envelope/layer"
	"github.com/VoteIT/channels-envelope/sender"
)

// Entity is anything a context channel can be built from without a
// fetch. auth.User satisfies it.
type Entity interface {
	Pk() int64
}

// FetchFunc loads the object a context channel is about. Returning an
// error marks the object as gone; plain errors are wrapped into
// error.not_found, envelope errors pass through as-is.
type FetchFunc func(ctx context.Context, pk int64) (any, error)

// PermissionFunc decides whether u may subscribe to the channel about
// obj. obj is the value Fetch returned.
type PermissionFunc func(ctx context.Context, u auth.User, obj any) (bool, error)

// PubSubChannel is a broadcast channel with a fixed name, typically a
// package-level var. It has no permission model of its own; joining is
// up to whoever holds a layer reference.
type PubSubChannel struct {
	Name string
	// KindName picks the envelope kind publishes travel under,
	// ws_outgoing when empty.
	KindName string
	// LayerName picks the layer for group membership, the default layer
	// when empty.
	LayerName string
}

func (c *PubSubChannel) ChannelName() string { return c.Name }

// Join adds a consumer channel to the group.
func (c *PubSubChannel) Join(ctx context.Context, l layer.Layer, consumerChannel string) error {
	if consumerChannel == "" {
		return fmt.Errorf("join %s: no consumer channel", c.Name)
	}
	return l.GroupAdd(ctx, c.Name, consumerChannel)
}

// Leave removes a consumer channel from the group.
func (c *PubSubChannel) Leave(ctx context.Context, l layer.Layer, consumerChannel string) error {
	if consumerChannel == "" {
		return fmt.Errorf("leave %s: no consumer channel", c.Name)
	}
	return l.GroupDiscard(ctx, c.Name, consumerChannel)
}

// Publish sends m to every subscriber right away, ignoring any unit of
// work on ctx.
func (c *PubSubChannel) Publish(ctx context.Context, svc *sender.Service, m *envelope.Message) error {
	return publish(ctx, svc, m, c.KindName, c.Name, true)
}

// SyncPublish sends m to every subscriber, delayed until commit when a
// unit of work is on ctx.
func (c *PubSubChannel) SyncPublish(ctx context.Context, svc *sender.Service, m *envelope.Message) error {
	return publish(ctx, svc, m, c.KindName, c.Name, false)
}

func publish(ctx context.Context, svc *sender.Service, m *envelope.Message, kindName, channelName string, immediate bool) error {
	opts := []sender.SendOption{sender.ToGroup(channelName)}
	if kindName != "" {
		k := svc.Catalog().Kind(kindName)
		if k == nil {
			return fmt.Errorf("publish %s: unknown envelope kind %q", m.Name(), kindName)
		}
		opts = append(opts, sender.ViaKind(k))
	}
	if immediate {
		opts = append(opts, sender.Immediate())
	}
	return svc.WebsocketSend(ctx, m, opts...)
}

// ContextChannelType describes a family of channels keyed by object pk:
// the channel_type wire value, how to load the object, and who may
// subscribe. Types are registered once at startup.
type ContextChannelType struct {
	// Name is the registry key and the channel_type value on the wire.
	// Must be lower case.
	Name string
	// Model labels not-found errors for this type; Name when empty.
	Model string
	// KindName and LayerName as on PubSubChannel.
	KindName  string
	LayerName string

	Fetch FetchFunc
	// Permission gates subscribe commands. When nil any authenticated
	// user may subscribe; anonymous sessions are always denied.
	Permission PermissionFunc
}

// ChannelName returns the layer group name for one object.
func (t *ContextChannelType) ChannelName(pk int64) string {
	return fmt.Sprintf("%s_%d", t.Name, pk)
}

func (t *ContextChannelType) model() string {
	if t.Model != "" {
		return t.Model
	}
	return t.Name
}

// Channel binds the type to one pk. consumerChannel addresses replies
// and group membership; it may be empty for publish-only use.
func (t *ContextChannelType) Channel(pk int64, consumerChannel string) *ContextChannel {
	return &ContextChannel{Type: t, Pk: pk, ConsumerChannel: consumerChannel}
}

// FromInstance binds the type to an already loaded object, skipping the
// fetch.
func (t *ContextChannelType) FromInstance(e Entity, consumerChannel string) *ContextChannel {
	c := t.Channel(e.Pk(), consumerChannel)
	c.obj, c.fetched = e, true
	return c
}

// ContextChannel is one channel instance: a type plus a pk, usually
// built per command.
type ContextChannel struct {
	Type            *ContextChannelType
	Pk              int64
	ConsumerChannel string

	obj     any
	fetched bool
}

func (c *ContextChannel) ChannelName() string { return c.Type.ChannelName(c.Pk) }

// Context returns the object the channel is about, fetching it at most
// once. A failed fetch becomes error.not_found addressed to the
// consumer channel.
func (c *ContextChannel) Context(ctx context.Context) (any, error) {
	if c.fetched {
		return c.obj, nil
	}
	if c.Type.Fetch == nil {
		c.fetched = true
		return nil, nil
	}
	obj, err := c.Type.Fetch(ctx, c.Pk)
	if err != nil {
		if _, ok := envelope.AsErrorMessage(err); ok {
			return nil, err
		}
		e := envelope.ErrNotFound(c.Type.model(), "pk", strconv.FormatInt(c.Pk, 10))
		e.Meta.ConsumerName = c.ConsumerChannel
		return nil, e
	}
	c.obj, c.fetched = obj, true
	return obj, nil
}

// AllowSubscribe reports whether u may join the channel. Anonymous
// sessions are always denied; beyond that the type's permission func
// decides, with nil meaning any authenticated user.
func (c *ContextChannel) AllowSubscribe(ctx context.Context, u auth.User) (bool, error) {
	if !auth.Authenticated(u) {
		return false, nil
	}
	if c.Type.Permission == nil {
		return true, nil
	}
	obj, err := c.Context(ctx)
	if err != nil {
		return false, err
	}
	if obj == nil {
		return false, nil
	}
	return c.Type.Permission(ctx, u, obj)
}

// Subscribe adds the consumer channel to the group. Permission is not
// enforced here; call AllowSubscribe first.
func (c *ContextChannel) Subscribe(ctx context.Context, l layer.Layer) error {
	if c.ConsumerChannel == "" {
		return fmt.Errorf("subscribe %s: no consumer channel", c.ChannelName())
	}
	return l.GroupAdd(ctx, c.ChannelName(), c.ConsumerChannel)
}

// Leave removes the consumer channel from the group.
func (c *ContextChannel) Leave(ctx context.Context, l layer.Layer) error {
	if c.ConsumerChannel == "" {
		return fmt.Errorf("leave %s: no consumer channel", c.ChannelName())
	}
	return l.GroupDiscard(ctx, c.ChannelName(), c.ConsumerChannel)
}

// Publish sends m to every subscriber of this object's channel right
// away.
func (c *ContextChannel) Publish(ctx context.Context, svc *sender.Service, m *envelope.Message) error {
	return publish(ctx, svc, m, c.Type.KindName, c.ChannelName(), true)
}

// SyncPublish sends m to every subscriber, delayed until commit when a
// unit of work is on ctx.
func (c *ContextChannel) SyncPublish(ctx context.Context, svc *sender.Service, m *envelope.Message) error {
	return publish(ctx, svc, m, c.Type.KindName, c.ChannelName(), false)
}

// StateEntry is one application state row in a subscribed reply: a
// message type tag and its payload.
type StateEntry struct {
	T string `json:"t"`
	P any    `json:"p"`
}

// AppState collects the messages listeners want a fresh subscriber to
// see, in listener order. There is no size cap; keeping snapshots lean
// is the listeners' contract, and anything bulky belongs in its own
// message after the subscribe settles.
type AppState struct {
	mu      sync.Mutex
	entries []StateEntry
}

// Append records an outgoing message as a state row.
func (s *AppState) Append(m *envelope.Message) {
	s.AppendEntry(m.Name(), m.Payload)
}

// AppendEntry records a raw tag and payload.
func (s *AppState) AppendEntry(t string, p any) {
	s.mu.Lock()
	s.entries = append(s.entries, StateEntry{T: t, P: p})
	s.mu.Unlock()
}

// Entries returns the collected rows, nil when nothing was appended so
// the wire shows app_state as null.
func (s *AppState) Entries() []StateEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil
	}
	out := make([]StateEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *AppState) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SubscribedEvent is what the channel subscribed signal carries.
// Blocking listeners run before the subscribed reply is sent and may
// append to State; Context is the fetched object, nil for types without
// a fetch.
type SubscribedEvent struct {
	Channel *ContextChannel
	Context any
	User    auth.User
	State   *AppState
}

// Registry maps channel_type wire values to their types. Types are
// added during startup wiring and the registry is frozen before the
// first connection.
type Registry struct {
	mu     sync.RWMutex
	frozen bool
	types  map[string]*ContextChannelType
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*ContextChannelType)}
}

// Add registers a channel type. Panics on a duplicate or non-lowercase
// name, or after Freeze; channel types are startup configuration.
func (r *Registry) Add(t *ContextChannelType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("channels: Add(%s) after Freeze", t.Name))
	}
	if t.Name == "" {
		panic("channels: channel type name required")
	}
	for _, c := range t.Name {
		if c >= 'A' && c <= 'Z' {
			panic(fmt.Sprintf("channels: channel type %q must be lower case", t.Name))
		}
	}
	if _, dup := r.types[t.Name]; dup {
		panic(fmt.Sprintf("channels: channel type %q already registered", t.Name))
	}
	r.types[t.Name] = t
}

// Get returns the named type.
func (r *Registry) Get(name string) (*ContextChannelType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Names returns the registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Freeze ends registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}
