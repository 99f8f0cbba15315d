package channels_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	envelope "github.com/VoteIT/channels-envelope"
	"github.com/VoteIT/channels-envelope/auth"
	"github.com/VoteIT/channels-envelope/channels"
	"github.com/VoteIT/channels-envelope/layer"
	"github.com/VoteIT/channels-envelope/layer/memlayer"
	"github.com/VoteIT/channels-envelope/sender"
	"github.com/VoteIT/channels-envelope/signals"
)

// fakeSession mimics a consumer session closely enough for handler
// tests: outbound runnables run before the frame is recorded, exactly
// as a live session applies them before the socket write.
type fakeSession struct {
	cat      *envelope.Catalog
	name     string
	user     auth.User
	language string

	subs    map[envelope.Subscription]bool
	wire    []string
	lastJob time.Time
}

func newFakeSession(cat *envelope.Catalog) *fakeSession {
	return &fakeSession{
		cat:      cat,
		name:     "c.test.1",
		user:     auth.TokenUser{ID: 7, Name: "jane"},
		language: "en",
		subs:     make(map[envelope.Subscription]bool),
	}
}

func (f *fakeSession) ChannelName() string { return f.name }
func (f *fakeSession) User() auth.User     { return f.user }
func (f *fakeSession) Language() string    { return f.language }

func (f *fakeSession) Subscriptions() []envelope.Subscription {
	out := make([]envelope.Subscription, 0, len(f.subs))
	for s := range f.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelType != out[j].ChannelType {
			return out[i].ChannelType < out[j].ChannelType
		}
		return out[i].Pk < out[j].Pk
	})
	return out
}

func (f *fakeSession) MarkSubscribed(sub envelope.Subscription) { f.subs[sub] = true }
func (f *fakeSession) MarkLeft(sub envelope.Subscription)       { delete(f.subs, sub) }

func (f *fakeSession) SendWSMessage(ctx context.Context, m *envelope.Message, state envelope.State) error {
	if m.Desc.Behavior == envelope.BehaviorRunnable && m.Desc.Run != nil {
		if err := m.Desc.Run(ctx, m, f); err != nil {
			return err
		}
	}
	if state != "" {
		m.Meta.State = state
	}
	env, err := f.cat.Outgoing().Pack(m)
	if err != nil {
		return err
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	f.wire = append(f.wire, string(raw))
	return nil
}

func (f *fakeSession) SendWSError(ctx context.Context, m *envelope.Message) error {
	env, err := f.cat.Errors().Pack(m)
	if err != nil {
		return err
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	f.wire = append(f.wire, string(raw))
	return nil
}

func (f *fakeSession) LastJobAt() time.Time     { return f.lastJob }
func (f *fakeSession) TouchLastJob(t time.Time) { f.lastJob = t }

// rig wires a catalog, a user channel type, a memory layer and the
// channel protocol together the way the server does at startup.
type rig struct {
	cat       *envelope.Catalog
	layer     *memlayer.Layer
	svc       *sender.Service
	bus       *signals.Bus
	proto     *channels.Protocol
	sess      *fakeSession
	delivered []layer.Payload
}

func newRig(t *testing.T, connect func(*signals.Bus)) *rig {
	t.Helper()
	r := &rig{}
	r.layer = memlayer.New(zerolog.Nop())
	layers := layer.NewRegistry()
	layers.Set(layer.Default, r.layer)

	reg := channels.NewRegistry()
	reg.Add(&channels.ContextChannelType{
		Name: "user",
		Fetch: func(_ context.Context, pk int64) (any, error) {
			return auth.TokenUser{ID: pk, Name: "fetched"}, nil
		},
		Permission: func(_ context.Context, u auth.User, obj any) (bool, error) {
			return u.Pk() == obj.(auth.TokenUser).Pk(), nil
		},
	})

	r.cat = envelope.NewCatalog()
	r.bus = signals.NewBus(zerolog.Nop())
	if connect != nil {
		connect(r.bus)
	}
	r.bus.Freeze()
	t.Cleanup(func() { _ = r.bus.Shutdown(context.Background()) })

	r.svc = sender.New(layers, r.cat, nil, zerolog.Nop())
	r.proto = channels.Register(r.cat, channels.Deps{
		Channels: reg,
		Layers:   layers,
		Sender:   r.svc,
		Bus:      r.bus,
	})
	r.cat.Freeze()

	r.sess = newFakeSession(r.cat)
	detach, err := r.layer.Attach(context.Background(), r.sess.name, func(p layer.Payload) {
		r.delivered = append(r.delivered, p)
	})
	require.NoError(t, err)
	t.Cleanup(detach)
	return r
}

func (r *rig) incoming(t *testing.T, raw string) *envelope.Message {
	t.Helper()
	env, err := r.cat.Incoming().Parse([]byte(raw))
	require.NoError(t, err)
	m, err := r.cat.Incoming().Unpack(env, r.sess)
	require.NoError(t, err)
	return m
}

// layerWire returns the text frames delivered to the consumer mailbox.
func (r *rig) layerWire(t *testing.T) []string {
	t.Helper()
	out := make([]string, 0, len(r.delivered))
	for _, p := range r.delivered {
		require.Equal(t, "websocket.send", p.Type())
		out = append(out, p["text_data"].(string))
	}
	return out
}

func TestSubscribeApproved(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	m := r.incoming(t, `{"t":"channel.subscribe","p":{"pk":7,"channel_type":"user"},"i":"sub1"}`)
	assert.Same(t, r.proto.Subscribe, m.Desc)

	require.NoError(t, m.Desc.PreQueue(ctx, m, r.sess))
	require.Equal(t, []string{
		`{"t":"channel.subscribed","p":{"pk":7,"channel_type":"user","channel_name":"user_7","app_state":null},"i":"sub1","s":"q"}`,
	}, r.sess.wire)
	assert.True(t, r.sess.subs[envelope.Subscription{Pk: 7, ChannelType: "user"}],
		"queued ack already marks the subscription")

	require.NoError(t, m.Desc.RunJob(ctx, m, r.sess.user))
	assert.Equal(t, []string{r.sess.name}, r.layer.Members("user_7"))

	wire := r.layerWire(t)
	require.Len(t, wire, 1)
	assert.Equal(t,
		`{"t":"channel.subscribed","p":{"pk":7,"channel_type":"user","channel_name":"user_7","app_state":null},"i":"sub1","s":"s"}`,
		wire[0])
	assert.Equal(t, true, r.delivered[0]["run_handlers"])
}

func TestSubscribeDenied(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	m := r.incoming(t, `{"t":"channel.subscribe","p":{"pk":8,"channel_type":"user"},"i":"sub1"}`)
	require.NoError(t, m.Desc.PreQueue(ctx, m, r.sess))

	err := m.Desc.RunJob(ctx, m, r.sess.user)
	require.Error(t, err)
	e, ok := envelope.AsErrorMessage(err)
	require.True(t, ok)
	assert.Equal(t, "error.subscribe", e.Desc.Name)
	assert.Empty(t, r.layer.Members("user_8"), "denied subscribe never joins the group")

	e.BackfillMeta(m.Meta)
	env, packErr := r.cat.Errors().Pack(e.Message())
	require.NoError(t, packErr)
	raw, marshalErr := env.Marshal()
	require.NoError(t, marshalErr)
	assert.Equal(t, `{"t":"error.subscribe","p":{"channel_name":"user_8"},"i":"sub1","s":"f"}`, string(raw))
}

func TestSubscribeValidation(t *testing.T) {
	r := newRig(t, nil)

	env, err := r.cat.Incoming().Parse([]byte(`{"t":"channel.subscribe","p":{"pk":7,"channel_type":"nope"},"i":"x"}`))
	require.NoError(t, err)
	_, err = r.cat.Incoming().Unpack(env, r.sess)
	var ve *envelope.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Errors, 1)
	assert.Equal(t, []string{"channel_type"}, ve.Errors[0].Loc)
	assert.Equal(t, "'nope' is not a valid channel", ve.Errors[0].Msg)
	assert.Equal(t, "value_error", ve.Errors[0].Type)

	env, err = r.cat.Incoming().Parse([]byte(`{"t":"channel.subscribe","p":{"channel_type":"user"},"i":"x"}`))
	require.NoError(t, err)
	_, err = r.cat.Incoming().Unpack(env, r.sess)
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Errors, 1)
	assert.Equal(t, []string{"pk"}, ve.Errors[0].Loc)
	assert.Equal(t, "value_error.missing", ve.Errors[0].Type)

	m := r.incoming(t, `{"t":"channel.subscribe","p":{"pk":7,"channel_type":"USER"},"i":"x"}`)
	assert.Equal(t, "user", m.Payload.(*channels.ChannelPayload).ChannelType, "channel types fold to lower case")
}

func TestListSubscriptions(t *testing.T) {
	r := newRig(t, nil)
	r.sess.subs[envelope.Subscription{Pk: 7, ChannelType: "user"}] = true

	m := r.incoming(t, `{"t":"channel.list_subscriptions","i":"ls"}`)
	require.NoError(t, m.Desc.Run(context.Background(), m, r.sess))
	require.Equal(t, []string{
		`{"t":"channel.subscriptions","p":{"subscriptions":[{"pk":7,"channel_type":"user"}]},"i":"ls","s":"s"}`,
	}, r.sess.wire)
}

func TestListSubscriptionsEmpty(t *testing.T) {
	r := newRig(t, nil)
	m := r.incoming(t, `{"t":"channel.list_subscriptions","i":"ls"}`)
	require.NoError(t, m.Desc.Run(context.Background(), m, r.sess))
	require.Equal(t, []string{
		`{"t":"channel.subscriptions","p":{"subscriptions":[]},"i":"ls","s":"s"}`,
	}, r.sess.wire)
}

func TestLeave(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.sess.subs[envelope.Subscription{Pk: 7, ChannelType: "user"}] = true
	require.NoError(t, r.layer.GroupAdd(ctx, "user_7", r.sess.name))

	m := r.incoming(t, `{"t":"channel.leave","p":{"pk":7,"channel_type":"user"},"i":"lv"}`)
	require.NoError(t, m.Desc.Run(ctx, m, r.sess))

	assert.Empty(t, r.layer.Members("user_7"))
	require.Equal(t, []string{
		`{"t":"channel.left","p":{"pk":7,"channel_type":"user"},"i":"lv","s":"s"}`,
	}, r.sess.wire)
	assert.False(t, r.sess.subs[envelope.Subscription{Pk: 7, ChannelType: "user"}],
		"unmarked as the confirmation transits out")
}

func TestSubscribedAndLeftMutateSession(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	sub := envelope.Subscription{Pk: 3, ChannelType: "user"}

	in := envelope.NewMessage(channels.Subscribed, &channels.SubscribedPayload{Pk: 3, ChannelType: "user", ChannelName: "user_3"})
	require.NoError(t, channels.Subscribed.Run(ctx, in, r.sess))
	assert.True(t, r.sess.subs[sub])

	out := envelope.NewMessage(channels.Left, &channels.ChannelPayload{Pk: 3, ChannelType: "user"})
	require.NoError(t, channels.Left.Run(ctx, out, r.sess))
	assert.False(t, r.sess.subs[sub])
}

func TestRecheckPreQueue(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.sess.subs[envelope.Subscription{Pk: 7, ChannelType: "user"}] = true
	r.sess.subs[envelope.Subscription{Pk: 9, ChannelType: "user"}] = true

	m := r.proto.NewRecheck()
	require.NoError(t, m.Desc.PreQueue(ctx, m, r.sess))
	p := m.Payload.(*channels.RecheckPayload)
	assert.Equal(t, r.sess.name, p.ConsumerName)
	assert.Equal(t, []envelope.Subscription{
		{Pk: 7, ChannelType: "user"},
		{Pk: 9, ChannelType: "user"},
	}, p.Subscriptions)
	assert.True(t, m.Desc.ShouldRun(m))

	empty := r.proto.NewRecheck()
	other := newFakeSession(r.cat)
	require.NoError(t, empty.Desc.PreQueue(ctx, empty, other))
	assert.False(t, empty.Desc.ShouldRun(empty), "nothing subscribed, nothing to recheck")
}

func TestRecheckKicksRevoked(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.sess.subs[envelope.Subscription{Pk: 7, ChannelType: "user"}] = true
	r.sess.subs[envelope.Subscription{Pk: 9, ChannelType: "user"}] = true
	require.NoError(t, r.layer.GroupAdd(ctx, "user_7", r.sess.name))
	require.NoError(t, r.layer.GroupAdd(ctx, "user_9", r.sess.name))

	m := r.proto.NewRecheck()
	require.NoError(t, m.Desc.PreQueue(ctx, m, r.sess))
	require.NoError(t, m.Desc.RunJob(ctx, m, r.sess.user))

	assert.Equal(t, []string{r.sess.name}, r.layer.Members("user_7"), "still permitted")
	assert.Empty(t, r.layer.Members("user_9"), "revoked channel discarded")

	wire := r.layerWire(t)
	require.Len(t, wire, 1)
	assert.Equal(t, `{"t":"channel.left","p":{"pk":9,"channel_type":"user"},"i":null,"s":"s"}`, wire[0])
}

func TestSubscribeCollectsAppState(t *testing.T) {
	r := newRig(t, func(b *signals.Bus) {
		b.Connect(signals.ChannelSubscribed, signals.Blocking, func(_ context.Context, event any) error {
			ev := event.(*channels.SubscribedEvent)
			ev.State.AppendEntry("s.stat", map[string]any{"num": 1})
			return nil
		})
	})
	ctx := context.Background()

	m := r.incoming(t, `{"t":"channel.subscribe","p":{"pk":7,"channel_type":"user"},"i":"a1"}`)
	require.NoError(t, m.Desc.PreQueue(ctx, m, r.sess))
	require.NoError(t, m.Desc.RunJob(ctx, m, r.sess.user))

	wire := r.layerWire(t)
	require.Len(t, wire, 1)
	assert.JSONEq(t,
		`{"t":"channel.subscribed","p":{"pk":7,"channel_type":"user","channel_name":"user_7","app_state":[{"t":"s.stat","p":{"num":1}}]},"i":"a1","s":"s"}`,
		wire[0])
}
