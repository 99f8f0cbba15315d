package userchannel_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	envelope "github.com/VoteIT/channels-envelope"
	"github.com/VoteIT/channels-envelope/app/userchannel"
	"github.com/VoteIT/channels-envelope/auth"
	"github.com/VoteIT/channels-envelope/channels"
	"github.com/VoteIT/channels-envelope/layer"
	"github.com/VoteIT/channels-envelope/layer/memlayer"
	"github.com/VoteIT/channels-envelope/signals"
)

type fakeSession struct {
	channelName string
	user        auth.User
	sent        []*envelope.Message
	states      []envelope.State
	subs        map[envelope.Subscription]struct{}
}

func (s *fakeSession) ChannelName() string { return s.channelName }
func (s *fakeSession) User() auth.User     { return s.user }
func (s *fakeSession) Language() string    { return "" }

func (s *fakeSession) Subscriptions() []envelope.Subscription {
	out := make([]envelope.Subscription, 0, len(s.subs))
	for sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

func (s *fakeSession) MarkSubscribed(sub envelope.Subscription) {
	if s.subs == nil {
		s.subs = make(map[envelope.Subscription]struct{})
	}
	s.subs[sub] = struct{}{}
}

func (s *fakeSession) MarkLeft(sub envelope.Subscription) { delete(s.subs, sub) }

func (s *fakeSession) SendWSMessage(_ context.Context, m *envelope.Message, state envelope.State) error {
	s.sent = append(s.sent, m)
	s.states = append(s.states, state)
	return nil
}

func (s *fakeSession) SendWSError(context.Context, *envelope.Message) error { return nil }

func (s *fakeSession) LastJobAt() time.Time   { return time.Time{} }
func (s *fakeSession) TouchLastJob(time.Time) {}

func newFixture(t *testing.T) (*memlayer.Layer, *channels.Registry, *signals.Bus, *channels.ContextChannelType) {
	t.Helper()
	log := zerolog.Nop()
	l := memlayer.New(log)
	layers := layer.NewRegistry()
	layers.Set(layer.Default, l)
	chreg := channels.NewRegistry()
	bus := signals.NewBus(log)
	users := auth.NewStaticDirectory(auth.TokenUser{ID: 7, Name: "jane"}, auth.TokenUser{ID: 8, Name: "sam"})
	ct := userchannel.Register(userchannel.Deps{
		Channels: chreg,
		Layers:   layers,
		Users:    users,
		Bus:      bus,
	})
	bus.Freeze()
	t.Cleanup(func() { _ = bus.Shutdown(context.Background()) })
	return l, chreg, bus, ct
}

func TestRegisterAddsChannelType(t *testing.T) {
	_, chreg, _, ct := newFixture(t)
	got, ok := chreg.Get("user")
	require.True(t, ok)
	assert.Same(t, ct, got)
	assert.Equal(t, "user_7", ct.ChannelName(7))
}

func TestAutoSubscribeOnConnect(t *testing.T) {
	l, _, bus, _ := newFixture(t)
	ctx := context.Background()
	sess := &fakeSession{channelName: "c.one", user: auth.TokenUser{ID: 7, Name: "jane"}}

	require.NoError(t, bus.Send(ctx, signals.ConsumerConnected, &envelope.ConnectedEvent{Session: sess}))
	assert.Equal(t, []string{"c.one"}, l.Members("user_7"))

	require.Len(t, sess.sent, 1)
	assert.Equal(t, "channel.subscribed", sess.sent[0].Name())
	assert.Equal(t, envelope.StateSuccess, sess.states[0])
	p := sess.sent[0].Payload.(*channels.SubscribedPayload)
	assert.Equal(t, int64(7), p.Pk)
	assert.Equal(t, "user", p.ChannelType)
	assert.Equal(t, "user_7", p.ChannelName)

	require.NoError(t, bus.Send(ctx, signals.ConsumerClosed, &envelope.ClosedEvent{Session: sess, CloseCode: 1000}))
	assert.Empty(t, l.Members("user_7"))
}

func TestAnonymousSessionsSkipped(t *testing.T) {
	l, _, bus, _ := newFixture(t)
	ctx := context.Background()
	sess := &fakeSession{channelName: "c.anon"}

	require.NoError(t, bus.Send(ctx, signals.ConsumerConnected, &envelope.ConnectedEvent{Session: sess}))
	assert.Empty(t, l.Members("user_0"))
	assert.Empty(t, sess.sent)
	require.NoError(t, bus.Send(ctx, signals.ConsumerClosed, &envelope.ClosedEvent{Session: sess}))
}

func TestSubscribeOnlyToOwnChannel(t *testing.T) {
	_, _, _, ct := newFixture(t)
	ctx := context.Background()
	jane := auth.TokenUser{ID: 7, Name: "jane"}

	allowed, err := ct.Channel(7, "c.one").AllowSubscribe(ctx, jane)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = ct.Channel(8, "c.one").AllowSubscribe(ctx, jane)
	require.NoError(t, err)
	assert.False(t, allowed)

	_, err = ct.Channel(99, "c.one").AllowSubscribe(ctx, jane)
	e, ok := envelope.AsErrorMessage(err)
	require.True(t, ok, "unknown pk should become an error message")
	assert.Equal(t, "error.not_found", e.Desc.Name)
	assert.Equal(t, "user", e.Payload.(*envelope.NotFoundErrorPayload).Model)
}
