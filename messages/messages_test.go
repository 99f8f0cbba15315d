package messages_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	envelope "github.com/VoteIT/channels-envelope"
	"github.com/VoteIT/channels-envelope/auth"
	"github.com/VoteIT/channels-envelope/messages"
)

type fakeSession struct {
	mu         sync.Mutex
	sent       []*envelope.Message
	sentStates []envelope.State
}

func (s *fakeSession) ChannelName() string {
	return "chan-test"
}

func (s *fakeSession) User() auth.User {
	return nil
}

func (s *fakeSession) Language() string {
	return "en"
}

func (s *fakeSession) Subscriptions() []envelope.Subscription {
	return nil
}

func (s *fakeSession) MarkSubscribed(sub envelope.Subscription) {}

func (s *fakeSession) MarkLeft(sub envelope.Subscription) {}

func (s *fakeSession) LastJobAt() time.Time {
	return time.Time{}
}

func (s *fakeSession) TouchLastJob(t time.Time) {}

func (s *fakeSession) SendWSError(context.Context, *envelope.Message) error {
	return nil
}

func (s *fakeSession) SendWSMessage(_ context.Context, m *envelope.Message, state envelope.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	s.sentStates = append(s.sentStates, state)
	return nil
}

func newCatalog() *envelope.Catalog {
	cat := envelope.NewCatalog()
	messages.Register(cat)
	cat.Freeze()
	return cat
}

func TestRegisterPlacesMessages(t *testing.T) {
	cat := newCatalog()
	assert.Equal(t, []string{"s.ping", "s.pong"}, cat.Incoming().Registry().Names())
	assert.Equal(t,
		[]string{"progress.num", "s.batch", "s.batch2", "s.ping", "s.pong", "s.stat"},
		cat.Outgoing().Registry().Names())
	assert.Equal(t, []string{"s.pong"}, cat.Internal().Registry().Names())
}

func TestPingRepliesWithPong(t *testing.T) {
	cat := newCatalog()
	sess := &fakeSession{}

	e, err := cat.Incoming().Parse([]byte(`{"t":"s.ping","i":"a"}`))
	require.NoError(t, err)
	m, err := cat.Incoming().Unpack(e, sess)
	require.NoError(t, err)
	require.NoError(t, m.Desc.Run(context.Background(), m, sess))

	require.Len(t, sess.sent, 1)
	reply := sess.sent[0]
	assert.Equal(t, "s.pong", reply.Name())
	assert.Equal(t, "a", reply.Meta.ID)
	assert.Equal(t, envelope.StateSuccess, sess.sentStates[0])
}

func TestPongWireShape(t *testing.T) {
	cat := newCatalog()
	pong := envelope.NewMessage(messages.Pong, nil)
	pong.Meta.ID = "a"
	pong.Meta.State = envelope.StateSuccess

	e, err := cat.Outgoing().Pack(pong)
	require.NoError(t, err)
	data, err := e.Marshal()
	require.NoError(t, err)
	assert.Equal(t, `{"t":"s.pong","p":null,"i":"a","s":"s"}`, string(data))
}

func TestOutboundPingDoesNotLoop(t *testing.T) {
	sess := &fakeSession{}
	ping := envelope.NewMessage(messages.Ping, nil)
	ping.Meta.Registry = envelope.KindWSOutgoing
	require.NoError(t, ping.Desc.Run(context.Background(), ping, sess))
	assert.Empty(t, sess.sent)
}

func TestProgressPayload(t *testing.T) {
	cat := newCatalog()
	m := messages.NewProgress(1, 2, "")
	e, err := cat.Outgoing().Pack(m)
	require.NoError(t, err)
	data, err := e.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":"progress.num","p":{"curr":1,"total":2,"msg":null},"i":null,"s":null}`, string(data))
}
