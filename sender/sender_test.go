package sender_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	envelope "github.com/VoteIT/channels-envelope"
	"github.com/VoteIT/channels-envelope/layer"
	"github.com/VoteIT/channels-envelope/messages"
	"github.com/VoteIT/channels-envelope/sender"
)

type tickPayload struct {
	Seq int `json:"seq"`
}

var tickDesc = &envelope.Descriptor{
	Name:       "feed.tick",
	Behavior:   envelope.BehaviorPlain,
	NewPayload: func() any { return new(tickPayload) },
}

// recLayer records every delivery in arrival order.
type recLayer struct {
	mu    sync.Mutex
	sends []recSend
}

type recSend struct {
	channel string
	group   bool
	payload layer.Payload
}

func (l *recLayer) Send(_ context.Context, channelName string, p layer.Payload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sends = append(l.sends, recSend{channel: channelName, payload: p})
	return nil
}

func (l *recLayer) GroupSend(_ context.Context, group string, p layer.Payload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sends = append(l.sends, recSend{channel: group, group: true, payload: p})
	return nil
}

func (l *recLayer) GroupAdd(context.Context, string, string) error     { return nil }
func (l *recLayer) GroupDiscard(context.Context, string, string) error { return nil }

func (l *recLayer) Attach(context.Context, string, layer.DeliverFunc) (func(), error) {
	return func() {}, nil
}

func (l *recLayer) all() []recSend {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recSend(nil), l.sends...)
}

func newService(t *testing.T, batches sender.BatchFactory) (*sender.Service, *recLayer) {
	t.Helper()
	rec := &recLayer{}
	layers := layer.NewRegistry()
	layers.Set(layer.Default, rec)

	cat := envelope.NewCatalog()
	messages.Register(cat)
	cat.Outgoing().Register(tickDesc)
	cat.Freeze()

	return sender.New(layers, cat, batches, zerolog.Nop()), rec
}

func tick(seq int, id string) *envelope.Message {
	m := envelope.NewMessage(tickDesc, &tickPayload{Seq: seq})
	m.Meta.ID = id
	return m
}

func TestWebsocketSendImmediate(t *testing.T) {
	svc, rec := newService(t, messages.ListBatchFactory{})

	err := svc.WebsocketSend(context.Background(), tick(1, "t1"),
		sender.ToChannel("c.abc"), sender.WithState(envelope.StateSuccess))
	require.NoError(t, err)

	sends := rec.all()
	require.Len(t, sends, 1)
	assert.Equal(t, "c.abc", sends[0].channel)
	assert.False(t, sends[0].group)
	assert.Equal(t, "websocket.send", sends[0].payload.Type())
	assert.JSONEq(t, `{"t":"feed.tick","p":{"seq":1},"i":"t1","s":"s"}`, sends[0].payload["text_data"].(string))
}

func TestWebsocketSendToGroup(t *testing.T) {
	svc, rec := newService(t, messages.ListBatchFactory{})

	require.NoError(t, svc.WebsocketSend(context.Background(), tick(1, ""), sender.ToGroup("room_1")))

	sends := rec.all()
	require.Len(t, sends, 1)
	assert.True(t, sends[0].group)
	assert.Equal(t, "room_1", sends[0].channel)
}

func TestWebsocketSendWithoutDestination(t *testing.T) {
	svc, rec := newService(t, messages.ListBatchFactory{})

	err := svc.WebsocketSend(context.Background(), tick(1, ""))
	require.Error(t, err)
	assert.Empty(t, rec.all())
}

func TestUnitOfWorkBuffersUntilCommit(t *testing.T) {
	svc, rec := newService(t, messages.ListBatchFactory{})
	ctx, uow := svc.Begin(context.Background())

	require.NoError(t, svc.WebsocketSend(ctx, tick(1, "a"), sender.ToChannel("c.abc")))
	require.NoError(t, svc.WebsocketSend(ctx, tick(2, "b"), sender.ToChannel("c.abc")))

	assert.Empty(t, rec.all())
	assert.Equal(t, 2, uow.Pending())

	require.NoError(t, uow.Commit(ctx))

	sends := rec.all()
	require.Len(t, sends, 2)
	// Two adjacent sends stay below the batching threshold.
	assert.JSONEq(t, `{"t":"feed.tick","p":{"seq":1},"i":"a","s":null}`, sends[0].payload["text_data"].(string))
	assert.JSONEq(t, `{"t":"feed.tick","p":{"seq":2},"i":"b","s":null}`, sends[1].payload["text_data"].(string))
}

func TestCommitBatchesRunsOfThree(t *testing.T) {
	svc, rec := newService(t, messages.ListBatchFactory{})
	ctx, uow := svc.Begin(context.Background())

	for i := 1; i <= 3; i++ {
		require.NoError(t, svc.WebsocketSend(ctx, tick(i, fmt.Sprintf("b%d", i)),
			sender.ToChannel("c.abc"), sender.WithState(envelope.StateSuccess)))
	}
	require.NoError(t, uow.Commit(ctx))

	sends := rec.all()
	require.Len(t, sends, 1)
	// The batch rides on the meta of the first message in the run.
	assert.JSONEq(t, `{
		"t": "s.batch",
		"p": {"t": "feed.tick", "payloads": [{"seq":1},{"seq":2},{"seq":3}]},
		"i": "b1",
		"s": "s"
	}`, sends[0].payload["text_data"].(string))
}

func TestCommitBatchesTabular(t *testing.T) {
	svc, rec := newService(t, messages.TableBatchFactory{})
	ctx, uow := svc.Begin(context.Background())

	for i := 1; i <= 3; i++ {
		require.NoError(t, svc.WebsocketSend(ctx, tick(i, ""), sender.ToChannel("c.abc")))
	}
	require.NoError(t, uow.Commit(ctx))

	sends := rec.all()
	require.Len(t, sends, 1)
	assert.JSONEq(t, `{
		"t": "s.batch2",
		"p": {"t": "feed.tick", "common": null, "keys": ["seq"], "values": [[1],[2],[3]]},
		"i": null,
		"s": null
	}`, sends[0].payload["text_data"].(string))
}

func TestInterleavedDestinationsDoNotCoalesce(t *testing.T) {
	svc, rec := newService(t, messages.ListBatchFactory{})
	ctx, uow := svc.Begin(context.Background())

	order := []string{"c.one", "c.two", "c.one", "c.two", "c.one"}
	for i, ch := range order {
		require.NoError(t, svc.WebsocketSend(ctx, tick(i, ""), sender.ToChannel(ch)))
	}
	require.NoError(t, uow.Commit(ctx))

	sends := rec.all()
	require.Len(t, sends, 5)
	for i, s := range sends {
		assert.Equal(t, order[i], s.channel)
		assert.Contains(t, s.payload["text_data"].(string), `"t":"feed.tick"`)
	}
}

func TestErrorsBypassOpenTransaction(t *testing.T) {
	svc, rec := newService(t, messages.ListBatchFactory{})
	ctx, uow := svc.Begin(context.Background())

	errMsg := envelope.ErrGeneric("boom").Message()
	errMsg.Meta.ID = "e1"
	require.NoError(t, svc.WebsocketSendError(ctx, errMsg, "c.abc"))

	sends := rec.all()
	require.Len(t, sends, 1)
	assert.Equal(t, "ws.error.send", sends[0].payload.Type())
	assert.JSONEq(t, `{"t":"error.generic","p":{"msg":"boom"},"i":"e1","s":"f"}`, sends[0].payload["text_data"].(string))
	assert.Zero(t, uow.Pending())

	require.NoError(t, uow.Commit(ctx))
	assert.Len(t, rec.all(), 1)
}

func TestWebsocketSendDeliversErrorsImmediately(t *testing.T) {
	svc, rec := newService(t, messages.ListBatchFactory{})
	ctx, _ := svc.Begin(context.Background())

	errMsg := envelope.ErrBadRequest("nope").Message()
	err := svc.WebsocketSend(ctx, errMsg, sender.ToChannel("c.abc"), sender.ViaKind(svc.Catalog().Errors()))
	require.NoError(t, err)

	sends := rec.all()
	require.Len(t, sends, 1)
	assert.Equal(t, "ws.error.send", sends[0].payload.Type())
}

func TestInternalSendWaitsForCommit(t *testing.T) {
	svc, rec := newService(t, messages.ListBatchFactory{})
	ctx, uow := svc.Begin(context.Background())

	require.NoError(t, svc.InternalSend(ctx, envelope.NewMessage(messages.Pong, nil), sender.ToChannel("c.one")))
	require.NoError(t, svc.WebsocketSend(ctx, tick(1, ""), sender.ToChannel("c.one")))
	assert.Empty(t, rec.all())

	require.NoError(t, uow.Commit(ctx))

	sends := rec.all()
	require.Len(t, sends, 2)
	// Commit runs hooks in registration order; the internal send came
	// first here.
	assert.Equal(t, "internal.msg", sends[0].payload.Type())
	assert.Equal(t, "s.pong", sends[0].payload["t"])
	assert.Equal(t, "websocket.send", sends[1].payload.Type())
}

func TestRollbackDropsBufferedSends(t *testing.T) {
	svc, rec := newService(t, messages.ListBatchFactory{})
	ctx, uow := svc.Begin(context.Background())

	require.NoError(t, svc.WebsocketSend(ctx, tick(1, ""), sender.ToChannel("c.abc")))
	require.NoError(t, svc.InternalSend(ctx, envelope.NewMessage(messages.Pong, nil), sender.ToChannel("c.abc")))

	uow.Rollback()
	require.NoError(t, uow.Commit(ctx))
	assert.Empty(t, rec.all())
}

func TestNilFactoryFallsBackToSingles(t *testing.T) {
	svc, rec := newService(t, nil)
	ctx, uow := svc.Begin(context.Background())

	for i := 1; i <= 3; i++ {
		require.NoError(t, svc.WebsocketSend(ctx, tick(i, ""), sender.ToChannel("c.abc")))
	}
	require.NoError(t, uow.Commit(ctx))
	assert.Len(t, rec.all(), 3)
}
