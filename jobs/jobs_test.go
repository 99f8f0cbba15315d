package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	envelope "github.com/VoteIT/channels-envelope"
	"github.com/VoteIT/channels-envelope/auth"
	"github.com/VoteIT/channels-envelope/layer"
	"github.com/VoteIT/channels-envelope/layer/memlayer"
	"github.com/VoteIT/channels-envelope/queue"
	"github.com/VoteIT/channels-envelope/sender"
	"github.com/VoteIT/channels-envelope/signals"
	"github.com/VoteIT/channels-envelope/store"
	"github.com/VoteIT/channels-envelope/store/memstore"
)

const consumerName = "c.jobs.1"

type notePayload struct {
	Note string `json:"note"`
}

var noteDone = &envelope.Descriptor{
	Name:       "note.done",
	Behavior:   envelope.BehaviorPlain,
	NewPayload: func() any { return new(notePayload) },
}

// fakeBackend records enqueued jobs instead of running them.
type fakeBackend struct {
	mu   sync.Mutex
	jobs []*queue.Job
}

func (b *fakeBackend) Enqueue(_ context.Context, job *queue.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = append(b.jobs, job)
	return nil
}

func (b *fakeBackend) Run(ctx context.Context, _ queue.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBackend) pop(t *testing.T) *queue.Job {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.jobs, "no job enqueued")
	job := b.jobs[0]
	b.jobs = b.jobs[1:]
	return job
}

func (b *fakeBackend) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}

type fakeSession struct {
	name    string
	user    auth.User
	lang    string
	lastJob time.Time
}

func (s *fakeSession) ChannelName() string { return s.name }
func (s *fakeSession) User() auth.User     { return s.user }
func (s *fakeSession) Language() string    { return s.lang }

func (s *fakeSession) Subscriptions() []envelope.Subscription { return nil }
func (s *fakeSession) MarkSubscribed(envelope.Subscription)   {}
func (s *fakeSession) MarkLeft(envelope.Subscription)         {}

func (s *fakeSession) SendWSMessage(context.Context, *envelope.Message, envelope.State) error {
	return nil
}

func (s *fakeSession) SendWSError(context.Context, *envelope.Message) error { return nil }

func (s *fakeSession) LastJobAt() time.Time     { return s.lastJob }
func (s *fakeSession) TouchLastJob(t time.Time) { s.lastJob = t }

// rig wires a queuer and runner around one registered job message. The
// run hook is set per test.
type rig struct {
	cat     *envelope.Catalog
	svc     *sender.Service
	st      *memstore.Store
	backend *fakeBackend
	queuer  *Queuer
	runner  *Runner
	wire    chan layer.Payload
	run     envelope.RunJobFunc
}

func newRig(t *testing.T) *rig {
	t.Helper()
	log := zerolog.Nop()
	r := &rig{
		backend: &fakeBackend{},
		wire:    make(chan layer.Payload, 8),
	}

	l := memlayer.New(log)
	layers := layer.NewRegistry()
	layers.Set(layer.Default, l)
	detach, err := l.Attach(context.Background(), consumerName, func(p layer.Payload) { r.wire <- p })
	require.NoError(t, err)
	t.Cleanup(detach)

	r.cat = envelope.NewCatalog()
	r.cat.Incoming().Register(&envelope.Descriptor{
		Name:       "note.process",
		Behavior:   envelope.BehaviorJob,
		NewPayload: func() any { return new(notePayload) },
		RunJob: func(ctx context.Context, m *envelope.Message, u auth.User) error {
			if r.run == nil {
				return nil
			}
			return r.run(ctx, m, u)
		},
	})
	r.cat.Outgoing().Register(noteDone)
	r.cat.Freeze()

	r.svc = sender.New(layers, r.cat, nil, log)
	r.st = memstore.New()

	queues := queue.NewRegistry()
	queues.Set(queue.Default, r.backend)
	r.queuer = NewQueuer(queues, log)
	r.runner = NewRunner(RunnerDeps{
		Catalog: r.cat,
		Sender:  r.svc,
		Users:   auth.NewStaticDirectory(auth.TokenUser{ID: 7, Name: "jane"}),
		Store:   r.st,
	}, log)
	return r
}

var enqueuedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func (r *rig) noteRequest(t *testing.T, note string) envelope.JobRequest {
	t.Helper()
	payload, err := json.Marshal(notePayload{Note: note})
	require.NoError(t, err)
	return envelope.JobRequest{
		Tag:     "note.process",
		Queue:   queue.Default,
		TTL:     20 * time.Second,
		Timeout: 20 * time.Second,
		Payload: payload,
		Meta: envelope.MessageMeta{
			ID:           "job1",
			UserPk:       7,
			ConsumerName: consumerName,
			Language:     "sv",
			Registry:     envelope.KindWSIncoming,
		},
		EnqueuedAt: enqueuedAt,
	}
}

func (r *rig) enqueueNote(t *testing.T, note string) *queue.Job {
	t.Helper()
	require.NoError(t, r.queuer.Enqueue(context.Background(), r.noteRequest(t, note)))
	return r.backend.pop(t)
}

func (r *rig) wireText(t *testing.T, wantType string) string {
	t.Helper()
	select {
	case p := <-r.wire:
		require.Equal(t, wantType, p.Type())
		text, ok := p["text_data"].(string)
		require.True(t, ok)
		return text
	default:
		t.Fatal("nothing delivered to the consumer channel")
		return ""
	}
}

func TestQueuerCopiesJobFields(t *testing.T) {
	r := newRig(t)
	req := r.noteRequest(t, "hi")
	job := r.enqueueNote(t, "hi")

	assert.Equal(t, "note.process", job.Tag)
	assert.Equal(t, queue.Default, job.Queue)
	assert.Equal(t, 20*time.Second, job.TTL)
	assert.Equal(t, 20*time.Second, job.Timeout)
	assert.Equal(t, enqueuedAt, job.EnqueuedAt)
	assert.NotEmpty(t, job.ID)

	var got envelope.JobRequest
	require.NoError(t, json.Unmarshal(job.Args, &got))
	assert.Equal(t, req, got)
}

func TestMessageJobRunsWithUserAndLanguage(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	var gotUser auth.User
	var gotLang string
	r.run = func(ctx context.Context, m *envelope.Message, u auth.User) error {
		gotUser = u
		gotLang = envelope.LanguageFrom(ctx)
		p := m.Payload.(*notePayload)
		return r.svc.WebsocketSend(ctx, m.Reply(noteDone, &notePayload{Note: p.Note}))
	}

	job := r.enqueueNote(t, "hi")
	require.NoError(t, r.runner.Handle(ctx, job))

	require.NotNil(t, gotUser)
	assert.Equal(t, int64(7), gotUser.Pk())
	assert.Equal(t, "sv", gotLang)

	text := r.wireText(t, "websocket.send")
	assert.Equal(t, `{"t":"note.done","p":{"note":"hi"},"i":"job1","s":null}`, text)

	// Success stamps the connection with the enqueue time.
	conn, err := r.st.Get(ctx, 7, consumerName)
	require.NoError(t, err)
	assert.Equal(t, enqueuedAt, conn.LastAction)
}

func TestMessageJobErrorRouted(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.run = func(context.Context, *envelope.Message, auth.User) error {
		return envelope.ErrNotFound("note", "pk", "9")
	}

	job := r.enqueueNote(t, "hi")
	// A routed error message consumes the failure.
	require.NoError(t, r.runner.Handle(ctx, job))

	text := r.wireText(t, "ws.error.send")
	assert.Equal(t, `{"t":"error.not_found","p":{"model":"note","key":"pk","value":"9"},"i":"job1","s":"f"}`, text)

	// No success, no connection touch.
	_, err := r.st.Get(ctx, 7, consumerName)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMessageJobRollbackDiscardsBufferedSends(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	boom := errors.New("boom")
	r.run = func(ctx context.Context, m *envelope.Message, _ auth.User) error {
		if err := r.svc.WebsocketSend(ctx, m.Reply(noteDone, &notePayload{Note: "never"})); err != nil {
			return err
		}
		return boom
	}

	job := r.enqueueNote(t, "hi")
	err := r.runner.Handle(ctx, job)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, r.wire, "buffered send must not survive the rollback")

	r.runner.HandleFailure(job, err)
	text := r.wireText(t, "ws.error.send")
	assert.Equal(t, `{"t":"error.job","p":{"msg":"boom"},"i":"job1","s":"f"}`, text)
}

func TestMessageJobUnknownUserFails(t *testing.T) {
	r := newRig(t)
	r.runner = NewRunner(RunnerDeps{
		Catalog: r.cat,
		Sender:  r.svc,
		Users:   auth.NewStaticDirectory(),
		Store:   r.st,
	}, zerolog.Nop())

	job := r.enqueueNote(t, "hi")
	err := r.runner.Handle(context.Background(), job)
	assert.ErrorIs(t, err, auth.ErrUnknownUser)
}

func TestConnectAndCloseJobs(t *testing.T) {
	ctx := context.Background()
	log := zerolog.Nop()
	backend := &fakeBackend{}
	queues := queue.NewRegistry()
	queues.Set(queue.Default, backend)
	hk := NewHousekeeping(queues, queue.Default, queue.Default, log)

	events := make(chan *ConnectionEvent, 2)
	bus := signals.NewBus(log)
	collect := func(_ context.Context, event any) error {
		events <- event.(*ConnectionEvent)
		return nil
	}
	bus.Connect(signals.ConnectionCreated, signals.Cooperative, collect)
	bus.Connect(signals.ConnectionClosed, signals.Cooperative, collect)
	bus.Freeze()
	t.Cleanup(func() { _ = bus.Shutdown(context.Background()) })

	st := memstore.New()
	runner := NewRunner(RunnerDeps{
		Users: auth.NewStaticDirectory(auth.TokenUser{ID: 7, Name: "jane"}),
		Store: st,
		Bus:   bus,
	}, log)

	sess := &fakeSession{name: "c.hk.1", user: auth.TokenUser{ID: 7, Name: "jane"}, lang: "sv"}
	require.NoError(t, hk.ConsumerConnected(ctx, sess))
	assert.False(t, sess.LastJobAt().IsZero(), "connect enqueue must reset the job clock")

	job := backend.pop(t)
	assert.Equal(t, TagConnect, job.Tag)
	require.NoError(t, runner.Handle(ctx, job))

	conn, err := st.Get(ctx, 7, "c.hk.1")
	require.NoError(t, err)
	assert.True(t, conn.Online)
	assert.False(t, conn.OnlineAt.IsZero())
	assert.Equal(t, conn.OnlineAt, conn.LastAction)

	ev := <-events
	assert.Equal(t, int64(7), ev.UserPk)
	assert.Equal(t, "jane", ev.User.DisplayName())
	assert.Equal(t, "c.hk.1", ev.ConsumerName)
	assert.Equal(t, "sv", ev.Language)
	assert.True(t, ev.Connection.Online)

	require.NoError(t, hk.ConsumerClosed(ctx, sess, 4001))
	job = backend.pop(t)
	assert.Equal(t, TagClose, job.Tag)
	require.NoError(t, runner.Handle(ctx, job))

	conn, err = st.Get(ctx, 7, "c.hk.1")
	require.NoError(t, err)
	assert.False(t, conn.Online)
	assert.False(t, conn.OfflineAt.IsZero())

	ev = <-events
	assert.Equal(t, 4001, ev.CloseCode)
	assert.False(t, ev.Connection.Online)
}

func TestPresenceSkipsAnonymousAndDisabled(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	queues := queue.NewRegistry()
	queues.Set(queue.Default, backend)

	hk := NewHousekeeping(queues, queue.Default, queue.Default, zerolog.Nop())
	anon := &fakeSession{name: "c.anon"}
	require.NoError(t, hk.ConsumerConnected(ctx, anon))
	require.NoError(t, hk.ConsumerClosed(ctx, anon, 1000))
	require.NoError(t, hk.UpdateConnection(ctx, anon, time.Minute))
	assert.Zero(t, backend.size())
	assert.True(t, anon.LastJobAt().IsZero())

	// Empty queue names switch presence off entirely.
	off := NewHousekeeping(queues, "", "", zerolog.Nop())
	sess := &fakeSession{name: "c.off", user: auth.TokenUser{ID: 7}}
	require.NoError(t, off.ConsumerConnected(ctx, sess))
	require.NoError(t, off.UpdateConnection(ctx, sess, time.Minute))
	assert.Zero(t, backend.size())
}

func TestUpdateConnectionThrottle(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	queues := queue.NewRegistry()
	queues.Set(queue.Default, backend)
	hk := NewHousekeeping(queues, queue.Default, queue.Default, zerolog.Nop())

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	hk.now = func() time.Time { return now }

	sess := &fakeSession{name: "c.hb.1", user: auth.TokenUser{ID: 7}}
	sess.TouchLastJob(now.Add(-time.Hour))

	require.NoError(t, hk.UpdateConnection(ctx, sess, 3*time.Minute))
	job := backend.pop(t)
	assert.Equal(t, TagAction, job.Tag)
	assert.Equal(t, now, sess.LastJobAt())

	// Inside the interval nothing goes out.
	now = now.Add(time.Minute)
	require.NoError(t, hk.UpdateConnection(ctx, sess, 3*time.Minute))
	assert.Zero(t, backend.size())

	// A disabled interval never enqueues.
	now = now.Add(time.Hour)
	require.NoError(t, hk.UpdateConnection(ctx, sess, 0))
	assert.Zero(t, backend.size())
}

func TestActionJobUpsertsLastAction(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	queues := queue.NewRegistry()
	queues.Set(queue.Default, backend)
	hk := NewHousekeeping(queues, queue.Default, queue.Default, zerolog.Nop())

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	hk.now = func() time.Time { return at }
	sess := &fakeSession{name: "c.hb.2", user: auth.TokenUser{ID: 7}}
	sess.TouchLastJob(at.Add(-time.Hour))
	require.NoError(t, hk.UpdateConnection(ctx, sess, time.Minute))

	st := memstore.New()
	runner := NewRunner(RunnerDeps{Store: st}, zerolog.Nop())
	require.NoError(t, runner.Handle(ctx, backend.pop(t)))

	conn, err := st.Get(ctx, 7, "c.hb.2")
	require.NoError(t, err)
	assert.Equal(t, at, conn.LastAction)
}

func TestNativeJobFailureOnlyLogs(t *testing.T) {
	backend := &fakeBackend{}
	queues := queue.NewRegistry()
	queues.Set(queue.Default, backend)
	hk := NewHousekeeping(queues, queue.Default, queue.Default, zerolog.Nop())
	sess := &fakeSession{name: "c.hk.2", user: auth.TokenUser{ID: 7}}
	require.NoError(t, hk.ConsumerConnected(context.Background(), sess))

	// No sender is wired; a reply attempt would panic.
	runner := NewRunner(RunnerDeps{}, zerolog.Nop())
	runner.HandleFailure(backend.pop(t), errors.New("db down"))
}
