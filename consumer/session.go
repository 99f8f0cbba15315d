package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	envelope "github.com/VoteIT/channels-envelope"
	"github.com/VoteIT/channels-envelope/auth"
	"github.com/VoteIT/channels-envelope/internal/monitoring"
	"github.com/VoteIT/channels-envelope/layer"
	"github.com/VoteIT/channels-envelope/signals"
)

var (
	errSessionClosed = errors.New("consumer: session closed")
	errSlowClient    = errors.New("consumer: outbound buffer full")
)

// event is one unit of work for the session task: an inbound socket
// frame or a layer payload, never both.
type event struct {
	frame   []byte
	payload layer.Payload
}

// session is one live connection. All message handling runs on the
// single task goroutine; the read and write pumps only move bytes. The
// envelope.Session methods may additionally be called from bus listeners
// and workers, so the small mutable core is mutex-guarded.
type session struct {
	h    *Handler
	conn *websocket.Conn

	channelName string
	user        auth.User
	language    string
	openedAt    time.Time

	limiter *rate.Limiter
	events  chan event
	send    chan []byte

	closeOnce      sync.Once
	closed         chan struct{}
	closeCode      int
	sendCloseFrame bool

	mu           sync.Mutex
	subs         map[envelope.Subscription]struct{}
	lastJob      time.Time
	lastSent     time.Time
	lastReceived time.Time
	lastError    time.Time

	log zerolog.Logger
}

var _ envelope.Session = (*session)(nil)

func newSession(h *Handler, conn *websocket.Conn, u auth.User, language string) *session {
	channelName := "c." + uuid.NewString()
	log := h.log.With().Str("channel", channelName).Logger()
	if auth.Authenticated(u) {
		log = log.With().Int64("user_pk", u.Pk()).Logger()
	}
	return &session{
		h:           h,
		conn:        conn,
		channelName: channelName,
		user:        u,
		language:    language,
		openedAt:    time.Now(),
		limiter:     rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst),
		events:      make(chan event, h.cfg.EventBuffer),
		send:        make(chan []byte, h.cfg.SendBuffer),
		closed:      make(chan struct{}),
		subs:        make(map[envelope.Subscription]struct{}),
		log:         log,
	}
}

func (s *session) ChannelName() string { return s.channelName }
func (s *session) User() auth.User     { return s.user }
func (s *session) Language() string    { return s.language }

func (s *session) Subscriptions() []envelope.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]envelope.Subscription, 0, len(s.subs))
	for sub := range s.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelType != out[j].ChannelType {
			return out[i].ChannelType < out[j].ChannelType
		}
		return out[i].Pk < out[j].Pk
	})
	return out
}

func (s *session) MarkSubscribed(sub envelope.Subscription) {
	s.mu.Lock()
	_, dup := s.subs[sub]
	if !dup {
		s.subs[sub] = struct{}{}
	}
	s.mu.Unlock()
	if !dup {
		monitoring.SubscriptionsActive.Inc()
	}
}

func (s *session) MarkLeft(sub envelope.Subscription) {
	s.mu.Lock()
	_, ok := s.subs[sub]
	delete(s.subs, sub)
	s.mu.Unlock()
	if ok {
		monitoring.SubscriptionsActive.Dec()
	}
}

func (s *session) LastJobAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastJob
}

func (s *session) TouchLastJob(t time.Time) {
	s.mu.Lock()
	s.lastJob = t
	s.mu.Unlock()
}

func (s *session) touch(stamp *time.Time) {
	s.mu.Lock()
	*stamp = time.Now()
	s.mu.Unlock()
}

// SendWSMessage packs m under the outgoing kind and writes it to the
// socket. Runnable messages pass through their handler first so the
// session's view changes together with the client's.
func (s *session) SendWSMessage(ctx context.Context, m *envelope.Message, state envelope.State) error {
	if m.Desc.Behavior == envelope.BehaviorRunnable && m.Desc.Run != nil {
		if err := m.Desc.Run(ctx, m, s); err != nil {
			return err
		}
	}
	env, err := s.h.deps.Catalog.Outgoing().Pack(m)
	if err != nil {
		return err
	}
	if state != "" {
		env.State = string(state)
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := s.write(data); err != nil {
		return err
	}
	s.touch(&s.lastSent)
	monitoring.MessagesSent.WithLabelValues("direct").Inc()
	if s.h.deps.Bus != nil {
		s.h.deps.Bus.Publish(ctx, signals.OutgoingWebsocket, &envelope.OutgoingMessageEvent{Message: m, Session: s})
	}
	return nil
}

// SendWSError packs m under the errors kind, which stamps state f, and
// writes it.
func (s *session) SendWSError(ctx context.Context, m *envelope.Message) error {
	env, err := s.h.deps.Catalog.Errors().Pack(m)
	if err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := s.write(data); err != nil {
		return err
	}
	s.touch(&s.lastError)
	monitoring.MessagesSent.WithLabelValues("error").Inc()
	if s.h.deps.Bus != nil {
		s.h.deps.Bus.Publish(ctx, signals.OutgoingWSError, &envelope.OutgoingMessageEvent{Message: m, Session: s})
	}
	return nil
}

// write queues one frame for the write pump. A full buffer means the
// client reads slower than the fabric sends; the session is closed
// rather than buffer without bound or silently skip typed messages.
func (s *session) write(data []byte) error {
	select {
	case <-s.closed:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.closed:
		return errSessionClosed
	default:
		monitoring.MessagesDropped.WithLabelValues("slow_client").Inc()
		s.log.Warn().Msg("outbound buffer full, closing slow client")
		s.shutdown(websocket.CloseTryAgainLater, true)
		return errSlowClient
	}
}

// shutdown requests teardown once. sendFrame says whether the write pump
// should emit a close frame with the code; client-initiated closes skip
// it.
func (s *session) shutdown(code int, sendFrame bool) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.sendCloseFrame = sendFrame
		close(s.closed)
	})
}

// deliver is the layer mailbox. Called from arbitrary goroutines; it
// must not block, so overflow drops the payload.
func (s *session) deliver(p layer.Payload) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.events <- event{payload: p}:
	default:
		monitoring.MessagesDropped.WithLabelValues("event_overflow").Inc()
		s.log.Warn().Str("type", p.Type()).Msg("event buffer full, layer payload dropped")
	}
}

// run is the session lifecycle: attach, announce, pump until the socket
// goes down, then announce the close. Runs on its own goroutine.
func (s *session) run() {
	ctx := context.Background()

	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()
	defer monitoring.ConnectionsActive.Dec()

	l, err := s.h.deps.Layers.Get(layer.Default)
	var detach func()
	if err == nil {
		detach, err = l.Attach(ctx, s.channelName, s.deliver)
	}
	if err != nil {
		s.log.Error().Err(err).Msg("layer attach failed")
		s.conn.Close()
		return
	}

	// The connect listeners run before the first frame is read; a failed
	// presence enqueue rejects the session instead of leaving it
	// untracked.
	if err := s.h.deps.Bus.Send(ctx, signals.ConsumerConnected, &envelope.ConnectedEvent{Session: s}); err != nil {
		s.log.Error().Err(err).Msg("connect listeners failed, rejecting session")
		detach()
		s.conn.Close()
		return
	}
	s.log.Info().Str("language", s.language).Msg("session open")

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		s.writePump()
	}()
	go func() {
		defer pumps.Done()
		s.readPump()
	}()

	s.loop(ctx)
	detach()
	pumps.Wait()
	s.dropSubscriptions()

	if err := s.h.deps.Bus.Send(ctx, signals.ConsumerClosed, &envelope.ClosedEvent{Session: s, CloseCode: s.closeCode}); err != nil {
		s.log.Error().Err(err).Msg("close listeners failed")
	}

	e := s.log.Info().Int("close_code", s.closeCode).Dur("open_for", time.Since(s.openedAt))
	s.mu.Lock()
	if !s.lastReceived.IsZero() {
		e.Time("last_received", s.lastReceived)
	}
	if !s.lastSent.IsZero() {
		e.Time("last_sent", s.lastSent)
	}
	s.mu.Unlock()
	e.Msg("session closed")
}

func (s *session) dropSubscriptions() {
	s.mu.Lock()
	n := len(s.subs)
	s.subs = make(map[envelope.Subscription]struct{})
	s.mu.Unlock()
	if n > 0 {
		monitoring.SubscriptionsActive.Sub(float64(n))
	}
}

// loop is the cooperative task: one event at a time, no concurrent
// handler runs within a session.
func (s *session) loop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("session task panicked")
			s.shutdown(websocket.CloseInternalServerErr, true)
		}
	}()
	for {
		select {
		case ev := <-s.events:
			if ev.payload != nil {
				s.handleLayerPayload(ctx, ev.payload)
			} else {
				s.handleFrame(ctx, ev.frame)
			}
		case <-s.closed:
			return
		}
	}
}

func (s *session) readPump() {
	s.conn.SetReadLimit(s.h.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.h.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.h.cfg.PongWait))
		return nil
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(readCloseCode(err), false)
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.h.cfg.PongWait))
		select {
		case s.events <- event{frame: data}:
		case <-s.closed:
			return
		}
	}
}

func readCloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

func (s *session) writePump() {
	pingPeriod := (s.h.cfg.PongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.h.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug().Err(err).Msg("socket write failed")
				s.shutdown(websocket.CloseAbnormalClosure, false)
				return
			}
			monitoring.BytesSent.Add(float64(len(data)))
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.h.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.Debug().Err(err).Msg("ping failed")
				s.shutdown(websocket.CloseAbnormalClosure, false)
				return
			}
		case <-s.closed:
			if s.sendCloseFrame {
				s.conn.SetWriteDeadline(time.Now().Add(s.h.cfg.WriteWait))
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(s.closeCode, ""))
			}
			return
		}
	}
}

// handleFrame processes one inbound socket frame: rate limit, parse,
// unpack, dispatch, heartbeat. Client-presentable failures are answered
// on the socket; anything else tears the session down.
func (s *session) handleFrame(ctx context.Context, data []byte) {
	monitoring.MessagesReceived.Inc()
	monitoring.BytesReceived.Add(float64(len(data)))
	if !s.limiter.Allow() {
		monitoring.MessagesDropped.WithLabelValues("rate_limit").Inc()
		s.log.Warn().Msg("inbound frame rate limited")
		e := envelope.ErrGeneric("message rate exceeded, frame dropped")
		if err := s.SendWSError(ctx, e.Message()); err != nil {
			s.log.Error().Err(err).Msg("throttle reply failed")
		}
		return
	}
	s.touch(&s.lastReceived)

	incoming := s.h.deps.Catalog.Incoming()
	env, err := incoming.Parse(data)
	if err != nil {
		s.replyError(ctx, err, "")
		return
	}
	m, err := incoming.Unpack(env, s)
	if err != nil {
		s.replyError(ctx, err, env.ID)
		return
	}

	err = s.h.deps.Bus.Send(ctx, signals.IncomingWebsocket, &envelope.IncomingMessageEvent{Message: m, Session: s})
	if err != nil {
		e, ok := envelope.AsErrorMessage(err)
		if !ok {
			s.log.Error().Err(err).Str("t", m.Name()).Msg("message handling failed")
			s.shutdown(websocket.CloseInternalServerErr, true)
			return
		}
		e.BackfillMeta(m.Meta)
		if err := s.SendWSError(ctx, e.Message()); err != nil {
			s.log.Error().Err(err).Str("t", m.Name()).Msg("error reply failed")
		}
	}
	s.heartbeat(ctx)
}

// replyError answers a frame that never became a message. id carries
// the envelope correlation id when parsing got that far.
func (s *session) replyError(ctx context.Context, cause error, id string) {
	e, ok := envelope.AsErrorMessage(cause)
	if !ok {
		s.log.Error().Err(cause).Msg("frame handling failed")
		s.shutdown(websocket.CloseInternalServerErr, true)
		return
	}
	if e.Meta.ID == "" {
		e.Meta.ID = id
	}
	if err := s.SendWSError(ctx, e.Message()); err != nil {
		s.log.Error().Err(err).Msg("error reply failed")
	}
}

func (s *session) heartbeat(ctx context.Context) {
	if s.h.deps.Housekeeping == nil {
		return
	}
	if err := s.h.deps.Housekeeping.UpdateConnection(ctx, s, s.h.cfg.ConnectionUpdateInterval); err != nil {
		s.log.Error().Err(err).Msg("connection heartbeat failed")
	}
}

// handleLayerPayload routes one layer payload by its transport tag. The
// tags come from the catalog, so custom kind configurations route too.
func (s *session) handleLayerPayload(ctx context.Context, p layer.Payload) {
	cat := s.h.deps.Catalog
	switch p.Type() {
	case cat.Outgoing().Transport().Name():
		s.handleTextPayload(ctx, p, cat.Outgoing(), signals.OutgoingWebsocket, "layer", &s.lastSent)
	case cat.Errors().Transport().Name():
		s.handleTextPayload(ctx, p, cat.Errors(), signals.OutgoingWSError, "error", &s.lastError)
	case cat.Internal().Transport().Name():
		s.handleInternalPayload(ctx, p)
	default:
		monitoring.MessagesDropped.WithLabelValues("unroutable").Inc()
		s.log.Warn().Str("type", p.Type()).Msg("unroutable layer payload dropped")
	}
}

// handleTextPayload forwards a pre-serialized frame to the socket. When
// the sender flagged run_handlers the frame is decoded and its runnable
// executed first, so subscription confirmations arriving over the layer
// mutate this session exactly like directly sent ones. A handler failure
// here means server and client views are diverging; the session closes.
func (s *session) handleTextPayload(ctx context.Context, p layer.Payload, k *envelope.Kind, sig signals.Signal, path string, stamp *time.Time) {
	text, _ := p["text_data"].(string)
	if text == "" {
		monitoring.MessagesDropped.WithLabelValues("no_text_data").Inc()
		s.log.Warn().Str("type", p.Type()).Msg("layer payload without text_data dropped")
		return
	}

	var m *envelope.Message
	if run, _ := p["run_handlers"].(bool); run {
		env, err := k.Parse([]byte(text))
		if err == nil {
			m, err = k.Unpack(env, s)
		}
		if err == nil && m.Desc.Run != nil {
			err = m.Desc.Run(ctx, m, s)
		}
		if err != nil {
			s.log.Error().Err(err).Str("type", p.Type()).Msg("outbound handler failed")
			s.shutdown(websocket.CloseInternalServerErr, true)
			return
		}
	}

	if err := s.write([]byte(text)); err != nil {
		s.log.Debug().Err(err).Str("type", p.Type()).Msg("layer frame not written")
		return
	}
	s.touch(stamp)
	monitoring.MessagesSent.WithLabelValues(path).Inc()
	if s.h.deps.Bus != nil && m != nil {
		s.h.deps.Bus.Publish(ctx, sig, &envelope.OutgoingMessageEvent{Message: m, Session: s})
	}
}

// handleInternalPayload decodes a server-to-server message and feeds it
// to the dispatcher. Internal messages come from our own workers, so any
// failure is a server fault and closes the session.
func (s *session) handleInternalPayload(ctx context.Context, p layer.Payload) {
	k := s.h.deps.Catalog.Internal()
	typ, _ := p["t"].(string)
	id, _ := p["i"].(string)
	lang, _ := p["l"].(string)

	raw, err := rawPayload(p["p"])
	var m *envelope.Message
	if err == nil {
		m, err = k.Unpack(k.NewEnvelope(typ, raw, id, lang), s)
	}
	if err != nil {
		s.log.Error().Err(err).Str("t", typ).Msg("internal message rejected")
		s.shutdown(websocket.CloseInternalServerErr, true)
		return
	}

	if err := s.h.deps.Bus.Send(ctx, signals.IncomingInternal, &envelope.IncomingMessageEvent{Message: m, Session: s}); err != nil {
		s.log.Error().Err(err).Str("t", typ).Msg("internal message failed")
		s.shutdown(websocket.CloseInternalServerErr, true)
	}
}

// rawPayload recovers the p field of a dict payload. In-process layers
// pass json.RawMessage through; networked ones deliver decoded maps.
func rawPayload(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	default:
		return json.Marshal(v)
	}
}
