// Package consumer serves the WebSocket endpoint. Each accepted upgrade
// becomes one session: a cooperative task that owns the socket, decodes
// inbound frames into typed messages, receives layer payloads addressed
// to its channel name and fires the lifecycle signals the rest of the
// fabric hangs off.
package consumer

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	envelope "github.com/VoteIT/channels-envelope"
	"github.com/VoteIT/channels-envelope/auth"
	"github.com/VoteIT/channels-envelope/internal/monitoring"
	"github.com/VoteIT/channels-envelope/jobs"
	"github.com/VoteIT/channels-envelope/layer"
	"github.com/VoteIT/channels-envelope/signals"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 4096
	defaultSendBuffer     = 256
	defaultEventBuffer    = 64
	defaultMessageRate    = 10
	defaultMessageBurst   = 100
)

// Config tunes the endpoint and its sessions.
type Config struct {
	// Language is the session fallback when neither the lang query
	// parameter nor the Accept-Language header carries one.
	Language string

	// AllowAnonymous accepts sessions without a verified principal.
	// The default denies them at upgrade with 403.
	AllowAnonymous bool

	// ConnectionUpdateInterval throttles the presence heartbeat; zero
	// disables it.
	ConnectionUpdateInterval time.Duration

	// MessageRate and MessageBurst bound inbound frames per session.
	// Excess frames are answered with error.generic and dropped; the
	// connection stays up.
	MessageRate  float64
	MessageBurst int

	// MaxMessageSize caps one inbound frame in bytes.
	MaxMessageSize int64

	// SendBuffer is the outbound frame queue. A session that lets it
	// fill is closed as a slow client.
	SendBuffer int

	// EventBuffer queues layer payloads for the session task; overflow
	// drops payloads rather than block the sender.
	EventBuffer int

	WriteWait time.Duration
	PongWait  time.Duration

	// CheckOrigin overrides the upgrade origin policy. nil accepts any
	// origin.
	CheckOrigin func(r *http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.MessageRate == 0 {
		c.MessageRate = defaultMessageRate
	}
	if c.MessageBurst == 0 {
		c.MessageBurst = defaultMessageBurst
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.WriteWait == 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait == 0 {
		c.PongWait = defaultPongWait
	}
	return c
}

// Deps are the fabric pieces sessions talk to.
type Deps struct {
	Catalog *envelope.Catalog
	Layers  *layer.Registry
	Bus     *signals.Bus

	// Auth verifies the upgrade request. nil makes every session
	// anonymous, which only works with AllowAnonymous.
	Auth auth.Authenticator

	// Housekeeping enqueues the presence jobs. nil disables them.
	Housekeeping *jobs.Housekeeping

	// Limiter throttles upgrade attempts. nil disables connection rate
	// limiting.
	Limiter *ConnLimiter
}

// Handler upgrades HTTP requests into consumer sessions. One handler
// serves every connection of a process.
type Handler struct {
	cfg      Config
	deps     Deps
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewHandler(cfg Config, deps Deps, log zerolog.Logger) *Handler {
	cfg = cfg.withDefaults()
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			CheckOrigin:       checkOrigin,
			EnableCompression: true,
		},
		log: log.With().Str("component", "consumer").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.deps.Limiter != nil && !h.deps.Limiter.Allow(clientIP(r)) {
		http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var u auth.User
	if h.deps.Auth != nil {
		var err error
		u, err = h.deps.Auth.Authenticate(r)
		if err != nil {
			h.log.Debug().Err(err).Msg("authentication failed")
			monitoring.ConnectionsRejected.WithLabelValues("auth").Inc()
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}
	}
	if !h.cfg.AllowAnonymous && !auth.Authenticated(u) {
		monitoring.ConnectionsRejected.WithLabelValues("anonymous").Inc()
		http.Error(w, "authentication required", http.StatusForbidden)
		return
	}

	language := requestLanguage(r, h.cfg.Language)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	go newSession(h, conn, u, language).run()
}

// requestLanguage resolves the session language: explicit lang query
// parameter, then the first Accept-Language entry, then the fallback.
func requestLanguage(r *http.Request, fallback string) string {
	if lang := r.URL.Query().Get("lang"); lang != "" {
		return lang
	}
	if header := r.Header.Get("Accept-Language"); header != "" {
		first := strings.SplitN(header, ",", 2)[0]
		first = strings.SplitN(first, ";", 2)[0]
		if lang := strings.TrimSpace(first); lang != "" {
			return lang
		}
	}
	return fallback
}

// clientIP prefers the first X-Forwarded-For hop so rate limiting works
// behind a load balancer.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
