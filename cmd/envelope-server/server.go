package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	envelope "github.com/VoteIT/channels-envelope"
	"github.com/VoteIT/channels-envelope/app/onlinechannel"
	"github.com/VoteIT/channels-envelope/app/userchannel"
	"github.com/VoteIT/channels-envelope/auth"
	"github.com/VoteIT/channels-envelope/channels"
	"github.com/VoteIT/channels-envelope/config"
	"github.com/VoteIT/channels-envelope/consumer"
	"github.com/VoteIT/channels-envelope/internal/monitoring"
	"github.com/VoteIT/channels-envelope/jobs"
	"github.com/VoteIT/channels-envelope/layer"
	"github.com/VoteIT/channels-envelope/layer/memlayer"
	"github.com/VoteIT/channels-envelope/layer/natslayer"
	"github.com/VoteIT/channels-envelope/layer/redislayer"
	"github.com/VoteIT/channels-envelope/messages"
	"github.com/VoteIT/channels-envelope/queue"
	"github.com/VoteIT/channels-envelope/queue/memqueue"
	"github.com/VoteIT/channels-envelope/queue/redisqueue"
	"github.com/VoteIT/channels-envelope/sender"
	"github.com/VoteIT/channels-envelope/signals"
	"github.com/VoteIT/channels-envelope/store"
	"github.com/VoteIT/channels-envelope/store/memstore"
	"github.com/VoteIT/channels-envelope/store/pgstore"
)

const drainGrace = 30 * time.Second

// Server owns one node's runtime pieces and their shutdown order.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	http    *http.Server
	bus     *signals.Bus
	queues  *queue.Registry
	store   store.Store
	users   auth.Loader
	monitor *monitoring.SystemMonitor
	limiter *consumer.ConnLimiter
	cron    *cron.Cron

	cancel  context.CancelFunc
	queueWG sync.WaitGroup

	db   *sql.DB
	rdb  *redis.Client
	nats *natslayer.Layer

	sessions     int64
	shuttingDown int32
}

// tokenDirectory resolves job-worker principals in a deployment whose
// only identity source is the verified token. The pk was authenticated
// at upgrade; there is nothing further to look up. Deployments with a
// user database plug in their own loader instead.
type tokenDirectory struct{}

func (tokenDirectory) UserByPk(_ context.Context, pk int64) (auth.User, error) {
	return auth.TokenUser{ID: pk}, nil
}

// newServer wires the whole fabric per the configuration and returns
// the assembled node, ready to Start. Queue workers are already
// consuming when it returns.
func newServer(cfg *config.Config, log zerolog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		log:    log,
		users:  tokenDirectory{},
		cancel: cancel,
	}
	ok := false
	defer func() {
		if !ok {
			cancel()
			s.closeClients()
		}
	}()

	// One redis client shared by whichever backends want it.
	if cfg.LayerBackend == config.LayerRedis || cfg.QueueBackend == config.QueueRedis {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		s.rdb = redis.NewClient(opt)
	}

	layers := layer.NewRegistry()
	switch cfg.LayerBackend {
	case config.LayerNATS:
		nl, err := natslayer.Connect(cfg.NATSURL, log)
		if err != nil {
			return nil, err
		}
		s.nats = nl
		layers.Set(layer.Default, nl)
	case config.LayerRedis:
		layers.Set(layer.Default, redislayer.New(s.rdb, log))
	default:
		layers.Set(layer.Default, memlayer.New(log))
	}

	if cfg.PostgresDSN != "" {
		db, err := pgstore.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		s.db = db
		pg := pgstore.New(db, log)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		s.store = pg
	} else {
		s.store = memstore.New()
	}
	monitoring.RegisterOnlineGauge(s.store)

	var authn auth.Authenticator
	if cfg.JWTSecret != "" {
		authn = auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiry)
	}

	s.bus = signals.NewBus(log)
	cat := envelope.NewCatalog()
	messages.Register(cat)

	batches, err := messages.BatchFactoryByName(cfg.BatchMessage)
	if err != nil {
		return nil, err
	}
	snd := sender.New(layers, cat, batches, log)

	chreg := channels.NewRegistry()
	channels.Register(cat, channels.Deps{
		Channels: chreg,
		Layers:   layers,
		Sender:   snd,
		Bus:      s.bus,
	})
	userchannel.Register(userchannel.Deps{
		Channels: chreg,
		Layers:   layers,
		Users:    s.users,
		Bus:      s.bus,
	})
	onlinechannel.Attach(onlinechannel.Deps{Layers: layers, Bus: s.bus})

	runner := jobs.NewRunner(jobs.RunnerDeps{
		Catalog: cat,
		Sender:  snd,
		Users:   s.users,
		Store:   s.store,
		Bus:     s.bus,
	}, log)

	s.queues = queue.NewRegistry()
	names := map[string]struct{}{queue.Default: {}}
	if cfg.ConnectionsQueue != "" {
		names[cfg.ConnectionsQueue] = struct{}{}
	}
	if cfg.TimestampQueue != "" {
		names[cfg.TimestampQueue] = struct{}{}
	}
	var backends []queue.Backend
	for name := range names {
		var b queue.Backend
		switch cfg.QueueBackend {
		case config.QueueRedis:
			rq := redisqueue.New(s.rdb, name, log, redisqueue.Options{Workers: cfg.QueueWorkers})
			rq.OnFailure(runner.HandleFailure)
			b = rq
		default:
			mq := memqueue.New(name, log, memqueue.Options{Workers: cfg.QueueWorkers})
			mq.OnFailure(runner.HandleFailure)
			b = mq
		}
		s.queues.Set(name, b)
		backends = append(backends, b)
	}

	envelope.NewDispatcher(jobs.NewQueuer(s.queues, log), log).Attach(s.bus)

	var hk *jobs.Housekeeping
	if cfg.ConnectionsQueue != "" || cfg.TimestampQueue != "" {
		hk = jobs.NewHousekeeping(s.queues, cfg.ConnectionsQueue, cfg.TimestampQueue, log)
		hk.Attach(s.bus)
	}

	s.trackSessions(s.bus)

	cat.Freeze()
	chreg.Freeze()
	s.bus.Freeze()

	for _, b := range backends {
		s.queueWG.Add(1)
		go func(b queue.Backend) {
			defer s.queueWG.Done()
			if err := b.Run(ctx, runner.Handle); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("queue backend stopped")
			}
		}(b)
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(cfg.AWOLSweepSchedule, s.sweepAwol); err != nil {
		return nil, fmt.Errorf("awol sweep schedule: %w", err)
	}
	s.cron.Start()

	s.monitor = monitoring.NewSystemMonitor(log)
	s.monitor.Start(cfg.MetricsInterval)
	s.limiter = consumer.NewConnLimiter(consumer.ConnLimiterConfig{}, log)

	wsHandler := consumer.NewHandler(consumer.Config{
		Language:                 cfg.DefaultLanguage,
		AllowAnonymous:           cfg.AllowUnauthenticated,
		ConnectionUpdateInterval: cfg.ConnectionUpdateInterval,
		MessageRate:              cfg.MessageRate,
		MessageBurst:             cfg.MessageBurst,
		MaxMessageSize:           cfg.MaxMessageSize,
		WriteWait:                cfg.WriteWait,
		PongWait:                 cfg.PongWait,
	}, consumer.Deps{
		Catalog:      cat,
		Layers:       layers,
		Bus:          s.bus,
		Auth:         authn,
		Housekeeping: hk,
		Limiter:      s.limiter,
	}, log)

	mux := http.NewServeMux()
	mux.Handle("/ws", s.gate(wsHandler))
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	s.http = &http.Server{Addr: cfg.Addr, Handler: mux}

	ok = true
	return s, nil
}

// trackSessions counts live sessions through the lifecycle signals. The
// counter feeds admission control and the drain loop.
func (s *Server) trackSessions(bus *signals.Bus) {
	bus.Connect(signals.ConsumerConnected, signals.Cooperative, func(_ context.Context, event any) error {
		if _, ok := event.(*envelope.ConnectedEvent); ok {
			atomic.AddInt64(&s.sessions, 1)
		}
		return nil
	})
	bus.Connect(signals.ConsumerClosed, signals.Cooperative, func(_ context.Context, event any) error {
		if _, ok := event.(*envelope.ClosedEvent); ok {
			atomic.AddInt64(&s.sessions, -1)
		}
		return nil
	})
}

// Start binds the address and serves in the background. Bind errors
// surface here; later serve errors only log.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.log.Info().Str("addr", s.cfg.Addr).Msg("listening")
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server failed")
		}
	}()
	return nil
}

// overLimit names the admission limit currently exceeded, or "".
func (s *Server) overLimit(sessions int64, cpu float64, mem uint64) string {
	if sessions >= int64(s.cfg.MaxConnections) {
		return "capacity"
	}
	if s.cfg.CPURejectThreshold > 0 && cpu > s.cfg.CPURejectThreshold {
		return "cpu"
	}
	if s.cfg.MemRejectBytes > 0 && mem > s.cfg.MemRejectBytes {
		return "memory"
	}
	return ""
}

// gate fronts the upgrade endpoint with admission control. The check is
// advisory rather than a hard semaphore; upgrades racing past the cap
// are tolerated and shed on the next check.
func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&s.shuttingDown) == 1 {
			monitoring.ConnectionsRejected.WithLabelValues("shutdown").Inc()
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		sessions := atomic.LoadInt64(&s.sessions)
		if reason := s.overLimit(sessions, s.monitor.CPUPercent(), s.monitor.MemoryBytes()); reason != "" {
			monitoring.ConnectionsRejected.WithLabelValues(reason).Inc()
			s.log.Debug().
				Int64("sessions", sessions).
				Int("max_connections", s.cfg.MaxConnections).
				Str("reason", reason).
				Msg("connection rejected")
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	sessions := atomic.LoadInt64(&s.sessions)
	cpu := s.monitor.CPUPercent()
	mem := s.monitor.MemoryBytes()

	status := "healthy"
	code := http.StatusOK
	switch {
	case atomic.LoadInt32(&s.shuttingDown) == 1:
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	case s.overLimit(sessions, cpu, mem) != "":
		status = "degraded"
	}

	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          status,
		"sessions":        sessions,
		"max_connections": s.cfg.MaxConnections,
		"cpu_percent":     cpu,
		"memory_bytes":    mem,
		"layer":           s.cfg.LayerBackend,
		"queues":          s.queues.Names(),
	})
}

// sweepAwol flags connections whose last action predates the cutoff and
// announces each one as closed. The rows are already written when the
// signal fires, so this must not go through a close job; that would
// stamp a second offline time.
func (s *Server) sweepAwol() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	swept, err := s.store.MarkAwol(ctx, time.Now().Add(-s.cfg.AWOLAfter))
	if err != nil {
		s.log.Error().Err(err).Msg("awol sweep failed")
		return
	}
	for _, conn := range swept {
		u, err := s.users.UserByPk(ctx, conn.UserPk)
		if err != nil {
			s.log.Error().Err(err).Int64("user_pk", conn.UserPk).Msg("awol sweep: user lookup failed")
		}
		err = s.bus.Send(ctx, signals.ConnectionClosed, &jobs.ConnectionEvent{
			UserPk:       conn.UserPk,
			User:         u,
			Connection:   conn,
			ConsumerName: conn.ChannelName,
		})
		if err != nil {
			s.log.Error().Err(err).Str("consumer_name", conn.ChannelName).Msg("awol sweep: listener failed")
		}
	}
}

// Shutdown runs the teardown sequence: stop scheduling, stop accepting,
// drain sessions, stop workers, then release the clients.
func (s *Server) Shutdown() error {
	s.log.Info().Msg("initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	// No new sweeps; wait out one already running.
	<-s.cron.Stop().Done()

	// Stop accepting upgrades. Hijacked sockets are not waited on here;
	// the drain loop below watches the session count instead.
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelHTTP()
	if err := s.http.Shutdown(httpCtx); err != nil {
		s.log.Error().Err(err).Msg("http shutdown")
	}

	s.drainSessions(drainGrace)

	// Stop the queue workers and let in-flight jobs finish.
	s.cancel()
	s.queueWG.Wait()

	// Sessions abandoned past the grace period can still fire signals,
	// and the bus must not be drained under them.
	if atomic.LoadInt64(&s.sessions) == 0 {
		busCtx, cancelBus := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelBus()
		if err := s.bus.Shutdown(busCtx); err != nil {
			s.log.Error().Err(err).Msg("signal bus shutdown")
		}
	} else {
		s.log.Warn().Msg("skipping bus drain, sessions still open")
	}

	s.monitor.Shutdown()
	s.limiter.Stop()
	s.closeClients()
	s.log.Info().Msg("graceful shutdown completed")
	return nil
}

func (s *Server) drainSessions(grace time.Duration) {
	remaining := atomic.LoadInt64(&s.sessions)
	if remaining == 0 {
		return
	}
	s.log.Info().
		Int64("active_sessions", remaining).
		Dur("grace_period", grace).
		Msg("draining sessions")
	timer := time.NewTimer(grace)
	ticker := time.NewTicker(time.Second)
	defer timer.Stop()
	defer ticker.Stop()
	for {
		select {
		case <-timer.C:
			if remaining = atomic.LoadInt64(&s.sessions); remaining > 0 {
				s.log.Warn().
					Int64("remaining_sessions", remaining).
					Msg("grace period expired, abandoning open sessions")
			}
			return
		case <-ticker.C:
			if remaining = atomic.LoadInt64(&s.sessions); remaining == 0 {
				s.log.Info().Msg("all sessions drained")
				return
			}
			s.log.Info().Int64("remaining_sessions", remaining).Msg("waiting for sessions to drain")
		}
	}
}

func (s *Server) closeClients() {
	if s.nats != nil {
		s.nats.Close()
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.log.Error().Err(err).Msg("redis close")
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Error().Err(err).Msg("postgres close")
		}
	}
}
