// Package signals carries the event bus the fabric is wired together
// with. Sessions, the dispatcher, the job pipeline and the apps all talk
// through it rather than importing each other.
//
// Listeners declare a tier. Cooperative listeners run inline on the
// firing goroutine, in registration order, and may return errors to the
// caller; they belong on signals fired from session tasks and must not
// block. Blocking listeners are dispatched to the bus's worker pool and
// may touch the database or the network; they belong on signals fired
// from job workers.
package signals

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// Signal names. These are observable identifiers, stable across versions.
type Signal string

const (
	ConsumerConnected Signal = "consumer_connected"
	ConsumerClosed    Signal = "consumer_closed"
	IncomingWebsocket Signal = "incoming_websocket_message"
	OutgoingWebsocket Signal = "outgoing_websocket_message"
	OutgoingWSError   Signal = "outgoing_websocket_error"
	IncomingInternal  Signal = "incoming_internal_message"
	ChannelSubscribed Signal = "channel_subscribed"
	ConnectionCreated Signal = "connection_created"
	ConnectionClosed  Signal = "connection_closed"
)

// Tier says where a listener executes.
type Tier int

const (
	// Cooperative listeners run on the firing goroutine.
	Cooperative Tier = iota
	// Blocking listeners run on the bus worker pool.
	Blocking
)

// Listener handles one signal occurrence. The event's concrete type is
// documented by the package that owns the signal.
type Listener func(ctx context.Context, event any) error

type registration struct {
	tier Tier
	fn   Listener
}

type task struct {
	ctx   context.Context
	sig   Signal
	event any
	fn    Listener
	done  *sync.WaitGroup // nil for fire-and-forget
	errs  *errCollector
}

type errCollector struct {
	mu   sync.Mutex
	errs []error
}

func (c *errCollector) add(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

func (c *errCollector) join() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Join(c.errs...)
}

// Bus is a tiered pub/sub hub. Registration happens during startup
// wiring; Freeze marks the end of that phase and later Connect calls
// panic.
type Bus struct {
	log zerolog.Logger

	mu        sync.RWMutex
	listeners map[Signal][]registration
	frozen    bool

	workers int
	tasks   chan task
	start   sync.Once
	wg      sync.WaitGroup
}

type Option func(*Bus)

// WithWorkers sets the blocking-tier pool size.
func WithWorkers(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.workers = n
		}
	}
}

func NewBus(log zerolog.Logger, opts ...Option) *Bus {
	b := &Bus{
		log:       log.With().Str("component", "signals").Logger(),
		listeners: make(map[Signal][]registration),
		workers:   16,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.tasks = make(chan task, 256)
	return b
}

// Connect registers fn for sig on the given tier. Panics after Freeze;
// the listener set is part of startup configuration, like a registry.
func (b *Bus) Connect(sig Signal, tier Tier, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		panic(fmt.Sprintf("signals: Connect(%s) after Freeze", sig))
	}
	b.listeners[sig] = append(b.listeners[sig], registration{tier: tier, fn: fn})
}

// Freeze ends the registration phase and starts the worker pool.
func (b *Bus) Freeze() {
	b.mu.Lock()
	b.frozen = true
	b.mu.Unlock()
	b.startWorkers()
}

func (b *Bus) startWorkers() {
	b.start.Do(func() {
		for i := 0; i < b.workers; i++ {
			b.wg.Add(1)
			go b.worker()
		}
	})
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for t := range b.tasks {
		b.execute(t)
	}
}

func (b *Bus) execute(t task) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("signal", string(t.sig)).
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("listener panicked")
			if t.errs != nil {
				t.errs.add(fmt.Errorf("signal %s listener panic: %v", t.sig, r))
			}
		}
		if t.done != nil {
			t.done.Done()
		}
	}()
	if err := t.fn(t.ctx, t.event); err != nil {
		if t.errs != nil {
			t.errs.add(err)
		} else {
			b.log.Error().Err(err).Str("signal", string(t.sig)).Msg("listener failed")
		}
	}
}

func (b *Bus) snapshot(sig Signal) []registration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.listeners[sig]
}

// Send fires sig and waits for every listener to finish. Cooperative
// listeners run inline in registration order; blocking listeners run on
// the pool and are joined before Send returns. Listener errors are
// joined into the returned error.
func (b *Bus) Send(ctx context.Context, sig Signal, event any) error {
	regs := b.snapshot(sig)
	if len(regs) == 0 {
		return nil
	}
	b.startWorkers()

	errs := &errCollector{}
	var pending sync.WaitGroup
	for _, reg := range regs {
		t := task{ctx: ctx, sig: sig, event: event, fn: reg.fn, errs: errs}
		if reg.tier == Cooperative {
			b.execute(t)
			continue
		}
		pending.Add(1)
		t.done = &pending
		b.tasks <- t
	}
	pending.Wait()
	return errs.join()
}

// Publish fires sig without waiting. Every listener, regardless of tier,
// runs on the worker pool; errors are logged. Used for observational
// signals on the hot path.
func (b *Bus) Publish(ctx context.Context, sig Signal, event any) {
	regs := b.snapshot(sig)
	if len(regs) == 0 {
		return
	}
	b.startWorkers()
	for _, reg := range regs {
		select {
		case b.tasks <- task{ctx: ctx, sig: sig, event: event, fn: reg.fn}:
		default:
			b.log.Warn().Str("signal", string(sig)).Msg("bus saturated, event dropped")
		}
	}
}

// Shutdown stops the pool after draining queued tasks, or when ctx
// expires, whichever comes first.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.startWorkers()
	close(b.tasks)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
