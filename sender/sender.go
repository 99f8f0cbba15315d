// Package sender moves packed messages onto channel layers: immediately,
// or buffered until a unit of work commits, with adjacent same-shaped
// sends coalesced into batch messages.
package sender

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	envelope "github.com/VoteIT/channels-envelope"
	"github.com/VoteIT/channels-envelope/internal/monitoring"
	"github.com/VoteIT/channels-envelope/layer"
)

// BatchFactory builds the batch message that replaces a run of
// same-group sends. Implementations live with the message catalog; the
// active one is chosen by configuration at startup.
type BatchFactory interface {
	// Start opens a batch with its first message. The batch message
	// keeps the first message's meta.
	Start(first *envelope.Message) (Batch, error)
}

// Batch accumulates messages of one type.
type Batch interface {
	Append(m *envelope.Message) error
	// Message returns the sendable batch message.
	Message() *envelope.Message
}

// Util is one buffered send: the message, the envelope kind that will
// carry it, and its destination.
type Util struct {
	Message     *envelope.Message
	Kind        *envelope.Kind
	ChannelName string
	Group       bool
}

// GroupKey identifies sends that may coalesce: same message type, same
// destination, same envelope kind, same state, same addressing mode.
func (u *Util) GroupKey() string {
	return u.Message.Name() + u.ChannelName + u.Kind.Name() +
		string(u.Message.Meta.State) + strconv.Itoa(boolInt(u.Group))
}

// Batchable reports whether both the envelope kind and the message type
// permit batching.
func (u *Util) Batchable() bool {
	return u.Kind.AllowBatch() && !u.Message.Desc.NoBatch
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Service owns the send paths. One instance is wired at startup and
// shared; it only reads its fields after that.
type Service struct {
	layers  *layer.Registry
	catalog *envelope.Catalog
	batches BatchFactory
	log     zerolog.Logger
}

func New(layers *layer.Registry, catalog *envelope.Catalog, batches BatchFactory, log zerolog.Logger) *Service {
	return &Service{
		layers:  layers,
		catalog: catalog,
		batches: batches,
		log:     log.With().Str("component", "sender").Logger(),
	}
}

// Catalog exposes the envelope configuration the service sends through.
func (s *Service) Catalog() *envelope.Catalog { return s.catalog }

type sendConfig struct {
	state       envelope.State
	channelName string
	group       bool
	onCommit    bool
	kind        *envelope.Kind
}

// SendOption adjusts one send.
type SendOption func(*sendConfig)

// WithState stamps the outgoing envelope state.
func WithState(s envelope.State) SendOption {
	return func(c *sendConfig) { c.state = s }
}

// ToChannel addresses a single channel instead of the message's
// originating consumer.
func ToChannel(name string) SendOption {
	return func(c *sendConfig) { c.channelName = name; c.group = false }
}

// ToGroup addresses every member of a group.
func ToGroup(name string) SendOption {
	return func(c *sendConfig) { c.channelName = name; c.group = true }
}

// Immediate sends now even inside a unit of work.
func Immediate() SendOption {
	return func(c *sendConfig) { c.onCommit = false }
}

// ViaKind overrides the envelope kind (default ws_outgoing for
// WebsocketSend).
func ViaKind(k *envelope.Kind) SendOption {
	return func(c *sendConfig) { c.kind = k }
}

// WebsocketSend packs m for the socket wire and sends it to its consumer
// channel, or wherever the options point. Inside a unit of work the send
// is buffered until commit, where it may batch with its neighbours.
// Error messages never wait for a commit.
func (s *Service) WebsocketSend(ctx context.Context, m *envelope.Message, opts ...SendOption) error {
	cfg := sendConfig{onCommit: true, kind: s.catalog.Outgoing()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.state != "" {
		m.Meta.State = cfg.state
	}
	if cfg.channelName == "" {
		cfg.channelName = m.Meta.ConsumerName
	}
	if cfg.channelName == "" {
		return fmt.Errorf("send %s: no channel name", m.Name())
	}
	m.Meta.Registry = cfg.kind.Name()

	util := &Util{Message: m, Kind: cfg.kind, ChannelName: cfg.channelName, Group: cfg.group}
	if m.Desc.Behavior == envelope.BehaviorError {
		// A transaction may never commit; errors must not ride along.
		return s.deliver(ctx, util)
	}
	if cfg.onCommit {
		if uow, ok := FromContext(ctx); ok {
			uow.bufferWS(util)
			return nil
		}
	}
	return s.deliver(ctx, util)
}

// InternalSend packs m as a server-to-server message. Inside a unit of
// work it is delayed until commit but never batched.
func (s *Service) InternalSend(ctx context.Context, m *envelope.Message, opts ...SendOption) error {
	cfg := sendConfig{onCommit: true, kind: s.catalog.Internal()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.state != "" {
		m.Meta.State = cfg.state
	}
	if cfg.channelName == "" {
		cfg.channelName = m.Meta.ConsumerName
	}
	if cfg.channelName == "" {
		return fmt.Errorf("internal send %s: no channel name", m.Name())
	}
	m.Meta.Registry = cfg.kind.Name()

	util := &Util{Message: m, Kind: cfg.kind, ChannelName: cfg.channelName, Group: cfg.group}
	if cfg.onCommit {
		if uow, ok := FromContext(ctx); ok {
			uow.OnCommit(func(ctx context.Context) error {
				return s.deliver(ctx, util)
			})
			return nil
		}
	}
	return s.deliver(ctx, util)
}

// WebsocketSendError sends an error message to channelName right away.
func (s *Service) WebsocketSendError(ctx context.Context, m *envelope.Message, channelName string) error {
	if channelName == "" {
		channelName = m.Meta.ConsumerName
	}
	if channelName == "" {
		return fmt.Errorf("send error %s: no channel name", m.Name())
	}
	util := &Util{Message: m, Kind: s.catalog.Errors(), ChannelName: channelName}
	return s.deliver(ctx, util)
}

// deliver packs one util and hands it to its layer.
func (s *Service) deliver(ctx context.Context, u *Util) error {
	transport := u.Kind.Transport()
	if transport == nil {
		return fmt.Errorf("send %s: envelope kind %q is not sendable", u.Message.Name(), u.Kind.Name())
	}
	env, err := u.Kind.Pack(u.Message)
	if err != nil {
		return err
	}
	payload, err := transport.Payload(env, u.Message)
	if err != nil {
		return err
	}
	l, err := s.layers.Get(u.Kind.LayerName())
	if err != nil {
		return err
	}
	s.log.Debug().
		Str("t", u.Message.Name()).
		Str("i", u.Message.Meta.ID).
		Str("channel", u.ChannelName).
		Bool("group", u.Group).
		Str("envelope", u.Kind.Name()).
		Msg("deliver")
	if u.Group {
		return l.GroupSend(ctx, u.ChannelName, payload)
	}
	return l.Send(ctx, u.ChannelName, payload)
}

// TransactionSender buffers the ws sends of one unit of work and flushes
// them on commit, batching runs of ≥3 adjacent same-group sends.
type TransactionSender struct {
	svc   *Service
	utils []*Util
}

func NewTransactionSender(svc *Service) *TransactionSender {
	return &TransactionSender{svc: svc}
}

// Add appends a send. Order is preserved through to the layer.
func (t *TransactionSender) Add(u *Util) {
	t.utils = append(t.utils, u)
}

// Len reports the number of buffered sends.
func (t *TransactionSender) Len() int { return len(t.utils) }

// Flush sends everything. Failures do not stop the remaining sends;
// errors are joined.
func (t *TransactionSender) Flush(ctx context.Context) error {
	var errs []error
	for _, run := range t.runs() {
		if len(run) > 2 && run[0].Batchable() && t.svc.batches != nil {
			if err := t.flushBatched(ctx, run); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		for _, u := range run {
			if err := t.svc.deliver(ctx, u); err != nil {
				errs = append(errs, err)
			}
		}
	}
	t.utils = nil
	return errors.Join(errs...)
}

// runs splits the buffer into maximal runs of adjacent sends sharing a
// group key. Only adjacency counts; interleaved groups do not coalesce.
func (t *TransactionSender) runs() [][]*Util {
	var out [][]*Util
	var cur []*Util
	var curKey string
	for _, u := range t.utils {
		key := u.GroupKey()
		if cur == nil || key != curKey {
			if cur != nil {
				out = append(out, cur)
			}
			cur = []*Util{u}
			curKey = key
			continue
		}
		cur = append(cur, u)
	}
	if cur != nil {
		out = append(out, cur)
	}
	return out
}

func (t *TransactionSender) flushBatched(ctx context.Context, run []*Util) error {
	first := run[0]
	batch, err := t.svc.batches.Start(first.Message)
	if err != nil {
		return t.flushPlain(ctx, run, err)
	}
	for _, u := range run[1:] {
		if err := batch.Append(u.Message); err != nil {
			return t.flushPlain(ctx, run, err)
		}
	}
	util := &Util{
		Message:     batch.Message(),
		Kind:        first.Kind,
		ChannelName: first.ChannelName,
		Group:       first.Group,
	}
	monitoring.BatchFlushes.Inc()
	t.svc.log.Debug().
		Str("t", first.Message.Name()).
		Int("size", len(run)).
		Str("channel", first.ChannelName).
		Msg("batched")
	return t.svc.deliver(ctx, util)
}

// flushPlain is the fallback when batch assembly fails: log and send the
// run unbatched so nothing is lost.
func (t *TransactionSender) flushPlain(ctx context.Context, run []*Util, cause error) error {
	t.svc.log.Error().Err(cause).
		Str("t", run[0].Message.Name()).
		Msg("batching failed, sending individually")
	var errs []error
	for _, u := range run {
		if err := t.svc.deliver(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
