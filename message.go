package envelope

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/VoteIT/channels-envelope/auth"
)

// Behavior is the dispatch tag on a message descriptor. It decides what
// the dispatcher does with a decoded message: nothing, run it inline on
// the session task, or defer it to a queue. Error messages are only ever
// sent, never dispatched.
type Behavior int

const (
	BehaviorPlain Behavior = iota
	BehaviorRunnable
	BehaviorJob
	BehaviorError
)

func (b Behavior) String() string {
	switch b {
	case BehaviorPlain:
		return "plain"
	case BehaviorRunnable:
		return "runnable"
	case BehaviorJob:
		return "job"
	case BehaviorError:
		return "error"
	}
	return fmt.Sprintf("behavior(%d)", int(b))
}

// Deferred job defaults.
const (
	DefaultQueue      = "default"
	DefaultJobTTL     = 20 * time.Second
	DefaultJobTimeout = 20 * time.Second
)

// RunFunc executes a runnable message on the session's cooperative task.
// It must not block; long work belongs in a job.
type RunFunc func(ctx context.Context, m *Message, sess Session) error

// PreQueueFunc runs on the session task just before a job message is
// enqueued. It may mutate the message (snapshot session state into the
// payload) or send an early acknowledgement.
type PreQueueFunc func(ctx context.Context, m *Message, sess Session) error

// ShouldRunFunc can veto the enqueue after PreQueue has run.
type ShouldRunFunc func(m *Message) bool

// RunJobFunc executes a deferred message on a worker. The session is
// gone by then; u is the reconstructed principal and replies travel
// through the layer.
type RunJobFunc func(ctx context.Context, m *Message, u auth.User) error

// Descriptor is the registered description of one message type: its wire
// name, payload codec and behavior. The function fields are filled
// according to Behavior; unused ones stay nil.
type Descriptor struct {
	Name     string
	Behavior Behavior

	// NoBatch opts the type out of transactional batching. The zero
	// value keeps types batchable, matching the envelope default.
	NoBatch bool

	// NewPayload returns a pointer to a zero payload for decoding; nil
	// means the type has no payload and p is ignored on the wire.
	NewPayload func() any

	// Validate checks a decoded payload beyond what decoding enforces.
	// It returns *ValidationError for client-presentable failures.
	Validate func(payload any) error

	// Run handles BehaviorRunnable messages.
	Run RunFunc

	// Job fields, meaningful for BehaviorJob.
	Queue     string
	TTL       time.Duration
	Timeout   time.Duration
	NonAtomic bool
	PreQueue  PreQueueFunc
	ShouldRun ShouldRunFunc
	RunJob    RunJobFunc
}

// DecodePayload unmarshals raw into a fresh payload value and validates
// it. Types without a payload ignore raw entirely.
func (d *Descriptor) DecodePayload(raw json.RawMessage) (any, error) {
	if d.NewPayload == nil {
		return nil, nil
	}
	payload := d.NewPayload()
	if raw != nil {
		if err := json.Unmarshal(raw, payload); err != nil {
			return nil, decodeError(err)
		}
	}
	if d.Validate != nil {
		if err := d.Validate(payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func decodeError(err error) error {
	if typeErr, ok := err.(*json.UnmarshalTypeError); ok && typeErr.Field != "" {
		return &ValidationError{Errors: []FieldError{{
			Loc:  strings.Split(typeErr.Field, "."),
			Msg:  fmt.Sprintf("value is not a valid %s", typeErr.Type),
			Type: "type_error",
		}}}
	}
	return rootError(err.Error(), "value_error.jsondecode")
}

// QueueName returns the descriptor's queue, defaulted.
func (d *Descriptor) QueueName() string {
	if d.Queue == "" {
		return DefaultQueue
	}
	return d.Queue
}

func (d *Descriptor) JobTTL() time.Duration {
	if d.TTL <= 0 {
		return DefaultJobTTL
	}
	return d.TTL
}

func (d *Descriptor) JobTimeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultJobTimeout
	}
	return d.Timeout
}

// MessageMeta travels with a message through the process but never onto
// the client wire as a unit: the envelope picks the id, language and
// state; the consumer name and user pk stay server-side.
type MessageMeta struct {
	// ID is the client correlation id (envelope i).
	ID string `json:"id,omitempty"`
	// UserPk identifies the authenticated user, 0 for anonymous.
	UserPk int64 `json:"user_pk,omitempty"`
	// ConsumerName is the session's layer channel name; replies to the
	// originating socket are addressed with it.
	ConsumerName string `json:"consumer_name,omitempty"`
	// Language for deferred work, from the envelope l or the session.
	Language string `json:"language,omitempty"`
	// State to stamp on outgoing envelopes ("" for none).
	State State `json:"state,omitempty"`
	// Registry names the envelope kind the message was decoded from.
	Registry string `json:"registry,omitempty"`
}

// Message is a decoded, typed envelope plus its meta.
type Message struct {
	Desc    *Descriptor
	Payload any
	Meta    MessageMeta
}

func NewMessage(d *Descriptor, payload any) *Message {
	return &Message{Desc: d, Payload: payload}
}

func (m *Message) Name() string { return m.Desc.Name }

// Reply builds a message answering m: same id, user, consumer and
// language, fresh state and registry.
func (m *Message) Reply(d *Descriptor, payload any) *Message {
	return &Message{Desc: d, Payload: payload, Meta: MessageMeta{
		ID:           m.Meta.ID,
		UserPk:       m.Meta.UserPk,
		ConsumerName: m.Meta.ConsumerName,
		Language:     m.Meta.Language,
	}}
}

// MarshalPayload serializes the payload, nil for payloadless types.
func (m *Message) MarshalPayload() (json.RawMessage, error) {
	if m.Payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}
	return normalizeRaw(raw), nil
}
