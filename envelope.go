// Package envelope implements a typed, bidirectional messaging fabric for
// WebSocket applications: a compact wire envelope, registries of typed
// messages, a dispatcher that runs or defers them, and the session model
// that ties a live socket to pub/sub channels and deferred jobs.
//
// The wire unit is a small JSON object:
//
//	{"t": "s.ping", "p": null, "i": "a", "s": "s"}
//
// where t tags the message type, p is the type's payload, i is a
// client-chosen correlation id and s a state marker for replies. Incoming
// envelopes may carry l, a language hint for deferred work.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Wire field limits.
const (
	MaxIDLen    = 20
	MaxStateLen = 6
)

// State is the lifecycle marker carried in the envelope s field.
type State string

const (
	StateAcknowledged State = "a"
	StateQueued       State = "q"
	StateRunning      State = "r"
	StateSuccess      State = "s"
	StateFailed       State = "f"
)

// FieldError is one entry of a validation failure, in the shape clients
// already parse: a location path, a human message and a stable code.
type FieldError struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// ValidationError aggregates the field errors of one frame or payload.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", strings.Join(fe.Loc, "."), fe.Msg))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func rootError(msg, typ string) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Loc: []string{"__root__"}, Msg: msg, Type: typ}}}
}

// Envelope is one parsed or packed wire frame, bound to the kind that
// produced it.
type Envelope struct {
	kind *Kind

	Type     string
	Payload  json.RawMessage // nil encodes as null
	ID       string
	State    string
	Language string
}

// Kind returns the envelope kind this frame belongs to.
func (e *Envelope) Kind() *Kind { return e.kind }

var nullLiteral = []byte("null")

func normalizeRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(raw, nullLiteral) {
		return nil
	}
	return raw
}

// wireIn is the lenient decode shape. Unknown keys are ignored; pointers
// distinguish absent from empty.
type wireIn struct {
	Type     *string         `json:"t"`
	Payload  json.RawMessage `json:"p"`
	ID       *string         `json:"i"`
	State    *string         `json:"s"`
	Language *string         `json:"l"`
}

type wireOut struct {
	Type    string          `json:"t"`
	Payload json.RawMessage `json:"p"`
	ID      *string         `json:"i"`
	State   *string         `json:"s"`
}

type wireOutNoState struct {
	Type     string          `json:"t"`
	Payload  json.RawMessage `json:"p"`
	ID       *string         `json:"i"`
	Language *string         `json:"l"`
}

// Parse decodes one frame against this kind's schema. Failures are
// returned as *ValidationError with client-presentable entries; the
// frame is otherwise untouched.
func (k *Kind) Parse(data []byte) (*Envelope, error) {
	var w wireIn
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, rootError(err.Error(), "value_error.jsondecode")
	}

	var errs []FieldError
	if w.Type == nil || *w.Type == "" {
		errs = append(errs, FieldError{Loc: []string{"t"}, Msg: "field required", Type: "value_error.missing"})
	}
	if w.ID != nil && len(*w.ID) > MaxIDLen {
		errs = append(errs, FieldError{
			Loc:  []string{"i"},
			Msg:  fmt.Sprintf("ensure this value has at most %d characters", MaxIDLen),
			Type: "value_error.any_str.max_length",
		})
	}
	if k.hasState && w.State != nil && len(*w.State) > MaxStateLen {
		errs = append(errs, FieldError{
			Loc:  []string{"s"},
			Msg:  fmt.Sprintf("ensure this value has at most %d characters", MaxStateLen),
			Type: "value_error.any_str.max_length",
		})
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	e := &Envelope{kind: k, Type: *w.Type, Payload: normalizeRaw(w.Payload)}
	if w.ID != nil {
		e.ID = *w.ID
	}
	if k.hasState && w.State != nil {
		e.State = *w.State
	}
	if k.hasLanguage && w.Language != nil {
		e.Language = *w.Language
	}
	return e, nil
}

// Marshal encodes the frame. Every schema field is written explicitly,
// null for absent values, so clients can rely on a fixed shape.
func (e *Envelope) Marshal() ([]byte, error) {
	if e.kind.hasState {
		return json.Marshal(wireOut{
			Type:    e.Type,
			Payload: e.Payload,
			ID:      optional(e.ID),
			State:   optional(e.State),
		})
	}
	return json.Marshal(wireOutNoState{
		Type:     e.Type,
		Payload:  e.Payload,
		ID:       optional(e.ID),
		Language: optional(e.Language),
	})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Pack builds the wire frame for m under this kind. The payload is
// serialized, the meta id is carried over, and the state comes from the
// meta unless the kind forces one (the errors kind always stamps "f").
func (k *Kind) Pack(m *Message) (*Envelope, error) {
	payload, err := m.MarshalPayload()
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", m.Name(), err)
	}
	e := &Envelope{
		kind:     k,
		Type:     m.Name(),
		Payload:  payload,
		ID:       m.Meta.ID,
		Language: m.Meta.Language,
	}
	if k.hasState {
		e.State = string(m.Meta.State)
		if k.forceState != "" {
			e.State = string(k.forceState)
		}
	}
	return e, nil
}

// NewEnvelope assembles a frame without parsing, for payloads arriving
// through a non-text transport. The caller owns field validity.
func (k *Kind) NewEnvelope(typ string, payload json.RawMessage, id, language string) *Envelope {
	return &Envelope{
		kind:     k,
		Type:     typ,
		Payload:  normalizeRaw(payload),
		ID:       id,
		Language: language,
	}
}

// Unpack resolves the frame's type against this kind's registry and
// decodes the payload. Session data fills the meta: the consumer name,
// the user's pk and the language fallback. sess may be nil for frames
// handled outside a session.
//
// An unknown tag is returned as an *Error carrying error.msg_type; a
// payload that does not match its schema as *ValidationError.
func (k *Kind) Unpack(e *Envelope, sess Session) (*Message, error) {
	d, ok := k.registry.Lookup(e.Type)
	if !ok {
		return nil, ErrMsgType(e.Type, k.name)
	}
	payload, err := d.DecodePayload(e.Payload)
	if err != nil {
		return nil, err
	}

	meta := MessageMeta{ID: e.ID, Registry: k.name, Language: e.Language}
	if sess != nil {
		meta.ConsumerName = sess.ChannelName()
		if meta.Language == "" {
			meta.Language = sess.Language()
		}
		if u := sess.User(); u != nil {
			meta.UserPk = u.Pk()
		}
	}
	return &Message{Desc: d, Payload: payload, Meta: meta}, nil
}
