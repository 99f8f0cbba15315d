package envelope

import (
	"encoding/json"

	"github.com/VoteIT/channels-envelope/layer"
)

// Transport converts a packed envelope into a layer payload. The routing
// tag it stamps (layer "type") selects the session-side handler and is
// part of the wire contract with deployed clients:
//
//	websocket.send  — serialized outgoing frame, forwarded to the socket
//	ws.error.send   — serialized error frame, forwarded to the socket
//	internal.msg    — structured server-to-server message, never forwarded
type Transport interface {
	Name() string
	Payload(e *Envelope, m *Message) (layer.Payload, error)
}

// TextTransport ships the envelope pre-serialized under text_data, so
// group fan-out serializes once per send rather than once per receiver.
// The id, tag and state ride alongside for logging at the receiving end,
// and run_handlers tells the receiving session to put the frame through
// its outbound handlers before writing it out.
type TextTransport struct {
	name string
}

func NewTextTransport(name string) TextTransport { return TextTransport{name: name} }

func (t TextTransport) Name() string { return t.name }

func (t TextTransport) Payload(e *Envelope, m *Message) (layer.Payload, error) {
	data, err := e.Marshal()
	if err != nil {
		return nil, err
	}
	runHandlers := m != nil && m.Desc.Behavior == BehaviorRunnable
	return layer.Payload{
		layer.TypeKey:  t.name,
		"text_data":    string(data),
		"i":            e.ID,
		"t":            e.Type,
		"s":            e.State,
		"run_handlers": runHandlers,
	}, nil
}

// DictTransport ships the envelope fields individually; the receiving
// session re-validates and dispatches the message as server-internal
// input instead of writing anything to its socket.
type DictTransport struct {
	name string
}

func NewDictTransport(name string) DictTransport { return DictTransport{name: name} }

func (t DictTransport) Name() string { return t.name }

func (t DictTransport) Payload(e *Envelope, _ *Message) (layer.Payload, error) {
	p := layer.Payload{
		layer.TypeKey: t.name,
		"t":           e.Type,
		"i":           e.ID,
		"l":           e.Language,
	}
	if e.Payload != nil {
		p["p"] = json.RawMessage(e.Payload)
	} else {
		p["p"] = nil
	}
	return p, nil
}
