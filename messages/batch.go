package messages

import (
	"bytes"
	"encoding/json"
	"fmt"

	envelope "github.com/VoteIT/channels-envelope"
	"github.com/VoteIT/channels-envelope/sender"
)

// BatchPayload is the payload-list batch shape: the inner type's tag and
// its payloads in send order, null for payloadless sends.
type BatchPayload struct {
	T        string            `json:"t"`
	Payloads []json.RawMessage `json:"payloads"`
}

// Batch2Payload is the tabular batch shape: one key row shared by every
// entry plus a value row per message. Smaller on the wire when payloads
// repeat their keys.
type Batch2Payload struct {
	T      string            `json:"t"`
	Common json.RawMessage   `json:"common"`
	Keys   []string          `json:"keys"`
	Values []json.RawMessage `json:"values"`
}

var (
	// Batch messages opt out of batching themselves; a batch of batches
	// has no consumer.
	Batch = &envelope.Descriptor{
		Name:       "s.batch",
		Behavior:   envelope.BehaviorPlain,
		NoBatch:    true,
		NewPayload: func() any { return new(BatchPayload) },
	}

	Batch2 = &envelope.Descriptor{
		Name:       "s.batch2",
		Behavior:   envelope.BehaviorPlain,
		NoBatch:    true,
		NewPayload: func() any { return new(Batch2Payload) },
	}
)

// BatchFactoryByName resolves the configured batch shape.
func BatchFactoryByName(name string) (sender.BatchFactory, error) {
	switch name {
	case "", Batch.Name:
		return ListBatchFactory{}, nil
	case Batch2.Name:
		return TableBatchFactory{}, nil
	}
	return nil, fmt.Errorf("unknown batch message %q", name)
}

// ListBatchFactory produces s.batch messages.
type ListBatchFactory struct{}

func (ListBatchFactory) Start(first *envelope.Message) (sender.Batch, error) {
	raw, err := first.MarshalPayload()
	if err != nil {
		return nil, err
	}
	return &listBatch{
		meta:    first.Meta,
		payload: &BatchPayload{T: first.Name(), Payloads: []json.RawMessage{raw}},
	}, nil
}

type listBatch struct {
	meta    envelope.MessageMeta
	payload *BatchPayload
}

func (b *listBatch) Append(m *envelope.Message) error {
	if m.Name() != b.payload.T {
		return fmt.Errorf("batch expects %q, got %q", b.payload.T, m.Name())
	}
	raw, err := m.MarshalPayload()
	if err != nil {
		return err
	}
	b.payload.Payloads = append(b.payload.Payloads, raw)
	return nil
}

func (b *listBatch) Message() *envelope.Message {
	msg := envelope.NewMessage(Batch, b.payload)
	msg.Meta = b.meta
	return msg
}

// TableBatchFactory produces s.batch2 messages. The key row comes from
// the first payload; later payloads must carry exactly those keys.
type TableBatchFactory struct{}

func (TableBatchFactory) Start(first *envelope.Message) (sender.Batch, error) {
	raw, err := first.MarshalPayload()
	if err != nil {
		return nil, err
	}
	payload := &Batch2Payload{T: first.Name(), Keys: []string{}}
	if raw == nil {
		payload.Values = []json.RawMessage{nil}
		return &tableBatch{meta: first.Meta, payload: payload}, nil
	}
	keys, values, err := objectFields(raw)
	if err != nil {
		return nil, err
	}
	payload.Keys = keys
	row, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	payload.Values = []json.RawMessage{row}
	return &tableBatch{meta: first.Meta, payload: payload}, nil
}

type tableBatch struct {
	meta    envelope.MessageMeta
	payload *Batch2Payload
}

func (b *tableBatch) Append(m *envelope.Message) error {
	if m.Name() != b.payload.T {
		return fmt.Errorf("batch expects %q, got %q", b.payload.T, m.Name())
	}
	raw, err := m.MarshalPayload()
	if err != nil {
		return err
	}
	if raw == nil {
		b.payload.Values = append(b.payload.Values, nil)
		return nil
	}
	keys, values, err := objectFields(raw)
	if err != nil {
		return err
	}
	byKey := make(map[string]json.RawMessage, len(keys))
	for i, k := range keys {
		byKey[k] = values[i]
	}
	row := make([]json.RawMessage, 0, len(b.payload.Keys))
	for _, k := range b.payload.Keys {
		v, ok := byKey[k]
		if !ok {
			return fmt.Errorf("batch2 entry for %q missing key %q", b.payload.T, k)
		}
		delete(byKey, k)
		row = append(row, v)
	}
	if len(byKey) > 0 {
		extra := make([]string, 0, len(byKey))
		for k := range byKey {
			extra = append(extra, k)
		}
		return fmt.Errorf("batch2 entry for %q has extra keys: %v", b.payload.T, extra)
	}
	rowRaw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	b.payload.Values = append(b.payload.Values, rowRaw)
	return nil
}

func (b *tableBatch) Message() *envelope.Message {
	msg := envelope.NewMessage(Batch2, b.payload)
	msg.Meta = b.meta
	return msg
}

// objectFields decodes a JSON object preserving key order.
func objectFields(raw json.RawMessage) ([]string, []json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("batch payload is not an object")
	}
	var keys []string
	var values []json.RawMessage
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected token %v in object", keyTok)
		}
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, nil, err
		}
		keys = append(keys, key)
		values = append(values, val)
	}
	return keys, values, nil
}
