// Package messages holds the built-in message catalog: the ping/pong
// pair, progress reporting, and the batch messages the transactional
// sender emits.
package messages

import (
	"context"

	envelope "github.com/VoteIT/channels-envelope"
)

// ProgressPayload reports stepwise progress of server-side work.
type ProgressPayload struct {
	Curr  int     `json:"curr"`
	Total int     `json:"total"`
	Msg   *string `json:"msg"`
}

var (
	// Ping answers with a pong wherever it shows up as input; packed
	// outbound it is just a probe and stays silent on transit.
	Ping = &envelope.Descriptor{
		Name:     "s.ping",
		Behavior: envelope.BehaviorRunnable,
		Run: func(ctx context.Context, m *envelope.Message, sess envelope.Session) error {
			if sess == nil || m.Meta.Registry == envelope.KindWSOutgoing {
				return nil
			}
			return sess.SendWSMessage(ctx, m.Reply(Pong, nil), envelope.StateSuccess)
		},
	}

	Pong = &envelope.Descriptor{
		Name:     "s.pong",
		Behavior: envelope.BehaviorPlain,
	}

	ProgressNum = &envelope.Descriptor{
		Name:       "progress.num",
		Behavior:   envelope.BehaviorPlain,
		NewPayload: func() any { return new(ProgressPayload) },
	}

	Status = &envelope.Descriptor{
		Name:     "s.stat",
		Behavior: envelope.BehaviorPlain,
	}
)

// Register adds the built-in messages to their registries.
func Register(cat *envelope.Catalog) {
	cat.Incoming().Register(Ping)
	cat.Outgoing().Register(Ping)

	cat.Incoming().Register(Pong)
	cat.Outgoing().Register(Pong)
	cat.Internal().Register(Pong)

	cat.Outgoing().Register(ProgressNum)
	cat.Outgoing().Register(Status)

	cat.Outgoing().Register(Batch)
	cat.Outgoing().Register(Batch2)
}

// NewProgress builds a progress.num message.
func NewProgress(curr, total int, msg string) *envelope.Message {
	p := &ProgressPayload{Curr: curr, Total: total}
	if msg != "" {
		p.Msg = &msg
	}
	return envelope.NewMessage(ProgressNum, p)
}
