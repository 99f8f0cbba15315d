// Package store persists per-session presence: one Connection row per
// (user, consumer channel) pair. Rows are written only from job workers,
// never from session goroutines.
package store

import (
	"context"
	"errors"
	"time"
)

// Connection is a user's presence on one consumer channel. The row
// survives disconnects; it is authoritative only while Online is true.
type Connection struct {
	UserPk      int64
	ChannelName string
	Online      bool
	// Awol marks rows whose session stopped reporting activity without a
	// clean close, as decided by the sweep in MarkAwol.
	Awol       bool
	OnlineAt   time.Time
	OfflineAt  time.Time
	LastAction time.Time
}

// StatusChange is a partial update. Nil fields are left untouched.
type StatusChange struct {
	Online     *bool
	Awol       *bool
	OnlineAt   *time.Time
	OfflineAt  *time.Time
	LastAction *time.Time
}

// Ptr is a literal-to-pointer helper for building StatusChange values.
func Ptr[T any](v T) *T { return &v }

// ErrNotFound is returned by Get for absent rows.
var ErrNotFound = errors.New("store: connection not found")

// Store is the presence backend. Implementations must be safe for
// concurrent use; workers from several queues write simultaneously.
type Store interface {
	// UpsertStatus creates the (userPk, channelName) row if needed and
	// applies the non-nil fields of change, returning the row as stored.
	UpsertStatus(ctx context.Context, userPk int64, channelName string, change StatusChange) (Connection, error)

	// Get returns one row or ErrNotFound.
	Get(ctx context.Context, userPk int64, channelName string) (Connection, error)

	// MarkAwol flags rows still online whose LastAction is older than
	// olderThan: awol=true, online=false. Returns the rows changed so
	// the caller can announce each lost connection.
	MarkAwol(ctx context.Context, olderThan time.Time) ([]Connection, error)

	// CountOnline reports how many rows are currently online. Feeds the
	// presence gauge.
	CountOnline(ctx context.Context) (int64, error)
}
