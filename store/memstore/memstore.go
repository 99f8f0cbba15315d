// Package memstore keeps connection presence in process memory. It
// serves tests and single-node deployments; anything clustered wants
// the postgres store.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/VoteIT/channels-envelope/store"
)

type key struct {
	userPk      int64
	channelName string
}

// Store is an in-memory store.Store. The zero value is not usable; call
// New.
type Store struct {
	mu   sync.Mutex
	rows map[key]*store.Connection
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{rows: make(map[key]*store.Connection)}
}

func (s *Store) UpsertStatus(_ context.Context, userPk int64, channelName string, change store.StatusChange) (store.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{userPk, channelName}
	row, ok := s.rows[k]
	if !ok {
		row = &store.Connection{UserPk: userPk, ChannelName: channelName}
		s.rows[k] = row
	}
	if change.Online != nil {
		row.Online = *change.Online
	}
	if change.Awol != nil {
		row.Awol = *change.Awol
	}
	if change.OnlineAt != nil {
		row.OnlineAt = *change.OnlineAt
	}
	if change.OfflineAt != nil {
		row.OfflineAt = *change.OfflineAt
	}
	if change.LastAction != nil {
		row.LastAction = *change.LastAction
	}
	return *row, nil
}

func (s *Store) Get(_ context.Context, userPk int64, channelName string) (store.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key{userPk, channelName}]
	if !ok {
		return store.Connection{}, store.ErrNotFound
	}
	return *row, nil
}

func (s *Store) MarkAwol(_ context.Context, olderThan time.Time) ([]store.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept []store.Connection
	for _, row := range s.rows {
		if row.Online && row.LastAction.Before(olderThan) {
			row.Awol = true
			row.Online = false
			swept = append(swept, *row)
		}
	}
	return swept, nil
}

func (s *Store) CountOnline(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.rows {
		if row.Online {
			n++
		}
	}
	return n, nil
}
