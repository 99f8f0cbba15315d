// Package auth defines the principal model the fabric works with and a
// JWT authenticator for the WebSocket upgrade.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// User is an authenticated principal. A nil User is an anonymous session.
type User interface {
	Pk() int64
	DisplayName() string
}

// Authenticated reports whether u is a signed-in principal with a real
// primary key.
func Authenticated(u User) bool {
	return u != nil && u.Pk() != 0
}

// TokenUser is the principal carried by a verified token.
type TokenUser struct {
	ID   int64
	Name string
}

func (u TokenUser) Pk() int64           { return u.ID }
func (u TokenUser) DisplayName() string { return u.Name }

// Loader resolves a principal by primary key. Job workers use it to
// rebuild the user a deferred message was queued for.
type Loader interface {
	UserByPk(ctx context.Context, pk int64) (User, error)
}

// ErrUnknownUser is returned by loaders for absent primary keys.
var ErrUnknownUser = errors.New("auth: unknown user")

// StaticDirectory is a fixed pk → user map. It serves tests and
// single-tenant deployments where the principal set is small and known.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[int64]User
}

func NewStaticDirectory(users ...User) *StaticDirectory {
	d := &StaticDirectory{users: make(map[int64]User, len(users))}
	for _, u := range users {
		d.users[u.Pk()] = u
	}
	return d
}

func (d *StaticDirectory) Add(u User) {
	d.mu.Lock()
	d.users[u.Pk()] = u
	d.mu.Unlock()
}

func (d *StaticDirectory) UserByPk(_ context.Context, pk int64) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[pk]
	if !ok {
		return nil, fmt.Errorf("%w: pk=%d", ErrUnknownUser, pk)
	}
	return u, nil
}
