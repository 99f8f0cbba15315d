// Package memlayer is the in-process channel layer. It backs single-node
// deployments and tests: mailboxes are plain function handles and group
// membership lives in copy-on-write snapshots so sends never hold a lock
// while delivering.
package memlayer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/VoteIT/channels-envelope/internal/monitoring"
	"github.com/VoteIT/channels-envelope/layer"
)

// group holds an immutable membership snapshot. Writers copy and swap
// under the layer mutex; readers load without locking.
type group struct {
	members atomic.Value // []string
}

func (g *group) snapshot() []string {
	v, _ := g.members.Load().([]string)
	return v
}

// Layer implements layer.SessionLayer for a single process.
type Layer struct {
	log zerolog.Logger

	mu        sync.RWMutex
	mailboxes map[string]layer.DeliverFunc
	groups    map[string]*group
}

var _ layer.SessionLayer = (*Layer)(nil)

func New(log zerolog.Logger) *Layer {
	return &Layer{
		log:       log.With().Str("component", "memlayer").Logger(),
		mailboxes: make(map[string]layer.DeliverFunc),
		groups:    make(map[string]*group),
	}
}

func (l *Layer) Attach(_ context.Context, channelName string, deliver layer.DeliverFunc) (func(), error) {
	l.mu.Lock()
	l.mailboxes[channelName] = deliver
	l.mu.Unlock()

	detach := func() {
		l.mu.Lock()
		delete(l.mailboxes, channelName)
		l.mu.Unlock()
		// Membership entries for a detached channel are lazily skipped at
		// send time; discard them here so groups do not accumulate names.
		l.discardEverywhere(channelName)
	}
	return detach, nil
}

func (l *Layer) Send(_ context.Context, channelName string, p layer.Payload) error {
	monitoring.LayerPublishes.WithLabelValues("memory").Inc()
	l.mu.RLock()
	deliver, ok := l.mailboxes[channelName]
	l.mu.RUnlock()
	if !ok {
		l.log.Debug().Str("channel", channelName).Str("type", p.Type()).Msg("send to absent channel dropped")
		return nil
	}
	deliver(p)
	return nil
}

func (l *Layer) GroupSend(_ context.Context, groupName string, p layer.Payload) error {
	monitoring.LayerPublishes.WithLabelValues("memory").Inc()
	l.mu.RLock()
	g := l.groups[groupName]
	l.mu.RUnlock()
	if g == nil {
		return nil
	}
	for _, name := range g.snapshot() {
		l.mu.RLock()
		deliver, ok := l.mailboxes[name]
		l.mu.RUnlock()
		if ok {
			deliver(p)
		}
	}
	return nil
}

func (l *Layer) GroupAdd(_ context.Context, groupName, channelName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	g := l.groups[groupName]
	if g == nil {
		g = &group{}
		g.members.Store([]string{channelName})
		l.groups[groupName] = g
		return nil
	}
	cur := g.snapshot()
	for _, name := range cur {
		if name == channelName {
			return nil
		}
	}
	next := make([]string, len(cur), len(cur)+1)
	copy(next, cur)
	g.members.Store(append(next, channelName))
	return nil
}

func (l *Layer) GroupDiscard(_ context.Context, groupName, channelName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discardLocked(groupName, channelName)
	return nil
}

func (l *Layer) discardLocked(groupName, channelName string) {
	g := l.groups[groupName]
	if g == nil {
		return
	}
	cur := g.snapshot()
	next := make([]string, 0, len(cur))
	for _, name := range cur {
		if name != channelName {
			next = append(next, name)
		}
	}
	if len(next) == 0 {
		delete(l.groups, groupName)
		return
	}
	g.members.Store(next)
}

func (l *Layer) discardEverywhere(channelName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for groupName := range l.groups {
		l.discardLocked(groupName, channelName)
	}
}

// Members returns the current membership of a group. Intended for tests
// and introspection endpoints.
func (l *Layer) Members(groupName string) []string {
	l.mu.RLock()
	g := l.groups[groupName]
	l.mu.RUnlock()
	if g == nil {
		return nil
	}
	return g.snapshot()
}
