// Package queue defines the deferred work contract: serializable jobs,
// named backends that store and run them, and a registry the job
// pipeline routes through. Backends enforce the two job deadlines: the
// ttl before pickup and the execution timeout after it.
package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job is one unit of deferred work. Args is an opaque document owned by
// whoever registered the handler; backends only read the deadlines.
type Job struct {
	ID         string          `json:"id"`
	Tag        string          `json:"tag"`
	Queue      string          `json:"queue"`
	Args       json.RawMessage `json:"args"`
	TTL        time.Duration   `json:"ttl"`
	Timeout    time.Duration   `json:"timeout"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewJob builds a job with a fresh id, stamped now.
func NewJob(tag, queueName string, args json.RawMessage) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Tag:        tag,
		Queue:      queueName,
		Args:       args,
		EnqueuedAt: time.Now(),
	}
}

// Expired reports whether the job sat unpicked past its ttl. Expired
// jobs are dropped, not failed: the client stopped waiting long ago.
func (j *Job) Expired(now time.Time) bool {
	return j.TTL > 0 && now.Sub(j.EnqueuedAt) > j.TTL
}

// Handler consumes one job. The ctx carries the execution timeout when
// the job has one.
type Handler func(ctx context.Context, job *Job) error

// FailureFunc observes jobs whose handler returned an error or
// panicked. It runs on the worker goroutine.
type FailureFunc func(job *Job, err error)

// Backend is one named work queue. Enqueue must be cheap; it is called
// from session tasks. Run consumes jobs with h until ctx is cancelled.
type Backend interface {
	Enqueue(ctx context.Context, job *Job) error
	Run(ctx context.Context, h Handler) error
}

// Default is the queue name used when a message names none.
const Default = "default"

// Registry maps queue names to backends. Populated during startup
// wiring, read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Set registers b under name, replacing any previous entry.
func (r *Registry) Set(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
}

// Get returns the backend for name, falling back to the default backend
// for unknown names so a message with a misspelled queue still runs.
func (r *Registry) Get(name string) (Backend, bool) {
	if name == "" {
		name = Default
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		b, ok = r.backends[Default]
	}
	return b, ok
}

// Names returns the registered queue names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
