package envelope

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps wire tags to message descriptors for one envelope kind.
// A message may be registered in several registries: s.ping is both an
// incoming command and an outgoing message.
//
// Registration is a startup activity and panics on misuse, in the way
// metric registration does; after Freeze the registry is lock-free for
// readers in practice and guarded only for safety.
type Registry struct {
	name string

	mu       sync.RWMutex
	frozen   bool
	messages map[string]*Descriptor
}

func NewRegistry(name string) *Registry {
	return &Registry{name: name, messages: make(map[string]*Descriptor)}
}

func (r *Registry) Name() string { return r.name }

// Register adds d under its wire name.
func (r *Registry) Register(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("envelope: register %q in frozen registry %q", d.Name, r.name))
	}
	if d.Name == "" {
		panic(fmt.Sprintf("envelope: empty message name in registry %q", r.name))
	}
	if _, dup := r.messages[d.Name]; dup {
		panic(fmt.Sprintf("envelope: message %q already registered in %q", d.Name, r.name))
	}
	r.messages[d.Name] = d
}

// Lookup resolves a wire tag.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.messages[name]
	return d, ok
}

// Names returns the registered tags, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.messages))
	for name := range r.messages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}
