package envelope

import (
	"fmt"
	"sort"
	"sync"

	"github.com/VoteIT/channels-envelope/layer"
)

// Names of the built-in envelope kinds. They double as registry names and
// appear on the wire in error.msg_type payloads.
const (
	KindWSIncoming = "ws_incoming"
	KindWSOutgoing = "ws_outgoing"
	KindInternal   = "internal"
	KindErrors     = "errors"
)

// Kind is one envelope schema plus its delivery rules: which message
// registry resolves its tags, which transport and layer carry it, and
// which wire fields it reads and writes.
type Kind struct {
	name        string
	registry    *Registry
	transport   Transport
	layerName   string
	allowBatch  bool
	hasState    bool
	hasLanguage bool
	forceState  State
}

func (k *Kind) Name() string        { return k.name }
func (k *Kind) Registry() *Registry { return k.registry }
func (k *Kind) LayerName() string   { return k.layerName }
func (k *Kind) AllowBatch() bool    { return k.allowBatch }
func (k *Kind) HasState() bool      { return k.hasState }

// Transport returns the layer transport, or nil for kinds that are only
// ever read (ws_incoming).
func (k *Kind) Transport() Transport { return k.transport }

// Register adds d to this kind's message registry.
func (k *Kind) Register(d *Descriptor) { k.registry.Register(d) }

// KindConfig describes a kind to add to a catalog.
type KindConfig struct {
	Name        string
	Transport   Transport
	LayerName   string
	AllowBatch  bool
	HasState    bool
	HasLanguage bool
	ForceState  State
}

// Catalog is the full envelope configuration of one deployment: every
// kind and every message registry. It is assembled by explicit register
// calls during startup, then frozen; consumers receive it by handle and
// only ever read it.
type Catalog struct {
	mu     sync.RWMutex
	kinds  map[string]*Kind
	frozen bool
}

// NewCatalog builds a catalog with the four built-in kinds and the base
// error messages registered. Applications add their own messages (and
// kinds, if any) before calling Freeze.
func NewCatalog() *Catalog {
	c := &Catalog{kinds: make(map[string]*Kind)}
	c.AddKind(KindConfig{
		Name:        KindWSIncoming,
		HasLanguage: true,
	})
	c.AddKind(KindConfig{
		Name:       KindWSOutgoing,
		Transport:  NewTextTransport("websocket.send"),
		LayerName:  layer.Default,
		AllowBatch: true,
		HasState:   true,
	})
	c.AddKind(KindConfig{
		Name:        KindInternal,
		Transport:   NewDictTransport("internal.msg"),
		LayerName:   layer.Default,
		HasLanguage: true,
	})
	c.AddKind(KindConfig{
		Name:       KindErrors,
		Transport:  NewTextTransport("ws.error.send"),
		LayerName:  layer.Default,
		AllowBatch: true,
		HasState:   true,
		ForceState: StateFailed,
	})
	registerBaseErrors(c)
	return c
}

// AddKind creates a kind with its own empty registry. Panics on a
// duplicate name or after Freeze; kinds are startup configuration.
func (c *Catalog) AddKind(cfg KindConfig) *Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		panic(fmt.Sprintf("envelope: AddKind(%s) after Freeze", cfg.Name))
	}
	if cfg.Name == "" {
		panic("envelope: kind name required")
	}
	if _, dup := c.kinds[cfg.Name]; dup {
		panic(fmt.Sprintf("envelope: kind %q already defined", cfg.Name))
	}
	layerName := cfg.LayerName
	if layerName == "" && cfg.Transport != nil {
		layerName = layer.Default
	}
	k := &Kind{
		name:        cfg.Name,
		registry:    NewRegistry(cfg.Name),
		transport:   cfg.Transport,
		layerName:   layerName,
		allowBatch:  cfg.AllowBatch,
		hasState:    cfg.HasState,
		hasLanguage: cfg.HasLanguage,
		forceState:  cfg.ForceState,
	}
	c.kinds[cfg.Name] = k
	return k
}

// Kind returns the named kind, or nil when absent.
func (c *Catalog) Kind(name string) *Kind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.kinds[name]
}

func (c *Catalog) Incoming() *Kind { return c.Kind(KindWSIncoming) }
func (c *Catalog) Outgoing() *Kind { return c.Kind(KindWSOutgoing) }
func (c *Catalog) Internal() *Kind { return c.Kind(KindInternal) }
func (c *Catalog) Errors() *Kind   { return c.Kind(KindErrors) }

// KindNames returns the registered kind names, sorted.
func (c *Catalog) KindNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.kinds))
	for name := range c.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Freeze ends the registration phase for the catalog and every registry
// in it.
func (c *Catalog) Freeze() {
	c.mu.Lock()
	c.frozen = true
	kinds := make([]*Kind, 0, len(c.kinds))
	for _, k := range c.kinds {
		kinds = append(kinds, k)
	}
	c.mu.Unlock()
	for _, k := range kinds {
		k.registry.Freeze()
	}
}
