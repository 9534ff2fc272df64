package registry

import (
	"sort"
	"sync"

	"github.com/notifyhub/event-driven-arch/internal/domain"
)

type entry struct {
	provider Provider
	priority int
}

// Registry stores providers keyed by id, and per-channel an ordered list
// by descending priority, with an optional default and fallback.
// Registering the same id twice fails, per §4.A.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*entry
	byChannel map[domain.Channel][]string // ids, ordered by descending priority
	defaults  map[domain.Channel]string
	fallbacks map[domain.Channel]string
}

func New() *Registry {
	return &Registry{
		providers: make(map[string]*entry),
		byChannel: make(map[domain.Channel][]string),
		defaults:  make(map[domain.Channel]string),
		fallbacks: make(map[domain.Channel]string),
	}
}

// Register adds a provider under its manifest id with the given priority.
// Returns domain.ErrProviderExists if the id is already registered.
func (r *Registry) Register(p Provider, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.Manifest().ID
	if _, exists := r.providers[id]; exists {
		return domain.ErrProviderExists
	}
	r.providers[id] = &entry{provider: p, priority: priority}

	ch := p.Manifest().Channel
	r.byChannel[ch] = append(r.byChannel[ch], id)
	sort.SliceStable(r.byChannel[ch], func(i, j int) bool {
		return r.providers[r.byChannel[ch][i]].priority > r.providers[r.byChannel[ch][j]].priority
	})

	return nil
}

// SetDefault designates id as the channel's default provider.
func (r *Registry) SetDefault(ch domain.Channel, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[ch] = id
}

// SetFallback designates id as the channel's fallback provider.
func (r *Registry) SetFallback(ch domain.Channel, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[ch] = id
}

// Get looks up a provider by its registered id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.providers[id]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// DefaultFor returns the channel's configured default provider.
func (r *Registry) DefaultFor(ch domain.Channel) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.defaults[ch]
	if !ok {
		return nil, false
	}
	e, ok := r.providers[id]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// FallbackFor returns the channel's configured fallback provider, if any.
func (r *Registry) FallbackFor(ch domain.Channel) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.fallbacks[ch]
	if !ok {
		return nil, false
	}
	e, ok := r.providers[id]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// All returns every registered provider, used by the health-check poller.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, e := range r.providers {
		out = append(out, e.provider)
	}
	return out
}
