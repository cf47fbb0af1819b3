// Package provider manages the registry of configured upstream providers.
package provider

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/blueberrycongee/llmrelay/internal/config"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
)

// Provider is a configured upstream endpoint. API keys rotate round-robin
// under the registry's per-provider lock.
type Provider struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Kind         string                 `json:"kind"`
	BaseURL      string                 `json:"base_url"`
	APIKeys      []string               `json:"-"`
	Models       []string               `json:"models"`
	Headers      map[string]string      `json:"headers,omitempty"`
	Transformers config.TransformerSpec `json:"transformers,omitempty"`
	Enabled      bool                   `json:"enabled"`

	keyMu    sync.Mutex
	keyIndex int
}

// NextKey returns the next API key in round-robin order.
func (p *Provider) NextKey() string {
	p.keyMu.Lock()
	defer p.keyMu.Unlock()
	if len(p.APIKeys) == 0 {
		return ""
	}
	key := p.APIKeys[p.keyIndex%len(p.APIKeys)]
	p.keyIndex = (p.keyIndex + 1) % len(p.APIKeys)
	return key
}

// IflowFamily reports whether the provider's dialect family requires
// per-session exclusivity and json accept headers on streams.
func (p *Provider) IflowFamily() bool {
	return IsIflowFamily(p.Kind)
}

// IsIflowFamily reports whether a dialect family name belongs to the iflow
// family.
func IsIflowFamily(kind string) bool {
	return strings.HasPrefix(strings.ToLower(kind), "iflow")
}

// Registry holds all configured providers and serves lookups for the
// dispatcher and the management API.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider // by name
	byID      map[string]*Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
		byID:      make(map[string]*Provider),
	}
}

// LoadConfig replaces registry contents from configuration. Existing
// providers keep their ID and key rotation position when the name matches.
func (r *Registry) LoadConfig(cfgs []config.ProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*Provider, len(cfgs))
	nextByID := make(map[string]*Provider, len(cfgs))
	for i := range cfgs {
		cfg := &cfgs[i]
		p := fromConfig(cfg)
		if prev, ok := r.providers[cfg.Name]; ok {
			p.ID = prev.ID
			prev.keyMu.Lock()
			p.keyIndex = prev.keyIndex % max(1, len(p.APIKeys))
			prev.keyMu.Unlock()
		}
		next[p.Name] = p
		nextByID[p.ID] = p
	}
	r.providers = next
	r.byID = nextByID
}

func fromConfig(cfg *config.ProviderConfig) *Provider {
	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}
	return &Provider{
		ID:           uuid.New().String(),
		Name:         cfg.Name,
		Kind:         cfg.Kind,
		BaseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		APIKeys:      append([]string(nil), cfg.APIKeys...),
		Models:       append([]string(nil), cfg.Models...),
		Headers:      cfg.Headers,
		Transformers: cfg.Transformers,
		Enabled:      enabled,
	}
}

// Get returns the named provider, or a provider_not_found error.
func (r *Registry) Get(name string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok || !p.Enabled {
		return nil, llmerrors.NewProviderNotFound(name)
	}
	return p, nil
}

// GetByID returns a provider by registry id.
func (r *Registry) GetByID(id string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, llmerrors.NewProviderNotFound(id)
	}
	return p, nil
}

// List returns all providers, enabled or not, in stable name order is not
// guaranteed; callers sort if they care.
func (r *Registry) List() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Add registers a new provider. Names must be unique.
func (r *Registry) Add(cfg *config.ProviderConfig) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[cfg.Name]; exists {
		return nil, llmerrors.NewInvalidRequest("", "provider "+cfg.Name+" already exists")
	}
	p := fromConfig(cfg)
	r.providers[p.Name] = p
	r.byID[p.ID] = p
	return p, nil
}

// Update replaces the configuration of an existing provider, preserving its
// id.
func (r *Registry) Update(id string, cfg *config.ProviderConfig) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.byID[id]
	if !ok {
		return nil, llmerrors.NewProviderNotFound(id)
	}
	p := fromConfig(cfg)
	p.ID = id
	delete(r.providers, prev.Name)
	r.providers[p.Name] = p
	r.byID[id] = p
	return p, nil
}

// Remove deletes a provider by id.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return llmerrors.NewProviderNotFound(id)
	}
	delete(r.byID, id)
	delete(r.providers, p.Name)
	return nil
}

// Toggle flips the enabled flag and returns the new state.
func (r *Registry) Toggle(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return false, llmerrors.NewProviderNotFound(id)
	}
	p.Enabled = !p.Enabled
	return p.Enabled, nil
}

// ModelNames returns the union of all models served by enabled providers.
func (r *Registry) ModelNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, p := range r.providers {
		if !p.Enabled {
			continue
		}
		for _, m := range p.Models {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}
