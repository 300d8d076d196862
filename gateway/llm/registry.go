// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

var (
	// ErrProviderNotFound is returned when no provider with the given
	// name is registered.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrNoProviderForModel is returned when no registered provider
	// serves the requested model.
	ErrNoProviderForModel = errors.New("no provider serves the requested model")

	// ErrDuplicateProvider is returned when registering a name twice.
	ErrDuplicateProvider = errors.New("provider already registered")
)

// Registry manages provider instances and routes models to them. It is
// safe for concurrent use.
//
// Routing order: an explicit model route wins (first registrant to
// claim a model keeps it), then the first provider whose live model
// list contains the model, then the default provider. Capability-aware
// resolution additionally skips providers that do not advertise the
// required capability.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	configs   map[string]ProviderConfig
	routes    map[string]string // model id -> provider name
	order     []string          // registration order, for deterministic fallback
	defaultP  string

	logger *log.Logger

	healthMu      sync.RWMutex
	healthResults map[string]*HealthCheckResult

	// liveModels caches the model ids each provider reported from its
	// live list, refreshed by Models and CheckHealth.
	modelMu    sync.RWMutex
	liveModels map[string]map[string]bool
}

// RegistryOption configures the registry during creation.
type RegistryOption func(*Registry)

// WithLogger sets a custom logger for the registry.
func WithLogger(logger *log.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty provider registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		providers:     make(map[string]Provider),
		configs:       make(map[string]ProviderConfig),
		routes:        make(map[string]string),
		healthResults: make(map[string]*HealthCheckResult),
		liveModels:    make(map[string]map[string]bool),
		logger:        log.New(os.Stdout, "[LLM_REGISTRY] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a provider instance. The first registered provider
// becomes the default. Models listed in the config get explicit routes.
func (r *Registry) Register(provider Provider, config ProviderConfig) error {
	if provider == nil {
		return fmt.Errorf("%w: nil provider", ErrProviderNotFound)
	}
	name := provider.Name()
	if name == "" {
		return errors.New("provider name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateProvider, name)
	}

	r.providers[name] = provider
	r.configs[name] = config
	r.order = append(r.order, name)
	for _, model := range config.Models {
		// First claimant keeps the route.
		if _, taken := r.routes[model]; !taken {
			r.routes[model] = name
		}
	}
	if r.defaultP == "" {
		r.defaultP = name
	}

	r.logger.Printf("registered provider %q (type %s, %d model routes)", name, provider.Type(), len(config.Models))
	return nil
}

// SetDefault names the provider used when no route matches.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("%w: %q", ErrProviderNotFound, name)
	}
	r.defaultP = name
	return nil
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, name)
	}
	return p, nil
}

// ForModel resolves the provider that serves a model.
func (r *Registry) ForModel(model string) (Provider, error) {
	return r.resolve(model, "")
}

// ForModelWithCapability resolves the provider that serves a model and
// advertises the capability. Providers lacking it are skipped at every
// routing tier.
func (r *Registry) ForModelWithCapability(model string, capability Capability) (Provider, error) {
	return r.resolve(model, capability)
}

func (r *Registry) resolve(model string, capability Capability) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name, ok := r.routes[model]; ok {
		if p := r.providers[name]; hasCapability(p, capability) {
			return p, nil
		}
	}

	// No explicit route: the first provider whose live model list
	// contains the model claims it.
	r.modelMu.RLock()
	for _, name := range r.order {
		if r.liveModels[name][model] && hasCapability(r.providers[name], capability) {
			r.modelMu.RUnlock()
			return r.providers[name], nil
		}
	}
	r.modelMu.RUnlock()

	// Fall back to the default provider so unknown model ids still
	// dispatch somewhere deterministic.
	if r.defaultP != "" {
		if p := r.providers[r.defaultP]; hasCapability(p, capability) {
			return p, nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrNoProviderForModel, model)
}

func hasCapability(p Provider, capability Capability) bool {
	if capability == "" {
		return true
	}
	for _, c := range p.Capabilities() {
		if c == capability {
			return true
		}
	}
	return false
}

// Names returns the registered provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Models aggregates the model lists of every registered provider.
// Providers that fail to answer are skipped; listing models must not
// fail because one backend is down.
func (r *Registry) Models(ctx context.Context) []ModelInfo {
	r.mu.RLock()
	providers := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		providers = append(providers, r.providers[name])
	}
	r.mu.RUnlock()

	var models []ModelInfo
	for _, p := range providers {
		list, err := p.Models(ctx)
		if err != nil {
			r.logger.Printf("listing models from %q failed: %v", p.Name(), err)
			continue
		}
		ids := make([]string, 0, len(list))
		for _, m := range list {
			m.Provider = p.Name()
			models = append(models, m)
			ids = append(ids, m.ID)
		}
		r.cacheLiveModels(p.Name(), ids)
	}

	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models
}

// CheckHealth runs a health check against every provider and caches the
// results.
func (r *Registry) CheckHealth(ctx context.Context) map[string]*HealthCheckResult {
	r.mu.RLock()
	providers := make(map[string]Provider, len(r.providers))
	for name, p := range r.providers {
		providers[name] = p
	}
	r.mu.RUnlock()

	results := make(map[string]*HealthCheckResult, len(providers))
	for name, p := range providers {
		start := time.Now()
		result, err := p.HealthCheck(ctx)
		if err != nil {
			result = &HealthCheckResult{
				Status:      HealthStatusUnhealthy,
				Latency:     time.Since(start),
				Message:     err.Error(),
				LastChecked: time.Now(),
			}
		}
		results[name] = result
		if len(result.Models) > 0 {
			r.cacheLiveModels(name, result.Models)
		}
	}

	r.healthMu.Lock()
	for name, result := range results {
		r.healthResults[name] = result
	}
	r.healthMu.Unlock()

	return results
}

func (r *Registry) cacheLiveModels(provider string, ids []string) {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	r.modelMu.Lock()
	r.liveModels[provider] = set
	r.modelMu.Unlock()
}

// Health returns the last cached health check results. Providers never
// checked report HealthStatusUnknown.
func (r *Registry) Health() map[string]HealthCheckResult {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	r.mu.RUnlock()

	r.healthMu.RLock()
	defer r.healthMu.RUnlock()

	out := make(map[string]HealthCheckResult, len(names))
	for _, name := range names {
		if result, ok := r.healthResults[name]; ok {
			out[name] = *result
		} else {
			out[name] = HealthCheckResult{Status: HealthStatusUnknown}
		}
	}
	return out
}
