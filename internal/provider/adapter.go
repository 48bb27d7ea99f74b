// Package provider defines the adapter contract for wearable data providers and the registry
// that resolves a provider name to its adapter.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
)

// Range selects a user's records inside an inclusive date window.
type Range struct {
	UserID string
	Window domain.Window
}

// Adapter fetches normalized records from one provider. Implementations return an error rather
// than a partial result when any page of a request fails.
type Adapter interface {
	Activities(ctx context.Context, r Range) ([]domain.Activity, error)
	Sleep(ctx context.Context, r Range) ([]domain.Sleep, error)
	Dailies(ctx context.Context, r Range) ([]domain.Daily, error)
	Backfill(ctx context.Context, userID string, daysBack int) (domain.Snapshot, error)
}

// Registry maps provider names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Provider]Adapter
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.Provider]Adapter)}
}

// Register binds adapter to provider, replacing any previous binding.
func (r *Registry) Register(provider domain.Provider, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[provider] = adapter
}

// Get returns the adapter for provider or domain.ErrUnsupportedProvider.
func (r *Registry) Get(provider domain.Provider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedProvider, provider)
	}
	return adapter, nil
}

// Providers lists the registered provider names in sorted order.
func (r *Registry) Providers() []domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
