package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/i2y/toolgate/internal/domain"
)

// AdapterRegistry holds one origin adapter per deployment. Adapters are built
// on first use, at most once per deployment even under concurrent callers.
type AdapterRegistry struct {
	factory OriginFactory
	logger  *slog.Logger

	mu       sync.RWMutex
	adapters map[string]OriginAdapter
	building singleflight.Group
}

// NewAdapterRegistry creates an empty registry.
func NewAdapterRegistry(factory OriginFactory, logger *slog.Logger) *AdapterRegistry {
	return &AdapterRegistry{
		factory:  factory,
		logger:   logger.With("component", "adapter_registry"),
		adapters: make(map[string]OriginAdapter),
	}
}

// Adapter returns the adapter of d, constructing it when needed.
func (r *AdapterRegistry) Adapter(ctx context.Context, d *domain.Deployment) (OriginAdapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[d.ID]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	v, err, _ := r.building.Do(d.ID, func() (interface{}, error) {
		r.mu.RLock()
		a, ok := r.adapters[d.ID]
		r.mu.RUnlock()
		if ok {
			return a, nil
		}
		a, err := r.factory.New(ctx, &d.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to create origin adapter for %s: %w", d.ID, err)
		}
		r.Put(d.ID, a)
		r.logger.Info("Origin adapter ready", slog.String("deployment_id", d.ID))
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(OriginAdapter), nil
}

// Put registers a for deployment id. A previously registered adapter is closed.
func (r *AdapterRegistry) Put(id string, a OriginAdapter) {
	r.mu.Lock()
	old, ok := r.adapters[id]
	r.adapters[id] = a
	r.mu.Unlock()
	if ok && old != a {
		if err := old.Close(); err != nil {
			r.logger.Warn("Failed to close replaced origin adapter", slog.String("deployment_id", id), slog.Any("error", err))
		}
	}
}

// Adopt registers a for id unless an adapter is already registered, and
// reports whether a was kept.
func (r *AdapterRegistry) Adopt(id string, a OriginAdapter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[id]; ok {
		return false
	}
	r.adapters[id] = a
	return true
}

// Close closes every adapter.
func (r *AdapterRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for id, a := range r.adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
		delete(r.adapters, id)
	}
	return errors.Join(errs...)
}
