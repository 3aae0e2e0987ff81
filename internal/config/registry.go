package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/strata/pkg/memory"
	"github.com/MrWong99/strata/pkg/provider/embeddings"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// EmbeddingsFactory builds an embeddings provider producing vectors of length
// dims.
type EmbeddingsFactory func(entry ProviderEntry, dims int) (embeddings.Provider, error)

// StoreFactory opens a fragment store whose spatial buckets are grid units
// wide. dims is the embedding length for stores that cache vectors.
type StoreFactory func(ctx context.Context, cfg StorageConfig, grid float64, dims int) (memory.FragmentStore, error)

// Registry maps provider and backend names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	embeddings map[string]EmbeddingsFactory
	stores     map[Backend]StoreFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		embeddings: make(map[string]EmbeddingsFactory),
		stores:     make(map[Backend]StoreFactory),
	}
}

// RegisterEmbeddings registers an embeddings provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEmbeddings(name string, factory EmbeddingsFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterStore registers a fragment store factory for backend.
func (r *Registry) RegisterStore(backend Backend, factory StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[backend] = factory
}

// CreateEmbeddings instantiates an embeddings provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry, dims int) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, dims)
}

// CreateStore opens the fragment store registered for cfg.Backend.
func (r *Registry) CreateStore(ctx context.Context, cfg StorageConfig, grid float64, dims int) (memory.FragmentStore, error) {
	r.mu.RLock()
	factory, ok := r.stores[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: store/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(ctx, cfg, grid, dims)
}

// EmbeddingsNames returns the registered embeddings provider names, sorted.
func (r *Registry) EmbeddingsNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.embeddings))
	for n := range r.embeddings {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
