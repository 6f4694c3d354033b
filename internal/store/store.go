// Package store persists closed exact windows. Every backend implements
// model.Store and registers itself under the name used by store.type.
package store

import (
	"HeavySpectra/internal/config"
	"HeavySpectra/internal/logger"
	"HeavySpectra/internal/model"
	"fmt"
	"maps"
	"slices"
)

// Factory builds a store from the store section of the configuration.
type Factory func(cfg config.StoreConfig) (model.Store, error)

// registry holds the mapping of store types to their factory functions.
var registry = make(map[string]Factory)

// Register adds a store type. Registering the same name twice panics.
func Register(name string, factory Factory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("store type '%s' already registered", name))
	}
	registry[name] = factory
}

// Types lists the registered store types.
func Types() []string {
	return slices.Sorted(maps.Keys(registry))
}

// Open creates the store selected by cfg.Type. Type "none" (or empty)
// returns nil, meaning closed windows are not persisted.
func Open(cfg config.StoreConfig) (model.Store, error) {
	if cfg.Type == "" || cfg.Type == "none" {
		return nil, nil
	}
	factory, ok := registry[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown store type '%s'", model.ErrInvalidParameters, cfg.Type)
	}
	s, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating store type '%s': %w", cfg.Type, err)
	}
	logger.WithComponent("store").Info("store opened", "type", cfg.Type)
	return s, nil
}

func cloneResult(r *model.WindowResult) *model.WindowResult {
	cp := *r
	cp.TopK = slices.Clone(r.TopK)
	cp.Counts = maps.Clone(r.Counts)
	return &cp
}
