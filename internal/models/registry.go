// Package models manages the two model backend classes the pipeline
// distinguishes: a vision backend that accepts an embedded image payload, and
// a text-only orchestrator backend used for every clinical reasoning stage.
// The split is a capability boundary, not a preference — see the invoker for
// the tool-call consequences.
package models

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudwego/eino/components/model"

	"github.com/dermaflow/dermaflow/internal/config"
)

// ProviderEntry holds a lazily-initialized model instance.
type ProviderEntry struct {
	Config config.ProviderConfig
	model  model.ToolCallingChatModel
	once   sync.Once
	err    error
}

// Registry manages named model providers with lazy initialization.
type Registry struct {
	mu               sync.RWMutex
	providers        map[string]*ProviderEntry
	visionName       string
	orchestratorName string
}

// NewRegistry creates a model registry from config.
func NewRegistry(cfg config.ModelsConfig) *Registry {
	r := &Registry{
		providers:        make(map[string]*ProviderEntry),
		visionName:       cfg.Vision,
		orchestratorName: cfg.Orchestrator,
	}

	for name, provCfg := range cfg.Providers {
		r.providers[name] = &ProviderEntry{Config: provCfg}
	}

	return r
}

// Get returns the named model, initializing it lazily.
func (r *Registry) Get(ctx context.Context, name string) (model.ToolCallingChatModel, error) {
	r.mu.RLock()
	entry, ok := r.providers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("model provider %q not found", name)
	}

	entry.once.Do(func() {
		entry.model, entry.err = CreateModel(ctx, entry.Config)
	})

	return entry.model, entry.err
}

// Vision returns the image-capable backend.
func (r *Registry) Vision(ctx context.Context) (model.ToolCallingChatModel, error) {
	if r.visionName == "" {
		return nil, fmt.Errorf("no vision model configured")
	}
	return r.Get(ctx, r.visionName)
}

// Orchestrator returns the text-only clinical reasoning backend.
func (r *Registry) Orchestrator(ctx context.Context) (model.ToolCallingChatModel, error) {
	if r.orchestratorName == "" {
		return nil, fmt.Errorf("no orchestrator model configured")
	}
	return r.Get(ctx, r.orchestratorName)
}

// VisionBaseURL returns the configured base URL of the vision provider, for
// health probing.
func (r *Registry) VisionBaseURL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.providers[r.visionName]; ok {
		return entry.Config.BaseURL
	}
	return ""
}
