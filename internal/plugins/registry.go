package plugins

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/logging"
)

const shutdownTimeout = 10 * time.Second

// Registry holds plugins in registration order. Hooks run in this order.
type Registry struct {
	mu      sync.RWMutex
	plugins []*Plugin
	byName  map[string]*Plugin
}

// NewRegistry creates a registry holding the given plugins.
func NewRegistry(plugins ...*Plugin) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Plugin)}
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a plugin. Empty and duplicate names are rejected.
func (r *Registry) Register(p *Plugin) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name]; exists {
		return errors.NewValidationError(errors.ErrCodeDuplicatePlugin,
			fmt.Sprintf("plugin %s already registered", p.Name))
	}

	r.plugins = append(r.plugins, p)
	r.byName[p.Name] = p
	return nil
}

// All returns the plugins in registration order.
func (r *Registry) All() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.plugins)
}

// Get looks a plugin up by name.
func (r *Registry) Get(name string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Names returns the plugin names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for _, p := range r.plugins {
		names = append(names, p.Name)
	}
	return names
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// Select returns a registry limited to enabled (all when empty) minus
// disabled, keeping registration order. Unknown names are an error.
func (r *Registry) Select(enabled, disabled []string) (*Registry, error) {
	for _, name := range append(slices.Clone(enabled), disabled...) {
		if _, ok := r.Get(name); !ok {
			return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("unknown plugin %q", name), nil)
		}
	}

	selected := &Registry{byName: make(map[string]*Plugin)}
	for _, p := range r.All() {
		if len(enabled) > 0 && !slices.Contains(enabled, p.Name) {
			continue
		}
		if slices.Contains(disabled, p.Name) {
			continue
		}
		selected.plugins = append(selected.plugins, p)
		selected.byName[p.Name] = p
	}
	return selected, nil
}

// Initialize runs every OnInitialize hook in order and stops at the first
// failure.
func (r *Registry) Initialize(ctx context.Context, logger logging.Logger) error {
	for _, p := range r.All() {
		if p.Hooks.OnInitialize == nil {
			continue
		}
		if err := p.Hooks.OnInitialize(ctx); err != nil {
			return errors.NewHookError(p.Name, PhaseInitialize, err)
		}
		logger.Debug(ctx, "Plugin initialized", "plugin", p.Name)
	}
	return nil
}

// Shutdown runs every OnShutdown hook in reverse order and joins the errors.
func (r *Registry) Shutdown(ctx context.Context, logger logging.Logger) error {
	collector := errors.NewErrorCollector()

	all := r.All()
	for i := len(all) - 1; i >= 0; i-- {
		p := all[i]
		if p.Hooks.OnShutdown == nil {
			continue
		}

		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		if err := p.Hooks.OnShutdown(shutdownCtx); err != nil {
			hookErr := errors.NewHookError(p.Name, PhaseShutdown, err)
			logger.Warn(ctx, hookErr, "Plugin shutdown failed", "plugin", p.Name)
			collector.AddError(hookErr)
		}
		cancel()
	}

	return collector.Join()
}
