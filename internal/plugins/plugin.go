// Package plugins defines the plugin record driven by the restart
// orchestrator: which files a plugin watches, which changes it wants to hear
// about and the hooks it runs around every restart.
package plugins

import (
	"context"
	"fmt"

	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/link"
	"github.com/conneroisu/devloop/internal/match"
	"github.com/conneroisu/devloop/internal/watcher"
)

// Hook phase names, used as the "phase" field in logs, errors and metrics.
const (
	PhaseInitialize           = "initialize"
	PhaseBeforeStartOrRestart = "before-start-or-restart"
	PhaseBeforeRestart        = "before-restart"
	PhaseAfterRestart         = "after-restart"
	PhaseFileEvent            = "file-event"
	PhaseShutdown             = "shutdown"
)

// Controls is the capability set handed to a plugin's file event hook.
type Controls interface {
	// Restart requests a restart cycle attributed to file.
	Restart(file string)
	// Pause stops delivery of file events until the same plugin resumes.
	Pause()
	// Resume releases the plugin's pause. Delivery restarts only when no
	// restart cycle and no other plugin still holds it.
	Resume()
}

// Hooks is the set of optional lifecycle callbacks. Nil hooks are skipped.
type Hooks struct {
	// OnBeforeWatcherStartOrRestart runs first in every cycle, including the
	// initial one. A returned patch is merged into the process options before
	// the next plugin runs.
	OnBeforeWatcherStartOrRestart func(ctx context.Context, ev watcher.ChangeEvent) (*link.OptionsPatch, error)
	// OnBeforeWatcherRestart runs after every start-or-restart hook and before
	// the build.
	OnBeforeWatcherRestart func(ctx context.Context) error
	// OnAfterWatcherRestart runs once the new process reports it is listening.
	OnAfterWatcherRestart func(ctx context.Context) error
	// OnFileWatcherEvent receives events accepted by the plugin's own matcher.
	OnFileWatcherEvent func(ctx context.Context, ev watcher.ChangeEvent, controls Controls) error
	// OnInitialize runs once before the watcher starts.
	OnInitialize func(ctx context.Context) error
	// OnShutdown runs once when the supervisor exits.
	OnShutdown func(ctx context.Context) error
}

// AppListenerSettings holds patterns the plugin adds to the global ignore set.
type AppListenerSettings struct {
	IgnoreFilePatterns []string
}

// PluginListenerSettings scopes the plugin's own file event listener.
type PluginListenerSettings struct {
	AllowFilePatterns  []string
	IgnoreFilePatterns []string
}

// ListenerSettings groups the app-level and plugin-level listener settings.
type ListenerSettings struct {
	App    AppListenerSettings
	Plugin PluginListenerSettings
}

// WatcherSettings describes what the plugin contributes to the watch scope.
type WatcherSettings struct {
	// WatchFilePatterns add watch roots; the static base of each pattern is
	// watched recursively.
	WatchFilePatterns []string
	Listeners         ListenerSettings
}

// Plugin is a named bundle of watch settings and hooks.
type Plugin struct {
	Name        string
	Description string
	Watcher     WatcherSettings
	Hooks       Hooks
}

// HasListener reports whether the plugin wants its own file events.
func (p *Plugin) HasListener() bool {
	return p.Hooks.OnFileWatcherEvent != nil
}

// Matcher builds the plugin-scoped listener matcher.
func (p *Plugin) Matcher() (*match.Matcher, error) {
	m, err := match.Compile(p.Watcher.Listeners.Plugin.AllowFilePatterns, p.Watcher.Listeners.Plugin.IgnoreFilePatterns)
	if err != nil {
		return m, wrapPluginError(p.Name, err)
	}
	return m, nil
}

// Validate checks the name and every pattern the plugin declares.
func (p *Plugin) Validate() error {
	if p == nil || p.Name == "" {
		return errors.NewValidationError(errors.ErrCodeConfigInvalid, "plugin name cannot be empty")
	}

	settings := p.Watcher
	for _, patterns := range [][]string{
		settings.WatchFilePatterns,
		settings.Listeners.App.IgnoreFilePatterns,
		settings.Listeners.Plugin.AllowFilePatterns,
		settings.Listeners.Plugin.IgnoreFilePatterns,
	} {
		if err := match.Validate(patterns); err != nil {
			return wrapPluginError(p.Name, err)
		}
	}

	return nil
}

func wrapPluginError(name string, err error) error {
	if de, ok := err.(*errors.DevloopError); ok {
		de.Plugin = name
		return de
	}
	return fmt.Errorf("plugin %s: %w", name, err)
}
