// Package dispatch routes classified watch events to the global app
// listener and to each plugin-scoped listener. The two paths are decided
// independently: a file ignored by the app can still reach a plugin.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/match"
	"github.com/conneroisu/devloop/internal/metrics"
	"github.com/conneroisu/devloop/internal/plugins"
	"github.com/conneroisu/devloop/internal/watcher"
)

// GlobalListener is the listener name used in logs and metrics for the app
// path.
const GlobalListener = "app"

// GlobalHandler receives events accepted by the global matcher.
type GlobalHandler func(ctx context.Context, ev watcher.ChangeEvent)

// PluginHandler receives events accepted by one plugin's matcher.
type PluginHandler func(ctx context.Context, ev watcher.ChangeEvent) error

type pluginListener struct {
	id      string
	matcher *match.Matcher
	handler PluginHandler
}

// Dispatcher fans events out to the registered listeners.
type Dispatcher struct {
	logger  logging.Logger
	metrics *metrics.Metrics

	mu            sync.RWMutex
	globalMatcher *match.Matcher
	global        GlobalHandler
	plugins       []pluginListener
}

// New creates an empty dispatcher. m may be nil.
func New(logger logging.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Dispatcher{logger: logger.WithComponent("dispatch"), metrics: m}
}

// RegisterGlobal installs the app listener, replacing any previous one.
func (d *Dispatcher) RegisterGlobal(m *match.Matcher, onMatch GlobalHandler) error {
	if m == nil || onMatch == nil {
		return errors.NewValidationError(errors.ErrCodeConfigInvalid, "global listener requires a matcher and a handler")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.globalMatcher = m
	d.global = onMatch
	return nil
}

// RegisterPlugin appends a plugin listener. Listeners are consulted in
// registration order.
func (d *Dispatcher) RegisterPlugin(id string, m *match.Matcher, h PluginHandler) error {
	if id == "" || m == nil || h == nil {
		return errors.NewValidationError(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("plugin listener %q requires an id, a matcher and a handler", id))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.plugins {
		if l.id == id {
			return errors.NewValidationError(errors.ErrCodeDuplicatePlugin,
				fmt.Sprintf("plugin listener %q already registered", id))
		}
	}
	d.plugins = append(d.plugins, pluginListener{id: id, matcher: m, handler: h})
	return nil
}

// Listeners returns the registered plugin listener ids in order.
func (d *Dispatcher) Listeners() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.plugins))
	for _, l := range d.plugins {
		ids = append(ids, l.id)
	}
	return ids
}

// Dispatch delivers ev to the global listener if its matcher accepts the
// file, then to every plugin listener whose matcher accepts it. A failing
// handler never prevents delivery to the others.
func (d *Dispatcher) Dispatch(ctx context.Context, ev watcher.ChangeEvent) {
	d.mu.RLock()
	globalMatcher, global := d.globalMatcher, d.global
	listeners := append([]pluginListener(nil), d.plugins...)
	d.mu.RUnlock()

	if global != nil {
		if globalMatcher.Match(ev.File) {
			d.metrics.WatchEvent(GlobalListener, metrics.DecisionDelivered)
			d.logger.Debug(ctx, "Event accepted by app listener", "event", ev.Kind.String(), "file", ev.File)
			d.runGlobal(ctx, global, ev)
		} else {
			d.metrics.WatchEvent(GlobalListener, metrics.DecisionIgnored)
			d.logger.Debug(ctx, "Ignored by app listener", "event", ev.Kind.String(), "file", ev.File)
		}
	}

	for _, l := range listeners {
		if !l.matcher.Match(ev.File) {
			d.metrics.WatchEvent(l.id, metrics.DecisionIgnored)
			continue
		}
		d.logger.Debug(ctx, "Event accepted by plugin listener", "plugin", l.id, "event", ev.Kind.String(), "file", ev.File)
		if err := d.runPlugin(ctx, l, ev); err != nil {
			d.metrics.WatchEvent(l.id, metrics.DecisionFailed)
			d.metrics.HookError(l.id, plugins.PhaseFileEvent)
			d.logger.Error(ctx, err, "Plugin listener failed", "plugin", l.id, "file", ev.File)
			continue
		}
		d.metrics.WatchEvent(l.id, metrics.DecisionDelivered)
	}
}

func (d *Dispatcher) runGlobal(ctx context.Context, h GlobalHandler, ev watcher.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.WatchEvent(GlobalListener, metrics.DecisionFailed)
			d.logger.Error(ctx, fmt.Errorf("panic: %v", r), "App listener panicked",
				"file", ev.File, "stack", string(debug.Stack()))
		}
	}()
	h(ctx, ev)
}

func (d *Dispatcher) runPlugin(ctx context.Context, l pluginListener, ev watcher.ChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewHookPanic(l.id, plugins.PhaseFileEvent, r).WithFile(ev.File)
		}
	}()

	if herr := l.handler(ctx, ev); herr != nil {
		return errors.NewHookError(l.id, plugins.PhaseFileEvent, herr).WithFile(ev.File)
	}
	return nil
}
