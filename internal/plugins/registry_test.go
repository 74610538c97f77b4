package plugins

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/watcher"
)

func named(names ...string) []*Plugin {
	out := make([]*Plugin, 0, len(names))
	for _, n := range names {
		out = append(out, &Plugin{Name: n})
	}
	return out
}

func TestRegistryKeepsOrder(t *testing.T) {
	r, err := NewRegistry(named("c", "a", "b")...)
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "a", "b"}, r.Names())
	assert.Equal(t, 3, r.Len())

	p, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", p.Name)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistryRejectsInvalid(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	require.NoError(t, r.Register(&Plugin{Name: "x"}))

	err = r.Register(&Plugin{Name: "x"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	assert.Error(t, r.Register(&Plugin{}))
	assert.Error(t, r.Register(nil))

	err = r.Register(&Plugin{
		Name:    "broken",
		Watcher: WatcherSettings{Listeners: ListenerSettings{Plugin: PluginListenerSettings{AllowFilePatterns: []string{"[oops"}}}},
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePattern))

	assert.Equal(t, []string{"x"}, r.Names())
}

func TestRegistryAllIsACopy(t *testing.T) {
	r, err := NewRegistry(named("a", "b")...)
	require.NoError(t, err)

	all := r.All()
	all[0] = &Plugin{Name: "z"}
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestRegistrySelect(t *testing.T) {
	r, err := NewRegistry(named("livereload", "envfile", "custom")...)
	require.NoError(t, err)

	all, err := r.Select(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"livereload", "envfile", "custom"}, all.Names())

	// Enabled order does not override registration order.
	some, err := r.Select([]string{"custom", "livereload"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"livereload", "custom"}, some.Names())

	without, err := r.Select(nil, []string{"envfile"})
	require.NoError(t, err)
	assert.Equal(t, []string{"livereload", "custom"}, without.Names())

	_, err = r.Select([]string{"nope"}, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestHasListenerAndMatcher(t *testing.T) {
	p := &Plugin{
		Name: "assets",
		Watcher: WatcherSettings{Listeners: ListenerSettings{Plugin: PluginListenerSettings{
			AllowFilePatterns:  []string{"static/**/*.css"},
			IgnoreFilePatterns: []string{"static/vendor/**"},
		}}},
	}
	assert.False(t, p.HasListener())

	p.Hooks.OnFileWatcherEvent = func(context.Context, watcher.ChangeEvent, Controls) error { return nil }
	assert.True(t, p.HasListener())

	m, err := p.Matcher()
	require.NoError(t, err)
	assert.True(t, m.Match("static/css/site.css"))
	assert.False(t, m.Match("static/vendor/bootstrap.css"))
	assert.False(t, m.Match("main.go"))
}

func TestInitializeAndShutdown(t *testing.T) {
	var trace []string
	mk := func(name string, failShutdown bool) *Plugin {
		return &Plugin{Name: name, Hooks: Hooks{
			OnInitialize: func(context.Context) error {
				trace = append(trace, "init:"+name)
				return nil
			},
			OnShutdown: func(context.Context) error {
				trace = append(trace, "shutdown:"+name)
				if failShutdown {
					return fmt.Errorf("cannot stop %s", name)
				}
				return nil
			},
		}}
	}

	r, err := NewRegistry(mk("a", true), &Plugin{Name: "hookless"}, mk("b", false))
	require.NoError(t, err)

	logger := logging.NewNopLogger()
	require.NoError(t, r.Initialize(context.Background(), logger))

	err = r.Shutdown(context.Background(), logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot stop a")

	assert.Equal(t, []string{"init:a", "init:b", "shutdown:b", "shutdown:a"}, trace)
}

func TestInitializeStopsOnFailure(t *testing.T) {
	called := false
	r, err := NewRegistry(
		&Plugin{Name: "bad", Hooks: Hooks{OnInitialize: func(context.Context) error { return fmt.Errorf("no") }}},
		&Plugin{Name: "later", Hooks: Hooks{OnInitialize: func(context.Context) error { called = true; return nil }}},
	)
	require.NoError(t, err)

	err = r.Initialize(context.Background(), logging.NewNopLogger())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePlugin))
	assert.False(t, called)
}
