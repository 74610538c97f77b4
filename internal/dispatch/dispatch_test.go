package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/devloop/internal/match"
	"github.com/conneroisu/devloop/internal/metrics"
	"github.com/conneroisu/devloop/internal/watcher"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(who string, ev watcher.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, who+":"+ev.File)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func change(file string) watcher.ChangeEvent {
	return watcher.ChangeEvent{Kind: watcher.KindChange, File: file}
}

func TestGlobalIgnoreDoesNotAffectPlugins(t *testing.T) {
	rec := &recorder{}
	d := New(nil, nil)

	require.NoError(t, d.RegisterGlobal(match.MustCompile(nil, []string{"**/*.css"}),
		func(_ context.Context, ev watcher.ChangeEvent) { rec.add("app", ev) }))
	require.NoError(t, d.RegisterPlugin("assets", match.MustCompile([]string{"**/*.css"}, nil),
		func(_ context.Context, ev watcher.ChangeEvent) error { rec.add("assets", ev); return nil }))

	d.Dispatch(context.Background(), change("static/site.css"))
	d.Dispatch(context.Background(), change("main.go"))

	assert.Equal(t, []string{"assets:static/site.css", "app:main.go"}, rec.all())
}

func TestPluginsAreIndependent(t *testing.T) {
	rec := &recorder{}
	d := New(nil, nil)

	require.NoError(t, d.RegisterPlugin("one", match.MustCompile([]string{"**/*.go"}, nil),
		func(_ context.Context, ev watcher.ChangeEvent) error { rec.add("one", ev); return nil }))
	require.NoError(t, d.RegisterPlugin("two", match.MustCompile([]string{"**/*.go"}, []string{"vendor/**"}),
		func(_ context.Context, ev watcher.ChangeEvent) error { rec.add("two", ev); return nil }))

	d.Dispatch(context.Background(), change("vendor/x/x.go"))
	d.Dispatch(context.Background(), change("cmd/main.go"))

	assert.Equal(t, []string{"one:vendor/x/x.go", "one:cmd/main.go", "two:cmd/main.go"}, rec.all())
	assert.Equal(t, []string{"one", "two"}, d.Listeners())
}

func TestFailingListenerIsIsolated(t *testing.T) {
	rec := &recorder{}
	m := metrics.New()
	d := New(nil, m)

	all := match.MustCompile(nil, nil)
	require.NoError(t, d.RegisterGlobal(all, func(_ context.Context, ev watcher.ChangeEvent) {
		panic("app exploded")
	}))
	require.NoError(t, d.RegisterPlugin("erroring", all, func(context.Context, watcher.ChangeEvent) error {
		return fmt.Errorf("nope")
	}))
	require.NoError(t, d.RegisterPlugin("panicking", all, func(context.Context, watcher.ChangeEvent) error {
		panic("kaboom")
	}))
	require.NoError(t, d.RegisterPlugin("healthy", all, func(_ context.Context, ev watcher.ChangeEvent) error {
		rec.add("healthy", ev)
		return nil
	}))

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), change("a.go"))
	})

	assert.Equal(t, []string{"healthy:a.go"}, rec.all())

	hookSeries, err := testutil.GatherAndCount(m.Registry(), "devloop_hook_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 2, hookSeries, "one series per failing plugin")
}

func TestRegisterValidation(t *testing.T) {
	d := New(nil, nil)
	m := match.MustCompile(nil, nil)
	noop := func(context.Context, watcher.ChangeEvent) error { return nil }

	assert.Error(t, d.RegisterGlobal(nil, func(context.Context, watcher.ChangeEvent) {}))
	assert.Error(t, d.RegisterGlobal(m, nil))
	assert.Error(t, d.RegisterPlugin("", m, noop))
	assert.Error(t, d.RegisterPlugin("p", nil, noop))
	assert.Error(t, d.RegisterPlugin("p", m, nil))

	require.NoError(t, d.RegisterPlugin("p", m, noop))
	assert.Error(t, d.RegisterPlugin("p", m, noop))
}

func TestBrokenMatcherRejectsEverything(t *testing.T) {
	rec := &recorder{}
	d := New(nil, nil)

	broken, err := match.Compile([]string{"[invalid"}, nil)
	require.Error(t, err)

	require.NoError(t, d.RegisterPlugin("broken", broken, func(_ context.Context, ev watcher.ChangeEvent) error {
		rec.add("broken", ev)
		return nil
	}))

	d.Dispatch(context.Background(), change("anything.go"))
	assert.Empty(t, rec.all())
}

func TestNoGlobalListener(t *testing.T) {
	d := New(nil, nil)
	assert.NotPanics(t, func() { d.Dispatch(context.Background(), change("x")) })
}
