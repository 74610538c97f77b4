package services

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/conneroisu/devloop/internal/config"
	"github.com/conneroisu/devloop/internal/match"
	"github.com/conneroisu/devloop/internal/plugins"
)

// PluginScope is the listener matcher of one plugin.
type PluginScope struct {
	Plugin  *plugins.Plugin
	Matcher *match.Matcher
}

// WatchScope is everything the watch side needs to know before starting:
// which trees to watch, which directories never to descend into, what the
// app listener ignores and what each plugin listens to.
type WatchScope struct {
	// Roots are project-relative (or absolute) directories watched
	// recursively. The first entry is always ".".
	Roots   []string
	Prune   *match.Matcher
	Global  *match.Matcher
	Plugins []PluginScope
}

// BuildWatchScope derives the scope from the configuration and the active
// plugins. Any pattern that does not compile fails the whole scope.
func BuildWatchScope(cfg *config.Config, reg *plugins.Registry) (*WatchScope, error) {
	defaults := defaultIgnores(cfg)

	pruneDeny := append(append([]string{}, defaults...), cfg.Watch.Ignore...)
	prune, err := match.Compile(nil, pruneDeny)
	if err != nil {
		return nil, err
	}

	globalDeny := append([]string{}, pruneDeny...)
	roots := []string{"."}
	roots = appendUnique(roots, cfg.Watch.Paths...)

	scope := &WatchScope{Prune: prune}

	for _, p := range reg.All() {
		if err := p.Validate(); err != nil {
			return nil, err
		}

		globalDeny = append(globalDeny, p.Watcher.Listeners.App.IgnoreFilePatterns...)
		for _, pattern := range p.Watcher.WatchFilePatterns {
			roots = appendUnique(roots, patternBase(pattern))
		}

		if !p.HasListener() {
			continue
		}
		m, err := p.Matcher()
		if err != nil {
			return nil, err
		}
		scope.Plugins = append(scope.Plugins, PluginScope{Plugin: p, Matcher: m})
	}

	scope.Global, err = match.Compile(nil, globalDeny)
	if err != nil {
		return nil, err
	}
	scope.Roots = roots

	return scope, nil
}

// defaultIgnores keeps the supervisor's own files out of the app listener:
// dot entries at the top level, the state directory and the build output.
// Entries are anchored so same-named directories deeper in the tree still
// count.
func defaultIgnores(cfg *config.Config) []string {
	ignores := []string{"/.*"}

	for _, p := range []string{cfg.StateDir, filepath.Dir(cfg.Build.Output), cfg.Build.Output} {
		if rel := projectRelative(cfg.Root, p); rel != "" {
			ignores = appendUnique(ignores, "/"+rel)
		}
	}

	return ignores
}

// projectRelative returns p relative to root with forward slashes, or ""
// when p is the root itself or lies outside it.
func projectRelative(root, p string) string {
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return ""
		}
		p = rel
	}
	p = filepath.ToSlash(filepath.Clean(p))
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return ""
	}
	return p
}

// patternBase is the static directory prefix of a glob, e.g. "static" for
// "static/**/*.css".
func patternBase(pattern string) string {
	base, _ := doublestar.SplitPattern(filepath.ToSlash(pattern))
	if base == "" {
		return "."
	}
	return base
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		item = filepath.ToSlash(filepath.Clean(item))
		found := false
		for _, existing := range list {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			list = append(list, item)
		}
	}
	return list
}
