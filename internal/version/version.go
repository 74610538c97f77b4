// Package version reports build metadata stamped with -ldflags or, failing
// that, read from the module's embedded VCS settings.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// Set at build time, e.g.
//
//	go build -ldflags "-X github.com/conneroisu/devloop/internal/version.Version=v0.3.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	// BuildTime is RFC3339.
	BuildTime = "unknown"
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime time.Time `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Platform  string    `json:"platform"`
	Release   bool      `json:"is_release"`
	Dirty     bool      `json:"is_dirty"`
}

// Get collects the build information.
func Get() *BuildInfo {
	v := resolveVersion()
	return &BuildInfo{
		Version:   v,
		GitCommit: resolveCommit(),
		BuildTime: parseBuildTime(BuildTime),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Release:   v != "dev" && !strings.HasPrefix(v, "dev-"),
		Dirty:     vcsSetting("vcs.modified") == "true",
	}
}

// Short returns "v1.2.3 (abcdef1)", "dev-abcdef1" or just the version.
func (b *BuildInfo) Short() string {
	if len(b.GitCommit) < 7 || b.GitCommit == "unknown" {
		return b.Version
	}
	commit := b.GitCommit[:7]
	if b.Version == "dev" || strings.HasPrefix(b.Version, "dev-") {
		return "dev-" + commit
	}
	return fmt.Sprintf("%s (%s)", b.Version, commit)
}

// String renders the multi-line form used by `devloop version`.
func (b *BuildInfo) String() string {
	var sb strings.Builder

	sb.WriteString("devloop " + b.Short())
	if b.Dirty {
		sb.WriteString(" (dirty)")
	}
	sb.WriteString("\n")
	if !b.BuildTime.IsZero() {
		fmt.Fprintf(&sb, "Built: %s\n", b.BuildTime.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	fmt.Fprintf(&sb, "Go: %s\n", b.GoVersion)
	fmt.Fprintf(&sb, "Platform: %s\n", b.Platform)

	return sb.String()
}

func resolveVersion() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	if rev := vcsSetting("vcs.revision"); len(rev) >= 7 {
		return "dev-" + rev[:7]
	}
	return "dev"
}

func resolveCommit() string {
	if GitCommit != "" && GitCommit != "unknown" {
		return GitCommit
	}
	if rev := vcsSetting("vcs.revision"); rev != "" {
		return rev
	}
	return "unknown"
}

func vcsSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}

// parseBuildTime returns the zero time for unknown or malformed values.
func parseBuildTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
