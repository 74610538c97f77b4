// Package match compiles allow/deny glob lists into a single path predicate.
//
// A path matches when it satisfies at least one allow pattern (or the allow
// list is empty) and satisfies no deny pattern. Deny always wins.
//
// Patterns use doublestar syntax: "**" crosses separators, "*" and "?" stay
// inside a segment, "[a-z]" and "[!a-z]" are character classes and "{a,b}"
// is alternation. A leading "!" is rejected: negation belongs in the deny list.
//
// Known risk: a matcher whose patterns fail to compile rejects every path.
// Compile still returns the error and callers must abort the registration
// instead of running with the fail-closed matcher.
package match

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/conneroisu/devloop/internal/errors"
)

// Matcher is an immutable compiled predicate over file paths.
type Matcher struct {
	allow  []string
	deny   []string
	broken bool
}

// Compile builds a Matcher from allow and deny pattern lists.
func Compile(allow, deny []string) (*Matcher, error) {
	m := &Matcher{}

	var err error
	m.allow, err = expandAll(allow)
	if err == nil {
		m.deny, err = expandAll(deny)
	}
	if err != nil {
		return &Matcher{broken: true}, err
	}

	return m, nil
}

// MustCompile is like Compile but panics on invalid patterns.
func MustCompile(allow, deny []string) *Matcher {
	m, err := Compile(allow, deny)
	if err != nil {
		panic(err)
	}
	return m
}

// Validate reports the first invalid pattern in the list.
func Validate(patterns []string) error {
	_, err := expandAll(patterns)
	return err
}

// Match reports whether path is allowed and not denied.
func (m *Matcher) Match(path string) bool {
	if m == nil || m.broken {
		return false
	}

	p := normalize(path)
	if p == "" {
		return false
	}

	if len(m.allow) > 0 && !matchAny(m.allow, p) {
		return false
	}

	return !matchAny(m.deny, p)
}

// Denied reports whether path hits the deny list, regardless of allow.
func (m *Matcher) Denied(path string) bool {
	if m == nil || m.broken {
		return true
	}
	return matchAny(m.deny, normalize(path))
}

// Patterns returns copies of the compiled allow and deny lists.
func (m *Matcher) Patterns() (allow, deny []string) {
	if m == nil {
		return nil, nil
	}
	allow = append([]string(nil), m.allow...)
	deny = append([]string(nil), m.deny...)
	return allow, deny
}

// String renders the matcher for logs.
func (m *Matcher) String() string {
	if m == nil || m.broken {
		return "matcher(reject-all)"
	}
	return fmt.Sprintf("matcher(allow=%v deny=%v)", m.allow, m.deny)
}

func matchAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

func expandAll(patterns []string) ([]string, error) {
	out := make([]string, 0, len(patterns))
	for _, raw := range patterns {
		expanded, err := expand(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}

// expand normalizes a single user pattern. A bare name without a separator
// ("node_modules", "*.log") matches at any depth, and also matches everything
// beneath a directory of that name. A leading "/" anchors the pattern to the
// project root.
func expand(raw string) ([]string, error) {
	pattern := strings.TrimSpace(raw)
	if pattern == "" {
		return nil, errors.NewPatternError(raw, fmt.Errorf("empty pattern"))
	}
	if strings.HasPrefix(pattern, "!") {
		return nil, errors.NewPatternError(raw, fmt.Errorf("in-pattern negation is not supported, use the ignore list"))
	}

	pattern = filepath.ToSlash(pattern)
	pattern = strings.TrimPrefix(pattern, "./")
	anchored := strings.HasPrefix(pattern, "/")
	pattern = strings.TrimPrefix(pattern, "/")
	dirOnly := strings.HasSuffix(pattern, "/")
	pattern = strings.TrimSuffix(pattern, "/")

	if pattern == "" || !doublestar.ValidatePattern(pattern) {
		return nil, errors.NewPatternError(raw, doublestar.ErrBadPattern)
	}

	var out []string
	if anchored || strings.Contains(pattern, "/") {
		out = append(out, pattern)
	} else {
		out = append(out, pattern, "**/"+pattern)
	}

	if dirOnly || !hasMeta(pattern) || strings.HasSuffix(pattern, "*") {
		n := len(out)
		for i := 0; i < n; i++ {
			if !strings.HasSuffix(out[i], "/**") {
				out = append(out, out[i]+"/**")
			}
		}
	}

	return out, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

func normalize(path string) string {
	p := filepath.ToSlash(filepath.Clean(path))
	p = strings.TrimPrefix(p, "./")
	if p == "." {
		return ""
	}
	return p
}
