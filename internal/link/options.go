// Package link manages the lifecycle of the supervised application process:
// start, restart, stop, readiness detection and the directives the child
// prints back to the supervisor.
package link

import (
	"maps"
	"slices"
	"sort"
	"time"
)

// ReadyOptions configures how readiness of the child is detected.
type ReadyOptions struct {
	// Port is probed on 127.0.0.1 until it accepts connections.
	Port int
	// Pattern is a regular expression matched against each output line.
	Pattern       string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Options describes how the managed process is launched.
type Options struct {
	Command     string
	Args        []string
	Env         map[string]string
	Dir         string
	UsePTY      bool
	StopTimeout time.Duration
	Ready       ReadyOptions
}

// Clone returns a deep copy.
func (o Options) Clone() Options {
	c := o
	c.Args = slices.Clone(o.Args)
	c.Env = maps.Clone(o.Env)
	return c
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (o Options) EnvList() []string {
	keys := make([]string, 0, len(o.Env))
	for k := range o.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+o.Env[k])
	}
	return out
}

// OptionsPatch is a partial update returned by plugins before a restart.
// Nil fields leave the current value untouched.
type OptionsPatch struct {
	Command    *string
	Args       []string
	AppendArgs []string
	Env        map[string]string
	Dir        *string
}

// IsEmpty reports whether the patch changes nothing.
func (p *OptionsPatch) IsEmpty() bool {
	return p == nil ||
		(p.Command == nil && p.Args == nil && len(p.AppendArgs) == 0 && len(p.Env) == 0 && p.Dir == nil)
}

// Apply returns o with the patch merged in. Env is merged key-wise, Args are
// replaced when non-nil and AppendArgs are appended afterwards.
func (o Options) Apply(p *OptionsPatch) Options {
	out := o.Clone()
	if p.IsEmpty() {
		return out
	}

	if p.Command != nil {
		out.Command = *p.Command
	}
	if p.Args != nil {
		out.Args = slices.Clone(p.Args)
	}
	out.Args = append(out.Args, p.AppendArgs...)
	if len(p.Env) > 0 {
		if out.Env == nil {
			out.Env = make(map[string]string, len(p.Env))
		}
		for k, v := range p.Env {
			out.Env[k] = v
		}
	}
	if p.Dir != nil {
		out.Dir = *p.Dir
	}

	return out
}
