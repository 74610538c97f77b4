// Package orchestrator owns the restart cycle: the busy guard that collapses
// bursts of triggers into one restart, the ordered plugin hook phases, the
// build and the process restart, and the intake pause around all of them.
package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/link"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/match"
	"github.com/conneroisu/devloop/internal/metrics"
	"github.com/conneroisu/devloop/internal/plugins"
	"github.com/conneroisu/devloop/internal/watcher"
)

const (
	DefaultToolingConfig = "go.mod"
	DefaultReadyTimeout  = 30 * time.Second
)

// State is the orchestrator's busy state.
type State int

const (
	StateIdle State = iota
	StateRestarting
)

func (s State) String() string {
	if s == StateRestarting {
		return "restarting"
	}
	return "idle"
}

// Link restarts the managed process.
type Link interface {
	UpdateOptions(patch *link.OptionsPatch)
	Options() link.Options
	StartOrRestart(ctx context.Context) error
}

// Compiler rebuilds the project.
type Compiler interface {
	Init(ctx context.Context) error
	CompileChanged(ctx context.Context, path string) error
}

// Intake gates the delivery of watch events.
type Intake interface {
	Pause()
	Resume()
}

// Screen is cleared at the start of every cycle.
type Screen interface {
	Clear()
}

// Options configures an Orchestrator.
type Options struct {
	Plugins  *plugins.Registry
	Link     Link
	Compiler Compiler
	Intake   Intake
	// Screen may be nil.
	Screen Screen
	// Root resolves absolute event paths before comparing them with
	// ToolingConfig.
	Root string
	// ToolingConfig is the file whose change forces a full Compiler.Init.
	ToolingConfig string
	// Sources accepts the files that feed the build. A plugin restart for a
	// file it rejects skips the compiler. Nil compiles for every event.
	Sources *match.Matcher
	// ReadyTimeout resumes intake when the new process never reports that it
	// is listening. Zero uses DefaultReadyTimeout, negative disables it.
	ReadyTimeout time.Duration
	Logger       logging.Logger
	Metrics      *metrics.Metrics
	// OnCycleError receives errors from cycles started by Trigger.
	OnCycleError func(ev watcher.ChangeEvent, err error)
}

// Orchestrator runs restart cycles. At most one cycle is in flight; triggers
// that arrive meanwhile are dropped.
type Orchestrator struct {
	registry      *plugins.Registry
	link          Link
	compiler      Compiler
	intake        Intake
	screen        Screen
	root          string
	toolingConfig string
	sources       *match.Matcher
	readyTimeout  time.Duration
	logger        logging.Logger
	metrics       *metrics.Metrics
	onCycleError  func(ev watcher.ChangeEvent, err error)

	mu         sync.Mutex
	restarting bool
	// Intake stays paused while a cycle or any plugin holds it.
	cycleHold    bool
	pluginHolds  map[string]struct{}
	intakePaused bool
	readySeq     uint64
	baseCtx      context.Context

	// cycleMu is held for a whole cycle and for the after-restart phase.
	cycleMu sync.Mutex
	wg      sync.WaitGroup
}

// New validates the collaborators and creates an idle orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Link == nil || opts.Compiler == nil || opts.Intake == nil {
		return nil, errors.NewInternalError(errors.ErrCodeInternalError,
			"orchestrator requires a link, a compiler and an intake", nil)
	}
	if opts.Plugins == nil {
		opts.Plugins, _ = plugins.NewRegistry()
	}
	if opts.ToolingConfig == "" {
		opts.ToolingConfig = DefaultToolingConfig
	}
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	return &Orchestrator{
		registry:      opts.Plugins,
		link:          opts.Link,
		compiler:      opts.Compiler,
		intake:        opts.Intake,
		screen:        opts.Screen,
		root:          opts.Root,
		toolingConfig: normalizePath(opts.ToolingConfig),
		sources:       opts.Sources,
		readyTimeout:  opts.ReadyTimeout,
		logger:        opts.Logger.WithComponent("orchestrator"),
		metrics:       opts.Metrics,
		onCycleError:  opts.OnCycleError,
		pluginHolds:   make(map[string]struct{}),
		baseCtx:       context.Background(),
	}, nil
}

// State reports whether a cycle is in flight.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.restarting {
		return StateRestarting
	}
	return StateIdle
}

// Start runs the initial cycle. ctx also becomes the context for restarts
// requested through Controls.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()

	return o.Restart(ctx, watcher.InitEvent())
}

// Restart runs one cycle for ev and blocks until the process has been
// respawned. It returns nil without doing anything when a cycle is already
// in flight.
func (o *Orchestrator) Restart(ctx context.Context, ev watcher.ChangeEvent) error {
	if !o.tryBegin(ctx, ev) {
		return nil
	}
	return o.cycle(ctx, ev)
}

// Trigger starts a cycle in the background. It returns false when the
// trigger was dropped because a cycle is already in flight.
func (o *Orchestrator) Trigger(ctx context.Context, ev watcher.ChangeEvent) bool {
	if !o.tryBegin(ctx, ev) {
		return false
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.cycle(ctx, ev); err != nil && o.onCycleError != nil {
			o.onCycleError(ev, err)
		}
	}()
	return true
}

// Wait blocks until every cycle started by Trigger has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// HandleServerListening runs the after-restart phase once the new process is
// ready, then resumes intake.
func (o *Orchestrator) HandleServerListening(ctx context.Context) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	o.logger.Info(ctx, "Server listening")

	hookErrs := errors.NewErrorCollector()
	for _, p := range o.registry.All() {
		if hook := p.Hooks.OnAfterWatcherRestart; hook != nil {
			hookErrs.AddError(o.invoke(ctx, p.Name, plugins.PhaseAfterRestart, hook))
		}
	}
	o.reportHookErrors(ctx, plugins.PhaseAfterRestart, hookErrs)

	o.resumeIntake()
}

// HandleProcessExit records an unexpected exit of the managed process and
// resumes intake so the next save can retry.
func (o *Orchestrator) HandleProcessExit(ctx context.Context, err error) {
	o.logger.Warn(ctx, err, "Managed process exited, waiting for changes")
	o.resumeIntake()
}

// Controls returns the capability object handed to the named plugin.
func (o *Orchestrator) Controls(pluginName string) plugins.Controls {
	return &controls{o: o, plugin: pluginName}
}

func (o *Orchestrator) tryBegin(ctx context.Context, ev watcher.ChangeEvent) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.restarting {
		o.metrics.RestartDropped()
		o.logger.Info(ctx, "Restart already in progress", "event", ev.Kind.String(), "file", ev.File)
		return false
	}
	o.restarting = true
	return true
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.restarting = false
}

func (o *Orchestrator) cycle(ctx context.Context, ev watcher.ChangeEvent) error {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	defer o.end()

	start := time.Now()
	o.metrics.RestartAccepted(ev.Kind.String())
	o.logger.Info(ctx, "Restart cycle started", "event", ev.Kind.String(), "file", ev.File)

	o.pauseIntake()
	if o.screen != nil {
		o.screen.Clear()
	}

	o.beforeStartOrRestart(ctx, ev)
	o.beforeRestart(ctx)

	if err := o.compile(ctx, ev); err != nil {
		o.resumeIntake()
		o.metrics.RestartFailed(string(errors.ErrorTypeBuild))
		o.logger.Error(ctx, err, "Build failed, keeping the previous process", "event", ev.Kind.String(), "file", ev.File)
		return err
	}

	if err := o.link.StartOrRestart(ctx); err != nil {
		if !errors.IsType(err, errors.ErrorTypeProcess) {
			err = errors.NewProcessError(errors.ErrCodeStartFailed, "restarting process", err)
		}
		o.resumeIntake()
		o.metrics.RestartFailed(string(errors.ErrorTypeProcess))
		o.logger.Error(ctx, err, "Process restart failed", "event", ev.Kind.String(), "file", ev.File)
		return err
	}

	o.armReadyTimeout(ctx)

	elapsed := time.Since(start)
	o.metrics.ObserveRestart(elapsed)
	o.logger.Info(ctx, "Restart cycle finished", "event", ev.Kind.String(), "file", ev.File, "duration", elapsed)
	return nil
}

// beforeStartOrRestart runs the first phase. Each returned patch is applied
// before the next plugin runs so later plugins observe it through
// Link.Options.
func (o *Orchestrator) beforeStartOrRestart(ctx context.Context, ev watcher.ChangeEvent) {
	hookErrs := errors.NewErrorCollector()

	for _, p := range o.registry.All() {
		hook := p.Hooks.OnBeforeWatcherStartOrRestart
		if hook == nil {
			continue
		}

		var patch *link.OptionsPatch
		err := o.invoke(ctx, p.Name, plugins.PhaseBeforeStartOrRestart, func(ctx context.Context) error {
			var err error
			patch, err = hook(ctx, ev)
			return err
		})
		if err != nil {
			hookErrs.AddError(err)
			continue
		}
		if !patch.IsEmpty() {
			o.link.UpdateOptions(patch)
			o.logger.Debug(ctx, "Process options patched", "plugin", p.Name)
		}
	}

	o.reportHookErrors(ctx, plugins.PhaseBeforeStartOrRestart, hookErrs)
}

func (o *Orchestrator) beforeRestart(ctx context.Context) {
	hookErrs := errors.NewErrorCollector()
	for _, p := range o.registry.All() {
		if hook := p.Hooks.OnBeforeWatcherRestart; hook != nil {
			hookErrs.AddError(o.invoke(ctx, p.Name, plugins.PhaseBeforeRestart, hook))
		}
	}
	o.reportHookErrors(ctx, plugins.PhaseBeforeRestart, hookErrs)
}

func (o *Orchestrator) compile(ctx context.Context, ev watcher.ChangeEvent) error {
	var err error
	switch {
	case ev.Kind == watcher.KindInit:
		err = o.compiler.Init(ctx)
	case o.isToolingConfig(ev.File):
		o.logger.Info(ctx, "Tooling config changed, reinitializing", "file", ev.File)
		err = o.compiler.Init(ctx)
	case ev.Kind == watcher.KindPlugin && o.sources != nil && !o.sources.Match(ev.File):
		o.logger.Debug(ctx, "Not a build input, restarting without a build", "file", ev.File)
		return nil
	default:
		err = o.compiler.CompileChanged(ctx, ev.File)
	}

	if err != nil && !errors.IsType(err, errors.ErrorTypeBuild) {
		err = errors.NewBuildError(errors.ErrCodeBuildFailed, "build failed", err).WithFile(ev.File)
	}
	return err
}

// invoke runs one hook, converting errors and panics into hook errors that
// are logged and counted but never propagated into the cycle.
func (o *Orchestrator) invoke(ctx context.Context, plugin, phase string, hook func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewHookPanic(plugin, phase, r)
		}
		if err != nil {
			o.metrics.HookError(plugin, phase)
			o.logger.Error(ctx, err, "Plugin hook failed", "plugin", plugin, "phase", phase)
		}
	}()

	if herr := hook(ctx); herr != nil {
		return errors.NewHookError(plugin, phase, herr)
	}
	return nil
}

func (o *Orchestrator) reportHookErrors(ctx context.Context, phase string, hookErrs *errors.ErrorCollector) {
	if hookErrs.HasErrors() {
		o.logger.Warn(ctx, nil, "Cycle errors", "phase", phase, "summary", hookErrs.Summary())
	}
}

func (o *Orchestrator) pauseIntake() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cycleHold = true
	o.syncIntakeLocked()
}

func (o *Orchestrator) resumeIntake() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cycleHold = false
	o.syncIntakeLocked()
}

func (o *Orchestrator) holdIntake(plugin string, hold bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hold {
		o.pluginHolds[plugin] = struct{}{}
	} else {
		delete(o.pluginHolds, plugin)
	}
	o.syncIntakeLocked()
}

// syncIntakeLocked pauses or resumes the intake when the combined hold
// changes. o.mu must be held.
func (o *Orchestrator) syncIntakeLocked() {
	paused := o.cycleHold || len(o.pluginHolds) > 0
	if paused == o.intakePaused {
		return
	}
	o.intakePaused = paused
	if paused {
		o.intake.Pause()
	} else {
		o.intake.Resume()
	}
}

func (o *Orchestrator) armReadyTimeout(ctx context.Context) {
	if o.readyTimeout < 0 {
		return
	}

	o.mu.Lock()
	o.readySeq++
	seq := o.readySeq
	o.mu.Unlock()

	time.AfterFunc(o.readyTimeout, func() {
		o.mu.Lock()
		stale := seq != o.readySeq || !o.cycleHold
		o.mu.Unlock()
		if stale {
			return
		}
		o.logger.Warn(ctx, nil, "Process did not report listening in time, resuming intake", "timeout", o.readyTimeout)
		o.resumeIntake()
	})
}

func (o *Orchestrator) isToolingConfig(file string) bool {
	if file == "" {
		return false
	}
	if filepath.IsAbs(file) && o.root != "" {
		if rel, err := filepath.Rel(o.root, file); err == nil {
			file = rel
		}
	}
	return normalizePath(file) == o.toolingConfig
}

func normalizePath(p string) string {
	p = filepath.ToSlash(filepath.Clean(p))
	return strings.TrimPrefix(p, "./")
}

type controls struct {
	o      *Orchestrator
	plugin string
}

func (c *controls) Restart(file string) {
	c.o.mu.Lock()
	ctx := c.o.baseCtx
	c.o.mu.Unlock()

	ev := watcher.PluginEvent(file)
	if !ev.Valid() {
		c.o.logger.Warn(ctx, nil, "Ignoring restart request without a file", "plugin", c.plugin)
		return
	}
	if c.o.Trigger(ctx, ev) {
		c.o.logger.Debug(ctx, "Restart requested by plugin", "plugin", c.plugin, "file", file)
	}
}

// Pause holds the intake for this plugin until it calls Resume. A cycle
// finishing does not release the hold.
func (c *controls) Pause() {
	c.o.holdIntake(c.plugin, true)
}

// Resume releases this plugin's hold. Intake stays paused while a cycle or
// another plugin still holds it.
func (c *controls) Resume() {
	c.o.holdIntake(c.plugin, false)
}
