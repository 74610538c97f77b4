// Package services holds the long-running use cases behind the CLI commands.
package services

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/devloop/internal/build"
	"github.com/conneroisu/devloop/internal/config"
	"github.com/conneroisu/devloop/internal/dispatch"
	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/link"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/metrics"
	"github.com/conneroisu/devloop/internal/orchestrator"
	"github.com/conneroisu/devloop/internal/plugins"
	"github.com/conneroisu/devloop/internal/plugins/builtin"
	"github.com/conneroisu/devloop/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

// Compiler is the build side of a restart cycle.
type Compiler = orchestrator.Compiler

// DevOptions configures a DevService. Only Config is required.
type DevOptions struct {
	Config *config.Config
	Logger logging.Logger
	// Plugins are the available plugins; config selects the active ones.
	// Defaults to BuiltinPlugins.
	Plugins *plugins.Registry
	Metrics *metrics.Metrics
	// Output receives the managed process output. Defaults to os.Stdout.
	Output io.Writer
	// Screen defaults to the terminal when clear_screen is set.
	Screen orchestrator.Screen
	// Compiler replaces the go toolchain compiler.
	Compiler Compiler
	// OnReady is called once the initial cycle has finished.
	OnReady func()
}

// DevService runs the watch, build and restart loop until its context ends.
type DevService struct {
	config   *config.Config
	logger   logging.Logger
	plugins  *plugins.Registry
	metrics  *metrics.Metrics
	output   io.Writer
	screen   orchestrator.Screen
	compiler Compiler
	onReady  func()
}

// NewDevService validates the options and applies defaults.
func NewDevService(opts DevOptions) (*DevService, error) {
	if opts.Config == nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "dev service requires a configuration", nil)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Screen == nil && opts.Config.ClearScreen {
		opts.Screen = orchestrator.NewTerminalScreen(os.Stdout)
	}
	if opts.Plugins == nil {
		reg, err := BuiltinPlugins(opts.Config, opts.Logger)
		if err != nil {
			return nil, err
		}
		opts.Plugins = reg
	}

	return &DevService{
		config:   opts.Config,
		logger:   opts.Logger.WithComponent("dev"),
		plugins:  opts.Plugins,
		metrics:  opts.Metrics,
		output:   opts.Output,
		screen:   opts.Screen,
		compiler: opts.Compiler,
		onReady:  opts.OnReady,
	}, nil
}

// BuiltinPlugins registers the shipped plugins configured from cfg. envfile
// runs first so its environment is in place before other hooks.
func BuiltinPlugins(cfg *config.Config, logger logging.Logger) (*plugins.Registry, error) {
	env := builtin.NewEnvFile(builtin.EnvFileOptions{
		Dir:   cfg.Root,
		Files: cfg.Plugins.EnvFile.Files,
	}, logger)

	lr := builtin.NewLiveReload(builtin.LiveReloadOptions{
		Address:        cfg.Plugins.LiveReload.Address,
		Path:           cfg.Plugins.LiveReload.Path,
		AllowedOrigins: cfg.Plugins.LiveReload.AllowedOrigins,
		AssetPatterns:  cfg.Plugins.LiveReload.AssetPatterns,
	}, logger)

	return plugins.NewRegistry(env.Plugin(), lr.Plugin())
}

// Metrics returns the collectors used by the service.
func (s *DevService) Metrics() *metrics.Metrics {
	return s.metrics
}

// Run acquires the instance lock, wires every component and blocks until
// ctx is cancelled or a component fails.
func (s *DevService) Run(ctx context.Context) error {
	cfg := s.config

	lock, err := link.AcquireLock(cfg.StatePath())
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			s.logger.Warn(ctx, err, "Failed to release instance lock")
		}
	}()

	active, err := s.plugins.Select(cfg.Plugins.Enabled, cfg.Plugins.Disabled)
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "Plugins selected", "plugins", active.Names())

	scope, err := BuildWatchScope(cfg, active)
	if err != nil {
		return err
	}

	fw, err := watcher.New(watcher.Options{
		Root:        cfg.Root,
		Prune:       scope.Prune,
		StartPaused: true,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
	if err != nil {
		return err
	}
	defer func() { _ = fw.Stop() }()

	if err := s.addRoots(ctx, fw, scope.Roots); err != nil {
		return err
	}

	compiler, err := s.newCompiler()
	if err != nil {
		return err
	}

	proc := link.NewProcessLink(s.linkOptions(), s.logger, s.output)

	orch, err := orchestrator.New(orchestrator.Options{
		Plugins:       active,
		Link:          proc,
		Compiler:      compiler,
		Intake:        fw,
		Screen:        s.screen,
		Root:          cfg.Root,
		ToolingConfig: cfg.Build.ToolingConfig,
		Sources:       scope.Global,
		Logger:        s.logger,
		Metrics:       s.metrics,
		OnCycleError: func(ev watcher.ChangeEvent, err error) {
			s.logger.Debug(ctx, "Restart cycle ended with an error", "file", ev.File, "error", err.Error())
		},
	})
	if err != nil {
		return err
	}

	d := dispatch.New(s.logger, s.metrics)
	if err := s.registerListeners(d, orch, scope); err != nil {
		return err
	}

	fw.OnEvent(d.Dispatch)
	fw.OnError(func(err error) {
		s.logger.Warn(ctx, err, "Watcher error")
	})
	proc.OnRunnerImportedModule(func(path string) {
		if err := fw.Add(path); err != nil {
			s.logger.Warn(ctx, err, "Failed to watch imported module", "file", path)
			return
		}
		s.logger.Debug(ctx, "Watching imported module", "file", path)
	})
	proc.OnServerListening(func() { orch.HandleServerListening(ctx) })
	proc.OnProcessExit(func(err error) { orch.HandleProcessExit(ctx, err) })

	if err := active.Initialize(ctx, s.logger); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := active.Shutdown(shutdownCtx, s.logger); err != nil {
			s.logger.Warn(shutdownCtx, err, "Plugin shutdown failed")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if err := fw.Start(gctx); err != nil {
		return errors.NewWatchError("starting watcher", err)
	}

	if addr := cfg.Metrics.Address; addr != "" {
		g.Go(func() error {
			s.logger.Info(gctx, "Serving metrics", "address", addr)
			return s.metrics.Serve(gctx, addr)
		})
	}

	g.Go(func() error {
		if err := orch.Start(gctx); err != nil {
			if !errors.IsRecoverable(err) {
				return err
			}
			s.logger.Warn(gctx, err, "Initial cycle failed, waiting for changes")
		}
		if s.onReady != nil {
			s.onReady()
		}
		<-gctx.Done()
		return nil
	})

	runErr := g.Wait()

	orch.Wait()
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := proc.Stop(stopCtx); err != nil {
		s.logger.Warn(stopCtx, err, "Failed to stop process")
	}

	s.logger.Info(stopCtx, "Stopped", "dropped_events", fw.Dropped())
	return runErr
}

func (s *DevService) addRoots(ctx context.Context, fw *watcher.FileWatcher, roots []string) error {
	for _, root := range roots {
		err := fw.AddRecursive(root)
		switch {
		case err == nil:
		case root == ".":
			return err
		default:
			s.logger.Warn(ctx, err, "Skipping watch root", "file", root)
		}
	}
	s.logger.Debug(ctx, "Watch set ready", "roots", roots, "paths", len(fw.WatchedPaths()))
	return nil
}

func (s *DevService) registerListeners(d *dispatch.Dispatcher, orch *orchestrator.Orchestrator, scope *WatchScope) error {
	err := d.RegisterGlobal(scope.Global, func(ctx context.Context, ev watcher.ChangeEvent) {
		if ev.IsWatchEvent() {
			orch.Trigger(ctx, ev)
		}
	})
	if err != nil {
		return err
	}

	for _, ps := range scope.Plugins {
		p := ps.Plugin
		controls := orch.Controls(p.Name)
		err := d.RegisterPlugin(p.Name, ps.Matcher, func(ctx context.Context, ev watcher.ChangeEvent) error {
			return p.Hooks.OnFileWatcherEvent(ctx, ev, controls)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *DevService) newCompiler() (Compiler, error) {
	if s.compiler != nil {
		return s.compiler, nil
	}

	cfg := s.config
	output := cfg.Build.Output
	if !filepath.IsAbs(output) {
		output = filepath.Join(cfg.Root, output)
	}
	return build.NewCompiler(build.Options{
		Command:   cfg.Build.Command,
		Args:      cfg.Build.Args,
		Output:    output,
		Package:   cfg.Build.Package,
		Dir:       cfg.Root,
		Timeout:   cfg.Build.Timeout,
		CacheSize: cfg.Build.CacheSize,
	}, s.logger)
}

func (s *DevService) linkOptions() link.Options {
	cfg := s.config
	return link.Options{
		Command:     cfg.ProcessCommand(),
		Args:        cfg.Process.Args,
		Env:         cfg.ProcessEnv(),
		Dir:         cfg.ProcessDir(),
		UsePTY:      cfg.Process.PTY,
		StopTimeout: cfg.Process.StopTimeout,
		Ready: link.ReadyOptions{
			Port:          cfg.Process.Ready.Port,
			Pattern:       cfg.Process.Ready.Pattern,
			ProbeInterval: cfg.Process.Ready.ProbeInterval,
			ProbeTimeout:  cfg.Process.Ready.ProbeTimeout,
		},
	}
}
