// Package builtin contains the plugins shipped with devloop.
package builtin

import (
	"context"
	"os"
	"path/filepath"

	"github.com/subosito/gotenv"

	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/link"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/plugins"
	"github.com/conneroisu/devloop/internal/watcher"
)

const EnvFileName = "envfile"

// DefaultEnvFiles are loaded in order; later files override earlier ones.
var DefaultEnvFiles = []string{".env", ".env.local"}

// EnvFileOptions configures the envfile plugin.
type EnvFileOptions struct {
	// Dir resolves relative file names. Defaults to the working directory.
	Dir   string
	Files []string
}

// EnvFile restarts the process when a dotenv file changes and passes the
// parsed variables to the next process.
type EnvFile struct {
	opts   EnvFileOptions
	logger logging.Logger
}

// NewEnvFile creates the plugin.
func NewEnvFile(opts EnvFileOptions, logger logging.Logger) *EnvFile {
	if len(opts.Files) == 0 {
		opts.Files = DefaultEnvFiles
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &EnvFile{opts: opts, logger: logger.WithComponent(EnvFileName)}
}

// Plugin returns the plugin record.
func (e *EnvFile) Plugin() *plugins.Plugin {
	return &plugins.Plugin{
		Name:        EnvFileName,
		Description: "Restarts on dotenv changes and injects the variables into the process",
		Watcher: plugins.WatcherSettings{
			Listeners: plugins.ListenerSettings{
				App:    plugins.AppListenerSettings{IgnoreFilePatterns: e.opts.Files},
				Plugin: plugins.PluginListenerSettings{AllowFilePatterns: e.opts.Files},
			},
		},
		Hooks: plugins.Hooks{
			OnBeforeWatcherStartOrRestart: func(ctx context.Context, _ watcher.ChangeEvent) (*link.OptionsPatch, error) {
				env, err := e.Load(ctx)
				if err != nil || len(env) == 0 {
					return nil, err
				}
				return &link.OptionsPatch{Env: env}, nil
			},
			OnFileWatcherEvent: func(ctx context.Context, ev watcher.ChangeEvent, controls plugins.Controls) error {
				e.logger.Info(ctx, "Environment file changed", "file", ev.File, "event", ev.Kind.String())
				controls.Restart(ev.File)
				return nil
			},
		},
	}
}

// Load parses every configured file that exists and merges the results.
func (e *EnvFile) Load(ctx context.Context) (map[string]string, error) {
	env := make(map[string]string)

	for _, name := range e.opts.Files {
		path := name
		if e.opts.Dir != "" && !filepath.IsAbs(path) {
			path = filepath.Join(e.opts.Dir, path)
		}

		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "reading env file", err).WithFile(name)
		}

		parsed, err := gotenv.StrictParse(f)
		_ = f.Close()
		if err != nil {
			return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "parsing env file", err).WithFile(name)
		}

		for k, v := range parsed {
			env[k] = v
		}
		e.logger.Debug(ctx, "Loaded env file", "file", name, "vars", len(parsed))
	}

	return env, nil
}
