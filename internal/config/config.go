// Package config provides configuration management for devloop using Viper
// for loading from files, environment variables and command-line flags.
//
// Values are resolved with the usual precedence: flags, DEVLOOP_ environment
// variables, the .devloop.yml file and finally the defaults registered by
// SetDefaults.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/devloop/internal/build"
	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/plugins/builtin"
)

const (
	// EnvPrefix prefixes every environment override, e.g. DEVLOOP_BUILD_COMMAND.
	EnvPrefix = "DEVLOOP"
	// ConfigFileEnv names a config file outside the working directory.
	ConfigFileEnv = "DEVLOOP_CONFIG_FILE"
	// ConfigName is the default config file name without extension.
	ConfigName = ".devloop"
)

type Config struct {
	Root        string        `mapstructure:"root" yaml:"root" validate:"required"`
	StateDir    string        `mapstructure:"state_dir" yaml:"state_dir" validate:"required"`
	ClearScreen bool          `mapstructure:"clear_screen" yaml:"clear_screen"`
	Watch       WatchConfig   `mapstructure:"watch" yaml:"watch"`
	Build       BuildConfig   `mapstructure:"build" yaml:"build"`
	Process     ProcessConfig `mapstructure:"process" yaml:"process"`
	Plugins     PluginsConfig `mapstructure:"plugins" yaml:"plugins"`
	Log         LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics     MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

type WatchConfig struct {
	// Paths are extra directories watched besides Root.
	Paths  []string `mapstructure:"paths" yaml:"paths" validate:"dive,required"`
	Ignore []string `mapstructure:"ignore" yaml:"ignore" validate:"dive,required"`
}

type BuildConfig struct {
	Command       string        `mapstructure:"command" yaml:"command" validate:"required"`
	Args          []string      `mapstructure:"args" yaml:"args,omitempty"`
	Output        string        `mapstructure:"output" yaml:"output" validate:"required"`
	Package       string        `mapstructure:"package" yaml:"package" validate:"required"`
	ToolingConfig string        `mapstructure:"tooling_config" yaml:"tooling_config" validate:"required"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	CacheSize     int           `mapstructure:"cache_size" yaml:"cache_size" validate:"gte=0"`
}

type ProcessConfig struct {
	// Command defaults to the build output.
	Command     string            `mapstructure:"command" yaml:"command,omitempty"`
	Args        []string          `mapstructure:"args" yaml:"args,omitempty"`
	// Env entries are KEY=VALUE. Viper folds map keys to lower case, so a
	// list keeps variable names intact.
	Env         []string          `mapstructure:"env" yaml:"env,omitempty" validate:"dive,contains=="`
	Dir         string            `mapstructure:"dir" yaml:"dir,omitempty"`
	PTY         bool              `mapstructure:"pty" yaml:"pty"`
	StopTimeout time.Duration     `mapstructure:"stop_timeout" yaml:"stop_timeout" validate:"gt=0"`
	Ready       ReadyConfig       `mapstructure:"ready" yaml:"ready"`
}

type ReadyConfig struct {
	Port          int           `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
	Pattern       string        `mapstructure:"pattern" yaml:"pattern,omitempty"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval" validate:"gt=0"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout" validate:"gt=0"`
}

type PluginsConfig struct {
	Enabled    []string         `mapstructure:"enabled" yaml:"enabled"`
	Disabled   []string         `mapstructure:"disabled" yaml:"disabled"`
	LiveReload LiveReloadConfig `mapstructure:"livereload" yaml:"livereload"`
	EnvFile    EnvFileConfig    `mapstructure:"envfile" yaml:"envfile"`
}

type LiveReloadConfig struct {
	Address        string   `mapstructure:"address" yaml:"address" validate:"required"`
	Path           string   `mapstructure:"path" yaml:"path" validate:"required,startswith=/"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins,omitempty"`
	AssetPatterns  []string `mapstructure:"asset_patterns" yaml:"asset_patterns"`
}

type EnvFileConfig struct {
	Files []string `mapstructure:"files" yaml:"files" validate:"dive,required"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=pretty json text"`
}

type MetricsConfig struct {
	// Address serves /metrics when set.
	Address string `mapstructure:"address" yaml:"address,omitempty"`
}

// SetDefaults registers the default of every key. Registering all keys also
// lets AutomaticEnv resolve them during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("root", ".")
	v.SetDefault("state_dir", ".devloop")
	v.SetDefault("clear_screen", true)

	v.SetDefault("watch.paths", []string{})
	v.SetDefault("watch.ignore", []string{"node_modules", "vendor", "testdata", "tmp"})

	v.SetDefault("build.command", build.DefaultCommand)
	v.SetDefault("build.args", []string{})
	v.SetDefault("build.output", build.DefaultOutput)
	v.SetDefault("build.package", build.DefaultPackage)
	v.SetDefault("build.tooling_config", "go.mod")
	v.SetDefault("build.timeout", build.DefaultTimeout)
	v.SetDefault("build.cache_size", build.DefaultCacheSize)

	v.SetDefault("process.command", "")
	v.SetDefault("process.args", []string{})
	v.SetDefault("process.env", []string{})
	v.SetDefault("process.dir", "")
	v.SetDefault("process.pty", false)
	v.SetDefault("process.stop_timeout", 5*time.Second)
	v.SetDefault("process.ready.port", 0)
	v.SetDefault("process.ready.pattern", "")
	v.SetDefault("process.ready.probe_interval", 100*time.Millisecond)
	v.SetDefault("process.ready.probe_timeout", 250*time.Millisecond)

	v.SetDefault("plugins.enabled", []string{})
	v.SetDefault("plugins.disabled", []string{})
	v.SetDefault("plugins.livereload.address", builtin.DefaultLiveReloadAddress)
	v.SetDefault("plugins.livereload.path", builtin.DefaultLiveReloadPath)
	v.SetDefault("plugins.livereload.allowed_origins", []string{})
	v.SetDefault("plugins.livereload.asset_patterns", builtin.DefaultAssetPatterns)
	v.SetDefault("plugins.envfile.files", builtin.DefaultEnvFiles)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "pretty")

	v.SetDefault("metrics.address", "")
}

// ReadInConfig points v at the configuration file and the environment.
//
// File resolution, highest priority first:
//  1. explicit, usually the --config flag
//  2. the DEVLOOP_CONFIG_FILE environment variable
//  3. .devloop.yml in the working directory
//
// A missing default file is not an error; a missing explicit file is. The
// returned path is empty when no file was read.
func ReadInConfig(v *viper.Viper, explicit string) (string, error) {
	switch {
	case explicit != "":
		v.SetConfigFile(explicit)
	case os.Getenv(ConfigFileEnv) != "":
		v.SetConfigFile(os.Getenv(ConfigFileEnv))
	default:
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(ConfigName)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if stderrors.As(err, &notFound) {
			return "", nil
		}
		return "", errors.NewConfigError(errors.ErrCodeConfigInvalid, "reading config file", err).
			WithFile(v.ConfigFileUsed())
	}

	return v.ConfigFileUsed(), nil
}

// Load decodes the effective configuration from v, falling back to the
// global viper instance when v is nil, and validates it. Root is made
// absolute.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.GetViper()
	}
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "decoding configuration", err)
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, errors.NewConfigError(errors.ErrCodeInvalidPath, "resolving root", err)
	}
	cfg.Root = root

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ProcessCommand is the command the link starts: process.command when set,
// otherwise the build output resolved against Root.
func (c *Config) ProcessCommand() string {
	if c.Process.Command != "" {
		return c.Process.Command
	}
	if filepath.IsAbs(c.Build.Output) {
		return c.Build.Output
	}
	return filepath.Join(c.Root, c.Build.Output)
}

// ProcessEnv parses process.env into a map. Later entries win.
func (c *Config) ProcessEnv() map[string]string {
	env := make(map[string]string, len(c.Process.Env))
	for _, kv := range c.Process.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}

// ProcessDir is the working directory of the managed process.
func (c *Config) ProcessDir() string {
	switch {
	case c.Process.Dir == "":
		return c.Root
	case filepath.IsAbs(c.Process.Dir):
		return c.Process.Dir
	default:
		return filepath.Join(c.Root, c.Process.Dir)
	}
}

// StatePath resolves the state directory against Root.
func (c *Config) StatePath() string {
	if filepath.IsAbs(c.StateDir) {
		return c.StateDir
	}
	return filepath.Join(c.Root, c.StateDir)
}

// YAML renders the configuration as it would appear in .devloop.yml.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding configuration: %w", err)
	}
	return out, nil
}
