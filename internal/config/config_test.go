package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/devloop/internal/build"
	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/plugins/builtin"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)

	assert.Equal(t, wd, cfg.Root)
	assert.Equal(t, ".devloop", cfg.StateDir)
	assert.True(t, cfg.ClearScreen)
	assert.Equal(t, build.DefaultCommand, cfg.Build.Command)
	assert.Equal(t, build.DefaultOutput, cfg.Build.Output)
	assert.Equal(t, "go.mod", cfg.Build.ToolingConfig)
	assert.Equal(t, build.DefaultTimeout, cfg.Build.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Process.StopTimeout)
	assert.Equal(t, builtin.DefaultLiveReloadAddress, cfg.Plugins.LiveReload.Address)
	assert.Equal(t, builtin.DefaultEnvFiles, cfg.Plugins.EnvFile.Files)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "pretty", cfg.Log.Format)
	assert.Empty(t, cfg.Metrics.Address)
}

func TestLoadOverrides(t *testing.T) {
	tests := []struct {
		name  string
		setup func(v *viper.Viper)
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "durations from strings",
			setup: func(v *viper.Viper) {
				v.Set("build.timeout", "30s")
				v.Set("process.stop_timeout", "2s")
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 30*time.Second, cfg.Build.Timeout)
				assert.Equal(t, 2*time.Second, cfg.Process.StopTimeout)
			},
		},
		{
			name: "slices and maps",
			setup: func(v *viper.Viper) {
				v.Set("watch.ignore", []string{"dist/**"})
				v.Set("process.env", []string{"PORT=3000", "Mixed_Case=a=b"})
				v.Set("plugins.disabled", []string{"livereload"})
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"dist/**"}, cfg.Watch.Ignore)
				assert.Equal(t, map[string]string{"PORT": "3000", "Mixed_Case": "a=b"}, cfg.ProcessEnv())
				assert.Equal(t, []string{"livereload"}, cfg.Plugins.Disabled)
			},
		},
		{
			name: "explicit false survives defaults",
			setup: func(v *viper.Viper) {
				v.Set("clear_screen", false)
			},
			check: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.ClearScreen)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			tt.setup(v)

			cfg, err := Load(v)
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value interface{}
		field string
	}{
		{"bad log level", "log.level", "verbose", "log.level"},
		{"bad log format", "log.format", "xml", "log.format"},
		{"zero timeout", "build.timeout", "0s", "build.timeout"},
		{"traversal in output", "build.output", "../../bin/app", "build.output"},
		{"shell in command", "build.command", "go; rm -rf /", "build.command"},
		{"bad ready pattern", "process.ready.pattern", "([", "process.ready.pattern"},
		{"port out of range", "process.ready.port", 70000, "process.ready.port"},
		{"bad livereload address", "plugins.livereload.address", "nope", "plugins.livereload.address"},
		{"bad metrics address", "metrics.address", "localhost:http-ish", "metrics.address"},
		{"env without separator", "process.env", []string{"NOVALUE"}, "process.env"},
		{"bad ignore pattern", "watch.ignore", []string{"[oops"}, "watch.ignore"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set(tt.key, tt.value)

			cfg, err := Load(v)
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidationWarnings(t *testing.T) {
	v := viper.New()
	v.Set("plugins.enabled", []string{"envfile"})
	v.Set("plugins.disabled", []string{"envfile"})
	v.Set("process.ready.port", 80)

	cfg, err := Load(v)
	require.NoError(t, err)

	result := ValidateConfigWithDetails(cfg)
	assert.True(t, result.Valid)
	assert.True(t, result.HasWarnings())
	assert.Len(t, result.Warnings, 2)
	assert.Contains(t, result.String(), "process.ready.port")
}

func TestReadInConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "custom.yml")
	require.NoError(t, os.WriteFile(file, []byte(`
build:
  command: make
  args: [build]
process:
  command: ./server
  ready:
    port: 8080
log:
  level: debug
`), 0644))

	v := viper.New()
	used, err := ReadInConfig(v, file)
	require.NoError(t, err)
	assert.Equal(t, file, used)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "make", cfg.Build.Command)
	assert.Equal(t, []string{"build"}, cfg.Build.Args)
	assert.Equal(t, "./server", cfg.ProcessCommand())
	assert.Equal(t, 8080, cfg.Process.Ready.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestReadInConfigFromEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "env.yml")
	require.NoError(t, os.WriteFile(file, []byte("state_dir: .cache/devloop\n"), 0644))

	t.Setenv(ConfigFileEnv, file)
	t.Setenv("DEVLOOP_LOG_LEVEL", "warn")

	v := viper.New()
	used, err := ReadInConfig(v, "")
	require.NoError(t, err)
	assert.Equal(t, file, used)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, ".cache/devloop", cfg.StateDir)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestReadInConfigMissing(t *testing.T) {
	t.Chdir(t.TempDir())

	used, err := ReadInConfig(viper.New(), "")
	require.NoError(t, err)
	assert.Empty(t, used)

	_, err = ReadInConfig(viper.New(), filepath.Join(t.TempDir(), "absent.yml"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestReadInConfigMalformed(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(file, []byte("build: [unterminated\n"), 0644))

	_, err := ReadInConfig(viper.New(), file)
	require.Error(t, err)
}

func TestDerivedPaths(t *testing.T) {
	root := t.TempDir()
	v := viper.New()
	v.Set("root", root)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, build.DefaultOutput), cfg.ProcessCommand())
	assert.Equal(t, root, cfg.ProcessDir())
	assert.Equal(t, filepath.Join(root, ".devloop"), cfg.StatePath())

	cfg.Process.Dir = "web"
	assert.Equal(t, filepath.Join(root, "web"), cfg.ProcessDir())
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "tooling_config: go.mod")
	assert.Contains(t, string(out), "timeout: 2m0s")

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Contains(t, decoded, "build")
	assert.Contains(t, decoded, "plugins")
}
