package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/devloop/internal/version"
)

// execute runs the root command in a fresh project directory containing
// the given .devloop.yml content (none when empty).
func execute(t *testing.T, configYAML string, args ...string) (string, error) {
	t.Helper()

	dir := t.TempDir()
	t.Chdir(dir)
	if configYAML != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".devloop.yml"), []byte(configYAML), 0644))
	}

	viper.Reset()
	cfgFile, configErr = "", nil
	for _, c := range []*cobra.Command{versionCmd, configValidateCmd} {
		resetFlags(c.Flags())
	}
	resetFlags(rootCmd.PersistentFlags())
	t.Cleanup(viper.Reset)

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
}

func TestVersionCommand(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "", "version", "--format", "json")
		require.NoError(t, err)

		var info map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &info))
		assert.Contains(t, info, "version")
		assert.Contains(t, info, "go_version")
		assert.Contains(t, info, "platform")
	})

	t.Run("short", func(t *testing.T) {
		out, err := execute(t, "", "version", "--short")
		require.NoError(t, err)
		assert.Equal(t, version.Get().Short()+"\n", out)
	})

	t.Run("text", func(t *testing.T) {
		out, err := execute(t, "", "version")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "devloop "))
	})

	t.Run("unsupported format", func(t *testing.T) {
		_, err := execute(t, "", "version", "--format", "xml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported format")
	})
}

func TestConfigShow(t *testing.T) {
	out, err := execute(t, "build:\n  timeout: 45s\n", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "timeout: 45s")
	assert.Contains(t, out, "livereload:")
}

func TestConfigValidate(t *testing.T) {
	const privilegedPort = "process:\n  ready:\n    port: 80\n"

	out, err := execute(t, privilegedPort, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Validation Warnings")
	assert.Contains(t, out, "Configuration is valid")

	_, err = execute(t, privilegedPort, "config", "validate", "--strict")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warning")

	_, err = execute(t, "", "config", "validate", "--strict")
	assert.NoError(t, err)
}

func TestConfigErrorsSurface(t *testing.T) {
	_, err := execute(t, "build: [unclosed\n", "config", "show")
	require.Error(t, err)

	_, err = execute(t, "log:\n  level: loud\n", "config", "validate")
	require.Error(t, err)
}

func TestPluginsCommand(t *testing.T) {
	out, err := execute(t, "plugins:\n  disabled: [livereload]\n", "plugins")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))

	status := make(map[string]string)
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		require.GreaterOrEqual(t, len(fields), 2)
		status[fields[0]] = fields[1]
	}
	assert.Equal(t, map[string]string{"envfile": "enabled", "livereload": "disabled"}, status)

	_, err = execute(t, "plugins:\n  enabled: [nope]\n", "plugins")
	assert.Error(t, err)
}
