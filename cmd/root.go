// Package cmd provides the devloop command-line interface.
//
// Configuration is resolved with the following precedence, highest first:
//
//  1. command-line flags (--config, --log-level, dev flags)
//  2. DEVLOOP_<SECTION>_<OPTION> environment variables, e.g. DEVLOOP_BUILD_COMMAND
//  3. the file named by --config or DEVLOOP_CONFIG_FILE
//  4. .devloop.yml in the working directory
//  5. built-in defaults
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/devloop/internal/config"
	"github.com/conneroisu/devloop/internal/logging"
)

var (
	cfgFile string
	// configErr is set when the config file could not be read; commands
	// that need the configuration fail with it.
	configErr error
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "devloop",
	Short: "Rebuild and restart a Go service whenever its sources change",
	Long: `devloop watches a project, rebuilds it when files change and restarts the
running process, with plugins hooking into every phase of the restart cycle.

Quick Start:
  devloop dev                         Build, run and watch the current project
  devloop dev --cmd ./bin/api         Run a custom command after each build
  devloop config show                 Print the effective configuration
  devloop plugins                     List the available plugins

The managed process can talk back by printing lines to stdout:
  [devloop] listening                 Report readiness
  [devloop] import <path>             Add a path to the watch set`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is .devloop.yml, can also use DEVLOOP_CONFIG_FILE env var)")
	flags.StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "pretty", "log format (pretty, json, text)")

	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("log.format", flags.Lookup("log-format"))
}

// initConfig points viper at the config file and the DEVLOOP_ environment.
func initConfig() {
	used, err := config.ReadInConfig(viper.GetViper(), cfgFile)
	configErr = err
	if err == nil && used != "" {
		fmt.Fprintln(os.Stderr, "Using config file:", used)
	}
}

// loadConfig loads and validates the effective configuration.
func loadConfig() (*config.Config, error) {
	if configErr != nil {
		return nil, configErr
	}
	return config.Load(viper.GetViper())
}

func newLogger(cfg *config.Config) *logging.DevloopLogger {
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
}
