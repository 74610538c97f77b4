package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/devloop/internal/build"
	"github.com/conneroisu/devloop/internal/services"
)

var devCmd = &cobra.Command{
	Use:     "dev",
	Aliases: []string{"d"},
	Short:   "Build, run and restart the project on every change",
	Long: `Build the project, start the resulting process and keep watching.

Every accepted change runs one restart cycle: plugin hooks, an incremental
rebuild and a restart of the process. Changes that arrive while a cycle is in
flight are dropped; the cycle already picks up the newest sources.

Examples:
  devloop dev                               # go build -o .devloop/bin/app .
  devloop dev --package ./cmd/api           # build a specific main package
  devloop dev --cmd ./bin/api --port 8080   # custom command, ready when :8080 accepts
  devloop dev --disable livereload          # run without the livereload plugin`,
	Args: cobra.NoArgs,
	RunE: runDev,
}

func init() {
	rootCmd.AddCommand(devCmd)

	flags := devCmd.Flags()
	flags.String("root", ".", "Project root to watch")
	flags.String("build-command", build.DefaultCommand, "Build driver (go, make, task, just, templ)")
	flags.StringSlice("build-args", nil, "Build arguments, replacing the default 'build -o <output> <package>'")
	flags.StringP("output", "o", build.DefaultOutput, "Build output, relative to the root")
	flags.String("package", build.DefaultPackage, "Main package to build")
	flags.Duration("build-timeout", build.DefaultTimeout, "Abort builds running longer than this")
	flags.String("cmd", "", "Command to run instead of the build output")
	flags.StringSlice("args", nil, "Arguments for the managed process")
	flags.IntP("port", "p", 0, "Consider the process ready once this port accepts connections")
	flags.String("ready-pattern", "", "Consider the process ready once an output line matches this regexp")
	flags.Bool("pty", false, "Run the process in a pseudo-terminal")
	flags.Bool("no-clear", false, "Don't clear the screen before each cycle")
	flags.String("metrics-address", "", "Serve prometheus metrics on this address")
	flags.StringSlice("enable", nil, "Only enable these plugins")
	flags.StringSlice("disable", nil, "Disable these plugins")

	bind := map[string]string{
		"root":                  "root",
		"build.command":         "build-command",
		"build.args":            "build-args",
		"build.output":          "output",
		"build.package":         "package",
		"build.timeout":         "build-timeout",
		"process.command":       "cmd",
		"process.args":          "args",
		"process.ready.port":    "port",
		"process.ready.pattern": "ready-pattern",
		"process.pty":           "pty",
		"metrics.address":       "metrics-address",
		"plugins.enabled":       "enable",
		"plugins.disabled":      "disable",
	}
	for key, flag := range bind {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func runDev(cmd *cobra.Command, _ []string) error {
	if noClear, _ := cmd.Flags().GetBool("no-clear"); noClear {
		viper.Set("clear_screen", false)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	svc, err := services.NewDevService(services.DevOptions{
		Config: cfg,
		Logger: logger,
		Output: cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "Starting devloop", "root", cfg.Root, "command", cfg.ProcessCommand())
	return svc.Run(ctx)
}
