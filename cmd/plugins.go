package cmd

import (
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/conneroisu/devloop/internal/services"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List the available plugins",
	Long: `List the built-in plugins, whether the current configuration enables them and
the files each one listens to.

Plugins are selected with plugins.enabled and plugins.disabled in the config
file, or --enable and --disable on the dev command.`,
	Args: cobra.NoArgs,
	RunE: runPluginsList,
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
}

func runPluginsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	available, err := services.BuiltinPlugins(cfg, nil)
	if err != nil {
		return err
	}
	active, err := available.Select(cfg.Plugins.Enabled, cfg.Plugins.Disabled)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tLISTENS TO\tDESCRIPTION")
	for _, p := range available.All() {
		status := "disabled"
		if slices.Contains(active.Names(), p.Name) {
			status = "enabled"
		}
		listens := "-"
		if p.HasListener() {
			listens = strings.Join(p.Watcher.Listeners.Plugin.AllowFilePatterns, ", ")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, status, listens, p.Description)
	}
	return w.Flush()
}
