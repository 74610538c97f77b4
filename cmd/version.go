package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/devloop/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display the devloop version, commit, build time, Go version and platform.

Examples:
  devloop version                # Show version
  devloop version --short        # Show the short version only
  devloop version --format json  # Output as JSON`,
	Args: cobra.NoArgs,
	RunE: runVersionCommand,
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().StringP("format", "f", "text", "Output format (text, json)")
	versionCmd.Flags().Bool("short", false, "Show short version only")
}

func runVersionCommand(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	short, _ := cmd.Flags().GetBool("short")

	info := version.Get()
	out := cmd.OutOrStdout()

	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	case "text":
		if short {
			_, err := fmt.Fprintln(out, info.Short())
			return err
		}
		_, err := fmt.Fprint(out, info.String())
		return err
	default:
		return fmt.Errorf("unsupported format: %s (supported: text, json)", format)
	}
}
