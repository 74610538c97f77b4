package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/devloop/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the devloop configuration",
	Long: `Inspect the configuration devloop resolves from flags, DEVLOOP_ environment
variables, the config file and the built-in defaults.

Examples:
  devloop config show                  # Print the effective configuration as YAML
  devloop config validate              # Validate the configuration
  devloop config validate --strict     # Treat warnings as errors`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)

	configValidateCmd.Flags().Bool("strict", false, "Treat warnings as errors")
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	result := config.ValidateConfigWithDetails(cfg)
	out := cmd.OutOrStdout()

	if result.HasWarnings() {
		fmt.Fprint(out, result.String())
	}

	strict, _ := cmd.Flags().GetBool("strict")
	if strict && result.HasWarnings() {
		return fmt.Errorf("configuration has %d warning(s)", len(result.Warnings))
	}

	fmt.Fprintln(out, "✅ Configuration is valid")
	return nil
}
