package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/devloop/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect devloop configuration",
	Long: `Inspect the configuration devloop resolves from flags, the environment,
the config file and defaults.

Examples:
  devloop config show                 # Show the effective configuration
  devloop config show --format json   # Show it as JSON
  devloop config validate             # Check the configuration`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE:  runConfigValidate,
}

var configFormat string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)

	configShowCmd.Flags().StringVar(&configFormat, "format", "yaml", "Output format (yaml, json)")
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch configFormat {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	default:
		return fmt.Errorf("unsupported format: %s (supported: yaml, json)", configFormat)
	}
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	if _, err := config.Load(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), color.RedString("Configuration is invalid:"), err)
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("Configuration is valid."))
	return nil
}
