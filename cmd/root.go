// Package cmd provides the devloop command-line interface.
//
// Configuration is read from several sources, highest priority first:
//
//  1. Command-line flags (--port, --mode, ...)
//  2. Environment variables (DEVLOOP_SERVER_PORT, PORT, DEVLOOP_BUILD_MODE, ...)
//  3. The config file: --config, then DEVLOOP_CONFIG_FILE, then .devloop.yml
//  4. Built-in defaults
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/devloop/internal/config"
	"github.com/conneroisu/devloop/internal/logging"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "devloop",
	Short: "A development server that streams compilation status to the browser",
	Long: `devloop bundles a front-end project with esbuild, rebuilds it on every change
and streams the compilation status to connected browsers. Build errors and
uncaught runtime errors are shown in an in-page overlay, and stylesheet
changes are applied without a reload.

Quick Start:
  devloop dev                     Start the development server
  devloop build production        Build once for production
  devloop attach                  Follow a running server from the terminal
  devloop config show             Print the effective configuration`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .devloop.yml, can also use DEVLOOP_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig points the global viper instance at the config file and the
// DEVLOOP_ environment.
func initConfig() {
	if err := config.Init(viper.GetViper(), cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	if used := viper.ConfigFileUsed(); used != "" {
		if _, err := os.Stat(used); err == nil {
			fmt.Fprintln(os.Stderr, "Using config file:", used)
		}
	}
}

// newLogger builds the process logger from the log flags.
func newLogger() (logging.Logger, error) {
	level, err := logging.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: viper.GetString("log-format"),
		Output: os.Stderr,
	}), nil
}
