package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/martinemde/autopilot/config"
)

var (
	configPath string
	verbose    bool
	version    = "dev"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Run autonomous tool-calling agent sessions",
	Long: `Autopilot drives a model through a turn loop: it sends the conversation,
executes the tool calls the model asks for and feeds the results back until
the work is done.

Quick Start:
  autopilot run "list the go files in this repo"   # one-shot session
  autopilot serve                                   # HTTP + websocket API
  autopilot tools --format yaml                     # show tool definitions

Configuration is read from autopilot.yaml in the working directory or
$XDG_CONFIG_HOME/autopilot, and AUTOPILOT_* environment variables.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

// loadConfig reads the configuration named by --config and applies the
// global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}
