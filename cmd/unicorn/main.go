// Command unicorn runs the bot: it keeps a session with the messaging
// backend alive and dispatches events to hot-reloaded plugins.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"unicorn/internal/config"
	"unicorn/internal/logging"
	"unicorn/internal/reconnect"
)

var version = "dev"

var (
	// Global flags
	configPath string
	verbose    bool

	// Loaded in PersistentPreRunE
	cfg *config.Config
)

// rootCmd runs the bot when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "unicorn",
	Short: "unicorn - session keeper and plugin host",
	Long: `unicorn keeps a session with the messaging backend alive across
disconnects and dispatches incoming events to the plugins in the plugin
directory. Plugins are Go source files; edits are picked up without a
restart.

Run without arguments to start the bot.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		if err := logging.Init(logging.Config{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			File:       cfg.Logging.File,
			Categories: cfg.Logging.Categories,
		}); err != nil {
			return &config.ConfigurationError{Problems: []string{err.Error()}}
		}
		if verbose {
			logging.SetVerbose()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Sync()
	},
	RunE: runBot,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "unicorn %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "unicorn.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	addRunFlags(rootCmd)
	addRunFlags(runCmd)

	sessionCmd.AddCommand(sessionDecodeCmd)
	sessionCmd.AddCommand(sessionEncodeCmd)
	pluginsCmd.AddCommand(pluginsCheckCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(pluginsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(report(err))
	}
}

// report prints err and returns the exit code for it. The fatal banner has
// already been rendered for session errors.
func report(err error) int {
	var fe *reconnect.FatalError
	if errors.As(err, &fe) {
		return 1
	}
	fmt.Fprintln(os.Stderr, err)
	var ce *config.ConfigurationError
	if errors.As(err, &ce) {
		return 2
	}
	return 1
}
