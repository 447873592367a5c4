// Package main provides the attendsync device agent and its CLI.
//
// `attendsync serve` runs the agent: the offline queue, connectivity probes,
// the background drain and the localhost bridge used by UI screens. The
// other subcommands perform one operation against the same local store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/kimhsiao/attendsync/internal/config"
	"github.com/kimhsiao/attendsync/internal/logging"
)

const programName = "attendsync"

// Version is set at build time
var Version = "0.1.0"

var (
	globalFlags = struct {
		debug bool
		json  bool
	}{}
	configFile string
)

// commonRun configures logging and GOMAXPROCS.
func commonRun(cfg *config.Config) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	if globalFlags.debug {
		level = logging.LevelDebug
	}
	logging.Init(os.Stderr, level)

	_, err = maxprocs.Set(maxprocs.Logger(func(format string, v ...interface{}) {
		logging.Debug(fmt.Sprintf(format, v...), map[string]interface{}{"component": programName})
	}))
	if err != nil {
		logging.Warn("Failed to set GOMAXPROCS", map[string]interface{}{"error": err.Error()})
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Offline-first attendance scan agent",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		BoolVar(&globalFlags.json, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		commonRun(cfg)
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(scanCommand())
	rootCmd.AddCommand(syncCommand())
	rootCmd.AddCommand(statusCommand())
	rootCmd.AddCommand(clearCommand())
	rootCmd.AddCommand(tokenCommand())
	rootCmd.AddCommand(versionCommand())
	return rootCmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		// cobra has already printed the error
		os.Exit(1)
	}
}
