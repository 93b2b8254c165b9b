// dedupgw is a deduplicating S3-compatible object gateway.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dedupgw/dedupgw/internal/config"
	"github.com/dedupgw/dedupgw/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dedupgw",
		Short: "Deduplicating S3-compatible object gateway",
		Long: `dedupgw serves an S3-compatible API and stores each distinct payload once.

Objects with identical content share a single stored blob; the blob is
removed when the last key referencing it is deleted or overwritten.

  # Run with a config file:
  dedupgw serve --config /etc/dedupgw/dedupgw.yaml

  # Inspect storage savings:
  dedupgw stats --config /etc/dedupgw/dedupgw.yaml`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error); overrides the config file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newServiceCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dedupgw %s\n  Commit:     %s\n  Build Time: %s\n", Version, Commit, BuildTime)
		},
	})
	return rootCmd
}

// loadConfig reads path, or returns defaults when path is empty.
func loadConfig(path string) (*config.ServerConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadServerConfig(path)
}

// setupLogging configures the global logger. The --log-level flag wins over
// the configured level.
func setupLogging(cfg *config.ServerConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	levelName := logLevel
	format := "console"
	if cfg != nil {
		if levelName == "" {
			levelName = cfg.LogLevel
		}
		format = cfg.Logging.Format
	}
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil || levelName == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
