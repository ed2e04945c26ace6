// Package cli is the courier command line.
package cli

import (
	"fmt"
	"slices"

	"courier/cmd/internal/app"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X courier/cmd/internal/cli.Version=...".
var Version = "dev"

// RootOptions holds global flags. Empty values defer to the environment.
type RootOptions struct {
	LogLevel  string
	LogFormat string
}

var validLogFormats = []string{"", "json", "pretty"}

// NewRootCommand builds the root command. With no subcommand it serves.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "courier",
		Short: "Courier real-time direct messaging server",
		Long: `Courier delivers one-to-one messages between authenticated users over
WebSocket, tracks presence and unread counts, and serves conversation
history over HTTP JSON.

Configuration is read from COURIER_* environment variables and an optional
.env file in the working directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if !slices.Contains(validLogFormats, opts.LogFormat) {
				return fmt.Errorf("invalid log format %q: must be json or pretty", opts.LogFormat)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error); overrides COURIER_LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (json|pretty); overrides COURIER_LOG_FORMAT")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(opts *RootOptions) (app.Config, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return app.Config{}, err
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.LogFormat = opts.LogFormat
	}
	return cfg, nil
}
