package cli

import (
	"courier/cmd/internal/app"

	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	var schema string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema and exit",
		Long: `Apply the embedded Postgres schema to COURIER_DATABASE_URL.

The schema is idempotent; running it against an up-to-date database is a no-op.
Requires COURIER_STORE=postgres.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if schema != "" {
				cfg.DBSchema = schema
			}
			log := app.NewLogger(cfg.LogLevel, cfg.LogFormat, cmd.OutOrStdout())
			return app.Migrate(cmd.Context(), cfg, log)
		},
	}

	cmd.Flags().StringVar(&schema, "schema", "", "target schema; overrides COURIER_DB_SCHEMA")
	return cmd
}
