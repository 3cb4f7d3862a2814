package main

import (
	"github.com/spf13/cobra"

	"github.com/vincentbai/lmstrace/internal/config"
	"github.com/vincentbai/lmstrace/internal/database"
	"github.com/vincentbai/lmstrace/internal/server"
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference receiving endpoint",
		Long: `Serve accepts collector batches on POST /api/telemetry/events and stores
them in SQLite. Stored events are listed newest first on GET.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			databasePath, err := a.cfg.DatabasePath()
			if err != nil {
				return err
			}
			db, err := database.NewDatabase(databasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			a.logger.Info().Str("database", databasePath).Msg("event store opened")
			return server.NewServer(db, a.cfg.Server.Address, a.logger).Run(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8123", "listen address")
	a.bind(config.KeyServerAddress, cmd.Flags().Lookup("addr"))
	return cmd
}
