package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raplab/raprunner/internal/config"
	"github.com/raplab/raprunner/internal/database"
	"github.com/raplab/raprunner/internal/models"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or migrate the controller database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadControllerConfig()
			if err != nil {
				return err
			}
			db, err := database.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := db.EnsureDB(cmd.Context(), models.Migrations)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied migrations: %v\n", applied)
			return nil
		},
	}
}
