package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raplab/raprunner/internal/config"
	"github.com/raplab/raprunner/internal/controller"
	"github.com/raplab/raprunner/internal/database"
	"github.com/raplab/raprunner/internal/models"
)

// knownFlags are the ids the controller acts on; get with no id lists these.
var knownFlags = []string{
	controller.FlagPaused,
	controller.FlagMode,
	controller.FlagManualDBMaint,
	controller.FlagLastSeenAt,
}

func newFlagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Inspect and set backend flags (pause, manual db maintenance)",
	}
	cmd.AddCommand(newFlagsGetCmd(), newFlagsSetCmd())
	return cmd
}

func openFlagsDB(cmd *cobra.Command) (*database.DB, error) {
	cfg, err := config.LoadControllerConfig()
	if err != nil {
		return nil, err
	}
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureValidDB(cmd.Context(), models.Migrations); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newFlagsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <backend> [flag]",
		Short: "Show a backend's flags",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openFlagsDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			backend := args[0]
			ids := knownFlags
			if len(args) == 2 {
				ids = args[1:]
			}
			for _, id := range ids {
				flag, err := controller.GetFlag(cmd.Context(), db, backend, id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), flag.String())
			}
			return nil
		},
	}
}

func newFlagsSetCmd() *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "set <backend> <flag> [value]",
		Short: "Set (or clear, with --clear) a backend flag",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value *string
			switch {
			case clear && len(args) == 3:
				return fmt.Errorf("cannot combine --clear with a value")
			case clear:
			case len(args) == 3:
				value = &args[2]
			default:
				return fmt.Errorf("a value (or --clear) is required")
			}

			db, err := openFlagsDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			flag, err := controller.SetFlag(cmd.Context(), db, args[0], args[1], value)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", flag.ID, flag.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "unset the flag")
	return cmd
}
