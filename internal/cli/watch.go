package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/raplab/raprunner/internal/cli/tui"
)

func newWatchCmd() *cobra.Command {
	var (
		controllerURL string
		token         string
		interval      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <rap-id>...",
		Short: "Watch the jobs of one or more RAP requests live",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return tui.Run(cmd.Context(), tui.Options{
				Controller: controllerURL,
				Token:      token,
				RapIDs:     args,
				Interval:   interval,
			})
		},
	}
	cmd.Flags().StringVar(&controllerURL, "controller", "http://localhost:8000", "controller base URL")
	cmd.Flags().StringVar(&token, "token", "", "client bearer token")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	cmd.MarkFlagRequired("token")
	return cmd
}
