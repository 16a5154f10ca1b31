package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raplab/raprunner/internal/config"
	"github.com/raplab/raprunner/internal/controller"
	"github.com/raplab/raprunner/internal/database"
	"github.com/raplab/raprunner/internal/gitfs"
	"github.com/raplab/raprunner/internal/models"
	"github.com/raplab/raprunner/internal/service"
	"github.com/raplab/raprunner/internal/tracing"
	"github.com/raplab/raprunner/internal/webapp"
)

// tickInterval is how often the TICK telemetry samples active jobs.
const tickInterval = time.Minute

func newControllerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "controller",
		Short: "Run the controller: scheduler loop and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(cmd.Context())
		},
	}
}

func runController(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.LoadControllerConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	shutdown, err := tracing.Setup(ctx, "raprunner-controller", cfg.OTelExporterEndpoint)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.EnsureValidDB(ctx, models.Migrations); err != nil {
		return err
	}

	ctrl := controller.New(db, cfg, gitfs.New(), log)
	api := webapp.New(ctrl, log)

	log.Info("controller starting",
		zap.Strings("backends", cfg.Backends),
		zap.String("database", cfg.DatabasePath))

	group := service.NewGroup(log)
	group.RunForever(ctx, "job-loop", ctrl.Run)
	group.RunForever(ctx, "api", api.Run)
	group.RunForever(ctx, "ticks", func(ctx context.Context) error {
		return ctrl.RunTicks(ctx, tickInterval)
	})
	group.Wait()
	return nil
}
