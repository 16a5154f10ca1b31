package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raplab/raprunner/internal/agent"
	"github.com/raplab/raprunner/internal/agent/metrics"
	"github.com/raplab/raprunner/internal/agent/taskclient"
	"github.com/raplab/raprunner/internal/config"
	"github.com/raplab/raprunner/internal/executor/local"
	"github.com/raplab/raprunner/internal/service"
	"github.com/raplab/raprunner/internal/tracing"
)

func newAgentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the agent: executes tasks against the local docker runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}
}

func runAgent(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.LoadAgentConfig()
	if err != nil {
		return err
	}

	shutdown, err := tracing.Setup(ctx, "raprunner-agent", "")
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	client := taskclient.New(cfg.TaskAPIEndpoint, cfg.TaskAPIToken, cfg.Backend, log)
	exec := local.New("docker", cfg, log)
	m := metrics.New(map[string]string{
		"workdir":      cfg.WorkDir,
		"high_privacy": cfg.HighPrivacyDir,
	}, log)
	a := agent.New(cfg, client, exec, m, log)

	log.Info("agent starting",
		zap.String("backend", cfg.Backend),
		zap.String("controller", cfg.TaskAPIEndpoint))

	group := service.NewGroup(log)
	group.RunForever(ctx, "task-loop", a.Run)
	group.RunForever(ctx, "metrics-poll", func(ctx context.Context) error {
		m.Poll(ctx, cfg.StatsPollInterval)
		return ctx.Err()
	})
	if cfg.MetricsPort != 0 {
		group.RunForever(ctx, "metrics-server", func(ctx context.Context) error {
			return m.Serve(ctx, cfg.MetricsPort)
		})
	}
	group.Wait()
	return nil
}
