package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/just-every/magi/internal/config"
	"github.com/just-every/magi/internal/controller"
	"github.com/just-every/magi/internal/observability"
	"github.com/just-every/magi/pkg/models"
)

func buildControllerCmd(configPath *string) *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Start the MAGI controller",
		Long: `Start the mediator process: the engine WebSocket endpoint, the browser
UI endpoint, the REST and static surfaces, and the docker launcher that
spins up one engine container per task.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(cmd.Context(), *configPath, local)
		},
	}
	cmd.Flags().BoolVar(&local, "local", false,
		"Do not launch docker containers; engines are started by hand")
	return cmd
}

func runController(ctx context.Context, configPath string, local bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	config.LoadEnv(cfg)

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	metrics := observability.NewMetrics(nil)

	var launcher controller.Launcher = controller.NopLauncher{}
	if !local {
		dl, err := controller.NewDockerLauncher(
			cfg.Controller.EngineImage, cfg.Controller.OutputDir,
			"host.docker.internal", cfg.Controller.Port, logger)
		if err != nil {
			return err
		}
		launcher = dl
	}

	hub := controller.NewHub(cfg.Controller, cfg.PersonName, version, launcher, logger, metrics)

	coreID := cfg.Engine.ProcessID
	if coreID == "" {
		coreID = models.NewProcessID()
	}
	hub.SetCore(coreID)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !local {
		if err := launcher.Launch(ctx, coreID, map[string]string{"MAGI_CORE": "1"}); err != nil {
			return err
		}
		defer launcher.Terminate(context.Background(), coreID)
	}
	logger.Info(ctx, "controller starting", "core_process_id", coreID, "port", cfg.Controller.Port)

	server := controller.NewServer(hub, nil, logger)
	if err := server.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
