package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"DataPilot/internal/api"
	"DataPilot/internal/auth"
	"DataPilot/internal/config"
	"DataPilot/internal/observability/alerting"
	"DataPilot/internal/observability/metrics"
	"DataPilot/internal/task"
	"DataPilot/pkg/logger"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 API 服务与后台任务处理器",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := initLogger(cfg.Logging, nil); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("datapilotd")

	taskRunner, err := buildRunner(ctx, cfg)
	if err != nil {
		return err
	}
	store, err := buildTaskStore(ctx, cfg.Task.Store)
	if err != nil {
		return err
	}
	queue, err := buildTaskQueue(ctx, cfg.Task.Queue)
	if err != nil {
		_ = store.Close()
		return err
	}

	service := task.NewService(store, queue, taskRunner,
		task.WithMaxAttempts(cfg.Task.MaxAttempts),
		task.WithExpiry(seconds(cfg.Task.ExpirySeconds), seconds(cfg.Task.CleanupIntervalSeconds)),
	)
	defer func() {
		if err := service.Close(); err != nil {
			log.Warn("关闭任务服务失败", slog.Any("error", err))
		}
	}()

	processorOpts := []task.ProcessorOption{
		task.WithWorkerCount(cfg.Task.Workers),
		task.WithProcessorMaxAttempts(cfg.Task.MaxAttempts),
		task.WithTaskTimeout(seconds(cfg.Task.TimeoutSeconds)),
	}
	if dispatcher := alerting.FromConfig(cfg.Observability.Alerting); dispatcher != nil {
		processorOpts = append(processorOpts, task.WithAlertDispatcher(dispatcher))
	}
	processor := task.NewProcessor(taskRunner, store, queue, queue, processorOpts...)

	metricsCfg := cfg.Observability.Metrics
	serverOpts := []api.Option{
		api.WithAuth(auth.NewService(cfg.Security.APIKey)),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		api.WithMaxFileSize(cfg.Server.MaxFileSizeBytes),
		api.WithMaxRequestSize(cfg.Server.MaxRequestBytes),
		api.WithTimeouts(seconds(cfg.Server.ReadTimeoutSeconds), seconds(cfg.Server.WriteTimeoutSeconds)),
		api.WithMetricsEndpoint(metricsCfg.Enabled && metricsCfg.Address == cfg.Server.Address),
	}
	server := api.NewServer(cfg.Server.Address, service, serverOpts...)

	group, groupCtx := errgroup.WithContext(ctx)
	cleanupDone := service.StartCleanup(groupCtx)
	group.Go(func() error {
		return processor.Start(groupCtx)
	})
	if metricsCfg.Enabled && metricsCfg.Address != cfg.Server.Address {
		group.Go(func() error {
			log.Info("指标服务已启动", slog.String("addr", metricsCfg.Address))
			return metrics.StartServer(groupCtx, metricsCfg.Address)
		})
	}
	group.Go(func() error {
		return server.Start(groupCtx)
	})

	err = group.Wait()
	<-cleanupDone
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("服务异常退出", slog.Any("error", err))
		return err
	}
	log.Info("DataPilot 已停止")
	return nil
}
