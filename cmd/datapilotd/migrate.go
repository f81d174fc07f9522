package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"DataPilot/internal/config"
	"DataPilot/internal/task"
	"DataPilot/pkg/logger"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "为配置的 SQL 任务存储执行数据库迁移",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := initLogger(cfg.Logging, nil); err != nil {
				return err
			}
			defer logger.Sync()

			storeCfg := cfg.Task.Store
			if storeCfg.Driver != task.DriverMySQL && storeCfg.Driver != task.DriverSQLite {
				return fmt.Errorf("任务存储驱动 %s 不需要迁移", storeCfg.Driver)
			}
			db, err := task.OpenDatabase(cmd.Context(), sqlConfig(storeCfg))
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := task.Migrate(cmd.Context(), db)
			if err != nil {
				return err
			}
			logger.L().Info("数据库迁移完成", slog.String("driver", storeCfg.Driver), slog.Any("applied", applied))
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(applied))
			return nil
		},
	}
}
