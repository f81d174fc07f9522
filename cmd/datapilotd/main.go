package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"DataPilot/internal/config"
)

var configPath string

// main 是 DataPilot 守护进程的入口。
func main() {
	rootCmd := &cobra.Command{
		Use:           "datapilotd",
		Short:         "DataPilot 数据分析 Agent 服务",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.PathFromEnv(), "配置文件路径")

	rootCmd.AddCommand(newServeCommand(), newRunCommand(), newMigrateCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "datapilotd 运行失败: %v\n", err)
		os.Exit(1)
	}
}
