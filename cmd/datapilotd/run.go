package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"DataPilot/internal/config"
	"DataPilot/internal/task"
	"DataPilot/pkg/logger"
)

type runFlags struct {
	description     string
	dataDescription string
	files           []string
	filePaths       []string
	basePath        string
	notebookPath    string
}

func newRunCommand() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "在本地同步执行一次分析任务并输出 JSON 结果",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.description, "task", "t", "", "任务描述")
	cmd.Flags().StringVarP(&flags.dataDescription, "data-description", "d", "", "数据文件说明")
	cmd.Flags().StringSliceVarP(&flags.files, "file", "f", nil, "上传到沙箱的本地数据文件，可重复")
	cmd.Flags().StringSliceVar(&flags.filePaths, "file-path", nil, "对象存储中的输入文件路径，可重复")
	cmd.Flags().StringVar(&flags.basePath, "base-path", "", "对象存储中的基础路径")
	cmd.Flags().StringVar(&flags.notebookPath, "notebook", "", "将生成的 notebook 写入该路径")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func runOnce(cmd *cobra.Command, flags runFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// 标准输出只保留 JSON 结果。
	if err := initLogger(cfg.Logging, []string{"stderr"}); err != nil {
		return err
	}
	defer logger.Sync()

	req := task.Request{
		TaskDescription:      flags.description,
		DataFilesDescription: flags.dataDescription,
		FilePaths:            flags.filePaths,
		BasePath:             flags.basePath,
	}
	if err := req.Normalize(); err != nil {
		return err
	}
	files, err := readLocalFiles(flags.files, cfg.Server.MaxFileSizeBytes)
	if err != nil {
		return err
	}

	taskRunner, err := buildRunner(ctx, cfg)
	if err != nil {
		return err
	}
	job := task.Job{TaskID: uuid.NewString(), Request: req, DataFiles: files}
	outcome, err := taskRunner.Process(ctx, job)
	if err != nil {
		return err
	}
	outcome.Response.ID = job.TaskID

	if flags.notebookPath != "" && outcome.Notebook != nil {
		content, err := outcome.Notebook.Marshal()
		if err != nil {
			return err
		}
		if err := os.WriteFile(flags.notebookPath, content, 0o644); err != nil {
			return fmt.Errorf("写入 notebook 失败: %w", err)
		}
		logger.L().Info("notebook 已写入", slog.String("path", flags.notebookPath))
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(outcome.Response)
}

func readLocalFiles(paths []string, maxSize int64) ([]task.DataFile, error) {
	files := make([]task.DataFile, 0, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("读取数据文件失败: %w", err)
		}
		name := filepath.Base(p)
		file, err := task.NewDataFile(name, content, mime.TypeByExtension(filepath.Ext(name)), maxSize)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, nil
}
