package runner

import (
	"context"
	"encoding/base64"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"DataPilot/internal/agent"
	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/notebook"
	"DataPilot/internal/sandbox"
	"DataPilot/internal/storage/objectstore"
	"DataPilot/internal/task"
	"DataPilot/pkg/logger"
)

const (
	defaultWorkingDir = "/home/user"
	defaultDataDir    = "/home/user/data"
	destroyTimeout    = 30 * time.Second
)

// Executor 执行 Agent 状态图，*agent.Agent 实现了该接口。
type Executor interface {
	Execute(ctx context.Context, in agent.Input) (*agent.Result, error)
}

// Outcome 是一次处理的完整产出。
type Outcome struct {
	Response *task.Response
	Notebook *notebook.Notebook
}

// Runner 实现 task.Runner。
type Runner struct {
	executor   Executor
	sandbox    sandbox.Sandbox
	store      objectstore.ObjectStore
	workingDir string
	dataDir    string
	log        *slog.Logger
}

// Option 定义可选配置。
type Option func(*Runner)

// WithObjectStore 启用对象存储，用于下载输入文件与上传产物。
func WithObjectStore(store objectstore.ObjectStore) Option {
	return func(r *Runner) {
		r.store = store
	}
}

// WithDirectories 设置沙箱中的工作目录与数据目录，需与 Agent 保持一致。
func WithDirectories(workingDir, dataDir string) Option {
	return func(r *Runner) {
		if workingDir != "" {
			r.workingDir = workingDir
		}
		if dataDir != "" {
			r.dataDir = dataDir
		}
	}
}

// New 创建 Runner。
func New(executor Executor, sb sandbox.Sandbox, opts ...Option) *Runner {
	r := &Runner{
		executor:   executor,
		sandbox:    sb,
		workingDir: defaultWorkingDir,
		dataDir:    defaultDataDir,
		log:        logger.Named("runner"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run 实现 task.Runner。
func (r *Runner) Run(ctx context.Context, job task.Job) (*task.Response, error) {
	outcome, err := r.Process(ctx, job)
	if err != nil {
		return nil, err
	}
	return outcome.Response, nil
}

// Process 在独立沙箱中处理任务，无论成功与否都会销毁沙箱。
func (r *Runner) Process(ctx context.Context, job task.Job) (*Outcome, error) {
	if strings.TrimSpace(job.TaskID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Task ID must be provided for processing")
	}
	if r.executor == nil || r.sandbox == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务执行器未初始化")
	}
	log := r.log.With(slog.String("task_id", job.TaskID))
	log.Info("开始处理任务",
		slog.String("task", headRunes(job.Request.TaskDescription, 50)),
		slog.Int("data_files", len(job.DataFiles)),
	)

	sandboxID, err := r.sandbox.Create(ctx)
	if err != nil {
		return nil, xerrors.Ensure(xerrors.CodeSandboxFailure, err, "创建沙箱失败")
	}
	defer func() {
		destroyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
		defer cancel()
		if err := r.sandbox.Destroy(destroyCtx, sandboxID); err != nil {
			log.Warn("销毁沙箱失败", slog.String("sandbox_id", sandboxID), slog.Any("error", err))
			return
		}
		log.Info("沙箱已销毁", slog.String("sandbox_id", sandboxID))
	}()

	uploaded, err := r.stageInputs(ctx, sandboxID, job)
	if err != nil {
		return nil, err
	}

	result, err := r.executor.Execute(ctx, agent.Input{
		TaskDescription:      job.Request.TaskDescription,
		DataFilesDescription: job.Request.DataFilesDescription,
		UploadedFiles:        uploaded,
		SandboxID:            sandboxID,
	})
	if err != nil {
		return nil, err
	}

	artifacts, err := r.prepareArtifacts(ctx, sandboxID, job.TaskID, job.Request.BasePath, result.Answer.Artifacts)
	if err != nil {
		return nil, err
	}
	log.Info("任务处理完成", slog.String("sandbox_id", sandboxID), slog.Int("artifacts", len(artifacts)))

	return &Outcome{
		Response: &task.Response{
			ID:        job.TaskID,
			Status:    task.StatusCompleted,
			Answer:    result.Answer.Answer,
			Artifacts: artifacts,
			Success:   result.Answer.Success,
		},
		Notebook: result.Notebook,
	}, nil
}

// stageInputs 上传请求附带的文件，并在启用对象存储时下载 file_paths 指向的对象。
func (r *Runner) stageInputs(ctx context.Context, sandboxID string, job task.Job) ([]string, error) {
	files := make([]sandbox.File, len(job.DataFiles))
	for i, f := range job.DataFiles {
		files[i] = sandbox.File{Name: f.Filename, Content: f.Content}
	}
	uploaded, err := sandbox.UploadDataFiles(ctx, r.sandbox, sandboxID, files, r.dataDir)
	if err != nil {
		return nil, err
	}
	if len(job.Request.FilePaths) == 0 {
		return uploaded, nil
	}
	if r.store == nil {
		r.log.Warn("未启用对象存储，忽略 file_paths", slog.String("task_id", job.TaskID), slog.Int("count", len(job.Request.FilePaths)))
		return uploaded, nil
	}
	for _, fp := range job.Request.FilePaths {
		key := path.Join(job.Request.BasePath, fp)
		paths, err := objectstore.DownloadToSandbox(ctx, r.store, r.sandbox, sandboxID, key, r.dataDir)
		if err != nil {
			return nil, err
		}
		uploaded = append(uploaded, paths...)
	}
	return uploaded, nil
}

func (r *Runner) prepareArtifacts(ctx context.Context, sandboxID, taskID, basePath string, decisions []agent.ArtifactDecision) ([]task.Artifact, error) {
	artifacts := make([]task.Artifact, 0, len(decisions))
	useStore := r.store != nil && strings.TrimSpace(basePath) != ""
	for _, decision := range decisions {
		exists, err := r.sandbox.Exists(ctx, sandboxID, decision.FullPath)
		if err != nil {
			return nil, xerrors.Ensure(xerrors.CodeSandboxFailure, err, "检查产物路径失败")
		}
		if !exists {
			r.log.Warn("产物路径不存在", slog.String("task_id", taskID), slog.String("path", decision.FullPath))
			continue
		}

		rel := r.relativePath(decision.FullPath)
		artifact := task.Artifact{
			ID:          uuid.NewString(),
			Description: decision.Description,
			Type:        string(decision.Type),
			Name:        path.Base(decision.FullPath),
		}
		switch {
		case useStore:
			taskPath := path.Join("task", taskID, rel)
			if _, err := objectstore.UploadFromSandbox(ctx, r.store, r.sandbox, sandboxID, decision.FullPath, path.Join(basePath, taskPath)); err != nil {
				return nil, err
			}
			artifact.Path = taskPath
		case decision.Type == agent.ArtifactFolder:
			artifact.Path = rel
		default:
			data, err := r.sandbox.ReadFile(ctx, sandboxID, decision.FullPath)
			if err != nil {
				return nil, xerrors.Ensure(xerrors.CodeSandboxFailure, err, "读取产物失败: "+decision.FullPath)
			}
			artifact.Path = rel
			artifact.Content = base64.StdEncoding.EncodeToString(data)
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, nil
}

// relativePath 返回相对工作目录的路径，工作目录之外的产物只保留文件名。
func (r *Runner) relativePath(full string) string {
	rel, err := filepath.Rel(r.workingDir, path.Clean(full))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return path.Base(full)
	}
	return filepath.ToSlash(rel)
}

func headRunes(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
