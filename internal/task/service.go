package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/observability/metrics"
	"DataPilot/pkg/logger"
)

// Runner 执行一次完整的任务处理。
type Runner interface {
	Run(ctx context.Context, job Job) (*Response, error)
}

// 默认的任务保留与清理参数。
const (
	DefaultMaxAttempts     = 1
	DefaultExpiry          = time.Hour
	DefaultCleanupInterval = 5 * time.Minute
)

// Service 负责任务的创建、执行与查询。
type Service struct {
	store           Store
	producer        Producer
	runner          Runner
	maxAttempts     int
	expiry          time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	log             *slog.Logger
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithMaxAttempts 设置异步任务的最大尝试次数。
func WithMaxAttempts(attempts int) ServiceOption {
	return func(s *Service) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// WithServiceLogger 指定日志输出。
func WithServiceLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithExpiry 设置任务保留时长与清理间隔。
func WithExpiry(expiry, interval time.Duration) ServiceOption {
	return func(s *Service) {
		if expiry > 0 {
			s.expiry = expiry
		}
		if interval > 0 {
			s.cleanupInterval = interval
		}
	}
}

// NewService 构造任务服务。producer 为空时不支持异步提交。
func NewService(store Store, producer Producer, runner Runner, opts ...ServiceOption) *Service {
	s := &Service{
		store:           store,
		producer:        producer,
		runner:          runner,
		maxAttempts:     DefaultMaxAttempts,
		expiry:          DefaultExpiry,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
		log:             logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateTask 以 in_progress 状态登记新任务并返回其 ID。
func (s *Service) CreateTask(ctx context.Context, description string) (string, error) {
	if s.store == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	id := uuid.NewString()
	task := &Task{
		ID:          id,
		Description: description,
		Status:      StatusInProgress,
		MaxAttempts: s.maxAttempts,
	}
	if err := s.store.Create(ctx, task); err != nil {
		return "", err
	}
	s.log.Info("已创建任务", slog.String("task_id", id))
	return id, nil
}

// RunSync 创建任务并在当前请求内执行，失败时写入统一的失败答复后返回错误。
func (s *Service) RunSync(ctx context.Context, req Request, files []DataFile) (*Response, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	if s.runner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务执行器未初始化")
	}
	id, err := s.CreateTask(ctx, req.TaskDescription)
	if err != nil {
		return nil, err
	}

	metrics.TaskStarted()
	defer metrics.TaskStopped()
	resp, runErr := s.runner.Run(ctx, Job{TaskID: id, Request: req, DataFiles: files})
	if runErr != nil {
		s.log.Error("同步任务执行失败", slog.String("task_id", id), slog.Any("error", runErr))
		// 请求上下文可能已取消，失败状态仍需落库。
		storeCtx := context.WithoutCancel(ctx)
		if err := s.store.RecordError(storeCtx, id, xerrors.CodeOf(runErr), runErr.Error()); err != nil {
			s.log.Error("记录任务错误失败", slog.String("task_id", id), slog.Any("error", err))
		}
		if err := s.store.Update(storeCtx, id, StatusFailed, ErrorResponse(id)); err != nil {
			s.log.Error("标记任务失败状态出错", slog.String("task_id", id), slog.Any("error", err))
		}
		metrics.TaskFinished(string(StatusFailed))
		return nil, runErr
	}

	resp.ID = id
	resp.Status = StatusCompleted
	if err := s.store.Update(ctx, id, StatusCompleted, resp); err != nil {
		metrics.TaskFinished(string(StatusFailed))
		return nil, err
	}
	metrics.TaskFinished(string(StatusCompleted))
	logger.Audit().Info("同步任务完成",
		slog.String("task_id", id),
		slog.Bool("success", resp.Success),
		slog.Int("artifacts", len(resp.Artifacts)),
	)
	return resp, nil
}

// SubmitAsync 创建任务并投递到队列，立即返回回执。
func (s *Service) SubmitAsync(ctx context.Context, req Request, files []DataFile) (*StatusResponse, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	if s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务队列未初始化")
	}
	id, err := s.CreateTask(ctx, req.TaskDescription)
	if err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, Job{TaskID: id, Request: req, DataFiles: files}); err != nil {
		s.log.Error("任务入队失败", slog.Any("error", err), slog.String("task_id", id))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		storeCtx := context.WithoutCancel(ctx)
		if err := s.store.RecordError(storeCtx, id, CodeTaskPublish, wrapped.Error()); err != nil {
			s.log.Error("记录任务错误失败", slog.String("task_id", id), slog.Any("error", err))
		}
		if err := s.store.Update(storeCtx, id, StatusFailed, ErrorResponse(id)); err != nil {
			s.log.Error("标记任务失败状态出错", slog.String("task_id", id), slog.Any("error", err))
		}
		metrics.TaskFinished(string(StatusFailed))
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", id),
		slog.Int("data_files", len(files)),
		slog.Int("file_paths", len(req.FilePaths)),
		slog.Int("max_attempts", s.maxAttempts),
	)
	return &StatusResponse{ID: id, Status: StatusInProgress}, nil
}

// Get 返回任务对调用方可见的结果视图。
func (s *Service) Get(ctx context.Context, id string) (*Response, error) {
	task, err := s.Task(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case task.Status == StatusInProgress:
		return &Response{
			ID:        task.ID,
			Status:    StatusInProgress,
			Answer:    InProgressAnswer,
			Artifacts: []Artifact{},
			Success:   true,
		}, nil
	case task.Response != nil:
		return cloneResponse(task.Response), nil
	default:
		return &Response{
			ID:        task.ID,
			Status:    task.Status,
			Answer:    fmt.Sprintf("Task is %s. No response data available", task.Status),
			Artifacts: []Artifact{},
			Success:   false,
		}, nil
	}
}

// Task 返回任务的完整记录。
func (s *Service) Task(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// WaitUntilCompleted 轮询任务直到进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Task(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CleanupExpired 删除超过保留时长未更新的任务。
func (s *Service) CleanupExpired(ctx context.Context) ([]string, error) {
	removed, err := s.store.DeleteExpired(ctx, s.now().Add(-s.expiry))
	if err != nil {
		return nil, err
	}
	for _, id := range removed {
		s.log.Info("已移除过期任务", slog.String("task_id", id))
	}
	if len(removed) > 0 {
		s.log.Info("过期任务清理完成", slog.Int("count", len(removed)))
	}
	return removed, nil
}

// StartCleanup 启动后台清理循环，ctx 结束后循环退出并关闭返回的 channel。
func (s *Service) StartCleanup(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.log.Info("任务清理循环已停止")
				return
			case <-ticker.C:
				if _, err := s.CleanupExpired(ctx); err != nil && ctx.Err() == nil {
					s.log.Error("清理过期任务失败", slog.Any("error", err))
				}
			}
		}
	}()
	return done
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
