package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/observability/alerting"
	"DataPilot/internal/observability/metrics"
	"DataPilot/pkg/logger"
)

// Processor 负责从队列消费任务并交给 Runner 执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	maxAttempts int
	taskTimeout time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	requeues    sync.WaitGroup
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithProcessorMaxAttempts 设置任务记录未携带上限时使用的最大尝试次数。
func WithProcessorMaxAttempts(attempts int) ProcessorOption {
	return func(p *Processor) {
		if attempts > 0 {
			p.maxAttempts = attempts
		}
	}
}

// WithTaskTimeout 设置单次任务执行的超时时间。
func WithTaskTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.taskTimeout = timeout
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger.Named("processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束，返回前等待进行中的重投完成。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	err := p.consumer.Consume(ctx, p.workerCount, p.handle)
	p.requeues.Wait()
	return err
}

func (p *Processor) handle(ctx context.Context, job Job) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, job.TaskID)
	if err != nil {
		if IsNotFound(err) || stdErrors.Is(err, ErrTaskCompleted) {
			p.logger.Debug("跳过任务", slog.String("task_id", job.TaskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", job.TaskID))
		return err
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = p.maxAttempts
	}
	metrics.TaskStarted()
	defer metrics.TaskStopped()

	runCtx := ctx
	if p.taskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}
	started := time.Now()
	resp, runErr := p.runner.Run(runCtx, job)
	if runErr != nil && ctx.Err() != nil {
		// 进程退出中断的任务保持 in_progress，由队列重新投递。
		p.logger.Warn("任务因停止而中断", slog.String("task_id", task.ID))
		return ctx.Err()
	}
	if runErr != nil {
		if stdErrors.Is(runErr, context.DeadlineExceeded) && xerrors.CodeOf(runErr) == xerrors.CodeUnknown {
			runErr = xerrors.Wrap(xerrors.CodeTimeout, runErr, "任务执行超时")
		}
		return p.handleExecutionFailure(ctx, task, job, runErr)
	}

	resp.ID = task.ID
	resp.Status = StatusCompleted
	if err := p.store.Update(ctx, task.ID, StatusCompleted, resp); err != nil {
		p.logger.Error("标记任务完成状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return p.handleExecutionFailure(ctx, task, job, err)
	}
	metrics.TaskFinished(string(StatusCompleted))
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.Bool("success", resp.Success),
		slog.Int("artifacts", len(resp.Artifacts)),
		slog.Int("attempts", task.Attempts),
		slog.Duration("duration", time.Since(started)),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, job Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxAttempts || !retryable

	if err := p.store.RecordError(ctx, task.ID, code, execErr.Error()); err != nil {
		p.logger.Error("记录任务错误失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_attempts", task.MaxAttempts),
	)

	if !terminal {
		p.requeue(ctx, task, job)
		return nil
	}
	return p.markFailed(ctx, task, code, execErr)
}

// requeue 在独立协程中重投任务，消费协程不会因队列已满而阻塞。
// 重投失败时任务转为失败终态；ctx 结束导致的失败保持 in_progress。
func (p *Processor) requeue(ctx context.Context, task *Task, job Job) {
	p.requeues.Add(1)
	go func() {
		defer p.requeues.Done()
		err := p.producer.Publish(ctx, job)
		switch {
		case err == nil:
			p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
		case ctx.Err() != nil:
			p.logger.Warn("停止期间重投任务被放弃", slog.String("task_id", task.ID))
		default:
			wrapped := xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 重投失败", task.ID))
			_ = p.markFailed(context.WithoutCancel(ctx), task, CodeTaskPublish, wrapped)
		}
	}()
}

func (p *Processor) markFailed(ctx context.Context, task *Task, code xerrors.Code, cause error) error {
	if err := p.store.Update(ctx, task.ID, StatusFailed, ErrorResponse(task.ID)); err != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	metrics.TaskFinished(string(StatusFailed))
	if xerrors.ShouldAlert(cause) || xerrors.AttributesOf(code).Alert {
		p.emitAlert(ctx, task, code, cause, "terminal")
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = xerrors.MessageOf(cause)
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:            code,
		Message:         message,
		Severity:        attrs.Severity,
		TaskID:          task.ID,
		TaskDescription: task.Description,
		Attempts:        task.Attempts,
		MaxAttempts:     task.MaxAttempts,
		Metadata:        metadata,
		OccurredAt:      time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
