package task

import (
	"context"
	"time"

	xerrors "DataPilot/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Update 写入状态，response 为 nil 时保留已有结果。
	Update(ctx context.Context, id string, status Status, response *Response) error
	// Claim 为一次处理尝试累加计数，任务已处于终态时返回 ErrTaskCompleted。
	Claim(ctx context.Context, id string) (*Task, error)
	// RecordError 记录最近一次失败，不改变状态。
	RecordError(ctx context.Context, id string, code xerrors.Code, message string) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	// DeleteExpired 删除 updated_at 早于 before 的任务并返回其 ID。
	DeleteExpired(ctx context.Context, before time.Time) ([]string, error)
	Close() error
}
