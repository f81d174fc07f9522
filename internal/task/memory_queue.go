package task

import (
	"context"
	"log/slog"
	"sync"

	xerrors "DataPilot/internal/errors"
	"DataPilot/pkg/logger"
)

const defaultMemoryQueueSize = 64

// MemoryQueue 是进程内的有界任务队列，仅用于单实例部署与测试，重启后未消费的任务会丢失。
type MemoryQueue struct {
	jobs      chan Job
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建容量为 size 的内存队列，size 非正时使用默认容量。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = defaultMemoryQueueSize
	}
	return &MemoryQueue{jobs: make(chan Job, size), done: make(chan struct{})}
}

// Len 返回尚未被领取的任务数。
func (q *MemoryQueue) Len() int { return len(q.jobs) }

// Publish 在队列满时阻塞，直到有空位、ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, job Job) error {
	select {
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "内存队列已关闭")
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "内存队列已关闭")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 以 workerCount 个协程处理任务，直到 ctx 结束或队列关闭。
// 处理失败的任务不会自动重投，重试由处理器负责。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	log := logger.Named("queue")
	var wg sync.WaitGroup
	for range max(workerCount, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case job := <-q.jobs:
					if err := handler(ctx, job); err != nil {
						log.Warn("内存队列任务处理失败", slog.String("task_id", job.TaskID), slog.Any("error", err))
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 停止投递与消费，可重复调用。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
