package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "DataPilot/internal/errors"
	"DataPilot/pkg/logger"
)

const (
	defaultRedisQueue     = "datapilot:jobs"
	defaultRedisBlockWait = 5 * time.Second
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 基于 Redis list 的任务队列：LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 连接 Redis 并确认可用。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisQueueWithClient 复用已有客户端，queue 与 wait 为空时取默认值。
func NewRedisQueueWithClient(client *redis.Client, queue string, wait time.Duration) *RedisQueue {
	if queue == "" {
		queue = defaultRedisQueue
	}
	if wait <= 0 {
		wait = defaultRedisBlockWait
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

func (q *RedisQueue) Publish(ctx context.Context, job Job) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Len 返回队列中等待的任务数。
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.queue).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "读取 Redis 队列长度失败")
	}
	return n, nil
}

// Consume 启动 workerCount 个 BRPOP 循环，任一循环遇到 Redis 故障时全部退出。
// 处理失败的任务放回队尾等待再次领取。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for range max(workerCount, 1) {
		g.Go(func() error { return q.pollLoop(gctx, handler) })
	}
	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (q *RedisQueue) pollLoop(ctx context.Context, handler Handler) error {
	log := logger.Named("queue")
	for ctx.Err() == nil {
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		case errors.Is(err, redis.ErrClosed):
			return err
		case err != nil:
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
		case len(values) != 2:
			continue
		}

		raw := values[1]
		job, err := decodeJob([]byte(raw))
		if err != nil {
			log.Error("丢弃无法解析的任务消息", slog.Any("error", err))
			continue
		}
		if err := handler(ctx, job); err != nil {
			log.Warn("任务处理失败，重新放回队列", slog.String("task_id", job.TaskID), slog.Any("error", err))
			if pushErr := q.client.RPush(context.WithoutCancel(ctx), q.queue, raw).Err(); pushErr != nil {
				log.Error("任务放回 Redis 队列失败", slog.String("task_id", job.TaskID), slog.Any("error", pushErr))
			}
		}
	}
	return ctx.Err()
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
