package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "DataPilot/internal/errors"
)

// RedisStoreConfig 描述 Redis 任务存储的连接参数。
type RedisStoreConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore 以 JSON 保存任务，并用有序集合按 updated_at 建立索引。
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

const redisMaxTxRetries = 5

// NewRedisStore 创建 Redis 任务存储。
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient 基于已有客户端创建存储。
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "datapilot:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) taskKey(id string) string { return s.prefix + "task:" + id }
func (s *RedisStore) indexKey() string         { return s.prefix + "tasks" }

// Create 实现 Store 接口。
func (s *RedisStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := s.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	encoded, err := json.Marshal(task)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务失败")
	}
	created, err := s.client.SetNX(ctx, s.taskKey(task.ID), encoded, 0).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务失败")
	}
	if !created {
		return ErrTaskConflict
	}
	if err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(task.UpdatedAt), Member: task.ID}).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务索引失败")
	}
	return nil
}

// Get 实现 Store 接口。
func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound(id)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return decodeTask(data)
}

// Update 实现 Store 接口。
func (s *RedisStore) Update(ctx context.Context, id string, status Status, response *Response) error {
	_, err := s.mutate(ctx, id, func(task *Task) error {
		task.Status = status
		if response != nil {
			task.Response = cloneResponse(response)
		}
		return nil
	})
	return err
}

// Claim 实现 Store 接口。
func (s *RedisStore) Claim(ctx context.Context, id string) (*Task, error) {
	return s.mutate(ctx, id, func(task *Task) error {
		if task.Status.IsTerminal() {
			return ErrTaskCompleted
		}
		task.Attempts++
		return nil
	})
}

// RecordError 实现 Store 接口。
func (s *RedisStore) RecordError(ctx context.Context, id string, code xerrors.Code, message string) error {
	_, err := s.mutate(ctx, id, func(task *Task) error {
		task.LastError = message
		task.ErrorCode = string(code)
		return nil
	})
	return err
}

// mutate 在 WATCH 事务中读取、修改并写回任务，fn 返回错误时不写入并返回当前任务。
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*Task) error) (*Task, error) {
	key := s.taskKey(id)
	var (
		result *Task
		fnErr  error
	)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if stdErrors.Is(err, redis.Nil) {
				return ErrTaskNotFound(id)
			}
			return err
		}
		task, err := decodeTask(data)
		if err != nil {
			return err
		}
		if fnErr = fn(task); fnErr != nil {
			result = task
			return nil
		}
		task.UpdatedAt = s.now().Unix()
		encoded, err := json.Marshal(task)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务失败")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(task.UpdatedAt), Member: id})
			return nil
		})
		if err == nil {
			result = task
		}
		return err
	}

	for i := 0; i < redisMaxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, fnErr
		}
		if stdErrors.Is(err, redis.TxFailedErr) {
			continue
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	return nil, xerrors.Newf(xerrors.CodeStorageFailure, "任务 %s 并发更新冲突", id)
}

// List 实现 Store 接口。
func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	tasks, err := s.scan(ctx, opts)
	if err != nil {
		return nil, err
	}
	if opts.Offset >= len(tasks) {
		return []*Task{}, nil
	}
	tasks = tasks[opts.Offset:]
	if len(tasks) > opts.Limit {
		tasks = tasks[:opts.Limit]
	}
	return tasks, nil
}

// Stats 实现 Store 接口。
func (s *RedisStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	tasks, err := s.scan(ctx, opts)
	if err != nil {
		return TaskStats{}, err
	}
	stats := TaskStats{}
	for _, task := range tasks {
		stats.add(task.Status, task.UpdatedAt)
	}
	return stats, nil
}

// scan 在索引的时间窗口内读取任务并应用其余过滤条件，结果按 opts.Order 排列。
func (s *RedisStore) scan(ctx context.Context, opts ListOptions) ([]*Task, error) {
	rangeBy := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if opts.UpdatedGTE > 0 {
		rangeBy.Min = strconv.FormatInt(opts.UpdatedGTE, 10)
	}
	if opts.UpdatedLTE > 0 {
		rangeBy.Max = strconv.FormatInt(opts.UpdatedLTE, 10)
	}
	var (
		ids []string
		err error
	)
	if opts.Order == SortByUpdatedAsc {
		ids, err = s.client.ZRangeByScore(ctx, s.indexKey(), rangeBy).Result()
	} else {
		ids, err = s.client.ZRevRangeByScore(ctx, s.indexKey(), rangeBy).Result()
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务索引失败")
	}
	if len(ids) == 0 {
		return []*Task{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量读取任务失败")
	}
	tasks := make([]*Task, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		task, err := decodeTask([]byte(raw))
		if err != nil {
			return nil, err
		}
		if matchesListFilters(task, opts) {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// DeleteExpired 实现 Store 接口。
func (s *RedisStore) DeleteExpired(ctx context.Context, before time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询过期任务失败")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
		members[i] = id
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.indexKey(), members...)
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除过期任务失败")
	}
	return ids, nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func decodeTask(data []byte) (*Task, error) {
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码任务失败")
	}
	return &task, nil
}

var _ Store = (*RedisStore)(nil)
