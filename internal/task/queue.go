package task

import (
	"context"
	"encoding/json"

	xerrors "DataPilot/internal/errors"
)

// Handler 处理来自消息队列的任务。
type Handler func(ctx context.Context, job Job) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, job Job) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

func encodeJob(job Job) ([]byte, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码任务消息失败")
	}
	return payload, nil
}

func decodeJob(payload []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解码任务消息失败")
	}
	return job, nil
}
