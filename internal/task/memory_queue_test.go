package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	xerrors "DataPilot/internal/errors"
)

func TestMemoryQueuePublishBlocksWhenFull(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Publish(context.Background(), Job{TaskID: "a"}))
	assert.Equal(t, 1, q.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, Job{TaskID: "b"}), context.DeadlineExceeded)
}

func TestMemoryQueueCloseStopsConsumers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewMemoryQueue(4)
	var handled atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(context.Background(), 2, func(context.Context, Job) error {
			handled.Add(1)
			return nil
		})
	}()

	require.NoError(t, q.Publish(context.Background(), Job{TaskID: "a"}))
	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Consume 未在关闭后返回")
	}

	err := q.Publish(context.Background(), Job{TaskID: "b"})
	assert.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(err))
}
