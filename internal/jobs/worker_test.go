package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/eventcore/pkg/db/models"
	"github.com/angelmondragon/eventcore/pkg/enums"
)

func TestRegistryRejectsDuplicatesAndBlankNames(t *testing.T) {
	reg := NewRegistry()
	noop := func(context.Context, models.Job) error { return nil }
	require.NoError(t, reg.Register("b", noop))
	require.NoError(t, reg.Register("a", noop))
	require.Error(t, reg.Register("a", noop))
	require.Error(t, reg.Register(" ", noop))
	require.Error(t, reg.Register("c", nil))
	assert.Equal(t, []string{"a", "b"}, reg.Queues())
}

func TestNewWorkerRequiresRegisteredQueues(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	reg := NewRegistry()
	_, err := NewWorker(q, reg, WorkerOptions{})
	require.Error(t, err)

	require.NoError(t, reg.Register("index", func(context.Context, models.Job) error { return nil }))
	_, err = NewWorker(q, reg, WorkerOptions{Queues: []string{"other"}})
	require.ErrorIs(t, err, ErrUnknownQueue)
}

func TestRunOnceCompletesAndFails(t *testing.T) {
	reg := NewRegistry()
	var calls atomic.Int32
	require.NoError(t, reg.Register("index", func(_ context.Context, job models.Job) error {
		if calls.Add(1) == 1 {
			return errors.New("first try fails")
		}
		return nil
	}))
	q, client, clock := newTestQueue(t, Options{Registry: reg, BackoffBase: time.Second})
	w, err := NewWorker(q, reg, WorkerOptions{Lease: time.Minute})
	require.NoError(t, err)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, nil, "index", nil)
	require.NoError(t, err)

	ran, err := w.RunOnce(ctx, "index")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, enums.JobStatePending, loadJob(t, client, id).State)

	ran, err = w.RunOnce(ctx, "index")
	require.NoError(t, err)
	assert.False(t, ran, "job is backing off")

	clock.Advance(2 * time.Second)
	ran, err = w.RunOnce(ctx, "index")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, enums.JobStateCompleted, loadJob(t, client, id).State)
}

func TestRunOnceTurnsPanicIntoFailure(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("index", func(context.Context, models.Job) error {
		panic("nil map write")
	}))
	q, client, _ := newTestQueue(t, Options{Registry: reg})
	w, err := NewWorker(q, reg, WorkerOptions{})
	require.NoError(t, err)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, nil, "index", nil)
	require.NoError(t, err)

	ran, err := w.RunOnce(ctx, "index")
	require.NoError(t, err)
	assert.True(t, ran)

	job := loadJob(t, client, id)
	assert.Equal(t, enums.JobStatePending, job.State)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "nil map write")
}

func TestWorkerStartProcessesAndDrains(t *testing.T) {
	reg := NewRegistry()
	done := make(chan struct{}, 4)
	require.NoError(t, reg.Register("index", func(context.Context, models.Job) error {
		done <- struct{}{}
		return nil
	}))
	q, client, _ := newTestQueue(t, Options{Registry: reg})
	w, err := NewWorker(q, reg, WorkerOptions{PollInterval: 10 * time.Millisecond, Concurrency: 1, ClaimRate: 1000})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, nil, "index", nil)
		require.NoError(t, err)
	}
	require.NoError(t, w.Start(ctx))
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	w.Stop()
	require.NoError(t, w.Drain(context.Background()))

	require.Eventually(t, func() bool {
		var completed int64
		err := client.DB().Model(&models.Job{}).Where("state = ?", enums.JobStateCompleted).Count(&completed).Error
		return err == nil && completed == 3
	}, 2*time.Second, 10*time.Millisecond)
}
