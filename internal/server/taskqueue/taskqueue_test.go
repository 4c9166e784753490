package taskqueue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, compute ComputeFunc, workers int, timeout time.Duration) *Runner {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRunner(rdb, compute, workers, timeout, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEnqueueCoalescesPendingTasks(t *testing.T) {
	runner := newTestRunner(t, func(ctx context.Context, task Task) error { return nil }, 1, time.Second)
	ctx := context.Background()

	task := Task{OrgID: "org-1", DeviceID: "dev-1"}
	require.NoError(t, runner.Enqueue(ctx, task))
	require.NoError(t, runner.Enqueue(ctx, task))
	require.NoError(t, runner.Enqueue(ctx, task))
	require.NoError(t, runner.Enqueue(ctx, Task{OrgID: "org-1", DeviceID: "dev-2"}))

	depth, err := runner.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestWorkersProcessTasks(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	done := make(chan struct{}, 8)

	runner := newTestRunner(t, func(ctx context.Context, task Task) error {
		mu.Lock()
		seen[task.DeviceID]++
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, 2, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	require.NoError(t, runner.Enqueue(ctx, Task{OrgID: "o", DeviceID: "d1"}))
	require.NoError(t, runner.Enqueue(ctx, Task{OrgID: "o", DeviceID: "d2"}))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not process task in time")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen["d1"])
	assert.Equal(t, 1, seen["d2"])
}

func TestTimeoutInvokesCallback(t *testing.T) {
	timedOut := make(chan Task, 1)
	runner := newTestRunner(t, func(ctx context.Context, task Task) error {
		<-ctx.Done()
		return ctx.Err()
	}, 1, 50*time.Millisecond)
	runner.OnTimeout = func(task Task) { timedOut <- task }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	require.NoError(t, runner.Enqueue(ctx, Task{OrgID: "o", DeviceID: "slow"}))
	select {
	case task := <-timedOut:
		assert.Equal(t, "slow", task.DeviceID)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout callback not invoked")
	}
}

func TestPendingClearsAfterProcessing(t *testing.T) {
	processed := make(chan struct{}, 4)
	runner := newTestRunner(t, func(ctx context.Context, task Task) error {
		processed <- struct{}{}
		return nil
	}, 1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	task := Task{OrgID: "o", DeviceID: "d1"}
	require.NoError(t, runner.Enqueue(ctx, task))
	select {
	case <-processed:
	case <-time.After(5 * time.Second):
		t.Fatal("first task not processed")
	}

	// once drained, the same device can be enqueued again
	require.NoError(t, runner.Enqueue(ctx, task))
	select {
	case <-processed:
	case <-time.After(5 * time.Second):
		t.Fatal("second task not processed")
	}
}
