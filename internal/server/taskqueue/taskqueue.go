// Package taskqueue decouples ingest from insight recompute. Tasks are
// (org, device) pairs on a Redis list; a fixed worker pool pulls them,
// runs the compute callback under a wall-clock cap, and guarantees at
// most one in-flight compute per device. Enqueues for a device that is
// already queued collapse into the existing task.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const queueKey = "recompute:tasks"

// Task identifies one device recompute.
type Task struct {
	OrgID    string `json:"org_id"`
	DeviceID string `json:"device_id"`
}

func (t Task) key() string { return t.OrgID + "\x00" + t.DeviceID }

// Lister is the redis client slice the queue needs.
type Lister interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
}

// ComputeFunc performs one device recompute.
type ComputeFunc func(ctx context.Context, task Task) error

// Runner owns the queue and the worker pool.
type Runner struct {
	rdb     Lister
	compute ComputeFunc
	log     *slog.Logger

	workers int
	timeout time.Duration

	// OnTimeout is invoked when a compute exceeds the wall cap.
	OnTimeout func(task Task)

	mu      sync.Mutex
	pending map[string]bool
	locks   map[string]*sync.Mutex
}

func NewRunner(rdb Lister, compute ComputeFunc, workers int, timeout time.Duration, log *slog.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		rdb:     rdb,
		compute: compute,
		log:     log,
		workers: workers,
		timeout: timeout,
		pending: make(map[string]bool),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Enqueue schedules a recompute for the device. A device already
// waiting in the queue is not enqueued again.
func (r *Runner) Enqueue(ctx context.Context, task Task) error {
	r.mu.Lock()
	if r.pending[task.key()] {
		r.mu.Unlock()
		return nil
	}
	r.pending[task.key()] = true
	r.mu.Unlock()

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := r.rdb.LPush(ctx, queueKey, payload).Err(); err != nil {
		r.mu.Lock()
		delete(r.pending, task.key())
		r.mu.Unlock()
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Depth reports the number of queued tasks.
func (r *Runner) Depth(ctx context.Context) (int64, error) {
	return r.rdb.LLen(ctx, queueKey).Result()
}

// Run blocks the calling goroutine on the worker pool until the context
// cancels. In-flight computes finish before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		group.Go(func() error {
			r.workerLoop(gctx)
			return nil
		})
	}
	return group.Wait()
}

func (r *Runner) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		values, err := r.rdb.BRPop(ctx, time.Second, queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			r.log.Warn("task pop failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(values) != 2 {
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(values[1]), &task); err != nil {
			r.log.Warn("malformed task dropped", "error", err)
			continue
		}
		r.runTask(ctx, task)
	}
}

// runTask serializes computes per device via a keyed lock and enforces
// the wall-clock cap.
func (r *Runner) runTask(ctx context.Context, task Task) {
	r.mu.Lock()
	delete(r.pending, task.key())
	lock := r.locks[task.key()]
	if lock == nil {
		lock = &sync.Mutex{}
		r.locks[task.key()] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := r.compute(tctx, task)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(tctx.Err(), context.DeadlineExceeded):
		if r.OnTimeout != nil {
			r.OnTimeout(task)
		}
		r.log.Warn("recompute timed out",
			"org", task.OrgID, "device", task.DeviceID, "elapsed", time.Since(start))
	case err != nil:
		r.log.Error("recompute failed",
			"org", task.OrgID, "device", task.DeviceID, "error", err)
	default:
		r.log.Debug("recompute complete",
			"org", task.OrgID, "device", task.DeviceID, "elapsed", time.Since(start))
	}
}

// Sweep periodically re-enqueues every recently active device so a
// device whose traffic stopped still gets its daily rollup refreshed.
func (r *Runner) Sweep(ctx context.Context, interval time.Duration, list func(context.Context) ([]Task, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		tasks, err := list(ctx)
		if err != nil {
			r.log.Warn("sweep listing failed", "error", err)
			continue
		}
		for _, task := range tasks {
			if err := r.Enqueue(ctx, task); err != nil {
				r.log.Warn("sweep enqueue failed", "org", task.OrgID, "device", task.DeviceID, "error", err)
			}
		}
	}
}
