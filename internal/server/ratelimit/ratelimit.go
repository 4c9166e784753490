// Package ratelimit implements the per-org ingest limiter: a shared
// fixed-window counter in Redis, incremented atomically with a window
// expiry. If Redis is unreachable the limiter falls back to a local
// in-process window so a cache outage degrades fairness, not safety.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter is the slice of the redis client the limiter needs.
type Counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Limiter enforces a per-key requests-per-minute cap.
type Limiter struct {
	rdb    Counter
	window time.Duration

	mu    sync.Mutex
	local map[string]*localWindow
}

type localWindow struct {
	start time.Time
	count int
}

func New(rdb Counter) *Limiter {
	return &Limiter{
		rdb:    rdb,
		window: time.Minute,
		local:  make(map[string]*localWindow),
	}
}

// Allow consumes one unit for key under the given per-window limit.
func (l *Limiter) Allow(ctx context.Context, key string, limit int) (bool, error) {
	if limit < 1 {
		return false, nil
	}
	bucket := fmt.Sprintf("ratelimit:%s:%d", key, time.Now().Unix()/int64(l.window.Seconds()))
	count, err := l.rdb.Incr(ctx, bucket).Result()
	if err != nil {
		return l.allowLocal(key, limit), nil
	}
	if count == 1 {
		// first hit owns the expiry; extra margin covers clock skew
		l.rdb.Expire(ctx, bucket, l.window+10*time.Second)
	}
	return count <= int64(limit), nil
}

func (l *Limiter) allowLocal(key string, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	w := l.local[key]
	if w == nil || now.Sub(w.start) >= l.window {
		w = &localWindow{start: now}
		l.local[key] = w
	}
	w.count++
	return w.count <= limit
}
