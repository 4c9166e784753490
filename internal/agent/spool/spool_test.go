package spool

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endpointmon/backend/internal/wire"
)

func openTestSpool(t *testing.T, maxItems int) *Spool {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "spool.db"), maxItems)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvents(n int) []wire.Event {
	events := make([]wire.Event, n)
	for i := range events {
		events[i] = wire.NewEvent(time.Now(), wire.SourceSystem, wire.SeverityInfo,
			wire.PlatformMacOS, "heartbeat", map[string]any{"seq": i})
	}
	return events
}

func TestEnqueueAndDueRoundTrip(t *testing.T) {
	s := openTestSpool(t, 100)

	id, err := s.Enqueue(testEvents(3))
	require.NoError(t, err)
	assert.Positive(t, id)

	due, err := s.DueBatches(10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)
	assert.Equal(t, 3, due[0].EventCount)
	assert.Len(t, due[0].Events, 3)
	assert.Equal(t, 0, due[0].RetryCount)
}

func TestDueBatchesAscendingIDOrder(t *testing.T) {
	s := openTestSpool(t, 100)
	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.Enqueue(testEvents(1))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	due, err := s.DueBatches(10)
	require.NoError(t, err)
	require.Len(t, due, 5)
	for i, batch := range due {
		assert.Equal(t, ids[i], batch.ID)
	}

	limited, err := s.DueBatches(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMarkSentIsIdempotent(t *testing.T) {
	s := openTestSpool(t, 100)
	id, err := s.Enqueue(testEvents(1))
	require.NoError(t, err)

	require.NoError(t, s.MarkSent(id))
	require.NoError(t, s.MarkSent(id))

	count, err := s.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMarkFailedSchedulesBackoff(t *testing.T) {
	s := openTestSpool(t, 100)
	id, err := s.Enqueue(testEvents(1))
	require.NoError(t, err)

	// three consecutive failures advance next_attempt_at by 2, 4, 8s
	for want := 1; want <= 3; want++ {
		require.NoError(t, s.MarkFailed(id))
		var retry int
		var nextAt float64
		require.NoError(t, s.db.QueryRow(
			`SELECT retry_count, next_attempt_at FROM spool WHERE id = ?`, id).
			Scan(&retry, &nextAt))
		assert.Equal(t, want, retry)
		assert.InDelta(t, nowSeconds()+Backoff(want), nextAt, 1.0)
	}

	// still queued, but not due until the backoff elapses
	due, err := s.DueBatches(10)
	require.NoError(t, err)
	assert.Empty(t, due)

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBackoffCurve(t *testing.T) {
	assert.Equal(t, 2.0, Backoff(1))
	assert.Equal(t, 4.0, Backoff(2))
	assert.Equal(t, 8.0, Backoff(3))
	assert.Equal(t, 256.0, Backoff(8))
	assert.Equal(t, 300.0, Backoff(9))
	assert.Equal(t, 300.0, Backoff(50))

	prev := 0.0
	for retry := 1; retry <= 12; retry++ {
		cur := Backoff(retry)
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestEnforceLimitEvictsOldestFirst(t *testing.T) {
	s := openTestSpool(t, 3)
	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.Enqueue(testEvents(1))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	due, err := s.DueBatches(10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	// the two oldest were dropped; the newest three survive
	assert.Equal(t, ids[2], due[0].ID)
	assert.Equal(t, ids[3], due[1].ID)
	assert.Equal(t, ids[4], due[2].ID)
}
