package spool

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/endpointmon/backend/internal/wire"
)

// Spool is the durable on-disk queue between collection cycles and the
// sender. Batches survive restarts; delivery failures reschedule with
// exponential backoff and the oldest batches are evicted first when the
// row cap is exceeded.
type Spool struct {
	db       *sql.DB
	maxItems int
}

// Batch is one spooled delivery unit.
type Batch struct {
	ID         int64
	Events     []wire.Event
	EventCount int
	RetryCount int
}

const schema = `
CREATE TABLE IF NOT EXISTS spool (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    events_json     TEXT    NOT NULL,
    event_count     INTEGER NOT NULL,
    created_at      REAL    NOT NULL,
    retry_count     INTEGER NOT NULL DEFAULT 0,
    next_attempt_at REAL    NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_spool_due ON spool (next_attempt_at);
`

// Open creates or opens the spool database at path.
func Open(path string, maxItems int) (*Spool, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	// a single writer keeps SQLITE_BUSY out of the picture
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init spool schema: %w", err)
	}
	return &Spool{db: db, maxItems: maxItems}, nil
}

func (s *Spool) Close() error { return s.db.Close() }

// Enqueue persists one batch and enforces the size cap.
func (s *Spool) Enqueue(events []wire.Event) (int64, error) {
	payload, err := json.Marshal(events)
	if err != nil {
		return 0, fmt.Errorf("encode batch: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO spool (events_json, event_count, created_at) VALUES (?, ?, ?)`,
		string(payload), len(events), nowSeconds())
	if err != nil {
		return 0, fmt.Errorf("enqueue batch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := s.EnforceLimit(); err != nil {
		return id, err
	}
	return id, nil
}

// DueBatches returns up to limit batches whose next attempt time has
// passed, oldest first.
func (s *Spool) DueBatches(limit int) ([]Batch, error) {
	rows, err := s.db.Query(
		`SELECT id, events_json, event_count, retry_count
		   FROM spool
		  WHERE next_attempt_at <= ?
		  ORDER BY id ASC
		  LIMIT ?`, nowSeconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due batches: %w", err)
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var b Batch
		var raw string
		if err := rows.Scan(&b.ID, &raw, &b.EventCount, &b.RetryCount); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &b.Events); err != nil {
			// unreadable rows are dropped rather than wedging the queue
			continue
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// MarkSent removes a delivered (or poisoned) batch.
func (s *Spool) MarkSent(id int64) error {
	_, err := s.db.Exec(`DELETE FROM spool WHERE id = ?`, id)
	return err
}

// MarkFailed reschedules a batch after a delivery failure.
func (s *Spool) MarkFailed(id int64) error {
	var retry int
	err := s.db.QueryRow(`SELECT retry_count FROM spool WHERE id = ?`, id).Scan(&retry)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	retry++
	_, err = s.db.Exec(
		`UPDATE spool SET retry_count = ?, next_attempt_at = ? WHERE id = ?`,
		retry, nowSeconds()+Backoff(retry), id)
	return err
}

// Backoff returns the retry delay in seconds: exponential, floored at 2
// and capped at 300.
func Backoff(retryCount int) float64 {
	delay := 1.0
	for i := 0; i < retryCount && delay < 300; i++ {
		delay *= 2
	}
	if delay < 2 {
		delay = 2
	}
	if delay > 300 {
		delay = 300
	}
	return delay
}

// EnforceLimit evicts the oldest batches beyond the row cap and reports
// how many were dropped.
func (s *Spool) EnforceLimit() (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM spool WHERE id IN (
		    SELECT id FROM spool ORDER BY created_at ASC, id ASC
		     LIMIT max(0, (SELECT COUNT(*) FROM spool) - ?)
		)`, s.maxItems)
	if err != nil {
		return 0, fmt.Errorf("enforce spool limit: %w", err)
	}
	return res.RowsAffected()
}

// Count reports the number of spooled batches.
func (s *Spool) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM spool`).Scan(&n)
	return n, err
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
