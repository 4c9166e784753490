// Package store is the Postgres persistence layer: orgs, devices, raw
// events, replay nonces, derived insights and daily metric rollups. All
// ingest mutations happen inside one transaction so a failed write can
// never strand a nonce.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/endpointmon/backend/internal/insight"
	"github.com/endpointmon/backend/internal/wire"
)

var (
	// ErrReplay marks a nonce already consumed inside the replay window.
	ErrReplay = errors.New("nonce already used")
	// ErrUnknownOrg marks lookups for orgs that do not exist.
	ErrUnknownOrg = errors.New("unknown org")
)

// Store wraps the database handle.
type Store struct {
	db *sqlx.DB
}

// Org is the authentication record for one tenant.
type Org struct {
	OrgID           string `db:"org_id"`
	Name            string `db:"name"`
	APIKeyHash      string `db:"api_key_hash"`
	RateLimitPerMin int    `db:"rate_limit_per_min"`
	Active          bool   `db:"active"`
}

// Device is one enrolled endpoint.
type Device struct {
	OrgID        string    `db:"org_id"`
	DeviceID     string    `db:"device_id"`
	Platform     string    `db:"platform"`
	AgentVersion string    `db:"agent_version"`
	FirstSeen    time.Time `db:"first_seen"`
	LastSeen     time.Time `db:"last_seen"`
}

// EventRow is a stored event as served by the read API.
type EventRow struct {
	ID       int64           `db:"id" json:"id"`
	TS       time.Time       `db:"ts" json:"ts"`
	Source   string          `db:"source" json:"source"`
	Severity string          `db:"severity" json:"severity"`
	Platform string          `db:"platform" json:"platform"`
	Title    string          `db:"title" json:"title"`
	Details  json.RawMessage `db:"details_json" json:"details"`
}

// InsightRow is a stored insight as served by the read API.
type InsightRow struct {
	ID          int64           `db:"id" json:"id"`
	TS          time.Time       `db:"ts" json:"ts"`
	Day         time.Time       `db:"day" json:"day"`
	Type        string          `db:"type" json:"type"`
	Source      string          `db:"source" json:"source"`
	Severity    string          `db:"severity" json:"severity"`
	Title       string          `db:"title" json:"title"`
	Explanation string          `db:"explanation" json:"explanation"`
	Evidence    json.RawMessage `db:"evidence" json:"evidence"`
	Fingerprint string          `db:"fingerprint" json:"fingerprint"`
	Status      string          `db:"status" json:"status"`
	Count       int             `db:"count" json:"count"`
	LastSeen    time.Time       `db:"last_seen" json:"last_seen"`
}

// DailyMetricRow is one day's rollup as served by the read API.
type DailyMetricRow struct {
	Day             time.Time       `db:"day" json:"day"`
	RiskScore       int             `db:"risk_score" json:"risk_score"`
	RawScore        int             `db:"raw_score" json:"raw_score"`
	Counts          json.RawMessage `db:"counts" json:"counts"`
	Metrics         json.RawMessage `db:"metrics" json:"metrics"`
	Baseline        json.RawMessage `db:"baseline" json:"baseline"`
	Drivers         json.RawMessage `db:"drivers" json:"drivers"`
	NewChanges      json.RawMessage `db:"new_changes" json:"new_changes"`
	ResolvedChanges json.RawMessage `db:"resolved_changes" json:"resolved_changes"`
	Brief           json.RawMessage `db:"brief" json:"brief"`
}

// RiskPoint is one step of a device's risk trend.
type RiskPoint struct {
	Day       time.Time `db:"day" json:"day"`
	RiskScore int       `db:"risk_score" json:"risk_score"`
}

// DeviceRisk ranks a device by its latest risk score.
type DeviceRisk struct {
	DeviceID  string    `db:"device_id" json:"device_id"`
	Day       time.Time `db:"day" json:"day"`
	RiskScore int       `db:"risk_score" json:"risk_score"`
}

// DeviceKey identifies one (org, device) pair.
type DeviceKey struct {
	OrgID    string `db:"org_id"`
	DeviceID string `db:"device_id"`
}

// Open connects and verifies the database.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, mainly for tests.
func NewWithDB(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS orgs (
	    org_id             TEXT PRIMARY KEY,
	    name               TEXT NOT NULL,
	    api_key_hash       TEXT NOT NULL,
	    rate_limit_per_min INTEGER NOT NULL DEFAULT 120,
	    active             BOOLEAN NOT NULL DEFAULT TRUE,
	    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
	    org_id        TEXT NOT NULL REFERENCES orgs (org_id),
	    device_id     TEXT NOT NULL,
	    platform      TEXT NOT NULL DEFAULT '',
	    agent_version TEXT NOT NULL DEFAULT '',
	    first_seen    TIMESTAMPTZ NOT NULL,
	    last_seen     TIMESTAMPTZ NOT NULL,
	    PRIMARY KEY (org_id, device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
	    id           BIGSERIAL PRIMARY KEY,
	    org_id       TEXT NOT NULL,
	    device_id    TEXT NOT NULL,
	    ts           TIMESTAMPTZ NOT NULL,
	    source       TEXT NOT NULL,
	    severity     TEXT NOT NULL,
	    platform     TEXT NOT NULL,
	    title        TEXT NOT NULL,
	    details_json JSONB NOT NULL DEFAULT '{}'::jsonb,
	    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_device_ts ON events (org_id, device_id, ts)`,
	`CREATE TABLE IF NOT EXISTS nonces (
	    org_id    TEXT NOT NULL,
	    device_id TEXT NOT NULL,
	    nonce     TEXT NOT NULL,
	    seen_at   TIMESTAMPTZ NOT NULL,
	    PRIMARY KEY (org_id, device_id, nonce)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nonces_seen_at ON nonces (seen_at)`,
	`CREATE TABLE IF NOT EXISTS insights (
	    id          BIGSERIAL PRIMARY KEY,
	    org_id      TEXT NOT NULL,
	    device_id   TEXT NOT NULL,
	    ts          TIMESTAMPTZ NOT NULL,
	    day         DATE NOT NULL,
	    type        TEXT NOT NULL,
	    source      TEXT NOT NULL,
	    severity    TEXT NOT NULL,
	    title       TEXT NOT NULL,
	    explanation TEXT NOT NULL DEFAULT '',
	    evidence    JSONB NOT NULL DEFAULT '{}'::jsonb,
	    fingerprint TEXT NOT NULL,
	    status      TEXT NOT NULL DEFAULT '',
	    count       INTEGER NOT NULL DEFAULT 1,
	    last_seen   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_insights_fingerprint
	    ON insights (org_id, device_id, fingerprint, last_seen)`,
	`CREATE TABLE IF NOT EXISTS daily_metrics (
	    org_id           TEXT NOT NULL,
	    device_id        TEXT NOT NULL,
	    day              DATE NOT NULL,
	    risk_score       INTEGER NOT NULL,
	    raw_score        INTEGER NOT NULL,
	    counts           JSONB NOT NULL DEFAULT '{}'::jsonb,
	    metrics          JSONB NOT NULL DEFAULT '{}'::jsonb,
	    baseline         JSONB NOT NULL DEFAULT '{}'::jsonb,
	    drivers          JSONB NOT NULL DEFAULT '[]'::jsonb,
	    new_changes      JSONB NOT NULL DEFAULT '[]'::jsonb,
	    resolved_changes JSONB NOT NULL DEFAULT '[]'::jsonb,
	    brief            JSONB NOT NULL DEFAULT '{}'::jsonb,
	    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	    PRIMARY KEY (org_id, device_id, day)
	)`,
}

// Migrate applies the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// HashSecret returns the lower-hex SHA-256 of an API key. Only hashes
// are stored.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// SeedOrg provisions or refreshes one org record.
func (s *Store) SeedOrg(ctx context.Context, orgID, name, apiKeyHash string, rateLimitPerMin int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orgs (org_id, name, api_key_hash, rate_limit_per_min, active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (org_id) DO UPDATE SET
		    name = EXCLUDED.name,
		    api_key_hash = EXCLUDED.api_key_hash,
		    rate_limit_per_min = EXCLUDED.rate_limit_per_min,
		    active = TRUE`,
		orgID, name, apiKeyHash, rateLimitPerMin)
	if err != nil {
		return fmt.Errorf("seed org %s: %w", orgID, err)
	}
	return nil
}

// GetOrg fetches one org record.
func (s *Store) GetOrg(ctx context.Context, orgID string) (*Org, error) {
	var org Org
	err := s.db.GetContext(ctx, &org, `
		SELECT org_id, name, api_key_hash, rate_limit_per_min, active
		  FROM orgs WHERE org_id = $1`, orgID)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownOrg
	}
	if err != nil {
		return nil, fmt.Errorf("get org %s: %w", orgID, err)
	}
	return &org, nil
}

// IngestTx runs the atomic tail of the ingest pipeline: garbage-collect
// expired nonces, consume this one (ErrReplay on conflict), upsert the
// device and append every event. Everything commits or nothing does.
func (s *Store) IngestTx(ctx context.Context, req *wire.IngestRequest, window time.Duration, now time.Time) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin ingest tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM nonces WHERE seen_at < $1`, now.Add(-2*window)); err != nil {
		return 0, fmt.Errorf("gc nonces: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO nonces (org_id, device_id, nonce, seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id, device_id, nonce) DO NOTHING`,
		req.OrgID, req.DeviceID, req.Nonce, now)
	if err != nil {
		return 0, fmt.Errorf("insert nonce: %w", err)
	}
	if inserted, err := res.RowsAffected(); err == nil && inserted == 0 {
		return 0, ErrReplay
	}

	platform := ""
	if len(req.Events) > 0 {
		platform = string(req.Events[0].Platform)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO devices (org_id, device_id, platform, agent_version, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (org_id, device_id) DO UPDATE SET
		    platform = EXCLUDED.platform,
		    agent_version = EXCLUDED.agent_version,
		    last_seen = EXCLUDED.last_seen`,
		req.OrgID, req.DeviceID, platform, req.AgentVersion, now); err != nil {
		return 0, fmt.Errorf("upsert device: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO events (org_id, device_id, ts, source, severity, platform, title, details_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return 0, fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for i, event := range req.Events {
		details, err := json.Marshal(event.Details)
		if err != nil {
			details = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx,
			req.OrgID, req.DeviceID, event.TS,
			string(event.Source), string(event.Severity), string(event.Platform),
			event.Title, details); err != nil {
			return 0, fmt.Errorf("insert event %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit ingest tx: %w", err)
	}
	return len(req.Events), nil
}

// FetchDeviceEvents returns the device's events since the cutoff in
// ascending time order, shaped for the insight engine.
func (s *Store) FetchDeviceEvents(ctx context.Context, orgID, deviceID string, since time.Time) ([]insight.Event, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT ts, source, severity, title, details_json
		  FROM events
		 WHERE org_id = $1 AND device_id = $2 AND ts >= $3
		 ORDER BY ts ASC`, orgID, deviceID, since)
	if err != nil {
		return nil, fmt.Errorf("fetch device events: %w", err)
	}
	defer rows.Close()

	var events []insight.Event
	for rows.Next() {
		var (
			event insight.Event
			raw   []byte
		)
		if err := rows.Scan(&event.TS, &event.Source, &event.Severity, &event.Title, &raw); err != nil {
			return nil, err
		}
		event.Details = map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &event.Details); err != nil {
				event.Details = map[string]any{}
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// PersistBundle writes one engine output: insights deduped by
// fingerprint inside the window, plus the daily metric upsert.
func (s *Store) PersistBundle(ctx context.Context, orgID, deviceID string, bundle *insight.Bundle, dedupWindow time.Duration, now time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bundle tx: %w", err)
	}
	defer tx.Rollback()

	for _, ins := range bundle.Insights {
		res, err := tx.ExecContext(ctx, `
			UPDATE insights
			   SET count = count + 1, last_seen = $1
			 WHERE org_id = $2 AND device_id = $3 AND fingerprint = $4
			   AND last_seen >= $5`,
			now, orgID, deviceID, ins.Fingerprint, now.Add(-dedupWindow))
		if err != nil {
			return fmt.Errorf("dedup insight: %w", err)
		}
		if updated, err := res.RowsAffected(); err == nil && updated > 0 {
			continue
		}
		evidence, err := json.Marshal(ins.Evidence)
		if err != nil {
			evidence = []byte("{}")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO insights (org_id, device_id, ts, day, type, source, severity,
			                      title, explanation, evidence, fingerprint, status, count, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13)`,
			orgID, deviceID, ins.TS, ins.Day, string(ins.Type), string(ins.Source),
			string(ins.Severity), ins.Title, ins.Explanation, evidence,
			ins.Fingerprint, ins.Status, now); err != nil {
			return fmt.Errorf("insert insight: %w", err)
		}
	}

	counts := mustJSON(bundle.Counts)
	metrics := mustJSON(bundle.Metrics)
	baseline := mustJSON(bundle.Baseline)
	drivers := mustJSON(bundle.Drivers)
	newChanges := mustJSON(emptyStrings(bundle.NewChanges))
	resolvedChanges := mustJSON(emptyStrings(bundle.ResolvedChanges))
	brief := mustJSON(bundle.DailyBrief)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO daily_metrics (org_id, device_id, day, risk_score, raw_score,
		                           counts, metrics, baseline, drivers,
		                           new_changes, resolved_changes, brief, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (org_id, device_id, day) DO UPDATE SET
		    risk_score = EXCLUDED.risk_score,
		    raw_score = EXCLUDED.raw_score,
		    counts = EXCLUDED.counts,
		    metrics = EXCLUDED.metrics,
		    baseline = EXCLUDED.baseline,
		    drivers = EXCLUDED.drivers,
		    new_changes = EXCLUDED.new_changes,
		    resolved_changes = EXCLUDED.resolved_changes,
		    brief = EXCLUDED.brief,
		    updated_at = EXCLUDED.updated_at`,
		orgID, deviceID, bundle.Day, bundle.RiskScore, bundle.RawRiskScore,
		counts, metrics, baseline, drivers, newChanges, resolvedChanges, brief, now); err != nil {
		return fmt.Errorf("upsert daily metric: %w", err)
	}
	return tx.Commit()
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return payload
}

func emptyStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// ListDevices returns an org's devices, most recently seen first.
func (s *Store) ListDevices(ctx context.Context, orgID string) ([]Device, error) {
	devices := []Device{}
	err := s.db.SelectContext(ctx, &devices, `
		SELECT org_id, device_id, platform, agent_version, first_seen, last_seen
		  FROM devices WHERE org_id = $1
		 ORDER BY last_seen DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// ListEvents returns a device's newest events.
func (s *Store) ListEvents(ctx context.Context, orgID, deviceID string, limit int) ([]EventRow, error) {
	events := []EventRow{}
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, ts, source, severity, platform, title, details_json
		  FROM events
		 WHERE org_id = $1 AND device_id = $2
		 ORDER BY ts DESC
		 LIMIT $3`, orgID, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// ListInsights returns a device's newest insights.
func (s *Store) ListInsights(ctx context.Context, orgID, deviceID string, limit int) ([]InsightRow, error) {
	insights := []InsightRow{}
	err := s.db.SelectContext(ctx, &insights, `
		SELECT id, ts, day, type, source, severity, title, explanation,
		       evidence, fingerprint, status, count, last_seen
		  FROM insights
		 WHERE org_id = $1 AND device_id = $2
		 ORDER BY last_seen DESC
		 LIMIT $3`, orgID, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	return insights, nil
}

// DailyMetrics returns the device's newest daily rollups.
func (s *Store) DailyMetrics(ctx context.Context, orgID, deviceID string, days int) ([]DailyMetricRow, error) {
	rows := []DailyMetricRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT day, risk_score, raw_score, counts, metrics, baseline, drivers,
		       new_changes, resolved_changes, brief
		  FROM daily_metrics
		 WHERE org_id = $1 AND device_id = $2
		 ORDER BY day DESC
		 LIMIT $3`, orgID, deviceID, days)
	if err != nil {
		return nil, fmt.Errorf("daily metrics: %w", err)
	}
	return rows, nil
}

// RiskTrend returns the device's risk score per day, oldest first.
func (s *Store) RiskTrend(ctx context.Context, orgID, deviceID string, days int) ([]RiskPoint, error) {
	points := []RiskPoint{}
	err := s.db.SelectContext(ctx, &points, `
		SELECT day, risk_score FROM (
		    SELECT day, risk_score
		      FROM daily_metrics
		     WHERE org_id = $1 AND device_id = $2
		     ORDER BY day DESC
		     LIMIT $3
		) recent ORDER BY day ASC`, orgID, deviceID, days)
	if err != nil {
		return nil, fmt.Errorf("risk trend: %w", err)
	}
	return points, nil
}

// FleetTopDevices ranks the org's devices by their latest risk score.
func (s *Store) FleetTopDevices(ctx context.Context, orgID string, limit int) ([]DeviceRisk, error) {
	ranked := []DeviceRisk{}
	err := s.db.SelectContext(ctx, &ranked, `
		SELECT DISTINCT ON (device_id) device_id, day, risk_score
		  FROM daily_metrics
		 WHERE org_id = $1
		 ORDER BY device_id, day DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("fleet top devices: %w", err)
	}
	// rank by score after collapsing to each device's latest day
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].RiskScore > ranked[j-1].RiskScore; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// ActiveDeviceKeys lists every (org, device) seen since the cutoff, for
// the periodic recompute sweep.
func (s *Store) ActiveDeviceKeys(ctx context.Context, since time.Time) ([]DeviceKey, error) {
	keys := []DeviceKey{}
	err := s.db.SelectContext(ctx, &keys, `
		SELECT org_id, device_id FROM devices WHERE last_seen >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("active device keys: %w", err)
	}
	return keys, nil
}
