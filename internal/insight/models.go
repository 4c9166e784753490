// Package insight derives per-device daily analytics from raw event
// history: baseline anomaly classification, a normalized risk score,
// driver attribution, day-over-day change deltas and a daily brief. The
// engine is pure — the same event history and clock always produce the
// same bundle.
package insight

import (
	"time"

	"github.com/endpointmon/backend/internal/wire"
)

// Event is the engine's input row. Source and severity stay as plain
// strings because stored history may predate the current enum set; the
// engine tolerates unknown values instead of rejecting a whole device.
type Event struct {
	TS       time.Time
	Source   string
	Severity string
	Title    string
	Details  map[string]any
}

// Classification buckets a signal's ratio against its 14-day median.
type Classification string

const (
	ClassNormal    Classification = "normal"
	ClassElevated  Classification = "elevated"
	ClassAnomalous Classification = "anomalous"
)

// BaselineMetric is one signal measured against its trailing median.
type BaselineMetric struct {
	Metric         string         `json:"metric"`
	Today          int            `json:"today"`
	Baseline       float64        `json:"baseline"`
	Ratio          float64        `json:"ratio"`
	Classification Classification `json:"classification"`
}

// DriverShare is one category's share of the day's weighted score.
type DriverShare struct {
	Category string  `json:"category"`
	Score    float64 `json:"score"`
	Percent  float64 `json:"percent"`
}

// InsightType discriminates the three emitted record kinds.
type InsightType string

const (
	TypeAnomaly InsightType = "anomaly"
	TypeDriver  InsightType = "driver"
	TypeDelta   InsightType = "delta"
)

// Insight is a single derived finding, content-addressed by fingerprint.
type Insight struct {
	TS          time.Time
	Day         time.Time
	Type        InsightType
	Source      wire.Source
	Severity    wire.Severity
	Title       string
	Explanation string
	Evidence    map[string]any
	Fingerprint string
	Status      string
}

// DailyBrief is the rule-based summary for the day.
type DailyBrief struct {
	Day                time.Time `json:"-"`
	RiskScore          int       `json:"risk_score"`
	DeltaVs7dAvg       float64   `json:"delta_vs_7d_avg"`
	TopDriver          string    `json:"top_driver"`
	Anomalies          []string  `json:"anomalies"`
	RecommendedActions []string  `json:"recommended_actions"`
}

// Bundle is the complete engine output for one device-day.
type Bundle struct {
	Day             time.Time
	RiskScore       int
	RawRiskScore    int
	Counts          map[string]int
	Metrics         map[string]int
	Baseline        map[string]BaselineMetric
	Drivers         []DriverShare
	NewChanges      []string
	ResolvedChanges []string
	Insights        []Insight
	DailyBrief      DailyBrief
}

// DefaultSeverityWeights are the per-event weights the risk score sums.
func DefaultSeverityWeights() map[string]int {
	return map[string]int{
		string(wire.SeverityInfo): 1,
		string(wire.SeverityWarn): 3,
		string(wire.SeverityHigh): 8,
	}
}
