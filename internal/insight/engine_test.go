package insight

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endpointmon/backend/internal/wire"
)

var engineNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func authFail(day time.Time, n int) []Event {
	events := make([]Event, n)
	for i := range events {
		events[i] = Event{
			TS:       day.Add(time.Duration(i) * time.Minute),
			Source:   string(wire.SourceAuth),
			Severity: string(wire.SeverityWarn),
			Title:    "macos_failed_login",
			Details:  map[string]any{"event_type": "failed_login", "username": "root"},
		}
	}
	return events
}

func listener(day time.Time, ip string, port int) Event {
	return Event{
		TS:       day.Add(time.Hour),
		Source:   string(wire.SourceNetwork),
		Severity: string(wire.SeverityWarn),
		Title:    "listener_seen_non_local",
		Details:  map[string]any{"ip": ip, "port": port},
	}
}

func proc(day time.Time, name, exe string, severity wire.Severity) Event {
	return Event{
		TS:       day.Add(2 * time.Hour),
		Source:   string(wire.SourceProcess),
		Severity: string(severity),
		Title:    "process_seen",
		Details:  map[string]any{"process_name": name, "exe": exe, "pid": 101},
	}
}

func TestBuildBundleRequiresEvents(t *testing.T) {
	_, err := BuildBundle(nil, engineNow, nil)
	assert.ErrorIs(t, err, ErrNoEvents)
}

func TestClassifyRatioBoundaries(t *testing.T) {
	assert.Equal(t, ClassNormal, ClassifyRatio(1.49))
	assert.Equal(t, ClassElevated, ClassifyRatio(1.5))
	assert.Equal(t, ClassElevated, ClassifyRatio(2.99))
	assert.Equal(t, ClassAnomalous, ClassifyRatio(3.0))
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, 2.0, Median([]int{3, 1, 2}))
	assert.Equal(t, 2.5, Median([]int{1, 2, 3, 4}))
}

func TestFailedLoginAnomaly(t *testing.T) {
	today := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	var events []Event
	for d := 1; d <= 14; d++ {
		events = append(events, authFail(today.AddDate(0, 0, -d), 1)...)
	}
	events = append(events, authFail(today, 8)...)

	bundle, err := BuildBundle(events, engineNow, nil)
	require.NoError(t, err)

	metric := bundle.Baseline["failed_logins"]
	assert.Equal(t, 8, metric.Today)
	assert.Equal(t, 1.0, metric.Baseline)
	assert.Equal(t, 8.0, metric.Ratio)
	assert.Equal(t, ClassAnomalous, metric.Classification)

	var anomaly *Insight
	for i := range bundle.Insights {
		if bundle.Insights[i].Type == TypeAnomaly {
			anomaly = &bundle.Insights[i]
			break
		}
	}
	require.NotNil(t, anomaly)
	assert.Contains(t, anomaly.Title, "failed_logins is 8.0x above 14-day median")
	assert.Equal(t, wire.SeverityHigh, anomaly.Severity)
	assert.Equal(t, wire.SourceAuth, anomaly.Source)
}

func TestElevatedEmitsWarnAnomaly(t *testing.T) {
	today := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	var events []Event
	for d := 1; d <= 14; d++ {
		events = append(events, authFail(today.AddDate(0, 0, -d), 2)...)
	}
	events = append(events, authFail(today, 4)...) // ratio 2.0: elevated

	bundle, err := BuildBundle(events, engineNow, nil)
	require.NoError(t, err)
	assert.Equal(t, ClassElevated, bundle.Baseline["failed_logins"].Classification)

	found := false
	for _, item := range bundle.Insights {
		if item.Type == TypeAnomaly && item.Severity == wire.SeverityWarn {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRiskScoreRangeAndFloor(t *testing.T) {
	today := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	// one INFO event: raw 1 against the floor denominator 30
	bundle, err := BuildBundle([]Event{{
		TS:       today,
		Source:   string(wire.SourceSystem),
		Severity: string(wire.SeverityInfo),
		Title:    "heartbeat",
	}}, engineNow, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, bundle.RiskScore) // round(1/30*100)
	assert.Equal(t, 1, bundle.RawRiskScore)

	// heavy day saturates at 100
	var heavy []Event
	for i := 0; i < 50; i++ {
		heavy = append(heavy, proc(today, fmt.Sprintf("p%d", i), "/usr/bin/p", wire.SeverityHigh))
	}
	bundle, err = BuildBundle(heavy, engineNow, nil)
	require.NoError(t, err)
	assert.Equal(t, 100, bundle.RiskScore)
	assert.Equal(t, 400, bundle.RawRiskScore)
}

func TestDriverSharesSumAndOrder(t *testing.T) {
	today := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	events := []Event{
		listener(today, "0.0.0.0", 8080),
		listener(today, "0.0.0.0", 9090),
		proc(today, "nc", "/tmp/nc", wire.SeverityWarn),
	}
	events = append(events, authFail(today, 1)...)

	bundle, err := BuildBundle(events, engineNow, nil)
	require.NoError(t, err)
	require.NotEmpty(t, bundle.Drivers)

	total := 0.0
	for i, driver := range bundle.Drivers {
		total += driver.Percent
		if i > 0 {
			assert.LessOrEqual(t, driver.Score, bundle.Drivers[i-1].Score)
		}
	}
	assert.InDelta(t, 100, total, 1)
	assert.Equal(t, "network_exposure", bundle.Drivers[0].Category)
}

func TestDriverInsightSeverityThreshold(t *testing.T) {
	today := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	bundle, err := BuildBundle([]Event{listener(today, "0.0.0.0", 22)}, engineNow, nil)
	require.NoError(t, err)

	var driver *Insight
	for i := range bundle.Insights {
		if bundle.Insights[i].Type == TypeDriver {
			driver = &bundle.Insights[i]
			break
		}
	}
	require.NotNil(t, driver)
	// single category means 100%, well over the 40% WARN threshold
	assert.Equal(t, wire.SeverityWarn, driver.Severity)
	assert.Contains(t, driver.Title, "network_exposure")
}

func TestChangeDeltas(t *testing.T) {
	today := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)

	events := []Event{
		proc(yesterday, "old-threat", "/tmp/old", wire.SeverityHigh),
		proc(today, "new-threat", "/tmp/new", wire.SeverityHigh),
	}
	bundle, err := BuildBundle(events, engineNow, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"process_seen"}, bundle.NewChanges)
	assert.Equal(t, []string{"process_seen"}, bundle.ResolvedChanges)

	var statuses []string
	for _, item := range bundle.Insights {
		if item.Type == TypeDelta {
			statuses = append(statuses, item.Status)
		}
	}
	assert.Contains(t, statuses, "open")
	assert.Contains(t, statuses, "resolved")
}

func TestSuspiciousExecCount(t *testing.T) {
	today := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	events := []Event{
		proc(today, "a", "/tmp/payload", wire.SeverityInfo),
		proc(today, "b", "/private/tmp/x", wire.SeverityInfo),
		proc(today, "c", `C:\Users\u\AppData\Local\Temp\evil.exe`, wire.SeverityInfo),
		proc(today, "d", "/usr/bin/safe", wire.SeverityInfo),
	}
	bundle, err := BuildBundle(events, engineNow, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, bundle.Metrics["suspicious_execs"])
}

func TestNewListenersAgainstYesterday(t *testing.T) {
	today := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)
	events := []Event{
		listener(yesterday, "127.0.0.1", 5432),
		listener(today, "127.0.0.1", 5432), // carried over, not new
		listener(today, "0.0.0.0", 8080),   // new
	}
	bundle, err := BuildBundle(events, engineNow, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, bundle.Metrics["new_listeners"])
}

func TestRecommendationsCapAndFallback(t *testing.T) {
	today := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	quiet, err := BuildBundle([]Event{{
		TS:       today,
		Source:   string(wire.SourceSystem),
		Severity: string(wire.SeverityInfo),
		Title:    "heartbeat",
	}}, engineNow, nil)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"Maintain current hardening baseline and monitor for drift."},
		quiet.DailyBrief.RecommendedActions)

	busy := []Event{
		listener(today, "0.0.0.0", 8080),
		proc(today, "nc", "/tmp/nc", wire.SeverityHigh),
	}
	busy = append(busy, authFail(today, 3)...)
	bundle, err := BuildBundle(busy, engineNow, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(bundle.DailyBrief.RecommendedActions), 3)
	assert.NotEmpty(t, bundle.DailyBrief.RecommendedActions)
}

func TestBundleIsDeterministic(t *testing.T) {
	today := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	events := []Event{
		listener(today, "0.0.0.0", 8080),
		proc(today, "nc", "/tmp/nc", wire.SeverityWarn),
	}
	events = append(events, authFail(today, 6)...)

	a, err := BuildBundle(events, engineNow, nil)
	require.NoError(t, err)
	b, err := BuildBundle(events, engineNow, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
