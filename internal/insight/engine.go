package insight

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/endpointmon/backend/internal/wire"
)

// ErrNoEvents is returned when a device has no history to analyze.
// Callers treat this as "no bundle today", not a failure.
var ErrNoEvents = errors.New("insight engine requires at least one event")

var suspiciousExecMarkers = []string{
	"/tmp/",
	"/private/tmp/",
	`\appdata\local\temp\`,
	`\temp\`,
}

func categoryForSource(source string) string {
	switch wire.Source(source) {
	case wire.SourceNetwork:
		return "network_exposure"
	case wire.SourceProcess:
		return "process"
	case wire.SourceAuth:
		return "auth"
	case wire.SourceFilewatch:
		return "filewatch"
	default:
		return "process"
	}
}

func anomalySource(metric string) wire.Source {
	switch metric {
	case "failed_logins":
		return wire.SourceAuth
	case "new_listeners":
		return wire.SourceNetwork
	case "new_processes", "suspicious_execs":
		return wire.SourceProcess
	default:
		return wire.SourceSystem
	}
}

// dayOf buckets an event by its own timestamp into a UTC calendar day.
// Receive time is deliberately not used; clock drift policy is left to
// the operator.
func dayOf(ts time.Time) time.Time {
	u := ts.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func detailString(details map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := details[key]; ok && value != nil {
			s := strings.TrimSpace(stringifyDetail(value))
			if s != "" {
				return s
			}
		}
	}
	return ""
}

func stringifyDetail(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == math.Trunc(v) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// listenerKey is the ip:port identity of a listener event; empty when
// the event carries no port.
func listenerKey(event Event) string {
	ip := detailString(event.Details, "ip", "laddr_ip")
	port := detailString(event.Details, "port", "laddr_port")
	if port == "" {
		return ""
	}
	return ip + ":" + port
}

// processKey is the name|exe identity of a process event.
func processKey(event Event) string {
	name := detailString(event.Details, "process_name", "name")
	exe := detailString(event.Details, "exe")
	if name == "" && exe == "" {
		return ""
	}
	return name + "|" + exe
}

func isFailedLogin(event Event) bool {
	if event.Source != string(wire.SourceAuth) {
		return false
	}
	if strings.Contains(strings.ToLower(event.Title), "failed") {
		return true
	}
	if strings.EqualFold(detailString(event.Details, "event_type"), "failed_login") {
		return true
	}
	return event.Severity == string(wire.SeverityWarn) || event.Severity == string(wire.SeverityHigh)
}

func isSuspiciousExec(event Event) bool {
	if event.Source != string(wire.SourceProcess) {
		return false
	}
	exe := strings.ToLower(detailString(event.Details, "exe"))
	if exe == "" {
		return false
	}
	for _, marker := range suspiciousExecMarkers {
		if strings.Contains(exe, marker) {
			return true
		}
	}
	return false
}

func dailySets(events []Event) (listeners, processes map[string]bool) {
	listeners = map[string]bool{}
	processes = map[string]bool{}
	for _, event := range events {
		if key := listenerKey(event); key != "" {
			listeners[key] = true
		}
		if key := processKey(event); key != "" {
			processes[key] = true
		}
	}
	return listeners, processes
}

func dayMetrics(grouped map[time.Time][]Event, target time.Time) map[string]int {
	today := grouped[target]
	yesterday := grouped[target.AddDate(0, 0, -1)]
	todayListeners, todayProcesses := dailySets(today)
	prevListeners, prevProcesses := dailySets(yesterday)

	failedLogins := 0
	suspicious := 0
	for _, event := range today {
		if isFailedLogin(event) {
			failedLogins++
		}
		if isSuspiciousExec(event) {
			suspicious++
		}
	}
	return map[string]int{
		"failed_logins":    failedLogins,
		"new_listeners":    countNew(todayListeners, prevListeners),
		"new_processes":    countNew(todayProcesses, prevProcesses),
		"suspicious_execs": suspicious,
	}
}

func countNew(today, yesterday map[string]bool) int {
	n := 0
	for key := range today {
		if !yesterday[key] {
			n++
		}
	}
	return n
}

func weightedScore(events []Event, weights map[string]int) int {
	total := 0
	for _, event := range events {
		total += weights[event.Severity]
	}
	return total
}

func driverShares(events []Event, weights map[string]int) []DriverShare {
	raw := map[string]float64{}
	for _, event := range events {
		raw[categoryForSource(event.Source)] += float64(weights[event.Severity])
	}
	total := 0.0
	for _, score := range raw {
		total += score
	}
	if total <= 0 {
		return nil
	}

	output := make([]DriverShare, 0, len(raw))
	for category, score := range raw {
		output = append(output, DriverShare{
			Category: category,
			Score:    round3(score),
			Percent:  round2(score / total * 100),
		})
	}
	sort.Slice(output, func(i, j int) bool {
		if output[i].Score != output[j].Score {
			return output[i].Score > output[j].Score
		}
		return output[i].Category < output[j].Category
	})
	return output
}

func eventFingerprint(event Event) string {
	source := event.Source
	if source == "" {
		source = string(wire.SourceSystem)
	}
	title := event.Title
	if title == "" {
		title = "event"
	}
	details := event.Details
	if details == nil {
		details = map[string]any{}
	}
	return Fingerprint(source, title, details)
}

func recommendations(metrics map[string]int, topDriver string, newChanges []string) []string {
	var actions []string
	if metrics["failed_logins"] > 0 {
		actions = append(actions, "Review failed login bursts and enforce MFA where missing.")
	}
	if metrics["new_listeners"] > 0 {
		actions = append(actions, "Validate newly exposed listening ports and close unneeded services.")
	}
	if metrics["suspicious_execs"] > 0 {
		actions = append(actions, "Investigate binaries running from temporary paths.")
	}
	if topDriver == "process" {
		actions = append(actions, "Reconcile new process inventory against approved software baseline.")
	}
	if len(newChanges) > 0 {
		actions = append(actions, "Validate high-severity changes introduced since yesterday.")
	}
	if len(actions) == 0 {
		actions = append(actions, "Maintain current hardening baseline and monitor for drift.")
	}
	if len(actions) > 3 {
		actions = actions[:3]
	}
	return actions
}

// BuildBundle derives the full insight bundle from a device's trailing
// event history. The target day is the most recent day present in the
// events; history windows (14-day baseline, 30-day normalization, 7-day
// brief) count back from it. now is read once here and threaded through.
func BuildBundle(events []Event, now time.Time, weights map[string]int) (*Bundle, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	if weights == nil {
		weights = DefaultSeverityWeights()
	}

	grouped := map[time.Time][]Event{}
	for _, event := range events {
		day := dayOf(event.TS)
		grouped[day] = append(grouped[day], event)
	}

	days := make([]time.Time, 0, len(grouped))
	for day := range grouped {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	targetDay := days[len(days)-1]
	targetEvents := grouped[targetDay]
	historyDays := days[:len(days)-1]

	prior14 := tail(historyDays, 14)
	prior30 := tail(historyDays, 30)

	todayMetrics := dayMetrics(grouped, targetDay)
	priorMetrics := make([]map[string]int, 0, len(prior14))
	for _, day := range prior14 {
		priorMetrics = append(priorMetrics, dayMetrics(grouped, day))
	}
	baseline := ComputeBaseline(todayMetrics, priorMetrics)

	rawToday := weightedScore(targetEvents, weights)
	rollingMax := rawToday
	for _, day := range prior30 {
		if score := weightedScore(grouped[day], weights); score > rollingMax {
			rollingMax = score
		}
	}
	denominator := float64(rollingMax)
	if denominator < 30 {
		denominator = 30
	}
	riskScore := normalizeScore(rawToday, denominator)

	counts := map[string]int{
		string(wire.SeverityInfo): 0,
		string(wire.SeverityWarn): 0,
		string(wire.SeverityHigh): 0,
	}
	for _, event := range targetEvents {
		if _, ok := counts[event.Severity]; ok {
			counts[event.Severity]++
		}
	}

	drivers := driverShares(targetEvents, weights)
	newChanges, resolvedChanges := changeDeltas(targetEvents, grouped[targetDay.AddDate(0, 0, -1)])

	var insights []Insight
	insights = append(insights, anomalyInsights(baseline, targetDay, now)...)
	insights = append(insights, driverInsights(drivers, targetDay, now)...)
	insights = append(insights, deltaInsights(newChanges, resolvedChanges, targetDay, now)...)

	recent := tail(historyDays, 7)
	var avg7d float64
	if len(recent) > 0 {
		sum := 0
		for _, day := range recent {
			sum += normalizeScore(weightedScore(grouped[day], weights), denominator)
		}
		avg7d = float64(sum) / float64(len(recent))
	} else {
		avg7d = float64(riskScore)
	}
	deltaVs7d := round2(float64(riskScore) - avg7d)

	topDriver := "none"
	if len(drivers) > 0 {
		topDriver = drivers[0].Category
	}

	var anomalies []string
	for _, item := range insights {
		if item.Type == TypeAnomaly && len(anomalies) < 4 {
			anomalies = append(anomalies, item.Title)
		}
	}

	brief := DailyBrief{
		Day:                targetDay,
		RiskScore:          riskScore,
		DeltaVs7dAvg:       deltaVs7d,
		TopDriver:          topDriver,
		Anomalies:          anomalies,
		RecommendedActions: recommendations(todayMetrics, topDriver, newChanges),
	}

	return &Bundle{
		Day:             targetDay,
		RiskScore:       riskScore,
		RawRiskScore:    rawToday,
		Counts:          counts,
		Metrics:         todayMetrics,
		Baseline:        baseline,
		Drivers:         drivers,
		NewChanges:      newChanges,
		ResolvedChanges: resolvedChanges,
		Insights:        insights,
		DailyBrief:      brief,
	}, nil
}

func normalizeScore(raw int, denominator float64) int {
	score := int(math.Round(float64(raw) / denominator * 100))
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// changeDeltas fingerprints today's and yesterday's WARN/HIGH events and
// reports titles that appeared or disappeared, sorted and capped at 10.
func changeDeltas(today, yesterday []Event) (newChanges, resolvedChanges []string) {
	todayFP := severeFingerprints(today)
	yesterdayFP := severeFingerprints(yesterday)

	for fp, title := range todayFP {
		if _, ok := yesterdayFP[fp]; !ok {
			newChanges = append(newChanges, title)
		}
	}
	for fp, title := range yesterdayFP {
		if _, ok := todayFP[fp]; !ok {
			resolvedChanges = append(resolvedChanges, title)
		}
	}
	sort.Strings(newChanges)
	sort.Strings(resolvedChanges)
	if len(newChanges) > 10 {
		newChanges = newChanges[:10]
	}
	if len(resolvedChanges) > 10 {
		resolvedChanges = resolvedChanges[:10]
	}
	return newChanges, resolvedChanges
}

func severeFingerprints(events []Event) map[string]string {
	output := map[string]string{}
	for _, event := range events {
		if event.Severity != string(wire.SeverityWarn) && event.Severity != string(wire.SeverityHigh) {
			continue
		}
		output[eventFingerprint(event)] = event.Title
	}
	return output
}

func anomalyInsights(baseline map[string]BaselineMetric, day, now time.Time) []Insight {
	var output []Insight
	for _, key := range MetricKeys {
		metric := baseline[key]
		if metric.Classification == ClassNormal {
			continue
		}
		severity := wire.SeverityWarn
		if metric.Classification == ClassAnomalous {
			severity = wire.SeverityHigh
		}
		title := fmt.Sprintf("%s is %.1fx above 14-day median", metric.Metric, metric.Ratio)
		evidence := map[string]any{
			"metric":         metric.Metric,
			"today":          metric.Today,
			"baseline":       metric.Baseline,
			"ratio":          metric.Ratio,
			"classification": string(metric.Classification),
		}
		source := anomalySource(key)
		output = append(output, Insight{
			TS:          now,
			Day:         day,
			Type:        TypeAnomaly,
			Source:      source,
			Severity:    severity,
			Title:       title,
			Explanation: "Anomaly rule: normal <1.5x, elevated 1.5x-2.9x, anomalous >=3x versus 14-day median.",
			Evidence:    evidence,
			Fingerprint: Fingerprint(string(source), title, evidence),
			Status:      "open",
		})
	}
	return output
}

func driverInsights(drivers []DriverShare, day, now time.Time) []Insight {
	var output []Insight
	for i, driver := range drivers {
		if i >= 2 || driver.Percent <= 0 {
			break
		}
		severity := wire.SeverityInfo
		if driver.Percent >= 40 {
			severity = wire.SeverityWarn
		}
		title := fmt.Sprintf("Risk driver: %s (%.1f%%)", driver.Category, driver.Percent)
		evidence := map[string]any{
			"category": driver.Category,
			"score":    driver.Score,
			"percent":  driver.Percent,
		}
		output = append(output, Insight{
			TS:          now,
			Day:         day,
			Type:        TypeDriver,
			Source:      wire.SourceSystem,
			Severity:    severity,
			Title:       title,
			Explanation: "Driver share is weighted category score divided by total weighted score for the day.",
			Evidence:    evidence,
			Fingerprint: Fingerprint(string(wire.SourceSystem), title, evidence),
			Status:      "open",
		})
	}
	return output
}

func deltaInsights(newChanges, resolvedChanges []string, day, now time.Time) []Insight {
	var output []Insight
	for _, change := range newChanges {
		title := "New risk since yesterday: " + change
		evidence := map[string]any{"change": change, "change_type": "new"}
		output = append(output, Insight{
			TS:          now,
			Day:         day,
			Type:        TypeDelta,
			Source:      wire.SourceSystem,
			Severity:    wire.SeverityWarn,
			Title:       title,
			Explanation: "Change was observed in today's WARN/HIGH set but not in yesterday's.",
			Evidence:    evidence,
			Fingerprint: Fingerprint(string(wire.SourceSystem), title, evidence),
			Status:      "open",
		})
	}
	for _, change := range resolvedChanges {
		title := "Resolved since yesterday: " + change
		evidence := map[string]any{"change": change, "change_type": "resolved"}
		output = append(output, Insight{
			TS:          now,
			Day:         day,
			Type:        TypeDelta,
			Source:      wire.SourceSystem,
			Severity:    wire.SeverityInfo,
			Title:       title,
			Explanation: "Change was present yesterday but not found in today's WARN/HIGH set.",
			Evidence:    evidence,
			Fingerprint: Fingerprint(string(wire.SourceSystem), title, evidence),
			Status:      "resolved",
		})
	}
	return output
}

func tail(days []time.Time, n int) []time.Time {
	if len(days) <= n {
		return days
	}
	return days[len(days)-n:]
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
