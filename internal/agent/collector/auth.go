package collector

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/endpointmon/backend/internal/wire"
)

// MacOSAuthCollector reads best-effort login signals from the unified
// log. Failures never propagate as errors: an unavailable or failing
// `log` binary produces one WARN envelope.
type MacOSAuthCollector struct {
	maxEvents int
}

func NewMacOSAuthCollector(maxEvents int) *MacOSAuthCollector {
	return &MacOSAuthCollector{maxEvents: maxEvents}
}

func (c *MacOSAuthCollector) Name() string { return "auth" }

const macosLogBin = "/usr/bin/log"

func (c *MacOSAuthCollector) Collect() ([]wire.Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, macosLogBin,
		"show", "--style", "json", "--last", "5m",
		"--predicate", `(eventMessage CONTAINS[c] "authentication" OR eventMessage CONTAINS[c] "login")`)
	output, err := cmd.Output()
	if err != nil {
		return []wire.Event{
			wire.NewEvent(time.Now(), wire.SourceSystem, wire.SeverityWarn, wire.PlatformMacOS,
				"macos_auth_collection_unavailable", map[string]any{
					"reason": errorClass(err),
				}),
		}, nil
	}

	var events []wire.Event
	for _, record := range parseUnifiedLog(output) {
		if len(events) >= c.maxEvents {
			break
		}
		message, _ := record["eventMessage"].(string)
		lowered := strings.ToLower(message)
		if !strings.Contains(lowered, "auth") && !strings.Contains(lowered, "login") {
			continue
		}

		eventType := "auth_event"
		severity := wire.SeverityInfo
		switch {
		case strings.Contains(lowered, "fail") || strings.Contains(lowered, "invalid"):
			eventType = "failed_login"
			severity = wire.SeverityWarn
		case strings.Contains(lowered, "success") || strings.Contains(lowered, "accepted"):
			eventType = "successful_login"
		}

		user := "unknown"
		if name, _ := record["userName"].(string); name != "" {
			user = name
		} else if sender, _ := record["senderImagePath"].(string); sender != "" {
			user = sender
		}

		events = append(events, wire.NewEvent(time.Now(), wire.SourceAuth, severity, wire.PlatformMacOS,
			"macos_"+eventType, map[string]any{
				"event_type": eventType,
				"username":   user,
				"message":    truncate(message, 512),
			}))
	}
	return events, nil
}

// parseUnifiedLog accepts either the JSON array `log show --style json`
// emits or newline-delimited objects from older agents' capture files.
func parseUnifiedLog(output []byte) []map[string]any {
	var records []map[string]any
	if err := json.Unmarshal(output, &records); err == nil {
		return records
	}
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err == nil {
			records = append(records, record)
		}
	}
	return records
}

// WindowsAuthCollector queries the Security event log for logon events
// 4624 (success) and 4625 (failure) through wevtutil. Access problems
// degrade to a single WARN envelope.
type WindowsAuthCollector struct {
	maxEvents int
}

func NewWindowsAuthCollector(maxEvents int) *WindowsAuthCollector {
	return &WindowsAuthCollector{maxEvents: maxEvents}
}

func (c *WindowsAuthCollector) Name() string { return "auth" }

const wevtutilBin = `C:\Windows\System32\wevtutil.exe`

func (c *WindowsAuthCollector) Collect() ([]wire.Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, wevtutilBin,
		"qe", "Security",
		"/q:*[System[(EventID=4624 or EventID=4625)]]",
		"/c:50", "/rd:true", "/f:text")
	output, err := cmd.Output()
	if err != nil {
		return []wire.Event{
			wire.NewEvent(time.Now(), wire.SourceSystem, wire.SeverityWarn, wire.PlatformWindows,
				"windows_eventlog_access_denied", map[string]any{
					"reason": errorClass(err),
				}),
		}, nil
	}

	var events []wire.Event
	for _, record := range parseWevtutilText(string(output)) {
		if len(events) >= c.maxEvents {
			break
		}
		severity := wire.SeverityInfo
		eventType := "successful_login"
		if record.eventID == 4625 {
			severity = wire.SeverityWarn
			eventType = "failed_login"
		}
		events = append(events, wire.NewEvent(time.Now(), wire.SourceAuth, severity, wire.PlatformWindows,
			"windows_"+eventType, map[string]any{
				"event_type": eventType,
				"event_id":   record.eventID,
				"username":   record.username,
			}))
	}
	return events, nil
}

type wevtRecord struct {
	eventID  int
	username string
}

// parseWevtutilText walks the /f:text output: records begin with an
// "Event[" header, and the fields of interest appear as "Event ID:" and
// "Account Name:" lines.
func parseWevtutilText(output string) []wevtRecord {
	var records []wevtRecord
	var current *wevtRecord
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "Event[") {
			if current != nil && (current.eventID == 4624 || current.eventID == 4625) {
				records = append(records, *current)
			}
			current = &wevtRecord{username: "unknown"}
			continue
		}
		if current == nil {
			continue
		}
		if value, ok := strings.CutPrefix(trimmed, "Event ID:"); ok {
			current.eventID = parseInt(strings.TrimSpace(value))
		}
		if value, ok := strings.CutPrefix(trimmed, "Account Name:"); ok {
			name := strings.TrimSpace(value)
			if name != "" && name != "-" && current.username == "unknown" {
				current.username = name
			}
		}
	}
	if current != nil && (current.eventID == 4624 || current.eventID == 4625) {
		records = append(records, *current)
	}
	return records
}

func parseInt(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
