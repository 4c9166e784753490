package collector

import (
	"context"
	"encoding/csv"
	"os/exec"
	"strings"
	"time"

	"github.com/endpointmon/backend/internal/wire"
)

const (
	crontabBin  = "/usr/bin/crontab"
	schtasksBin = `C:\Windows\System32\schtasks.exe`
)

// ScheduledTaskCollector invokes the platform scheduler tool with a
// short timeout. A missing tool, a timeout or a nonzero exit all yield
// an empty result rather than an error: scheduler inventory is
// best-effort by contract.
type ScheduledTaskCollector struct {
	platform  wire.Platform
	maxEvents int
}

func NewScheduledTaskCollector(platform wire.Platform, maxEvents int) *ScheduledTaskCollector {
	return &ScheduledTaskCollector{platform: platform, maxEvents: maxEvents}
}

func (c *ScheduledTaskCollector) Name() string { return "scheduled_tasks" }

func (c *ScheduledTaskCollector) Collect() ([]wire.Event, error) {
	if c.platform == wire.PlatformWindows {
		return c.collectWindows(), nil
	}
	return c.collectCron(), nil
}

func (c *ScheduledTaskCollector) collectCron() []wire.Event {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, crontabBin, "-l").Output()
	if err != nil {
		return nil
	}

	var events []wire.Event
	for _, line := range strings.Split(string(output), "\n") {
		if len(events) >= c.maxEvents {
			break
		}
		entry := strings.TrimSpace(line)
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		events = append(events, wire.NewEvent(time.Now(), wire.SourceSystem, wire.SeverityInfo, wire.PlatformMacOS,
			"scheduled_task_seen", map[string]any{
				"scheduler": "cron",
				"entry":     truncate(entry, 256),
			}))
	}
	return events
}

func (c *ScheduledTaskCollector) collectWindows() []wire.Event {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, schtasksBin, "/Query", "/FO", "CSV", "/NH").Output()
	if err != nil {
		return nil
	}

	reader := csv.NewReader(strings.NewReader(string(output)))
	reader.FieldsPerRecord = -1

	var events []wire.Event
	for {
		row, err := reader.Read()
		if err != nil {
			break
		}
		if len(events) >= c.maxEvents {
			break
		}
		if len(row) == 0 {
			continue
		}
		taskName := strings.TrimSpace(row[0])
		if taskName == "" {
			continue
		}
		events = append(events, wire.NewEvent(time.Now(), wire.SourceSystem, wire.SeverityInfo, wire.PlatformWindows,
			"scheduled_task_seen", map[string]any{
				"scheduler": "windows_task_scheduler",
				"task_name": truncate(taskName, 256),
			}))
	}
	return events
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
