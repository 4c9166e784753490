package collector

import (
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/endpointmon/backend/internal/wire"
)

// ProcessCollector enumerates live processes. Names on the deny list
// flag HIGH; executables under an unusual path flag WARN; everything
// else is INFO inventory.
type ProcessCollector struct {
	platform  wire.Platform
	denyNames map[string]bool
	execPaths []string
	maxEvents int
}

func NewProcessCollector(platform wire.Platform, denyNames, unusualExecPaths []string, maxEvents int) *ProcessCollector {
	deny := make(map[string]bool, len(denyNames))
	for _, name := range denyNames {
		deny[strings.ToLower(name)] = true
	}
	paths := make([]string, 0, len(unusualExecPaths))
	for _, p := range unusualExecPaths {
		paths = append(paths, strings.ToLower(p))
	}
	return &ProcessCollector{
		platform:  platform,
		denyNames: deny,
		execPaths: paths,
		maxEvents: maxEvents,
	}
}

func (c *ProcessCollector) Name() string { return "process" }

func (c *ProcessCollector) Collect() ([]wire.Event, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	events := make([]wire.Event, 0, min(len(procs), c.maxEvents))
	for _, proc := range procs {
		if len(events) >= c.maxEvents {
			break
		}
		name, err := proc.Name()
		if err != nil || name == "" {
			name = "unknown"
		}
		exe, _ := proc.Exe()
		username, err := proc.Username()
		if err != nil || username == "" {
			username = "unknown"
		}

		severity := wire.SeverityInfo
		switch {
		case c.denyNames[strings.ToLower(name)]:
			severity = wire.SeverityHigh
		case exe != "" && c.matchesUnusualPath(exe):
			severity = wire.SeverityWarn
		}

		events = append(events, wire.NewEvent(time.Now(), wire.SourceProcess, severity, c.platform,
			"process_seen", map[string]any{
				"process_name": name,
				"pid":          int(proc.Pid),
				"exe":          exe,
				"username":     username,
			}))
	}
	return events, nil
}

func (c *ProcessCollector) matchesUnusualPath(exe string) bool {
	lowered := strings.ToLower(exe)
	for _, marker := range c.execPaths {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
