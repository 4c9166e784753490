package collector

import (
	"strings"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/endpointmon/backend/internal/wire"
)

// NetworkCollector enumerates TCP/UDP sockets in LISTEN state. A bind to
// a non-loopback address is WARN; missing permission degrades to one
// network_collection_unavailable WARN envelope rather than an error.
type NetworkCollector struct {
	platform  wire.Platform
	maxEvents int
}

func NewNetworkCollector(platform wire.Platform, maxEvents int) *NetworkCollector {
	return &NetworkCollector{platform: platform, maxEvents: maxEvents}
}

func (c *NetworkCollector) Name() string { return "network" }

func (c *NetworkCollector) Collect() ([]wire.Event, error) {
	conns, err := gnet.Connections("inet")
	if err != nil {
		return []wire.Event{
			wire.NewEvent(time.Now(), wire.SourceSystem, wire.SeverityWarn, c.platform,
				"network_collection_unavailable", map[string]any{
					"reason": "insufficient_permissions",
				}),
		}, nil
	}

	events := make([]wire.Event, 0, c.maxEvents)
	for _, conn := range conns {
		if len(events) >= c.maxEvents {
			break
		}
		if !strings.EqualFold(conn.Status, "LISTEN") {
			continue
		}
		ip := conn.Laddr.IP
		port := int(conn.Laddr.Port)

		processName := "unknown"
		if conn.Pid > 0 {
			if proc, err := process.NewProcess(conn.Pid); err == nil {
				if name, err := proc.Name(); err == nil && name != "" {
					processName = name
				}
			}
		}

		nonLocal := isNonLocalBind(ip)
		severity := wire.SeverityInfo
		title := "listener_seen"
		if nonLocal {
			severity = wire.SeverityWarn
			title = "listener_seen_non_local"
		}
		events = append(events, wire.NewEvent(time.Now(), wire.SourceNetwork, severity, c.platform,
			title, map[string]any{
				"ip":             ip,
				"port":           port,
				"pid":            int(conn.Pid),
				"process_name":   processName,
				"non_local_bind": nonLocal,
			}))
	}
	return events, nil
}

func isNonLocalBind(ip string) bool {
	switch strings.ToLower(strings.TrimSpace(ip)) {
	case "127.0.0.1", "::1", "localhost", "":
		return false
	}
	return true
}
