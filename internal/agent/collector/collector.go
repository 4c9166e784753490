// Package collector contains the per-source event producers the agent
// cycles through. Collectors are synchronous, bounded by a per-collector
// event cap, and never let an internal failure escape: anything that
// goes wrong inside a collector surfaces as a single system WARN
// envelope naming the collector and an error class.
package collector

import (
	"time"

	"github.com/endpointmon/backend/internal/wire"
)

// Collector produces at most its configured cap of events per call.
type Collector interface {
	Name() string
	Collect() ([]wire.Event, error)
}

// FailureEvent is the envelope the runtime emits when a collector
// returns an error.
func FailureEvent(platform wire.Platform, collectorName string, err error) wire.Event {
	reason := "unknown"
	if err != nil {
		reason = errorClass(err)
	}
	return wire.NewEvent(time.Now(), wire.SourceSystem, wire.SeverityWarn, platform,
		"collector_failure", map[string]any{
			"collector": collectorName,
			"platform":  string(platform),
			"reason":    reason,
		})
}

// errorClass labels an error by its broad kind without leaking paths or
// other payload into the envelope.
func errorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	default:
		msg := err.Error()
		if len(msg) > 64 {
			msg = msg[:64]
		}
		return msg
	}
}
