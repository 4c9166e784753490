// Package wire defines the event envelope and ingest request types shared
// between the agent and the server, together with their canonical JSON
// encoding. The canonical form is the only form signatures, fingerprints
// and payload-size limits are computed against.
package wire

import "fmt"

// Source identifies which collector produced an event.
type Source string

const (
	SourceProcess   Source = "process"
	SourceAuth      Source = "auth"
	SourceNetwork   Source = "network"
	SourceFilewatch Source = "filewatch"
	SourceSystem    Source = "system"
)

// Severity is the agent-assigned severity of an event.
type Severity string

const (
	SeverityInfo Severity = "INFO"
	SeverityWarn Severity = "WARN"
	SeverityHigh Severity = "HIGH"
)

// Platform is the host platform the agent runs on.
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformWindows Platform = "windows"
)

func (s Source) Valid() bool {
	switch s {
	case SourceProcess, SourceAuth, SourceNetwork, SourceFilewatch, SourceSystem:
		return true
	}
	return false
}

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarn, SeverityHigh:
		return true
	}
	return false
}

func (p Platform) Valid() bool {
	switch p {
	case PlatformMacOS, PlatformWindows:
		return true
	}
	return false
}

// ParseSource returns the Source for a stored string value.
func ParseSource(raw string) (Source, error) {
	s := Source(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown source %q", raw)
	}
	return s, nil
}

// ParseSeverity returns the Severity for a stored string value.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", raw)
	}
	return s, nil
}
