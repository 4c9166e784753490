package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Protocol limits. Shared verbatim by agent and server; the canonical
// encoding is measured against MaxPayloadBytes on both sides.
const (
	MaxEventsPerBatch = 500
	MaxPayloadBytes   = 512 * 1024
	MaxStringLen      = 4096
	NonceMinLength    = 32
	NonceMaxLength    = 128
	maxIDLen          = 256
	maxVersionLen     = 64
)

// timestampLayout pins event timestamps to millisecond precision UTC so
// the canonical encoding of an envelope is byte-stable.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders a time in the canonical wire form.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(timestampLayout)
}

// ParseTimestamp accepts the canonical form plus plain RFC 3339 values
// written by older agents.
func ParseTimestamp(raw string) (time.Time, error) {
	for _, layout := range []string{timestampLayout, time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}

// Event is one observed host signal. Envelopes are immutable after
// construction: NewEvent sanitizes the title and details once and the
// struct is treated as read-only from then on.
type Event struct {
	TS       time.Time
	Source   Source
	Severity Severity
	Platform Platform
	Title    string
	Details  map[string]any
}

// NewEvent builds a sanitized envelope. Control characters are stripped
// and trailing emails redacted from the title and every string reachable
// through details.
func NewEvent(ts time.Time, source Source, severity Severity, platform Platform, title string, details map[string]any) Event {
	return Event{
		TS:       ts.UTC(),
		Source:   source,
		Severity: severity,
		Platform: platform,
		Title:    SanitizeText(title),
		Details:  SanitizeDetails(details),
	}
}

// Validate enforces the envelope constraints at the server boundary.
func (e Event) Validate() error {
	if !e.Source.Valid() {
		return fmt.Errorf("event source %q is not valid", e.Source)
	}
	if !e.Severity.Valid() {
		return fmt.Errorf("event severity %q is not valid", e.Severity)
	}
	if !e.Platform.Valid() {
		return fmt.Errorf("event platform %q is not valid", e.Platform)
	}
	if e.Title == "" {
		return fmt.Errorf("event title must not be empty")
	}
	if len(e.Title) > MaxStringLen {
		return fmt.Errorf("event title exceeds %d bytes", MaxStringLen)
	}
	if e.TS.IsZero() {
		return fmt.Errorf("event timestamp is required")
	}
	return nil
}

// payload returns the tree the canonical encoder walks. Key names are
// part of the wire protocol.
func (e Event) payload() map[string]any {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	return map[string]any{
		"ts":           FormatTimestamp(e.TS),
		"source":       string(e.Source),
		"severity":     string(e.Severity),
		"platform":     string(e.Platform),
		"title":        e.Title,
		"details_json": details,
	}
}

// CanonicalBytes returns the canonical encoding of a single envelope.
func (e Event) CanonicalBytes() ([]byte, error) {
	return CanonicalBytes(e.payload())
}

// IngestRequest is one signed batch of envelopes sent to /ingest. The
// org, device and nonce fields must echo the signing headers exactly.
type IngestRequest struct {
	OrgID        string
	DeviceID     string
	AgentVersion string
	SentAt       time.Time
	Nonce        string
	Events       []Event
}

func (r IngestRequest) payload() map[string]any {
	events := make([]any, len(r.Events))
	for i, event := range r.Events {
		events[i] = event.payload()
	}
	return map[string]any{
		"org_id":        r.OrgID,
		"device_id":     r.DeviceID,
		"agent_version": r.AgentVersion,
		"sent_at":       FormatTimestamp(r.SentAt),
		"nonce":         r.Nonce,
		"events":        events,
	}
}

// CanonicalBody returns the canonical encoding of the request. This is
// the exact byte sequence that gets signed and POSTed.
func (r IngestRequest) CanonicalBody() ([]byte, error) {
	return CanonicalBytes(r.payload())
}

// Validate enforces every request constraint from the data model.
func (r IngestRequest) Validate() error {
	if err := requireLen("org_id", r.OrgID, 1, maxIDLen); err != nil {
		return err
	}
	if err := requireLen("device_id", r.DeviceID, 1, maxIDLen); err != nil {
		return err
	}
	if err := requireLen("agent_version", r.AgentVersion, 1, maxVersionLen); err != nil {
		return err
	}
	if err := requireLen("nonce", r.Nonce, NonceMinLength, NonceMaxLength); err != nil {
		return err
	}
	if r.SentAt.IsZero() {
		return fmt.Errorf("sent_at is required")
	}
	if len(r.Events) == 0 {
		return fmt.Errorf("events must contain at least one envelope")
	}
	if len(r.Events) > MaxEventsPerBatch {
		return fmt.Errorf("events exceeds max %d", MaxEventsPerBatch)
	}
	for i, event := range r.Events {
		if err := event.Validate(); err != nil {
			return fmt.Errorf("events[%d]: %w", i, err)
		}
	}
	return nil
}

func requireLen(field, value string, min, max int) error {
	if len(value) < min || len(value) > max {
		return fmt.Errorf("%s length must be %d..%d", field, min, max)
	}
	return nil
}

// IngestResponse is the success body returned by /ingest.
type IngestResponse struct {
	Accepted   int       `json:"accepted"`
	Rejected   int       `json:"rejected"`
	ServerTime time.Time `json:"server_time"`
}

type rawEvent struct {
	TS       string          `json:"ts"`
	Source   string          `json:"source"`
	Severity string          `json:"severity"`
	Platform string          `json:"platform"`
	Title    string          `json:"title"`
	Details  json.RawMessage `json:"details_json"`
}

type rawIngestRequest struct {
	OrgID        string     `json:"org_id"`
	DeviceID     string     `json:"device_id"`
	AgentVersion string     `json:"agent_version"`
	SentAt       string     `json:"sent_at"`
	Nonce        string     `json:"nonce"`
	Events       []rawEvent `json:"events"`
}

// ParseIngestRequest decodes and validates a request body. Unknown
// fields are rejected; title and details are re-sanitized so the server
// never trusts agent-side cleaning. A malformed details value is
// tolerated as an empty map rather than failing the whole batch.
func ParseIngestRequest(body []byte) (*IngestRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var raw rawIngestRequest
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode ingest request: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after ingest request")
	}

	sentAt, err := ParseTimestamp(raw.SentAt)
	if err != nil {
		return nil, fmt.Errorf("sent_at: %w", err)
	}

	req := &IngestRequest{
		OrgID:        SanitizeText(raw.OrgID),
		DeviceID:     SanitizeText(raw.DeviceID),
		AgentVersion: SanitizeText(raw.AgentVersion),
		SentAt:       sentAt,
		Nonce:        SanitizeText(raw.Nonce),
		Events:       make([]Event, 0, len(raw.Events)),
	}
	for i, item := range raw.Events {
		ts, err := ParseTimestamp(item.TS)
		if err != nil {
			return nil, fmt.Errorf("events[%d].ts: %w", i, err)
		}
		details := map[string]any{}
		if len(item.Details) > 0 {
			if err := json.Unmarshal(item.Details, &details); err != nil {
				details = map[string]any{}
			}
		}
		req.Events = append(req.Events, NewEvent(
			ts,
			Source(strings.TrimSpace(item.Source)),
			Severity(strings.TrimSpace(item.Severity)),
			Platform(strings.TrimSpace(item.Platform)),
			item.Title,
			details,
		))
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}
