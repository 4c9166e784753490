package insight

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintIgnoresVolatileEvidence(t *testing.T) {
	stable := map[string]any{"process_name": "nc", "exe": "/tmp/nc"}
	withNoise := map[string]any{
		"process_name": "nc",
		"exe":          "/tmp/nc",
		"observed_at":  "2026-03-15T12:00:00Z",
		"count":        42,
	}
	assert.Equal(t,
		Fingerprint("process", "process_seen", stable),
		Fingerprint("process", "process_seen", withNoise))
}

func TestFingerprintNormalizesSourceAndTitle(t *testing.T) {
	evidence := map[string]any{"ip": "0.0.0.0", "port": 8080}
	assert.Equal(t,
		Fingerprint("network", "listener seen", evidence),
		Fingerprint("NETWORK", "  Listener   Seen ", evidence))
}

func TestFingerprintDistinguishesEvidence(t *testing.T) {
	a := Fingerprint("network", "listener_seen", map[string]any{"ip": "0.0.0.0", "port": 8080})
	b := Fingerprint("network", "listener_seen", map[string]any{"ip": "0.0.0.0", "port": 9090})
	assert.NotEqual(t, a, b)
}

func TestFingerprintFallsBackToPrimitiveSubset(t *testing.T) {
	// no allowlisted keys: the primitive subset becomes the identity
	a := Fingerprint("system", "collector_failure", map[string]any{"reason": "timeout"})
	b := Fingerprint("system", "collector_failure", map[string]any{"reason": "timeout"})
	c := Fingerprint("system", "collector_failure", map[string]any{"reason": "denied"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	// non-primitive values stay out of the fallback identity
	d := Fingerprint("system", "collector_failure", map[string]any{
		"reason": "timeout",
		"extra":  map[string]any{"x": 1},
	})
	assert.Equal(t, a, d)
}
