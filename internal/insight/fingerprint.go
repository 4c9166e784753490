package insight

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/endpointmon/backend/internal/wire"
)

// stableEvidenceKeys is the fixed ordered allowlist of evidence fields
// that participate in an insight's identity. Volatile fields such as
// timestamps and counters never appear here, so repeated observations of
// the same condition collapse onto one fingerprint.
var stableEvidenceKeys = []string{
	"process_name",
	"exe",
	"pid",
	"ip",
	"port",
	"username",
	"event_type",
	"listener",
	"metric",
	"classification",
	"change",
}

// Fingerprint computes the deterministic SHA-256 identity of an insight:
// lower-cased source, whitespace-collapsed lower-cased title, and the
// stable subset of its evidence. When no allowlisted key is present the
// full primitive subset of the evidence is used instead, sorted by key.
func Fingerprint(source, title string, evidence map[string]any) string {
	stable := map[string]any{}
	for _, key := range stableEvidenceKeys {
		if value, ok := evidence[key]; ok {
			stable[key] = value
		}
	}
	if len(stable) == 0 {
		keys := make([]string, 0, len(evidence))
		for key := range evidence {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if isPrimitive(evidence[key]) {
				stable[key] = evidence[key]
			}
		}
	}

	payload := map[string]any{
		"source": strings.ToLower(source),
		"title":  strings.Join(strings.Fields(strings.ToLower(title)), " "),
		"stable": stable,
	}
	raw, err := wire.CanonicalBytes(payload)
	if err != nil {
		// Evidence is built from decoded JSON and engine-internal
		// primitives; reaching here means a programming error upstream.
		raw = []byte(payload["source"].(string) + "|" + payload["title"].(string))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func isPrimitive(value any) bool {
	switch value.(type) {
	case nil, bool, string, int, int32, int64, uint, uint32, uint64, float32, float64:
		return true
	}
	return false
}
