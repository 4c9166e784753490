// Package signing implements the request authentication protocol: an
// HMAC-SHA256 digest over the canonical body, carried in five headers
// alongside the org, device, timestamp and nonce.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/endpointmon/backend/internal/wire"
)

const (
	HeaderOrg       = "X-EM-Org"
	HeaderDevice    = "X-EM-Device"
	HeaderTimestamp = "X-EM-Timestamp"
	HeaderNonce     = "X-EM-Nonce"
	HeaderSignature = "X-EM-Signature"
)

// Verification failure kinds. Callers branch on these to pick status
// codes and reject-reason labels.
var (
	ErrMissingHeader = errors.New("missing required signing header")
	ErrBadTimestamp  = errors.New("invalid timestamp header")
	ErrExpired       = errors.New("request timestamp outside allowed window")
	ErrBadSignature  = errors.New("invalid signature")
)

// Sign computes the lower-hex HMAC-SHA256 of the canonical body under
// the org's API key.
func Sign(canonicalBody []byte, apiKey string) string {
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write(canonicalBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// Headers is the set of signed request headers.
type Headers struct {
	OrgID     string
	DeviceID  string
	Timestamp int64
	Nonce     string
	Signature string
}

// Map renders the headers under their wire names.
func (h Headers) Map() map[string]string {
	return map[string]string{
		HeaderOrg:       h.OrgID,
		HeaderDevice:    h.DeviceID,
		HeaderTimestamp: strconv.FormatInt(h.Timestamp, 10),
		HeaderNonce:     h.Nonce,
		HeaderSignature: h.Signature,
	}
}

// BuildHeaders signs a canonical body and assembles the header set. A
// zero timestamp means "now"; an empty nonce gets a fresh random one.
func BuildHeaders(canonicalBody []byte, apiKey, orgID, deviceID string, timestamp int64, nonce string) Headers {
	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}
	if nonce == "" {
		nonce = NewNonce()
	}
	return Headers{
		OrgID:     orgID,
		DeviceID:  deviceID,
		Timestamp: timestamp,
		Nonce:     nonce,
		Signature: Sign(canonicalBody, apiKey),
	}
}

// NewNonce returns a 32-char random hex token.
func NewNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("signing: read random: %v", err))
	}
	return hex.EncodeToString(buf)
}

// Verify checks a signature against the canonical re-encoding of the
// received body. The comparison is constant-time. The timestamp window
// is checked separately by VerifyTimestamp so the caller can label the
// two failures distinctly.
func Verify(body []byte, signature, apiKey string) error {
	if signature == "" {
		return fmt.Errorf("%w: %s", ErrMissingHeader, HeaderSignature)
	}
	canonical, err := wire.RecanonicalizeBody(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	expected := Sign(canonical, apiKey)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

// VerifyTimestamp parses the timestamp header and enforces the replay
// window around now.
func VerifyTimestamp(raw string, now time.Time, window time.Duration) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s", ErrMissingHeader, HeaderTimestamp)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, raw)
	}
	ts := time.Unix(value, 0).UTC()
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > window {
		return time.Time{}, ErrExpired
	}
	return ts, nil
}
