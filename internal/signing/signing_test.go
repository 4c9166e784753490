package signing

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "dev-api-key-0001"

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"device_id":"d1","events":[{"title":"x"}],"org_id":"o1"}`)
	sig := Sign(body, testKey)
	assert.Len(t, sig, 64)
	assert.NoError(t, Verify(body, sig, testKey))
}

func TestVerifyRejectsSingleBitTamper(t *testing.T) {
	body := []byte(`{"device_id":"d1","org_id":"o1","title":"listener_seen"}`)
	sig := Sign(body, testKey)

	tampered := make([]byte, len(body))
	copy(tampered, body)
	tampered[len(tampered)-3] ^= 0x01
	assert.ErrorIs(t, Verify(tampered, sig, testKey), ErrBadSignature)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign(body, testKey)
	assert.ErrorIs(t, Verify(body, sig, "other-key"), ErrBadSignature)
}

func TestVerifySurvivesWhitespaceReordering(t *testing.T) {
	// the signature covers the canonical re-encoding, so key order and
	// whitespace in the received body are immaterial
	canonical := []byte(`{"a":1,"b":"x"}`)
	sig := Sign(canonical, testKey)
	assert.NoError(t, Verify([]byte("{ \"b\": \"x\", \"a\": 1 }"), sig, testKey))
}

func TestVerifyEmptySignature(t *testing.T) {
	assert.ErrorIs(t, Verify([]byte(`{}`), "", testKey), ErrMissingHeader)
}

func TestBuildHeadersDefaults(t *testing.T) {
	h := BuildHeaders([]byte(`{}`), testKey, "o1", "d1", 0, "")
	assert.Equal(t, "o1", h.OrgID)
	assert.Equal(t, "d1", h.DeviceID)
	assert.NotZero(t, h.Timestamp)
	assert.Len(t, h.Nonce, 32)
	assert.Equal(t, Sign([]byte(`{}`), testKey), h.Signature)

	m := h.Map()
	require.Contains(t, m, HeaderSignature)
	require.Contains(t, m, HeaderNonce)
}

func TestNewNonceIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		n := NewNonce()
		assert.Len(t, n, 32)
		assert.False(t, seen[n])
		seen[n] = true
	}
}

func TestVerifyTimestampWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := 300 * time.Second

	inWindow := now.Add(-299 * time.Second).Unix()
	_, err := VerifyTimestamp(strconv.FormatInt(inWindow, 10), now, window)
	assert.NoError(t, err)

	expired := now.Add(-301 * time.Second).Unix()
	_, err = VerifyTimestamp(strconv.FormatInt(expired, 10), now, window)
	assert.ErrorIs(t, err, ErrExpired)

	future := now.Add(301 * time.Second).Unix()
	_, err = VerifyTimestamp(strconv.FormatInt(future, 10), now, window)
	assert.ErrorIs(t, err, ErrExpired)

	_, err = VerifyTimestamp("not-a-number", now, window)
	assert.ErrorIs(t, err, ErrBadTimestamp)

	_, err = VerifyTimestamp("", now, window)
	assert.ErrorIs(t, err, ErrMissingHeader)
}
