package sender

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endpointmon/backend/internal/agent/config"
	"github.com/endpointmon/backend/internal/signing"
	"github.com/endpointmon/backend/internal/wire"
)

func testConfig(serverURL string) *config.Config {
	cfg := config.Default("dev-1")
	cfg.ServerURL = serverURL
	cfg.OrgID = "org-1"
	cfg.APIKey = "k-secret"
	cfg.TimeoutSeconds = 3
	return &cfg
}

func sampleEvents(n int) []wire.Event {
	events := make([]wire.Event, n)
	for i := range events {
		events[i] = wire.NewEvent(time.Now(), wire.SourceSystem, wire.SeverityInfo,
			wire.PlatformMacOS, "heartbeat", map[string]any{"seq": i})
	}
	return events
}

func TestBuildProducesVerifiableRequest(t *testing.T) {
	s := New(testConfig("http://127.0.0.1:1"))
	body, headers, err := s.Build(sampleEvents(2))
	require.NoError(t, err)

	assert.Equal(t, "org-1", headers.OrgID)
	assert.Equal(t, "dev-1", headers.DeviceID)
	assert.GreaterOrEqual(t, len(headers.Nonce), wire.NonceMinLength)
	assert.NoError(t, signing.Verify(body, headers.Signature, "k-secret"))
}

func TestBuildRejectsOversizePayload(t *testing.T) {
	s := New(testConfig("http://127.0.0.1:1"))
	huge := []wire.Event{wire.NewEvent(time.Now(), wire.SourceSystem, wire.SeverityInfo,
		wire.PlatformMacOS, "big", map[string]any{
			"a": strings.Repeat("x", 4000),
			"b": strings.Repeat("y", 4000),
		})}
	for len(huge) < 130 {
		huge = append(huge, huge[0])
	}
	_, _, err := s.Build(huge)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBuild)
}

func TestDeliverClassifiesOutcomes(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/ingest", r.URL.Path)
			assert.NotEmpty(t, r.Header.Get(signing.HeaderSignature))
			json.NewEncoder(w).Encode(wire.IngestResponse{Accepted: 2, ServerTime: time.Now()})
		}))
		defer srv.Close()

		result := New(testConfig(srv.URL)).Deliver(sampleEvents(2))
		assert.Equal(t, OutcomeSent, result.Outcome)
		assert.Equal(t, 2, result.Accepted)
	})

	t.Run("server error retries", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"detail":"storage unavailable"}`, http.StatusInternalServerError)
		}))
		defer srv.Close()

		result := New(testConfig(srv.URL)).Deliver(sampleEvents(1))
		assert.Equal(t, OutcomeRetry, result.Outcome)
		assert.Equal(t, http.StatusInternalServerError, result.Status)
	})

	t.Run("transport error retries", func(t *testing.T) {
		result := New(testConfig("http://127.0.0.1:1")).Deliver(sampleEvents(1))
		assert.Equal(t, OutcomeRetry, result.Outcome)
		assert.Error(t, result.Err)
	})

	t.Run("unbuildable batch poisons", func(t *testing.T) {
		result := New(testConfig("http://127.0.0.1:1")).Deliver(nil)
		assert.Equal(t, OutcomePoison, result.Outcome)
		assert.ErrorIs(t, result.Err, ErrBuild)
	})
}
