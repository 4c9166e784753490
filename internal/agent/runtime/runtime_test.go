package runtime

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endpointmon/backend/internal/wire"
)

func authWarn(title string, i int) wire.Event {
	return wire.NewEvent(time.Now(), wire.SourceAuth, wire.SeverityWarn, wire.PlatformMacOS,
		title, map[string]any{"event_type": "failed_login", "seq": i})
}

func infoEvent(i int, padding int) wire.Event {
	return wire.NewEvent(time.Now(), wire.SourceSystem, wire.SeverityInfo, wire.PlatformMacOS,
		"heartbeat", map[string]any{
			"seq": i,
			"pad": strings.Repeat("x", padding),
		})
}

func TestSpikeEventThresholds(t *testing.T) {
	under := make([]wire.Event, 0, 4)
	for i := 0; i < 4; i++ {
		under = append(under, authWarn("macos_failed_login", i))
	}
	assert.Nil(t, SpikeEvent(under, 5, 60))

	warn := make([]wire.Event, 0, 7)
	for i := 0; i < 7; i++ {
		warn = append(warn, authWarn("macos_failed_login", i))
	}
	spike := SpikeEvent(warn, 5, 60)
	require.NotNil(t, spike)
	assert.Equal(t, "failed_login_spike", spike.Title)
	assert.Equal(t, wire.SeverityWarn, spike.Severity)
	assert.Equal(t, 7, spike.Details["count"])
	assert.Equal(t, 5, spike.Details["threshold"])
	assert.Equal(t, 7.0, spike.Details["rate_per_minute"])

	high := make([]wire.Event, 0, 10)
	for i := 0; i < 10; i++ {
		high = append(high, authWarn("macos_failed_login", i))
	}
	spike = SpikeEvent(high, 5, 60)
	require.NotNil(t, spike)
	assert.Equal(t, wire.SeverityHigh, spike.Severity)
}

func TestSpikeIgnoresNonAuthAndSuccess(t *testing.T) {
	var events []wire.Event
	for i := 0; i < 10; i++ {
		events = append(events, wire.NewEvent(time.Now(), wire.SourceProcess, wire.SeverityWarn,
			wire.PlatformMacOS, "process_failed_thing", nil))
	}
	assert.Nil(t, SpikeEvent(events, 5, 60))

	events = nil
	for i := 0; i < 10; i++ {
		events = append(events, wire.NewEvent(time.Now(), wire.SourceAuth, wire.SeverityInfo,
			wire.PlatformMacOS, "macos_successful_login",
			map[string]any{"event_type": "successful_login"}))
	}
	assert.Nil(t, SpikeEvent(events, 5, 60))
}

func TestSplitBatchesCountBound(t *testing.T) {
	events := make([]wire.Event, 600)
	for i := range events {
		events[i] = infoEvent(i, 0)
	}
	batches := SplitBatches(events, "org-1", "dev-1", "0.2.0", 250, wire.MaxPayloadBytes)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 250)
	assert.Len(t, batches[1], 250)
	assert.Len(t, batches[2], 100)

	// input order survives the split
	i := 0
	for _, batch := range batches {
		for _, event := range batch {
			assert.Equal(t, i, event.Details["seq"])
			i++
		}
	}
}

func TestSplitBatchesByteBound(t *testing.T) {
	const maxBytes = 4096
	events := make([]wire.Event, 20)
	for i := range events {
		events[i] = infoEvent(i, 700)
	}
	batches := SplitBatches(events, "org-1", "dev-1", "0.2.0", 500, maxBytes)
	require.NotEmpty(t, batches)

	total := 0
	for _, batch := range batches {
		total += len(batch)
		if len(batch) == 1 {
			continue
		}
		probe := wire.IngestRequest{
			OrgID:        "org-1",
			DeviceID:     "dev-1",
			AgentVersion: "0.2.0",
			SentAt:       time.Now(),
			Nonce:        strings.Repeat("n", wire.NonceMinLength),
			Events:       batch,
		}
		body, err := probe.CanonicalBody()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(body), maxBytes)
	}
	assert.Equal(t, len(events), total)
	assert.Greater(t, len(batches), 1)
}

func TestSplitBatchesOversizeSingleton(t *testing.T) {
	big := infoEvent(0, 3000)
	batches := SplitBatches([]wire.Event{big}, "org-1", "dev-1", "0.2.0", 500, 1024)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 1)
}

func TestSplitBatchesEmptyInput(t *testing.T) {
	assert.Nil(t, SplitBatches(nil, "o", "d", "1", 10, 1024))
}

func TestSummaryString(t *testing.T) {
	s := Summary{Collected: 5, Queued: 1, Sent: 1, Failed: 0, Dropped: 0, SpoolDepth: 2}
	assert.Equal(t, fmt.Sprintf("collected=%d queued=%d sent=%d failed=%d dropped=%d spool_depth=%d",
		5, 1, 1, 0, 0, 2), s.String())
}
