package collector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endpointmon/backend/internal/wire"
)

func TestFilewatchSnapshotDiff(t *testing.T) {
	watched := t.TempDir()
	statePath := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(filepath.Join(watched, "a.txt"), []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(watched, "b.txt"), []byte("b"), 0o600))

	c := NewFilewatchCollector(wire.PlatformMacOS, []string{watched}, statePath, 100, nil)

	first, err := c.Collect()
	require.NoError(t, err)
	require.Len(t, first, 2)
	for _, event := range first {
		assert.Equal(t, "filewatch_new_path", event.Title)
		assert.Equal(t, wire.SourceFilewatch, event.Source)
		assert.Equal(t, wire.SeverityInfo, event.Severity)
		assert.NotEmpty(t, event.Details["path"])
	}

	// unchanged tree produces nothing
	second, err := c.Collect()
	require.NoError(t, err)
	assert.Empty(t, second)

	// touching a file forward reports a modification
	future := time.Now().Add(10 * time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(watched, "a.txt"), future, future))
	third, err := c.Collect()
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, "filewatch_modified_path", third[0].Title)

	// a new file shows up as new on the next cycle
	require.NoError(t, os.WriteFile(filepath.Join(watched, "c.txt"), []byte("c"), 0o600))
	fourth, err := c.Collect()
	require.NoError(t, err)
	require.Len(t, fourth, 1)
	assert.Equal(t, "filewatch_new_path", fourth[0].Title)
}

func TestFilewatchEventCap(t *testing.T) {
	watched := t.TempDir()
	statePath := filepath.Join(t.TempDir(), "state.json")
	for i := 0; i < 10; i++ {
		name := filepath.Join(watched, string(rune('a'+i))+".txt")
		require.NoError(t, os.WriteFile(name, []byte("x"), 0o600))
	}

	c := NewFilewatchCollector(wire.PlatformMacOS, []string{watched}, statePath, 3, nil)
	events, err := c.Collect()
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestFailureEventShape(t *testing.T) {
	event := FailureEvent(wire.PlatformMacOS, "network", assertErr{})
	assert.Equal(t, "collector_failure", event.Title)
	assert.Equal(t, wire.SourceSystem, event.Source)
	assert.Equal(t, wire.SeverityWarn, event.Severity)
	assert.Equal(t, "network", event.Details["collector"])
	assert.Equal(t, "boom", event.Details["reason"])
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
