package collector

import (
	"os"
	"path/filepath"
	"time"

	"github.com/endpointmon/backend/internal/wire"
)

// PersistenceCollector scans platform autostart directories and reports
// one INFO envelope per entry found.
type PersistenceCollector struct {
	platform  wire.Platform
	maxEvents int
}

func NewPersistenceCollector(platform wire.Platform, maxEvents int) *PersistenceCollector {
	return &PersistenceCollector{platform: platform, maxEvents: maxEvents}
}

func (c *PersistenceCollector) Name() string { return "persistence" }

func (c *PersistenceCollector) roots() []string {
	if c.platform == wire.PlatformWindows {
		appdata := os.Getenv("APPDATA")
		if appdata == "" {
			home, _ := os.UserHomeDir()
			appdata = filepath.Join(home, "AppData", "Roaming")
		}
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return []string{
			filepath.Join(appdata, "Microsoft", "Windows", "Start Menu", "Programs", "Startup"),
			filepath.Join(programData, "Microsoft", "Windows", "Start Menu", "Programs", "Startup"),
		}
	}
	home, _ := os.UserHomeDir()
	return []string{
		filepath.Join(home, "Library", "LaunchAgents"),
		"/Library/LaunchAgents",
	}
}

func (c *PersistenceCollector) Collect() ([]wire.Event, error) {
	var events []wire.Event
	for _, root := range c.roots() {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if len(events) >= c.maxEvents {
				return events, nil
			}
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			path := filepath.Join(root, entry.Name())
			events = append(events, wire.NewEvent(time.Now(), wire.SourceSystem, wire.SeverityInfo, c.platform,
				"persistence_artifact_seen", map[string]any{
					"path":  path,
					"mtime": float64(info.ModTime().UnixMilli()) / 1000.0,
					"kind":  "startup_entry",
				}))
		}
	}
	return events, nil
}
