// Package config loads and materializes the agent's local configuration
// file. The file lives in a 0700 agent directory next to the spool
// database and the filewatch state snapshot; the API key can always be
// overridden through EM_AGENT_API_KEY so the file never has to hold it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/endpointmon/backend/internal/wire"
)

// EnvAPIKey overrides the api_key config value when set.
const EnvAPIKey = "EM_AGENT_API_KEY"

// Config is the agent's on-disk configuration.
type Config struct {
	ServerURL        string   `yaml:"server_url"`
	OrgID            string   `yaml:"org_id"`
	DeviceID         string   `yaml:"device_id"`
	APIKey           string   `yaml:"api_key"`
	AgentVersion     string   `yaml:"agent_version"`
	IntervalSeconds  int      `yaml:"interval_seconds"`
	EnableFilewatch  bool     `yaml:"enable_filewatch"`
	WatchPaths       []string `yaml:"watch_paths"`
	DenyProcessNames []string `yaml:"deny_process_names"`
	UnusualExecPaths []string `yaml:"unusual_exec_paths"`
	TLSVerify        bool     `yaml:"tls_verify"`
	TimeoutSeconds   int      `yaml:"timeout_seconds"`
	MaxBatchEvents   int      `yaml:"max_batch_events"`
	SpoolMaxBatches  int      `yaml:"spool_max_batches"`
	Platform         Platform `yaml:"platform"`
}

// Platform holds the platform-tunable rule inputs.
type Platform struct {
	FailedLoginSpikeThreshold int `yaml:"failed_login_spike_threshold"`
}

// Default returns a config populated with every default value.
func Default(deviceID string) Config {
	home, _ := os.UserHomeDir()
	return Config{
		ServerURL:        "http://127.0.0.1:8000",
		OrgID:            "dev-org",
		DeviceID:         deviceID,
		AgentVersion:     "0.2.0",
		IntervalSeconds:  60,
		EnableFilewatch:  false,
		WatchPaths:       []string{filepath.Join(home, "Downloads")},
		DenyProcessNames: nil,
		UnusualExecPaths: []string{"/tmp", "/private/tmp", `\AppData\Local\Temp`, `\Temp`},
		TLSVerify:        true,
		TimeoutSeconds:   10,
		MaxBatchEvents:   wire.MaxEventsPerBatch,
		SpoolMaxBatches:  1000,
		Platform:         Platform{FailedLoginSpikeThreshold: 5},
	}
}

// Validate checks ranges and required identity fields.
func (c *Config) Validate() error {
	for name, value := range map[string]string{
		"server_url":    c.ServerURL,
		"org_id":        c.OrgID,
		"device_id":     c.DeviceID,
		"agent_version": c.AgentVersion,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s cannot be empty", name)
		}
	}
	if c.APIKey == "" {
		return fmt.Errorf("agent api_key is required; set api_key in the config file or %s", EnvAPIKey)
	}
	if c.IntervalSeconds < 5 || c.IntervalSeconds > 3600 {
		return fmt.Errorf("interval_seconds must be 5..3600, got %d", c.IntervalSeconds)
	}
	if c.TimeoutSeconds < 3 || c.TimeoutSeconds > 60 {
		return fmt.Errorf("timeout_seconds must be 3..60, got %d", c.TimeoutSeconds)
	}
	if c.MaxBatchEvents < 1 || c.MaxBatchEvents > wire.MaxEventsPerBatch {
		return fmt.Errorf("max_batch_events must be 1..%d, got %d", wire.MaxEventsPerBatch, c.MaxBatchEvents)
	}
	if c.SpoolMaxBatches < 10 || c.SpoolMaxBatches > 10000 {
		return fmt.Errorf("spool_max_batches must be 10..10000, got %d", c.SpoolMaxBatches)
	}
	if c.Platform.FailedLoginSpikeThreshold < 1 {
		c.Platform.FailedLoginSpikeThreshold = 5
	}
	return nil
}

// CurrentPlatform reports the wire platform tag for this host.
func CurrentPlatform() wire.Platform {
	if runtime.GOOS == "windows" {
		return wire.PlatformWindows
	}
	return wire.PlatformMacOS
}

// DefaultAgentDir is where the config, spool and filewatch state live.
func DefaultAgentDir() string {
	if runtime.GOOS == "windows" {
		base := os.Getenv("APPDATA")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, "EndpointMonitorAgent")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".endpoint_monitor_agent")
}

func DefaultConfigPath() string { return filepath.Join(DefaultAgentDir(), "config.yaml") }
func DefaultSpoolPath() string  { return filepath.Join(DefaultAgentDir(), "spool.db") }
func FilewatchStatePath() string {
	return filepath.Join(DefaultAgentDir(), "filewatch_state.json")
}

// EnsureAgentDir creates the agent directory with owner-only access.
func EnsureAgentDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create agent dir: %w", err)
	}
	return securePath(dir, 0o700)
}

func securePath(path string, mode os.FileMode) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm() != mode {
		return fmt.Errorf("unable to set permissions %o for %s", mode, path)
	}
	return nil
}

// Init materializes the config file if missing and tightens its
// permissions either way. Returns the path written or found.
func Init(path string) (string, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	if err := EnsureAgentDir(filepath.Dir(path)); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return path, securePath(path, 0o600)
	}

	cfg := Default(uuid.New().String())
	payload, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, securePath(path, 0o600)
}

// Load initializes (if needed) and parses the config, applies the env
// API key override, and validates.
func Load(path string) (*Config, error) {
	resolved, err := Init(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := Default("")
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if key := os.Getenv(EnvAPIKey); key != "" {
		cfg.APIKey = key
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
