// Package config loads and persists the node configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "luminamesh"
	// DefaultRole is announced when no role is configured.
	DefaultRole = "endpoint"
	// DefaultDiscoveryPort is the UDP announcement port.
	DefaultDiscoveryPort = 45678
	// DefaultDataPort is the TCP data channel port.
	DefaultDataPort = 45679
	// DataPortEphemeral asks the OS to pick the data port. A missing or zero
	// data_port means DefaultDataPort.
	DataPortEphemeral = -1
	// DefaultBroadcastAddress is the limited-broadcast target host.
	DefaultBroadcastAddress = "255.255.255.255"
	// DefaultBroadcastIntervalSeconds is the time between announcements.
	DefaultBroadcastIntervalSeconds = 5
	// DefaultPeerTimeoutSeconds is how long a silent peer stays listed.
	DefaultPeerTimeoutSeconds = 30
	// DefaultKeyPolicy keeps the latest announced key for a mesh id.
	DefaultKeyPolicy = "replace"
	// DefaultSecurityLogRetentionDays bounds how long security events are kept.
	DefaultSecurityLogRetentionDays = 90
	// DefaultLogLevel is the logrus level name used when unset.
	DefaultLogLevel = "info"

	configFileName = "config.yaml"

	envDataDir  = "LUMINAMESH_DATA_DIR"
	envRole     = "LUMINAMESH_ROLE"
	envLogLevel = "LUMINAMESH_LOG_LEVEL"
)

// NodeConfig contains persistent node settings.
type NodeConfig struct {
	InstanceID               string `yaml:"instance_id"`
	DeviceName               string `yaml:"device_name"`
	Role                     string `yaml:"role"`
	DiscoveryPort            int    `yaml:"discovery_port"`
	DataPort                 int    `yaml:"data_port"`
	BroadcastAddress         string `yaml:"broadcast_address"`
	BroadcastIntervalSeconds int    `yaml:"broadcast_interval_seconds"`
	PeerTimeoutSeconds       int    `yaml:"peer_timeout_seconds"`
	KeyPolicy                string `yaml:"key_policy"`
	MDNS                     bool   `yaml:"mdns"`
	MetricsAddress           string `yaml:"metrics_address"`
	SecurityLog              bool   `yaml:"security_log"`
	SecurityLogRetentionDays int    `yaml:"security_log_retention_days"`
	LogLevel                 string `yaml:"log_level"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LUMINAMESH_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(envDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads and unmarshals config.yaml from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.yaml to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, fills missing
// defaults, then applies environment overrides. Overrides are not saved.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create directory %q: %w", dataDir, err)
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = &NodeConfig{}
		normalizeDefaults(cfg)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	ApplyEnv(cfg)
	return cfg, cfgPath, nil
}

// ApplyEnv overrides role and log level from the environment.
func ApplyEnv(cfg *NodeConfig) {
	if role := strings.TrimSpace(os.Getenv(envRole)); role != "" {
		cfg.Role = role
	}
	if level := strings.TrimSpace(os.Getenv(envLogLevel)); level != "" {
		cfg.LogLevel = level
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "luminamesh-node"
}

func normalizeDefaults(cfg *NodeConfig) bool {
	updated := false

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}
	if cfg.Role == "" {
		cfg.Role = DefaultRole
		updated = true
	}
	if cfg.DiscoveryPort <= 0 || cfg.DiscoveryPort > 65535 {
		cfg.DiscoveryPort = DefaultDiscoveryPort
		updated = true
	}
	if cfg.DataPort == 0 || cfg.DataPort < DataPortEphemeral || cfg.DataPort > 65535 {
		cfg.DataPort = DefaultDataPort
		updated = true
	}
	if cfg.BroadcastAddress == "" {
		cfg.BroadcastAddress = DefaultBroadcastAddress
		updated = true
	}
	if cfg.BroadcastIntervalSeconds <= 0 {
		cfg.BroadcastIntervalSeconds = DefaultBroadcastIntervalSeconds
		updated = true
	}
	if cfg.PeerTimeoutSeconds <= 0 {
		cfg.PeerTimeoutSeconds = DefaultPeerTimeoutSeconds
		updated = true
	}
	if policy := normalizeKeyPolicy(cfg.KeyPolicy); policy != cfg.KeyPolicy {
		cfg.KeyPolicy = policy
		updated = true
	}
	if cfg.SecurityLogRetentionDays <= 0 {
		cfg.SecurityLogRetentionDays = DefaultSecurityLogRetentionDays
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}

func normalizeKeyPolicy(policy string) string {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "pin":
		return "pin"
	default:
		return DefaultKeyPolicy
	}
}

// DataListenPort returns the port to bind the data listener on, with 0 for
// an ephemeral port.
func (c *NodeConfig) DataListenPort() int {
	if c.DataPort == DataPortEphemeral {
		return 0
	}
	return c.DataPort
}
