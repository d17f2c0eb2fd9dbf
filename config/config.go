// Package config defines the YAML configuration surface of the replication
// subsystem and its normalization rules.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftfs/metarepl/core"
)

// ReplicationConfig holds the replication-core options.
type ReplicationConfig struct {
	// DefaultLevel is the replication level applied when a caller does
	// not specify one. One of: local_durability, single, quorum, all,
	// tiered, progressive.
	DefaultLevel string `yaml:"default_replication_level"`
	// QuorumSize is the minimum acknowledgement threshold for quorum
	// replication. Normalization raises it to at least 3; the derived
	// cluster quorum (n/2+1) still applies when it is larger.
	QuorumSize int `yaml:"quorum_size"`
	// SyncInterval is the period of the peer-status sync loop.
	SyncInterval string `yaml:"sync_interval"`
	// CheckpointInterval is the period of the checkpoint loop.
	CheckpointInterval string `yaml:"checkpoint_interval"`
	// BasePath is the root directory for all state this subsystem owns
	// (metadata/, checkpoints/, state/).
	BasePath string `yaml:"base_path"`
	// Tiers is the ordered list of storage tiers used by tiered
	// replication.
	Tiers []string `yaml:"tiers"`
	// CheckpointKeep bounds how many checkpoints the checkpoint loop
	// retains; zero disables pruning.
	CheckpointKeep int `yaml:"checkpoint_keep"`
}

// TransportConfig holds the NATS transport options.
type TransportConfig struct {
	// URLs are the NATS server addresses, tried in order with automatic
	// failover.
	URLs []string `yaml:"urls"`
	// Credentials is an optional path to a NATS credentials file.
	Credentials string `yaml:"credentials"`
	// SubjectPrefix namespaces all replication subjects.
	SubjectPrefix string `yaml:"subject_prefix"`
	// RequestTimeout bounds one per-peer replication request.
	RequestTimeout string `yaml:"request_timeout"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// Config is the top-level configuration struct.
type Config struct {
	NodeID      string            `yaml:"node_id"`
	Role        string            `yaml:"role"`
	Replication ReplicationConfig `yaml:"replication"`
	Transport   TransportConfig   `yaml:"transport"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ParseDuration parses a duration string. Returns the default duration if the
// string is empty or invalid. Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Role: string(core.RoleWorker),
		Replication: ReplicationConfig{
			DefaultLevel:       core.LevelQuorum.String(),
			QuorumSize:         3,
			SyncInterval:       "30s",
			CheckpointInterval: "300s",
			BasePath:           "./data/replication",
			Tiers:              []string{string(core.TierHot), string(core.TierCold)},
			CheckpointKeep:     8,
		},
		Transport: TransportConfig{
			URLs:           []string{"nats://127.0.0.1:4222"},
			SubjectPrefix:  "metarepl",
			RequestTimeout: "5s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "metarepl.log",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Normalize validates the replication options and applies the quorum
// floor. It returns an error only for options that cannot be corrected.
func (c *ReplicationConfig) Normalize() error {
	if c.QuorumSize < 3 {
		c.QuorumSize = 3
	}
	if c.BasePath == "" {
		return fmt.Errorf("replication base_path must not be empty")
	}
	if c.DefaultLevel == "" {
		c.DefaultLevel = core.LevelQuorum.String()
	}
	if _, err := core.ParseReplicationLevel(c.DefaultLevel); err != nil {
		return fmt.Errorf("invalid default_replication_level: %w", err)
	}
	if len(c.Tiers) == 0 {
		c.Tiers = []string{string(core.TierHot), string(core.TierCold)}
	}
	if c.CheckpointKeep < 0 {
		c.CheckpointKeep = 0
	}
	return nil
}

// Level returns the parsed default replication level. Normalize must have
// accepted the config first.
func (c *ReplicationConfig) Level() core.ReplicationLevel {
	level, err := core.ParseReplicationLevel(c.DefaultLevel)
	if err != nil {
		return core.LevelQuorum
	}
	return level
}

// TierList returns the configured tiers as typed values.
func (c *ReplicationConfig) TierList() []core.StorageTier {
	tiers := make([]core.StorageTier, 0, len(c.Tiers))
	for _, tier := range c.Tiers {
		tiers = append(tiers, core.StorageTier(tier))
	}
	return tiers
}
