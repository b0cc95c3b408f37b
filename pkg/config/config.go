// Package config loads sessionstored's static configuration from a YAML
// file and applies environment-variable overrides on top of it.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the tunables spec.md's operations depend on.
type Config struct {
	// DataDir is the directory holding backend.Local's single bbolt
	// database file (sessionstore.db), which stores keys, locks and
	// blobs alike.
	DataDir string `yaml:"dataDir"`

	// ListenAddr is the address cmd/sessionstored's gRPC server binds.
	ListenAddr string `yaml:"listenAddr"`

	// MetricsAddr is the address the Prometheus /metrics handler binds.
	MetricsAddr string `yaml:"metricsAddr"`

	// WalCompactThreshold is the WAL tip at or above which an append
	// triggers a background compact().
	WalCompactThreshold int `yaml:"walCompactThreshold"`

	// CheckpointChunkSize is the chunk size, in bytes, backend.Local
	// stores streamed blobs in.
	CheckpointChunkSize int `yaml:"checkpointChunkSize"`

	// LockTTLSeconds is the default TTL for index distributed locks.
	LockTTLSeconds int `yaml:"lockTTLSeconds"`

	// DebounceMS is the debounce window external change notifications
	// are collapsed over before a sync is triggered.
	DebounceMS int `yaml:"debounceMS"`

	// AutoSync is the deployment-level AUTO_SYNC setting: whether local
	// edits are written back to a session's linked source after an
	// append. The engine acts on each session's own AutoSync flag
	// (from SourceDescriptor.AutoSync); nothing in this module reads
	// this field.
	AutoSync bool `yaml:"autoSync"`

	Log LogConfig `yaml:"log"`
}

// LogConfig controls pkg/log.Init.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration matching spec.md §6's default table.
func Default() Config {
	return Config{
		DataDir:             "./sessionstore-data",
		ListenAddr:          "127.0.0.1:7700",
		MetricsAddr:         "127.0.0.1:9090",
		WalCompactThreshold: 50,
		CheckpointChunkSize: 256 * 1024,
		LockTTLSeconds:      30,
		DebounceMS:          500,
		AutoSync:            true,
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// Load reads path (if non-empty) as YAML over the defaults, then applies
// the five environment-variable overrides from spec.md §6.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("WAL_COMPACT_THRESHOLD"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WAL_COMPACT_THRESHOLD: %w", err)
		}
		cfg.WalCompactThreshold = n
	}
	if v, ok := os.LookupEnv("CHECKPOINT_CHUNK_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHECKPOINT_CHUNK_SIZE: %w", err)
		}
		cfg.CheckpointChunkSize = n
	}
	if v, ok := os.LookupEnv("LOCK_TTL_SECONDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOCK_TTL_SECONDS: %w", err)
		}
		cfg.LockTTLSeconds = n
	}
	if v, ok := os.LookupEnv("DEBOUNCE_MS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DEBOUNCE_MS: %w", err)
		}
		cfg.DebounceMS = n
	}
	if v, ok := os.LookupEnv("AUTO_SYNC"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AUTO_SYNC: %w", err)
		}
		cfg.AutoSync = b
	}
	return nil
}
