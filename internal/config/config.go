// Package config loads service configuration from an optional JSON file and
// the environment. Environment variables win over file values so deployments
// can override a checked-in config without editing it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Defaults used when neither file nor environment provides a value.
const (
	DefaultDataRoot    = "data"
	DefaultStorageKind = "sqlite"
	DefaultSQLiteDSN   = "data_preview.db"
	DefaultListenAddr  = ":8080"
	DefaultBatchSize   = 500
)

// Config is the full configuration for both the server and the ingest
// command.
type Config struct {
	// DataRoot is the directory scanned for source JSON files.
	DataRoot string `json:"data_root"`

	// Storage selects and configures the backend.
	StorageKind string `json:"storage_kind"`
	StorageDSN  string `json:"storage_dsn"`

	// BatchSize bounds ingestion insert batches.
	BatchSize int `json:"batch_size"`

	// AdminSecret guards the ingest endpoint. When empty, only loopback
	// clients may trigger ingestion.
	AdminSecret string `json:"admin_secret"`

	// ListenAddr is the HTTP bind address.
	ListenAddr string `json:"listen_addr"`

	// MetricsBackend selects the metrics sink: "datadog" or "none".
	MetricsBackend string `json:"metrics_backend"`
	MetricsTags    string `json:"metrics_tags"`
}

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding, addressed by config path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// Load reads the config file at path (optional; empty path or a missing file
// yields pure defaults), then applies environment overrides and fills in
// defaults.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Missing file falls through to env and defaults.
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATA_PREVIEW_ROOT"); v != "" {
		c.DataRoot = v
	}
	if v := os.Getenv("STORAGE_KIND"); v != "" {
		c.StorageKind = v
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		c.StorageDSN = v
	}
	// SQLITE_DB predates STORAGE_DSN and still works for sqlite deployments.
	if v := os.Getenv("SQLITE_DB"); v != "" && c.StorageDSN == "" {
		c.StorageDSN = v
	}
	if v := os.Getenv("ADMIN_SHARED_SECRET"); v != "" {
		c.AdminSecret = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("METRICS_BACKEND"); v != "" {
		c.MetricsBackend = v
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BatchSize = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.DataRoot == "" {
		c.DataRoot = DefaultDataRoot
	}
	if c.StorageKind == "" {
		c.StorageKind = DefaultStorageKind
	}
	if c.StorageDSN == "" && c.StorageKind == "sqlite" {
		c.StorageDSN = DefaultSQLiteDSN
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MetricsBackend == "" {
		c.MetricsBackend = "none"
	}
}

// Validate reports configuration problems. Errors make the config unusable;
// warnings are operational hints.
func (c Config) Validate() []Issue {
	var issues []Issue

	switch strings.TrimSpace(c.StorageKind) {
	case "sqlite", "postgres":
	case "":
		issues = append(issues, Issue{SeverityError, "storage_kind", "must be set"})
	default:
		issues = append(issues, Issue{SeverityError, "storage_kind",
			fmt.Sprintf("unsupported kind %q (want sqlite or postgres)", c.StorageKind)})
	}
	if strings.TrimSpace(c.StorageDSN) == "" {
		issues = append(issues, Issue{SeverityError, "storage_dsn", "must be set"})
	}
	if c.BatchSize <= 0 {
		issues = append(issues, Issue{SeverityError, "batch_size", "must be positive"})
	}
	switch c.MetricsBackend {
	case "none", "datadog":
	default:
		issues = append(issues, Issue{SeverityError, "metrics_backend",
			fmt.Sprintf("unsupported backend %q (want datadog or none)", c.MetricsBackend)})
	}
	if c.AdminSecret == "" {
		issues = append(issues, Issue{SeverityWarning, "admin_secret",
			"not set; ingestion endpoint restricted to loopback clients"})
	}
	return issues
}
