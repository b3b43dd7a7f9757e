package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/evidence/internal/safety"
)

// Config is the top-level configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	BlobStore BlobStoreConfig `yaml:"blobstore"`
	Renderer  RendererConfig  `yaml:"renderer"`
	Evidence  EvidenceConfig  `yaml:"evidence"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen         string        `yaml:"listen"`
	DataDir        string        `yaml:"data_dir"`
	DBPath         string        `yaml:"db_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// BlobStoreConfig selects and configures the object store
type BlobStoreConfig struct {
	Driver      string `yaml:"driver"`      // "fs" or "memory"
	Root        string `yaml:"root"`        // defaults to <data_dir>/blobs
	Compression string `yaml:"compression"` // "none" or "zstd"
}

// RendererConfig points at the HTML-to-PDF rendering service
type RendererConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	PageFormat string        `yaml:"page_format"`
	MaxBytes   int64         `yaml:"max_bytes"`
}

// BlobPrefix is one blob-store location collected into every bundle.
// Prefix is joined with the order id: "<prefix>/<order_id>/".
type BlobPrefix struct {
	Label  string `yaml:"label"`
	Prefix string `yaml:"prefix"`
}

// EvidenceConfig holds export and verification settings
type EvidenceConfig struct {
	VerifyWorkers  int          `yaml:"verify_workers"`
	ManifestPrefix string       `yaml:"manifest_prefix"`
	AuditPrefix    string       `yaml:"audit_prefix"`
	BlobPrefixes   []BlobPrefix `yaml:"blob_prefixes"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:         "0.0.0.0:8080",
			DataDir:        "/var/lib/evidence",
			DBPath:         "",
			RequestTimeout: 2 * time.Minute,
		},
		BlobStore: BlobStoreConfig{
			Driver:      "fs",
			Root:        "",
			Compression: "none",
		},
		Renderer: RendererConfig{
			Enabled:    false,
			Timeout:    30 * time.Second,
			PageFormat: "A4",
			MaxBytes:   32 << 20,
		},
		Evidence: EvidenceConfig{
			VerifyWorkers:  4,
			ManifestPrefix: "evidence",
			AuditPrefix:    "audits",
			BlobPrefixes: []BlobPrefix{
				{Label: "verification", Prefix: "verification"},
				{Label: "email_attempts", Prefix: "email_attempts"},
			},
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"evidence.yaml",
		"/etc/evidence/evidence.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "evidence", "evidence.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate rejects settings the services cannot run with
func (c *Config) Validate() error {
	switch c.BlobStore.Driver {
	case "", "fs", "memory":
	default:
		return fmt.Errorf("blobstore.driver must be fs or memory, got %q", c.BlobStore.Driver)
	}
	switch c.BlobStore.Compression {
	case "", "none", "zstd":
	default:
		return fmt.Errorf("blobstore.compression must be none or zstd, got %q", c.BlobStore.Compression)
	}

	if c.Renderer.Enabled {
		if c.Renderer.URL == "" {
			return fmt.Errorf("renderer.url is required when the renderer is enabled")
		}
		if _, err := safety.ValidateServiceURL(c.Renderer.URL); err != nil {
			return fmt.Errorf("renderer.url: %w", err)
		}
	}

	if c.Evidence.VerifyWorkers <= 0 {
		return fmt.Errorf("evidence.verify_workers must be positive, got %d", c.Evidence.VerifyWorkers)
	}
	if c.Evidence.ManifestPrefix == "" || c.Evidence.AuditPrefix == "" {
		return fmt.Errorf("evidence.manifest_prefix and evidence.audit_prefix are required")
	}

	labels := make(map[string]bool, len(c.Evidence.BlobPrefixes))
	for _, bp := range c.Evidence.BlobPrefixes {
		if bp.Label == "" || bp.Prefix == "" {
			return fmt.Errorf("evidence.blob_prefixes entries need a label and a prefix")
		}
		if labels[bp.Label] {
			return fmt.Errorf("evidence.blob_prefixes label %q is duplicated", bp.Label)
		}
		labels[bp.Label] = true
		if _, err := safety.CleanKey(bp.Prefix); err != nil {
			return fmt.Errorf("evidence.blob_prefixes %q: %w", bp.Label, err)
		}
	}

	return nil
}

// DatabasePath returns the configured db path, defaulting under the data dir
func (c *Config) DatabasePath() string {
	if c.Server.DBPath != "" {
		return c.Server.DBPath
	}
	return filepath.Join(c.Server.DataDir, "evidence.db")
}

// BlobRoot returns the blob store root, defaulting under the data dir
func (c *Config) BlobRoot() string {
	if c.BlobStore.Root != "" {
		return c.BlobStore.Root
	}
	return filepath.Join(c.Server.DataDir, "blobs")
}
