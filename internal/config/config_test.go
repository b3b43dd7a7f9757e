package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		getValue func(*Config) string
		want     string
	}{
		{"listen address", func(c *Config) string { return c.Server.Listen }, "0.0.0.0:8080"},
		{"data directory", func(c *Config) string { return c.Server.DataDir }, "/var/lib/evidence"},
		{"db path", func(c *Config) string { return c.Server.DBPath }, ""},
		{"blob driver", func(c *Config) string { return c.BlobStore.Driver }, "fs"},
		{"compression", func(c *Config) string { return c.BlobStore.Compression }, "none"},
		{"page format", func(c *Config) string { return c.Renderer.PageFormat }, "A4"},
		{"manifest prefix", func(c *Config) string { return c.Evidence.ManifestPrefix }, "evidence"},
		{"audit prefix", func(c *Config) string { return c.Evidence.AuditPrefix }, "audits"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.getValue(cfg)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if cfg.Renderer.Enabled {
		t.Errorf("Renderer.Enabled = true, want false")
	}
	if cfg.Evidence.VerifyWorkers != 4 {
		t.Errorf("VerifyWorkers = %d, want 4", cfg.Evidence.VerifyWorkers)
	}
	if len(cfg.Evidence.BlobPrefixes) != 2 {
		t.Fatalf("BlobPrefixes length = %d, want 2", len(cfg.Evidence.BlobPrefixes))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

// TestLoad tests loading a valid config file
func TestLoad(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "evidence.yaml")

	configContent := `
server:
  listen: "127.0.0.1:9000"
  data_dir: "/custom/data"
  db_path: "/custom/data/app.db"
  request_timeout: 45s
blobstore:
  driver: memory
  compression: zstd
renderer:
  enabled: true
  url: "http://127.0.0.1:3000/pdf"
  timeout: 10s
evidence:
  verify_workers: 8
  blob_prefixes:
    - label: receipts
      prefix: receipts
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Listen != "127.0.0.1:9000" {
		t.Errorf("Listen = %q, want 127.0.0.1:9000", cfg.Server.Listen)
	}
	if cfg.Server.RequestTimeout != 45*time.Second {
		t.Errorf("RequestTimeout = %v, want 45s", cfg.Server.RequestTimeout)
	}
	if cfg.BlobStore.Driver != "memory" || cfg.BlobStore.Compression != "zstd" {
		t.Errorf("BlobStore = %+v", cfg.BlobStore)
	}
	if !cfg.Renderer.Enabled || cfg.Renderer.Timeout != 10*time.Second {
		t.Errorf("Renderer = %+v", cfg.Renderer)
	}
	// unset fields keep their defaults
	if cfg.Renderer.PageFormat != "A4" {
		t.Errorf("PageFormat = %q, want A4", cfg.Renderer.PageFormat)
	}
	if cfg.Evidence.AuditPrefix != "audits" {
		t.Errorf("AuditPrefix = %q, want audits", cfg.Evidence.AuditPrefix)
	}
	if cfg.Evidence.VerifyWorkers != 8 {
		t.Errorf("VerifyWorkers = %d, want 8", cfg.Evidence.VerifyWorkers)
	}
	if len(cfg.Evidence.BlobPrefixes) != 1 || cfg.Evidence.BlobPrefixes[0].Label != "receipts" {
		t.Errorf("BlobPrefixes = %+v", cfg.Evidence.BlobPrefixes)
	}
	if cfg.DatabasePath() != "/custom/data/app.db" {
		t.Errorf("DatabasePath() = %q", cfg.DatabasePath())
	}
	if cfg.BlobRoot() != filepath.Join("/custom/data", "blobs") {
		t.Errorf("BlobRoot() = %q", cfg.BlobRoot())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() of missing file succeeded, want error")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(configFile, []byte("server: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(configFile); err == nil {
		t.Error("Load() of invalid yaml succeeded, want error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown driver", func(c *Config) { c.BlobStore.Driver = "s3" }, "blobstore.driver"},
		{"unknown compression", func(c *Config) { c.BlobStore.Compression = "gzip" }, "blobstore.compression"},
		{"renderer without url", func(c *Config) { c.Renderer.Enabled = true }, "renderer.url"},
		{"renderer remote http", func(c *Config) {
			c.Renderer.Enabled = true
			c.Renderer.URL = "http://pdf.example.com/render"
		}, "renderer.url"},
		{"zero workers", func(c *Config) { c.Evidence.VerifyWorkers = 0 }, "verify_workers"},
		{"empty audit prefix", func(c *Config) { c.Evidence.AuditPrefix = "" }, "audit_prefix"},
		{"duplicate label", func(c *Config) {
			c.Evidence.BlobPrefixes = append(c.Evidence.BlobPrefixes, BlobPrefix{Label: "verification", Prefix: "v2"})
		}, "duplicated"},
		{"escaping prefix", func(c *Config) {
			c.Evidence.BlobPrefixes = []BlobPrefix{{Label: "x", Prefix: "../etc"}}
		}, "blob_prefixes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDatabasePath_Default(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/srv/evidence"
	if got := cfg.DatabasePath(); got != filepath.Join("/srv/evidence", "evidence.db") {
		t.Errorf("DatabasePath() = %q", got)
	}
}

func TestFindConfigFile_CurrentDir(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(wd) }()

	if err := os.WriteFile("evidence.yaml", []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	path, err := FindConfigFile()
	if err != nil {
		t.Fatalf("FindConfigFile() error = %v", err)
	}
	if path != "evidence.yaml" {
		t.Errorf("FindConfigFile() = %q, want evidence.yaml", path)
	}
}
