package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"FACEFINDER_MEDIA_ROOT", "FACEFINDER_STORE", "FACEFINDER_ENCODER", "FACEFINDER_PYTHON",
		"FACEFINDER_WORKER_SCRIPT", "EMBEDDING_URL", "DATABASE_URL", "POSTGRES_HOST",
		"POSTGRES_PORT", "POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DB",
		"FACEFINDER_ENGINES", "FACEFINDER_NTH_FRAME", "FACEFINDER_THRESHOLD",
		"FACEFINDER_WEBP", "FACEFINDER_WORKER_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MediaRoot != "Media/Photos and Videos" || cfg.StorePath != "Media/Embeddings.json" {
		t.Errorf("unexpected paths: %q %q", cfg.MediaRoot, cfg.StorePath)
	}
	if cfg.NthFrame != 10 || cfg.Threshold != 0.52 || cfg.Engines != 1 || !cfg.IncludeWebp {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("expected no database by default, got %q", cfg.DatabaseURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "facefinder.yaml")
	yml := "media_root: /srv/media\nthreshold: 0.4\nnth_frame: 5\nworker_timeout: 5s\ninclude_webp: false\n"
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FACEFINDER_NTH_FRAME", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MediaRoot != "/srv/media" || cfg.Threshold != 0.4 || cfg.IncludeWebp {
		t.Errorf("YAML values not applied: %+v", cfg)
	}
	if cfg.WorkerTimeout != 5*time.Second {
		t.Errorf("expected 5s worker timeout, got %v", cfg.WorkerTimeout)
	}
	if cfg.NthFrame != 3 {
		t.Errorf("environment should override YAML, got nth_frame=%d", cfg.NthFrame)
	}
	if cfg.StorePath != "Media/Embeddings.json" {
		t.Errorf("unset keys should keep defaults, got %q", cfg.StorePath)
	}
}

func TestLoad_BadEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("FACEFINDER_ENGINES", "many")
	t.Setenv("FACEFINDER_THRESHOLD", "close")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for malformed env values")
	}
	for _, key := range []string{"FACEFINDER_ENGINES", "FACEFINDER_THRESHOLD"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error should name %s: %v", key, err)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_PostgresFromParts(t *testing.T) {
	clearEnv(t)
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "face")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "facefinder")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	want := "postgres://face:secret@db:5432/facefinder?sslmode=disable"
	if cfg.DatabaseURL != want {
		t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero nth frame", func(c *Config) { c.NthFrame = 0 }},
		{"zero engines", func(c *Config) { c.Engines = 0 }},
		{"zero threshold", func(c *Config) { c.Threshold = 0 }},
		{"negative threshold", func(c *Config) { c.Threshold = -1 }},
		{"empty root", func(c *Config) { c.MediaRoot = "" }},
		{"empty store", func(c *Config) { c.StorePath = "" }},
		{"unknown encoder", func(c *Config) { c.Encoder = "dlib" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
