package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.File != "" {
		t.Errorf("expected no file, got %q", cfg.File)
	}
	if cfg.Cloud.Backend != BackendNone {
		t.Errorf("expected backend none, got %q", cfg.Cloud.Backend)
	}
	if cfg.Cloud.Timeout != 10*time.Second {
		t.Errorf("expected 10s timeout, got %v", cfg.Cloud.Timeout)
	}
	if cfg.Cloud.PollInterval != 30*time.Second {
		t.Errorf("expected 30s poll interval, got %v", cfg.Cloud.PollInterval)
	}
	if cfg.AppName != "studytrack" {
		t.Errorf("expected app name studytrack, got %q", cfg.AppName)
	}
	if !strings.HasSuffix(cfg.DBPath(), "studytrack.db") {
		t.Errorf("unexpected db path %q", cfg.DBPath())
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
data_dir = "` + filepath.ToSlash(dir) + `"

[cloud]
backend = "http"
url = "http://localhost:8787"
timeout = "3s"

[log]
verbose = true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.File != path {
		t.Errorf("expected file %q, got %q", path, cfg.File)
	}
	if cfg.Cloud.Backend != BackendHTTP || cfg.Cloud.URL != "http://localhost:8787" {
		t.Errorf("unexpected cloud config %+v", cfg.Cloud)
	}
	if cfg.Cloud.Timeout != 3*time.Second {
		t.Errorf("expected 3s timeout, got %v", cfg.Cloud.Timeout)
	}
	// Unset keys keep their defaults.
	if cfg.Cloud.PollInterval != 30*time.Second {
		t.Errorf("expected default poll interval, got %v", cfg.Cloud.PollInterval)
	}
	if !cfg.Log.Verbose {
		t.Error("expected verbose logging")
	}
	if cfg.DBPath() != filepath.Join(dir, "studytrack.db") {
		t.Errorf("unexpected db path %q", cfg.DBPath())
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[cloud]\nbackend = \"none\"\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("STUDYTRACK_CLOUD_BACKEND", "redis")
	t.Setenv("STUDYTRACK_CLOUD_REDIS_ADDR", "localhost:6379")
	t.Setenv("STUDYTRACK_CLOUD_POLL_INTERVAL", "5s")

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cloud.Backend != BackendRedis || cfg.Cloud.RedisAddr != "localhost:6379" {
		t.Errorf("env override not applied: %+v", cfg.Cloud)
	}
	if cfg.Cloud.PollInterval != 5*time.Second {
		t.Errorf("expected 5s poll interval, got %v", cfg.Cloud.PollInterval)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown backend", "[cloud]\nbackend = \"ftp\"\n", "unknown cloud.backend"},
		{"http without url", "[cloud]\nbackend = \"http\"\n", "cloud.url"},
		{"redis without addr", "[cloud]\nbackend = \"redis\"\n", "cloud.redis_addr"},
		{"bad toml", "[cloud\n", "failed to read config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("failed to write config: %v", err)
			}
			_, err := Load(New(), path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}
	if err := WriteDefault(path, false); err == nil {
		t.Error("expected refusal to overwrite")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Errorf("forced WriteDefault failed: %v", err)
	}

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load of written defaults failed: %v", err)
	}
	if cfg.Cloud.Timeout != 10*time.Second || cfg.Server.Addr != "127.0.0.1:8787" {
		t.Errorf("written defaults do not round-trip: %+v", cfg)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/x/y"); got != filepath.Join(home, "x", "y") {
		t.Errorf("expandHome: got %q", got)
	}
	if got := expandHome("/abs"); got != "/abs" {
		t.Errorf("expandHome should leave absolute paths: %q", got)
	}
}
