package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesYamlThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := []byte("keyPrefix: fromyaml\nredis:\n  addr: yaml-host:6379\n")
	if err := os.WriteFile(path, yamlBody, 0o644); err != nil {
		t.Fatalf("unexpected error writing fixture: %v", err)
	}

	t.Setenv("REDIS_ADDR", "env-host:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.KeyPrefix != "fromyaml" {
		t.Fatalf("expected keyPrefix from yaml, got %q", cfg.KeyPrefix)
	}
	if cfg.Redis.Addr != "env-host:6379" {
		t.Fatalf("expected env override to win, got %q", cfg.Redis.Addr)
	}
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.KeyPrefix != "pubsub" {
		t.Fatalf("expected default key prefix, got %q", cfg.KeyPrefix)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("expected default redis addr, got %q", cfg.Redis.Addr)
	}
}
