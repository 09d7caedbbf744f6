package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigMatchesDocumentedDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Addr != ":45784" {
		t.Errorf("Server.Addr = %q, want :45784", cfg.Server.Addr)
	}
	if cfg.Server.MaxQueueDepth != 0 {
		t.Errorf("Server.MaxQueueDepth = %d, want 0 (unbounded)", cfg.Server.MaxQueueDepth)
	}
	if cfg.Ack.AckTimeout().Seconds() != 15 {
		t.Errorf("Ack.AckTimeout() = %v, want 15s", cfg.Ack.AckTimeout())
	}
}

func TestLoadFromFileOverridesOnlySpecifiedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nanomq.yaml")
	contents := "server:\n  addr: \":9999\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("Server.Addr = %q, want :9999", cfg.Server.Addr)
	}
	if cfg.Client.QueryTimeoutMS != 60000 {
		t.Errorf("Client.QueryTimeoutMS = %d, want default 60000", cfg.Client.QueryTimeoutMS)
	}
}

func TestLoadFromEnvOverridesConfig(t *testing.T) {
	t.Setenv("NANOMQ_ADDR", ":1234")
	t.Setenv("NANOMQ_MAX_QUEUE_DEPTH", "50")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Server.Addr != ":1234" {
		t.Errorf("Server.Addr = %q, want :1234", cfg.Server.Addr)
	}
	if cfg.Server.MaxQueueDepth != 50 {
		t.Errorf("Server.MaxQueueDepth = %d, want 50", cfg.Server.MaxQueueDepth)
	}
}
