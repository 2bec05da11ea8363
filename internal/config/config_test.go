package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Listen != "127.0.0.1:7420" {
		t.Errorf("Unexpected default listen: %s", cfg.Listen)
	}
	if cfg.ExecutorBinary != "agor-executor" {
		t.Errorf("Unexpected default executor binary: %s", cfg.ExecutorBinary)
	}
	if cfg.StopAckTimeout() != 5*time.Second {
		t.Errorf("Unexpected ack timeout: %s", cfg.StopAckTimeout())
	}
	if cfg.StopConfirmTimeout() != 30*time.Second {
		t.Errorf("Unexpected confirm timeout: %s", cfg.StopConfirmTimeout())
	}
	if cfg.TokenTTL() != 4*time.Hour {
		t.Errorf("Unexpected token TTL: %s", cfg.TokenTTL())
	}
	if cfg.TokenMaxUses != -1 {
		t.Errorf("Unexpected token max uses: %d", cfg.TokenMaxUses)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `listen: "0.0.0.0:9000"
stop_ack_timeout_sec: 10
tool_binaries:
  claude: /opt/bin/claude
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("Override not applied: %s", cfg.Listen)
	}
	if cfg.StopAckTimeout() != 10*time.Second {
		t.Errorf("Override not applied: %s", cfg.StopAckTimeout())
	}
	if cfg.ToolBinaries["claude"] != "/opt/bin/claude" {
		t.Errorf("Tool override not applied: %v", cfg.ToolBinaries)
	}

	// Unset fields keep their defaults.
	if cfg.ExecutorBinary != "agor-executor" {
		t.Errorf("Default lost: %s", cfg.ExecutorBinary)
	}
	if cfg.StopConfirmTimeoutSec != 30 {
		t.Errorf("Default lost: %d", cfg.StopConfirmTimeoutSec)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Missing config should fall back to defaults: %v", err)
	}
	if cfg.Listen != "127.0.0.1:7420" {
		t.Errorf("Expected defaults, got %s", cfg.Listen)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen: [oops"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Malformed YAML should fail")
	}
}
