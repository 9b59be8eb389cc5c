package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "manifold.db" {
		t.Fatalf("db_path = %q", cfg.DBPath)
	}
	if cfg.Listen != ":8532" {
		t.Fatalf("listen = %q", cfg.Listen)
	}
	if cfg.ActivationDelay != time.Hour {
		t.Fatalf("activation_delay = %s", cfg.ActivationDelay)
	}
	if cfg.MaxPayloadSize != 4<<20 {
		t.Fatalf("max_payload_size = %d", cfg.MaxPayloadSize)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifold.yaml")
	body := `
db_path: /var/lib/manifold/state.db
listen: ":9000"
activation_delay: 30m
max_payload_size: 1024
placement_fee: 50
tokens:
  - token: tok-a
    label: release-bot
    roles: [proposer, activator]
  - token: tok-b
    label: oncall
    roles: [guardian]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ActivationDelay != 30*time.Minute {
		t.Fatalf("activation_delay = %s", cfg.ActivationDelay)
	}
	if cfg.PlacementFee != 50 {
		t.Fatalf("placement_fee = %d", cfg.PlacementFee)
	}
	grants := cfg.Grants()
	if len(grants) != 2 {
		t.Fatalf("grants = %d", len(grants))
	}
	if grants[0].Label != "release-bot" || len(grants[0].Roles) != 2 {
		t.Fatalf("grant = %+v", grants[0])
	}
}

func TestValidateRejectsUnknownRole(t *testing.T) {
	cfg := &Config{Tokens: []TokenGrant{{Token: "t", Roles: []string{"root"}}}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestValidateRejectsEmptyToken(t *testing.T) {
	cfg := &Config{Tokens: []TokenGrant{{Label: "x", Roles: []string{"guardian"}}}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile("/nonexistent/manifold.yaml"); err == nil {
		t.Fatal("expected error")
	}
}
