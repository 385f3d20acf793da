package wizard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nexusctl/nexus/internal/config"
	"github.com/nexusctl/nexus/pkg/cli"
)

func TestWizard_SQLite(t *testing.T) {
	input := strings.Join([]string{
		":9090",           // listen address
		"myadmin",         // admin username
		"secretpass",      // admin password
		"1",               // storage: sqlite (first option)
		"./data/nexus.db", // sqlite path
		"wa-access-token", // whatsapp access token
		"12345",           // phone number id
		"gsk-key",         // intent api key
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	tmpDir := t.TempDir()
	outputPath := filepath.Join(tmpDir, "relay-config.json")

	w := New(p)
	if err := w.Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		t.Errorf("auth.jwt_secret length = %d, want >= 32", len(cfg.Auth.JWTSecret))
	}
	if cfg.Auth.InitialAdmin == nil {
		t.Fatal("auth.initial_admin is nil")
	}
	if cfg.Auth.InitialAdmin.Username != "myadmin" {
		t.Errorf("admin username = %q, want %q", cfg.Auth.InitialAdmin.Username, "myadmin")
	}
	if cfg.Auth.InitialAdmin.Password != "secretpass" {
		t.Errorf("admin password = %q, want %q", cfg.Auth.InitialAdmin.Password, "secretpass")
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "./data/nexus.db" {
		t.Errorf("storage.dsn = %q, want %q", cfg.Storage.DSN, "./data/nexus.db")
	}
	if cfg.WhatsApp.AccessToken != "wa-access-token" {
		t.Errorf("whatsapp.access_token = %q", cfg.WhatsApp.AccessToken)
	}
	if cfg.WhatsApp.PhoneNumberID != "12345" {
		t.Errorf("whatsapp.phone_number_id = %q", cfg.WhatsApp.PhoneNumberID)
	}
	if cfg.WhatsApp.VerifyToken == "" {
		t.Error("whatsapp.verify_token is empty")
	}
	if cfg.Intent.APIKey != "gsk-key" {
		t.Errorf("intent.api_key = %q", cfg.Intent.APIKey)
	}
}

func TestWizard_Postgres(t *testing.T) {
	input := strings.Join([]string{
		":8080",   // listen address (default)
		"admin",   // admin username (default)
		"pass123", // admin password
		"2",       // storage: postgres
		"postgres://nexus:pass@db:5432/nexus", // DSN
		"wa-token", // whatsapp access token
		"67890",    // phone number id
		"gsk-key",  // intent api key
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	tmpDir := t.TempDir()
	outputPath := filepath.Join(tmpDir, "relay-config.json")

	w := New(p)
	if err := w.Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Storage.Driver != "postgres" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "postgres")
	}
	if cfg.Storage.DSN != "postgres://nexus:pass@db:5432/nexus" {
		t.Errorf("storage.dsn = %q, want %q", cfg.Storage.DSN, "postgres://nexus:pass@db:5432/nexus")
	}
}

func TestWizardDefaults(t *testing.T) {
	t.Setenv("NEXUS_ADDR", ":7070")
	t.Setenv("NEXUS_ADMIN_USER", "ops")
	t.Setenv("NEXUS_ADMIN_PASSWORD", "ops-password-1")
	t.Setenv("NEXUS_STORAGE_DRIVER", "sqlite")
	t.Setenv("NEXUS_STORAGE_DSN", "./nexus.db")

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(""), Out: out}

	tmpDir := t.TempDir()
	outputPath := filepath.Join(tmpDir, "relay-config.json")

	w := New(p)
	if err := w.RunDefaults(outputPath); err != nil {
		t.Fatalf("wizard.RunDefaults() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Server.Addr != ":7070" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":7070")
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "ops" {
		t.Errorf("initial admin: got %+v", cfg.Auth.InitialAdmin)
	}
	if cfg.Auth.JWTSecret == "" {
		t.Error("jwt secret not generated")
	}
	if cfg.WhatsApp.VerifyToken == "" {
		t.Error("verify token not generated")
	}
}
