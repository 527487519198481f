package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/eslider/briefkasten/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.edn")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileParsesAccounts(t *testing.T) {
	path := writeConfig(t, `
accounts:
  work:
    email: work@example.com
    imap:
      host: imap.example.com
      port: 993
      user: work@example.com
      pass: secret
    data_path: /tmp/briefkasten/work
`)

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	acct, err := cfg.Account("work")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if acct.ID != "work" {
		t.Errorf("ID = %q, want work", acct.ID)
	}
	if acct.IMAP.Host != "imap.example.com" || acct.IMAP.Port != 993 {
		t.Errorf("IMAP = %+v, want host=imap.example.com port=993", acct.IMAP)
	}
	if acct.DataPath != "/tmp/briefkasten/work" {
		t.Errorf("DataPath = %q", acct.DataPath)
	}
}

func TestLoadFileRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `
accounts:
  broken:
    imap:
      host: imap.example.com
`)
	if _, err := config.LoadFile(path); err == nil {
		t.Fatal("expected error for account missing email and data_path")
	}
}

func TestAccountUnknownIDReturnsErrAccountNotFound(t *testing.T) {
	path := writeConfig(t, "accounts:\n")
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if _, err := cfg.Account("nope"); !errors.Is(err, config.ErrAccountNotFound) {
		t.Fatalf("Account(nope) error = %v, want ErrAccountNotFound", err)
	}
}

func TestPathUsesEnvVarOverride(t *testing.T) {
	t.Setenv("BRIEFKASTEN_CONFIG", "/custom/path/config.edn")
	path, err := config.Path()
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if path != "/custom/path/config.edn" {
		t.Errorf("Path = %q, want /custom/path/config.edn", path)
	}
}
