package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.UserID = "alice@example.org"
	cfg.Outbox.MaxAttempts = 3
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.UserID != "alice@example.org" {
		t.Errorf("UserID = %q, want alice@example.org", loaded.UserID)
	}
	if loaded.Outbox.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", loaded.Outbox.MaxAttempts)
	}
}

func TestLoadMissingUsesDefaults(t *testing.T) {
	// Fresh install: no config file yet, the daemon starts on defaults.
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v, want defaults for missing file", err)
	}
	def := Default()
	if cfg.DefaultProfile != def.DefaultProfile {
		t.Errorf("DefaultProfile = %q, want %q", cfg.DefaultProfile, def.DefaultProfile)
	}
	if cfg.Outbox.MaxAttempts != def.Outbox.MaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", cfg.Outbox.MaxAttempts, def.Outbox.MaxAttempts)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("default_profile = [broken"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for malformed file")
	}
}

func TestLoadLayersDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	// A file that only sets user_id should keep every other default.
	if err := os.WriteFile(path, []byte("user_id = \"bob@example.org\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UserID != "bob@example.org" {
		t.Errorf("UserID = %q, want bob@example.org", cfg.UserID)
	}
	def := Default()
	if cfg.Outbox.MaxAttempts != def.Outbox.MaxAttempts {
		t.Errorf("MaxAttempts = %d, want default %d", cfg.Outbox.MaxAttempts, def.Outbox.MaxAttempts)
	}
	if cfg.Connectivity.SettleMs != def.Connectivity.SettleMs {
		t.Errorf("SettleMs = %d, want default %d", cfg.Connectivity.SettleMs, def.Connectivity.SettleMs)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
