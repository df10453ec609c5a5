package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/tally"
)

// parse sets flags on the root command as if given on the command line.
func parse(t *testing.T, args ...string) {
	t.Helper()
	if err := rootCmd.PersistentFlags().Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	home := testEnv(t)

	cfg, err := loadConfig(rootCmd)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Store != "default" {
		t.Errorf("Store = %q, want default", cfg.Store)
	}
	if want := filepath.Join(home, "stores", "default", "tally.db"); cfg.LocalPath != want {
		t.Errorf("LocalPath = %q, want %q", cfg.LocalPath, want)
	}
	if !cfg.IsOffline() || !cfg.AutoSync || cfg.PageSize != tally.DefaultPageSize {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadConfig_Env(t *testing.T) {
	testEnv(t)
	t.Setenv("TALLY_STORE", "acme")
	t.Setenv("TALLY_API_URL", "https://api.example.com")
	t.Setenv("TALLY_API_TOKEN", "tok")
	t.Setenv("TALLY_PAGE_SIZE", "50")
	t.Setenv("TALLY_SYNC_INTERVAL", "1m")
	t.Setenv("TALLY_AUTO_SYNC", "false")
	t.Setenv("TALLY_LOG", "/tmp/tally.log")

	cfg, err := loadConfig(rootCmd)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Store != "acme" || cfg.APIURL != "https://api.example.com" || cfg.APIToken != "tok" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.PageSize != 50 || cfg.SyncInterval != time.Minute || cfg.AutoSync || cfg.LogPath != "/tmp/tally.log" {
		t.Errorf("cfg = %+v", cfg)
	}
	if activeToken != "tok" {
		t.Errorf("activeToken = %q, want tok", activeToken)
	}
}

func TestLoadConfig_FlagBeatsEnvBeatsFile(t *testing.T) {
	testEnv(t)
	file := filepath.Join(t.TempDir(), "tally.yaml")
	content := "store: from-file\napi-url: https://file.example.com\napi-token: file-token\npage-size: 10\n"
	if err := os.WriteFile(file, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TALLY_API_URL", "https://env.example.com")
	parse(t, "--config", file, "--store", "from-flag")

	cfg, err := loadConfig(rootCmd)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Store != "from-flag" {
		t.Errorf("Store = %q, want the flag value", cfg.Store)
	}
	if cfg.APIURL != "https://env.example.com" {
		t.Errorf("APIURL = %q, want the env value", cfg.APIURL)
	}
	if cfg.APIToken != "file-token" || cfg.PageSize != 10 {
		t.Errorf("file values not applied: %+v", cfg)
	}
}

func TestLoadConfig_DefaultConfigFile(t *testing.T) {
	home := testEnv(t)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("store: from-home\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(rootCmd)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Store != "from-home" {
		t.Errorf("Store = %q, want from-home", cfg.Store)
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	testEnv(t)
	parse(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := loadConfig(rootCmd); err == nil {
		t.Error("expected an error for a missing --config file")
	}
}

func TestLoadConfig_DBPathOverridesStore(t *testing.T) {
	testEnv(t)
	db := filepath.Join(t.TempDir(), "custom.db")
	parse(t, "--store", "acme", "--db-path", db)

	cfg, err := loadConfig(rootCmd)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.LocalPath != db || cfg.Store != "acme" {
		t.Errorf("cfg = %+v", cfg)
	}
}
