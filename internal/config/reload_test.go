package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, path, originURL string) {
	t.Helper()
	yaml := "origin:\n  base_url: " + originURL + "\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReloader_ReloadSwapsConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	writeConfig(t, path, "http://one:8000")

	initial, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	r := NewReloader(path, initial, slog.Default())

	var callbackCfg *Config
	r.OnReload(func(c *Config) { callbackCfg = c })

	writeConfig(t, path, "http://two:8000")
	if !r.Reload() {
		t.Fatal("expected reload to succeed")
	}

	if got := r.Current().Origin.BaseURL; got != "http://two:8000" {
		t.Errorf("current origin = %q, want http://two:8000", got)
	}
	if callbackCfg == nil || callbackCfg.Origin.BaseURL != "http://two:8000" {
		t.Error("expected reload callback to receive the new config")
	}
}

func TestReloader_InvalidConfigKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	writeConfig(t, path, "http://one:8000")

	initial, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	r := NewReloader(path, initial, slog.Default())

	// Break the config on disk.
	if err := os.WriteFile(path, []byte("origin:\n  base_url: ''\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if r.Reload() {
		t.Fatal("expected reload to fail for invalid config")
	}
	if got := r.Current().Origin.BaseURL; got != "http://one:8000" {
		t.Errorf("current origin = %q, want the previous config retained", got)
	}
}
