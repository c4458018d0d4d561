package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTmp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	fp := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(fp, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return fp
}

func noEnv(string) string { return "" }

func TestLoad_DefaultsWithNoFileOrEnv(t *testing.T) {
	cfg, err := LoadEnv(rawConfig{}, noEnv)
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if cfg.Listen != defaultListen {
		t.Errorf("Listen: got %q, want %q", cfg.Listen, defaultListen)
	}
	if cfg.StoreDir != defaultStoreDir {
		t.Errorf("StoreDir: got %q, want %q", cfg.StoreDir, defaultStoreDir)
	}
	if cfg.DefaultPool != defaultDefaultPool {
		t.Errorf("DefaultPool: got %q, want %q", cfg.DefaultPool, defaultDefaultPool)
	}
	if cfg.PollInterval != defaultPollInterval {
		t.Errorf("PollInterval: got %v, want %v", cfg.PollInterval, defaultPollInterval)
	}
	if cfg.UpstreamTimeout != defaultUpstreamTimeout {
		t.Errorf("UpstreamTimeout: got %v, want %v", cfg.UpstreamTimeout, defaultUpstreamTimeout)
	}
	if !cfg.ServerEnabled {
		t.Error("ServerEnabled should default to true")
	}
	if cfg.ReleaseCookie != "" {
		t.Error("ReleaseCookie should default to empty (standalone mode)")
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	yml := `
base_domain: Example.COM
default_pool: web
store_dir: /var/lib/edge
poll_interval: 10s
upstream_timeout: 30s
`
	fp := writeTmp(t, yml)
	cfg, err := Load(fp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseDomain != "example.com" {
		t.Errorf("BaseDomain: got %q, want lowercased %q", cfg.BaseDomain, "example.com")
	}
	if cfg.DefaultPool != "web" {
		t.Errorf("DefaultPool: got %q, want %q", cfg.DefaultPool, "web")
	}
	if cfg.StoreDir != "/var/lib/edge" {
		t.Errorf("StoreDir: got %q, want %q", cfg.StoreDir, "/var/lib/edge")
	}
	if cfg.PollInterval != 10*time.Second {
		t.Errorf("PollInterval: got %v, want 10s", cfg.PollInterval)
	}
	if cfg.UpstreamTimeout != 30*time.Second {
		t.Errorf("UpstreamTimeout: got %v, want 30s", cfg.UpstreamTimeout)
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != defaultListen {
		t.Errorf("Listen: got %q, want default %q", cfg.Listen, defaultListen)
	}
}

func TestLoadEnv_EnvOverridesFile(t *testing.T) {
	rc := rawConfig{Listen: ":9090", StoreDir: "/from/file"}
	env := map[string]string{
		"PORT":      "7070",
		"STORE_DIR": "/from/env",
	}
	cfg, err := LoadEnv(rc, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if cfg.Listen != ":7070" {
		t.Errorf("Listen: got %q, want %q (env PORT should win)", cfg.Listen, ":7070")
	}
	if cfg.StoreDir != "/from/env" {
		t.Errorf("StoreDir: got %q, want %q (env STORE_DIR should win)", cfg.StoreDir, "/from/env")
	}
}

func TestLoadEnv_BarePortGetsColonPrefix(t *testing.T) {
	env := map[string]string{"PORT": "3000"}
	cfg, err := LoadEnv(rawConfig{}, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if cfg.Listen != ":3000" {
		t.Errorf("Listen: got %q, want %q", cfg.Listen, ":3000")
	}
}

func TestLoadEnv_FlyAppNameBecomesInternalDNSQuery(t *testing.T) {
	env := map[string]string{"FLY_APP_NAME": "singularity-edge"}
	cfg, err := LoadEnv(rawConfig{}, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if cfg.DNSQuery != "singularity-edge.internal" {
		t.Errorf("DNSQuery: got %q, want %q", cfg.DNSQuery, "singularity-edge.internal")
	}
}

func TestLoadEnv_ReleaseCookieAndSecretKeyBasePassThrough(t *testing.T) {
	env := map[string]string{
		"RELEASE_COOKIE":  "peer-secret",
		"SECRET_KEY_BASE": "admin-secret",
		"PHX_SERVER":      "false",
	}
	cfg, err := LoadEnv(rawConfig{}, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if cfg.ReleaseCookie != "peer-secret" {
		t.Errorf("ReleaseCookie: got %q, want %q", cfg.ReleaseCookie, "peer-secret")
	}
	if cfg.SecretKeyBase != "admin-secret" {
		t.Errorf("SecretKeyBase: got %q, want %q", cfg.SecretKeyBase, "admin-secret")
	}
	if cfg.ServerEnabled {
		t.Error("ServerEnabled should be false when PHX_SERVER=false")
	}
}

func TestLoadEnv_InvalidPollIntervalErrors(t *testing.T) {
	rc := rawConfig{PollInterval: "not-a-duration"}
	if _, err := LoadEnv(rc, noEnv); err == nil {
		t.Fatal("want error for invalid poll_interval")
	}
}
