// Package config is the bootstrap loader for cmd/edge: it answers "how
// does this process start" (listen addresses, the Store's on-disk root,
// cluster credentials) rather than describing pools and backends, which
// are dynamic and store-backed instead of static YAML. Loading follows the
// usual raw-YAML-struct-plus-gopkg.in/yaml.v3-plus-manual-defaulting shape;
// the schema itself is new.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// rawConfig is the optional YAML file's shape. listen, base_domain,
// store_dir and dns_query are overridden, when set, by PORT, PHX_HOST,
// STORE_DIR and FLY_APP_NAME; default_pool, poll_interval and
// upstream_timeout come from the file only.
type rawConfig struct {
	Listen          string `yaml:"listen"`
	BaseDomain      string `yaml:"base_domain"`
	DefaultPool     string `yaml:"default_pool"`
	StoreDir        string `yaml:"store_dir"`
	DNSQuery        string `yaml:"dns_query"`
	PollInterval    string `yaml:"poll_interval"`
	UpstreamTimeout string `yaml:"upstream_timeout"`
}

// Config is the fully resolved bootstrap configuration cmd/edge builds
// every other component from.
type Config struct {
	// Listen is the HTTP listener address (env PORT wins if set).
	Listen string
	// BaseDomain is the suffix RouteResolver strips to find a pool's
	// subdomain label (env PHX_HOST).
	BaseDomain string
	// DefaultPool is used when neither X-Pool nor a subdomain match.
	DefaultPool string
	// StoreDir is the on-disk root for the Store's LSM engine (env
	// STORE_DIR).
	StoreDir string
	// ReleaseCookie authenticates the internal replication endpoint (env
	// RELEASE_COOKIE). Empty means standalone, unclustered.
	ReleaseCookie string
	// DNSQuery is the name Cluster polls for peer A records (env
	// FLY_APP_NAME, conventionally queried as "<app>.internal").
	DNSQuery string
	// SecretKeyBase is an opaque secret carried through for the admin API
	// to use for its own request signing/auth (env SECRET_KEY_BASE); the
	// core never inspects its contents.
	SecretKeyBase string
	// ServerEnabled gates whether cmd/edge starts listeners at all (env
	// PHX_SERVER) — false lets the binary run as a one-shot admin/migration
	// tool without binding any port.
	ServerEnabled bool
	// PollInterval is how often Cluster polls DNS for peers.
	PollInterval time.Duration
	// UpstreamTimeout is the per-request deadline HTTPProxy applies to
	// every proxied request. TCPProxy does not use it, and there is no
	// per-pool override.
	UpstreamTimeout time.Duration
}

const (
	defaultListen          = ":8080"
	defaultStoreDir        = "./data"
	defaultDefaultPool     = "default"
	defaultPollInterval    = 5 * time.Second
	defaultUpstreamTimeout = 60 * time.Second
)

// Load reads the optional YAML file at path (skipped entirely if path is
// empty or the file does not exist) and then applies environment variable
// overrides on top, returning a fully defaulted Config.
func Load(path string) (*Config, error) {
	var rc rawConfig
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(b, &rc); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
	}
	return LoadEnv(rc, os.Getenv)
}

// LoadEnv merges rc with getenv-sourced overrides and applies defaults.
// Split out from Load so tests can supply a fake getenv without touching
// the real process environment.
func LoadEnv(rc rawConfig, getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Listen:        firstNonEmpty(envOrEmpty(getenv, "PORT"), rc.Listen, defaultListen),
		BaseDomain:    strings.ToLower(strings.TrimSpace(firstNonEmpty(envOrEmpty(getenv, "PHX_HOST"), rc.BaseDomain))),
		DefaultPool:   firstNonEmpty(rc.DefaultPool, defaultDefaultPool),
		StoreDir:      firstNonEmpty(envOrEmpty(getenv, "STORE_DIR"), rc.StoreDir, defaultStoreDir),
		ReleaseCookie: envOrEmpty(getenv, "RELEASE_COOKIE"),
		DNSQuery:      firstNonEmpty(envOrEmpty(getenv, "FLY_APP_NAME"), rc.DNSQuery),
		SecretKeyBase: envOrEmpty(getenv, "SECRET_KEY_BASE"),
		ServerEnabled: parseBoolDefault(envOrEmpty(getenv, "PHX_SERVER"), true),
	}

	if cfg.Listen != "" && cfg.Listen[0] != ':' && !strings.Contains(cfg.Listen, ":") {
		cfg.Listen = ":" + cfg.Listen // PORT is conventionally a bare number
	}
	if cfg.DNSQuery != "" && !strings.Contains(cfg.DNSQuery, ".") {
		cfg.DNSQuery = cfg.DNSQuery + ".internal" // Fly.io's internal-DNS convention
	}

	interval, err := parseDurationDefault(rc.PollInterval, defaultPollInterval)
	if err != nil {
		return nil, fmt.Errorf("poll_interval: %w", err)
	}
	cfg.PollInterval = interval

	upstream, err := parseDurationDefault(rc.UpstreamTimeout, defaultUpstreamTimeout)
	if err != nil {
		return nil, fmt.Errorf("upstream_timeout: %w", err)
	}
	cfg.UpstreamTimeout = upstream

	if cfg.StoreDir == "" {
		return nil, fmt.Errorf("store_dir (or STORE_DIR) is required")
	}
	if cfg.ReleaseCookie == "" {
		// Not an error: running standalone without cluster peers is a valid
		// mode; the warning is logged by internal/cluster at Start.
	}

	return cfg, nil
}

func envOrEmpty(getenv func(string) string, key string) string {
	if getenv == nil {
		return ""
	}
	return strings.TrimSpace(getenv(key))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func parseBoolDefault(s string, def bool) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
