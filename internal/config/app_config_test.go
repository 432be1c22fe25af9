package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if loaded {
		t.Fatalf("expected defaults, not a loaded file")
	}
	if cfg.Cache.HotTTL != 15*time.Second || cfg.Cache.WarmTTL != time.Minute || cfg.Cache.ColdTTL != 5*time.Minute {
		t.Fatalf("unexpected default TTLs: %+v", cfg.Cache)
	}
	if cfg.Mutation.Cooldown != 3*time.Second || cfg.Mutation.BackupWindow != 10*time.Minute {
		t.Fatalf("unexpected mutation defaults: %+v", cfg.Mutation)
	}
	if cfg.Venue.RequestTimeout != 15*time.Second {
		t.Fatalf("unexpected request timeout %s", cfg.Venue.RequestTimeout)
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: STAGING
venue:
  apiKey: key
  apiSecret: secret
  endpoints:
    public: ["https://a.example/", "https://a.example", " https://b.example "]
    derivatives: ["https://f.example"]
  recvWindow: 10s
cache:
  capacity: 50
  hotTTL: 5s
aggregator:
  trackedAssets: [btc, eth, btc]
refresh:
  interval: 20s
apiServer:
  addr: ":9999"
`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("environment = %s", cfg.Environment)
	}
	if got := strings.Join(cfg.Venue.Endpoints.Public, ","); got != "https://a.example,https://b.example" {
		t.Fatalf("public endpoints not normalised: %s", got)
	}
	if got := strings.Join(cfg.Venue.Endpoints.Account, ","); got != "https://a.example,https://b.example" {
		t.Fatalf("account endpoints should default to public: %s", got)
	}
	if cfg.Venue.RecvWindow != 10*time.Second {
		t.Fatalf("recvWindow = %s", cfg.Venue.RecvWindow)
	}
	if cfg.Cache.Capacity != 50 || cfg.Cache.HotTTL != 5*time.Second || cfg.Cache.WarmTTL != time.Minute {
		t.Fatalf("unexpected cache config: %+v", cfg.Cache)
	}
	if got := strings.Join(cfg.Aggregator.TrackedAssets, ","); got != "BTC,ETH" {
		t.Fatalf("tracked assets = %s", got)
	}
	if !cfg.HasCredentials() {
		t.Fatalf("expected credentials")
	}
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvAPISecret, "env-secret")
	path := writeConfig(t, "environment: dev\n")
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Venue.APIKey != "env-key" || cfg.Venue.APISecret != "env-secret" {
		t.Fatalf("env credentials not applied: %+v", cfg.Venue)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"environment":   "environment: qa\n",
		"half creds":    "environment: dev\nvenue:\n  apiKey: only\n",
		"endpoint":      "environment: dev\nvenue:\n  endpoints:\n    public: [\"ftp://x\"]\n",
		"ttl order":     "environment: dev\ncache:\n  hotTTL: 2m\n",
		"min balance":   "environment: dev\naggregator:\n  minBalance: abc\n",
		"fallback":      "environment: dev\naggregator:\n  bulkLimit: 5\n  fallbackLimit: 6\n",
		"recv window":   "environment: dev\nvenue:\n  recvWindow: 2m\n",
		"full interval": "environment: dev\nrefresh:\n  interval: 10m\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(context.Background(), writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
