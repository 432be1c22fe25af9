// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Environment variables that override credentials from the YAML file.
const (
	EnvAPIKey    = "FOLIO_API_KEY"
	EnvAPISecret = "FOLIO_API_SECRET"
)

// Default request weight budget, sized to the venue's 6000 weight per minute.
const (
	defaultWeightPerSecond = 100
	defaultWeightBurst     = 300
)

// EndpointsConfig lists ordered candidate base addresses per call category.
type EndpointsConfig struct {
	Public      []string `yaml:"public"`
	Account     []string `yaml:"account"`
	Derivatives []string `yaml:"derivatives"`
}

// VenueConfig configures the signed request transport.
type VenueConfig struct {
	Name              string          `yaml:"name"`
	APIKey            string          `yaml:"apiKey"`
	APISecret         string          `yaml:"apiSecret"`
	Endpoints         EndpointsConfig `yaml:"endpoints"`
	RecvWindow        time.Duration   `yaml:"recvWindow"`
	RequestTimeout    time.Duration   `yaml:"requestTimeout"`
	RequestsPerSecond float64         `yaml:"requestsPerSecond"`
	Burst             int             `yaml:"burst"`
}

// CacheConfig sizes the three cache tiers.
type CacheConfig struct {
	Capacity int           `yaml:"capacity"`
	HotTTL   time.Duration `yaml:"hotTTL"`
	WarmTTL  time.Duration `yaml:"warmTTL"`
	ColdTTL  time.Duration `yaml:"coldTTL"`
}

// AggregatorConfig controls bulk price lookups.
type AggregatorConfig struct {
	QuoteAsset          string        `yaml:"quoteAsset"`
	StableAssets        []string      `yaml:"stableAssets"`
	TrackedAssets       []string      `yaml:"trackedAssets"`
	MinBalance          string        `yaml:"minBalance"`
	BulkLimit           int           `yaml:"bulkLimit"`
	FallbackLimit       int           `yaml:"fallbackLimit"`
	FallbackParallelism int           `yaml:"fallbackParallelism"`
	FlushInterval       time.Duration `yaml:"flushInterval"`
}

// RefreshConfig controls the refresh scheduler and auto-refresh loop.
type RefreshConfig struct {
	Interval       time.Duration `yaml:"interval"`
	FullInterval   time.Duration `yaml:"fullInterval"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	HistoryLimit   int           `yaml:"historyLimit"`
	HistorySymbols []string      `yaml:"historySymbols"`
}

// MutationConfig controls the order-action guard and backup window.
type MutationConfig struct {
	Cooldown     time.Duration `yaml:"cooldown"`
	BackupWindow time.Duration `yaml:"backupWindow"`
}

// StreamConfig enables the optional websocket price feed.
type StreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	FilePath   string `yaml:"filePath"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// AppConfig is the unified folio configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Venue       VenueConfig      `yaml:"venue"`
	Cache       CacheConfig      `yaml:"cache"`
	Aggregator  AggregatorConfig `yaml:"aggregator"`
	Refresh     RefreshConfig    `yaml:"refresh"`
	Mutation    MutationConfig   `yaml:"mutation"`
	Stream      StreamConfig     `yaml:"stream"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Logging     LoggingConfig    `yaml:"logging"`
	APIServer   APIServerConfig  `yaml:"apiServer"`
}

// Default returns a configuration targeting the public Binance endpoints.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finalise(cfg)
}

// LoadOrDefault loads configPath, falling back to Default when the file does not exist.
// The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return AppConfig{}, false, err
	}
	cfg, err = finalise(AppConfig{Environment: EnvDev})
	return cfg, false, err
}

func finalise(cfg AppConfig) (AppConfig, error) {
	cfg.applyEnv()
	cfg.normalise()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	if key := strings.TrimSpace(os.Getenv(EnvAPIKey)); key != "" {
		c.Venue.APIKey = key
	}
	if secret := strings.TrimSpace(os.Getenv(EnvAPISecret)); secret != "" {
		c.Venue.APISecret = secret
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Venue.Name = strings.ToLower(strings.TrimSpace(c.Venue.Name))
	c.Venue.APIKey = strings.TrimSpace(c.Venue.APIKey)
	c.Venue.APISecret = strings.TrimSpace(c.Venue.APISecret)
	c.Venue.Endpoints.Public = normaliseEndpoints(c.Venue.Endpoints.Public)
	c.Venue.Endpoints.Account = normaliseEndpoints(c.Venue.Endpoints.Account)
	c.Venue.Endpoints.Derivatives = normaliseEndpoints(c.Venue.Endpoints.Derivatives)
	c.Aggregator.QuoteAsset = strings.ToUpper(strings.TrimSpace(c.Aggregator.QuoteAsset))
	c.Aggregator.StableAssets = normaliseAssets(c.Aggregator.StableAssets)
	c.Aggregator.TrackedAssets = normaliseAssets(c.Aggregator.TrackedAssets)
	c.Refresh.HistorySymbols = normaliseAssets(c.Refresh.HistorySymbols)
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.FilePath = strings.TrimSpace(c.Logging.FilePath)
	c.Stream.URL = strings.TrimSpace(c.Stream.URL)
}

func (c *AppConfig) applyDefaults() {
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	v := &c.Venue
	if v.Name == "" {
		v.Name = "binance"
	}
	if len(v.Endpoints.Public) == 0 {
		v.Endpoints.Public = []string{"https://api.binance.com", "https://api1.binance.com", "https://api2.binance.com", "https://api3.binance.com"}
	}
	if len(v.Endpoints.Account) == 0 {
		v.Endpoints.Account = append([]string(nil), v.Endpoints.Public...)
	}
	if len(v.Endpoints.Derivatives) == 0 {
		v.Endpoints.Derivatives = []string{"https://fapi.binance.com"}
	}
	if v.RecvWindow <= 0 {
		v.RecvWindow = 5 * time.Second
	}
	if v.RequestTimeout <= 0 {
		v.RequestTimeout = 15 * time.Second
	}
	if v.RequestsPerSecond <= 0 {
		v.RequestsPerSecond = defaultWeightPerSecond
	}
	if v.Burst <= 0 {
		v.Burst = defaultWeightBurst
	}

	if c.Cache.Capacity <= 0 {
		c.Cache.Capacity = 100
	}
	if c.Cache.HotTTL <= 0 {
		c.Cache.HotTTL = 15 * time.Second
	}
	if c.Cache.WarmTTL <= 0 {
		c.Cache.WarmTTL = 60 * time.Second
	}
	if c.Cache.ColdTTL <= 0 {
		c.Cache.ColdTTL = 5 * time.Minute
	}

	a := &c.Aggregator
	if a.QuoteAsset == "" {
		a.QuoteAsset = "USDT"
	}
	if len(a.StableAssets) == 0 {
		a.StableAssets = []string{"USDT", "USDC", "BUSD", "FDUSD", "DAI", "TUSD"}
	}
	if len(a.TrackedAssets) == 0 {
		a.TrackedAssets = []string{"BTC", "ETH", "BNB", "SOL"}
	}
	if strings.TrimSpace(a.MinBalance) == "" {
		a.MinBalance = "0.00000001"
	}
	if a.BulkLimit <= 0 {
		a.BulkLimit = 20
	}
	if a.FallbackLimit <= 0 {
		a.FallbackLimit = 10
	}
	if a.FallbackParallelism <= 0 {
		a.FallbackParallelism = 3
	}
	if a.FlushInterval <= 0 {
		a.FlushInterval = 2 * time.Second
	}

	if c.Refresh.Interval <= 0 {
		c.Refresh.Interval = 15 * time.Second
	}
	if c.Refresh.FullInterval <= 0 {
		c.Refresh.FullInterval = 5 * time.Minute
	}
	if c.Refresh.MaxBackoff <= 0 {
		c.Refresh.MaxBackoff = 2 * time.Minute
	}
	if c.Refresh.HistoryLimit <= 0 {
		c.Refresh.HistoryLimit = 50
	}

	if c.Mutation.Cooldown <= 0 {
		c.Mutation.Cooldown = 3 * time.Second
	}
	if c.Mutation.BackupWindow <= 0 {
		c.Mutation.BackupWindow = 10 * time.Minute
	}

	if c.Stream.URL == "" {
		c.Stream.URL = "wss://stream.binance.com:9443/ws/!miniTicker@arr"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "folio"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8088"
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if (c.Venue.APIKey == "") != (c.Venue.APISecret == "") {
		return fmt.Errorf("venue apiKey and apiSecret must be set together")
	}
	if len(c.Venue.Endpoints.Public) == 0 || len(c.Venue.Endpoints.Account) == 0 || len(c.Venue.Endpoints.Derivatives) == 0 {
		return fmt.Errorf("venue endpoints require at least one candidate per category")
	}
	for _, list := range [][]string{c.Venue.Endpoints.Public, c.Venue.Endpoints.Account, c.Venue.Endpoints.Derivatives} {
		for _, base := range list {
			if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
				return fmt.Errorf("venue endpoint %q must be an http(s) URL", base)
			}
		}
	}
	if c.Venue.RecvWindow > time.Minute {
		return fmt.Errorf("venue recvWindow must be <= 60s")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache capacity must be >0")
	}
	if !(c.Cache.HotTTL <= c.Cache.WarmTTL && c.Cache.WarmTTL <= c.Cache.ColdTTL) {
		return fmt.Errorf("cache TTLs must satisfy hot <= warm <= cold")
	}
	if _, err := decimal.NewFromString(c.Aggregator.MinBalance); err != nil {
		return fmt.Errorf("aggregator minBalance: %w", err)
	}
	if c.Aggregator.FallbackLimit > c.Aggregator.BulkLimit {
		return fmt.Errorf("aggregator fallbackLimit must be <= bulkLimit")
	}
	if c.Refresh.FullInterval < c.Refresh.Interval {
		return fmt.Errorf("refresh fullInterval must be >= interval")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	return nil
}

// HasCredentials reports whether signed calls can be issued.
func (c AppConfig) HasCredentials() bool {
	return c.Venue.APIKey != "" && c.Venue.APISecret != ""
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))
	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}

func normaliseEndpoints(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, raw := range in {
		trimmed := strings.TrimSuffix(strings.TrimSpace(raw), "/")
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func normaliseAssets(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, raw := range in {
		asset := strings.ToUpper(strings.TrimSpace(raw))
		if asset == "" {
			continue
		}
		if _, ok := seen[asset]; ok {
			continue
		}
		seen[asset] = struct{}{}
		out = append(out, asset)
	}
	return out
}
