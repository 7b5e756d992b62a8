// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names recognised by the loader. They override the YAML
// file so containerised deployments can run without one.
const (
	EnvToken            = "APIFY_TOKEN"
	EnvActorURL         = "APIFY_ACTOR_URL"
	EnvEndpoint         = "ENDPOINT"
	EnvUsers            = "USERS"
	EnvKeywords         = "KEYWORDS"
	EnvEnvironment      = "AVIARY_ENV"
	EnvDashboardEnabled = "DASHBOARD_ENABLED"
	EnvAlertsEnabled    = "ALERTS_ENABLED"
)

// Duration wraps time.Duration with YAML support for Go duration strings and
// bare integer seconds.
type Duration time.Duration

// UnmarshalYAML accepts "30s" style strings as well as plain integers, which
// are interpreted as seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if text == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.Atoi(text); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("duration: invalid value %q", node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// StdDuration converts the setting into a time.Duration.
func (d Duration) StdDuration() time.Duration { return time.Duration(d) }

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

// FanoutWorkerSetting encapsulates the fanout worker configuration allowing both numeric and symbolic values.
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{kind: fanoutWorkerUnset, value: 0}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		s.kind = fanoutWorkerUnset
		s.value = 0
		return nil
	}

	lower := strings.ToLower(text)
	switch lower {
	case "auto":
		s.kind = fanoutWorkerAuto
		s.value = 0
		return nil
	case "default":
		s.kind = fanoutWorkerDefault
		s.value = 0
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	s.kind = fanoutWorkerExplicit
	s.value = val
	return nil
}

func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	case fanoutWorkerDefault, fanoutWorkerUnset:
		return 4
	default:
		return 4
	}
}

// UpstreamConfig describes the remote SSE feed and its credentials.
type UpstreamConfig struct {
	BaseURL         string   `yaml:"baseUrl"`
	Token           string   `yaml:"token"`
	Channels        []string `yaml:"channels"`
	Users           []string `yaml:"users"`
	Keywords        []string `yaml:"keywords"`
	ConnectTimeout  Duration `yaml:"connectTimeout"`
	IdleReadTimeout Duration `yaml:"idleReadTimeout"`
}

func (c *UpstreamConfig) applyDefaults() {
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	c.Token = strings.TrimSpace(c.Token)
	if len(c.Channels) == 0 {
		c.Channels = []string{"all"}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = Duration(20 * time.Second)
	}
	if c.IdleReadTimeout <= 0 {
		c.IdleReadTimeout = Duration(60 * time.Second)
	}
}

// EventbusConfig sets in-memory event bus fanout characteristics.
type EventbusConfig struct {
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

// FanoutWorkerCount returns the resolved worker count for use by runtime components.
func (c EventbusConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

// DedupeConfig bounds the duplicate-suppression cache.
type DedupeConfig struct {
	MaxEntries int      `yaml:"maxEntries"`
	TTL        Duration `yaml:"ttl"`
}

func (c *DedupeConfig) applyDefaults() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10_000
	}
	if c.TTL <= 0 {
		c.TTL = Duration(24 * time.Hour)
	}
}

// EngineConfig tunes the stream engine.
type EngineConfig struct {
	RecentEvents          int `yaml:"recentEvents"`
	MaxRetriesPerEndpoint int `yaml:"maxRetriesPerEndpoint"`
}

func (c *EngineConfig) applyDefaults() {
	if c.RecentEvents <= 0 {
		c.RecentEvents = 100
	}
	if c.MaxRetriesPerEndpoint <= 0 {
		c.MaxRetriesPerEndpoint = 3
	}
}

// FetcherConfig controls the active-users refresh loop.
type FetcherConfig struct {
	Enabled         bool     `yaml:"enabled"`
	RefreshInterval Duration `yaml:"refreshInterval"`
	RequestTimeout  Duration `yaml:"requestTimeout"`
}

func (c *FetcherConfig) applyDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = Duration(60 * time.Second)
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = Duration(10 * time.Second)
	}
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// DashboardConfig toggles the dashboard WebSocket hub.
type DashboardConfig struct {
	Enabled    bool     `yaml:"enabled"`
	SendBuffer int      `yaml:"sendBuffer"`
	RPCTimeout Duration `yaml:"rpcTimeout"`
}

func (c *DashboardConfig) applyDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = Duration(10 * time.Second)
	}
}

// AlertsConfig controls alert sink dispatch.
type AlertsConfig struct {
	Enabled        bool     `yaml:"enabled"`
	RatePerSecond  float64  `yaml:"ratePerSecond"`
	Burst          int      `yaml:"burst"`
	QueueSize      int      `yaml:"queueSize"`
	DeadLetterSize int      `yaml:"deadLetterSize"`
	SendTimeout    Duration `yaml:"sendTimeout"`
}

func (c *AlertsConfig) applyDefaults() {
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 1
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DeadLetterSize <= 0 {
		c.DeadLetterSize = 128
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = Duration(10 * time.Second)
	}
}

// ConsoleConfig toggles the console renderer.
type ConsoleConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified Aviary application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Upstream    UpstreamConfig  `yaml:"upstream"`
	Eventbus    EventbusConfig  `yaml:"eventbus"`
	Dedupe      DedupeConfig    `yaml:"dedupe"`
	Engine      EngineConfig    `yaml:"engine"`
	Fetcher     FetcherConfig   `yaml:"fetcher"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Dashboard   DashboardConfig `yaml:"dashboard"`
	Alerts      AlertsConfig    `yaml:"alerts"`
	Console     ConsoleConfig   `yaml:"console"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// DefaultAppConfig returns the configuration used when no file is present.
// Environment overrides still apply on top of it.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Upstream:    UpstreamConfig{},
		Eventbus:    EventbusConfig{},
		Dedupe:      DedupeConfig{},
		Engine:      EngineConfig{},
		Fetcher:     FetcherConfig{Enabled: true},
		APIServer:   APIServerConfig{Addr: ":8880"},
		Dashboard:   DashboardConfig{Enabled: true},
		Alerts:      AlertsConfig{},
		Console:     ConsoleConfig{Enabled: true},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			ServiceName:   "aviary-engine",
			OTLPInsecure:  true,
			EnableMetrics: true,
		},
	}
	cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file, applying
// environment overrides on top of the decoded values.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides(os.Getenv)
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to defaults when the file
// does not exist. The second return reports whether a file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	candidate := filepath.Clean(strings.TrimSpace(configPath))
	if _, statErr := os.Stat(candidate); statErr != nil {
		if !os.IsNotExist(statErr) {
			return AppConfig{}, false, fmt.Errorf("stat app config: %w", statErr)
		}
		cfg := DefaultAppConfig()
		cfg.applyEnvOverrides(os.Getenv)
		cfg.normalise()
		if err := cfg.Validate(); err != nil {
			return AppConfig{}, false, err
		}
		return cfg, false, nil
	}

	cfg, err := Load(ctx, candidate)
	if err != nil {
		return AppConfig{}, true, err
	}
	return cfg, true, nil
}

func (c *AppConfig) applyEnvOverrides(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvToken)); v != "" {
		c.Upstream.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvActorURL)); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := strings.TrimSpace(getenv(EnvEndpoint)); v != "" {
		c.Upstream.Channels = splitList(v)
	}
	if v := strings.TrimSpace(getenv(EnvUsers)); v != "" {
		c.Upstream.Users = splitList(v)
	}
	if v := strings.TrimSpace(getenv(EnvKeywords)); v != "" {
		c.Upstream.Keywords = splitList(v)
	}
	if v := strings.TrimSpace(getenv(EnvEnvironment)); v != "" {
		c.Environment = Environment(v)
	}
	if v := strings.TrimSpace(getenv(EnvDashboardEnabled)); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			c.Dashboard.Enabled = parsed
		}
	}
	if v := strings.TrimSpace(getenv(EnvAlertsEnabled)); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			c.Alerts.Enabled = parsed
		}
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	c.Upstream.applyDefaults()
	c.Dedupe.applyDefaults()
	c.Engine.applyDefaults()
	c.Fetcher.applyDefaults()
	c.Dashboard.applyDefaults()
	c.Alerts.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		return fmt.Errorf("upstream baseUrl required (set %s or upstream.baseUrl)", EnvActorURL)
	}
	if strings.TrimSpace(c.Upstream.Token) == "" {
		return fmt.Errorf("upstream token required (set %s or upstream.token)", EnvToken)
	}
	if len(c.Upstream.Channels) == 0 {
		return fmt.Errorf("upstream channels required")
	}
	if c.Upstream.ConnectTimeout <= 0 {
		return fmt.Errorf("upstream connectTimeout must be > 0")
	}
	if c.Upstream.IdleReadTimeout <= 0 {
		return fmt.Errorf("upstream idleReadTimeout must be > 0")
	}

	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be > 0")
	}

	if c.Dedupe.MaxEntries <= 0 {
		return fmt.Errorf("dedupe maxEntries must be > 0")
	}
	if c.Dedupe.TTL <= 0 {
		return fmt.Errorf("dedupe ttl must be > 0")
	}

	if c.Engine.RecentEvents <= 0 {
		return fmt.Errorf("engine recentEvents must be > 0")
	}
	if c.Engine.MaxRetriesPerEndpoint <= 0 {
		return fmt.Errorf("engine maxRetriesPerEndpoint must be > 0")
	}

	if c.Fetcher.RefreshInterval <= 0 {
		return fmt.Errorf("fetcher refreshInterval must be > 0")
	}
	if c.Fetcher.RequestTimeout <= 0 {
		return fmt.Errorf("fetcher requestTimeout must be > 0")
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}

	if c.Alerts.Enabled {
		if c.Alerts.RatePerSecond <= 0 {
			return fmt.Errorf("alerts ratePerSecond must be > 0")
		}
		if c.Alerts.Burst <= 0 {
			return fmt.Errorf("alerts burst must be > 0")
		}
		if c.Alerts.QueueSize <= 0 {
			return fmt.Errorf("alerts queueSize must be > 0")
		}
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
