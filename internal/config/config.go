// Package config loads the relay configuration from YAML or TOML and applies
// environment overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"lifeline/internal/content"
)

const (
	DefaultPort          = 8080
	DefaultDataDir       = "/var/lib/lifeline"
	DefaultCacheVersion  = "v1"
	DefaultRAMMax        = "64MiB"
	DefaultDiskMax       = "1GiB"
	DefaultProbeTimeout  = 5 * time.Second
	DefaultProbeEvery    = "@every 1m"
	DefaultSyncEvery     = "@every 5m"
	DefaultPrecacheEvery = "@every 6h"

	// DefaultSyncPath is the confirmation endpoint on the origin used when
	// sync.endpoint is not set.
	DefaultSyncPath = "/wp-json/lifetravel/v1/sync"

	// ScheduleOff disables a periodic job, or the interactive budget.
	ScheduleOff = "off"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" toml:"port"`
		Origin string `yaml:"origin" toml:"origin"`

		// AdminToken opens the admin API to remote callers. Without it the
		// admin API answers loopback callers only.
		AdminToken string `yaml:"adminToken" toml:"adminToken"`
	} `yaml:"server" toml:"server"`

	Storage struct {
		Dir string `yaml:"dir" toml:"dir"`
		RAM struct {
			Max string `yaml:"max" toml:"max"`
		} `yaml:"ram" toml:"ram"`
		Disk struct {
			Max string `yaml:"max" toml:"max"`
		} `yaml:"disk" toml:"disk"`
		// PendingBudget bounds the last-resort pending-action file.
		PendingBudget string `yaml:"pendingBudget" toml:"pendingBudget"`

		RAMBytes     int64 `yaml:"-" toml:"-"`
		DiskBytes    int64 `yaml:"-" toml:"-"`
		PendingBytes int64 `yaml:"-" toml:"-"`
	} `yaml:"storage" toml:"storage"`

	Cache struct {
		Version           string            `yaml:"version" toml:"version"`
		CoreAssets        []string          `yaml:"coreAssets" toml:"coreAssets"`
		OfflinePath       string            `yaml:"offlinePath" toml:"offlinePath"`
		PlaceholderPath   string            `yaml:"placeholderPath" toml:"placeholderPath"`
		Caps              map[string]string `yaml:"caps" toml:"caps"`
		ConstrainedMemory string            `yaml:"constrainedMemory" toml:"constrainedMemory"`

		CapBytes               map[content.Class]int64 `yaml:"-" toml:"-"`
		ConstrainedMemoryBytes int64                   `yaml:"-" toml:"-"`
	} `yaml:"cache" toml:"cache"`

	Probe struct {
		Endpoints []string `yaml:"endpoints" toml:"endpoints"`
		Timeout   string   `yaml:"timeout" toml:"timeout"`
		Every     string   `yaml:"every" toml:"every"`

		TimeoutDur time.Duration `yaml:"-" toml:"-"`
	} `yaml:"probe" toml:"probe"`

	Policy struct {
		TimeoutGrowth float64 `yaml:"timeoutGrowth" toml:"timeoutGrowth"`
		MaxTimeout    string  `yaml:"maxTimeout" toml:"maxTimeout"`
		HighRetries   *int    `yaml:"highRetries" toml:"highRetries"`

		// InteractiveBudget caps the wait of a client on the origin; "off"
		// removes the cap.
		InteractiveBudget string `yaml:"interactiveBudget" toml:"interactiveBudget"`

		MaxTimeoutDur        time.Duration `yaml:"-" toml:"-"`
		InteractiveBudgetDur time.Duration `yaml:"-" toml:"-"`
	} `yaml:"policy" toml:"policy"`

	Sync struct {
		Endpoint    string `yaml:"endpoint" toml:"endpoint"`
		Token       string `yaml:"token" toml:"token"`
		TokenSecret string `yaml:"tokenSecret" toml:"tokenSecret"`
		TokenTTL    string `yaml:"tokenTTL" toml:"tokenTTL"`
		Every       string `yaml:"every" toml:"every"`
		Concurrency int    `yaml:"concurrency" toml:"concurrency"`
		MaxAttempts int    `yaml:"maxAttempts" toml:"maxAttempts"`

		TokenTTLDur time.Duration `yaml:"-" toml:"-"`
	} `yaml:"sync" toml:"sync"`

	Precache struct {
		Sitemaps []string `yaml:"sitemaps" toml:"sitemaps"`
		Every    string   `yaml:"every" toml:"every"`
		Batch    int      `yaml:"batch" toml:"batch"`
	} `yaml:"precache" toml:"precache"`

	Logging struct {
		Level      string `yaml:"level" toml:"level"`
		Format     string `yaml:"format" toml:"format"`
		StatsEvery string `yaml:"statsEvery" toml:"statsEvery"`

		StatsEveryDur time.Duration `yaml:"-" toml:"-"`
	} `yaml:"logging" toml:"logging"`

	Rules []Rule `yaml:"rules" toml:"rules"`
}

// envOverrides are applied over the file values when set.
type envOverrides struct {
	Origin       string `env:"LIFELINE_ORIGIN"`
	Port         int    `env:"LIFELINE_PORT"`
	DataDir      string `env:"LIFELINE_DATA_DIR"`
	SyncEndpoint string `env:"LIFELINE_SYNC_ENDPOINT"`
	SyncToken    string `env:"LIFELINE_SYNC_TOKEN"`
	TokenSecret  string `env:"LIFELINE_SYNC_TOKEN_SECRET"`
	LogLevel     string `env:"LIFELINE_LOG_LEVEL"`
	AdminToken   string `env:"LIFELINE_ADMIN_TOKEN"`
}

// LoadConfig reads path (YAML, or TOML when the extension is .toml), applies
// environment overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(b, &cfg)
	} else {
		err = yaml.Unmarshal(b, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if ov.Origin != "" {
		cfg.Server.Origin = ov.Origin
	}
	if ov.Port != 0 {
		cfg.Server.Port = ov.Port
	}
	if ov.DataDir != "" {
		cfg.Storage.Dir = ov.DataDir
	}
	if ov.SyncEndpoint != "" {
		cfg.Sync.Endpoint = ov.SyncEndpoint
	}
	if ov.SyncToken != "" {
		cfg.Sync.Token = ov.SyncToken
	}
	if ov.TokenSecret != "" {
		cfg.Sync.TokenSecret = ov.TokenSecret
	}
	if ov.LogLevel != "" {
		cfg.Logging.Level = ov.LogLevel
	}
	if ov.AdminToken != "" {
		cfg.Server.AdminToken = ov.AdminToken
	}
	return nil
}

// finish fills defaults and compiles sizes, durations and rules.
func (cfg *Config) finish() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if u, err := url.Parse(cfg.Server.Origin); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("server.origin: %q is not an http(s) URL", cfg.Server.Origin)
	}

	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = DefaultDataDir
	}
	var err error
	if cfg.Storage.RAMBytes, err = parseSize(cfg.Storage.RAM.Max, DefaultRAMMax); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.Storage.DiskBytes, err = parseSize(cfg.Storage.Disk.Max, DefaultDiskMax); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}
	if cfg.Storage.PendingBytes, err = parseSize(cfg.Storage.PendingBudget, "16KiB"); err != nil {
		return fmt.Errorf("storage.pendingBudget: %w", err)
	}

	if cfg.Cache.Version == "" {
		cfg.Cache.Version = DefaultCacheVersion
	}
	if len(cfg.Cache.CoreAssets) == 0 {
		cfg.Cache.CoreAssets = []string{"/"}
	}
	cfg.Cache.CapBytes = make(map[content.Class]int64, len(cfg.Cache.Caps))
	for name, size := range cfg.Cache.Caps {
		c, ok := content.Parse(name)
		if !ok {
			return fmt.Errorf("cache.caps: unknown content class %q", name)
		}
		n, err := parseSize(size, "")
		if err != nil {
			return fmt.Errorf("cache.caps.%s: %w", name, err)
		}
		cfg.Cache.CapBytes[c] = n
	}
	if cfg.Cache.ConstrainedMemory != "" {
		if cfg.Cache.ConstrainedMemoryBytes, err = parseSize(cfg.Cache.ConstrainedMemory, ""); err != nil {
			return fmt.Errorf("cache.constrainedMemory: %w", err)
		}
	}

	if cfg.Probe.TimeoutDur, err = parseDuration(cfg.Probe.Timeout, DefaultProbeTimeout); err != nil {
		return fmt.Errorf("probe.timeout: %w", err)
	}
	if cfg.Probe.Every == "" {
		cfg.Probe.Every = DefaultProbeEvery
	}

	if cfg.Policy.TimeoutGrowth < 0 || (cfg.Policy.TimeoutGrowth > 0 && cfg.Policy.TimeoutGrowth < 1) {
		return fmt.Errorf("policy.timeoutGrowth must be >= 1")
	}
	if cfg.Policy.MaxTimeoutDur, err = parseDuration(cfg.Policy.MaxTimeout, 0); err != nil {
		return fmt.Errorf("policy.maxTimeout: %w", err)
	}
	if cfg.Policy.HighRetries != nil && *cfg.Policy.HighRetries < 0 {
		return fmt.Errorf("policy.highRetries must not be negative")
	}
	if cfg.Policy.InteractiveBudget != ScheduleOff {
		if cfg.Policy.InteractiveBudgetDur, err = parseDuration(cfg.Policy.InteractiveBudget, 0); err != nil {
			return fmt.Errorf("policy.interactiveBudget: %w", err)
		}
	}

	if cfg.Sync.TokenTTLDur, err = parseDuration(cfg.Sync.TokenTTL, 0); err != nil {
		return fmt.Errorf("sync.tokenTTL: %w", err)
	}
	if cfg.Sync.Endpoint == "" {
		cfg.Sync.Endpoint = cfg.Server.Origin + DefaultSyncPath
	}
	if cfg.Sync.Every == "" {
		cfg.Sync.Every = DefaultSyncEvery
	}
	if cfg.Sync.Concurrency < 0 || cfg.Sync.MaxAttempts < 0 {
		return fmt.Errorf("sync.concurrency and sync.maxAttempts must not be negative")
	}

	if cfg.Precache.Every == "" {
		cfg.Precache.Every = DefaultPrecacheEvery
	}
	for name, expr := range map[string]string{
		"probe.every":    cfg.Probe.Every,
		"sync.every":     cfg.Sync.Every,
		"precache.every": cfg.Precache.Every,
	} {
		if expr == ScheduleOff {
			continue
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("%s: invalid schedule: %w", name, err)
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "":
		cfg.Logging.Level = "info"
	case "debug", "info", "warn", "error":
		cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "":
		cfg.Logging.Format = "text"
	case "text", "json":
		cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	default:
		return fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format)
	}
	if cfg.Logging.StatsEveryDur, err = parseDuration(cfg.Logging.StatsEvery, 0); err != nil {
		return fmt.Errorf("logging.statsEvery: %w", err)
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
	}
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

func parseSize(s, def string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		s = def
	}
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return int64(n), nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration")
	}
	return d, nil
}
