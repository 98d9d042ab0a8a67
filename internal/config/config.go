package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // display zones resolve even without system zoneinfo

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "Asia/Kolkata"
	defaultRefreshCron = "*/15 * * * *"
	defaultHorizonDays = 90
	defaultTimeoutSecs = 15
	defaultCacheDir    = "/var/lib/eventcal/feed-cache"
	defaultLogLevel    = "info"
	defaultTitle       = "Upcoming Events"
)

// StrategyConfig describes one way of acquiring the feed, tried in order.
type StrategyConfig struct {
	// Kind is "direct", "wrapped" (JSON-wrapping proxy) or "prefix"
	// (pass-through proxy).
	Kind string `yaml:"kind" json:"kind"`
	// URL is the proxy endpoint or prefix; unused for "direct".
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the widget and API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the widget and API.
	Listen string `yaml:"listen" json:"listen"`

	// FeedURL is the public iCalendar feed to list.
	FeedURL string `yaml:"feed_url" json:"feed_url"`

	// Title is shown above the widget and used as the export calendar name.
	Title string `yaml:"title" json:"title"`

	// Strategies is the ordered acquisition fallback chain.
	Strategies []StrategyConfig `yaml:"strategies" json:"strategies"`

	// Timezone is the IANA zone used to display dates (e.g. "Asia/Kolkata").
	// Parsing itself always uses the process-local zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// HorizonDays is how many days ahead of today events are listed.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// RefreshCron is a standard 5-field cron schedule for feed refreshes.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// FetchTimeoutSeconds bounds each HTTP request made while acquiring.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`

	// CacheDir holds the conditional-request cache of the direct strategy.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// BasicAuth, if set, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

func defaultStrategies() []StrategyConfig {
	return []StrategyConfig{
		{Kind: "direct"},
		{Kind: "wrapped", URL: "https://api.allorigins.win/get"},
		{Kind: "prefix", URL: "https://cors-anywhere.herokuapp.com/"},
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:              defaultListen,
		Title:               defaultTitle,
		Strategies:          defaultStrategies(),
		Timezone:            defaultTimezone,
		HorizonDays:         defaultHorizonDays,
		RefreshCron:         defaultRefreshCron,
		FetchTimeoutSeconds: defaultTimeoutSecs,
		CacheDir:            defaultCacheDir,
		LogLevel:            defaultLogLevel,
	}
}

// Normalize fills in missing or invalid values so partially written
// configs still behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Title == "" {
		c.Title = defaultTitle
	}
	if len(c.Strategies) == 0 {
		c.Strategies = defaultStrategies()
	}
	for i := range c.Strategies {
		c.Strategies[i].Kind = strings.ToLower(strings.TrimSpace(c.Strategies[i].Kind))
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		c.RefreshCron = defaultRefreshCron
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = defaultTimeoutSecs
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		c.BasicAuth = nil
	}
}

// Validate reports problems Normalize cannot paper over.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.FeedURL) == "" {
		errs = append(errs, errors.New("feed_url is required"))
	}
	for i, s := range c.Strategies {
		switch s.Kind {
		case "direct":
		case "wrapped", "prefix":
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("strategies[%d]: %s strategy needs a url", i, s.Kind))
			}
		default:
			errs = append(errs, fmt.Errorf("strategies[%d]: unknown kind %q", i, s.Kind))
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	return errors.Join(errs...)
}

// FetchTimeout returns the per-request timeout as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// DisplayLocation resolves Timezone, falling back to time.Local.
func (c *Config) DisplayLocation() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written there with
//     0600 perms and returned.
//   - Otherwise the YAML is decoded and normalized.
//   - EVENTCAL_* environment variables override file values in both cases.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			saveErr := Save(path, cfg)
			applyEnv(cfg)
			cfg.Normalize()
			return cfg, saveErr
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	applyEnv(&cfg)
	cfg.Normalize()

	return &cfg, nil
}

// applyEnv overlays EVENTCAL_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("EVENTCAL")
	v.AutomaticEnv()

	_ = v.BindEnv("feed_url", "EVENTCAL_FEED_URL")
	_ = v.BindEnv("listen", "EVENTCAL_LISTEN")
	_ = v.BindEnv("timezone", "EVENTCAL_TIMEZONE")
	_ = v.BindEnv("horizon_days", "EVENTCAL_HORIZON_DAYS")
	_ = v.BindEnv("log_level", "EVENTCAL_LOG_LEVEL")
	_ = v.BindEnv("cache_dir", "EVENTCAL_CACHE_DIR")
	_ = v.BindEnv("refresh", "EVENTCAL_REFRESH")

	if v.IsSet("feed_url") {
		cfg.FeedURL = strings.TrimSpace(v.GetString("feed_url"))
	}
	if v.IsSet("listen") {
		cfg.Listen = strings.TrimSpace(v.GetString("listen"))
	}
	if v.IsSet("timezone") {
		cfg.Timezone = strings.TrimSpace(v.GetString("timezone"))
	}
	if v.IsSet("horizon_days") {
		cfg.HorizonDays = v.GetInt("horizon_days")
	}
	if v.IsSet("log_level") {
		cfg.LogLevel = strings.TrimSpace(v.GetString("log_level"))
	}
	if v.IsSet("cache_dir") {
		cfg.CacheDir = strings.TrimSpace(v.GetString("cache_dir"))
	}
	if v.IsSet("refresh") {
		cfg.RefreshCron = strings.TrimSpace(v.GetString("refresh"))
	}
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".eventcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
