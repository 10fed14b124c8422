package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// NOTE: The YAML file is the primary source. Environment variables (and a
// .env file loaded by the CLI) override individual keys so that secrets never
// have to be written to disk.

const (
	DefaultBaseURL    = "https://api.planningcenteronline.com/calendar/v2"
	DefaultAPIVersion = "2022-07-07"
	DefaultUserAgent  = "cmacal/1.0"
)

// CalendarConfig describes the upstream Planning Center Calendar API.
type CalendarConfig struct {
	BaseURL       string `yaml:"base_url" json:"base_url"`
	ApplicationID string `yaml:"application_id" json:"application_id"`
	Secret        string `yaml:"secret" json:"-"`

	// AuthScheme forces the credential scheme: "pat", "oauth" or "" (auto,
	// decided from the secret prefix).
	AuthScheme string `yaml:"auth_scheme" json:"auth_scheme"`

	APIVersion string `yaml:"api_version" json:"api_version"`
	UserAgent  string `yaml:"user_agent" json:"user_agent"`

	PerPage  int `yaml:"per_page" json:"per_page"`
	MaxPages int `yaml:"max_pages" json:"max_pages"`

	// PageDelay is the pause between non-terminal pages when fields are not narrowed.
	PageDelay time.Duration `yaml:"page_delay" json:"page_delay"`
	// RetryDelay is used after a 429 without a Retry-After header.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// MaxRetryDelay caps how long a Retry-After header may stall a request.
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`

	NarrowFields      bool `yaml:"narrow_fields" json:"narrow_fields"`
	FetchEventDetails bool `yaml:"fetch_event_details" json:"fetch_event_details"`
}

// CacheConfig holds the stale-while-revalidate thresholds.
type CacheConfig struct {
	Fresh time.Duration `yaml:"fresh" json:"fresh"`
	Stale time.Duration `yaml:"stale" json:"stale"`
}

// WindowConfig controls the default and maximum date ranges.
type WindowConfig struct {
	// Months is the number of calendar months in the default window,
	// starting with the current month.
	Months int `yaml:"months" json:"months"`
	// MaxDays is the widest accepted range, inclusive of both ends.
	MaxDays int `yaml:"max_days" json:"max_days"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used for default windows and "today".
	Timezone string `yaml:"timezone" json:"timezone"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	// RefreshCron is the cron schedule used to pre-warm the default window.
	// Empty disables warm-up.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	FeaturedLimit int    `yaml:"featured_limit" json:"featured_limit"`
	ICSName       string `yaml:"ics_name" json:"ics_name"`

	Calendar CalendarConfig `yaml:"calendar" json:"calendar"`
	Cache    CacheConfig    `yaml:"cache" json:"cache"`
	Window   WindowConfig   `yaml:"window" json:"window"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:        "127.0.0.1:8080",
		Timezone:      "America/New_York",
		LogLevel:      "info",
		LogFormat:     "text",
		RefreshCron:   "*/10 * * * *",
		FeaturedLimit: 6,
		ICSName:       "Events",
		Calendar: CalendarConfig{
			BaseURL:           DefaultBaseURL,
			APIVersion:        DefaultAPIVersion,
			UserAgent:         DefaultUserAgent,
			PerPage:           100,
			MaxPages:          100,
			PageDelay:         200 * time.Millisecond,
			RetryDelay:        2 * time.Second,
			MaxRetryDelay:     30 * time.Second,
			Timeout:           15 * time.Second,
			NarrowFields:      true,
			FetchEventDetails: true,
		},
		Cache: CacheConfig{
			Fresh: 5 * time.Minute,
			Stale: 60 * time.Minute,
		},
		Window: WindowConfig{
			Months:  3,
			MaxDays: 400,
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
		c.LogFormat = strings.ToLower(c.LogFormat)
	default:
		c.LogFormat = def.LogFormat
	}
	if c.FeaturedLimit <= 0 {
		c.FeaturedLimit = def.FeaturedLimit
	}
	if c.ICSName == "" {
		c.ICSName = def.ICSName
	}

	cal := &c.Calendar
	cal.BaseURL = strings.TrimRight(strings.TrimSpace(cal.BaseURL), "/")
	if cal.BaseURL == "" {
		cal.BaseURL = def.Calendar.BaseURL
	}
	switch strings.ToLower(strings.TrimSpace(cal.AuthScheme)) {
	case "pat", "oauth":
		cal.AuthScheme = strings.ToLower(strings.TrimSpace(cal.AuthScheme))
	default:
		// Unknown value; fall back to prefix detection.
		cal.AuthScheme = ""
	}
	if cal.APIVersion == "" {
		cal.APIVersion = def.Calendar.APIVersion
	}
	if cal.UserAgent == "" {
		cal.UserAgent = def.Calendar.UserAgent
	}
	if cal.PerPage <= 0 || cal.PerPage > 100 {
		cal.PerPage = def.Calendar.PerPage
	}
	if cal.MaxPages <= 0 {
		cal.MaxPages = def.Calendar.MaxPages
	}
	if cal.PageDelay < 0 {
		cal.PageDelay = 0
	}
	if cal.RetryDelay <= 0 {
		cal.RetryDelay = def.Calendar.RetryDelay
	}
	if cal.MaxRetryDelay <= 0 {
		cal.MaxRetryDelay = def.Calendar.MaxRetryDelay
	}
	if cal.MaxRetryDelay < cal.RetryDelay {
		cal.MaxRetryDelay = cal.RetryDelay
	}
	if cal.Timeout <= 0 {
		cal.Timeout = def.Calendar.Timeout
	}

	if c.Cache.Fresh <= 0 {
		c.Cache.Fresh = def.Cache.Fresh
	}
	if c.Cache.Stale <= c.Cache.Fresh {
		c.Cache.Stale = def.Cache.Stale
		if c.Cache.Stale <= c.Cache.Fresh {
			c.Cache.Stale = 12 * c.Cache.Fresh
		}
	}

	if c.Window.Months <= 0 {
		c.Window.Months = def.Window.Months
	}
	if c.Window.MaxDays <= 0 {
		c.Window.MaxDays = def.Window.MaxDays
	}
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path and applies environment
// overrides.
//
// Behavior:
//   - If the file does not exist:
//   - write a default config with 0600 perms
//   - continue with the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - Apply environment overrides, then normalize defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	cfg, err := readFile(path)
	if err != nil {
		return cfg, err
	}
	applyEnv(cfg)
	cfg.Normalize()

	return cfg, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays CMACAL_* environment variables. The Planning Center
// credentials also honor their conventional variable names.
func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("cmacal")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("calendar.application_id", "CMACAL_CALENDAR_APPLICATION_ID", "PLANNING_CENTER_APPLICATION_ID")
	_ = v.BindEnv("calendar.secret", "CMACAL_CALENDAR_SECRET", "PLANNING_CENTER_SECRET")

	setString := func(key string, dst *string) {
		if s := strings.TrimSpace(v.GetString(key)); s != "" {
			*dst = s
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v.IsSet(key) && strings.TrimSpace(v.GetString(key)) != "" {
			if d := v.GetDuration(key); d > 0 {
				*dst = d
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) && strings.TrimSpace(v.GetString(key)) != "" {
			*dst = v.GetInt(key)
		}
	}
	setBool := func(key string, dst *bool) {
		if v.IsSet(key) && strings.TrimSpace(v.GetString(key)) != "" {
			*dst = v.GetBool(key)
		}
	}

	setString("listen", &cfg.Listen)
	setString("timezone", &cfg.Timezone)
	setString("log_level", &cfg.LogLevel)
	setString("log_format", &cfg.LogFormat)
	setString("refresh", &cfg.RefreshCron)
	setInt("featured_limit", &cfg.FeaturedLimit)

	setString("calendar.base_url", &cfg.Calendar.BaseURL)
	setString("calendar.application_id", &cfg.Calendar.ApplicationID)
	setString("calendar.secret", &cfg.Calendar.Secret)
	setString("calendar.auth_scheme", &cfg.Calendar.AuthScheme)
	setString("calendar.api_version", &cfg.Calendar.APIVersion)
	setDuration("calendar.timeout", &cfg.Calendar.Timeout)
	setBool("calendar.narrow_fields", &cfg.Calendar.NarrowFields)
	setBool("calendar.fetch_event_details", &cfg.Calendar.FetchEventDetails)

	setDuration("cache.fresh", &cfg.Cache.Fresh)
	setDuration("cache.stale", &cfg.Cache.Stale)
	setInt("window.months", &cfg.Window.Months)
	setInt("window.max_days", &cfg.Window.MaxDays)

	user := strings.TrimSpace(v.GetString("basic_auth.username"))
	pass := strings.TrimSpace(v.GetString("basic_auth.password"))
	if user != "" && pass != "" {
		cfg.BasicAuth = &BasicAuthConfig{Username: user, Password: pass}
	}
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
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

	tmp, err := os.CreateTemp(dir, ".cmacal-config-*.tmp")
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

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
