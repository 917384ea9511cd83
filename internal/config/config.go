package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the workspace config file.
const FileName = "fitgpt.yml"

// Config models fitgpt.yml.
type Config struct {
	Timezone  string          `yaml:"timezone"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Cache     CacheConfig     `yaml:"cache"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Server    ServerConfig    `yaml:"server"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

type TrackerConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	RedirectURI    string `yaml:"redirect_uri"`
	Scope          string `yaml:"scope"`
	APIBaseURL     string `yaml:"api_base_url"`
	AuthorizeURL   string `yaml:"authorize_url"`
	TokenURL       string `yaml:"token_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type CacheConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
	MaxEntries int `yaml:"max_entries"`
}

// ReconcileConfig exposes the matching thresholds.
type ReconcileConfig struct {
	WindowMinutes   int     `yaml:"window_minutes"`
	LabelInName     float64 `yaml:"label_in_name"`
	NameInLabel     float64 `yaml:"name_in_label"`
	DurationClose   float64 `yaml:"duration_close"`
	DurationNear    float64 `yaml:"duration_near"`
	CloseTolerance  float64 `yaml:"close_tolerance"`
	NearTolerance   float64 `yaml:"near_tolerance"`
	MergeThreshold  float64 `yaml:"merge_threshold"`
	SingleThreshold float64 `yaml:"single_threshold"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	BasePath    string   `yaml:"base_path"`
	APIKey      string   `yaml:"api_key"`
	JWTSecret   string   `yaml:"jwt_secret"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Timezone: "Europe/Stockholm",
		Tracker: TrackerConfig{
			RedirectURI:    "http://localhost:8000/callback",
			Scope:          "activity heartrate sleep nutrition weight profile settings",
			APIBaseURL:     "https://api.fitbit.com",
			AuthorizeURL:   "https://www.fitbit.com/oauth2/authorize",
			TokenURL:       "https://api.fitbit.com/oauth2/token",
			TimeoutSeconds: 15,
		},
		Cache: CacheConfig{TTLSeconds: 60, MaxEntries: 64},
		Reconcile: ReconcileConfig{
			WindowMinutes:   30,
			LabelInName:     0.6,
			NameInLabel:     0.4,
			DurationClose:   0.4,
			DurationNear:    0.2,
			CloseTolerance:  0.05,
			NearTolerance:   0.15,
			MergeThreshold:  0.8,
			SingleThreshold: 0.6,
		},
		Server: ServerConfig{Addr: "127.0.0.1:8000", CORSOrigins: []string{"https://chat.openai.com"}},
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Timezone) == "" {
		return fmt.Errorf("config.timezone is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config.timezone %q invalid: %w", c.Timezone, err)
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("config.cache.ttl_seconds must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("config.cache.max_entries must be positive")
	}
	if c.Reconcile.WindowMinutes <= 0 {
		return fmt.Errorf("config.reconcile.window_minutes must be positive")
	}
	for name, v := range map[string]float64{
		"merge_threshold":  c.Reconcile.MergeThreshold,
		"single_threshold": c.Reconcile.SingleThreshold,
		"close_tolerance":  c.Reconcile.CloseTolerance,
		"near_tolerance":   c.Reconcile.NearTolerance,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("config.reconcile.%s must be in (0, 1]", name)
		}
	}
	if c.Reconcile.CloseTolerance > c.Reconcile.NearTolerance {
		return fmt.Errorf("config.reconcile.close_tolerance must not exceed near_tolerance")
	}
	if c.Tracker.APIBaseURL == "" || c.Tracker.TokenURL == "" || c.Tracker.AuthorizeURL == "" {
		return fmt.Errorf("config.tracker urls are required")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Location returns the configured timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// CacheTTL returns the summary cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// Window returns the time-anchored merge window.
func (c *Config) Window() time.Duration {
	return time.Duration(c.Reconcile.WindowMinutes) * time.Minute
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
