// Package config holds the verification target and runtime settings. Values
// come from built-in defaults, an optional YAML file and the environment, in
// that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dev/bravebird/render-verify/pkg/models"
)

// Defaults for a local game page check.
const (
	DefaultBaseURL       = "http://localhost:3000"
	DefaultPath          = "/game"
	DefaultStart         = "JPN"
	DefaultGoal          = "FRA"
	DefaultReadySelector = "svg.w-full.h-full"
	DefaultSettleDelay   = 2 * time.Second
	DefaultStableEvery   = 250 * time.Millisecond
	DefaultOutputPath    = "screenshot.png"
	DefaultScreenshotDir = "/tmp/screenshots"
)

// ErrInvalidTarget is returned when a target cannot be turned into a URL.
var ErrInvalidTarget = errors.New("invalid target")

var countryCode = regexp.MustCompile(`^[A-Z]{3}$`)

// Config is the top-level configuration.
type Config struct {
	Target   models.Target `yaml:"target"`
	Browser  BrowserConfig `yaml:"browser"`
	Timeouts Timeouts      `yaml:"timeouts"`

	ScreenshotDir string `yaml:"screenshot_dir"`
	MySQLDSN      string `yaml:"mysql_dsn"`
	TemporalHost  string `yaml:"temporal_host"`
	Port          string `yaml:"port"`
}

// BrowserConfig controls how Chromium is started.
type BrowserConfig struct {
	Bin       string `yaml:"bin"`
	Headless  bool   `yaml:"headless"`
	NoSandbox bool   `yaml:"no_sandbox"`
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`

	// Flags are extra Chromium switches without the leading dashes.
	Flags map[string]string `yaml:"flags"`
}

// Timeouts bound the blocking steps. Zero means the library default.
type Timeouts struct {
	Navigate time.Duration `yaml:"navigate"`
	Ready    time.Duration `yaml:"ready"`
	Capture  time.Duration `yaml:"capture"`
}

// Default returns the configuration used when nothing else is supplied.
func Default() *Config {
	return &Config{
		Target: models.Target{
			BaseURL:       DefaultBaseURL,
			Path:          DefaultPath,
			Start:         DefaultStart,
			Goal:          DefaultGoal,
			ReadySelector: DefaultReadySelector,
			Settle:        models.SettleDelay,
			SettleDelay:   DefaultSettleDelay,
			StableEvery:   DefaultStableEvery,
			OutputPath:    DefaultOutputPath,
		},
		Browser: BrowserConfig{
			Headless: true,
		},
		Timeouts: Timeouts{
			Navigate: 30 * time.Second,
			Ready:    30 * time.Second,
			Capture:  30 * time.Second,
		},
		ScreenshotDir: DefaultScreenshotDir,
		TemporalHost:  "localhost:7233",
		Port:          "8080",
	}
}

// LoadFile reads a YAML configuration file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Load resolves the configuration for a binary: the file at path when one is
// given, then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills fields a YAML file explicitly blanked.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Target.BaseURL == "" {
		c.Target.BaseURL = d.Target.BaseURL
	}
	if c.Target.Path == "" {
		c.Target.Path = d.Target.Path
	}
	if c.Target.ReadySelector == "" {
		c.Target.ReadySelector = d.Target.ReadySelector
	}
	if c.Target.Settle == "" {
		c.Target.Settle = models.SettleDelay
	}
	if c.Target.StableEvery <= 0 {
		c.Target.StableEvery = d.Target.StableEvery
	}
	if c.Target.OutputPath == "" {
		c.Target.OutputPath = d.Target.OutputPath
	}
	if c.ScreenshotDir == "" {
		c.ScreenshotDir = d.ScreenshotDir
	}
}

// ApplyEnv overrides fields from environment variables. lookup is normally
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("VERIFY_BASE_URL", &c.Target.BaseURL)
	str("VERIFY_PATH", &c.Target.Path)
	str("VERIFY_START", &c.Target.Start)
	str("VERIFY_GOAL", &c.Target.Goal)
	str("VERIFY_SELECTOR", &c.Target.ReadySelector)
	str("VERIFY_OUTPUT", &c.Target.OutputPath)
	str("CHROME_BIN", &c.Browser.Bin)
	str("SCREENSHOT_DIR", &c.ScreenshotDir)
	str("MYSQL_DSN", &c.MySQLDSN)
	str("TEMPORAL_HOST", &c.TemporalHost)
	str("PORT", &c.Port)

	if v, ok := lookup("VERIFY_SETTLE"); ok && v != "" {
		// Either a mode name or a duration for the delay mode.
		switch models.SettleMode(v) {
		case models.SettleDelay, models.SettleStable:
			c.Target.Settle = models.SettleMode(v)
		default:
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("VERIFY_SETTLE: %w", err)
			}
			c.Target.SettleDelay = d
		}
	}
	if v, ok := lookup("VERIFY_HEADLESS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VERIFY_HEADLESS: %w", err)
		}
		c.Browser.Headless = b
	}
	if v, ok := lookup("VERIFY_NO_SANDBOX"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VERIFY_NO_SANDBOX: %w", err)
		}
		c.Browser.NoSandbox = b
	}
	return nil
}

// Validate checks the configuration before any browser is launched.
func (c *Config) Validate() error {
	if _, err := TargetURL(c.Target); err != nil {
		return err
	}
	if c.Target.ReadySelector == "" {
		return fmt.Errorf("%w: ready selector is empty", ErrInvalidTarget)
	}
	if c.Target.OutputPath == "" {
		return fmt.Errorf("%w: output path is empty", ErrInvalidTarget)
	}
	if c.Target.SettleDelay < 0 {
		return fmt.Errorf("%w: negative settle delay", ErrInvalidTarget)
	}
	switch c.Target.Settle {
	case "", models.SettleDelay, models.SettleStable:
	default:
		return fmt.Errorf("%w: unknown settle mode %q", ErrInvalidTarget, c.Target.Settle)
	}
	return nil
}

// TargetURL builds the page URL for a target. start and goal must be ISO 3166
// alpha-3 codes; extra query parameters are passed through.
func TargetURL(t models.Target) (string, error) {
	if !countryCode.MatchString(t.Start) {
		return "", fmt.Errorf("%w: start %q is not an alpha-3 country code", ErrInvalidTarget, t.Start)
	}
	if !countryCode.MatchString(t.Goal) {
		return "", fmt.Errorf("%w: goal %q is not an alpha-3 country code", ErrInvalidTarget, t.Goal)
	}

	u, err := url.Parse(t.BaseURL)
	if err != nil {
		return "", fmt.Errorf("%w: base url: %v", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: base url %q must be http or https", ErrInvalidTarget, t.BaseURL)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(t.Path, "/")

	// start and goal lead so the URL reads like the one typed by hand.
	extra := url.Values{}
	for k, v := range t.Query {
		if k == "start" || k == "goal" {
			continue
		}
		extra.Set(k, v)
	}
	u.RawQuery = "start=" + url.QueryEscape(t.Start) + "&goal=" + url.QueryEscape(t.Goal)
	if len(extra) > 0 {
		u.RawQuery += "&" + extra.Encode()
	}

	return u.String(), nil
}
