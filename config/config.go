// Package config loads pagewatch settings from TOML with PAGEWATCH_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/auditmos/pagewatch/errlog"
	"github.com/auditmos/pagewatch/logging"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Duration reads TOML strings such as "100ms" or "72h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Capture CaptureConfig `toml:"capture"`
	Storage StorageConfig `toml:"storage"`
	Logging LoggingConfig `toml:"logging"`
	Browser BrowserConfig `toml:"browser"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	AllowedOrigins  []string `toml:"allowed_origins"`
	FramesPerMinute int      `toml:"frames_per_minute"`
	MaxConnsPerAddr int      `toml:"max_conns_per_addr"`
}

type CaptureConfig struct {
	MaxEntries    int      `toml:"max_entries"`
	Mode          string   `toml:"mode"`
	ErrorRoute    string   `toml:"error_route"`
	RedirectDelay Duration `toml:"redirect_delay"`
}

type StorageConfig struct {
	// DBPath empty disables archiving and sharing.
	DBPath    string   `toml:"db_path"`
	Retention Duration `toml:"retention"`
	ShareTTL  Duration `toml:"share_ttl"`
	Scrub     bool     `toml:"scrub"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type BrowserConfig struct {
	Headless   bool     `toml:"headless"`
	ControlURL string   `toml:"control_url"`
	Timeout    Duration `toml:"timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:4780",
			FramesPerMinute: 120,
			MaxConnsPerAddr: 20,
		},
		Capture: CaptureConfig{
			MaxEntries:    errlog.DefaultMaxEntries,
			Mode:          errlog.ModeProduction,
			ErrorRoute:    "/error",
			RedirectDelay: Duration{100 * time.Millisecond},
		},
		Storage: StorageConfig{
			DBPath:    "pagewatch.db",
			Retention: Duration{7 * 24 * time.Hour},
			ShareTTL:  Duration{24 * time.Hour},
			Scrub:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "human",
		},
		Browser: BrowserConfig{
			Headless: true,
			Timeout:  Duration{30 * time.Second},
		},
	}
}

func (c *Config) Validate() error {
	var problems []string

	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Server.FramesPerMinute < 1 {
		problems = append(problems, "server.frames_per_minute must be positive")
	}
	if c.Server.MaxConnsPerAddr < 1 {
		problems = append(problems, "server.max_conns_per_addr must be positive")
	}
	if c.Capture.MaxEntries < 1 {
		problems = append(problems, "capture.max_entries must be positive")
	}
	switch c.Capture.Mode {
	case errlog.ModeDevelopment, errlog.ModeProduction:
	default:
		problems = append(problems, fmt.Sprintf("capture.mode must be %q or %q", errlog.ModeDevelopment, errlog.ModeProduction))
	}
	if !strings.HasPrefix(c.Capture.ErrorRoute, "/") {
		problems = append(problems, "capture.error_route must start with /")
	}
	if c.Capture.RedirectDelay.Duration < 0 {
		problems = append(problems, "capture.redirect_delay must not be negative")
	}
	if c.Storage.Retention.Duration < 0 || c.Storage.ShareTTL.Duration < 0 {
		problems = append(problems, "storage durations must not be negative")
	}
	if _, err := logging.LevelFromString(c.Logging.Level); err != nil {
		problems = append(problems, "logging.level: "+err.Error())
	}
	switch c.Logging.Format {
	case "json", "human":
	default:
		problems = append(problems, `logging.format must be "json" or "human"`)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
