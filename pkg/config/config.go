// Package config loads papergw settings from an optional config file, a .env
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"papergw/pkg/protocol"
)

// EnvPrefix namespaces every environment override (PAPERGW_PORT, ...).
const EnvPrefix = "PAPERGW"

// DevelopmentEnv turns on detailed error messages in 500 responses.
const DevelopmentEnv = "development"

// Config is the effective configuration.
type Config struct {
	Port              int           `mapstructure:"port"`
	APIPrefix         string        `mapstructure:"api_prefix"`
	Env               string        `mapstructure:"env"`
	LogLevel          string        `mapstructure:"log_level"`
	StreamingInterval time.Duration `mapstructure:"streaming_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	EventDB           string        `mapstructure:"event_db"`

	Upstream UpstreamConfig `mapstructure:"upstream"`
	Playback PlaybackConfig `mapstructure:"playback"`
	CORS     CORSConfig     `mapstructure:"cors"`
	AMQP     AMQPConfig     `mapstructure:"amqp"`
	Client   ClientConfig   `mapstructure:"client"`
}

// UpstreamConfig locates the analytics workers.
type UpstreamConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PlaybackConfig controls the CSV playback source.
type PlaybackConfig struct {
	Path            string        `mapstructure:"path"`
	StartPercentage int           `mapstructure:"start_percentage"`
	Watch           bool          `mapstructure:"watch"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// CORSConfig lists origins allowed on REST routes.
type CORSConfig struct {
	Origins []string `mapstructure:"origins"`
}

// AMQPConfig enables frame republishing when URL is set.
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// ClientConfig is used by the client-side commands (watch, status, init).
type ClientConfig struct {
	ServerURL     string        `mapstructure:"server_url"`
	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

// Development reports whether the gateway runs in development mode.
func (c *Config) Development() bool { return c.Env == DevelopmentEnv }

// Addr returns the listen address for Port.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

var defaults = map[string]any{
	"port":                      4000,
	"api_prefix":                protocol.DefaultAPIPrefix,
	"env":                       "production",
	"log_level":                 "INFO",
	"streaming_interval":        "5s",
	"heartbeat_interval":        "25s",
	"event_db":                  filepath.Join("~", protocol.HomeDir, "events.db"),
	"upstream.base_url":         "http://localhost:5002",
	"upstream.timeout":          "10s",
	"playback.path":             "public/worker_dashboard/simulate_paper_data.csv",
	"playback.start_percentage": 30,
	"playback.watch":            true,
	"playback.poll_interval":    "60s",
	"cors.origins":              []string{"http://localhost:3000", "http://127.0.0.1:3000"},
	"amqp.url":                  "",
	"amqp.exchange":             "papergw.frames",
	"client.server_url":         "http://localhost:4000",
	"client.reconnect_base":     "1s",
	"client.reconnect_max":      "30s",
	"client.max_attempts":       7,
}

// bareEnv maps keys to the unprefixed variable names the dashboard has
// always honoured.
var bareEnv = map[string]string{
	"port":                      "PORT",
	"playback.start_percentage": "START_PERCENTAGE",
	"streaming_interval":        "STREAMING_INTERVAL",
	"env":                       "NODE_ENV",
}

// millisKeys accept a bare integer meaning milliseconds.
var millisKeys = []string{"streaming_interval", "heartbeat_interval"}

var bareInt = regexp.MustCompile(`^\s*\d+\s*$`)

// Load reads .env from the working directory (if present), then path (if
// non-empty), then the environment. Environment values win over the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, bare := range bareEnv {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		if err := v.BindEnv(key, envKey, bare); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", bare, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read config %s: %w", path, err)
		}
	}

	for _, key := range millisKeys {
		if s := v.GetString(key); bareInt.MatchString(s) {
			var ms int64
			if _, err := fmt.Sscan(strings.TrimSpace(s), &ms); err == nil {
				v.Set(key, time.Duration(ms)*time.Millisecond)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}
	cfg.EventDB = expandHome(cfg.EventDB)
	cfg.APIPrefix = normalizePrefix(cfg.APIPrefix)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Playback.StartPercentage < 0 || c.Playback.StartPercentage > 100 {
		errs = append(errs, fmt.Errorf("playback.start_percentage %d outside [0,100]", c.Playback.StartPercentage))
	}
	for name, d := range map[string]time.Duration{
		"streaming_interval":     c.StreamingInterval,
		"heartbeat_interval":     c.HeartbeatInterval,
		"upstream.timeout":       c.Upstream.Timeout,
		"playback.poll_interval": c.Playback.PollInterval,
		"client.reconnect_base":  c.Client.ReconnectBase,
		"client.reconnect_max":   c.Client.ReconnectMax,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if c.Client.ReconnectMax < c.Client.ReconnectBase {
		errs = append(errs, fmt.Errorf("client.reconnect_max %v below reconnect_base %v", c.Client.ReconnectMax, c.Client.ReconnectBase))
	}
	if c.Client.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("client.max_attempts %d is negative", c.Client.MaxAttempts))
	}
	for name, raw := range map[string]string{
		"upstream.base_url": c.Upstream.BaseURL,
		"client.server_url": c.Client.ServerURL,
	} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute URL", name, raw))
		}
	}
	return errors.Join(errs...)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func normalizePrefix(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
