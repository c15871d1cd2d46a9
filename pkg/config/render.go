package config

import (
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Render encodes the effective configuration as "yaml" or "toml" using the
// same key names the loader accepts.
func (c *Config) Render(format string) ([]byte, error) {
	view := c.view()
	switch strings.ToLower(format) {
	case "yaml", "yml", "":
		return yaml.Marshal(view)
	case "toml":
		return toml.Marshal(view)
	default:
		return nil, fmt.Errorf("unsupported format %q (want yaml or toml)", format)
	}
}

// view mirrors the config keys with durations spelled as strings, so the
// output can be fed back to Load.
func (c *Config) view() map[string]any {
	return map[string]any{
		"port":               c.Port,
		"api_prefix":         c.APIPrefix,
		"env":                c.Env,
		"log_level":          c.LogLevel,
		"streaming_interval": c.StreamingInterval.String(),
		"heartbeat_interval": c.HeartbeatInterval.String(),
		"event_db":           c.EventDB,
		"upstream": map[string]any{
			"base_url": c.Upstream.BaseURL,
			"timeout":  c.Upstream.Timeout.String(),
		},
		"playback": map[string]any{
			"path":             c.Playback.Path,
			"start_percentage": c.Playback.StartPercentage,
			"watch":            c.Playback.Watch,
			"poll_interval":    c.Playback.PollInterval.String(),
		},
		"cors": map[string]any{
			"origins": c.CORS.Origins,
		},
		"amqp": map[string]any{
			"url":      c.AMQP.URL,
			"exchange": c.AMQP.Exchange,
		},
		"client": map[string]any{
			"server_url":     c.Client.ServerURL,
			"reconnect_base": c.Client.ReconnectBase.String(),
			"reconnect_max":  c.Client.ReconnectMax.String(),
			"max_attempts":   c.Client.MaxAttempts,
		},
	}
}
