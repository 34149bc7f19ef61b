// Copyright 2024-2026 Aiku AI

package relay

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the full relay configuration, loaded from YAML with env-var
// overrides for secrets.
type Config struct {
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	EventBus  EventBusConfig  `yaml:"event_bus"`
	Database  DatabaseConfig  `yaml:"database"`

	// CommandPrefixes lists content prefixes treated as bot commands and
	// excluded from fan-out (the mapping is still created).
	CommandPrefixes []string `yaml:"command_prefixes"`

	Platforms map[string]*PlatformConfig `yaml:"platforms"`
}

// CacheConfig bounds the identity mapper.
type CacheConfig struct {
	MaxMappings int           `yaml:"max_mappings"`
	TTL         time.Duration `yaml:"ttl"`
	ReplyWindow time.Duration `yaml:"reply_window"`
}

// RateLimitConfig tunes send admission control.
type RateLimitConfig struct {
	Window       time.Duration `yaml:"window"`
	DefaultLimit int           `yaml:"default_limit"`
}

// ReconnectConfig tunes the per-adapter reconnection supervisors.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Factor       float64       `yaml:"factor"`
	MaxRetries   int           `yaml:"max_retries"`
}

// EventBusConfig selects the deletion-event broker. With Redis disabled
// the relay uses an in-process broker, which is correct for a single
// instance.
type EventBusConfig struct {
	RedisEnabled  bool   `yaml:"redis_enabled"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// DatabaseConfig enables the durable mapping store.
type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// PlatformConfig holds one platform's credentials and relay policy. The
// credential fields are generic across adapters: Discord uses Token,
// Mattermost uses ServerURL+Token, Matrix uses ServerURL+UserID+Token.
type PlatformConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Token     string `yaml:"token"`
	ServerURL string `yaml:"server_url"`
	UserID    string `yaml:"user_id"`

	// RateLimit overrides the default send limit per window. Zero keeps
	// the default.
	RateLimit int `yaml:"rate_limit"`

	// DefaultChannel is the single room all relayed messages go to when no
	// channel-map entry matches.
	DefaultChannel string `yaml:"default_channel"`
	// ChannelMap routes by source room: keys are "platform/channel" or a
	// bare source channel ID, values are rooms on this platform. When the
	// map is non-empty and neither it nor DefaultChannel matches, this
	// platform is skipped for that message.
	ChannelMap map[string]string `yaml:"channel_map"`

	// Mute suppresses fan-out of messages originating on this platform.
	// Mappings are still created so replies to them resolve.
	Mute bool `yaml:"mute"`

	// AdminUsers may trigger admin deletions (source copy removed too).
	// Consulted by adapters; the orchestrator only honors the flag.
	AdminUsers []string `yaml:"admin_users"`
}

// LoadConfig reads and validates a YAML config file. RELAY_<PLATFORM>_TOKEN
// env vars override the per-platform tokens so secrets can stay out of the
// file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	for name, pc := range c.Platforms {
		envKey := "RELAY_" + strings.ToUpper(name) + "_TOKEN"
		if v := os.Getenv(envKey); v != "" {
			pc.Token = v
		}
	}
}

// Validate checks the parts that would otherwise fail at first use.
func (c *Config) Validate() error {
	if len(c.Platforms) == 0 {
		return fmt.Errorf("config has no platforms")
	}
	enabled := 0
	for name, pc := range c.Platforms {
		if pc == nil {
			return fmt.Errorf("platform %q has an empty config block", name)
		}
		if pc.Enabled {
			enabled++
		}
	}
	if enabled < 2 {
		return fmt.Errorf("at least two platforms must be enabled to relay anything")
	}
	if c.EventBus.RedisEnabled && c.EventBus.RedisAddr == "" {
		return fmt.Errorf("event_bus.redis_enabled requires event_bus.redis_addr")
	}
	if c.Database.Enabled && c.Database.Path == "" {
		return fmt.Errorf("database.enabled requires database.path")
	}
	return nil
}

// Platform returns the config block for a platform, or nil.
func (c *Config) Platform(name string) *PlatformConfig {
	return c.Platforms[name]
}

// IsAdmin reports whether the given platform user ID is on the platform's
// privileged-user list.
func (c *Config) IsAdmin(platform, userID string) bool {
	pc := c.Platforms[platform]
	if pc == nil {
		return false
	}
	for _, admin := range pc.AdminUsers {
		if admin == userID {
			return true
		}
	}
	return false
}

// TargetChannel resolves the room to post into when relaying src to the
// named target platform. ok is false when routing rules say the target
// should be skipped. An empty channel with ok means the adapter's default
// room.
func (c *Config) TargetChannel(target string, src *Message) (string, bool) {
	pc := c.Platforms[target]
	if pc == nil {
		return "", false
	}
	if len(pc.ChannelMap) > 0 {
		if ch, ok := pc.ChannelMap[src.Platform+"/"+src.ChannelID]; ok {
			return ch, true
		}
		if ch, ok := pc.ChannelMap[src.ChannelID]; ok {
			return ch, true
		}
		if pc.DefaultChannel != "" {
			return pc.DefaultChannel, true
		}
		// Explicit routing mode with no matching entry: skip this target.
		return "", false
	}
	return pc.DefaultChannel, true
}

// RateLimits flattens the per-platform overrides for the limiter.
func (c *Config) RateLimits() map[string]int {
	out := make(map[string]int)
	for name, pc := range c.Platforms {
		if pc != nil && pc.RateLimit > 0 {
			out[name] = pc.RateLimit
		}
	}
	return out
}
