// Package config loads and validates the Homestead configuration from
// <home>/config.yaml, with environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/homesteadhq/homestead/internal/otel"
)

// Backend kinds a model tag can bind to.
const (
	BackendClaudeCLI = "claude-cli"
	BackendXAI       = "xai"
)

// ModelBinding binds an opaque model tag to a backend and an optional
// backend-specific model identifier.
type ModelBinding struct {
	Tag     string `yaml:"tag"`
	Backend string `yaml:"backend"`
	Model   string `yaml:"model"` // backend model id; empty uses the backend default
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type ClaudeCLIConfig struct {
	// Binary is the path to the CLI executable. Empty resolves "claude"
	// from PATH.
	Binary string `yaml:"binary"`
}

type XAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // empty uses https://api.x.ai
}

type GatewayConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// AllowedUserIDs is the only authentication the channels perform:
	// inbound messages and outbox targets outside this list are rejected.
	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`

	// AgentsPath is the agent-identity root. Empty means <home>/agents.
	AgentsPath string `yaml:"agents_path"`

	DefaultModel string         `yaml:"default_model"`
	Models       []ModelBinding `yaml:"models"`

	Telegram  TelegramConfig  `yaml:"telegram"`
	ClaudeCLI ClaudeCLIConfig `yaml:"claude_cli"`
	XAI       XAIConfig       `yaml:"xai"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Otel      otel.Config     `yaml:"otel"`

	TurnTimeoutSeconds      int `yaml:"turn_timeout_seconds"`
	ActionTimeoutSeconds    int `yaml:"action_timeout_seconds"`
	OutboxPollSeconds       int `yaml:"outbox_poll_seconds"`
	InactivityWindowHours   int `yaml:"inactivity_window_hours"`
	TurnQueueCapacity       int `yaml:"turn_queue_capacity"`
	SchedulerTickSeconds    int `yaml:"scheduler_tick_seconds"`
	DrainTimeoutSeconds     int `yaml:"drain_timeout_seconds"`
	OutboxDeliveryRetries   int `yaml:"outbox_delivery_retries"`
	OutboxTransportTimeoutS int `yaml:"outbox_transport_timeout_seconds"`
}

func DefaultHome() string {
	if env := os.Getenv("HOMESTEAD_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".homestead")
}

// Load reads <home>/config.yaml, applies defaults and env overrides, and
// validates. A missing file yields the defaults (with Telegram disabled).
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHome()
	}
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.HomeDir = homeDir

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if tok := os.Getenv("TELEGRAM_BOT_TOKEN"); tok != "" {
		c.Telegram.Token = tok
	}
	if key := os.Getenv("XAI_API_KEY"); key != "" {
		c.XAI.APIKey = key
	}
	if ids := os.Getenv("HOMESTEAD_ALLOWED_IDS"); ids != "" {
		var parsed []int64
		for _, part := range strings.Split(ids, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err == nil {
				parsed = append(parsed, id)
			}
		}
		if len(parsed) > 0 {
			c.AllowedUserIDs = parsed
		}
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.AgentsPath == "" {
		c.AgentsPath = filepath.Join(c.HomeDir, "agents")
	}
	if c.Gateway.BindAddr == "" {
		c.Gateway.BindAddr = "127.0.0.1:8790"
	}
	if len(c.Models) == 0 {
		c.Models = []ModelBinding{
			{Tag: "claude-cli-default", Backend: BackendClaudeCLI},
			{Tag: "claude-cli-sonnet", Backend: BackendClaudeCLI, Model: "sonnet"},
			{Tag: "claude-cli-opus", Backend: BackendClaudeCLI, Model: "opus"},
			{Tag: "claude-cli-haiku", Backend: BackendClaudeCLI, Model: "haiku"},
			{Tag: "xai-grok", Backend: BackendXAI, Model: "grok-3"},
		}
	}
	if c.DefaultModel == "" {
		c.DefaultModel = c.Models[0].Tag
	}
	if c.TurnTimeoutSeconds <= 0 {
		c.TurnTimeoutSeconds = 300
	}
	if c.ActionTimeoutSeconds <= 0 {
		c.ActionTimeoutSeconds = 60
	}
	if c.OutboxPollSeconds <= 0 {
		c.OutboxPollSeconds = 2
	}
	if c.InactivityWindowHours <= 0 {
		c.InactivityWindowHours = 4
	}
	if c.TurnQueueCapacity <= 0 {
		c.TurnQueueCapacity = 5
	}
	if c.SchedulerTickSeconds <= 0 {
		c.SchedulerTickSeconds = 1
	}
	if c.DrainTimeoutSeconds <= 0 {
		c.DrainTimeoutSeconds = 5
	}
	if c.OutboxDeliveryRetries <= 0 {
		c.OutboxDeliveryRetries = 3
	}
	if c.OutboxTransportTimeoutS <= 0 {
		c.OutboxTransportTimeoutS = 10
	}
}

func (c *Config) Validate() error {
	tags := make(map[string]struct{}, len(c.Models))
	for _, m := range c.Models {
		if m.Tag == "" {
			return fmt.Errorf("model binding with empty tag")
		}
		if _, dup := tags[m.Tag]; dup {
			return fmt.Errorf("duplicate model tag %q", m.Tag)
		}
		tags[m.Tag] = struct{}{}
		switch m.Backend {
		case BackendClaudeCLI, BackendXAI:
		default:
			return fmt.Errorf("model tag %q binds unknown backend %q", m.Tag, m.Backend)
		}
	}
	if _, ok := tags[c.DefaultModel]; !ok {
		return fmt.Errorf("default_model %q is not a configured tag", c.DefaultModel)
	}
	if c.Telegram.Enabled {
		if c.Telegram.Token == "" {
			return fmt.Errorf("telegram enabled but no token configured")
		}
		if len(c.AllowedUserIDs) == 0 {
			return fmt.Errorf("telegram enabled but allowed_user_ids is empty")
		}
	}
	return nil
}

// KnownModelTag reports whether the tag is in the configured allow-list.
func (c *Config) KnownModelTag(tag string) bool {
	for _, m := range c.Models {
		if m.Tag == tag {
			return true
		}
	}
	return false
}

// Binding returns the binding for a tag, or nil for unknown tags.
func (c *Config) Binding(tag string) *ModelBinding {
	for i := range c.Models {
		if c.Models[i].Tag == tag {
			return &c.Models[i]
		}
	}
	return nil
}

func (c *Config) TurnTimeout() time.Duration       { return time.Duration(c.TurnTimeoutSeconds) * time.Second }
func (c *Config) ActionTimeout() time.Duration     { return time.Duration(c.ActionTimeoutSeconds) * time.Second }
func (c *Config) OutboxPoll() time.Duration        { return time.Duration(c.OutboxPollSeconds) * time.Second }
func (c *Config) InactivityWindow() time.Duration  { return time.Duration(c.InactivityWindowHours) * time.Hour }
func (c *Config) SchedulerTick() time.Duration     { return time.Duration(c.SchedulerTickSeconds) * time.Second }
func (c *Config) DrainTimeout() time.Duration      { return time.Duration(c.DrainTimeoutSeconds) * time.Second }
func (c *Config) OutboxTransportTimeout() time.Duration {
	return time.Duration(c.OutboxTransportTimeoutS) * time.Second
}

// Fingerprint is a stable short hash of the loaded config, reported by
// /healthz so a drifted daemon is detectable.
func (c *Config) Fingerprint() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "unknown"
	}
	var h uint64 = 1469598103934665603
	for _, b := range data {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return fmt.Sprintf("%016x", h)
}
