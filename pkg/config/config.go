package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// TelegramConfig drives the forum-topic bridge. ChatID is the supergroup the
// per-session topics are created in.
type TelegramConfig struct {
	BotToken      string `env:"TELEGRAM_BOT_TOKEN" yaml:"bot_token"`
	ChatID        int64  `env:"TELEGRAM_CHAT_ID" yaml:"chat_id"`
	WebhookSecret string `env:"TELEGRAM_WEBHOOK_SECRET" yaml:"webhook_secret"`
}

func (c TelegramConfig) Enabled() bool {
	return c.BotToken != "" && c.ChatID != 0
}

// SlackConfig drives the thread-timestamp bridge. Sessions are anchored to a
// thread in ChannelID.
type SlackConfig struct {
	BotToken      string `env:"SLACK_BOT_TOKEN" yaml:"bot_token"`
	SigningSecret string `env:"SLACK_SIGNING_SECRET" yaml:"signing_secret"`
	ChannelID     string `env:"SLACK_CHANNEL_ID" yaml:"channel_id"`
}

func (c SlackConfig) Enabled() bool {
	return c.BotToken != "" && c.ChannelID != ""
}

// DiscordConfig drives the guild-thread bridge. EnableGateway controls the
// persistent connection used to receive operator replies.
type DiscordConfig struct {
	BotToken      string `env:"DISCORD_BOT_TOKEN" yaml:"bot_token"`
	ChannelID     string `env:"DISCORD_CHANNEL_ID" yaml:"channel_id"`
	EnableGateway bool   `env:"DISCORD_ENABLE_GATEWAY" yaml:"enable_gateway"`
	// PublicKey (hex) verifies interaction callbacks when set.
	PublicKey string `env:"DISCORD_PUBLIC_KEY" yaml:"public_key"`
}

func (c DiscordConfig) Enabled() bool {
	return c.BotToken != "" && c.ChannelID != ""
}

type Config struct {
	Port   int    `env:"PORT" yaml:"port"`
	APIKey string `env:"API_KEY" yaml:"api_key"`

	// Backend push target for operator events. Optional; SSE remains available
	// regardless.
	BackendWebhookURL    string `env:"BACKEND_WEBHOOK_URL" yaml:"backend_webhook_url"`
	BackendWebhookSecret string `env:"BACKEND_WEBHOOK_SECRET" yaml:"backend_webhook_secret"`

	// PublicBaseURL is used to build externally reachable links for relayed
	// attachments.
	PublicBaseURL string `env:"PUBLIC_BASE_URL" yaml:"public_base_url"`

	// AllowedBotIDs lists bot identities whose messages are ingested as real
	// operator replies instead of being filtered as self-traffic.
	AllowedBotIDs []string `env:"BRIDGE_ALLOWED_BOT_IDS" envSeparator:"," yaml:"allowed_bot_ids"`

	// StorePath selects the pebble-backed store when set. Empty means the
	// in-memory store.
	StorePath string `env:"STORE_PATH" yaml:"store_path"`

	Debug bool `env:"DEBUG" yaml:"debug"`

	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
	Discord  DiscordConfig  `yaml:"discord"`
}

// Load reads the optional YAML file named by POCKETPING_CONFIG, then overlays
// environment variables on top, so env always wins. Defaults are seeded
// before either source so neither has to repeat them.
func Load() (*Config, error) {
	cfg := &Config{
		Port:    8080,
		Discord: DiscordConfig{EnableGateway: true},
	}
	if path := os.Getenv("POCKETPING_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) HasBridges() bool {
	return c.Telegram.Enabled() || c.Slack.Enabled() || c.Discord.Enabled()
}

// EnabledBridges names the bridges the current configuration can start.
func (c *Config) EnabledBridges() []string {
	var out []string
	if c.Telegram.Enabled() {
		out = append(out, "telegram")
	}
	if c.Slack.Enabled() {
		out = append(out, "slack")
	}
	if c.Discord.Enabled() {
		out = append(out, "discord")
	}
	return out
}
