package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POCKETPING_CONFIG", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.Discord.EnableGateway)
	assert.False(t, cfg.HasBridges())
	assert.Empty(t, cfg.EnabledBridges())
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfigFile(t, `
port: 9090
api_key: file-key
telegram:
  bot_token: "123:abc"
  chat_id: -100555
discord:
  enable_gateway: false
`)
	t.Setenv("POCKETPING_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "file-key", cfg.APIKey)
	assert.True(t, cfg.Telegram.Enabled())
	assert.False(t, cfg.Discord.EnableGateway)
	assert.Equal(t, []string{"telegram"}, cfg.EnabledBridges())
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
api_key: file-key
slack:
  bot_token: yaml-token
  channel_id: C111
`)
	t.Setenv("POCKETPING_CONFIG", path)
	t.Setenv("API_KEY", "env-key")
	t.Setenv("SLACK_BOT_TOKEN", "env-token")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.APIKey)
	assert.Equal(t, "env-token", cfg.Slack.BotToken)
	assert.Equal(t, "C111", cfg.Slack.ChannelID)
}

func TestAllowedBotIDs(t *testing.T) {
	t.Setenv("BRIDGE_ALLOWED_BOT_IDS", "B1,B2")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"B1", "B2"}, cfg.AllowedBotIDs)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("POCKETPING_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
