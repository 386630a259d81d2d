package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultPollInterval, cfg.Monitor.PollInterval)
	require.Equal(t, "ccbot", cfg.Tmux.SessionName)
}

func TestLoadAppliesDefaultsOverPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte("telegram:\n  bot_token: \"abc\"\n  allowed_user_ids: [1, 2]\n"), 0o600)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "abc", cfg.Telegram.BotToken)
	require.Equal(t, []int64{1, 2}, cfg.Telegram.AllowedUserID)
	require.Equal(t, DefaultPollInterval, cfg.Monitor.PollInterval, "unset field should fall back to default")
}

func TestIsAllowedUser(t *testing.T) {
	cfg := &Config{Telegram: TelegramConfig{AllowedUserID: []int64{42}}}
	require.True(t, cfg.IsAllowedUser(42))
	require.False(t, cfg.IsAllowedUser(7))
}

func TestValidateRequiresTokenAndUsers(t *testing.T) {
	cfg := defaultConfig()
	require.Error(t, cfg.Validate())

	cfg.Telegram.BotToken = "tok"
	require.Error(t, cfg.Validate(), "still missing allowed users")

	cfg.Telegram.AllowedUserID = []int64{1}
	require.NoError(t, cfg.Validate())
}
