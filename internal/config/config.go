// Package config loads ccbot's on-disk configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPollInterval is how often the Session Monitor scans tracked windows
// when fsnotify does not wake it early.
const DefaultPollInterval = time.Second

type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Tmux     TmuxConfig     `yaml:"tmux"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Store    StoreConfig    `yaml:"store"`
	AdminWS  AdminWSConfig  `yaml:"admin_ws"`
}

// TelegramConfig holds the chat-platform client's bootstrap settings. Which
// groups/topics are bound to which windows is runtime state owned by the
// Session Store (GroupChatMap), not configuration.
type TelegramConfig struct {
	BotToken      string  `yaml:"bot_token"`
	AllowedUserID []int64 `yaml:"allowed_user_ids"`
}

// TmuxConfig controls the Multiplex Adapter's defaults for new windows.
type TmuxConfig struct {
	SessionName     string `yaml:"session_name"`
	WindowNameRegex string `yaml:"window_name_regex"`
}

// MonitorConfig controls the Session Monitor's polling cadence and the
// locations it reads the external SessionMap and Claude transcripts from.
type MonitorConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	SessionMapPath    string        `yaml:"session_map_path"`
	ProjectsDir       string        `yaml:"projects_dir"`
	DeadWindowGrace   time.Duration `yaml:"dead_window_grace"`
	TopicLivenessPoll time.Duration `yaml:"topic_liveness_poll"`
}

// StoreConfig controls where the Session Store persists its state file.
type StoreConfig struct {
	Path          string        `yaml:"path"`
	SaveDebounce  time.Duration `yaml:"save_debounce"`
}

// AdminWSConfig controls the optional read-only operator status surface.
type AdminWSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load reads config from path and applies defaults for any zero-valued
// fields the file left unset.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns the default config if the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

func defaultConfig() *Config {
	return &Config{
		Tmux: TmuxConfig{
			SessionName: "ccbot",
		},
		Monitor: MonitorConfig{
			PollInterval:      DefaultPollInterval,
			SessionMapPath:    filepath.Join(defaultStateDir(), "ccbot", "session-map.json"),
			ProjectsDir:       filepath.Join(homeDirOrEmpty(), ".claude", "projects"),
			DeadWindowGrace:   2 * time.Second,
			TopicLivenessPoll: 60 * time.Second,
		},
		Store: StoreConfig{
			Path:         filepath.Join(defaultStateDir(), "ccbot", "store.json"),
			SaveDebounce: 500 * time.Millisecond,
		},
		AdminWS: AdminWSConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8080,
		},
	}
}

// applyDefaults fills in zero-valued fields after a partial YAML file has
// been unmarshaled over the defaults. Unmarshal only overwrites keys present
// in the file, so this mainly guards against an explicit empty string/0
// clobbering a path default.
func applyDefaults(cfg *Config) {
	d := defaultConfig()
	if cfg.Monitor.PollInterval == 0 {
		cfg.Monitor.PollInterval = d.Monitor.PollInterval
	}
	if cfg.Monitor.SessionMapPath == "" {
		cfg.Monitor.SessionMapPath = d.Monitor.SessionMapPath
	}
	if cfg.Monitor.ProjectsDir == "" {
		cfg.Monitor.ProjectsDir = d.Monitor.ProjectsDir
	}
	if cfg.Monitor.DeadWindowGrace == 0 {
		cfg.Monitor.DeadWindowGrace = d.Monitor.DeadWindowGrace
	}
	if cfg.Monitor.TopicLivenessPoll == 0 {
		cfg.Monitor.TopicLivenessPoll = d.Monitor.TopicLivenessPoll
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = d.Store.Path
	}
	if cfg.Store.SaveDebounce == 0 {
		cfg.Store.SaveDebounce = d.Store.SaveDebounce
	}
	if cfg.Tmux.SessionName == "" {
		cfg.Tmux.SessionName = d.Tmux.SessionName
	}
	if cfg.AdminWS.Host == "" {
		cfg.AdminWS.Host = d.AdminWS.Host
	}
	if cfg.AdminWS.Port == 0 {
		cfg.AdminWS.Port = d.AdminWS.Port
	}
}

func homeDirOrEmpty() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func defaultStateDir() string {
	if value := os.Getenv("XDG_STATE_HOME"); value != "" {
		return value
	}
	return filepath.Join(homeDirOrEmpty(), ".local", "state")
}

func defaultConfigDir() string {
	if value := os.Getenv("XDG_CONFIG_HOME"); value != "" {
		return value
	}
	return filepath.Join(homeDirOrEmpty(), ".config")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "ccbot", "config.yaml")
}

// IsAllowedUser reports whether userID is in the configured allowlist. An
// empty allowlist denies everyone — ccbot requires explicit authorization.
func (c *Config) IsAllowedUser(userID int64) bool {
	for _, id := range c.Telegram.AllowedUserID {
		if id == userID {
			return true
		}
	}
	return false
}

func validateBotToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	return nil
}

// Validate checks that required fields are present for running the bot
// (not required for cmd/cchook, which only needs Monitor.SessionMapPath).
func (c *Config) Validate() error {
	if err := validateBotToken(c.Telegram.BotToken); err != nil {
		return err
	}
	if len(c.Telegram.AllowedUserID) == 0 {
		return fmt.Errorf("telegram.allowed_user_ids must list at least one user")
	}
	return nil
}
