package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"topicpresence/internal/bus"
	"topicpresence/internal/client"
	"topicpresence/internal/logging"
	"topicpresence/internal/presence"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr     string         `yaml:"addr"`
	DBPath   string         `yaml:"db_path"`
	Log      logging.Config `yaml:"log"`
	Presence PresenceConfig `yaml:"presence"`
	Bus      BusConfig      `yaml:"bus"`
	Auth     AuthConfig     `yaml:"auth"`
}

// PresenceConfig holds the site settings handed to every client.
type PresenceConfig struct {
	MaxUsersShown            int  `yaml:"max_users_shown"`
	AllowUsersToHidePresence bool `yaml:"allow_users_to_hide_presence"`
	// UpdatesPerMinute caps POST /presence/update per user.
	UpdatesPerMinute int `yaml:"updates_per_minute"`
}

type BusConfig struct {
	// RedisURL enables the Redis backplane when set.
	RedisURL    string        `yaml:"redis_url"`
	RedisTopic  string        `yaml:"redis_topic"`
	BacklogSize int           `yaml:"backlog_size"`
	BacklogAge  time.Duration `yaml:"backlog_age"`
}

type AuthConfig struct {
	TokenTTL        time.Duration `yaml:"token_ttl"`
	AttemptsPerMin  int           `yaml:"attempts_per_minute"`
	TrustProxy      bool          `yaml:"trust_proxy"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

// ClientConfig defines the parameters the watch client needs.
type ClientConfig struct {
	ServerURL   string         `yaml:"server_url"`
	SessionPath string         `yaml:"session_path"`
	Log         logging.Config `yaml:"log"`
}

// DefaultServerConfig returns the settings used when nothing overrides them.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:   ":8080",
		DBPath: DefaultDBPath(),
		Log:    logging.Config{Level: "info", Format: "json"},
		Presence: PresenceConfig{
			MaxUsersShown:    presence.DefaultDisplayLimit,
			UpdatesPerMinute: 60,
		},
		Bus: BusConfig{
			RedisTopic:  bus.DefaultRedisTopic,
			BacklogSize: 100,
			BacklogAge:  time.Minute,
		},
		Auth: AuthConfig{
			TokenTTL:        7 * 24 * time.Hour,
			AttemptsPerMin:  10,
			JanitorInterval: 10 * time.Minute,
		},
	}
}

// DefaultClientConfig returns the watch client defaults. Logs go to a file
// next to the session so they do not tear the terminal.
func DefaultClientConfig() ClientConfig {
	sessionPath := client.DefaultSessionPath()
	return ClientConfig{
		ServerURL:   "http://localhost:8080",
		SessionPath: sessionPath,
		Log: logging.Config{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{filepath.Join(filepath.Dir(sessionPath), "watch.log")},
		},
	}
}

// LoadServerConfig layers the YAML file at path (optional) and PRESENCE_*
// environment variables over the defaults.
func LoadServerConfig(path string, getenv func(string) string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if err := applyServerEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadClientConfig is LoadServerConfig for the client.
func LoadClientConfig(path string, getenv func(string) string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("PRESENCE_SERVER"); v != "" {
		cfg.ServerURL = v
	}
	if v := getenv("PRESENCE_SESSION_FILE"); v != "" {
		cfg.SessionPath = v
	}
	if v := getenv("PRESENCE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, nil
}

func decodeFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyServerEnv(cfg *ServerConfig, getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("PRESENCE_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := getenv("PRESENCE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("PRESENCE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("PRESENCE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := getenv("PRESENCE_REDIS_URL"); v != "" {
		cfg.Bus.RedisURL = v
	}
	if v := getenv("PRESENCE_MAX_USERS_SHOWN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PRESENCE_MAX_USERS_SHOWN: %w", err)
		}
		cfg.Presence.MaxUsersShown = n
	}
	if v := getenv("PRESENCE_ALLOW_HIDE"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PRESENCE_ALLOW_HIDE: %w", err)
		}
		cfg.Presence.AllowUsersToHidePresence = allow
	}
	return nil
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("PRESENCE_DATA_DIR"); env != "" {
		return filepath.Join(env, "topicpresence.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "topicpresence", "topicpresence.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "TopicPresence", "topicpresence.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "TopicPresence", "topicpresence.db")
		}
		return filepath.Join(home, ".local", "share", "topicpresence", "topicpresence.db")
	}
	return filepath.Join(".", ".topicpresence", "topicpresence.db")
}
