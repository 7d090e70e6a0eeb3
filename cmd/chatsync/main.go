package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Store    ConfigStore    `toml:"store"`
	Realtime ConfigRealtime `toml:"realtime"`
	Sync     ConfigSync     `toml:"sync"`
}

// ConfigDefault holds the project connection.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

// ConfigAuth holds the signed-in user.
type ConfigAuth struct {
	AccessToken string `toml:"access_token"`
	OwnerID     string `toml:"owner_id"`
}

// ConfigStore selects where the offline queue and snapshot live.
type ConfigStore struct {
	Driver        string `toml:"driver"` // pebble, sqlite, redis or memory
	Path          string `toml:"path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`
}

// ConfigRealtime configures the change feed used by watch.
type ConfigRealtime struct {
	Transport     string `toml:"transport"` // ws or sse
	AutoReconnect bool   `toml:"auto_reconnect"`
}

// ConfigSync holds engine tuning as duration strings ("8s", "168h").
type ConfigSync struct {
	MutationTimeout string `toml:"mutation_timeout"`
	EvictionHorizon string `toml:"eviction_horizon"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	if dir := os.Getenv("CHATSYNC_HOME"); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("cannot create config directory: %w", err)
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile reads and parses the config file without environment
// overrides. A missing file yields a zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file and applies CHATSYNC_* overrides from the
// environment (and from a .env file in the working directory).
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	applyEnv(cfg)
	return cfg, nil
}

var envKeys = map[string]string{
	"CHATSYNC_BASE_URL":       "default.base_url",
	"CHATSYNC_API_KEY":        "default.api_key",
	"CHATSYNC_ACCESS_TOKEN":   "auth.access_token",
	"CHATSYNC_OWNER_ID":       "auth.owner_id",
	"CHATSYNC_STORE":          "store.driver",
	"CHATSYNC_STORE_PATH":     "store.path",
	"CHATSYNC_REDIS_ADDR":     "store.redis_addr",
	"CHATSYNC_REDIS_PASSWORD": "store.redis_password",
	"CHATSYNC_TRANSPORT":      "realtime.transport",
}

func applyEnv(cfg *Config) {
	for env, key := range envKeys {
		if v := os.Getenv(env); v != "" {
			if err := setConfigValue(cfg, key, v); err != nil {
				log.Warn().Err(err).Str("env", env).Msg("ignoring environment override")
			}
		}
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.api_key").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.api_key)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "api_key":
			cfg.Default.APIKey = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "access_token":
			cfg.Auth.AccessToken = value
		case "owner_id":
			cfg.Auth.OwnerID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "store":
		switch field {
		case "driver":
			switch value {
			case "pebble", "sqlite", "redis", "memory":
			default:
				return fmt.Errorf("unknown store driver %q (valid: pebble, sqlite, redis, memory)", value)
			}
			cfg.Store.Driver = value
		case "path":
			cfg.Store.Path = value
		case "redis_addr":
			cfg.Store.RedisAddr = value
		case "redis_password":
			cfg.Store.RedisPassword = value
		case "redis_db":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("store.redis_db must be an integer: %w", err)
			}
			cfg.Store.RedisDB = n
		case "redis_prefix":
			cfg.Store.RedisPrefix = value
		default:
			return fmt.Errorf("unknown field %q in section [store]", field)
		}
	case "realtime":
		switch field {
		case "transport":
			if value != "ws" && value != "sse" {
				return fmt.Errorf("unknown transport %q (valid: ws, sse)", value)
			}
			cfg.Realtime.Transport = value
		case "auto_reconnect":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("realtime.auto_reconnect must be true or false: %w", err)
			}
			cfg.Realtime.AutoReconnect = b
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "sync":
		switch field {
		case "mutation_timeout":
			cfg.Sync.MutationTimeout = value
		case "eviction_horizon":
			cfg.Sync.EvictionHorizon = value
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, store, realtime, sync)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	logLevel   string
	offline    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "chatsync CLI",
	Long:  "Command-line interface for the chatsync engine.\nBrowse and edit threads, inspect the offline queue and tail realtime changes.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		zerolog.SetGlobalLevel(level)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "Queue writes instead of sending them")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
