package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	ktoml "github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config is the CLI configuration stored in ~/.parley/config.toml. Values can
// be overridden by PARLEY_* environment variables, including ones loaded
// from a .env file in the working directory.
type Config struct {
	Default ConfigDefault `koanf:"default" toml:"default"`
	Auth    ConfigAuth    `koanf:"auth" toml:"auth"`
	Redis   ConfigRedis   `koanf:"redis" toml:"redis"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	Environment string `koanf:"environment" toml:"environment"`
	BaseURL     string `koanf:"base_url" toml:"base_url"`
}

// ConfigAuth holds the bearer token and the identity derived from it.
type ConfigAuth struct {
	Token    string `koanf:"token" toml:"token"`
	UserID   string `koanf:"user_id" toml:"user_id"`
	Username string `koanf:"username" toml:"username"`
}

// ConfigRedis enables the warm-start conversation snapshot cache when an
// address is set.
type ConfigRedis struct {
	Addr     string `koanf:"addr" toml:"addr"`
	Password string `koanf:"password" toml:"password"`
	DB       int    `koanf:"db" toml:"db"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.parley, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".parley")
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

// loadConfig resolves configuration in layers: defaults, then the config
// file, then PARLEY_* environment variables.
func loadConfig() (*Config, error) {
	// A .env in the working directory may supply PARLEY_* variables.
	_ = godotenv.Load()

	k := koanf.New(".")

	k.Load(confmap.Provider(map[string]interface{}{
		"default.environment": "production",
	}, "."), nil)

	path, err := configPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), ktoml.Parser()); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	}

	k.Load(env.Provider("PARLEY_", ".", envKey), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("cannot load config: %w", err)
	}
	return &cfg, nil
}

// envKey maps PARLEY_* variable names onto config keys. Keys whose field
// names contain underscores need explicit entries.
func envKey(s string) string {
	key := strings.TrimPrefix(s, "PARLEY_")
	switch key {
	case "TOKEN":
		return "auth.token"
	case "BASE_URL":
		return "default.base_url"
	case "ENVIRONMENT":
		return "default.environment"
	case "REDIS_ADDR":
		return "redis.addr"
	case "REDIS_PASSWORD":
		return "redis.password"
	case "REDIS_DB":
		return "redis.db"
	}
	return strings.Replace(strings.ToLower(key), "_", ".", -1)
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

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "environment":
			cfg.Default.Environment = value
		case "base_url":
			cfg.Default.BaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "redis":
		switch field {
		case "addr":
			cfg.Redis.Addr = value
		case "password":
			cfg.Redis.Password = value
		case "db":
			db, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("redis.db must be an integer: %w", err)
			}
			cfg.Redis.DB = db
		default:
			return fmt.Errorf("unknown field %q in section [redis]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, redis)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley messaging CLI",
	Long:  "Command-line interface for the Parley messaging service.\nManage configuration, browse conversations, send messages, and watch a conversation live.",
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
