package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. STREAMWISE_DATA_DB_PATH
const EnvPrefix = "STREAMWISE"

// Config represents the application configuration
type Config struct {
	Log    LogConfig    `mapstructure:"log" json:"log"`
	Data   DataConfig   `mapstructure:"data" json:"data"`
	Redis  RedisConfig  `mapstructure:"redis" json:"redis"`
	OpenAI OpenAIConfig `mapstructure:"openai" json:"openai"`
	Server ServerConfig `mapstructure:"server" json:"server"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level" json:"level"`
	Format     string `mapstructure:"format" json:"format"` // "console" or "json"
	OutputPath string `mapstructure:"output_path" json:"output_path"`
}

// DataConfig represents data storage configuration
type DataConfig struct {
	DBPath         string `mapstructure:"db_path" json:"db_path"`
	FallbackDir    string `mapstructure:"fallback_dir" json:"fallback_dir"`
	FallbackDriver string `mapstructure:"fallback_driver" json:"fallback_driver"` // "file" or "redis"
}

// RedisConfig is used when the fallback driver is redis
type RedisConfig struct {
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"password"`
	DB       int    `mapstructure:"db" json:"db"`
	Prefix   string `mapstructure:"prefix" json:"prefix"`
}

// OpenAIConfig represents transport configuration
type OpenAIConfig struct {
	BaseURL        string `mapstructure:"base_url" json:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" json:"timeout_seconds"`
}

// ServerConfig represents the local HTTP adapter configuration
type ServerConfig struct {
	Addr string `mapstructure:"addr" json:"addr"`
	Mode string `mapstructure:"mode" json:"mode"` // gin mode
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "./logs",
		},
		Data: DataConfig{
			DBPath:         "./data/streamwise.db",
			FallbackDir:    "./data/fallback",
			FallbackDriver: "file",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "streamwise:",
		},
		OpenAI: OpenAIConfig{
			BaseURL:        "https://api.openai.com/v1",
			TimeoutSeconds: 300,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8080",
			Mode: "release",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output_path", d.Log.OutputPath)
	v.SetDefault("data.db_path", d.Data.DBPath)
	v.SetDefault("data.fallback_dir", d.Data.FallbackDir)
	v.SetDefault("data.fallback_driver", d.Data.FallbackDriver)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.prefix", d.Redis.Prefix)
	v.SetDefault("openai.base_url", d.OpenAI.BaseURL)
	v.SetDefault("openai.timeout_seconds", d.OpenAI.TimeoutSeconds)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.mode", d.Server.Mode)
}

// LoadConfig loads configuration from file (JSON, YAML or TOML by extension)
// with environment overrides. An empty configPath uses defaults and environment only.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Expand paths
	config.Data.DBPath = expandPath(config.Data.DBPath)
	config.Data.FallbackDir = expandPath(config.Data.FallbackDir)
	config.Log.OutputPath = expandPath(config.Log.OutputPath)

	return &config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(configPath string, config *Config) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ and relative paths
func expandPath(path string) string {
	if len(path) == 0 {
		return path
	}

	// Expand ~
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	// Make absolute
	absPath, err := filepath.Abs(path)
	if err == nil {
		return absPath
	}

	return path
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	// Try to get user config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		// Fallback to current directory
		return "./config/streamwise.json"
	}

	return filepath.Join(configDir, "streamwise", "config.json")
}

// EnsureDefaultConfig creates a default config file at configPath if it doesn't exist
func EnsureDefaultConfig(configPath string) (string, error) {
	if configPath == "" {
		configPath = GetConfigPath()
	}

	// Check if config exists
	if _, err := os.Stat(configPath); err == nil {
		return configPath, nil
	}

	if err := SaveConfig(configPath, DefaultConfig()); err != nil {
		return "", err
	}

	return configPath, nil
}
