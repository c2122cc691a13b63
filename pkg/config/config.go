package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xaenox/querychat/internal/backend"
)

type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Query    QueryConfig    `mapstructure:"query"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Bot      BotConfig      `mapstructure:"bot"`
	Log      LogConfig      `mapstructure:"log"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type BackendConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type QueryConfig struct {
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

func (q QueryConfig) Options() backend.QueryOptions {
	return backend.QueryOptions{
		Model:       q.Model,
		MaxTokens:   q.MaxTokens,
		Temperature: backend.Temperature(q.Temperature),
	}
}

type StorageConfig struct {
	Dir         string `mapstructure:"dir"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type ChatConfig struct {
	TitleMaxLen int `mapstructure:"title_max_len"`
}

type BotConfig struct {
	// SendRate is the number of outbound Telegram messages per second.
	SendRate  float64 `mapstructure:"send_rate"`
	SendBurst int     `mapstructure:"send_burst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func defaultStorageDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "querychat", "sessions")
	}
	return filepath.Join(".querychat", "sessions")
}

// LoadConfig reads the YAML file at path, if it exists, and applies
// defaults and environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("telegram.token", "")
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.timeout", backend.DefaultTimeout)
	v.SetDefault("query.model", backend.DefaultModel)
	v.SetDefault("query.max_tokens", backend.DefaultMaxTokens)
	v.SetDefault("query.temperature", backend.DefaultTemperature)
	v.SetDefault("storage.dir", defaultStorageDir())
	v.SetDefault("storage.use_in_memory", false)
	v.SetDefault("chat.title_max_len", 40)
	v.SetDefault("bot.send_rate", 25.0)
	v.SetDefault("bot.send_burst", 5)
	v.SetDefault("log.level", "info")

	// Enable environment variable support: QUERYCHAT_BACKEND_BASE_URL etc.
	v.SetEnvPrefix("querychat")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Well-known unprefixed variables win over everything else
	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if baseURL := os.Getenv("BACKEND_URL"); baseURL != "" {
		config.Backend.BaseURL = baseURL
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend.base_url must be an http(s) URL, got %q", c.Backend.BaseURL)
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive, got %s", c.Backend.Timeout)
	}
	if err := c.Query.Options().Validate(); err != nil {
		return fmt.Errorf("query: %w", err)
	}
	if c.Bot.SendRate <= 0 || c.Bot.SendBurst <= 0 {
		return errors.New("bot.send_rate and bot.send_burst must be positive")
	}
	return nil
}
