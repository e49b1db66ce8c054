package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrMissingAPIKey is returned when OPENAI_API_KEY is not set
var ErrMissingAPIKey = errors.New("OPENAI_API_KEY is required")

// Config is the process configuration, read from the environment and an optional .env file
type Config struct {
	OpenAIKey     string
	OpenAIBaseURL string
	Model         string
	MaxTokens     int
	Temperature   float32
	AITimeout     time.Duration
	SystemPrompt  string

	BotName           string
	Phone             string
	MaxReconnects     int
	ReconnectInterval time.Duration
	AutoPairTimeout   time.Duration
	TriggerContains   []string
	TriggerPrefixes   []string
	RateLimit         float64
	RateBurst         int
	Workers           int

	Port       int
	Env        string
	SessionDir string
	PairingLog string

	LogLevel  string
	LogFormat string
	LogFile   string
}

// Development reports whether APP_ENV is "development"
func (c *Config) Development() bool {
	return c.Env == "development"
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("OPENAI_BASE_URL", "")
	v.SetDefault("AI_MODEL", "gpt-4o-mini")
	v.SetDefault("AI_MAX_TOKENS", 150)
	v.SetDefault("AI_TEMPERATURE", 0.7)
	v.SetDefault("AI_TIMEOUT", 30*time.Second)
	v.SetDefault("AI_SYSTEM_PROMPT", "")
	v.SetDefault("BOT_NAME", "Karl")
	v.SetDefault("PHONE_NUMBER", "263771234567")
	v.SetDefault("MAX_RECONNECTS", 5)
	v.SetDefault("RECONNECT_INTERVAL", 5*time.Second)
	v.SetDefault("AUTO_PAIR_TIMEOUT", 30*time.Second)
	v.SetDefault("TRIGGER_CONTAINS", "")
	v.SetDefault("TRIGGER_PREFIXES", "")
	v.SetDefault("RATE_LIMIT", 0.5)
	v.SetDefault("RATE_BURST", 2)
	v.SetDefault("WORKERS", 10)
	v.SetDefault("PORT", 3000)
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("SESSION_DIR", "auth_info")
	v.SetDefault("PAIRING_LOG", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("LOG_FILE", "")
}

// Load reads .env (if present) and the environment. A missing API key is an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		OpenAIKey:         strings.TrimSpace(v.GetString("OPENAI_API_KEY")),
		OpenAIBaseURL:     v.GetString("OPENAI_BASE_URL"),
		Model:             v.GetString("AI_MODEL"),
		MaxTokens:         v.GetInt("AI_MAX_TOKENS"),
		Temperature:       float32(v.GetFloat64("AI_TEMPERATURE")),
		AITimeout:         v.GetDuration("AI_TIMEOUT"),
		SystemPrompt:      v.GetString("AI_SYSTEM_PROMPT"),
		BotName:           v.GetString("BOT_NAME"),
		Phone:             v.GetString("PHONE_NUMBER"),
		MaxReconnects:     v.GetInt("MAX_RECONNECTS"),
		ReconnectInterval: v.GetDuration("RECONNECT_INTERVAL"),
		AutoPairTimeout:   v.GetDuration("AUTO_PAIR_TIMEOUT"),
		TriggerContains:   splitList(v.GetString("TRIGGER_CONTAINS")),
		TriggerPrefixes:   splitList(v.GetString("TRIGGER_PREFIXES")),
		RateLimit:         v.GetFloat64("RATE_LIMIT"),
		RateBurst:         v.GetInt("RATE_BURST"),
		Workers:           v.GetInt("WORKERS"),
		Port:              v.GetInt("PORT"),
		Env:               v.GetString("APP_ENV"),
		SessionDir:        v.GetString("SESSION_DIR"),
		PairingLog:        v.GetString("PAIRING_LOG"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogFormat:         v.GetString("LOG_FORMAT"),
		LogFile:           v.GetString("LOG_FILE"),
	}
	if cfg.PairingLog == "" {
		cfg.PairingLog = filepath.Join(cfg.SessionDir, "pairing_log.json")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.OpenAIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	return nil
}

// splitList splits a "|"-separated keyword list. Keywords keep inner and
// trailing spaces ("ai " only matches a whole word), empty ones are dropped.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, "|") {
		if strings.TrimSpace(part) != "" {
			out = append(out, part)
		}
	}
	return out
}
