package whatsapp

import (
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Config holds the orchestrator settings
type Config struct {
	BotName           string
	Phone             string
	MaxReconnects     int
	ReconnectInterval time.Duration
	AutoPairTimeout   time.Duration
	Trigger           TriggerConfig
	RateLimit         rate.Limit
	RateBurst         int
	DedupWindow       time.Duration
}

const (
	DefaultMaxReconnects     = 5
	DefaultReconnectInterval = 5 * time.Second
	DefaultAutoPairTimeout   = 30 * time.Second
	DefaultDedupWindow       = 10 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.BotName == "" {
		c.BotName = "Karl"
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.AutoPairTimeout <= 0 {
		c.AutoPairTimeout = DefaultAutoPairTimeout
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 0.5
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 2
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if len(c.Trigger.Contains) == 0 && len(c.Trigger.Prefixes) == 0 {
		defaults := DefaultTriggerConfig()
		c.Trigger.Contains, c.Trigger.Prefixes = defaults.Contains, defaults.Prefixes
	}
	if len(c.Trigger.Mentions) == 0 {
		c.Trigger.Mentions = []string{"@" + strings.ToLower(c.BotName)}
	}
	return c
}
