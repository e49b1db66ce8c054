package ai

import (
	"time"

	"github.com/rs/zerolog"
)

// ClientOption configures a Client
type ClientOption func(*Client)

// DefaultSystemPrompt keeps replies short and friendly for chat
const DefaultSystemPrompt = "You are Karl, a friendly WhatsApp assistant. Answer in a casual, helpful tone. " +
	"Keep replies brief: at most three short sentences unless the user asks for detail."

// WithModel sets the completion model
func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

// WithMaxTokens caps the length of generated replies
func WithMaxTokens(n int) ClientOption {
	return func(c *Client) { c.maxTokens = n }
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float32) ClientOption {
	return func(c *Client) { c.temperature = t }
}

// WithSystemPrompt replaces the tone/brevity instruction
func WithSystemPrompt(prompt string) ClientOption {
	return func(c *Client) {
		if prompt != "" {
			c.systemPrompt = prompt
		}
	}
}

// WithTimeout bounds the time spent on one completion including retries
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithRetries sets how many times a transient failure is retried
func WithRetries(n int) ClientOption {
	return func(c *Client) { c.retries = n }
}

// WithLogger attaches a logger
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}
