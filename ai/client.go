package ai

import (
	"context"
	"strings"
	"time"

	"whatsapp-karl-bot/utils"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
)

// Client implements Completer on top of an OpenAI compatible chat completion API
type Client struct {
	client       *openai.Client
	logger       zerolog.Logger
	model        string
	systemPrompt string
	maxTokens    int
	temperature  float32
	retries      int
	timeout      time.Duration
}

// NewClient creates a completion client. baseURL may be empty to use the OpenAI default.
func NewClient(apiKey, baseURL string, opts ...ClientOption) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	c := &Client{
		client:       openai.NewClientWithConfig(config),
		logger:       zerolog.Nop(),
		model:        openai.GPT4oMini,
		systemPrompt: DefaultSystemPrompt,
		maxTokens:    150,
		temperature:  0.7,
		retries:      2,
		timeout:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete asks the model to answer prompt. hint describes the conversation
// (direct or group, who is speaking) and is appended to the system instruction.
func (c *Client) Complete(ctx context.Context, prompt, hint string) (string, error) {
	ctx, cancel := contextWithTimeout(ctx, c.timeout)
	defer cancel()

	system := c.systemPrompt
	if hint != "" {
		system = system + "\n\n" + hint
	}
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	var resp openai.ChatCompletionResponse
	attempt := 0
	operation := func() error {
		attempt++
		result, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("completion request failed")
			if !retryable(err) {
				return utils.Permanent(err)
			}
			return err
		}
		resp = result
		return nil
	}

	var err error
	if c.retries > 0 {
		err = utils.WithRetry(ctx, operation, &utils.RetryConfig{
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			MaxElapsedTime:  c.timeout,
			MaxRetries:      uint64(c.retries),
		})
	} else {
		err = operation()
	}
	if err != nil {
		return "", classify(err)
	}

	if len(resp.Choices) == 0 {
		return "", &Error{Kind: KindUnavailable, Err: ErrEmptyResponse}
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", &Error{Kind: KindUnavailable, Err: ErrEmptyResponse}
	}

	c.logger.Debug().
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Msg("completion finished")
	return text, nil
}

func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

var _ Completer = (*Client)(nil)
