// Package genai provides chat completions over the OpenAI API (or any compatible gateway)
// with tier-aware parameters and bounded retry on transient upstream statuses.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default completion settings.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.6
	DefaultMaxTokens   = 200
	DefaultAttempts    = 3
	DefaultBaseDelay   = 500 * time.Millisecond
)

// Message roles accepted by Complete.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrEmptyContent      = errors.New("completion content is empty")
	ErrAPIKeyNotSet      = errors.New("OpenAI API key not set")
)

// retryableStatuses are upstream statuses worth another attempt: rate limiting,
// service unavailable and the gateway origin timeout.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusServiceUnavailable: true,
	524:                           true,
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK completion service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Message is a role-tagged prompt entry.
type Message struct {
	Role    string
	Content string
}

// Request is one completion call. Zero fields fall back to the client defaults.
type Request struct {
	Messages    []Message
	Model       string
	MaxTokens   int64
	Temperature float64
}

// RetryPolicy bounds retries of retryable upstream statuses. The delay doubles after each attempt.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int64
	Retry       RetryPolicy
	HTTPClient  *http.Client
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI compatible endpoint such as an AI gateway.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(temp float64) Option {
	return func(o *Opts) { o.Temperature = temp }
}

// WithMaxTokens sets the default completion length.
func WithMaxTokens(tokens int64) Option {
	return func(o *Opts) { o.MaxTokens = tokens }
}

// WithRetry sets the retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(o *Opts) { o.Retry = p }
}

// WithHTTPClient overrides the HTTP client used by the SDK.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	retry       RetryPolicy
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewClient creates a completion client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Retry:       RetryPolicy{Attempts: DefaultAttempts, BaseDelay: DefaultBaseDelay},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	// Retries are handled here so only the documented statuses are retried.
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.HTTPClient))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "baseURL_set", cfg.BaseURL != "", "attempts", cfg.Retry.Attempts)

	return newClient(completionsAdapter{svc: &cli.Chat.Completions}, cfg), nil
}

func newClient(chat chatService, cfg Opts) *Client {
	if cfg.Retry.Attempts < 1 {
		cfg.Retry.Attempts = 1
	}
	return &Client{
		chat:        chat,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		retry:       cfg.Retry,
		sleep:       sleepContext,
	}
}

// Complete sends the messages and returns the first choice's content.
// Retryable statuses are retried with exponential backoff; any other failure returns immediately.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	params := c.buildParams(req)
	delay := c.retry.BaseDelay

	var lastErr error
	for attempt := 1; attempt <= c.retry.Attempts; attempt++ {
		resp, err := c.chat.Create(ctx, params)
		if err == nil {
			return contentOf(resp)
		}
		lastErr = err

		status := StatusCode(err)
		if !retryableStatuses[status] || attempt == c.retry.Attempts {
			break
		}
		slog.Warn("Client.Complete: retryable upstream status", "status", status, "attempt", attempt, "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return "", fmt.Errorf("completion canceled: %w", err)
		}
		delay *= 2
	}
	return "", fmt.Errorf("completion failed: %w", lastErr)
}

func (c *Client) buildParams(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.temperature
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	return openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    msgs,
		Temperature: openai.Float(temperature),
		MaxTokens:   openai.Int(maxTokens),
	}
}

func contentOf(resp openai.ChatCompletion) (string, error) {
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", ErrEmptyContent
	}
	return content, nil
}

// StatusCode extracts the HTTP status of an API error, or 0 for other errors.
func StatusCode(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	var statusErr interface{ HTTPStatus() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatus()
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
