// Package genai writes short card previews for custom prompts using the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/WaffleCafe/internal/models"
)

// Defaults for preview generation.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.4
	DefaultMaxTokens   = 32
)

var (
	ErrNoAPIKey          = errors.New("OPENAI_API_KEY not set")
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrEmptyPreview      = errors.New("model returned an empty preview")
)

const previewSystemPrompt = `You write previews for conversation prompts shown on a small card.
Summarize the prompt as a short noun phrase of at most six words.
Do not ask a question, do not use quotes, and do not end with punctuation.`

// chatService is the subset of the OpenAI chat completion service the client needs.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Previewer produces a preview for a prompt text.
type Previewer interface {
	Preview(ctx context.Context, text string) (string, error)
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key. OPENAI_API_KEY is used when unset.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens bounds the completion length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
}

var _ Previewer = (*Client)(nil)

// NewClient builds a client. It fails when no API key is configured.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI.NewClient: client created", "model", cfg.Model)
	return &Client{
		chat:        &cli.Chat.Completions,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// GeneratePrompt is GeneratePromptWithContext with a background context.
func (c *Client) GeneratePrompt(systemPrompt, userPrompt string) (string, error) {
	return c.GeneratePromptWithContext(context.Background(), systemPrompt, userPrompt)
}

// GeneratePromptWithContext returns the first completion for the given prompts.
func (c *Client) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
		MaxTokens:   openai.Int(c.maxTokens),
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("GenAI.GeneratePromptWithContext: completion failed", "model", c.model, "error", err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// Preview asks the model for a short card preview of text. The result is
// cleaned up and bounded to models.PreviewLength characters.
func (c *Client) Preview(ctx context.Context, text string) (string, error) {
	out, err := c.GeneratePromptWithContext(ctx, previewSystemPrompt, text)
	if err != nil {
		return "", err
	}
	preview := cleanPreview(out)
	if preview == "" {
		return "", ErrEmptyPreview
	}
	return preview, nil
}

func cleanPreview(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'“”‘’ ")
	s = strings.TrimRight(s, ".!?")
	if utf8.RuneCountInString(s) > models.PreviewLength {
		s = models.TruncatePreview(s)
	}
	return s
}

// PreviewOrTruncate returns p's preview for text, falling back to the
// truncated text when p is nil or fails.
func PreviewOrTruncate(ctx context.Context, p Previewer, text string) string {
	if p != nil {
		preview, err := p.Preview(ctx, text)
		if err == nil {
			return preview
		}
		slog.Warn("GenAI.PreviewOrTruncate: falling back to truncation", "error", err)
	}
	return models.TruncatePreview(text)
}
