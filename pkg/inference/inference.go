package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Config points at a local OpenAI-compatible inference service
// (llama.cpp, Ollama, vLLM and friends all speak this dialect).
type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"http://127.0.0.1:11434/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" default:"local"`
	FastModel          string        `envconfig:"FAST_MODEL" split_words:"true" required:"true"`
	CapableModel       string        `envconfig:"CAPABLE_MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int64         `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float64       `envconfig:"TEMPERATURE" split_words:"true" default:"0.5"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"60s"`
	MaxPromptRunes     int           `envconfig:"MAX_PROMPT_RUNES" split_words:"true" default:"24000"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("inference base url is required")
	}
	if strings.TrimSpace(c.FastModel) == "" {
		return errors.New("fast model is required")
	}
	if strings.TrimSpace(c.CapableModel) == "" {
		return errors.New("capable model is required")
	}
	return nil
}

// Client is a thin wrapper over the OpenAI SDK for plain prompt-in,
// text-out completions against the local backend.
type Client struct {
	sdk  *openaisdk.Client
	conf Config
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithBaseURL(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	sdk := openaisdk.NewClient(opts...)
	return &Client{sdk: &sdk, conf: cfg}, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

func (c *Client) FastModel() string    { return c.conf.FastModel }
func (c *Client) CapableModel() string { return c.conf.CapableModel }

// Generate runs one completion and returns the raw response text. The
// backend is a black box: output may be empty or malformed and callers
// must treat it accordingly.
func (c *Client) Generate(ctx context.Context, modelName, systemPrompt, userPrompt string) (string, error) {
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		return "", errors.New("model name is required")
	}

	messages := make([]openaisdk.ChatCompletionMessageParamUnion, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, openaisdk.SystemMessage(systemPrompt))
	}
	messages = append(messages, openaisdk.UserMessage(truncateRunes(userPrompt, c.conf.MaxPromptRunes)))

	resp, err := c.sdk.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model:       openaisdk.ChatModel(modelName),
		Messages:    messages,
		MaxTokens:   openaisdk.Int(c.conf.MaxCompletionToken),
		Temperature: openaisdk.Float(c.conf.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("inference completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("inference returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Ping verifies the backend is reachable. Used as a boot probe.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.sdk.Models.List(ctx); err != nil {
		return fmt.Errorf("inference backend unreachable: %w", err)
	}
	return nil
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
