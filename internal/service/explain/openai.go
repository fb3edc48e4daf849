package explain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the chat-completions generator.
type OpenAIConfig struct {
	APIKey       string
	Model        string
	BaseURL      string
	MaxTokens    int
	Temperature  float32
	Timeout      time.Duration
	SystemPrompt string
}

// OpenAIGenerator produces explanations through an OpenAI-compatible
// chat-completions endpoint.
type OpenAIGenerator struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *slog.Logger
}

// NewOpenAIGenerator validates cfg and builds a client.
func NewOpenAIGenerator(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("explain: OPENAI_API_KEY is not set")
	}
	if cfg.Model == "" {
		return nil, errors.New("explain: model is required")
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	logger.Info("explain: openai generator ready", "model", cfg.Model, "base_url", oc.BaseURL)
	return &OpenAIGenerator{client: openai.NewClientWithConfig(oc), cfg: cfg, logger: logger}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: g.cfg.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature:         g.cfg.Temperature,
		MaxCompletionTokens: g.cfg.MaxTokens,
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	g.logger.Debug("explain: openai response",
		"model", resp.Model,
		"finish_reason", resp.Choices[0].FinishReason,
		"total_tokens", resp.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds())
	return resp.Choices[0].Message.Content, nil
}
