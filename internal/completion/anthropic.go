package completion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/mtzanidakis/swarmflow/internal/config"
)

// Client sends single-turn prompts to Claude, either directly or through
// AWS Bedrock.
type Client struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// New builds a Client from configuration. An empty API key on the direct
// provider yields ErrFeatureUnavailable.
func New(ctx context.Context, cfg config.CompletionConfig) (*Client, error) {
	var opts []option.RequestOption
	model := anthropic.Model(cfg.Model)

	switch cfg.Provider {
	case "bedrock":
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
		model = bedrockModel(model)
	case "", "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic api key not set: %w", ErrFeatureUnavailable)
		}
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}

	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &Client{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// bedrockModel maps a direct model name onto its cross-region inference
// profile. Names already in Bedrock form pass through.
func bedrockModel(model anthropic.Model) anthropic.Model {
	if model == "" || strings.Contains(string(model), "anthropic.") {
		return model
	}
	return anthropic.Model("us.anthropic." + string(model) + "-v1:0")
}

func (c *Client) Model() string {
	return string(c.model)
}

func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("messages api: %w", err)
	}

	slog.Debug("completion finished",
		"model", c.model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"stop_reason", resp.StopReason)

	var b strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(variant.Text)
		}
	}
	return b.String(), nil
}
