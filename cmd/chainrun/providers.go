package main

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"goa.design/pulse/rmap"

	"github.com/shaneholloman/latitude-llm/features/model/anthropic"
	"github.com/shaneholloman/latitude-llm/features/model/bedrock"
	"github.com/shaneholloman/latitude-llm/features/model/middleware"
	"github.com/shaneholloman/latitude-llm/features/model/openai"
	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/telemetry"
)

// providerOrder sets the default provider when none is configured: the first
// one with credentials wins.
var providerOrder = []string{"anthropic", "openai", "bedrock"}

// buildProviders returns the configured model clients keyed by provider name,
// each behind its own adaptive rate limiter, and the default provider. With a
// limits map the budgets are shared by every process joined to it.
func buildProviders(ctx context.Context, cfg config, limits *rmap.Map, logger telemetry.Logger) (map[string]model.Client, string, error) {
	providers := make(map[string]model.Client)
	if cfg.AnthropicAPIKey != "" {
		c, err := anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		if err != nil {
			return nil, "", fmt.Errorf("anthropic: %w", err)
		}
		providers["anthropic"] = c
	}
	if cfg.OpenAIAPIKey != "" {
		c, err := openai.NewFromAPIKey(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
		if err != nil {
			return nil, "", fmt.Errorf("openai: %w", err)
		}
		providers["openai"] = c
	}
	if cfg.BedrockModel != "" {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, "", fmt.Errorf("load aws config: %w", err)
		}
		c, err := bedrock.NewFromConfig(awsCfg, cfg.BedrockModel, logger)
		if err != nil {
			return nil, "", fmt.Errorf("bedrock: %w", err)
		}
		providers["bedrock"] = c
	}
	if len(providers) == 0 {
		return nil, "", errors.New("no provider configured: set ANTHROPIC_API_KEY, OPENAI_API_KEY or BEDROCK_MODEL")
	}

	for name, c := range providers {
		limiter := middleware.NewAdaptiveRateLimiter(ctx, middleware.LimiterOptions{
			InitialTPM: float64(cfg.RateLimitTPM),
			MaxTPM:     float64(cfg.RateLimitTPM) * 2,
			Map:        limits,
			Key:        name,
			Logger:     logger,
		})
		providers[name] = limiter.Wrap(c)
	}

	def := cfg.DefaultProvider
	if def == "" {
		for _, name := range providerOrder {
			if _, ok := providers[name]; ok {
				def = name
				break
			}
		}
	}
	if _, ok := providers[def]; !ok {
		return nil, "", fmt.Errorf("default provider %q is not configured", def)
	}
	return providers, def, nil
}
