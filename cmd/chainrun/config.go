package main

import (
	"os"
	"strconv"
	"time"
)

// config holds the environment configuration of the command.
type config struct {
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	AWSRegion       string
	BedrockModel    string
	DefaultProvider string

	RedisURL      string
	RedisPassword string
	MongoURI      string
	MongoDatabase string

	SandboxURL    string
	SandboxAPIKey string
	SearchURL     string
	SearchAPIKey  string

	RateLimitTPM    int
	MaxSteps        int
	ProviderTimeout time.Duration
	Debug           bool
}

func loadConfig() config {
	return config{
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  envOr("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:     envOr("OPENAI_MODEL", "gpt-4o"),
		AWSRegion:       os.Getenv("AWS_REGION"),
		BedrockModel:    os.Getenv("BEDROCK_MODEL"),
		DefaultProvider: os.Getenv("DEFAULT_PROVIDER"),

		RedisURL:      os.Getenv("REDIS_URL"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		MongoURI:      os.Getenv("MONGO_URI"),
		MongoDatabase: envOr("MONGO_DATABASE", "latitude"),

		SandboxURL:    os.Getenv("SANDBOX_URL"),
		SandboxAPIKey: os.Getenv("SANDBOX_API_KEY"),
		SearchURL:     os.Getenv("SEARCH_URL"),
		SearchAPIKey:  os.Getenv("SEARCH_API_KEY"),

		RateLimitTPM:    envIntOr("RATE_LIMIT_TPM", 0),
		MaxSteps:        envIntOr("MAX_STEPS", 0),
		ProviderTimeout: envDurationOr("PROVIDER_TIMEOUT", 10*time.Minute),
		Debug:           envBoolOr("DEBUG", false),
	}
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
