// Package config loads gateway settings from the environment. Load never
// fails on missing optional values; Validate catches contradictions
// before any component starts.
package config

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/modelbridge/gateway/internal/domain"
	"github.com/modelbridge/gateway/internal/quota"
	"github.com/modelbridge/gateway/internal/secrets"
)

type Config struct {
	Addr     string
	LogLevel string

	RedisURL    string
	DatabaseURL string

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	OllamaBaseURL   string
	BedrockRegion   string
	DefaultProvider string

	// Name of a Secrets Manager secret holding provider keys as JSON.
	// Values from the environment win over values from the secret.
	ProviderSecretsName string

	// Pre-flight admission.
	GlobalRPS   float64
	GlobalBurst float64

	// Gateway-wide budgets; zero disables the rule. Per-caller budgets
	// come from the caller registry instead.
	QuotaRequestsDay float64
	QuotaTokensDay   float64
	QuotaCostMonth   float64

	OTLPEndpoint string
	AWSRegion    string
	UsageQueue   string
	AlertTopic   string

	EncryptionKey string

	AdminAuthEnabled bool
	AdminUsername    string
	AdminPassword    string

	UseDistributedBreaker bool

	ShutdownTimeout time.Duration
}

func Load() *Config {
	return &Config{
		Addr:                  getEnv("ADDR", ":8080"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		RedisURL:              getEnv("REDIS_URL", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		OpenAIAPIKey:          getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:         getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicAPIKey:       getEnv("ANTHROPIC_API_KEY", ""),
		OllamaBaseURL:         getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		BedrockRegion:         getEnv("BEDROCK_REGION", ""),
		DefaultProvider:       getEnv("DEFAULT_PROVIDER", "ollama"),
		ProviderSecretsName:   getEnv("PROVIDER_SECRETS_NAME", ""),
		GlobalRPS:             getFloatEnv("GLOBAL_RPS", 100),
		GlobalBurst:           getFloatEnv("GLOBAL_BURST", 200),
		QuotaRequestsDay:      getFloatEnv("GLOBAL_QUOTA_REQUESTS_DAY", 0),
		QuotaTokensDay:        getFloatEnv("GLOBAL_QUOTA_TOKENS_DAY", 0),
		QuotaCostMonth:        getFloatEnv("GLOBAL_QUOTA_COST_MONTH", 0),
		OTLPEndpoint:          getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:             getEnv("AWS_REGION", ""),
		UsageQueue:            getEnv("USAGE_QUEUE_URL", ""),
		AlertTopic:            getEnv("ALERT_TOPIC_ARN", ""),
		EncryptionKey:         getEnv("ENCRYPTION_KEY", ""),
		AdminAuthEnabled:      getEnv("ADMIN_AUTH_ENABLED", "false") == "true",
		AdminUsername:         getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:         getEnv("ADMIN_PASSWORD", ""),
		UseDistributedBreaker: getEnv("USE_DISTRIBUTED_CB", "false") == "true",
		ShutdownTimeout:       getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

var knownProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"ollama":    true,
	"bedrock":   true,
}

// Validate rejects configurations that would start a gateway unable to
// serve anything.
func (c *Config) Validate() error {
	if !knownProviders[c.DefaultProvider] {
		return &domain.ConfigurationError{Field: "DEFAULT_PROVIDER", Reason: "unknown provider " + c.DefaultProvider}
	}
	if c.OpenAIAPIKey == "" && c.AnthropicAPIKey == "" && c.OllamaBaseURL == "" && c.BedrockRegion == "" {
		return &domain.ConfigurationError{Field: "providers", Reason: "no provider credentials configured"}
	}
	if c.GlobalRPS <= 0 || c.GlobalBurst <= 0 {
		return &domain.ConfigurationError{Field: "GLOBAL_RPS", Reason: "global rate limit must be positive"}
	}
	if c.AdminAuthEnabled && c.AdminPassword == "" {
		return &domain.ConfigurationError{Field: "ADMIN_PASSWORD", Reason: "admin auth enabled without a password"}
	}
	if c.UseDistributedBreaker && c.RedisURL == "" {
		return &domain.ConfigurationError{Field: "USE_DISTRIBUTED_CB", Reason: "distributed breaker requires REDIS_URL"}
	}
	return nil
}

// QuotaLimits builds the quota manager's static rule set from the
// gateway-wide budget settings. Nil when no budget is configured.
func (c *Config) QuotaLimits() map[string][]quota.Limit {
	var rules []quota.Limit
	if c.QuotaRequestsDay > 0 {
		rules = append(rules, quota.Limit{Type: quota.TypeRequests, Period: quota.PeriodDay, Max: c.QuotaRequestsDay})
	}
	if c.QuotaTokensDay > 0 {
		rules = append(rules, quota.Limit{Type: quota.TypeTokens, Period: quota.PeriodDay, Max: c.QuotaTokensDay})
	}
	if c.QuotaCostMonth > 0 {
		rules = append(rules, quota.Limit{Type: quota.TypeCost, Period: quota.PeriodMonth, Max: c.QuotaCostMonth})
	}
	if len(rules) == 0 {
		return nil
	}
	return map[string][]quota.Limit{domain.ScopeGlobal: rules}
}

type providerSecrets struct {
	OpenAIAPIKey    string `json:"openai_api_key"`
	AnthropicAPIKey string `json:"anthropic_api_key"`
}

// LoadProviderSecrets fills provider credentials that were not set in the
// environment from the named secret.
func (c *Config) LoadProviderSecrets(ctx context.Context, store secrets.Store) error {
	if c.ProviderSecretsName == "" {
		return nil
	}

	var s providerSecrets
	if err := store.GetJSON(ctx, c.ProviderSecretsName, &s); err != nil {
		return err
	}

	if c.OpenAIAPIKey == "" {
		c.OpenAIAPIKey = s.OpenAIAPIKey
	}
	if c.AnthropicAPIKey == "" {
		c.AnthropicAPIKey = s.AnthropicAPIKey
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getFloatEnv(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}
