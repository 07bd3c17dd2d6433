// Package config loads AgentOS runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime option the server and worker recognize.
type Config struct {
	Port        int
	DatabaseURL string
	Env         string // "production" or "development"
	TrustProxy  bool
	LogLevel    string

	EnableMetrics bool
	MetricsToken  string

	AdminBootstrapToken string

	WriteQuotaPerDay       int64
	EmbedTokensQuotaPerDay int64
	SearchQuotaPerDay      int64

	RateLimitPerMinute        int
	SearchRateLimitPerMinute  int
	PreAuthRateLimitPerMinute int

	OpenAIAPIKey     string
	OpenAIEmbedModel string

	WorkerPollInterval time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", 8787)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("NODE_ENV", "development")
	v.SetDefault("TRUST_PROXY", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENABLE_METRICS", false)
	v.SetDefault("WRITE_QUOTA_PER_DAY", 50000)
	v.SetDefault("EMBED_TOKENS_QUOTA_PER_DAY", 2000000)
	v.SetDefault("SEARCH_QUOTA_PER_DAY", 20000)
	v.SetDefault("RATE_LIMIT_REQUESTS_PER_MINUTE", 120)
	v.SetDefault("SEARCH_RATE_LIMIT_PER_MINUTE", 60)
	v.SetDefault("PREAUTH_RATE_LIMIT_PER_MINUTE", 300)
	v.SetDefault("OPENAI_EMBED_MODEL", "text-embedding-3-small")
	v.SetDefault("EMBED_WORKER_POLL_INTERVAL", "1s")

	pollInterval, err := time.ParseDuration(v.GetString("EMBED_WORKER_POLL_INTERVAL"))
	if err != nil {
		return nil, fmt.Errorf("invalid EMBED_WORKER_POLL_INTERVAL: %w", err)
	}

	cfg := &Config{
		Port:                      v.GetInt("PORT"),
		DatabaseURL:               v.GetString("DATABASE_URL"),
		Env:                       v.GetString("NODE_ENV"),
		TrustProxy:                v.GetBool("TRUST_PROXY"),
		LogLevel:                  v.GetString("LOG_LEVEL"),
		EnableMetrics:             v.GetBool("ENABLE_METRICS"),
		MetricsToken:              v.GetString("METRICS_TOKEN"),
		AdminBootstrapToken:       v.GetString("ADMIN_BOOTSTRAP_TOKEN"),
		WriteQuotaPerDay:          v.GetInt64("WRITE_QUOTA_PER_DAY"),
		EmbedTokensQuotaPerDay:    v.GetInt64("EMBED_TOKENS_QUOTA_PER_DAY"),
		SearchQuotaPerDay:         v.GetInt64("SEARCH_QUOTA_PER_DAY"),
		RateLimitPerMinute:        v.GetInt("RATE_LIMIT_REQUESTS_PER_MINUTE"),
		SearchRateLimitPerMinute:  v.GetInt("SEARCH_RATE_LIMIT_PER_MINUTE"),
		PreAuthRateLimitPerMinute: v.GetInt("PREAUTH_RATE_LIMIT_PER_MINUTE"),
		OpenAIAPIKey:              v.GetString("OPENAI_API_KEY"),
		OpenAIEmbedModel:          v.GetString("OPENAI_EMBED_MODEL"),
		WorkerPollInterval:        pollInterval,
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// Production reports whether the process runs with production hardening
// (opaque internal errors, JSON logs).
func (c *Config) Production() bool {
	return c.Env == "production"
}
