// Package config loads deckplane settings from an optional YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the service.
type Config struct {
	// DataDir is the host directory mounted into every worker at /app/data.
	DataDir string `mapstructure:"data_dir"`

	// HTTP server port for the gateway
	HTTPPort int `mapstructure:"http_port"`

	// Container runtime: "docker" or "kubernetes"
	Runtime             string `mapstructure:"runtime"`
	PullMissingImages   bool   `mapstructure:"pull_missing_images"`
	KubernetesNamespace string `mapstructure:"kubernetes_namespace"`
	KubernetesSA        string `mapstructure:"kubernetes_service_account"`
	KubernetesCPULimit  string `mapstructure:"kubernetes_cpu_limit"`
	KubernetesMemLimit  string `mapstructure:"kubernetes_memory_limit"`

	// StageTemplate is an optional YAML file replacing the built-in stage list.
	StageTemplate     string        `mapstructure:"stage_template"`
	StageTimeout      time.Duration `mapstructure:"stage_timeout"`
	StageRetries      int           `mapstructure:"stage_retries"`
	StageRetryDelay   time.Duration `mapstructure:"stage_retry_delay"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs"`
	LinkPattern       string        `mapstructure:"link_pattern"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`

	// DatabaseURL enables the postgres store. Runs are kept in memory when empty.
	DatabaseURL string `mapstructure:"database_url"`

	// APITokens is a comma separated list of "name:token" pairs accepted by the gateway.
	APITokens      string  `mapstructure:"api_tokens"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`

	// S3-compatible storage for produced presentations. Publishing is off when S3Endpoint is empty.
	S3Endpoint  string        `mapstructure:"s3_endpoint"`
	S3AccessKey string        `mapstructure:"s3_access_key"`
	S3SecretKey string        `mapstructure:"s3_secret_key"`
	S3Region    string        `mapstructure:"s3_region"`
	S3Bucket    string        `mapstructure:"s3_bucket"`
	S3UseSSL    bool          `mapstructure:"s3_use_ssl"`
	S3Prefix    string        `mapstructure:"s3_prefix"`
	S3URLTTL    time.Duration `mapstructure:"s3_url_ttl"`

	OTELEndpoint string `mapstructure:"otel_endpoint"`
	LogLevel     string `mapstructure:"log_level"`
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"data_dir":                   "DATA_DIR",
	"http_port":                  "PORT",
	"runtime":                    "RUNTIME",
	"pull_missing_images":        "PULL_MISSING_IMAGES",
	"kubernetes_namespace":       "KUBERNETES_NAMESPACE",
	"kubernetes_service_account": "KUBERNETES_SERVICE_ACCOUNT",
	"kubernetes_cpu_limit":       "KUBERNETES_CPU_LIMIT",
	"kubernetes_memory_limit":    "KUBERNETES_MEMORY_LIMIT",
	"stage_template":             "STAGE_TEMPLATE",
	"stage_timeout":              "STAGE_TIMEOUT",
	"stage_retries":              "STAGE_RETRIES",
	"stage_retry_delay":          "STAGE_RETRY_DELAY",
	"run_timeout":                "RUN_TIMEOUT",
	"max_concurrent_runs":        "MAX_CONCURRENT_RUNS",
	"link_pattern":               "LINK_PATTERN",
	"shutdown_timeout":           "SHUTDOWN_TIMEOUT",
	"database_url":               "DATABASE_URL",
	"api_tokens":                 "API_TOKENS",
	"rate_limit":                 "RATE_LIMIT",
	"rate_limit_burst":           "RATE_LIMIT_BURST",
	"s3_endpoint":                "S3_ENDPOINT",
	"s3_access_key":              "S3_ACCESS_KEY",
	"s3_secret_key":              "S3_SECRET_KEY",
	"s3_region":                  "S3_REGION",
	"s3_bucket":                  "S3_BUCKET",
	"s3_use_ssl":                 "S3_USE_SSL",
	"s3_prefix":                  "S3_PREFIX",
	"s3_url_ttl":                 "S3_URL_TTL",
	"otel_endpoint":              "OTEL_EXPORTER_OTLP_ENDPOINT",
	"log_level":                  "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("http_port", 6161)
	v.SetDefault("runtime", "docker")
	v.SetDefault("pull_missing_images", false)
	v.SetDefault("kubernetes_namespace", "default")
	v.SetDefault("kubernetes_cpu_limit", "1")
	v.SetDefault("kubernetes_memory_limit", "1Gi")
	v.SetDefault("stage_timeout", 300*time.Second)
	v.SetDefault("stage_retries", 3)
	v.SetDefault("stage_retry_delay", 20*time.Second)
	v.SetDefault("run_timeout", time.Duration(0))
	v.SetDefault("max_concurrent_runs", 1)
	v.SetDefault("shutdown_timeout", 60*time.Second)
	v.SetDefault("rate_limit", 1.0)
	v.SetDefault("rate_limit_burst", 5)
	v.SetDefault("s3_bucket", "deckplane")
	v.SetDefault("s3_prefix", "runs")
	v.SetDefault("s3_url_ttl", 24*time.Hour)
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("log_level", "info")
}

// Load reads configuration from path (optional) and the environment.
// Environment variables take precedence over the file.
// When path is empty, deckplane.yaml is read from the working directory if it exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("deckplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Runtime {
	case "docker", "kubernetes":
	default:
		return fmt.Errorf("invalid runtime %q (env: RUNTIME): must be docker or kubernetes", c.Runtime)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir is required (env: DATA_DIR)")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d (env: PORT)", c.HTTPPort)
	}
	if c.StageTimeout <= 0 {
		return errors.New("stage_timeout must be positive (env: STAGE_TIMEOUT)")
	}
	if c.StageRetries < 1 {
		return errors.New("stage_retries must be at least 1 (env: STAGE_RETRIES)")
	}
	if c.StageRetryDelay < 0 {
		return errors.New("stage_retry_delay must not be negative (env: STAGE_RETRY_DELAY)")
	}
	if c.MaxConcurrentRuns < 1 {
		return errors.New("max_concurrent_runs must be at least 1 (env: MAX_CONCURRENT_RUNS)")
	}
	if c.RateLimit < 0 {
		return errors.New("rate_limit must not be negative (env: RATE_LIMIT)")
	}
	if c.S3Endpoint != "" && c.S3Bucket == "" {
		return errors.New("s3_bucket is required when s3_endpoint is set (env: S3_BUCKET)")
	}
	return nil
}

// PublishingEnabled reports whether produced files are uploaded to object storage.
func (c *Config) PublishingEnabled() bool {
	return c.S3Endpoint != ""
}
