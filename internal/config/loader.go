package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentflow.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTFLOW_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTFLOW_CORS_ORIGIN")
	setFloat64(&cfg.Server.RateLimitRPS, "AGENTFLOW_RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "AGENTFLOW_RATE_LIMIT_BURST")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTFLOW_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTFLOW_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTFLOW_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTFLOW_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTFLOW_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.LLM.URL, "AGENTFLOW_LLM_URL")
	setString(&cfg.LLM.APIKey, "AGENTFLOW_LLM_API_KEY")
	setString(&cfg.LLM.Model, "AGENTFLOW_LLM_MODEL")
	setInt(&cfg.LLM.MaxTokens, "AGENTFLOW_LLM_MAX_TOKENS")
	setDuration(&cfg.LLM.Timeout, "AGENTFLOW_LLM_TIMEOUT")
	setString(&cfg.Logging.Level, "AGENTFLOW_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTFLOW_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AGENTFLOW_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "AGENTFLOW_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Cooldown, "AGENTFLOW_BREAKER_COOLDOWN")
	setDuration(&cfg.Queue.Lease, "AGENTFLOW_QUEUE_LEASE")
	setInt(&cfg.Queue.IdempotentRetries, "AGENTFLOW_QUEUE_IDEMPOTENT_RETRIES")
	setDuration(&cfg.Queue.RetryBaseDelay, "AGENTFLOW_QUEUE_RETRY_BASE_DELAY")
	setDuration(&cfg.Queue.RetryMaxDelay, "AGENTFLOW_QUEUE_RETRY_MAX_DELAY")
	setDuration(&cfg.Queue.SweepInterval, "AGENTFLOW_QUEUE_SWEEP_INTERVAL")
	setInt(&cfg.Workers.Count, "AGENTFLOW_WORKER_COUNT")
	setDuration(&cfg.Workers.PollInterval, "AGENTFLOW_WORKER_POLL_INTERVAL")
	setDuration(&cfg.Engine.RunTimeout, "AGENTFLOW_ENGINE_RUN_TIMEOUT")
	setDuration(&cfg.Engine.StepTimeout, "AGENTFLOW_ENGINE_STEP_TIMEOUT")
	setDuration(&cfg.Engine.ReconcileInterval, "AGENTFLOW_ENGINE_RECONCILE_INTERVAL")
	setInt(&cfg.Collab.MaxSubGoals, "AGENTFLOW_COLLAB_MAX_SUB_GOALS")
	setDuration(&cfg.Collab.Timeout, "AGENTFLOW_COLLAB_TIMEOUT")
	setInt64(&cfg.Cache.MaxSizeMB, "AGENTFLOW_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "AGENTFLOW_CACHE_TTL")
	setString(&cfg.Workflows.Dir, "AGENTFLOW_WORKFLOW_DIR")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Integrations.SlackWebhookURL, "AGENTFLOW_SLACK_WEBHOOK_URL")
	setString(&cfg.Integrations.DiscordWebhookURL, "AGENTFLOW_DISCORD_WEBHOOK_URL")
	setString(&cfg.Integrations.GitHubToken, "AGENTFLOW_GITHUB_TOKEN")
	setString(&cfg.Integrations.GitHubBaseURL, "AGENTFLOW_GITHUB_BASE_URL")
	setString(&cfg.Integrations.SearchURL, "AGENTFLOW_SEARCH_URL")
	setString(&cfg.Integrations.SMTP.Host, "AGENTFLOW_SMTP_HOST")
	setInt(&cfg.Integrations.SMTP.Port, "AGENTFLOW_SMTP_PORT")
	setString(&cfg.Integrations.SMTP.From, "AGENTFLOW_SMTP_FROM")
	setString(&cfg.Integrations.SMTP.Password, "AGENTFLOW_SMTP_PASSWORD")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Queue.Lease <= 0 {
		return errors.New("queue.lease must be positive")
	}
	if cfg.Queue.IdempotentRetries < 0 {
		return errors.New("queue.idempotent_retries must be >= 0")
	}
	if cfg.Workers.Count < 1 {
		return errors.New("workers.count must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
