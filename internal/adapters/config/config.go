package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"agentrouter/pkg/errors"
)

type Config struct {
	App           AppConfig
	HTTP          HTTPConfig
	Postgres      PostgresConfig
	ClickHouse    ClickHouseConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Telegram      TelegramConfig
	AI            AIConfig
	ErrorTracking ErrorTrackingConfig
	Routing       RoutingConfig
	Session       SessionConfig
	Storage       StorageConfig
	Tracing       TracingConfig
}

type AppConfig struct {
	Name       string `envconfig:"APP_NAME" default:"agentrouter"`
	Env        string `envconfig:"APP_ENV" default:"development"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	Debug      bool   `envconfig:"DEBUG" default:"false"`
	RosterPath string `envconfig:"ROSTER_PATH" default:"configs/roster.yaml"`
	PromptsDir string `envconfig:"PROMPTS_DIR"` // overrides for the embedded prompt templates
}

type HTTPConfig struct {
	Port            int           `envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER"`
	Password string `envconfig:"POSTGRES_PASSWORD"`
	Database string `envconfig:"POSTGRES_DB"`
	SSLMode  string `envconfig:"POSTGRES_SSL_MODE" default:"disable"`
	MaxConns int    `envconfig:"POSTGRES_MAX_CONNS" default:"25"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s application_name=agentrouter",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type ClickHouseConfig struct {
	Host          string        `envconfig:"CLICKHOUSE_HOST"`
	Port          int           `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	User          string        `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password      string        `envconfig:"CLICKHOUSE_PASSWORD"`
	Database      string        `envconfig:"CLICKHOUSE_DB" default:"agentrouter"`
	BatchSize     int           `envconfig:"CLICKHOUSE_BATCH_SIZE" default:"500"`
	FlushInterval time.Duration `envconfig:"CLICKHOUSE_FLUSH_INTERVAL" default:"5s"`
	MaxConns      int           `envconfig:"CLICKHOUSE_MAX_CONNS" default:"4"`
}

type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`

	// Every reservation is one round trip, so the pool bounds concurrent role calls
	PoolSize    int           `envconfig:"REDIS_POOL_SIZE" default:"32"`
	DialTimeout time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"3s"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type KafkaConfig struct {
	Brokers      []string      `envconfig:"KAFKA_BROKERS"`
	WriteTimeout time.Duration `envconfig:"KAFKA_WRITE_TIMEOUT" default:"10s"`
}

type TelegramConfig struct {
	BotToken string  `envconfig:"TELEGRAM_BOT_TOKEN"`
	ChatIDs  []int64 `envconfig:"TELEGRAM_CHAT_IDS"`
}

// Enabled reports whether verdict notifications should be sent
func (c TelegramConfig) Enabled() bool {
	return c.BotToken != "" && len(c.ChatIDs) > 0
}

type AIConfig struct {
	ClaudeKey      string        `envconfig:"CLAUDE_API_KEY"`
	ClaudeBaseURL  string        `envconfig:"CLAUDE_BASE_URL" default:"https://api.anthropic.com/v1/"`
	OpenAIKey      string        `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL  string        `envconfig:"OPENAI_BASE_URL"`
	DeepSeekKey    string        `envconfig:"DEEPSEEK_API_KEY"`
	DeepSeekURL    string        `envconfig:"DEEPSEEK_BASE_URL" default:"https://api.deepseek.com/v1/"`
	GeminiKey      string        `envconfig:"GEMINI_API_KEY"`
	RateLimits     string        `envconfig:"AI_RATE_LIMITS" default:"anthropic:50,openai:500,google:60"` // provider:req_per_minute
	RequestTimeout time.Duration `envconfig:"AI_REQUEST_TIMEOUT" default:"60s"`
}

// GetRateLimit returns requests per minute for a provider, 0 when unlimited
func (c AIConfig) GetRateLimit(provider string) float64 {
	for _, item := range strings.Split(c.RateLimits, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(item), ":")
		if !ok || name != provider {
			continue
		}
		var rpm float64
		if _, err := fmt.Sscanf(value, "%g", &rpm); err == nil {
			return rpm
		}
	}
	return 0
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"false"`
	Provider    string `envconfig:"ERROR_TRACKING_PROVIDER" default:"sentry"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// RoutingConfig tunes the selector, dispatcher and circuit breakers
type RoutingConfig struct {
	AttemptTimeout       time.Duration `envconfig:"ROUTING_ATTEMPT_TIMEOUT" default:"30s"`
	RetriesPerCandidate  int           `envconfig:"ROUTING_RETRIES_PER_CANDIDATE" default:"0"`
	MaxAttempts          int           `envconfig:"ROUTING_MAX_ATTEMPTS" default:"6"`
	MaxOutputTokens      int           `envconfig:"ROUTING_MAX_OUTPUT_TOKENS" default:"1024"`
	LatencyAlpha         float64       `envconfig:"ROUTING_LATENCY_ALPHA" default:"0.2"`
	SuccessWindow        int           `envconfig:"ROUTING_SUCCESS_WINDOW" default:"20"`
	ProfileStaleAfter    time.Duration `envconfig:"ROUTING_PROFILE_STALE_AFTER" default:"24h"`
	LowConfidencePenalty float64       `envconfig:"ROUTING_LOW_CONFIDENCE_PENALTY" default:"0.8"`

	BreakerThreshold uint32        `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerWindow    time.Duration `envconfig:"BREAKER_WINDOW" default:"60s"`
	BreakerCooldown  time.Duration `envconfig:"BREAKER_COOLDOWN" default:"30s"`
}

// SessionConfig holds collaboration defaults
type SessionConfig struct {
	DefaultBudget      string        `envconfig:"SESSION_DEFAULT_BUDGET" default:"1.00"` // USD, 0 = unlimited
	MaxIterations      int           `envconfig:"SESSION_MAX_ITERATIONS" default:"3"`
	ConsensusThreshold float64       `envconfig:"SESSION_CONSENSUS_THRESHOLD" default:"0.75"`
	StageTimeout       time.Duration `envconfig:"SESSION_STAGE_TIMEOUT" default:"90s"`
	Timeout            time.Duration `envconfig:"SESSION_TIMEOUT" default:"10m"`
	Agreement          string        `envconfig:"SESSION_AGREEMENT" default:"plurality"` // plurality|pairwise
	Retention          time.Duration `envconfig:"SESSION_RETENTION" default:"1h"`
}

// StorageConfig selects which backends the service wires
type StorageConfig struct {
	// memory|sqlite|postgres|clickhouse|kafka
	AuditSinks []string `envconfig:"AUDIT_SINKS" default:"memory,sqlite"`
	SQLitePath string   `envconfig:"SQLITE_PATH" default:"data/agentrouter.db"`

	// sqlite|postgres|none
	ProfileStore string `envconfig:"PROFILE_STORE" default:"sqlite"`

	// memory|redis
	BudgetBackend string        `envconfig:"BUDGET_BACKEND" default:"memory"`
	BudgetTTL     time.Duration `envconfig:"BUDGET_TTL" default:"24h"`
}

// HasSink reports whether the named audit sink is enabled
func (c StorageConfig) HasSink(name string) bool {
	for _, s := range c.AuditSinks {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return true
		}
	}
	return false
}

type TracingConfig struct {
	Enabled  bool    `envconfig:"TRACING_ENABLED" default:"false"`
	Exporter string  `envconfig:"TRACING_EXPORTER" default:"stdout"` // stdout|noop
	Sample   float64 `envconfig:"TRACING_SAMPLE_RATE" default:"1.0"`
}

// Load reads configuration from environment variables
// It first tries to load .env file (useful for local development)
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not exists)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that every enabled backend has the settings it needs
func (c *Config) Validate() error {
	var errs errors.MultiError

	needPostgres := c.Storage.HasSink("postgres") || c.Storage.ProfileStore == "postgres"
	if needPostgres && (c.Postgres.Host == "" || c.Postgres.User == "" || c.Postgres.Database == "") {
		errs.Add(errors.NewValidationError("POSTGRES_HOST", "postgres storage enabled but not configured", c.Postgres.Host))
	}
	if c.Storage.HasSink("clickhouse") && c.ClickHouse.Host == "" {
		errs.Add(errors.NewValidationError("CLICKHOUSE_HOST", "clickhouse sink enabled but not configured", c.ClickHouse.Host))
	}
	if c.Storage.HasSink("kafka") && len(c.Kafka.Brokers) == 0 {
		errs.Add(errors.NewValidationError("KAFKA_BROKERS", "kafka sink enabled but no brokers", nil))
	}
	if c.Storage.BudgetBackend == "redis" && c.Redis.Host == "" {
		errs.Add(errors.NewValidationError("REDIS_HOST", "redis budget ledger enabled but not configured", c.Redis.Host))
	}
	switch c.Storage.BudgetBackend {
	case "memory", "redis":
	default:
		errs.Add(errors.NewValidationError("BUDGET_BACKEND", "must be memory or redis", c.Storage.BudgetBackend))
	}
	switch c.Storage.ProfileStore {
	case "sqlite", "postgres", "none":
	default:
		errs.Add(errors.NewValidationError("PROFILE_STORE", "must be sqlite, postgres or none", c.Storage.ProfileStore))
	}
	switch c.Session.Agreement {
	case "plurality", "pairwise":
	default:
		errs.Add(errors.NewValidationError("SESSION_AGREEMENT", "must be plurality or pairwise", c.Session.Agreement))
	}
	if c.Session.ConsensusThreshold < 0 || c.Session.ConsensusThreshold > 1 {
		errs.Add(errors.NewValidationError("SESSION_CONSENSUS_THRESHOLD", "must be within [0,1]", c.Session.ConsensusThreshold))
	}
	if c.Session.MaxIterations < 0 {
		errs.Add(errors.NewValidationError("SESSION_MAX_ITERATIONS", "must not be negative", c.Session.MaxIterations))
	}
	if c.Routing.MaxAttempts < 1 {
		errs.Add(errors.NewValidationError("ROUTING_MAX_ATTEMPTS", "must be at least 1", c.Routing.MaxAttempts))
	}

	return errs.ToError()
}
