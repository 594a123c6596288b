// Package config provides configuration management for the research orchestrator.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment variable the service reads.
const EnvPrefix = "OXBIO"

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// Provider names accepted in llm.provider_order.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderGemini     = "gemini"
	ProviderOpenRouter = "openrouter"
	ProviderGroq       = "groq"
	ProviderGLM        = "glm"

	// Search sources.
	SearchSourceOpenAlex        = "openalex"
	SearchSourceSemanticScholar = "semanticscholar"
)

// Config holds all configuration for the research orchestrator.
type Config struct {
	// Server contains HTTP/gRPC server settings.
	Server ServerConfig `mapstructure:"server"`
	// Database contains PostgreSQL connection settings.
	Database DatabaseConfig `mapstructure:"database"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// LLM contains the provider gateway settings.
	LLM LLMConfig `mapstructure:"llm"`
	// Dispatcher contains job queue and worker pool settings.
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	// Notify contains notification bus settings.
	Notify NotifyConfig `mapstructure:"notify"`
	// Kafka contains Kafka publisher settings for progress events.
	Kafka KafkaConfig `mapstructure:"kafka"`
	// Control contains the Kafka control-command consumer settings.
	Control ControlConfig `mapstructure:"control"`
	// Search contains the literature search backend settings.
	Search SearchConfig `mapstructure:"search"`
	// Dataset contains dataset validation settings.
	Dataset DatasetConfig `mapstructure:"dataset"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// GRPCPort is the gRPC health server port (default: 9090).
	GRPCPort int `mapstructure:"grpc_port"`
	// MetricsPort is the metrics server port (default: 9091).
	MetricsPort int `mapstructure:"metrics_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing response. Event
	// streams clear it per connection.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// StreamHeartbeat is the interval of keep-alive comments on event streams.
	StreamHeartbeat time.Duration `mapstructure:"stream_heartbeat"`
	// CORSOrigins lists browser origins allowed to call the API. Empty
	// disables CORS handling.
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// Host is the PostgreSQL server hostname.
	Host string `mapstructure:"host"`
	// Port is the PostgreSQL server port (default: 5432).
	Port int `mapstructure:"port"`
	// User is the database username.
	User string `mapstructure:"user"`
	// Password is the database password (use environment variable in production).
	Password string `mapstructure:"password"`
	// Name is the database name.
	Name string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in the pool (default: 20).
	MaxConns int32 `mapstructure:"max_conns"`
	// MinConns is the minimum number of connections to keep open (default: 2).
	MinConns int32 `mapstructure:"min_conns"`
	// MaxConnLifetime is the maximum lifetime of a connection before it's closed.
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// MaxConnIdleTime is the maximum time a connection can be idle before it's closed.
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// HealthCheckPeriod is the interval between health checks of idle connections.
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	// ConnectTimeout is the maximum time to wait for a connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// MigrationPath overrides the embedded schema with a directory of
	// migration files. Empty uses the schema built into the binary.
	MigrationPath string `mapstructure:"migration_path"`
	// MigrationAutoRun enables automatic migration on startup (default: false).
	MigrationAutoRun bool `mapstructure:"migration_auto_run"`
	// StatementCacheCapacity is the size of the prepared statement cache.
	StatementCacheCapacity int `mapstructure:"statement_cache_capacity"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr, file path).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection and exposure.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path"`
	// Namespace prefixes every metric name.
	Namespace string `mapstructure:"namespace"`
}

// LLMConfig holds the provider gateway configuration.
type LLMConfig struct {
	// ProviderOrder is the fallback order used by stage handlers.
	ProviderOrder []string `mapstructure:"provider_order"`
	// MaxAttempts is the number of attempts per provider before falling back.
	MaxAttempts int `mapstructure:"max_attempts"`
	// BaseDelay is the delay before the first retry against a provider.
	BaseDelay time.Duration `mapstructure:"base_delay"`
	// MaxDelay caps the retry delay.
	MaxDelay time.Duration `mapstructure:"max_delay"`
	// CallTimeout is the deadline of a single provider call.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// Temperature is the sampling temperature used by stage handlers.
	Temperature float64 `mapstructure:"temperature"`
	// MaxTokens is the completion budget used by stage handlers.
	MaxTokens int `mapstructure:"max_tokens"`
	// OpenAI contains OpenAI settings.
	OpenAI ProviderConfig `mapstructure:"openai"`
	// Anthropic contains Anthropic settings.
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	// Gemini contains Google Gemini settings.
	Gemini ProviderConfig `mapstructure:"gemini"`
	// OpenRouter contains OpenRouter settings.
	OpenRouter ProviderConfig `mapstructure:"openrouter"`
	// Groq contains Groq settings.
	Groq ProviderConfig `mapstructure:"groq"`
	// GLM contains Zhipu GLM settings.
	GLM ProviderConfig `mapstructure:"glm"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	// APIKey is loaded from OXBIO_LLM_<PROVIDER>_API_KEY only.
	APIKey string `mapstructure:"-"`
	// Model is the provider model to use.
	Model string `mapstructure:"model"`
	// BaseURL overrides the provider API base URL.
	BaseURL string `mapstructure:"base_url"`
	// MaxConcurrent caps in-flight calls to this provider across all workers.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// RateLimit is the maximum requests per second (0 disables).
	RateLimit float64 `mapstructure:"rate_limit"`
	// SupportsStreaming advertises streaming capability.
	SupportsStreaming bool `mapstructure:"supports_streaming"`
	// SupportsVision advertises image input capability.
	SupportsVision bool `mapstructure:"supports_vision"`
	// MaxContext is the model context window in tokens.
	MaxContext int `mapstructure:"max_context"`
}

// DispatcherConfig holds job queue settings.
type DispatcherConfig struct {
	// Workers is the number of concurrent claim loops.
	Workers int `mapstructure:"workers"`
	// LeaseDuration is how long a worker owns a claimed job.
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	// PollInterval is how long an idle worker waits before claiming again.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// SweepInterval is how often expired leases are returned to pending.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// MaxAttempts is the number of handler attempts before a job is dead.
	MaxAttempts int `mapstructure:"max_attempts"`
	// BaseBackoff is the delay before the first job retry.
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	// MaxBackoff caps the job retry delay.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
	// ShutdownGrace bounds how long in-flight jobs may run after shutdown starts.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// NotifyConfig holds notification bus settings.
type NotifyConfig struct {
	// BufferSize is the per-subscriber channel capacity.
	BufferSize int `mapstructure:"buffer_size"`
	// PostgresChannel is the LISTEN/NOTIFY channel for cross-process delivery.
	PostgresChannel string `mapstructure:"postgres_channel"`
	// PostgresEnabled publishes events through pg_notify.
	PostgresEnabled bool `mapstructure:"postgres_enabled"`
}

// KafkaConfig holds Kafka publisher settings for progress events.
type KafkaConfig struct {
	// Enabled controls whether Kafka publishing is active.
	Enabled bool `mapstructure:"enabled"`
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `mapstructure:"brokers"`
	// Topic is the Kafka topic progress events are published to.
	Topic string `mapstructure:"topic"`
	// BatchSize is the maximum number of messages to batch before sending.
	BatchSize int `mapstructure:"batch_size"`
	// BatchTimeout is the maximum time to wait for a batch to fill before sending.
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// ControlConfig holds the control-command consumer settings.
type ControlConfig struct {
	// Enabled starts the consumer in the worker process.
	Enabled bool `mapstructure:"enabled"`
	// Topic carries cancel and retrigger commands.
	Topic string `mapstructure:"topic"`
	// GroupID is the Kafka consumer group.
	GroupID string `mapstructure:"group_id"`
}

// SearchConfig holds the literature search backend settings.
type SearchConfig struct {
	// BaseURL is the OpenAlex API base URL.
	BaseURL string `mapstructure:"base_url"`
	// Mailto identifies the caller for the OpenAlex polite pool.
	Mailto string `mapstructure:"mailto"`
	// APIKey is loaded from OXBIO_SEARCH_API_KEY only.
	APIKey string `mapstructure:"-"`
	// Timeout is the timeout for API calls.
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the maximum requests per second.
	RateLimit float64 `mapstructure:"rate_limit"`
	// MaxResults is the maximum results per query.
	MaxResults int `mapstructure:"max_results"`
	// MaxAttempts bounds retries around a search call in the literature stage.
	MaxAttempts int `mapstructure:"max_attempts"`
	// Sources lists the backends queried, in merge order.
	Sources []string `mapstructure:"sources"`
	// SemanticScholarURL is the Semantic Scholar Graph API base URL.
	SemanticScholarURL string `mapstructure:"semantic_scholar_url"`
	// SemanticScholarAPIKey is loaded from OXBIO_SEARCH_SEMANTIC_SCHOLAR_API_KEY only.
	SemanticScholarAPIKey string `mapstructure:"-"`
}

// DatasetConfig holds dataset validation settings.
type DatasetConfig struct {
	// RequiredColumns must be present in every uploaded dataset.
	RequiredColumns []string `mapstructure:"required_columns"`
	// MaxRows rejects datasets larger than this (0 disables).
	MaxRows int `mapstructure:"max_rows"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}
	if c.StatementCacheCapacity > 0 {
		params.Set("statement_cache_capacity", fmt.Sprintf("%d", c.StatementCacheCapacity))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// GRPCAddress returns the gRPC server address.
func (c *ServerConfig) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// MetricsAddress returns the metrics server address.
func (c *ServerConfig) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// Provider returns the configuration of the named provider.
func (c *LLMConfig) Provider(name string) (ProviderConfig, bool) {
	switch strings.ToLower(name) {
	case ProviderOpenAI:
		return c.OpenAI, true
	case ProviderAnthropic:
		return c.Anthropic, true
	case ProviderGemini:
		return c.Gemini, true
	case ProviderOpenRouter:
		return c.OpenRouter, true
	case ProviderGroq:
		return c.Groq, true
	case ProviderGLM:
		return c.GLM, true
	default:
		return ProviderConfig{}, false
	}
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/oxidized-bio")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use env vars and defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Secrets come exclusively from environment variables.
	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
// These fields are tagged with mapstructure:"-" to prevent loading from config files.
func loadSecrets(cfg *Config) {
	cfg.LLM.OpenAI.APIKey = os.Getenv(EnvPrefix + "_LLM_OPENAI_API_KEY")
	cfg.LLM.Anthropic.APIKey = os.Getenv(EnvPrefix + "_LLM_ANTHROPIC_API_KEY")
	cfg.LLM.Gemini.APIKey = os.Getenv(EnvPrefix + "_LLM_GEMINI_API_KEY")
	cfg.LLM.OpenRouter.APIKey = os.Getenv(EnvPrefix + "_LLM_OPENROUTER_API_KEY")
	cfg.LLM.Groq.APIKey = os.Getenv(EnvPrefix + "_LLM_GROQ_API_KEY")
	cfg.LLM.GLM.APIKey = os.Getenv(EnvPrefix + "_LLM_GLM_API_KEY")

	cfg.Search.APIKey = os.Getenv(EnvPrefix + "_SEARCH_API_KEY")
	cfg.Search.SemanticScholarAPIKey = os.Getenv(EnvPrefix + "_SEARCH_SEMANTIC_SCHOLAR_API_KEY")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.stream_heartbeat", "15s")
	v.SetDefault("server.cors_origins", []string{})

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "oxbio")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "oxidized_bio")
	// Default to "require". Use OXBIO_DATABASE_SSL_MODE=disable for local development.
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "")
	v.SetDefault("database.migration_auto_run", false)
	v.SetDefault("database.statement_cache_capacity", 512)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339Nano)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "oxbio")

	// LLM gateway defaults
	v.SetDefault("llm.provider_order", []string{ProviderOpenAI, ProviderAnthropic})
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.base_delay", "1s")
	v.SetDefault("llm.max_delay", "20s")
	v.SetDefault("llm.call_timeout", "90s")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 4096)

	setProviderDefaults(v, ProviderOpenAI, "gpt-4o", "https://api.openai.com/v1", true, true, 128000)
	setProviderDefaults(v, ProviderAnthropic, "claude-sonnet-4-20250514", "https://api.anthropic.com", true, true, 200000)
	setProviderDefaults(v, ProviderGemini, "gemini-2.0-flash", "", true, true, 1000000)
	setProviderDefaults(v, ProviderOpenRouter, "openai/gpt-4o-mini", "https://openrouter.ai/api/v1", true, false, 128000)
	setProviderDefaults(v, ProviderGroq, "llama-3.3-70b-versatile", "https://api.groq.com/openai/v1", true, false, 128000)
	setProviderDefaults(v, ProviderGLM, "glm-4.7", "https://api.z.ai/api/paas/v4", true, false, 128000)

	// Dispatcher defaults
	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.lease_duration", "5m")
	v.SetDefault("dispatcher.poll_interval", "1s")
	v.SetDefault("dispatcher.sweep_interval", "30s")
	v.SetDefault("dispatcher.max_attempts", 3)
	v.SetDefault("dispatcher.base_backoff", "5s")
	v.SetDefault("dispatcher.max_backoff", "5m")
	v.SetDefault("dispatcher.shutdown_grace", "30s")

	// Notification defaults
	v.SetDefault("notify.buffer_size", 64)
	v.SetDefault("notify.postgres_channel", "workflow_events")
	v.SetDefault("notify.postgres_enabled", true)

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "workflow.events")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "1s")

	// Control consumer defaults
	v.SetDefault("control.enabled", false)
	v.SetDefault("control.topic", "workflow.commands")
	v.SetDefault("control.group_id", "oxbio-worker")

	// Search defaults
	v.SetDefault("search.base_url", "https://api.openalex.org")
	v.SetDefault("search.mailto", "")
	v.SetDefault("search.timeout", "30s")
	v.SetDefault("search.rate_limit", 10.0)
	v.SetDefault("search.max_results", 10)
	v.SetDefault("search.max_attempts", 3)
	v.SetDefault("search.sources", []string{"openalex"})
	v.SetDefault("search.semantic_scholar_url", "https://api.semanticscholar.org/graph/v1")

	// Dataset defaults
	v.SetDefault("dataset.required_columns", []string{})
	v.SetDefault("dataset.max_rows", 1000000)
}

func setProviderDefaults(v *viper.Viper, name, model, baseURL string, streaming, vision bool, maxContext int) {
	prefix := "llm." + name + "."
	v.SetDefault(prefix+"model", model)
	v.SetDefault(prefix+"base_url", baseURL)
	v.SetDefault(prefix+"max_concurrent", 4)
	v.SetDefault(prefix+"rate_limit", 0.0)
	v.SetDefault(prefix+"supports_streaming", streaming)
	v.SetDefault(prefix+"supports_vision", vision)
	v.SetDefault(prefix+"max_context", maxContext)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Validate server ports
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

	// Validate database config
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if err := c.LLM.validate(); err != nil {
		return err
	}

	// Validate dispatcher config
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher workers must be positive")
	}
	if c.Dispatcher.MaxAttempts <= 0 {
		return fmt.Errorf("dispatcher max_attempts must be positive")
	}
	if c.Dispatcher.LeaseDuration <= 0 {
		return fmt.Errorf("dispatcher lease_duration must be positive")
	}
	if c.Dispatcher.MaxBackoff < c.Dispatcher.BaseBackoff {
		return fmt.Errorf("dispatcher max_backoff (%s) must be >= base_backoff (%s)", c.Dispatcher.MaxBackoff, c.Dispatcher.BaseBackoff)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka is enabled")
	}
	if c.Control.Enabled && (len(c.Kafka.Brokers) == 0 || c.Control.Topic == "") {
		return fmt.Errorf("control consumer requires kafka brokers and a topic")
	}

	if len(c.Search.Sources) == 0 {
		return fmt.Errorf("at least one search source is required")
	}
	for _, src := range c.Search.Sources {
		switch strings.ToLower(strings.TrimSpace(src)) {
		case SearchSourceOpenAlex, SearchSourceSemanticScholar:
		default:
			return fmt.Errorf("unknown search source %q", src)
		}
	}

	return nil
}

func (c *LLMConfig) validate() error {
	if len(c.ProviderOrder) == 0 {
		return fmt.Errorf("llm provider_order must not be empty")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("llm max_attempts must be positive")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("llm call_timeout must be positive")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("llm temperature must be between 0 and 2")
	}

	seen := make(map[string]bool, len(c.ProviderOrder))
	for _, name := range c.ProviderOrder {
		name = strings.ToLower(strings.TrimSpace(name))
		if seen[name] {
			return fmt.Errorf("llm provider %q listed twice in provider_order", name)
		}
		seen[name] = true

		p, ok := c.Provider(name)
		if !ok {
			return fmt.Errorf("unknown llm provider %q in provider_order", name)
		}
		if p.APIKey == "" {
			return fmt.Errorf("llm provider %q requires %s_LLM_%s_API_KEY to be set", name, EnvPrefix, strings.ToUpper(name))
		}
		if p.Model == "" {
			return fmt.Errorf("llm provider %q requires a model", name)
		}
		if p.MaxConcurrent <= 0 {
			return fmt.Errorf("llm provider %q max_concurrent must be positive", name)
		}
	}
	return nil
}
