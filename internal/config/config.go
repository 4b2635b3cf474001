// Package config loads the process-wide Config from a YAML or JSON5 file,
// resolving `$include` directives (see loader.go) and expanding `${VAR}`
// environment references before decoding.
package config

import (
	"fmt"
	"time"
)

// Config is the root of the ConvoAI configuration tree. Ambient concerns —
// auth, storage, logging — sit alongside the domain sections (Dispatcher,
// Pipeline, Gateway, Analytics) in one nested struct.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Auth       AuthConfig       `yaml:"auth"`
	Storage    StorageConfig    `yaml:"storage"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Model      ModelConfig      `yaml:"model"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
}

// LoggingConfig configures the process-wide slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error, default info
	Format string `yaml:"format"`  // text|json, default json
}

// AuthConfig configures the Identity Verifier. VerificationKey is the
// single process-wide key every component that validates tokens must share;
// an empty key is a fatal startup error (see Load), never a silent bypass.
type AuthConfig struct {
	VerificationKey string        `yaml:"verification_key"`
	TokenExpiry     time.Duration `yaml:"token_expiry"`
	AdminRole       string        `yaml:"admin_role"`
	APIKeys         []APIKeyEntry `yaml:"api_keys"`
}

// APIKeyEntry declares one static service-to-service credential.
type APIKeyEntry struct {
	Key     string   `yaml:"key"`
	Subject string   `yaml:"subject"`
	Roles   []string `yaml:"roles"`
}

// StorageConfig selects and configures the Conversation Store backend.
// Driver "memory" needs nothing further; "postgres" requires DSN.
type StorageConfig struct {
	Driver          string        `yaml:"driver"`  // memory|postgres
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// DispatcherConfig configures the Tool Dispatcher's two phases.
type DispatcherConfig struct {
	DiscoveryTimeout        time.Duration `yaml:"discovery_timeout"`
	DiscoveryMaxConcurrency int           `yaml:"discovery_max_concurrency"`
	InvocationTimeout       time.Duration `yaml:"invocation_timeout"`

	// RateLimitEnabled bounds per-tool-server invocation rate. Disabled by
	// default: most deployments front their tool servers with their own
	// limiter, and this one only protects against a single misbehaving
	// ConvoAI dispatcher, not coordinated load across replicas.
	RateLimitEnabled           bool    `yaml:"rate_limit_enabled"`
	RateLimitRequestsPerSecond float64 `yaml:"rate_limit_requests_per_second"`
	RateLimitBurstSize         int     `yaml:"rate_limit_burst_size"`
}

// ModelConfig configures the HTTP client against the model provider, an
// external collaborator consumed through a narrow chat-completion interface
// only (see internal/agent.HTTPProvider).
type ModelConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// PipelineConfig configures the Model Pipeline's completion loop.
type PipelineConfig struct {
	Model          string  `yaml:"model"`
	MaxTokens      int     `yaml:"max_tokens"`
	ContextWindow  int     `yaml:"context_window"`
	MaxToolHops    int     `yaml:"max_tool_hops"`
	ModelRetries   int     `yaml:"model_retries"`
	RetryInitialMs float64 `yaml:"retry_initial_ms"`
	RetryMaxMs     float64 `yaml:"retry_max_ms"`
	RetryFactor    float64 `yaml:"retry_factor"`
	RetryJitter    float64 `yaml:"retry_jitter"`

	ToolMaxConcurrency int           `yaml:"tool_max_concurrency"`
	ToolTimeout        time.Duration `yaml:"tool_timeout"`
	ToolRetries        int           `yaml:"tool_retries"`

	// CostInputPerMillion/CostOutputPerMillion price the configured model in
	// USD per million tokens, for the usage Tracker's cost estimate. Zero
	// (the default) disables cost estimation — token counts are still
	// tracked either way.
	CostInputPerMillion  float64 `yaml:"cost_input_per_million"`
	CostOutputPerMillion float64 `yaml:"cost_output_per_million"`
}

// GatewayConfig configures the Conversation Gateway's listener.
type GatewayConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// AnalyticsConfig configures the Analytics Ingestor and Query Surface.
// The two listen on separate addresses because they sit on
// opposite sides of the ingestor's network-level trust boundary: Ingest is
// meant for a private-network-only interface, Query for one reachable by
// admin clients.
type AnalyticsConfig struct {
	IngestListenAddr string `yaml:"ingest_listen_addr"`
	QueryListenAddr  string `yaml:"query_listen_addr"`
	IngestorURL      string `yaml:"ingestor_url"`  // not read by the serve command, which always emits to its own in-process ingestor
}

// Load reads and decodes the config at path, applies defaults, and runs
// fatal startup checks. An empty verification key is refused here rather
// than left to manifest later as "valid token rejected" at request time
//.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Auth.AdminRole == "" {
		c.Auth.AdminRole = "admin"
	}
	if c.Auth.TokenExpiry == 0 {
		c.Auth.TokenExpiry = 24 * time.Hour
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MaxOpenConns == 0 {
		c.Storage.MaxOpenConns = 25
	}
	if c.Storage.MaxIdleConns == 0 {
		c.Storage.MaxIdleConns = 5
	}
	if c.Storage.ConnMaxLifetime == 0 {
		c.Storage.ConnMaxLifetime = 5 * time.Minute
	}
	if c.Storage.ConnMaxIdleTime == 0 {
		c.Storage.ConnMaxIdleTime = 2 * time.Minute
	}
	if c.Storage.ConnectTimeout == 0 {
		c.Storage.ConnectTimeout = 10 * time.Second
	}

	if c.Dispatcher.DiscoveryTimeout == 0 {
		c.Dispatcher.DiscoveryTimeout = 2 * time.Second
	}
	if c.Dispatcher.DiscoveryMaxConcurrency == 0 {
		c.Dispatcher.DiscoveryMaxConcurrency = 8
	}
	if c.Dispatcher.InvocationTimeout == 0 {
		c.Dispatcher.InvocationTimeout = 10 * time.Second
	}
	if c.Dispatcher.RateLimitEnabled {
		if c.Dispatcher.RateLimitRequestsPerSecond == 0 {
			c.Dispatcher.RateLimitRequestsPerSecond = 10
		}
		if c.Dispatcher.RateLimitBurstSize == 0 {
			c.Dispatcher.RateLimitBurstSize = 20
		}
	}

	if c.Model.Name == "" {
		c.Model.Name = "default"
	}

	if c.Pipeline.MaxTokens == 0 {
		c.Pipeline.MaxTokens = 4096
	}
	if c.Pipeline.ContextWindow == 0 {
		c.Pipeline.ContextWindow = 20
	}
	if c.Pipeline.MaxToolHops == 0 {
		c.Pipeline.MaxToolHops = 5
	}
	if c.Pipeline.ModelRetries == 0 {
		c.Pipeline.ModelRetries = 2
	}
	if c.Pipeline.RetryInitialMs == 0 {
		c.Pipeline.RetryInitialMs = 100
	}
	if c.Pipeline.RetryMaxMs == 0 {
		c.Pipeline.RetryMaxMs = 30000
	}
	if c.Pipeline.RetryFactor == 0 {
		c.Pipeline.RetryFactor = 2
	}
	if c.Pipeline.RetryJitter == 0 {
		c.Pipeline.RetryJitter = 0.1
	}
	if c.Pipeline.ToolMaxConcurrency == 0 {
		c.Pipeline.ToolMaxConcurrency = 5
	}
	if c.Pipeline.ToolTimeout == 0 {
		c.Pipeline.ToolTimeout = 10 * time.Second
	}

	if c.Gateway.ListenAddr == "" {
		c.Gateway.ListenAddr = ":8081"
	}
	if c.Analytics.IngestListenAddr == "" {
		c.Analytics.IngestListenAddr = ":8082"
	}
	if c.Analytics.QueryListenAddr == "" {
		c.Analytics.QueryListenAddr = ":8083"
	}
}

func (c *Config) validate() error {
	if c.Auth.VerificationKey == "" {
		return fmt.Errorf("auth.verification_key is required: a single verification key must be shared by every component that validates tokens")
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required when storage.driver is postgres")
	}
	if c.Model.BaseURL == "" {
		return fmt.Errorf("model.base_url is required: the pipeline has no default model provider")
	}
	return nil
}
