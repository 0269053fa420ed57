package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full configuration for an invoice processing service.
// Configuration follows the explicit-override principle:
//
//	explicit options > environment variables > config file > defaults
//
// All durations accept Go duration strings in the environment
// (e.g. "30s", "5m").
type Config struct {
	// Name identifies the service in logs and telemetry
	Name string `yaml:"name"`

	// Port for the HTTP API
	Port int `yaml:"port"`

	Workflow  WorkflowConfig  `yaml:"workflow"`
	Redis     RedisConfig     `yaml:"redis"`
	Tools     ToolsConfig     `yaml:"tools"`
	AI        AIConfig        `yaml:"ai"`
	HTTP      HTTPConfig      `yaml:"http"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// WorkflowConfig controls pipeline behavior.
type WorkflowConfig struct {
	Version            string  `yaml:"version"`
	WorkflowName       string  `yaml:"workflow_name"`
	MatchThreshold     float64 `yaml:"match_threshold"`
	TwoWayTolerancePct float64 `yaml:"two_way_tolerance_pct"`
	HumanReviewQueue   string  `yaml:"human_review_queue"`
	CheckpointTable    string  `yaml:"checkpoint_table"`
	DefaultDB          string  `yaml:"default_db"`
}

// RedisConfig controls checkpoint and review persistence. An empty URL
// selects the in-memory stores, which is the development default.
type RedisConfig struct {
	URL           string        `yaml:"url"`
	KeyPrefix     string        `yaml:"key_prefix"`
	CheckpointTTL time.Duration `yaml:"checkpoint_ttl"`
}

// ToolsConfig points at the external tool servers.
type ToolsConfig struct {
	CommonURL        string        `yaml:"common_url"`
	AtlasURL         string        `yaml:"atlas_url"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	InvokeTimeout    time.Duration `yaml:"invoke_timeout"`
	MockFallback     bool          `yaml:"mock_fallback"`
}

// AIConfig controls the LLM integration. When no API key is configured
// the service falls back to deterministic tool selection and canned
// reasoning, so the pipeline works without external credentials.
type AIConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"-"`
	Model   string `yaml:"model"`
}

// HTTPConfig holds server tunables.
type HTTPConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig for cross-origin requests from the review UI.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	ExposedHeaders   []string `yaml:"exposed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Option configures a Config
type Option func(*Config) error

// DefaultConfig returns a Config with production defaults. The match
// threshold and tolerance mirror the reference policy shipped with the
// workflow definition file.
func DefaultConfig() *Config {
	return &Config{
		Name: "invoiceflow",
		Port: 8000,
		Workflow: WorkflowConfig{
			Version:            "1.0",
			WorkflowName:       "InvoiceProcessing_v1",
			MatchThreshold:     0.90,
			TwoWayTolerancePct: 5.0,
			HumanReviewQueue:   "human_review_queue",
			CheckpointTable:    "invoice_checkpoints",
			DefaultDB:          "postgresql",
		},
		Redis: RedisConfig{
			KeyPrefix:     "invoiceflow",
			CheckpointTTL: 24 * time.Hour,
		},
		Tools: ToolsConfig{
			CommonURL:        "http://localhost:8001",
			AtlasURL:         "http://localhost:8002",
			DiscoveryTimeout: 5 * time.Second,
			InvokeTimeout:    30 * time.Second,
			MockFallback:     true,
		},
		AI: AIConfig{
			Enabled: true,
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		HTTP: HTTPConfig{
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming endpoints need an unbounded write window
			ShutdownTimeout: 10 * time.Second,
			CORS: CORSConfig{
				Enabled:          true,
				AllowedOrigins:   []string{"*"},
				AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"*"},
				AllowCredentials: true,
				MaxAge:           3600,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// LoadFromEnv overlays environment variables onto the config.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("INVOICEFLOW_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("INVOICEFLOW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}

	// Workflow settings
	if v := os.Getenv("INVOICEFLOW_MATCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Workflow.MatchThreshold = f
		}
	}
	if v := os.Getenv("INVOICEFLOW_TOLERANCE_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Workflow.TwoWayTolerancePct = f
		}
	}

	// Persistence settings
	if v := os.Getenv("INVOICEFLOW_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" && c.Redis.URL == "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("INVOICEFLOW_REDIS_PREFIX"); v != "" {
		c.Redis.KeyPrefix = v
	}
	if v := os.Getenv("INVOICEFLOW_CHECKPOINT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Redis.CheckpointTTL = d
		}
	}

	// Tool server settings
	if v := os.Getenv("INVOICEFLOW_COMMON_URL"); v != "" {
		c.Tools.CommonURL = v
	}
	if v := os.Getenv("INVOICEFLOW_ATLAS_URL"); v != "" {
		c.Tools.AtlasURL = v
	}
	if v := os.Getenv("INVOICEFLOW_TOOL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Tools.InvokeTimeout = d
		}
	}
	if v := os.Getenv("INVOICEFLOW_MOCK_TOOLS"); v != "" {
		c.Tools.MockFallback = parseBool(v)
	}

	// AI settings
	if v := os.Getenv("INVOICEFLOW_AI_ENABLED"); v != "" {
		c.AI.Enabled = parseBool(v)
	}
	if v := os.Getenv("INVOICEFLOW_AI_BASE_URL"); v != "" {
		c.AI.BaseURL = v
	}
	if v := os.Getenv("INVOICEFLOW_AI_MODEL"); v != "" {
		c.AI.Model = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.AI.APIKey = v
	}

	// HTTP settings
	if v := os.Getenv("INVOICEFLOW_HTTP_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HTTP.ReadTimeout = d
		}
	}
	if v := os.Getenv("INVOICEFLOW_CORS_ORIGINS"); v != "" {
		c.HTTP.CORS.AllowedOrigins = parseStringList(v)
	}

	// Telemetry settings
	if v := os.Getenv("INVOICEFLOW_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" && c.Telemetry.Endpoint == "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = v
	}

	// Logging settings
	if v := os.Getenv("INVOICEFLOW_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("INVOICEFLOW_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	return nil
}

// LoadFromFile overlays a YAML workflow definition file onto the config.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	if !filepath.IsAbs(cleanPath) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		cleanPath = filepath.Join(wd, cleanPath)
	}

	data, err := os.ReadFile(filepath.Clean(cleanPath))
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cleanPath, ErrInvalidConfiguration)
	}

	return nil
}

// Validate checks if the configuration is valid and returns an error if
// not. Called automatically by NewConfig() but can also be called
// manually after modifying configuration.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &WorkflowError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("invalid port: %d", c.Port),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Name == "" {
		return &WorkflowError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "service name is required",
			Err:     ErrMissingConfiguration,
		}
	}

	if c.Workflow.MatchThreshold <= 0 || c.Workflow.MatchThreshold > 1 {
		return &WorkflowError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("match threshold must be in (0, 1], got %v", c.Workflow.MatchThreshold),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Workflow.TwoWayTolerancePct < 0 {
		return &WorkflowError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("tolerance percentage must be non-negative, got %v", c.Workflow.TwoWayTolerancePct),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return &WorkflowError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "telemetry endpoint is required when telemetry is enabled",
			Err:     ErrMissingConfiguration,
		}
	}

	return nil
}

// NewConfig builds a Config from defaults, environment, and options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	// Apply functional options (these override env vars)
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// WithName sets the service name
func WithName(name string) Option {
	return func(c *Config) error {
		c.Name = name
		return nil
	}
}

// WithPort sets the HTTP port
func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid port %d: %w", port, ErrInvalidConfiguration)
		}
		c.Port = port
		return nil
	}
}

// WithConfigFile overlays a YAML workflow definition file. Options
// applied after this one still win over file values.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// WithRedisURL enables Redis-backed persistence
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

// WithMatchThreshold overrides the two-way match pass threshold
func WithMatchThreshold(threshold float64) Option {
	return func(c *Config) error {
		c.Workflow.MatchThreshold = threshold
		return nil
	}
}

// WithTolerancePct overrides the two-way match tolerance band
func WithTolerancePct(pct float64) Option {
	return func(c *Config) error {
		c.Workflow.TwoWayTolerancePct = pct
		return nil
	}
}

// WithToolServers points the pipeline at specific tool server URLs
func WithToolServers(commonURL, atlasURL string) Option {
	return func(c *Config) error {
		c.Tools.CommonURL = commonURL
		c.Tools.AtlasURL = atlasURL
		return nil
	}
}

// WithMockTools controls the mock fallback when tool servers are down
func WithMockTools(enabled bool) Option {
	return func(c *Config) error {
		c.Tools.MockFallback = enabled
		return nil
	}
}

// WithAI configures the LLM integration
func WithAI(enabled bool, apiKey string) Option {
	return func(c *Config) error {
		c.AI.Enabled = enabled
		c.AI.APIKey = apiKey
		return nil
	}
}

// WithAIModel sets the LLM model identifier
func WithAIModel(model string) Option {
	return func(c *Config) error {
		c.AI.Model = model
		return nil
	}
}

// WithTelemetry enables OTLP trace export to the given endpoint
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithCORS sets allowed origins and credential support
func WithCORS(origins []string, credentials bool) Option {
	return func(c *Config) error {
		c.HTTP.CORS.Enabled = true
		c.HTTP.CORS.AllowedOrigins = origins
		c.HTTP.CORS.AllowCredentials = credentials
		return nil
	}
}

// WithLogLevel sets the log level
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// Helper functions

// parseStringList splits a comma-separated string into a slice of strings.
// Whitespace is trimmed from each element, and empty strings are filtered out.
func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseBool converts a string to a boolean value.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
