// Package config provides configuration loading with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete relay configuration.
type Config struct {
	Server               ServerConfig         `yaml:"server"`
	Logging              LoggingConfig        `yaml:"logging"`
	Auth                 AuthConfig           `yaml:"auth"`
	Providers            []ProviderConfig     `yaml:"providers"`
	Router               RouterConfig         `yaml:"router"`
	Failover             FailoverConfig       `yaml:"failover"`
	ModelPool            ModelPoolConfig      `yaml:"model_pool"`
	ModelSelector        SelectorConfig       `yaml:"model_selector"`
	EndpointRateLimiting EndpointConfig       `yaml:"endpoint_rate_limiting"`
	Streaming            StreamingConfig      `yaml:"streaming"`
	Metrics              MetricsConfig        `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// AuthConfig guards the mutating management routes.
type AuthConfig struct {
	AdminKey  string `yaml:"admin_key"`
	JWTSecret string `yaml:"jwt_secret"`
}

// ProviderConfig defines a single upstream provider. The json tags serve the
// management API's provider CRUD payloads.
type ProviderConfig struct {
	Name         string            `yaml:"name" json:"name"`
	Kind         string            `yaml:"kind" json:"kind"` // dialect family: openai, anthropic, gemini, iflow, ...
	BaseURL      string            `yaml:"base_url" json:"base_url"`
	APIKeys      []string          `yaml:"api_keys" json:"api_keys"`
	Models       []string          `yaml:"models" json:"models"`
	Headers      map[string]string `yaml:"headers" json:"headers,omitempty"`
	Transformers TransformerSpec   `yaml:"transformers" json:"transformers,omitempty"`
	Enabled      *bool             `yaml:"enabled" json:"enabled,omitempty"`
}

// TransformerSpec names the transformer chain for a provider, with optional
// per-model overrides.
type TransformerSpec struct {
	Use      []string            `yaml:"use" json:"use,omitempty"`
	PerModel map[string][]string `yaml:"per_model" json:"per_model,omitempty"`
}

// RouterConfig maps scenarios to routing keys of the form "provider,model".
type RouterConfig struct {
	Default              string `yaml:"default"`
	Background           string `yaml:"background"`
	Think                string `yaml:"think"`
	LongContext          string `yaml:"long_context"`
	LongContextThreshold int    `yaml:"long_context_threshold"`
	WebSearch            string `yaml:"web_search"`
	Image                string `yaml:"image"`
}

// FailoverTarget is either a bare provider name (model inherited from the
// failing candidate) or an explicit provider+model pair.
type FailoverTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// UnmarshalYAML accepts either a plain string or a {provider, model} mapping.
func (t *FailoverTarget) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		t.Provider = value.Value
		return nil
	}
	type alias FailoverTarget
	var parsed alias
	if err := value.Decode(&parsed); err != nil {
		return err
	}
	*t = FailoverTarget(parsed)
	return nil
}

// FailoverConfig lists per-provider and global failover alternatives.
type FailoverConfig struct {
	ByProvider map[string][]FailoverTarget `yaml:"by_provider"`
	Global     []FailoverTarget            `yaml:"global"`
}

// CircuitBreakerConfig controls the per-slot breaker.
type CircuitBreakerConfig struct {
	FailureThreshold         int           `yaml:"failure_threshold"`
	CooldownPeriod           time.Duration `yaml:"cooldown_period"`
	TestRequestAfterCooldown bool          `yaml:"test_request_after_cooldown"`
}

// RateLimitConfig controls the per-slot rate-limit backoff.
type RateLimitConfig struct {
	DefaultRetryAfter       time.Duration `yaml:"default_retry_after"`
	RespectRetryAfterHeader bool          `yaml:"respect_retry_after_header"`
	BackoffMultiplier       float64       `yaml:"backoff_multiplier"`
	MaxBackoff              time.Duration `yaml:"max_backoff"`
}

// QueueConfig controls the per-slot priority queue.
type QueueConfig struct {
	MaxQueueSize    int           `yaml:"max_queue_size"`
	QueueTimeout    time.Duration `yaml:"queue_timeout"`
	PriorityLevels  int           `yaml:"priority_levels"`
	SkipRateLimited bool          `yaml:"skip_rate_limited"`
}

// ModelPoolConfig groups all per-slot discipline settings.
type ModelPoolConfig struct {
	MaxConcurrentPerModel int                  `yaml:"max_concurrent_per_model"`
	CircuitBreaker        CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit             RateLimitConfig      `yaml:"rate_limit"`
	Queue                 QueueConfig          `yaml:"queue"`
	PriorityFailover      bool                 `yaml:"priority_failover"`
}

// ScoreWeights are the candidate-score mixing weights. They should sum to 1.
type ScoreWeights struct {
	Capacity    float64 `yaml:"capacity"`
	Health      float64 `yaml:"health"`
	Performance float64 `yaml:"performance"`
	Priority    float64 `yaml:"priority"`
}

// SelectorConfig controls candidate ranking and proactive racing.
type SelectorConfig struct {
	EnableProactiveFailover       bool         `yaml:"enable_proactive_failover"`
	EnableHealthBasedRouting      bool         `yaml:"enable_health_based_routing"`
	EnablePerformanceBasedRouting bool         `yaml:"enable_performance_based_routing"`
	PreferHealthyModels           bool         `yaml:"prefer_healthy_models"`
	MaxParallelAlternatives       int          `yaml:"max_parallel_alternatives"`
	ScoreWeights                  ScoreWeights `yaml:"score_weights"`
}

// EndpointConfig controls the shared-endpoint rate-limit layer.
type EndpointConfig struct {
	Enabled                  bool           `yaml:"enabled"`
	MaxConcurrentPerEndpoint int            `yaml:"max_concurrent_per_endpoint"`
	Strategy                 string         `yaml:"strategy"` // round-robin, least-loaded, random
	ProviderWeights          map[string]int `yaml:"provider_weights"`
}

// StreamingConfig controls the SSE stream manager.
type StreamingConfig struct {
	HeartbeatInterval        time.Duration `yaml:"sse_heartbeat_interval"`
	EnableKeepalive          bool          `yaml:"sse_enable_keepalive"`
	BackpressureTimeout      time.Duration `yaml:"sse_backpressure_timeout"`
	EnableStaggeredDetection bool          `yaml:"sse_enable_staggered_detection"`
	MaxInterChunkDelay       time.Duration `yaml:"sse_max_inter_chunk_delay"`
	MinTokenRate             float64       `yaml:"sse_min_token_rate"`
	ReadTimeout              time.Duration `yaml:"sse_read_timeout"`
	MaxRetries               int           `yaml:"sse_max_retries"`
}

// MetricsConfig controls the Prometheus endpoint and the request tracker.
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Path           string        `yaml:"path"`
	Retention      time.Duration `yaml:"retention"`
	MaxRecords     int           `yaml:"max_records"`
	SweepSchedule  string        `yaml:"sweep_schedule"` // cron expression
}

// LoadFromFile reads, parses and validates a configuration file, applying
// defaults for unset values.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// ${VAR} references resolve from the environment, so API keys stay out
	// of the file.
	data = []byte(os.ExpandEnv(string(data)))

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3456
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// Streaming responses can run for minutes; write timeout is enforced
		// per-write by the stream manager instead.
		c.Server.WriteTimeout = 0
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 50 << 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.ModelPool.MaxConcurrentPerModel == 0 {
		c.ModelPool.MaxConcurrentPerModel = 5
	}
	if c.ModelPool.CircuitBreaker.FailureThreshold == 0 {
		c.ModelPool.CircuitBreaker.FailureThreshold = 5
	}
	if c.ModelPool.CircuitBreaker.CooldownPeriod == 0 {
		c.ModelPool.CircuitBreaker.CooldownPeriod = time.Minute
	}
	if c.ModelPool.RateLimit.DefaultRetryAfter == 0 {
		c.ModelPool.RateLimit.DefaultRetryAfter = time.Minute
	}
	if c.ModelPool.RateLimit.BackoffMultiplier == 0 {
		c.ModelPool.RateLimit.BackoffMultiplier = 1.5
	}
	if c.ModelPool.RateLimit.MaxBackoff == 0 {
		c.ModelPool.RateLimit.MaxBackoff = 5 * time.Minute
	}
	if c.ModelPool.Queue.MaxQueueSize == 0 {
		c.ModelPool.Queue.MaxQueueSize = 100
	}
	if c.ModelPool.Queue.QueueTimeout == 0 {
		c.ModelPool.Queue.QueueTimeout = 30 * time.Second
	}
	if c.ModelPool.Queue.PriorityLevels == 0 {
		c.ModelPool.Queue.PriorityLevels = 3
	}

	if c.ModelSelector.MaxParallelAlternatives == 0 {
		c.ModelSelector.MaxParallelAlternatives = 2
	}
	if c.ModelSelector.ScoreWeights == (ScoreWeights{}) {
		c.ModelSelector.ScoreWeights = ScoreWeights{
			Capacity:    0.3,
			Health:      0.3,
			Performance: 0.2,
			Priority:    0.2,
		}
	}

	if c.EndpointRateLimiting.MaxConcurrentPerEndpoint == 0 {
		c.EndpointRateLimiting.MaxConcurrentPerEndpoint = 10
	}
	if c.EndpointRateLimiting.Strategy == "" {
		c.EndpointRateLimiting.Strategy = "round-robin"
	}

	if c.Router.LongContextThreshold == 0 {
		c.Router.LongContextThreshold = 60000
	}

	if c.Streaming.HeartbeatInterval == 0 {
		c.Streaming.HeartbeatInterval = 30 * time.Second
	}
	if c.Streaming.BackpressureTimeout == 0 {
		c.Streaming.BackpressureTimeout = 60 * time.Second
	}
	if c.Streaming.MaxInterChunkDelay == 0 {
		c.Streaming.MaxInterChunkDelay = 10 * time.Second
	}
	if c.Streaming.MinTokenRate == 0 {
		c.Streaming.MinTokenRate = 5
	}
	if c.Streaming.ReadTimeout == 0 {
		c.Streaming.ReadTimeout = 180 * time.Second
	}
	if c.Streaming.MaxRetries == 0 {
		c.Streaming.MaxRetries = 2
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics/prometheus"
	}
	if c.Metrics.Retention == 0 {
		c.Metrics.Retention = time.Hour
	}
	if c.Metrics.MaxRecords == 0 {
		c.Metrics.MaxRecords = 10000
	}
	if c.Metrics.SweepSchedule == "" {
		c.Metrics.SweepSchedule = "@every 1m"
	}
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("provider %q: duplicate name", p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", p.Name)
		}
		if len(p.APIKeys) == 0 {
			return fmt.Errorf("provider %q: at least one api key is required", p.Name)
		}
	}

	switch c.EndpointRateLimiting.Strategy {
	case "round-robin", "least-loaded", "random":
	default:
		return fmt.Errorf("endpoint_rate_limiting.strategy %q: must be round-robin, least-loaded or random", c.EndpointRateLimiting.Strategy)
	}

	w := c.ModelSelector.ScoreWeights
	sum := w.Capacity + w.Health + w.Performance + w.Priority
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("model_selector.score_weights: weights sum to %.2f, want 1.0", sum)
	}
	return nil
}

// ScenarioRoute returns the routing key configured for a scenario, falling
// back to the default route.
func (c *RouterConfig) ScenarioRoute(scenario string) string {
	var route string
	switch scenario {
	case "background":
		route = c.Background
	case "think":
		route = c.Think
	case "longContext":
		route = c.LongContext
	case "webSearch":
		route = c.WebSearch
	}
	if route == "" {
		route = c.Default
	}
	return route
}
