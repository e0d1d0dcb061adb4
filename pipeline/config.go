package pipeline

import (
	"fmt"
	"os"
	"time"

	"github.com/itsneelabh/paperflow/breaker"
	"github.com/itsneelabh/paperflow/ratelimiter"
	"github.com/itsneelabh/paperflow/retrypolicy"
)

// EngineConfig carries every setting the engine needs at startup: rate
// limits per provider, retry/breaker policy per agent kind, the default
// stage timeout, the janitor tick interval, and memory GC retention.
// Resolution follows the module's usual three-layer priority: defaults,
// then environment variables, then functional options (highest wins).
type EngineConfig struct {
	RateLimits map[ratelimiter.Provider]ratelimiter.Limits

	RetryPolicies  map[breaker.AgentKind]retrypolicy.Policy
	BreakerConfigs map[breaker.AgentKind]breaker.Config

	DefaultStageTimeout time.Duration `env:"ENGINE_DEFAULT_STAGE_TIMEOUT" default:"30s"`
	JanitorInterval     time.Duration `env:"ENGINE_JANITOR_INTERVAL" default:"1m"`
	MemoryRetention     time.Duration `env:"ENGINE_MEMORY_RETENTION" default:"24h"`
	CompletedRetention  time.Duration `env:"ENGINE_COMPLETED_RETENTION" default:"24h"`
}

// DefaultEngineConfig returns the zero-value baseline before environment
// overrides and functional options are applied: no providers or agent
// kinds configured, and the ambient timeouts/retention documented above.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		RateLimits:          make(map[ratelimiter.Provider]ratelimiter.Limits),
		RetryPolicies:       make(map[breaker.AgentKind]retrypolicy.Policy),
		BreakerConfigs:      make(map[breaker.AgentKind]breaker.Config),
		DefaultStageTimeout: 30 * time.Second,
		JanitorInterval:     time.Minute,
		MemoryRetention:     24 * time.Hour,
		CompletedRetention:  24 * time.Hour,
	}
}

func (c *EngineConfig) loadFromEnv() error {
	if v := os.Getenv("ENGINE_DEFAULT_STAGE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("pipeline: invalid ENGINE_DEFAULT_STAGE_TIMEOUT: %w", err)
		}
		c.DefaultStageTimeout = d
	}
	if v := os.Getenv("ENGINE_JANITOR_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("pipeline: invalid ENGINE_JANITOR_INTERVAL: %w", err)
		}
		c.JanitorInterval = d
	}
	if v := os.Getenv("ENGINE_MEMORY_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("pipeline: invalid ENGINE_MEMORY_RETENTION: %w", err)
		}
		c.MemoryRetention = d
	}
	if v := os.Getenv("ENGINE_COMPLETED_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("pipeline: invalid ENGINE_COMPLETED_RETENTION: %w", err)
		}
		c.CompletedRetention = d
	}
	return nil
}

// Option mutates an EngineConfig during NewEngineConfig, after defaults and
// environment variables have been applied.
type Option func(*EngineConfig) error

// WithRateLimits sets the dual-window capacity for provider.
func WithRateLimits(provider ratelimiter.Provider, limits ratelimiter.Limits) Option {
	return func(c *EngineConfig) error {
		c.RateLimits[provider] = limits
		return nil
	}
}

// WithRetryPolicy sets the retry policy for kind.
func WithRetryPolicy(kind breaker.AgentKind, policy retrypolicy.Policy) Option {
	return func(c *EngineConfig) error {
		c.RetryPolicies[kind] = policy
		return nil
	}
}

// WithBreakerConfig sets the circuit breaker thresholds for kind.
func WithBreakerConfig(kind breaker.AgentKind, cfg breaker.Config) Option {
	return func(c *EngineConfig) error {
		c.BreakerConfigs[kind] = cfg
		return nil
	}
}

// WithJanitorInterval overrides the janitor tick interval in code.
func WithJanitorInterval(d time.Duration) Option {
	return func(c *EngineConfig) error {
		c.JanitorInterval = d
		return nil
	}
}

// NewEngineConfig builds an EngineConfig from defaults, environment
// variables, then opts, in that priority order (opts win).
func NewEngineConfig(opts ...Option) (*EngineConfig, error) {
	cfg := DefaultEngineConfig()
	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

