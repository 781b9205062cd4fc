// Package config is the umbrella configuration object for the runtime: one
// YAML document plus environment overlays, assembled once at startup and
// handed to every component by reference.
package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is the umbrella configuration object returned by Load() and passed
// to every component at wiring time.
type Config struct {
	configPath string

	Store      StoreConfig
	Objects    ObjectStoreConfig
	RateLimit  RateLimitConfig
	Vector     VectorConfig
	LLM        LLMConfig
	Timeouts   TimeoutConfig
	Resources  ResourceDefaults
	RateCard   RateCardConfig
	Scheduler  SchedulerConfig
}

// ConfigPath returns the directory or file Load() read from, for logging.
func (c *Config) ConfigPath() string { return c.configPath }

// StoreConfig configures the Persistent Store connection. DSN pieces are
// always sourced from environment variables (see internal/store.ConfigFromEnv);
// this struct only carries pool-tuning values a deployment wants to override
// from the YAML document instead of per-variable env vars.
type StoreConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ObjectStoreConfig configures the minio-backed bundle/credential blob store.
type ObjectStoreConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyEnvVar string `yaml:"access_key_env_var"`
	SecretKeyEnvVar string `yaml:"secret_key_env_var"`
	UseSSL          bool   `yaml:"use_ssl"`
	BundleBucket    string `yaml:"bundle_bucket"`
	CredentialBucket string `yaml:"credential_bucket"`
}

// RateLimitConfig configures the Resource Gateway's rate limiter. When
// RedisAddr is set, Redis backs the shared counters across replicas;
// otherwise an in-memory limiter is used. RequestsPerMinute is the
// gateway's per-minute LLM request limit with either backend; Burst is
// validated but not read by either limiter.
type RateLimitConfig struct {
	RedisAddr         string `yaml:"redis_addr"`
	RedisDB           int    `yaml:"redis_db"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	Burst             int    `yaml:"burst"`
}

// VectorConfig configures the qdrant-backed vector-op resource family.
type VectorConfig struct {
	Addr       string `yaml:"addr"`
	UseTLS     bool   `yaml:"use_tls"`
	Collection string `yaml:"default_collection"`
}

// LLMConfig configures the two LLM upstream families the Resource Gateway
// dispatches to: Anthropic's API directly, and Bedrock for AWS-hosted models.
type LLMConfig struct {
	AnthropicAPIKeyEnvVar string        `yaml:"anthropic_api_key_env_var"`
	BedrockRegion         string        `yaml:"bedrock_region"`
	DefaultModel          string        `yaml:"default_model"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	CircuitBreakerTripAt  uint32        `yaml:"circuit_breaker_trip_at"`
}

// TimeoutConfig centralizes the timeout knobs named across components.
type TimeoutConfig struct {
	BuildTimeout      time.Duration `yaml:"build_timeout"`
	StartTimeout      time.Duration `yaml:"start_timeout"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	ExecutionTimeout  time.Duration `yaml:"execution_timeout"`
	StopGracePeriod   time.Duration `yaml:"stop_grace_period"`
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`
}

// ResourceDefaults are the per-kind default ResourceCaps applied when a
// manifest omits its own resources block.
type ResourceDefaults struct {
	FunctionSandboxed    ResourceCaps `yaml:"function_sandboxed"`
	FunctionContainerized ResourceCaps `yaml:"function_containerized"`
	EndpointServer       ResourceCaps `yaml:"endpoint_server"`
	PersistentStateful   ResourceCaps `yaml:"persistent_stateful"`
	MaxAllowed           ResourceCaps `yaml:"max_allowed"`
}

// ResourceCaps mirrors internal/store.ResourceCaps for config-time use,
// avoiding a dependency from pkg/config onto internal/store.
type ResourceCaps struct {
	MemoryBytes int64   `yaml:"memory_bytes"`
	CPUFraction float64 `yaml:"cpu_fraction"`
	PIDs        int     `yaml:"pids"`
}

// RateCardConfig is the default per-unit pricing the Resource Gateway uses
// to compute decimal cost for LLM/vector/web-search usage rows when a
// provider's own billing response doesn't already state one.
type RateCardConfig struct {
	LLMInputPerThousandTokens  decimal.Decimal `yaml:"llm_input_per_1k_tokens"`
	LLMOutputPerThousandTokens decimal.Decimal `yaml:"llm_output_per_1k_tokens"`
	VectorOpFlatRate           decimal.Decimal `yaml:"vector_op_flat_rate"`
	WebSearchFlatRate          decimal.Decimal `yaml:"web_search_flat_rate"`
}

// SchedulerConfig tunes the periodic sweep's cadence and thresholds.
type SchedulerConfig struct {
	StaleExecutionAfter     time.Duration `yaml:"stale_execution_after"`
	OrphanDeploymentAfter   time.Duration `yaml:"orphan_deployment_after"`
	BudgetResetCheckEvery   time.Duration `yaml:"budget_reset_check_every"`
}
