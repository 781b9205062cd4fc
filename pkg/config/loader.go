package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// yamlDocument is the on-disk shape of runtime.yaml before environment
// overlays and defaults are applied.
type yamlDocument struct {
	Store     *StoreConfig      `yaml:"store"`
	Objects   *ObjectStoreConfig `yaml:"objects"`
	RateLimit *RateLimitConfig  `yaml:"rate_limit"`
	Vector    *VectorConfig     `yaml:"vector"`
	LLM       *LLMConfig        `yaml:"llm"`
	Timeouts  *TimeoutConfig    `yaml:"timeouts"`
	Resources *ResourceDefaults `yaml:"resources"`
	RateCard  *rateCardYAML     `yaml:"rate_card"`
	Scheduler *SchedulerConfig  `yaml:"scheduler"`
}

// rateCardYAML holds decimal fields as strings, since decimal.Decimal does
// not implement yaml.Unmarshaler for bare scalars the way it does for JSON.
type rateCardYAML struct {
	LLMInputPerThousandTokens  string `yaml:"llm_input_per_1k_tokens"`
	LLMOutputPerThousandTokens string `yaml:"llm_output_per_1k_tokens"`
	VectorOpFlatRate           string `yaml:"vector_op_flat_rate"`
	WebSearchFlatRate          string `yaml:"web_search_flat_rate"`
}

// Load reads runtime.yaml from configDir (if present), a sibling .env file
// via godotenv (if present), expands ${VAR} references, merges onto the
// built-in defaults, and validates the result.
func Load(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	if envPath := filepath.Join(configDir, ".env"); fileExists(envPath) {
		if err := godotenv.Load(envPath); err != nil {
			log.Warn("failed to load .env file", "error", err)
		}
	}

	cfg := builtinDefaults()
	cfg.configPath = configDir

	docPath := filepath.Join(configDir, "runtime.yaml")
	if fileExists(docPath) {
		raw, err := os.ReadFile(docPath)
		if err != nil {
			return nil, fmt.Errorf("read runtime.yaml: %w", err)
		}
		expanded := ExpandEnv(raw)

		var doc yamlDocument
		if err := yaml.Unmarshal(expanded, &doc); err != nil {
			return nil, fmt.Errorf("parse runtime.yaml: %w", err)
		}
		if err := applyDocument(cfg, &doc); err != nil {
			return nil, err
		}
		log.Info("loaded runtime configuration", "path", docPath)
	} else {
		log.Info("runtime.yaml not found, using built-in defaults")
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyDocument(cfg *Config, doc *yamlDocument) error {
	if doc.Store != nil {
		if err := mergo.Merge(&cfg.Store, doc.Store, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge store config: %w", err)
		}
	}
	if doc.Objects != nil {
		if err := mergo.Merge(&cfg.Objects, doc.Objects, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge objects config: %w", err)
		}
	}
	if doc.RateLimit != nil {
		if err := mergo.Merge(&cfg.RateLimit, doc.RateLimit, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge rate_limit config: %w", err)
		}
	}
	if doc.Vector != nil {
		if err := mergo.Merge(&cfg.Vector, doc.Vector, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge vector config: %w", err)
		}
	}
	if doc.LLM != nil {
		if err := mergo.Merge(&cfg.LLM, doc.LLM, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge llm config: %w", err)
		}
	}
	if doc.Timeouts != nil {
		if err := mergo.Merge(&cfg.Timeouts, doc.Timeouts, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge timeouts config: %w", err)
		}
	}
	if doc.Resources != nil {
		if err := mergo.Merge(&cfg.Resources, doc.Resources, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge resources config: %w", err)
		}
	}
	if doc.Scheduler != nil {
		if err := mergo.Merge(&cfg.Scheduler, doc.Scheduler, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge scheduler config: %w", err)
		}
	}
	if doc.RateCard != nil {
		card, err := parseRateCard(doc.RateCard)
		if err != nil {
			return fmt.Errorf("parse rate_card config: %w", err)
		}
		cfg.RateCard = card
	}
	return nil
}

func parseRateCard(y *rateCardYAML) (RateCardConfig, error) {
	parse := func(s string, fallback decimal.Decimal) (decimal.Decimal, error) {
		if s == "" {
			return fallback, nil
		}
		return decimal.NewFromString(s)
	}
	var out RateCardConfig
	var err error
	if out.LLMInputPerThousandTokens, err = parse(y.LLMInputPerThousandTokens, decimal.Zero); err != nil {
		return out, err
	}
	if out.LLMOutputPerThousandTokens, err = parse(y.LLMOutputPerThousandTokens, decimal.Zero); err != nil {
		return out, err
	}
	if out.VectorOpFlatRate, err = parse(y.VectorOpFlatRate, decimal.Zero); err != nil {
		return out, err
	}
	if out.WebSearchFlatRate, err = parse(y.WebSearchFlatRate, decimal.Zero); err != nil {
		return out, err
	}
	return out, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// builtinDefaults returns the Config shipped when no runtime.yaml is
// present: a deployment should start up with something reasonable before
// anyone writes a single line of config.
func builtinDefaults() *Config {
	return &Config{
		Store: StoreConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Objects: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			AccessKeyEnvVar:  "TARSY_MINIO_ACCESS_KEY",
			SecretKeyEnvVar:  "TARSY_MINIO_SECRET_KEY",
			UseSSL:           false,
			BundleBucket:     "tarsy-bundles",
			CredentialBucket: "tarsy-credentials",
		},
		RateLimit: RateLimitConfig{
			RedisAddr:         "localhost:6379",
			RedisDB:           0,
			RequestsPerMinute: 60,
			Burst:             10,
		},
		Vector: VectorConfig{
			Addr:       "localhost:6334",
			UseTLS:     false,
			Collection: "tarsy-default",
		},
		LLM: LLMConfig{
			AnthropicAPIKeyEnvVar: "ANTHROPIC_API_KEY",
			BedrockRegion:         "us-east-1",
			DefaultModel:          "claude-sonnet-4-5",
			RequestTimeout:        60 * time.Second,
			CircuitBreakerTripAt:  5,
		},
		Timeouts: TimeoutConfig{
			BuildTimeout:      5 * time.Minute,
			StartTimeout:      60 * time.Second,
			ProbeInterval:     10 * time.Second,
			ProbeTimeout:      5 * time.Second,
			ExecutionTimeout:  300 * time.Second,
			StopGracePeriod:   10 * time.Second,
			SchedulerInterval: 30 * time.Second,
		},
		Resources: ResourceDefaults{
			FunctionSandboxed:     ResourceCaps{MemoryBytes: 256 << 20, CPUFraction: 0.5, PIDs: 32},
			FunctionContainerized: ResourceCaps{MemoryBytes: 512 << 20, CPUFraction: 1.0, PIDs: 128},
			EndpointServer:        ResourceCaps{MemoryBytes: 512 << 20, CPUFraction: 1.0, PIDs: 128},
			PersistentStateful:    ResourceCaps{MemoryBytes: 1024 << 20, CPUFraction: 2.0, PIDs: 256},
			MaxAllowed:            ResourceCaps{MemoryBytes: 4096 << 20, CPUFraction: 4.0, PIDs: 512},
		},
		RateCard: RateCardConfig{
			LLMInputPerThousandTokens:  decimal.NewFromFloat(0.003),
			LLMOutputPerThousandTokens: decimal.NewFromFloat(0.015),
			VectorOpFlatRate:           decimal.NewFromFloat(0.0001),
			WebSearchFlatRate:          decimal.NewFromFloat(0.01),
		},
		Scheduler: SchedulerConfig{
			StaleExecutionAfter:   10 * time.Minute,
			OrphanDeploymentAfter: 1 * time.Hour,
			BudgetResetCheckEvery: time.Minute,
		},
	}
}
