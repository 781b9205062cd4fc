package config

import "fmt"

// Validate checks a loaded Config for internally consistent values,
// failing fast section by section.
func Validate(cfg *Config) error {
	if err := validateStore(cfg.Store); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := validateTimeouts(cfg.Timeouts); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	if err := validateResources(cfg.Resources); err != nil {
		return fmt.Errorf("resources: %w", err)
	}
	if err := validateRateLimit(cfg.RateLimit); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	return nil
}

func validateStore(s StoreConfig) error {
	if s.MaxOpenConns < 1 {
		return fmt.Errorf("max_open_conns must be at least 1")
	}
	if s.MaxIdleConns < 0 {
		return fmt.Errorf("max_idle_conns cannot be negative")
	}
	if s.MaxIdleConns > s.MaxOpenConns {
		return fmt.Errorf("max_idle_conns (%d) cannot exceed max_open_conns (%d)", s.MaxIdleConns, s.MaxOpenConns)
	}
	return nil
}

func validateTimeouts(t TimeoutConfig) error {
	if t.BuildTimeout <= 0 {
		return fmt.Errorf("build_timeout must be positive")
	}
	if t.StartTimeout <= 0 {
		return fmt.Errorf("start_timeout must be positive")
	}
	if t.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution_timeout must be positive")
	}
	if t.ProbeInterval <= 0 {
		return fmt.Errorf("probe_interval must be positive")
	}
	if t.SchedulerInterval <= 0 {
		return fmt.Errorf("scheduler_interval must be positive")
	}
	return nil
}

func validateResources(r ResourceDefaults) error {
	for name, caps := range map[string]ResourceCaps{
		"function_sandboxed":     r.FunctionSandboxed,
		"function_containerized": r.FunctionContainerized,
		"endpoint_server":        r.EndpointServer,
		"persistent_stateful":    r.PersistentStateful,
	} {
		if caps.MemoryBytes <= 0 {
			return fmt.Errorf("%s.memory_bytes must be positive", name)
		}
		if caps.CPUFraction <= 0 {
			return fmt.Errorf("%s.cpu_fraction must be positive", name)
		}
		if caps.MemoryBytes > r.MaxAllowed.MemoryBytes {
			return fmt.Errorf("%s.memory_bytes (%d) exceeds max_allowed (%d)", name, caps.MemoryBytes, r.MaxAllowed.MemoryBytes)
		}
		if caps.CPUFraction > r.MaxAllowed.CPUFraction {
			return fmt.Errorf("%s.cpu_fraction (%.2f) exceeds max_allowed (%.2f)", name, caps.CPUFraction, r.MaxAllowed.CPUFraction)
		}
	}
	return nil
}

func validateRateLimit(r RateLimitConfig) error {
	if r.RequestsPerMinute < 1 {
		return fmt.Errorf("requests_per_minute must be at least 1")
	}
	if r.Burst < 1 {
		return fmt.Errorf("burst must be at least 1")
	}
	return nil
}

// Clamp returns caps clamped to the configured max-allowed ceiling. Nothing
// in this module calls it: the Deployment Controller hands a manifest's
// declared caps to the Container Supervisor without clamping them.
func (r ResourceDefaults) Clamp(caps ResourceCaps) ResourceCaps {
	clamped := caps
	if clamped.MemoryBytes <= 0 || clamped.MemoryBytes > r.MaxAllowed.MemoryBytes {
		clamped.MemoryBytes = r.MaxAllowed.MemoryBytes
	}
	if clamped.CPUFraction <= 0 || clamped.CPUFraction > r.MaxAllowed.CPUFraction {
		clamped.CPUFraction = r.MaxAllowed.CPUFraction
	}
	if clamped.PIDs <= 0 || clamped.PIDs > r.MaxAllowed.PIDs {
		clamped.PIDs = r.MaxAllowed.PIDs
	}
	return clamped
}

// Defaults returns the baseline ResourceCaps for an agent kind name.
func (r ResourceDefaults) Defaults(kind string) ResourceCaps {
	switch kind {
	case "function-sandboxed":
		return r.FunctionSandboxed
	case "function-containerized":
		return r.FunctionContainerized
	case "endpoint-server":
		return r.EndpointServer
	case "persistent-stateful":
		return r.PersistentStateful
	default:
		return r.MaxAllowed
	}
}
