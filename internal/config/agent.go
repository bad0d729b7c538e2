package config

import (
	"fmt"
	"time"

	"filenerd/internal/logging"
)

// AgentConfig configures the agent manager and its resource governance.
// All *_ms options are milliseconds.
type AgentConfig struct {
	MaxConcurrentSlots     int     `yaml:"max_concurrent_slots" json:"max_concurrent_slots"`           // Upper bound on total slots
	SafetyFactor           float64 `yaml:"safety_factor" json:"safety_factor"`                          // Multiplier on model memory estimates
	OSReservedMemoryMB     int     `yaml:"os_reserved_memory_mb" json:"os_reserved_memory_mb"`          // RAM kept free for the OS
	TaskTimeoutMs          int     `yaml:"task_timeout_ms" json:"task_timeout_ms"`                      // Per-task execution deadline
	MaxRetries             int     `yaml:"max_retries" json:"max_retries"`                              // Retry budget for retryable failures
	HealthCheckIntervalMs  int     `yaml:"health_check_interval_ms" json:"health_check_interval_ms"`    // Daemon health probe cadence
	SlotRecomputeIntervalMs int    `yaml:"slot_recompute_interval_ms" json:"slot_recompute_interval_ms"` // Slot budget recompute cadence
	EmergencyStopEnabled   bool    `yaml:"emergency_stop_enabled" json:"emergency_stop_enabled"`        // Allow critical-pressure full stop
	SoftThreshold          float64 `yaml:"soft_threshold" json:"soft_threshold"`                        // Pause admission at this pressure
	HardThreshold          float64 `yaml:"hard_threshold" json:"hard_threshold"`                        // Evict half the running tasks
	CriticalThreshold      float64 `yaml:"critical_threshold" json:"critical_threshold"`                // Emergency stop
	MaxAnalysisReadBytes   int     `yaml:"max_analysis_read_bytes" json:"max_analysis_read_bytes"`      // File head cap for analysis prompts
}

// DefaultAgentConfig returns agent defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxConcurrentSlots:      8,
		SafetyFactor:            1.5,
		OSReservedMemoryMB:      2048,
		TaskTimeoutMs:           300000,
		MaxRetries:              3,
		HealthCheckIntervalMs:   30000,
		SlotRecomputeIntervalMs: 5000,
		EmergencyStopEnabled:    true,
		SoftThreshold:           0.85,
		HardThreshold:           0.95,
		CriticalThreshold:       0.98,
		MaxAnalysisReadBytes:    64 * 1024,
	}
}

// normalize clamps out-of-range values to the nearest valid value and
// warns through the config log category.
func (a *AgentConfig) normalize() {
	clampInt := func(name string, v *int, lo, hi int) {
		if *v < lo {
			logging.ConfigWarn("agent.%s=%d below minimum, clamped to %d", name, *v, lo)
			*v = lo
		} else if *v > hi {
			logging.ConfigWarn("agent.%s=%d above maximum, clamped to %d", name, *v, hi)
			*v = hi
		}
	}
	clampFloat := func(name string, v *float64, lo, hi float64) {
		if *v < lo {
			logging.ConfigWarn("agent.%s=%.3f below minimum, clamped to %.3f", name, *v, lo)
			*v = lo
		} else if *v > hi {
			logging.ConfigWarn("agent.%s=%.3f above maximum, clamped to %.3f", name, *v, hi)
			*v = hi
		}
	}

	clampInt("max_concurrent_slots", &a.MaxConcurrentSlots, 1, 64)
	clampFloat("safety_factor", &a.SafetyFactor, 1.0, 3.0)
	clampInt("os_reserved_memory_mb", &a.OSReservedMemoryMB, 256, 32768)
	clampInt("task_timeout_ms", &a.TaskTimeoutMs, 1000, 3600000)
	clampInt("max_retries", &a.MaxRetries, 0, 10)
	clampInt("health_check_interval_ms", &a.HealthCheckIntervalMs, 1000, 600000)
	clampInt("slot_recompute_interval_ms", &a.SlotRecomputeIntervalMs, 500, 60000)
	clampFloat("soft_threshold", &a.SoftThreshold, 0.5, 0.99)
	clampFloat("hard_threshold", &a.HardThreshold, 0.5, 0.995)
	clampFloat("critical_threshold", &a.CriticalThreshold, 0.5, 1.0)
	clampInt("max_analysis_read_bytes", &a.MaxAnalysisReadBytes, 1024, 10*1024*1024)
}

// Validate checks constraints clamping cannot fix.
func (a *AgentConfig) Validate() error {
	if !(a.SoftThreshold < a.HardThreshold && a.HardThreshold < a.CriticalThreshold) {
		return fmt.Errorf("agent thresholds must be ordered soft < hard < critical (got %.3f, %.3f, %.3f)",
			a.SoftThreshold, a.HardThreshold, a.CriticalThreshold)
	}
	return nil
}

// TaskTimeout returns the per-task timeout as a duration.
func (a *AgentConfig) TaskTimeout() time.Duration {
	return time.Duration(a.TaskTimeoutMs) * time.Millisecond
}

// HealthCheckInterval returns the health probe cadence as a duration.
func (a *AgentConfig) HealthCheckInterval() time.Duration {
	return time.Duration(a.HealthCheckIntervalMs) * time.Millisecond
}

// SlotRecomputeInterval returns the slot recompute cadence as a duration.
func (a *AgentConfig) SlotRecomputeInterval() time.Duration {
	return time.Duration(a.SlotRecomputeIntervalMs) * time.Millisecond
}

// OSReservedBytes returns the OS memory reserve in bytes.
func (a *AgentConfig) OSReservedBytes() uint64 {
	return uint64(a.OSReservedMemoryMB) * 1024 * 1024
}
