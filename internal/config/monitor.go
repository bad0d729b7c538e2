package config

import "time"

// MonitorConfig configures system monitor sampling.
type MonitorConfig struct {
	SampleIntervalMs       int `yaml:"sample_interval_ms" json:"sample_interval_ms"`               // Nominal cadence
	StressSampleIntervalMs int `yaml:"stress_sample_interval_ms" json:"stress_sample_interval_ms"` // Cadence while under stress
}

// DefaultMonitorConfig returns monitor defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleIntervalMs:       1000,
		StressSampleIntervalMs: 500,
	}
}

func (m *MonitorConfig) normalize() {
	if m.SampleIntervalMs < 100 {
		m.SampleIntervalMs = 100
	}
	if m.StressSampleIntervalMs < 100 {
		m.StressSampleIntervalMs = 100
	}
	if m.StressSampleIntervalMs > m.SampleIntervalMs {
		// Stress sampling is never slower than nominal sampling
		m.StressSampleIntervalMs = m.SampleIntervalMs
	}
}

// SampleInterval returns the nominal sampling cadence.
func (m *MonitorConfig) SampleInterval() time.Duration {
	return time.Duration(m.SampleIntervalMs) * time.Millisecond
}

// StressSampleInterval returns the sampling cadence under stress.
func (m *MonitorConfig) StressSampleInterval() time.Duration {
	return time.Duration(m.StressSampleIntervalMs) * time.Millisecond
}
