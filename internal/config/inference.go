package config

import "time"

// InferenceConfig configures the local inference daemon client.
type InferenceConfig struct {
	Endpoint              string `yaml:"endpoint" json:"endpoint"`                                   // Daemon base URL
	Model                 string `yaml:"model" json:"model"`                                         // Default model name
	RequestTimeout        string `yaml:"request_timeout" json:"request_timeout"`                     // Per-request HTTP timeout
	FallbackModelMemoryMB int    `yaml:"fallback_model_memory_mb" json:"fallback_model_memory_mb"`   // Estimate used when no models are known
}

// DefaultInferenceConfig returns inference defaults.
func DefaultInferenceConfig() InferenceConfig {
	return InferenceConfig{
		Endpoint:              "http://localhost:11434",
		Model:                 "llama3.2",
		RequestTimeout:        "120s",
		FallbackModelMemoryMB: 4096,
	}
}

func (i *InferenceConfig) normalize() {
	if i.Endpoint == "" {
		i.Endpoint = "http://localhost:11434"
	}
	if i.FallbackModelMemoryMB < 512 {
		i.FallbackModelMemoryMB = 512
	}
}

// GetRequestTimeout returns the daemon request timeout as a duration.
func (i *InferenceConfig) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(i.RequestTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// FallbackModelMemoryBytes returns the fallback estimate in bytes.
func (i *InferenceConfig) FallbackModelMemoryBytes() uint64 {
	return uint64(i.FallbackModelMemoryMB) * 1024 * 1024
}
