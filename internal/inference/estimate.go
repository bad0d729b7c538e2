package inference

// =============================================================================
// MODEL MEMORY ESTIMATION
// =============================================================================

const (
	// minOverhead is the floor on KV-cache and runtime overhead added on
	// top of model weights.
	minOverhead = 512 << 20

	// fallbackModelSize stands in when no models are installed yet.
	fallbackModelSize = 4 << 30

	// DefaultSafetyFactor pads estimates against fragmentation and
	// concurrent context growth.
	DefaultSafetyFactor = 1.5
)

// EstimateModelMemory predicts the resident footprint of a loaded model:
// weights plus max(20% of weights, 512 MiB) overhead, padded by the
// safety factor.
func EstimateModelMemory(sizeBytes int64, safety float64) uint64 {
	if sizeBytes < 0 {
		sizeBytes = 0
	}
	if safety < 1.0 {
		safety = DefaultSafetyFactor
	}

	overhead := sizeBytes / 5
	if overhead < minOverhead {
		overhead = minOverhead
	}
	return uint64(float64(sizeBytes+overhead) * safety)
}

// MeanModelMemory averages the per-model estimates across installed
// models. With no models installed it estimates for one fallback-sized
// model so slot math stays conservative before first discovery.
func MeanModelMemory(models []ModelInfo, safety float64) uint64 {
	if len(models) == 0 {
		return EstimateModelMemory(fallbackModelSize, safety)
	}

	var sum uint64
	for _, m := range models {
		sum += EstimateModelMemory(m.Size, safety)
	}
	return sum / uint64(len(models))
}
