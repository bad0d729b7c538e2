// Package sysmon samples host memory and CPU load and publishes immutable
// health snapshots. The agent manager derives slot capacity and memory
// pressure decisions from these snapshots.
package sysmon

import (
	"fmt"
	"time"
)

// Health is one immutable snapshot of host resource state. Samplers fill
// the raw fields; the Monitor derives AvailableForAgents and UnderStress
// from its configured reserve and threshold before publishing.
type Health struct {
	// Memory, in bytes
	TotalMemory        uint64
	FreeMemory         uint64
	UsedMemory         uint64
	AvailableForAgents uint64
	MemoryPressure     float64 // used/total, 0..1

	// CPU
	CPUCount        int
	CPUUsagePercent float64 // busy share since previous sample, 0..100
	LoadAvg1        float64
	LoadAvg5        float64
	LoadAvg15       float64

	UnderStress bool
	SampledAt   time.Time
}

// String renders a one-line summary for logs.
func (h Health) String() string {
	return fmt.Sprintf("mem %.1f/%.1f GiB (pressure %.2f, agents %.1f GiB) cpu %d load %.2f/%.2f/%.2f stress=%v",
		float64(h.UsedMemory)/gib, float64(h.TotalMemory)/gib, h.MemoryPressure,
		float64(h.AvailableForAgents)/gib,
		h.CPUCount, h.LoadAvg1, h.LoadAvg5, h.LoadAvg15, h.UnderStress)
}

const gib = 1 << 30
