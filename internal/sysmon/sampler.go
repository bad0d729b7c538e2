package sysmon

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// SAMPLERS
// =============================================================================

// Sampler produces one raw Health snapshot per call. Implementations fill
// memory totals, pressure, CPU count, usage, and load averages; the
// Monitor finalizes AvailableForAgents and UnderStress.
type Sampler interface {
	Sample() (Health, error)
}

// NewSampler returns the best sampler for this host: the /proc reader
// where procfs is usable, otherwise the degraded runtime sampler.
func NewSampler() Sampler {
	p := &procSampler{}
	if _, err := p.Sample(); err == nil {
		return p
	}
	return &runtimeSampler{TotalMemory: defaultRuntimeTotal}
}

// =============================================================================
// PROC SAMPLER
// =============================================================================

// procSampler reads /proc/meminfo, /proc/loadavg, and /proc/stat.
// CPU usage is the busy share of the jiffy delta since the previous
// sample, so the first sample reports 0.
type procSampler struct {
	prevBusy  uint64
	prevTotal uint64
}

func (p *procSampler) Sample() (Health, error) {
	h := Health{
		CPUCount:  runtime.NumCPU(),
		SampledAt: time.Now(),
	}

	memData, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return Health{}, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	total, free, err := parseMeminfo(memData)
	if err != nil {
		return Health{}, err
	}
	h.TotalMemory = total
	h.FreeMemory = free
	h.UsedMemory = total - free
	if total > 0 {
		h.MemoryPressure = float64(h.UsedMemory) / float64(total)
	}

	loadData, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return Health{}, fmt.Errorf("read /proc/loadavg: %w", err)
	}
	h.LoadAvg1, h.LoadAvg5, h.LoadAvg15, err = parseLoadAvg(loadData)
	if err != nil {
		return Health{}, err
	}

	// /proc/stat is best-effort; usage stays 0 if it cannot be read
	if statData, err := os.ReadFile("/proc/stat"); err == nil {
		if busy, totalJiffies, err := parseCPUStat(statData); err == nil {
			if p.prevTotal > 0 && totalJiffies > p.prevTotal {
				dBusy := busy - p.prevBusy
				dTotal := totalJiffies - p.prevTotal
				h.CPUUsagePercent = 100 * float64(dBusy) / float64(dTotal)
			}
			p.prevBusy = busy
			p.prevTotal = totalJiffies
		}
	}

	return h, nil
}

// parseMeminfo extracts total and available bytes from /proc/meminfo
// content. MemAvailable is preferred as the free figure; MemFree is the
// fallback on old kernels.
func parseMeminfo(data []byte) (total, free uint64, err error) {
	var memFree uint64
	haveAvailable := false

	for _, line := range strings.Split(string(data), "\n") {
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := line[:idx]
		switch key {
		case "MemTotal":
			total = parseKB(line[idx+1:])
		case "MemAvailable":
			free = parseKB(line[idx+1:])
			haveAvailable = true
		case "MemFree":
			memFree = parseKB(line[idx+1:])
		}
	}

	if !haveAvailable {
		free = memFree
	}
	if total == 0 {
		return 0, 0, fmt.Errorf("meminfo missing MemTotal")
	}
	if free > total {
		free = total
	}
	return total, free, nil
}

// parseKB parses a meminfo value like " 16337348 kB" into bytes.
func parseKB(s string) uint64 {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "kB")
	s = strings.TrimSpace(s)
	v, _ := strconv.ParseUint(s, 10, 64)
	return v * 1024
}

// parseLoadAvg extracts the three load averages from /proc/loadavg.
func parseLoadAvg(data []byte) (l1, l5, l15 float64, err error) {
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return 0, 0, 0, fmt.Errorf("unexpected /proc/loadavg format")
	}
	l1, _ = strconv.ParseFloat(fields[0], 64)
	l5, _ = strconv.ParseFloat(fields[1], 64)
	l15, _ = strconv.ParseFloat(fields[2], 64)
	return l1, l5, l15, nil
}

// parseCPUStat extracts cumulative busy and total jiffies from the
// aggregate "cpu " line of /proc/stat.
func parseCPUStat(data []byte) (busy, total uint64, err error) {
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)
		// cpu user nice system idle iowait irq softirq steal ...
		if len(fields) < 5 {
			return 0, 0, fmt.Errorf("unexpected /proc/stat cpu line")
		}
		var vals []uint64
		for _, f := range fields[1:] {
			v, _ := strconv.ParseUint(f, 10, 64)
			vals = append(vals, v)
		}
		for i, v := range vals {
			total += v
			// idle (3) and iowait (4) are not busy time
			if i != 3 && i != 4 {
				busy += v
			}
		}
		return busy, total, nil
	}
	return 0, 0, fmt.Errorf("no cpu line in /proc/stat")
}

// =============================================================================
// RUNTIME SAMPLER
// =============================================================================

// defaultRuntimeTotal is the assumed host memory when procfs is
// unavailable and no hint is configured.
const defaultRuntimeTotal = 8 << 30

// runtimeSampler is the degraded fallback for hosts without procfs.
// It only sees the Go runtime's own footprint, so pressure reflects
// this process rather than the host. Load averages stay zero.
type runtimeSampler struct {
	TotalMemory uint64
}

func (r *runtimeSampler) Sample() (Health, error) {
	total := r.TotalMemory
	if total == 0 {
		total = defaultRuntimeTotal
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	used := m.Sys
	if used > total {
		used = total
	}

	h := Health{
		TotalMemory:    total,
		FreeMemory:     total - used,
		UsedMemory:     used,
		MemoryPressure: float64(used) / float64(total),
		CPUCount:       runtime.NumCPU(),
		SampledAt:      time.Now(),
	}
	return h, nil
}
