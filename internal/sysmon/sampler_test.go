package sysmon

import (
	"strings"
	"testing"
)

// =============================================================================
// PARSER TESTS
// =============================================================================

const meminfoFixture = `MemTotal:       16337348 kB
MemFree:         2470208 kB
MemAvailable:    8512324 kB
Buffers:          482104 kB
Cached:          5346148 kB
SwapTotal:       2097148 kB
SwapFree:        2097148 kB
`

func TestParseMeminfo(t *testing.T) {
	t.Parallel()

	total, free, err := parseMeminfo([]byte(meminfoFixture))
	if err != nil {
		t.Fatalf("parseMeminfo: %v", err)
	}
	if total != 16337348*1024 {
		t.Errorf("unexpected total: %d", total)
	}
	// MemAvailable preferred over MemFree
	if free != 8512324*1024 {
		t.Errorf("unexpected free: %d", free)
	}
}

func TestParseMeminfo_NoMemAvailable(t *testing.T) {
	t.Parallel()

	old := `MemTotal:  1048576 kB
MemFree:    524288 kB
`
	total, free, err := parseMeminfo([]byte(old))
	if err != nil {
		t.Fatalf("parseMeminfo: %v", err)
	}
	if total != 1048576*1024 || free != 524288*1024 {
		t.Errorf("unexpected total/free: %d/%d", total, free)
	}
}

func TestParseMeminfo_MissingTotal(t *testing.T) {
	t.Parallel()

	if _, _, err := parseMeminfo([]byte("MemFree: 100 kB\n")); err == nil {
		t.Error("expected error for missing MemTotal")
	}
}

func TestParseMeminfo_FreeClampedToTotal(t *testing.T) {
	t.Parallel()

	weird := "MemTotal: 100 kB\nMemAvailable: 200 kB\n"
	total, free, err := parseMeminfo([]byte(weird))
	if err != nil {
		t.Fatalf("parseMeminfo: %v", err)
	}
	if free != total {
		t.Errorf("expected free clamped to total, got free=%d total=%d", free, total)
	}
}

func TestParseLoadAvg(t *testing.T) {
	t.Parallel()

	l1, l5, l15, err := parseLoadAvg([]byte("0.52 1.10 2.38 2/1034 12345\n"))
	if err != nil {
		t.Fatalf("parseLoadAvg: %v", err)
	}
	if l1 != 0.52 || l5 != 1.10 || l15 != 2.38 {
		t.Errorf("unexpected loads: %f %f %f", l1, l5, l15)
	}

	if _, _, _, err := parseLoadAvg([]byte("0.52\n")); err == nil {
		t.Error("expected error for truncated loadavg")
	}
}

func TestParseCPUStat(t *testing.T) {
	t.Parallel()

	stat := `cpu  100 10 50 800 40 0 5 0 0 0
cpu0 50 5 25 400 20 0 2 0 0 0
intr 12345
`
	busy, total, err := parseCPUStat([]byte(stat))
	if err != nil {
		t.Fatalf("parseCPUStat: %v", err)
	}
	// busy = user+nice+system+irq+softirq+steal = 100+10+50+0+5+0
	if busy != 165 {
		t.Errorf("unexpected busy: %d", busy)
	}
	// total = busy + idle + iowait = 165 + 800 + 40
	if total != 1005 {
		t.Errorf("unexpected total: %d", total)
	}

	if _, _, err := parseCPUStat([]byte("intr 1\n")); err == nil {
		t.Error("expected error when cpu line is absent")
	}
}

func TestParseKB(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want uint64
	}{
		{"  16337348 kB", 16337348 * 1024},
		{"0 kB", 0},
		{"42kB", 42 * 1024},
		{"garbage", 0},
	}
	for _, tc := range cases {
		if got := parseKB(tc.in); got != tc.want {
			t.Errorf("parseKB(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

// =============================================================================
// SAMPLER TESTS
// =============================================================================

func TestRuntimeSampler(t *testing.T) {
	t.Parallel()

	s := &runtimeSampler{TotalMemory: 8 << 30}
	h, err := s.Sample()
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if h.TotalMemory != 8<<30 {
		t.Errorf("unexpected total: %d", h.TotalMemory)
	}
	if h.MemoryPressure < 0 || h.MemoryPressure > 1 {
		t.Errorf("pressure out of range: %f", h.MemoryPressure)
	}
	if h.CPUCount < 1 {
		t.Errorf("expected at least one CPU, got %d", h.CPUCount)
	}
	if h.UsedMemory+h.FreeMemory != h.TotalMemory {
		t.Errorf("used+free != total: %d+%d != %d", h.UsedMemory, h.FreeMemory, h.TotalMemory)
	}
	if h.SampledAt.IsZero() {
		t.Error("expected SampledAt to be set")
	}
}

func TestNewSampler(t *testing.T) {
	t.Parallel()

	// Must always return a working sampler, whichever kind the host supports
	s := NewSampler()
	h, err := s.Sample()
	if err != nil {
		t.Fatalf("Sample from NewSampler: %v", err)
	}
	if h.TotalMemory == 0 {
		t.Error("expected nonzero total memory")
	}
	if h.MemoryPressure < 0 || h.MemoryPressure > 1 {
		t.Errorf("pressure out of range: %f", h.MemoryPressure)
	}
}

func TestHealthString(t *testing.T) {
	t.Parallel()

	h := healthyHost()
	s := h.String()
	if s == "" || !strings.Contains(s, "pressure") {
		t.Errorf("unexpected summary: %q", s)
	}
}
