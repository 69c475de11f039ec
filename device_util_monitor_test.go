package fleetsched

import (
	"testing"
	"time"
)

func TestDeviceUtilStatsMonitorComputesPercentOverWindow(t *testing.T) {
	m := NewDeviceUtilStatsMonitor(StubAlwaysInclude)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := base
	m.now = func() time.Time { return cur }

	m.RecordTransition("serial-1", StateAvailable)
	cur = base.Add(6 * time.Hour)
	m.now = func() time.Time { return cur }
	m.RecordTransition("serial-1", StateAllocated)
	cur = base.Add(12 * time.Hour)
	m.now = func() time.Time { return cur }

	stats := m.GetUtilizationStats()
	if pct := stats.PerDevice["serial-1"]; pct != 50 {
		t.Fatalf("expected 50%% allocated, got %d%%", pct)
	}
	if stats.TotalPercent != 50 {
		t.Fatalf("expected aggregate 50%%, got %d%%", stats.TotalPercent)
	}
}

func TestDeviceUtilStatsMonitorEvictsOutsideWindow(t *testing.T) {
	m := NewDeviceUtilStatsMonitor(StubAlwaysInclude)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := base
	m.now = func() time.Time { return cur }

	m.RecordTransition("serial-1", StateAllocated)
	cur = base.Add(2 * time.Hour)
	m.now = func() time.Time { return cur }
	m.RecordTransition("serial-1", StateAvailable)

	// Jump forward well past the 24h window; the old allocated interval
	// should have been evicted entirely, leaving only the still-open
	// available interval inside the window.
	cur = base.Add(30 * time.Hour)
	m.now = func() time.Time { return cur }

	stats := m.GetUtilizationStats()
	if pct := stats.PerDevice["serial-1"]; pct != 0 {
		t.Fatalf("expected 0%% allocated after eviction, got %d%%", pct)
	}
}

func TestDeviceUtilStatsMonitorStubPolicy(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("ignore excludes stub entirely", func(t *testing.T) {
		m := NewDeviceUtilStatsMonitor(StubIgnore)
		m.now = func() time.Time { return base }
		m.MarkStub("emulator-5554", true)
		m.RecordTransition("emulator-5554", StateAllocated)
		m.now = func() time.Time { return base.Add(time.Hour) }
		stats := m.GetUtilizationStats()
		if _, ok := stats.PerDevice["emulator-5554"]; ok {
			t.Fatal("expected stub device to be excluded under StubIgnore")
		}
	})

	t.Run("include if used keeps a stub that was allocated", func(t *testing.T) {
		m := NewDeviceUtilStatsMonitor(StubIncludeIfUsed)
		m.now = func() time.Time { return base }
		m.MarkStub("emulator-5554", true)
		m.RecordTransition("emulator-5554", StateAllocated)
		m.now = func() time.Time { return base.Add(time.Hour) }
		stats := m.GetUtilizationStats()
		if _, ok := stats.PerDevice["emulator-5554"]; !ok {
			t.Fatal("expected stub device that was allocated to be included under StubIncludeIfUsed")
		}
	})
}
