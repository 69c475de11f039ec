package fleetsched

import (
	"sync"
	"time"
)

// utilWindow is the sliding window width used by getUtilizationStats (§4.C).
const utilWindow = 24 * time.Hour

// StateRecord is one interval a device spent in either the available or the
// allocated list. endTime is the zero Time while the interval is still open;
// UM-1 requires exactly one open record across the two lists per device at
// any time.
type StateRecord struct {
	StartTime time.Time
	EndTime   time.Time // zero value means "still open"
}

func (r StateRecord) open() bool { return r.EndTime.IsZero() }

// clipMillis returns how many milliseconds of r fall inside [from, to).
func (r StateRecord) clipMillis(from, to time.Time) int64 {
	start := r.StartTime
	if start.Before(from) {
		start = from
	}
	end := r.EndTime
	if r.open() {
		end = to
	}
	if end.After(to) {
		end = to
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start).Milliseconds()
}

type deviceHistory struct {
	available []StateRecord
	allocated []StateRecord
	everAllocated bool
}

// UtilizationStats is the result of getUtilizationStats: aggregate and
// per-device percentage of time spent Allocated over the sliding window.
type UtilizationStats struct {
	TotalPercent int
	PerDevice    map[string]int
}

// DeviceUtilStatsMonitor observes allocation-state transitions and answers
// utilization queries over a 24h sliding window (§4.C). All public methods
// are synchronized so getUtilizationStats sees a coherent snapshot.
type DeviceUtilStatsMonitor struct {
	mu       sync.Mutex
	history  map[string]*deviceHistory
	stubs    map[string]bool // serial -> is-stub
	policy   StubDevicePolicy
	now      func() time.Time
}

// NewDeviceUtilStatsMonitor builds a monitor. policy controls how stub
// (null/emulator) devices are folded into the aggregate stats.
func NewDeviceUtilStatsMonitor(policy StubDevicePolicy) *DeviceUtilStatsMonitor {
	return &DeviceUtilStatsMonitor{
		history: make(map[string]*deviceHistory),
		stubs:   make(map[string]bool),
		policy:  policy,
		now:     time.Now,
	}
}

func (m *DeviceUtilStatsMonitor) historyFor(serial string) *deviceHistory {
	h, ok := m.history[serial]
	if !ok {
		h = &deviceHistory{}
		m.history[serial] = h
	}
	return h
}

// MarkStub records that serial is a stub device (null device or emulator
// placeholder), for the StubDevicePolicy filtering rules.
func (m *DeviceUtilStatsMonitor) MarkStub(serial string, isStub bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs[serial] = isStub
}

// RecordTransition closes the previously-open interval (if any) and opens a
// new one in the list matching newState. Only StateAvailable and
// StateAllocated are tracked; transitions into any other state simply close
// whichever list was open, leaving the device with no open interval until it
// next becomes Available or Allocated.
func (m *DeviceUtilStatsMonitor) RecordTransition(serial string, newState DeviceAllocationState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	h := m.historyFor(serial)
	h.available = closeOpenList(h.available, now)
	h.allocated = closeOpenList(h.allocated, now)

	switch newState {
	case StateAvailable:
		h.available = append(h.available, StateRecord{StartTime: now})
	case StateAllocated:
		h.allocated = append(h.allocated, StateRecord{StartTime: now})
		h.everAllocated = true
	}
}

// closeOpenList returns records with its trailing open record (if any)
// closed at `at`.
func closeOpenList(records []StateRecord, at time.Time) []StateRecord {
	if len(records) == 0 {
		return records
	}
	last := &records[len(records)-1]
	if last.open() {
		last.EndTime = at
	}
	return records
}

// evictExpired drops records that ended at or before the window start,
// taking advantage of UM-1's monotonic ordering by scanning front-to-back
// and stopping at the first record still inside the window.
func evictExpired(records []StateRecord, windowStart time.Time) []StateRecord {
	i := 0
	for i < len(records) {
		r := records[i]
		if r.open() || r.EndTime.After(windowStart) {
			break
		}
		i++
	}
	if i == 0 {
		return records
	}
	return records[i:]
}

// GetUtilizationStats walks the 24h sliding window [now-W, now) and returns
// per-device and aggregate Allocated percentages (§4.C, P6).
func (m *DeviceUtilStatsMonitor) GetUtilizationStats() UtilizationStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	windowStart := now.Add(-utilWindow)

	var anyStubAllocated = make(map[string]bool)
	if m.policy == StubIncludeIfUsed {
		for serial, h := range m.history {
			if m.stubs[serial] && h.everAllocated {
				anyStubAllocated[serial] = true
			}
		}
	}

	perDevice := make(map[string]int, len(m.history))
	var totalAlloc, totalAvail int64

	for serial, h := range m.history {
		h.available = evictExpired(h.available, windowStart)
		h.allocated = evictExpired(h.allocated, windowStart)

		if m.stubs[serial] {
			switch m.policy {
			case StubIgnore:
				continue
			case StubIncludeIfUsed:
				if !anyStubAllocated[serial] {
					continue
				}
			case StubAlwaysInclude:
				// included unconditionally
			}
		}

		var alloc, avail int64
		for _, r := range h.allocated {
			alloc += r.clipMillis(windowStart, now)
		}
		for _, r := range h.available {
			avail += r.clipMillis(windowStart, now)
		}

		total := alloc + avail
		if total == 0 {
			perDevice[serial] = 0
		} else {
			perDevice[serial] = int((alloc * 100) / total)
		}
		totalAlloc += alloc
		totalAvail += avail
	}

	totalPercent := 0
	if totalAlloc+totalAvail > 0 {
		totalPercent = int((totalAlloc * 100) / (totalAlloc + totalAvail))
	}

	return UtilizationStats{TotalPercent: totalPercent, PerDevice: perDevice}
}
