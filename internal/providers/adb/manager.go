package adb

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/fleetsched"
)

// refreshInterval is how often the background poller reconciles fleetsched's
// allocation state machine against what adb actually reports connected.
const refreshInterval = 5 * time.Second

// deviceHandle is the concrete fleetsched.DeviceHandle this package hands
// out; it carries nothing beyond the serial because every other fact about
// a device is looked up fresh through the Provider when needed.
type deviceHandle struct{ serial string }

func (h deviceHandle) Serial() string { return h.serial }

// Manager adapts *Provider (a thin gadb wrapper) into fleetsched.DeviceManager:
// it owns the allocation state machine transitions and the serial allowlist,
// which the bare adb client in adb.go knows nothing about.
type Manager struct {
	provider *Provider

	mu        sync.Mutex
	states    map[string]fleetsched.DeviceAllocationState
	allowlist map[string]struct{} // nil means "no restriction"

	utilMonitor *fleetsched.DeviceUtilStatsMonitor

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager builds a DeviceManager backed by provider. An empty allowlist
// means every serial adb reports is eligible.
func NewManager(provider *Provider, allowlist []string, utilMonitor *fleetsched.DeviceUtilStatsMonitor) *Manager {
	m := &Manager{
		provider:    provider,
		states:      make(map[string]fleetsched.DeviceAllocationState),
		utilMonitor: utilMonitor,
		stopCh:      make(chan struct{}),
	}
	if len(allowlist) > 0 {
		m.allowlist = buildAllowlistSet(allowlist)
	}
	return m
}

// Init performs one synchronous reconciliation pass and starts the
// background poller.
func (m *Manager) Init() error {
	m.reconcile(context.Background())
	go m.pollLoop()
	return nil
}

func (m *Manager) pollLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reconcile(context.Background())
		}
	}
}

// reconcile compares adb's live device list against the known allocation
// states and drives the state machine forward for anything that changed,
// per spec.md §4.B (device discovery).
func (m *Manager) reconcile(ctx context.Context) {
	stateBySerial, err := m.provider.ListDevicesWithState(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("fleetsched: adb reconcile: list devices failed")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(stateBySerial))
	for serial, rawState := range stateBySerial {
		if !m.allowedLocked(serial) {
			continue
		}
		seen[serial] = struct{}{}

		isStub := isStubSerial(serial)
		if m.utilMonitor != nil {
			m.utilMonitor.MarkStub(serial, isStub)
		}

		current, known := m.states[serial]
		if !known {
			m.transitionLocked(serial, fleetsched.StateUnknown, fleetsched.EventConnectedOnline)
			current = m.states[serial]
		}

		online := rawState == string(gadb.StateOnline)
		switch {
		case online && current == fleetsched.StateCheckingAvailability:
			m.transitionLocked(serial, current, fleetsched.EventAvailableCheckPassed)
		case online && current == fleetsched.StateUnavailable:
			m.transitionLocked(serial, current, fleetsched.EventConnectedOnline)
		case !online && current != fleetsched.StateUnavailable:
			m.transitionLocked(serial, current, fleetsched.EventDisconnected)
		}
	}

	for serial, current := range m.states {
		if _, ok := seen[serial]; ok {
			continue
		}
		if current != fleetsched.StateUnavailable {
			m.transitionLocked(serial, current, fleetsched.EventDisconnected)
		}
	}
}

func (m *Manager) transitionLocked(serial string, from fleetsched.DeviceAllocationState, event fleetsched.DeviceEvent) {
	next, err := fleetsched.Transition(from, event)
	if err != nil {
		log.Debug().Err(err).Str("serial", serial).Msg("fleetsched: adb device transition rejected")
		return
	}
	m.states[serial] = next
	if m.utilMonitor != nil {
		m.utilMonitor.RecordTransition(serial, next)
	}
}

func (m *Manager) allowedLocked(serial string) bool {
	if m.allowlist == nil {
		return true
	}
	_, ok := m.allowlist[serial]
	return ok
}

// AllocateDevice polls (honoring timeout, or returning immediately once if
// timeout is zero) for any Available device matching requirements.
func (m *Manager) AllocateDevice(ctx context.Context, timeout time.Duration, requirements fleetsched.DeviceRequirements) (fleetsched.DeviceHandle, error) {
	deadline := time.Now().Add(timeout)
	for {
		if handle := m.tryAllocateOnce(requirements); handle != nil {
			return handle, nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (m *Manager) tryAllocateOnce(requirements fleetsched.DeviceRequirements) fleetsched.DeviceHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	for serial, state := range m.states {
		if state != fleetsched.StateAvailable {
			continue
		}
		if requirements.Serial != "" && requirements.Serial != serial {
			continue
		}
		m.transitionLocked(serial, state, fleetsched.EventAllocateRequest)
		return deviceHandle{serial: serial}
	}
	return nil
}

// ForceAllocateDevice returns a handle for any serial this manager has ever
// tracked (including one adb now reports disconnected), whatever its
// current state. The tracked state moves to Allocated only where the state
// machine maps FORCE_ALLOCATE_REQUEST from it (Available, Unavailable); from
// any other state the transition is rejected and the state is left as is.
func (m *Manager) ForceAllocateDevice(serial string) (fleetsched.DeviceHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, known := m.states[serial]
	if !known {
		return nil, nil
	}
	m.transitionLocked(serial, current, fleetsched.EventForceAllocateRequest)
	return deviceHandle{serial: serial}, nil
}

// FreeDevice returns handle to the pool in the requested state.
func (m *Manager) FreeDevice(handle fleetsched.DeviceHandle, state fleetsched.FreeDeviceState) {
	if handle == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	serial := handle.Serial()
	current, known := m.states[serial]
	if !known {
		current = fleetsched.StateAllocated
	}
	m.transitionLocked(serial, current, state.ToEvent())
}

// ListAllDevices returns a descriptor per currently-known serial, enriching
// each with a best-effort getprop lookup (missing props are left blank
// rather than failing the whole call).
func (m *Manager) ListAllDevices(ctx context.Context) ([]fleetsched.DeviceDescriptor, error) {
	m.mu.Lock()
	snapshot := make(map[string]fleetsched.DeviceAllocationState, len(m.states))
	for serial, state := range m.states {
		snapshot[serial] = state
	}
	m.mu.Unlock()

	out := make([]fleetsched.DeviceDescriptor, 0, len(snapshot))
	for serial, state := range snapshot {
		out = append(out, m.describe(serial, state))
	}
	return out, nil
}

func (m *Manager) describe(serial string, state fleetsched.DeviceAllocationState) fleetsched.DeviceDescriptor {
	d := fleetsched.DeviceDescriptor{
		Serial: serial,
		IsStub: isStubSerial(serial),
		State:  state,
	}
	if out, err := m.provider.RunShell(serial, "getprop", "ro.product.name"); err == nil {
		d.Product = strings.TrimSpace(out)
	}
	if out, err := m.provider.RunShell(serial, "getprop", "ro.product.device"); err == nil {
		d.ProductVariant = strings.TrimSpace(out)
	}
	if out, err := m.provider.RunShell(serial, "getprop", "ro.build.version.sdk"); err == nil {
		d.SdkVersion = strings.TrimSpace(out)
	}
	if out, err := m.provider.RunShell(serial, "getprop", "ro.build.id"); err == nil {
		d.BuildID = strings.TrimSpace(out)
	}
	if out, err := m.provider.RunShell(serial, "dumpsys", "battery"); err == nil {
		d.BatteryLevel = parseBatteryLevel(out)
	}
	return d
}

func parseBatteryLevel(dumpsysOutput string) int {
	for _, line := range strings.Split(dumpsysOutput, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "level:") {
			continue
		}
		value := strings.TrimSpace(strings.TrimPrefix(line, "level:"))
		level, err := strconv.Atoi(value)
		if err != nil {
			return -1
		}
		return level
	}
	return -1
}

// IsNullDevice reports whether serial refers to a headless null-device
// placeholder (spec.md §4.C stub policy). fleetsched has no built-in concept
// of a null device on adb fleets; this implementation never produces one.
func (m *Manager) IsNullDevice(serial string) bool { return false }

// IsEmulator reports whether serial is an adb emulator instance, identified
// by adb's own "emulator-NNNN" naming convention.
func (m *Manager) IsEmulator(serial string) bool { return strings.HasPrefix(serial, "emulator-") }

func isStubSerial(serial string) bool {
	return strings.HasPrefix(serial, "emulator-")
}

// Terminate stops the background poller. Outstanding invocations are left
// to finish on their own.
func (m *Manager) Terminate() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// TerminateHard is equivalent to Terminate for this adapter: there is no
// separate forceful-kill path at the adb layer beyond stopping the poller.
func (m *Manager) TerminateHard() {
	m.Terminate()
}
