package fleetsched

import "sync"

// DeviceTracker is a process-wide map from serial to the device handles this
// process is holding on behalf of a remote peer (DT-1). It does not itself
// free devices at the device manager; it only records who is holding them.
//
// The teacher's singleton device-state map (device_manager.go) is the model
// here, generalized to the allocate/free/freeAll contract of spec.md §4.A and
// injected rather than accessed as a package-level singleton, so tests can
// substitute their own instance.
type DeviceTracker struct {
	mu      sync.Mutex
	devices map[string]DeviceHandle
}

// NewDeviceTracker returns an empty tracker.
func NewDeviceTracker() *DeviceTracker {
	return &DeviceTracker{devices: make(map[string]DeviceHandle)}
}

// Allocate records that handle is held on behalf of a remote peer. A prior
// entry for the same serial is silently overwritten: the caller is expected
// to have already reconciled any discrepancy.
func (t *DeviceTracker) Allocate(handle DeviceHandle) {
	if handle == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices[handle.Serial()] = handle
}

// Free removes and returns the handle for serial, or nil if it was not
// tracked.
func (t *DeviceTracker) Free(serial string) DeviceHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	handle, ok := t.devices[serial]
	if !ok {
		return nil
	}
	delete(t.devices, serial)
	return handle
}

// FreeAll atomically drains the tracker and returns every handle it held.
func (t *DeviceTracker) FreeAll() []DeviceHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DeviceHandle, 0, len(t.devices))
	for _, handle := range t.devices {
		out = append(out, handle)
	}
	t.devices = make(map[string]DeviceHandle)
	return out
}

// Contains reports whether serial is currently tracked (DT-1). Used to
// distinguish NOT_ALLOCATED from NO_ACTIVE_COMMAND in GetSerialCommandResult.
func (t *DeviceTracker) Contains(serial string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.devices[serial]
	return ok
}

// Len returns the number of devices currently tracked.
func (t *DeviceTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.devices)
}

// Serials returns a snapshot of every serial currently tracked, without
// removing them. Used by the outgoing handover handshake (spec.md §4.E) to
// decide which serials to Allocate on the successor.
func (t *DeviceTracker) Serials() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.devices))
	for serial := range t.devices {
		out = append(out, serial)
	}
	return out
}
