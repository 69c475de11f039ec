package fleetsched

import (
	"context"
	"time"
)

// DeviceManager is the external port (§6.2) the scheduler borrows device
// handles from. Its driver-level implementation (bridging to adb/fastboot)
// is explicitly out of scope for this core; see internal/providers/adb for
// a concrete adapter built on a real adb client.
type DeviceManager interface {
	// AllocateDevice returns a handle matching requirements within timeout,
	// or nil if none is currently available. A zero timeout means
	// non-blocking: return immediately if nothing matches.
	AllocateDevice(ctx context.Context, timeout time.Duration, requirements DeviceRequirements) (DeviceHandle, error)

	// ForceAllocateDevice allocates a specific serial unconditionally (used
	// by the remote manager's ALLOCATE_DEVICE op and by handover), or
	// returns nil if the serial is unknown.
	ForceAllocateDevice(serial string) (DeviceHandle, error)

	// FreeDevice returns handle to the pool, transitioning it per state.
	FreeDevice(handle DeviceHandle, state FreeDeviceState)

	// ListAllDevices returns a snapshot descriptor for every device
	// currently known to the bridge.
	ListAllDevices(ctx context.Context) ([]DeviceDescriptor, error)

	IsNullDevice(serial string) bool
	IsEmulator(serial string) bool

	Init() error
	Terminate()
	TerminateHard()
}

// InvocationRunner is the external port (§6.2) that actually drives a test
// run against an allocated device. The test-runner itself, build-info
// fetchers, target preparers, and result reporters it may call into are all
// out of scope for this core.
type InvocationRunner interface {
	// Invoke runs cfg against device, calling back into rescheduler if the
	// run wants to schedule follow-up work. On completion it must do
	// exactly one of: call a listener method to report the outcome and
	// return nil, or return a non-nil error (a *DeviceUnresponsiveError,
	// *DeviceUnavailableError, *FatalHostError, or any other error, which the
	// scheduler logs and answers by freeing the device Available; only a
	// *FatalHostError shuts the scheduler down) without having called
	// listener at all. Never both.
	Invoke(ctx context.Context, device DeviceHandle, cfg *Config, rescheduler Rescheduler, listener InvocationListener) error
}

// InvocationListener is notified of the terminal outcome of one invocation.
type InvocationListener interface {
	InvocationComplete(device DeviceHandle, freeState FreeDeviceState)
	InvocationFailed(cause error)
}

// Rescheduler is handed to the invocation runner so it can ask for
// follow-up work without reaching back into scheduler internals
// (spec.md §4.G "Rescheduler contract").
type Rescheduler interface {
	// ScheduleConfig enqueues a fresh ExecutableCommand reusing the current
	// tracker, with loop mode forced off to prevent cascading loops.
	ScheduleConfig(cfg *Config)
	// RescheduleCommand re-parses the tracker's original args and enqueues
	// the result after at least the tracker's minimum loop delay.
	RescheduleCommand()
}
