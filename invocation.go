package fleetsched

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeviceUnresponsiveError and DeviceUnavailableError are the specific
// invocation-failure subkinds that dictate the FreeDeviceState a device is
// released in (spec.md §7). FatalHostError is unrecoverable and triggers
// scheduler shutdown.
type DeviceUnresponsiveError struct{ Cause error }

func (e *DeviceUnresponsiveError) Error() string {
	return fmt.Sprintf("device unresponsive: %v", e.Cause)
}
func (e *DeviceUnresponsiveError) Unwrap() error { return e.Cause }

type DeviceUnavailableError struct{ Cause error }

func (e *DeviceUnavailableError) Error() string {
	return fmt.Sprintf("device unavailable: %v", e.Cause)
}
func (e *DeviceUnavailableError) Unwrap() error { return e.Cause }

// FatalHostError is an unrecoverable, process-wide condition. The scheduler
// reacts to it by calling Shutdown().
type FatalHostError struct{ Cause error }

func (e *FatalHostError) Error() string {
	return fmt.Sprintf("fatal host error: %v", e.Cause)
}
func (e *FatalHostError) Unwrap() error { return e.Cause }

// freeStateForInvocationError implements the failure model of spec.md §7:
// a DeviceUnresponsiveError yields FreeUnresponsive, a DeviceUnavailableError
// yields FreeUnavailable, and any other error returns the device Available
// (the error is logged by the caller, not swallowed here).
func freeStateForInvocationError(err error) FreeDeviceState {
	switch err.(type) {
	case *DeviceUnresponsiveError:
		return FreeUnresponsive
	case *DeviceUnavailableError:
		return FreeUnavailable
	default:
		return FreeAvailable
	}
}

// InvocationThread is the lifetime of one concrete invocation: one device
// borrowed from the DeviceManager, running one ExecutableCommand, for the
// duration of one InvocationRunner.Invoke call (EC-1: at most one
// InvocationThread per device at a time, enforced by the scheduler's
// invocations map).
type InvocationThread struct {
	Name      string
	Device    DeviceHandle
	Command   *ExecutableCommand
	StartTime time.Time

	done chan struct{}
}

func newInvocationThread(device DeviceHandle, cmd *ExecutableCommand) *InvocationThread {
	return &InvocationThread{
		Name:      fmt.Sprintf("invocation-%s-%s", device.Serial(), uuid.NewString()),
		Device:    device,
		Command:   cmd,
		StartTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Join blocks until the invocation thread's Invoke call has returned.
func (t *InvocationThread) Join() {
	<-t.done
}

func (t *InvocationThread) markDone() {
	close(t.done)
}
