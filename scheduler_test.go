package fleetsched

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeDeviceHandle struct{ serial string }

func (h fakeDeviceHandle) Serial() string { return h.serial }

// fakeDeviceManager serves a fixed pool of serials, handing out a device the
// first time it is asked for and refusing further allocations until freed.
type fakeDeviceManager struct {
	mu        sync.Mutex
	available map[string]bool
}

func newFakeDeviceManager(serials ...string) *fakeDeviceManager {
	m := &fakeDeviceManager{available: make(map[string]bool)}
	for _, s := range serials {
		m.available[s] = true
	}
	return m
}

func (m *fakeDeviceManager) AllocateDevice(ctx context.Context, timeout time.Duration, requirements DeviceRequirements) (DeviceHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for serial, free := range m.available {
		if !free {
			continue
		}
		if !requirements.Matches(DeviceDescriptor{Serial: serial}) {
			continue
		}
		m.available[serial] = false
		return fakeDeviceHandle{serial: serial}, nil
	}
	return nil, nil
}

func (m *fakeDeviceManager) ForceAllocateDevice(serial string) (DeviceHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available[serial] = false
	return fakeDeviceHandle{serial: serial}, nil
}

func (m *fakeDeviceManager) FreeDevice(handle DeviceHandle, state FreeDeviceState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available[handle.Serial()] = true
}

func (m *fakeDeviceManager) ListAllDevices(ctx context.Context) ([]DeviceDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeviceDescriptor, 0, len(m.available))
	for serial := range m.available {
		out = append(out, DeviceDescriptor{Serial: serial})
	}
	return out, nil
}

func (m *fakeDeviceManager) IsNullDevice(serial string) bool { return false }
func (m *fakeDeviceManager) IsEmulator(serial string) bool   { return false }
func (m *fakeDeviceManager) Init() error                     { return nil }
func (m *fakeDeviceManager) Terminate()                      {}
func (m *fakeDeviceManager) TerminateHard()                  {}

// fakeConfigFactory parses nothing; it just hands back a fixed Config per
// call, recording every argument vector it was given.
type fakeConfigFactory struct {
	mu   sync.Mutex
	args [][]string
}

func (f *fakeConfigFactory) CreateConfigurationFromArgs(args []string) (*Config, error) {
	f.mu.Lock()
	f.args = append(f.args, append([]string(nil), args...))
	f.mu.Unlock()
	return &Config{ModuleArgs: args}, nil
}

// succeedingRunner completes every invocation immediately as a success.
type succeedingRunner struct {
	mu    sync.Mutex
	calls int
}

func (r *succeedingRunner) Invoke(ctx context.Context, device DeviceHandle, cfg *Config, rescheduler Rescheduler, listener InvocationListener) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	listener.InvocationComplete(device, FreeAvailable)
	return nil
}

// failingRunner always returns a sentinel error without calling the listener.
type failingRunner struct {
	err error
}

func (r *failingRunner) Invoke(ctx context.Context, device DeviceHandle, cfg *Config, rescheduler Rescheduler, listener InvocationListener) error {
	return r.err
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met within timeout")
	}
}

func TestSchedulerDispatchesAndRecordsResult(t *testing.T) {
	dm := newFakeDeviceManager("serial-1")
	runner := &succeedingRunner{}
	factory := &fakeConfigFactory{}
	s := NewCommandScheduler(dm, runner, factory)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Shutdown()

	trackers, err := s.AddCommand(context.Background(), []string{"run", "suite"}, 0)
	if err != nil {
		t.Fatalf("add command: %v", err)
	}
	if len(trackers) != 1 {
		t.Fatal("expected a tracker for a non-dry-run command")
	}
	tracker := trackers[0]

	waitFor(t, time.Second, func() bool {
		_, ok := s.GetCommandResult(tracker.ID)
		return ok
	})

	result, _ := s.GetCommandResult(tracker.ID)
	if result.Status != StatusInvocationSuccess {
		t.Fatalf("expected success, got %s (%s)", result.Status, result.Error)
	}
}

func TestSchedulerAddCommandSkipsDryRun(t *testing.T) {
	dm := newFakeDeviceManager("serial-1")
	runner := &succeedingRunner{}
	factory := dryRunConfigFactory{}
	s := NewCommandScheduler(dm, runner, factory)

	trackers, err := s.AddCommand(context.Background(), []string{"run", "--dry-run"}, 0)
	if err != nil {
		t.Fatalf("add command: %v", err)
	}
	if trackers != nil {
		t.Fatal("expected no tracker for a dry-run command")
	}
	if s.AllCommandsCount() != 0 {
		t.Fatalf("expected dry-run command never to be tracked, got %d", s.AllCommandsCount())
	}
}

type dryRunConfigFactory struct{}

func (dryRunConfigFactory) CreateConfigurationFromArgs(args []string) (*Config, error) {
	return &Config{Options: CommandOptions{DryRun: true}}, nil
}

func TestSchedulerRemoveAllCommandsClearsQueue(t *testing.T) {
	dm := newFakeDeviceManager() // no devices, so nothing ever dispatches
	runner := &succeedingRunner{}
	factory := &fakeConfigFactory{}
	s := NewCommandScheduler(dm, runner, factory)

	if _, err := s.AddCommand(context.Background(), []string{"a"}, 0); err != nil {
		t.Fatalf("add command: %v", err)
	}
	if _, err := s.AddCommand(context.Background(), []string{"b"}, 0); err != nil {
		t.Fatalf("add command: %v", err)
	}
	if s.QueueSize() != 2 {
		t.Fatalf("expected 2 queued commands, got %d", s.QueueSize())
	}

	s.RemoveAllCommands()
	if s.QueueSize() != 0 {
		t.Fatalf("expected empty queue after RemoveAllCommands, got %d", s.QueueSize())
	}
	if s.AllCommandsCount() != 0 {
		t.Fatalf("expected no tracked commands after RemoveAllCommands, got %d", s.AllCommandsCount())
	}
}

func TestSchedulerInvocationErrorFreesDeviceAndRecordsFailure(t *testing.T) {
	dm := newFakeDeviceManager("serial-1")
	runner := &failingRunner{err: &DeviceUnresponsiveError{Cause: context.DeadlineExceeded}}
	factory := &fakeConfigFactory{}
	s := NewCommandScheduler(dm, runner, factory)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Shutdown()

	trackers, err := s.AddCommand(context.Background(), []string{"run"}, 0)
	if err != nil {
		t.Fatalf("add command: %v", err)
	}
	tracker := trackers[0]

	waitFor(t, time.Second, func() bool {
		_, ok := s.GetCommandResult(tracker.ID)
		return ok
	})

	result, _ := s.GetCommandResult(tracker.ID)
	if result.Status != StatusInvocationError {
		t.Fatalf("expected invocation error status, got %s", result.Status)
	}

	// The device should have been freed back to the pool despite the error.
	waitFor(t, time.Second, func() bool {
		h, _ := dm.AllocateDevice(context.Background(), 0, DeviceRequirements{})
		if h == nil {
			return false
		}
		dm.FreeDevice(h, FreeAvailable)
		return true
	})
}

func TestSchedulerShutdownOnEmptyStopsOnceDrained(t *testing.T) {
	dm := newFakeDeviceManager("serial-1")
	runner := &succeedingRunner{}
	factory := &fakeConfigFactory{}
	s := NewCommandScheduler(dm, runner, factory)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.AddCommand(context.Background(), []string{"run"}, 0); err != nil {
		t.Fatalf("add command: %v", err)
	}
	s.ShutdownOnEmpty()

	done := make(chan struct{})
	go func() {
		s.Join()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not shut down after queue drained")
	}
}

func TestSchedulerFairnessNudgeLetsEligibleCommandThroughFirst(t *testing.T) {
	dm := newFakeDeviceManager("serial-match")
	runner := &succeedingRunner{}
	factory := &fakeConfigFactory{}
	s := NewCommandScheduler(dm, runner, factory)

	blockedFactory := requirementConfigFactory{serial: "serial-absent"}
	matchFactory := requirementConfigFactory{serial: "serial-match"}
	s.configFactory = blockedFactory
	if _, err := s.AddCommand(context.Background(), []string{"blocked"}, 0); err != nil {
		t.Fatalf("add blocked command: %v", err)
	}
	s.configFactory = matchFactory
	trackers, err := s.AddCommand(context.Background(), []string{"eligible"}, 0)
	if err != nil {
		t.Fatalf("add eligible command: %v", err)
	}
	tracker := trackers[0]

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Shutdown()

	waitFor(t, 2*time.Second, func() bool {
		_, ok := s.GetCommandResult(tracker.ID)
		return ok
	})
	result, _ := s.GetCommandResult(tracker.ID)
	if result.Status != StatusInvocationSuccess {
		t.Fatalf("expected the eligible command to complete, got %s", result.Status)
	}
	if s.QueueSize() != 1 {
		t.Fatalf("expected the blocked command still waiting in queue, got %d", s.QueueSize())
	}
}

type requirementConfigFactory struct{ serial string }

func (f requirementConfigFactory) CreateConfigurationFromArgs(args []string) (*Config, error) {
	return &Config{Requirements: DeviceRequirements{Serial: f.serial}}, nil
}

// allDevicesConfigFactory always parses to --all-devices, regardless of the
// args it is handed.
type allDevicesConfigFactory struct{}

func (allDevicesConfigFactory) CreateConfigurationFromArgs(args []string) (*Config, error) {
	return &Config{Options: CommandOptions{RunOnAllDevices: true}}, nil
}

func TestSchedulerAddCommandAllDevicesFansOutPerSerial(t *testing.T) {
	dm := newFakeDeviceManager("serial-1", "serial-2")
	runner := &succeedingRunner{}
	s := NewCommandScheduler(dm, runner, allDevicesConfigFactory{})

	trackers, err := s.AddCommand(context.Background(), []string{"run", "suite"}, 500)
	if err != nil {
		t.Fatalf("add command: %v", err)
	}
	if len(trackers) != 2 {
		t.Fatalf("expected one tracker per device, got %d", len(trackers))
	}

	seen := make(map[string]bool)
	for _, tracker := range trackers {
		if tracker.TotalExecTime() != 500 {
			t.Fatalf("expected seeded totalExecTime 500, got %d", tracker.TotalExecTime())
		}
		args := tracker.Args
		if len(args) < 2 || args[len(args)-2] != "-s" {
			t.Fatalf("expected trailing -s <serial>, got %v", args)
		}
		seen[args[len(args)-1]] = true
	}
	if !seen["serial-1"] || !seen["serial-2"] {
		t.Fatalf("expected a tracker for each serial, got %v", seen)
	}
	if s.QueueSize() != 2 {
		t.Fatalf("expected both fanned-out commands queued, got %d", s.QueueSize())
	}
}

func TestSchedulerGetSerialCommandResultDiscriminatesStatus(t *testing.T) {
	dm := newFakeDeviceManager("serial-1")
	runner := &succeedingRunner{}
	factory := &fakeConfigFactory{}
	s := NewCommandScheduler(dm, runner, factory)

	if status, _, _ := s.GetSerialCommandResult("serial-1"); status != StatusNotAllocated {
		t.Fatalf("expected NOT_ALLOCATED before any allocation, got %s", status)
	}

	handle, err := s.ForceAllocateDeviceDirect("serial-1")
	if err != nil || handle == nil {
		t.Fatalf("force allocate: %v", err)
	}
	if status, _, _ := s.GetSerialCommandResult("serial-1"); status != StatusNoActiveCommand {
		t.Fatalf("expected NO_ACTIVE_COMMAND once allocated, got %s", status)
	}
	if ok := s.FreeDeviceTrackedDirect("serial-1", FreeAvailable); !ok {
		t.Fatal("expected free to succeed before dispatch")
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Shutdown()

	if _, err := s.AddCommand(context.Background(), []string{"run"}, 0); err != nil {
		t.Fatalf("add command: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		status, _, _ := s.GetSerialCommandResult("serial-1")
		return status == StatusInvocationSuccess
	})
}

func TestSchedulerFreeDeviceTrackedDirectIsIdempotent(t *testing.T) {
	dm := newFakeDeviceManager("serial-1")
	runner := &succeedingRunner{}
	factory := &fakeConfigFactory{}
	s := NewCommandScheduler(dm, runner, factory)

	if _, err := s.ForceAllocateDeviceDirect("serial-1"); err != nil {
		t.Fatalf("force allocate: %v", err)
	}

	if ok := s.FreeDeviceTrackedDirect("serial-1", FreeAvailable); !ok {
		t.Fatal("expected first free to report true")
	}
	if ok := s.FreeDeviceTrackedDirect("serial-1", FreeAvailable); ok {
		t.Fatal("expected second free of the same serial to report false")
	}
}
