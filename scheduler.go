package fleetsched

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/httprunner/fleetsched/remote"
)

// dispatchPollInterval is how often the main loop retries when nothing was
// dispatched on the previous pass (spec.md §4.G step 2).
const dispatchPollInterval = 20 * time.Millisecond

// fairnessNudgeMillis is added to a command's totalExecTime every time it is
// skipped because no matching device is currently free, so a head-of-line
// command blocked on a busy or absent device gradually yields priority to
// commands that can actually run (spec.md §4.G step 2c, P1 fairness).
const fairnessNudgeMillis = 1

// handoverDialTimeout bounds how long the outgoing side of a handover waits
// to connect to the successor's RemoteManager before giving up.
const handoverDialTimeout = 5 * time.Second

// ExecutionRecorder is the optional external port (§6.2) used to persist a
// durable audit trail of command outcomes. A nil recorder simply means
// nothing is persisted; the scheduler itself never depends on history being
// available.
type ExecutionRecorder interface {
	RecordExecution(rec ExecutionRecord)
}

// ExecutionRecord is one terminal outcome handed to an ExecutionRecorder.
type ExecutionRecord struct {
	CommandID   int64
	Args        []string
	DeviceSerial string
	StartTime   time.Time
	EndTime     time.Time
	Status      string
	Error       string
}

// CommandScheduler is the fleet-level core: one priority queue of waiting
// commands, one invocation per currently-allocated device, and the
// bookkeeping that ties a command's lifetime across repeated executions
// (spec.md §4.G). It depends only on the external ports (DeviceManager,
// InvocationRunner, ConfigFactory) and is otherwise self-contained and
// synchronous under its own lock, matching the teacher's CommandScheduler
// singleton generalized into an injected, testable struct.
type CommandScheduler struct {
	mu          sync.Mutex
	queue       *commandQueue
	allCommands map[*ExecutableCommand]struct{}
	sleeping    map[*ExecutableCommand]*time.Timer
	invocations map[string]*InvocationThread // keyed by device serial
	idGen       commandIDGenerator

	deviceManager DeviceManager
	runner        InvocationRunner
	configFactory ConfigFactory
	deviceTracker *DeviceTracker
	utilMonitor   *DeviceUtilStatsMonitor
	recorder      ExecutionRecorder
	results       *ExecutionTracker

	// handoverClient and handoverSerials are set for the duration of an
	// outgoing handover (spec.md §4.E): once the initial Allocate/AddCommand
	// handshake completes, the client is kept open so that as each
	// in-flight invocation on a transferred serial finishes locally, the
	// device is freed at the local device manager and the successor is also
	// told Free(serial).
	handoverClient  *remote.Client
	handoverSerials map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	started         bool
	shutdownOnEmpty bool
	shutdownHard    bool
	stopped         chan struct{}
	stopOnce        sync.Once
}

// SchedulerOption configures optional CommandScheduler dependencies.
type SchedulerOption func(*CommandScheduler)

// WithExecutionRecorder wires a durable history sink (spec.md §4.M).
func WithExecutionRecorder(r ExecutionRecorder) SchedulerOption {
	return func(s *CommandScheduler) { s.recorder = r }
}

// WithUtilizationMonitor overrides the default stub policy monitor.
func WithUtilizationMonitor(m *DeviceUtilStatsMonitor) SchedulerOption {
	return func(s *CommandScheduler) { s.utilMonitor = m }
}

// NewCommandScheduler wires a scheduler against its external ports. Start
// must be called before AddCommand has any effect on dispatch.
func NewCommandScheduler(deviceManager DeviceManager, runner InvocationRunner, configFactory ConfigFactory, opts ...SchedulerOption) *CommandScheduler {
	s := &CommandScheduler{
		queue:         newCommandQueue(),
		allCommands:   make(map[*ExecutableCommand]struct{}),
		sleeping:      make(map[*ExecutableCommand]*time.Timer),
		invocations:   make(map[string]*InvocationThread),
		deviceManager: deviceManager,
		runner:        runner,
		configFactory: configFactory,
		deviceTracker: NewDeviceTracker(),
		utilMonitor:   NewDeviceUtilStatsMonitor(StubIncludeIfUsed),
		results:       NewExecutionTracker(),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the dispatch loop on its own supervised goroutine. Safe to
// call once; subsequent calls are no-ops.
func (s *CommandScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.ctx = loopCtx
	s.cancel = cancel
	group, groupCtx := errgroup.WithContext(loopCtx)
	s.group = group
	s.ctx = groupCtx
	s.mu.Unlock()

	if err := s.deviceManager.Init(); err != nil {
		return fmt.Errorf("scheduler: device manager init: %w", err)
	}

	GroupGoSafe(groupCtx, group, "scheduler-dispatch-loop", s.dispatchLoop)

	go func() {
		_ = group.Wait()
		close(s.stopped)
	}()
	return nil
}

// Join blocks until the scheduler has fully shut down.
func (s *CommandScheduler) Join() {
	<-s.stopped
}

func (s *CommandScheduler) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		cmd, handle := s.tryDispatchOne(ctx)
		if cmd != nil {
			s.spawnInvocation(handle, cmd)
			continue
		}

		if s.maybeFinishShutdown() {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(dispatchPollInterval):
		}
	}
}

// tryDispatchOne scans the waiting queue once for a command whose device
// requirements can be satisfied right now. Commands it has to skip over are
// nudged (fairnessNudgeMillis) and reinserted so they do not permanently
// block the head of the line (spec.md §4.G step 2c).
func (s *CommandScheduler) tryDispatchOne(ctx context.Context) (*ExecutableCommand, DeviceHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdownHard {
		return nil, nil
	}

	var skipped []*ExecutableCommand
	var chosen *ExecutableCommand
	var handle DeviceHandle

	for s.queue.Len() > 0 {
		cmd := s.queue.Poll()
		h, err := s.deviceManager.AllocateDevice(ctx, 0, cmd.Config.Requirements)
		if err != nil {
			log.Error().Err(err).Int64("commandId", cmd.Tracker.ID).Msg("fleetsched: allocate device failed")
			skipped = append(skipped, cmd)
			continue
		}
		if h == nil {
			cmd.Tracker.AddExecTime(fairnessNudgeMillis)
			skipped = append(skipped, cmd)
			continue
		}
		chosen = cmd
		handle = h
		break
	}

	for _, c := range skipped {
		s.queue.requeue(c)
	}

	if chosen != nil {
		chosen.State = CommandExecuting
	}
	return chosen, handle
}

func (s *CommandScheduler) spawnInvocation(handle DeviceHandle, cmd *ExecutableCommand) {
	it := newInvocationThread(handle, cmd)

	s.mu.Lock()
	s.invocations[handle.Serial()] = it
	s.deviceTracker.Allocate(handle)
	s.utilMonitor.RecordTransition(handle.Serial(), StateAllocated)
	s.mu.Unlock()
	s.results.RecordExecuting(handle.Serial(), cmd.Tracker.ID)

	s.group.Go(func() error {
		defer it.markDone()

		listener := &schedulerListener{scheduler: s, invocation: it}
		rescheduler := &schedulerRescheduler{scheduler: s, tracker: cmd.Tracker}

		err := s.invokeRecovered(it, cmd, listener, rescheduler)
		if err != nil {
			s.handleInvocationError(it, err)
		}
		return nil
	})
}

func (s *CommandScheduler) invokeRecovered(it *InvocationThread, cmd *ExecutableCommand, listener InvocationListener, rescheduler Rescheduler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invocation panicked: %v", r)
		}
	}()
	return s.runner.Invoke(s.ctx, it.Device, cmd.Config, rescheduler, listener)
}

// handleInvocationError is reached only when InvocationRunner.Invoke returns
// an error directly, meaning it never got the chance to notify the listener
// itself. The scheduler derives the correct FreeDeviceState from the
// sentinel error kind and completes the invocation the same way a listener
// callback would have.
func (s *CommandScheduler) handleInvocationError(it *InvocationThread, err error) {
	log.Error().Err(err).Str("device", it.Device.Serial()).Msg("fleetsched: invocation returned error")
	freeState := freeStateForInvocationError(err)
	s.completeInvocation(it, freeState, err)

	var fatal *FatalHostError
	if asFatalHostError(err, &fatal) {
		log.Error().Err(fatal.Cause).Msg("fleetsched: fatal host error, shutting down scheduler")
		s.Shutdown()
	}
}

func asFatalHostError(err error, target **FatalHostError) bool {
	for err != nil {
		if fh, ok := err.(*FatalHostError); ok {
			*target = fh
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// completeInvocation frees the device, records execution time against the
// command's tracker, appends a history record if a recorder is wired, and
// decides whether the command is finished, should loop, or should be
// rescheduled. cause is nil on a clean completion.
func (s *CommandScheduler) completeInvocation(it *InvocationThread, freeState FreeDeviceState, cause error) {
	s.mu.Lock()
	delete(s.invocations, it.Device.Serial())
	s.deviceTracker.Free(it.Device.Serial())
	s.mu.Unlock()

	s.deviceManager.FreeDevice(it.Device, freeState)

	nextState, terr := Transition(StateAllocated, freeState.ToEvent())
	if terr != nil {
		log.Warn().Err(terr).Msg("fleetsched: device free transition")
	}
	s.mu.Lock()
	s.utilMonitor.RecordTransition(it.Device.Serial(), nextState)
	s.mu.Unlock()

	elapsed := time.Since(it.StartTime).Milliseconds()
	cmd := it.Command
	cmd.Tracker.AddExecTime(elapsed)

	status := StatusInvocationSuccess
	errMsg := ""
	if cause != nil {
		status = StatusInvocationError
		errMsg = cause.Error()
	}
	s.results.RecordResult(it.Device.Serial(), cmd.Tracker.ID, status, errMsg, freeState.String())

	s.mu.Lock()
	var notifyClient *remote.Client
	if s.handoverClient != nil {
		if _, ok := s.handoverSerials[it.Device.Serial()]; ok {
			notifyClient = s.handoverClient
		}
	}
	s.mu.Unlock()
	if notifyClient != nil {
		if err := notifyClient.FreeDevice(it.Device.Serial(), freeState.String()); err != nil {
			log.Warn().Err(err).Str("serial", it.Device.Serial()).Msg("fleetsched: handover free notify failed")
		}
	}

	if s.recorder != nil {
		s.recorder.RecordExecution(ExecutionRecord{
			CommandID:    cmd.Tracker.ID,
			Args:         cmd.Tracker.Args,
			DeviceSerial: it.Device.Serial(),
			StartTime:    it.StartTime,
			EndTime:      time.Now(),
			Status:       status,
			Error:        errMsg,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd.Config.Options.isLoopMode() {
		s.scheduleLoopIterationLocked(cmd)
		return
	}
	delete(s.allCommands, cmd)
}

// scheduleLoopIterationLocked re-enqueues cmd's tracker as a fresh waiting
// command after at least MinLoopTime has elapsed, per the resolved
// timer-queue semantics of spec.md §9: every sleeping command owns its own
// *time.Timer, registered in s.sleeping and cleared on fire or on
// RemoveAllCommands/Shutdown.
func (s *CommandScheduler) scheduleLoopIterationLocked(cmd *ExecutableCommand) {
	fresh := NewExecutableCommand(cmd.Tracker, cmd.Config, true)
	fresh.State = CommandSleeping
	fresh.SleepUntil = time.Now().Add(cmd.Config.Options.getMinLoopTime())
	delete(s.allCommands, cmd)
	s.allCommands[fresh] = struct{}{}

	delay := cmd.Config.Options.getMinLoopTime()
	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.sleeping, fresh)
		if _, ok := s.allCommands[fresh]; !ok {
			s.mu.Unlock()
			return
		}
		s.queue.Offer(fresh)
		s.mu.Unlock()
	})
	s.sleeping[fresh] = timer
}

// schedulerListener adapts one invocation's terminal callbacks back onto the
// scheduler (spec.md §6.2 InvocationListener).
type schedulerListener struct {
	scheduler  *CommandScheduler
	invocation *InvocationThread
}

func (l *schedulerListener) InvocationComplete(device DeviceHandle, freeState FreeDeviceState) {
	l.scheduler.completeInvocation(l.invocation, freeState, nil)
}

func (l *schedulerListener) InvocationFailed(cause error) {
	l.scheduler.completeInvocation(l.invocation, freeStateForInvocationError(cause), cause)
}

// schedulerRescheduler implements the Rescheduler contract handed to every
// invocation (spec.md §4.G "Rescheduler contract").
type schedulerRescheduler struct {
	scheduler *CommandScheduler
	tracker   *CommandTracker
}

func (r *schedulerRescheduler) ScheduleConfig(cfg *Config) {
	noLoop := *cfg
	noLoop.Options.LoopMode = false
	cmd := NewExecutableCommand(r.tracker, &noLoop, true)
	r.scheduler.mu.Lock()
	r.scheduler.allCommands[cmd] = struct{}{}
	r.scheduler.queue.Offer(cmd)
	r.scheduler.mu.Unlock()
}

func (r *schedulerRescheduler) RescheduleCommand() {
	cfg, err := r.scheduler.configFactory.CreateConfigurationFromArgs(r.tracker.Args)
	if err != nil {
		log.Error().Err(err).Int64("commandId", r.tracker.ID).Msg("fleetsched: reschedule: re-parse args failed")
		return
	}
	cmd := NewExecutableCommand(r.tracker, cfg, true)
	r.scheduler.mu.Lock()
	r.scheduler.allCommands[cmd] = struct{}{}
	r.scheduler.mu.Unlock()
	r.scheduler.scheduleLoopIterationForReschedule(cmd)
}

// scheduleLoopIterationForReschedule mirrors scheduleLoopIterationLocked but
// for a brand-new ExecutableCommand rather than one transitioning out of
// Executing, and acquires its own lock since RescheduleCommand is called
// from outside the scheduler's main goroutine.
func (s *CommandScheduler) scheduleLoopIterationForReschedule(cmd *ExecutableCommand) {
	s.mu.Lock()
	cmd.State = CommandSleeping
	cmd.SleepUntil = time.Now().Add(cmd.Config.Options.getMinLoopTime())
	delay := cmd.Config.Options.getMinLoopTime()
	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.sleeping, cmd)
		if _, ok := s.allCommands[cmd]; !ok {
			s.mu.Unlock()
			return
		}
		s.queue.Offer(cmd)
		s.mu.Unlock()
	})
	s.sleeping[cmd] = timer
	s.mu.Unlock()
}

// AddCommand parses args via the scheduler's ConfigFactory and, unless it is
// a help or dry-run request (which never enters the queue), enqueues one or
// more ExecutableCommands against fresh CommandTrackers, each seeded with
// totalExecTime (spec.md §4.G intake: "addCommand(args, totalExecTime=0)").
// If the parsed config sets --all-devices, the fleet is enumerated and one
// command is enqueued per serial with -s <serial> appended to its own
// argument vector (spec.md §4.G, §1.1 per-device fan-out); otherwise a
// single command is enqueued and the returned slice has exactly one entry.
func (s *CommandScheduler) AddCommand(ctx context.Context, args []string, totalExecTime int64) ([]*CommandTracker, error) {
	cfg, err := s.configFactory.CreateConfigurationFromArgs(args)
	if err != nil {
		return nil, fmt.Errorf("scheduler: add command: %w", err)
	}
	if cfg.Options.NoisyDryRun {
		log.Info().Strs("args", stripNoisyDryRunFlag(args)).Msg("fleetsched: noisy dry run")
	}
	if cfg.Options.isHelpMode() || cfg.Options.isDryRunMode() {
		return nil, nil
	}

	if cfg.Options.runOnAllDevices() {
		return s.addCommandAllDevices(ctx, args, totalExecTime)
	}

	tracker := NewCommandTracker(s.idGen.nextID(), args)
	tracker.AddExecTime(totalExecTime)
	cmd := NewExecutableCommand(tracker, cfg, false)

	s.mu.Lock()
	s.allCommands[cmd] = struct{}{}
	s.queue.Offer(cmd)
	s.mu.Unlock()
	return []*CommandTracker{tracker}, nil
}

// addCommandAllDevices enumerates the fleet via the DeviceManager and
// enqueues one command per serial, each carrying its own -s <serial>
// argument and the same totalExecTime seed (spec.md §4.G intake).
func (s *CommandScheduler) addCommandAllDevices(ctx context.Context, args []string, totalExecTime int64) ([]*CommandTracker, error) {
	devices, err := s.deviceManager.ListAllDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: add command: list all devices: %w", err)
	}

	trackers := make([]*CommandTracker, 0, len(devices))
	for _, d := range devices {
		perDeviceArgs := append(append([]string{}, args...), "-s", d.Serial)
		cfg, err := s.configFactory.CreateConfigurationFromArgs(stripNoisyDryRunFlag(perDeviceArgs))
		if err != nil {
			return nil, fmt.Errorf("scheduler: add command: %w", err)
		}
		tracker := NewCommandTracker(s.idGen.nextID(), perDeviceArgs)
		tracker.AddExecTime(totalExecTime)
		cmd := NewExecutableCommand(tracker, cfg, false)

		s.mu.Lock()
		s.allCommands[cmd] = struct{}{}
		s.queue.Offer(cmd)
		s.mu.Unlock()
		trackers = append(trackers, tracker)
	}
	return trackers, nil
}

// ExecCommand runs args against a specific, already-allocated device
// immediately, bypassing the queue entirely (spec.md §4.F EXEC_COMMAND).
func (s *CommandScheduler) ExecCommand(ctx context.Context, device DeviceHandle, args []string, listener InvocationListener) error {
	cfg, err := s.configFactory.CreateConfigurationFromArgs(args)
	if err != nil {
		return fmt.Errorf("scheduler: exec command: %w", err)
	}
	tracker := NewCommandTracker(s.idGen.nextID(), args)
	cmd := NewExecutableCommand(tracker, cfg, false)
	cmd.State = CommandExecuting

	it := newInvocationThread(device, cmd)
	s.mu.Lock()
	s.invocations[device.Serial()] = it
	s.mu.Unlock()

	rescheduler := &schedulerRescheduler{scheduler: s, tracker: tracker}
	err = s.invokeRecovered(it, cmd, listener, rescheduler)
	it.markDone()
	s.mu.Lock()
	delete(s.invocations, device.Serial())
	s.mu.Unlock()
	return err
}

// RemoveAllCommands clears the waiting queue, cancels every pending sleep
// timer, and forgets every waiting or sleeping command. Executing commands
// stay in allCommands and their invocations are left to finish; a loop-mode
// command still schedules its next iteration when its invocation completes
// (spec.md §4.H reload semantics, P4).
func (s *CommandScheduler) RemoveAllCommands() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cmd := range s.queue.Clear() {
		delete(s.allCommands, cmd)
	}
	for cmd, timer := range s.sleeping {
		timer.Stop()
		delete(s.sleeping, cmd)
		delete(s.allCommands, cmd)
	}
}

// GetCommandResult returns the last recorded outcome for commandID
// (spec.md §4.F GET_LAST_COMMAND_RESULT).
func (s *CommandScheduler) GetCommandResult(commandID int64) (CommandResult, bool) {
	return s.results.GetCommandResult(commandID)
}

// GetSerialCommandResult answers GET_LAST_COMMAND_RESULT as the wire
// protocol actually keys it (spec.md §6.1: "serial: string"), discriminating
// the three cases a recorded result cannot express on its own: NOT_ALLOCATED
// (serial is not currently held by this process at all, whether for local
// dispatch or on behalf of a remote peer) and NO_ACTIVE_COMMAND (serial is
// held but no command has ever started on it) versus a recorded EXECUTING or
// terminal result.
func (s *CommandScheduler) GetSerialCommandResult(serial string) (status, errMsg, freeState string) {
	if result, ok := s.results.GetSerialResult(serial); ok {
		return result.Status, result.Error, result.FreeState
	}
	s.mu.Lock()
	_, executing := s.invocations[serial]
	allocated := executing || s.deviceTracker.Contains(serial)
	s.mu.Unlock()
	if allocated {
		return StatusNoActiveCommand, "", ""
	}
	return StatusNotAllocated, "", ""
}

// ForceAllocateDeviceDirect force-allocates serial unconditionally and
// records it in the Device Tracker (DT-1), for the remote manager's
// ALLOCATE_DEVICE op and the handover handshake. Returns a nil handle and a
// nil error if the device manager could not force-allocate the serial.
func (s *CommandScheduler) ForceAllocateDeviceDirect(serial string) (DeviceHandle, error) {
	handle, err := s.deviceManager.ForceAllocateDevice(serial)
	if err != nil || handle == nil {
		return handle, err
	}
	s.mu.Lock()
	s.deviceTracker.Allocate(handle)
	s.utilMonitor.RecordTransition(handle.Serial(), StateAllocated)
	s.mu.Unlock()
	return handle, nil
}

// FreeDeviceTrackedDirect frees serial (or every tracked serial, if serial
// is "*") back to the device manager as freeState, consulting the Device
// Tracker so the result is properly idempotent: true iff at least one
// device was actually released (spec.md §4.E Free).
func (s *CommandScheduler) FreeDeviceTrackedDirect(serial string, freeState FreeDeviceState) bool {
	s.mu.Lock()
	var handles []DeviceHandle
	if serial == "*" {
		handles = s.deviceTracker.FreeAll()
	} else if h := s.deviceTracker.Free(serial); h != nil {
		handles = []DeviceHandle{h}
	}
	s.mu.Unlock()
	for _, h := range handles {
		s.deviceManager.FreeDevice(h, freeState)
	}
	return len(handles) > 0
}

// ListAllDevices reports every device the underlying DeviceManager knows
// about, regardless of allocation state.
func (s *CommandScheduler) ListAllDevices(ctx context.Context) ([]DeviceDescriptor, error) {
	return s.deviceManager.ListAllDevices(ctx)
}

// QueueSize returns the number of commands currently waiting (not sleeping
// or executing), for diagnostics and tests of P1.
func (s *CommandScheduler) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// AllCommandsCount returns the total number of commands the scheduler is
// tracking across every state.
func (s *CommandScheduler) AllCommandsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.allCommands)
}

func (s *CommandScheduler) isEmptyLocked() bool {
	return len(s.allCommands) == 0 && len(s.invocations) == 0
}

func (s *CommandScheduler) maybeFinishShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shutdownOnEmpty {
		return false
	}
	if !s.isEmptyLocked() {
		return false
	}
	s.cancel()
	return true
}

// Shutdown stops the scheduler immediately: the dispatch loop exits on its
// next tick, in-flight invocations are allowed to finish, and no new
// commands will be dispatched.
func (s *CommandScheduler) Shutdown() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// ShutdownOnEmpty requests a graceful shutdown: no new commands will be
// accepted for dispatch once the queue drains and every invocation
// completes, at which point the dispatch loop exits on its own.
func (s *CommandScheduler) ShutdownOnEmpty() {
	s.mu.Lock()
	s.shutdownOnEmpty = true
	s.mu.Unlock()
}

// ShutdownHard stops dispatch immediately and drops the waiting queue
// without waiting for it to drain; invocations already in flight still run
// to completion.
func (s *CommandScheduler) ShutdownHard() {
	s.mu.Lock()
	s.shutdownHard = true
	s.mu.Unlock()
	s.RemoveAllCommands()
	s.Shutdown()
}

// allocatedSerialsSnapshot returns every serial currently in Allocated state
// from this scheduler's own perspective: devices with an in-flight local
// invocation, plus devices force-allocated on behalf of an earlier remote
// peer (DT-1). This is the transfer set for the outgoing handover handshake.
func (s *CommandScheduler) allocatedSerialsSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(s.invocations))
	for serial := range s.invocations {
		set[serial] = struct{}{}
	}
	for _, serial := range s.deviceTracker.Serials() {
		set[serial] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for serial := range set {
		out = append(out, serial)
	}
	return out
}

// pendingTrackersSnapshot returns the CommandTracker of every still-waiting
// or sleeping command, deduplicated, for the outgoing handover handshake.
// Executing commands are not included: their device is already covered by
// allocatedSerialsSnapshot, and the invocation itself keeps running locally.
func (s *CommandScheduler) pendingTrackersSnapshot() []*CommandTracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[*CommandTracker]struct{}, len(s.allCommands))
	out := make([]*CommandTracker, 0, len(s.allCommands))
	for cmd := range s.allCommands {
		if cmd.State == CommandExecuting {
			continue
		}
		if _, dup := seen[cmd.Tracker]; dup {
			continue
		}
		seen[cmd.Tracker] = struct{}{}
		out = append(out, cmd.Tracker)
	}
	return out
}

// HandoverShutdown performs the outgoing half of the handover protocol
// (spec.md §1.4, §4.E, P8): it connects a RemoteClient to the successor
// already listening on port, sends Allocate(serial) for every serial
// currently in Allocated state, then AddCommand(totalExecTime, args) for
// every still-pending command tracker in non-decreasing totalExecTime order
// so queue priority is preserved, and finally begins a graceful local
// shutdown. As each transferred device's in-flight invocation completes
// afterward, the device is freed at the local device manager and the
// successor is also notified via Free(serial) (see completeInvocation).
// Returns false if
// the handshake could not even be started (e.g. the successor is
// unreachable).
func (s *CommandScheduler) HandoverShutdown(port int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	client, err := remote.Dial(addr, handoverDialTimeout)
	if err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("fleetsched: handover dial failed")
		return false
	}

	serials := s.allocatedSerialsSnapshot()
	for _, serial := range serials {
		if _, err := client.AllocateDevice(serial, 0); err != nil {
			log.Error().Err(err).Str("serial", serial).Msg("fleetsched: handover allocate failed")
		}
	}

	pending := s.pendingTrackersSnapshot()
	sort.Slice(pending, func(i, j int) bool { return pending[i].TotalExecTime() < pending[j].TotalExecTime() })
	for _, tracker := range pending {
		if _, err := client.AddCommand(tracker.Args, tracker.TotalExecTime()); err != nil {
			log.Error().Err(err).Int64("commandId", tracker.ID).Msg("fleetsched: handover add command failed")
		}
	}

	s.mu.Lock()
	s.handoverClient = client
	s.handoverSerials = make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		s.handoverSerials[serial] = struct{}{}
	}
	s.mu.Unlock()

	log.Info().Int("port", port).Int("serials", len(serials)).Int("pending", len(pending)).Msg("fleetsched: handover handshake complete, shutting down")
	s.ShutdownOnEmpty()
	go func() {
		s.Join()
		for _, handle := range s.deviceTracker.FreeAll() {
			s.deviceManager.FreeDevice(handle, FreeAvailable)
		}
		s.mu.Lock()
		hc := s.handoverClient
		s.handoverClient = nil
		s.mu.Unlock()
		if hc != nil {
			hc.Close()
		}
	}()
	return true
}
