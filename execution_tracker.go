package fleetsched

import "sync"

// Status strings for CommandResult.Status (spec.md §4.E/§4.I/§6.1
// GET_LAST_COMMAND_RESULT). NoActiveCommand and NotAllocated are never
// written into the tracker; they are synthesized by the scheduler when a
// serial has no recorded entry (see CommandScheduler.GetSerialCommandResult).
const (
	StatusNoActiveCommand   = "NO_ACTIVE_COMMAND"
	StatusExecuting         = "EXECUTING"
	StatusNotAllocated      = "NOT_ALLOCATED"
	StatusInvocationSuccess = "INVOCATION_SUCCESS"
	StatusInvocationError   = "INVOCATION_ERROR"
)

// CommandResult is the most recently known outcome of a command. It is
// tracked both by the CommandTracker id that produced it and by the device
// serial it ran (or is running) on: GET_LAST_COMMAND_RESULT is keyed by
// serial on the wire (spec.md §6.1), but in-process callers (tests, the
// history recorder) still want the commandID-keyed view, so both indexes
// are kept in lockstep.
type CommandResult struct {
	CommandID int64
	Status    string
	Error     string
	FreeState string
}

// ExecutionTracker answers spec.md §4.F/§4.I's GET_LAST_COMMAND_RESULT: a
// last-write-wins record per command id and per device serial, generalizing
// the teacher's in-memory result caches (pkg/storage's capture-result
// reader) down to the fields this core actually needs.
type ExecutionTracker struct {
	mu       sync.Mutex
	byID     map[int64]CommandResult
	bySerial map[string]CommandResult
}

// NewExecutionTracker returns an empty tracker.
func NewExecutionTracker() *ExecutionTracker {
	return &ExecutionTracker{
		byID:     make(map[int64]CommandResult),
		bySerial: make(map[string]CommandResult),
	}
}

// RecordExecuting marks commandID as currently running on serial
// (spec.md §4.I: "status begins Executing"), overwriting any prior
// result recorded for either index.
func (t *ExecutionTracker) RecordExecuting(serial string, commandID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := CommandResult{CommandID: commandID, Status: StatusExecuting}
	t.byID[commandID] = result
	t.bySerial[serial] = result
}

// RecordResult stores the terminal outcome of commandID, which ran on
// serial, overwriting any prior result for either index.
func (t *ExecutionTracker) RecordResult(serial string, commandID int64, status, errMsg, freeState string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := CommandResult{CommandID: commandID, Status: status, Error: errMsg, FreeState: freeState}
	t.byID[commandID] = result
	t.bySerial[serial] = result
}

// GetCommandResult returns the last recorded outcome for commandID, or
// false if it has never started or completed an execution.
func (t *ExecutionTracker) GetCommandResult(commandID int64) (CommandResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byID[commandID]
	return r, ok
}

// GetSerialResult returns the last recorded outcome for serial, or false
// if no command has ever started or completed on it.
func (t *ExecutionTracker) GetSerialResult(serial string) (CommandResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.bySerial[serial]
	return r, ok
}
