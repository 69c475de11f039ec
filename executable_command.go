package fleetsched

import "time"

// CommandState is the lifecycle state of an ExecutableCommand (EC-2):
// Waiting commands live in the priority queue, Sleeping commands live in the
// delay timer, and Executing commands live on an invocation thread.
type CommandState int

const (
	CommandWaiting CommandState = iota
	CommandSleeping
	CommandExecuting
)

func (s CommandState) String() string {
	switch s {
	case CommandWaiting:
		return "Waiting"
	case CommandSleeping:
		return "Sleeping"
	case CommandExecuting:
		return "Executing"
	default:
		return "Unknown"
	}
}

// ExecutableCommand is one concrete queued execution of a CommandTracker.
type ExecutableCommand struct {
	Tracker      *CommandTracker
	Config       *Config
	Rescheduled  bool
	CreatedAt    time.Time
	State        CommandState
	SleepUntil   time.Time

	// queueIndex is maintained by commandQueue (container/heap bookkeeping)
	// and the insertion sequence used to break totalExecTime ties in FIFO
	// order.
	queueIndex int
	sequence   int64
}

// NewExecutableCommand creates a fresh Waiting command against tracker.
func NewExecutableCommand(tracker *CommandTracker, cfg *Config, rescheduled bool) *ExecutableCommand {
	return &ExecutableCommand{
		Tracker:     tracker,
		Config:      cfg,
		Rescheduled: rescheduled,
		CreatedAt:   time.Now(),
		State:       CommandWaiting,
		queueIndex:  -1,
	}
}
