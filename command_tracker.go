package fleetsched

import "sync/atomic"

// CommandTracker is the identity of a command across all of its executions.
// totalExecTime accumulates across every execution of this tracker
// (including reschedules and loop iterations) and is the scheduling
// priority key (CT-1, CT-2): ids are strictly increasing and never reused,
// and totalExecTime only ever grows.
type CommandTracker struct {
	ID   int64
	Args []string

	// totalExecTimeMillis is read/written under the scheduler lock in the
	// general case, but exposed via atomic helpers so the fairness nudge in
	// the main loop (spec.md §4.G step 2c) can be applied without requiring
	// callers to hold the scheduler lock.
	totalExecTimeMillis int64
}

// NewCommandTracker builds a tracker with the given id and argument vector.
func NewCommandTracker(id int64, args []string) *CommandTracker {
	out := make([]string, len(args))
	copy(out, args)
	return &CommandTracker{ID: id, Args: out}
}

// TotalExecTime returns the cumulative execution time attributed to this
// tracker, in milliseconds.
func (t *CommandTracker) TotalExecTime() int64 {
	return atomic.LoadInt64(&t.totalExecTimeMillis)
}

// AddExecTime adds deltaMillis (which must be >= 0, preserving CT-2) to the
// tracker's cumulative execution time.
func (t *CommandTracker) AddExecTime(deltaMillis int64) {
	if deltaMillis <= 0 {
		return
	}
	atomic.AddInt64(&t.totalExecTimeMillis, deltaMillis)
}

// commandIDGenerator hands out strictly increasing, never-reused command
// ids (CT-1) for the lifetime of the process.
type commandIDGenerator struct {
	next int64
}

func (g *commandIDGenerator) nextID() int64 {
	return atomic.AddInt64(&g.next, 1)
}
