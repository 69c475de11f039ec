package fleetsched

import "container/heap"

// commandQueue is a priority queue of Waiting ExecutableCommands ordered by
// ascending tracker.TotalExecTime(), ties broken by insertion order
// (spec.md §4.G, P1): commands that have consumed less machine time so far
// get priority, so starved or fast-finishing commands are favored over long
// runners.
//
// container/heap is the standard idiom for a priority queue in Go and the
// example corpus does not carry a third-party priority-queue library (see
// DESIGN.md); this is the one core data structure built directly on the
// standard library.
type commandQueue struct {
	items    []*ExecutableCommand
	sequence int64
}

func newCommandQueue() *commandQueue {
	q := &commandQueue{}
	heap.Init(q)
	return q
}

// Len, Less, Swap, Push, Pop implement heap.Interface.

func (q *commandQueue) Len() int { return len(q.items) }

func (q *commandQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	at, bt := a.Tracker.TotalExecTime(), b.Tracker.TotalExecTime()
	if at != bt {
		return at < bt
	}
	return a.sequence < b.sequence
}

func (q *commandQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].queueIndex = i
	q.items[j].queueIndex = j
}

func (q *commandQueue) Push(x any) {
	cmd := x.(*ExecutableCommand)
	cmd.queueIndex = len(q.items)
	q.items = append(q.items, cmd)
}

func (q *commandQueue) Pop() any {
	old := q.items
	n := len(old)
	cmd := old[n-1]
	old[n-1] = nil
	cmd.queueIndex = -1
	q.items = old[:n-1]
	return cmd
}

// Offer enqueues cmd as Waiting, stamping it with the next insertion
// sequence number so equal-priority commands stay FIFO.
func (q *commandQueue) Offer(cmd *ExecutableCommand) {
	q.sequence++
	cmd.sequence = q.sequence
	cmd.State = CommandWaiting
	heap.Push(q, cmd)
}

// Poll removes and returns the highest-priority command, or nil if the
// queue is empty.
func (q *commandQueue) Poll() *ExecutableCommand {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*ExecutableCommand)
}

// Peek returns the highest-priority command without removing it, for
// testing property P1.
func (q *commandQueue) Peek() *ExecutableCommand {
	if q.Len() == 0 {
		return nil
	}
	return q.items[0]
}

// Clear empties the queue and returns everything that was in it, for
// removeAllCommands (P4).
func (q *commandQueue) Clear() []*ExecutableCommand {
	out := q.items
	q.items = nil
	for _, cmd := range out {
		cmd.queueIndex = -1
	}
	return out
}

// Fix re-establishes heap order for cmd after its priority key changed in
// place (used by the fairness nudge in the main loop, spec.md §4.G 2c).
func (q *commandQueue) Fix(cmd *ExecutableCommand) {
	if cmd.queueIndex < 0 || cmd.queueIndex >= len(q.items) {
		return
	}
	heap.Fix(q, cmd.queueIndex)
}

// requeue reinserts cmd that was removed from the queue moments ago by Poll,
// preserving its original insertion sequence (unlike Offer, which is only
// for commands entering the queue for the first time and always stamps a
// fresh sequence number).
func (q *commandQueue) requeue(cmd *ExecutableCommand) {
	heap.Push(q, cmd)
}
