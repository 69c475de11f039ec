package fleetsched

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Dump renders a human-readable snapshot of the scheduler's state: one line
// per device that currently has a running invocation, the waiting/sleeping/
// tracked counts, then one line per waiting command in the queue's internal
// heap order (the first line is the next to dispatch; the rest are not
// sorted). Devices without a running invocation are not listed. It is meant
// for ad-hoc debugging, not as a stable machine-readable format.
func (s *CommandScheduler) Dump() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "devices allocated: %s\n", humanize.Comma(int64(len(s.invocations))))
	for serial, it := range s.invocations {
		fmt.Fprintf(&b, "  %s  running cmd#%d  started %s  args=%q\n",
			serial, it.Command.Tracker.ID, humanize.Time(it.StartTime), it.Command.Tracker.Args)
	}

	fmt.Fprintf(&b, "queue: %s waiting, %s sleeping, %s tracked total\n",
		humanize.Comma(int64(s.queue.Len())),
		humanize.Comma(int64(len(s.sleeping))),
		humanize.Comma(int64(len(s.allCommands))))

	items := make([]*ExecutableCommand, len(s.queue.items))
	copy(items, s.queue.items)
	for _, cmd := range items {
		fmt.Fprintf(&b, "  cmd#%d  exec-time=%s  created %s  args=%q\n",
			cmd.Tracker.ID,
			(time.Duration(cmd.Tracker.TotalExecTime()) * time.Millisecond).String(),
			humanize.Time(cmd.CreatedAt),
			cmd.Tracker.Args)
	}
	return b.String()
}

// DumpUtilization renders the current 24h sliding-window utilization report
// (spec.md §4.C) in the same ad-hoc diagnostic style as Dump.
func (s *CommandScheduler) DumpUtilization() string {
	stats := s.utilMonitor.GetUtilizationStats()
	var b strings.Builder
	fmt.Fprintf(&b, "fleet utilization: %d%%\n", stats.TotalPercent)
	for serial, pct := range stats.PerDevice {
		fmt.Fprintf(&b, "  %s  %d%%\n", serial, pct)
	}
	return b.String()
}
