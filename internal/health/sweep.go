package health

import (
	"context"
	"sync/atomic"

	"ratecore/internal/rate"
)

// SweepEntry closes one cadence for ID on every Every-th sweeper run. A
// group slower than the sweeper's own group needs Every > 1 so that each
// cadence spans at least one of its passes.
type SweepEntry struct {
	ID    string
	Every uint64
}

// Sweeper returns a task that closes one cadence for each id every time it
// runs. It supervises rate groups from a different group, so a group stuck
// inside its own pass still accumulates misses.
//
// After each run the watchdog hook is stroked unless some entry is FATAL.
func (s *Supervisor) Sweeper(ids ...string) rate.Task {
	entries := make([]SweepEntry, len(ids))
	for i, id := range ids {
		entries[i] = SweepEntry{ID: id, Every: 1}
	}
	return s.StridedSweeper(entries...)
}

// StridedSweeper is Sweeper with a per-entry stride.
//
// The first due run of an entry only opens its cadence. Before it, the
// window reaches back to the start of scheduling and may be shorter than the
// watched group's period, or end ahead of that group's first pass within the
// same tick. Every later window spans a full period.
func (s *Supervisor) StridedSweeper(entries ...SweepEntry) rate.Task {
	entries = append([]SweepEntry(nil), entries...)
	opened := make([]atomic.Bool, len(entries))
	var runs atomic.Uint64
	return rate.TaskFunc(func(context.Context, rate.ContextToken) error {
		n := runs.Add(1)
		for i, e := range entries {
			if e.Every > 1 && n%e.Every != 0 {
				continue
			}
			if opened[i].CompareAndSwap(false, true) {
				continue
			}
			s.OnCycleComplete(e.ID)
		}
		if s.stroke != nil && !s.AnyFatal() {
			s.stroke()
		}
		return nil
	})
}

// Pinger returns a task that acknowledges id every time it runs. It is the
// liveness probe for tasks that cannot call OnPing themselves.
func (s *Supervisor) Pinger(id string) rate.Task {
	return rate.TaskFunc(func(context.Context, rate.ContextToken) error {
		s.OnPing(id)
		return nil
	})
}
