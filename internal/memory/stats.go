package memory

import "sync/atomic"

// Stats holds the monotonic, lock-free counters the accounting model
// requires (page faults, page-outs, page-ins, active/idle/total
// ticks). These counters are required to be atomic and lock-free,
// which is one place this repo deliberately departs from
// cmd/memoria/metricas.go's own mutex-guarded per-process metric
// counters — see DESIGN.md.
type Stats struct {
	pageFaults atomic.Int64
	pageOuts   atomic.Int64
	pageIns    atomic.Int64
	activeTick atomic.Int64
	idleTick   atomic.Int64
	totalTick  atomic.Int64
}

func NewStats() *Stats { return &Stats{} }

func (s *Stats) IncPageFault() { s.pageFaults.Add(1) }
func (s *Stats) IncPageOut()   { s.pageOuts.Add(1) }
func (s *Stats) IncPageIn()    { s.pageIns.Add(1) }
func (s *Stats) IncActiveTick() {
	s.activeTick.Add(1)
	s.totalTick.Add(1)
}
func (s *Stats) IncIdleTick() {
	s.idleTick.Add(1)
	s.totalTick.Add(1)
}

// Snapshot is a point-in-time, non-atomic-as-a-whole read of every
// counter — acceptable because each field only ever increases.
type Snapshot struct {
	PageFaults, PageOuts, PageIns   int64
	ActiveTicks, IdleTicks, TotalTicks int64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		PageFaults:  s.pageFaults.Load(),
		PageOuts:    s.pageOuts.Load(),
		PageIns:     s.pageIns.Load(),
		ActiveTicks: s.activeTick.Load(),
		IdleTicks:   s.idleTick.Load(),
		TotalTicks:  s.totalTick.Load(),
	}
}
