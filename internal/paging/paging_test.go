package paging

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/kalvex/csopesy-emu/internal/instruction"
	"github.com/kalvex/csopesy-emu/internal/memory"
	"github.com/kalvex/csopesy-emu/internal/process"
)

type registry struct {
	mu    sync.Mutex
	procs map[int]*process.Process
}

func newRegistry() *registry { return &registry{procs: make(map[int]*process.Process)} }

func (r *registry) add(p *process.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.PID] = p
}

func (r *registry) Lookup(pid int) (*process.Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[pid]
	return p, ok
}

func newTestPager(t *testing.T, numFrames, pageBytes int, reg *registry) *Pager {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	ft := memory.NewFrameTable(numFrames, memory.NewStats())
	store := memory.NewBackingStore(filepath.Join(t.TempDir(), "store.txt"), log)
	return NewPager(ft, store, memory.NewStats(), pageBytes, reg, log)
}

func newProc(t *testing.T, pid, numPages int) *process.Process {
	t.Helper()
	prog, err := instruction.ParseProgram(`PRINT "x"`, true)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p := process.New(pid, "p", numPages*64, prog)
	p.InitPageTable(numPages)
	return p
}

func TestEnsureResident_FirstTouchIsZeroFillFault(t *testing.T) {
	reg := newRegistry()
	pg := newTestPager(t, 2, 64, reg)
	p := newProc(t, 1, 2)
	reg.add(p)

	frame, err := pg.EnsureResident(p, 0)
	if err != nil {
		t.Fatalf("EnsureResident: %v", err)
	}
	if frame < 0 {
		t.Fatalf("expected a valid frame index, got %d", frame)
	}
	pte := p.PageTable(0)
	if !pte.Valid || pte.Frame != frame {
		t.Fatalf("expected vpn 0 valid and mapped to frame %d, got %+v", frame, pte)
	}
}

func TestEnsureResident_SecondCallIsNotAFault(t *testing.T) {
	reg := newRegistry()
	pg := newTestPager(t, 2, 64, reg)
	p := newProc(t, 1, 1)
	reg.add(p)

	f1, err := pg.EnsureResident(p, 0)
	if err != nil {
		t.Fatalf("first EnsureResident: %v", err)
	}
	statsBefore := pg.stats.Snapshot().PageFaults
	f2, err := pg.EnsureResident(p, 0)
	if err != nil {
		t.Fatalf("second EnsureResident: %v", err)
	}
	if f1 != f2 {
		t.Fatalf("expected the same frame on a repeat access, got %d then %d", f1, f2)
	}
	if pg.stats.Snapshot().PageFaults != statsBefore {
		t.Fatal("a resident page must not fault again")
	}
}

func TestEnsureResident_EvictsDirtyVictimAndRoundTrips(t *testing.T) {
	reg := newRegistry()
	pg := newTestPager(t, 1, 64, reg) // exactly one frame forces eviction on the second process
	p1 := newProc(t, 1, 1)
	p2 := newProc(t, 2, 1)
	reg.add(p1)
	reg.add(p2)

	frame1, err := pg.EnsureResident(p1, 0)
	if err != nil {
		t.Fatalf("EnsureResident p1: %v", err)
	}
	p1.SetMemoryWord(0, 0xCAFE)
	pg.MarkWritten(p1, 0)

	frame2, err := pg.EnsureResident(p2, 0)
	if err != nil {
		t.Fatalf("EnsureResident p2: %v", err)
	}
	if frame2 != frame1 {
		t.Fatalf("expected the sole frame to be reused, got %d vs %d", frame1, frame2)
	}
	if pte := p1.PageTable(0); pte.Valid {
		t.Fatal("p1's page table entry should be invalidated after eviction")
	}

	// p1 touches its page again: this must re-fault and pull the
	// previously dirty value back from the backing store.
	if _, err := pg.EnsureResident(p1, 0); err != nil {
		t.Fatalf("re-fault EnsureResident p1: %v", err)
	}
	if got := p1.MemoryWord(0); got != 0xCAFE {
		t.Fatalf("expected evicted dirty word to round-trip through the backing store, got %#x", got)
	}
}

func TestReleaseProcess_FreesFramesAndBackingStore(t *testing.T) {
	reg := newRegistry()
	pg := newTestPager(t, 2, 64, reg)
	p := newProc(t, 1, 2)
	reg.add(p)

	if _, err := pg.EnsureResident(p, 0); err != nil {
		t.Fatalf("EnsureResident: %v", err)
	}
	if err := pg.ReleaseProcess(p); err != nil {
		t.Fatalf("ReleaseProcess: %v", err)
	}
	if pg.frames.FreeCount() != 2 {
		t.Fatalf("expected all frames free after release, got %d free", pg.frames.FreeCount())
	}
	if pte := p.PageTable(0); pte.Valid {
		t.Fatal("page table entry should be invalidated after release")
	}
}
