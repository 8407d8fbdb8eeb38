// Package paging implements the demand-paged virtual memory system:
// page faults, FIFO-with-skip-stale eviction, and the plain-text
// backing store round trip. Modeled on cmd/memoria's page-fault
// handling (BuscarEspacioLibre / reemplazo FIFO), collapsed from a
// multi-level radix page table down to a flat per-process map since
// this model has no NumberOfLevels/EntriesPerPage concept.
package paging

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kalvex/csopesy-emu/internal/memory"
	"github.com/kalvex/csopesy-emu/internal/process"
)

// ProcessLookup resolves a PID to its live Process record so an
// eviction can locate the victim's page table and dirty words. The
// lifecycle controller's process registry implements this.
type ProcessLookup interface {
	Lookup(pid int) (*process.Process, bool)
}

// Pager ties the frame table and backing store together behind the
// ensure_resident operation every memory-touching opcode funnels
// through.
type Pager struct {
	frames    *memory.FrameTable
	store     *memory.BackingStore
	stats     *memory.Stats
	pageBytes int
	lookup    ProcessLookup
	log       *logrus.Entry
}

func NewPager(frames *memory.FrameTable, store *memory.BackingStore, stats *memory.Stats, pageBytes int, lookup ProcessLookup, log *logrus.Entry) *Pager {
	return &Pager{frames: frames, store: store, stats: stats, pageBytes: pageBytes, lookup: lookup, log: log}
}

// ErrNoFrameAvailable signals the frame table is simultaneously full
// and has no eviction candidate, which should only happen if every
// frame is permanently pinned — not reachable under this design but
// reported rather than panicking.
type ErrNoFrameAvailable struct{ PID, VPN int }

func (e *ErrNoFrameAvailable) Error() string {
	return fmt.Sprintf("no frame available to resolve page fault for pid=%d vpn=%d", e.PID, e.VPN)
}

// EnsureResident makes virtual page vpn of p resident in physical
// memory, faulting it in (possibly evicting another page under FIFO)
// if necessary, and returns the hosting frame index.
func (pg *Pager) EnsureResident(p *process.Process, vpn int) (int, error) {
	pte := p.PageTable(vpn)
	if pte == nil {
		return 0, fmt.Errorf("vpn %d out of range for pid %d", vpn, p.PID)
	}
	if pte.Valid {
		pte.Referenced = true
		return pte.Frame, nil
	}

	pg.stats.IncPageFault()

	idx, evicted, victim, ok := pg.frames.Acquire()
	if !ok {
		return 0, &ErrNoFrameAvailable{PID: p.PID, VPN: vpn}
	}

	if evicted {
		if err := pg.evict(idx, victim); err != nil {
			return 0, err
		}
	}

	words, found, err := pg.store.PageIn(p.PID, vpn)
	if err != nil {
		return 0, fmt.Errorf("page-in pid=%d vpn=%d: %w", p.PID, vpn, err)
	}
	if found {
		pg.stats.IncPageIn()
		p.LoadPageWords(words)
		pg.log.WithFields(logrus.Fields{"pid": p.PID, "vpn": vpn, "frame": idx}).Debug("page faulted in from backing store")
	} else {
		pg.log.WithFields(logrus.Fields{"pid": p.PID, "vpn": vpn, "frame": idx}).Debug("page faulted in as zero-fill")
	}

	pg.frames.Occupy(idx, p.PID, vpn)
	pte.Valid = true
	pte.Frame = idx
	pte.Dirty = false
	pte.Referenced = true
	return idx, nil
}

// evict flushes victim (if dirty) to the backing store and
// invalidates its owner's page-table entry, freeing the frame for
// reuse by the caller.
func (pg *Pager) evict(frameIdx int, victim memory.FrameInfo) error {
	vp, ok := pg.lookup.Lookup(victim.Owner)
	if !ok {
		// Owner already terminated and released its frames directly;
		// nothing to flush.
		return nil
	}
	if victim.Dirty {
		words := vp.PageWords(victim.VPN, pg.pageBytes)
		if err := pg.store.PageOut(victim.Owner, victim.VPN, words, pg.pageBytes); err != nil {
			return fmt.Errorf("page-out pid=%d vpn=%d: %w", victim.Owner, victim.VPN, err)
		}
		pg.stats.IncPageOut()
		pg.log.WithFields(logrus.Fields{"pid": victim.Owner, "vpn": victim.VPN, "frame": frameIdx}).Debug("dirty page evicted to backing store")
	}
	if pte := vp.PageTable(victim.VPN); pte != nil {
		pte.Valid = false
		pte.Frame = -1
	}
	return nil
}

// MarkWritten flags the frame backing (p, vpn) dirty, called by any
// opcode that stores into process memory.
func (pg *Pager) MarkWritten(p *process.Process, vpn int) {
	pte := p.PageTable(vpn)
	if pte == nil {
		return
	}
	pte.Dirty = true
	pg.frames.MarkDirty(pte.Frame)
}

// ReleaseProcess frees every frame p currently occupies (without
// paging out — a terminated process's memory is simply discarded) and
// drops its backing-store footprint.
func (pg *Pager) ReleaseProcess(p *process.Process) error {
	p.ForEachPageTableEntry(func(pte *process.PageTableEntry) {
		if pte.Valid {
			pg.frames.Release(pte.Frame)
			pte.Valid = false
			pte.Frame = -1
		}
	})
	return pg.store.ReleaseProcess(p.PID)
}
