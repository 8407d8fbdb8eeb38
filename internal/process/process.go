// Package process defines the per-process record the rest of the
// core operates on: lifecycle state, symbol table, sparse memory map,
// and page table. Modeled on cmd/kernel/pcb.go's PCB struct and
// CambiarEstado state machine, collapsed from the
// NEW/READY/EXEC/BLOCKED/SUSP.*/EXIT states driven by swap and I/O
// devices (out of scope here) down to five states: WaitingForMemory,
// Ready, Running, Finished, Violated.
package process

import (
	"fmt"
	"sync"
	"time"

	"github.com/kalvex/csopesy-emu/internal/instruction"
)

// Status is one node of the process lifecycle state machine:
// created → WaitingForMemory → Ready ↔ Running → {Finished | Violated}.
type Status int

const (
	WaitingForMemory Status = iota
	Ready
	Running
	Finished
	Violated
)

func (s Status) String() string {
	switch s {
	case WaitingForMemory:
		return "Waiting-for-Memory"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Finished:
		return "Finished"
	case Violated:
		return "Violated"
	default:
		return "Unknown"
	}
}

// PageTableEntry is one virtual-page mapping. Invariant: Valid ⇒
// Frame ≥ 0 and the frame table reciprocates ownership.
type PageTableEntry struct {
	VPN        int
	Frame      int // -1 when not resident
	Valid      bool
	Dirty      bool
	Referenced bool
}

// Frame is one entry of a process's execution stack. Stack[0] is
// always the top-level frame over Program; a FOR_LOOP pushes a frame
// over its Body and pops it once Remaining iterations are exhausted.
// This lets the interpreter execute exactly one leaf instruction per
// Advance/CommitStep pair — including instructions nested inside a loop — so a
// Round-Robin quantum can be enforced at leaf-instruction granularity
// while the externally visible PC (the index into the top-level
// instruction sequence) stays pinned to the top-level FOR_LOOP slot
// until the whole loop finishes.
type Frame struct {
	Instrs    instruction.Program
	Index     int
	Remaining int // iterations left to run; 0 for the top-level frame
}

// Process is the per-process record.
type Process struct {
	PID      int
	Name     string
	MemSize  int // bytes, power of two in [64, 65536]
	Program  instruction.Program
	NumPages int // ceil(MemSize / memPerFrame), set by the lifecycle controller at admission

	mu          sync.Mutex
	status      Status
	stack       []Frame
	symbolTable map[string]int // variable name -> byte offset within page 0
	nextVarOff  int            // next free slot in the symbol-table page; multiple of 2 in [0, 64]
	memory      map[int]uint16 // sparse byte-address -> 16-bit value
	pageTable   map[int]*PageTableEntry

	StartTime      time.Time
	EndTime        time.Time
	CoreID         int // -1 when unassigned
	TasksCompleted int
	TotalTasks     int
	Finished       bool
	Violated       bool
	ViolationAddr  string
}

const (
	symbolTablePageBytes = 64
	symbolSlotBytes      = 2
	maxSymbols           = symbolTablePageBytes / symbolSlotBytes
)

// New creates a process in WaitingForMemory with an empty symbol
// table, sparse memory, and an uninitialized page table (populated by
// the lifecycle controller once NumPages is known).
func New(pid int, name string, memSize int, prog instruction.Program) *Process {
	return &Process{
		PID:         pid,
		Name:        name,
		MemSize:     memSize,
		Program:     prog,
		TotalTasks:  prog.TotalTasks(),
		status:      WaitingForMemory,
		stack:       []Frame{{Instrs: prog, Index: 0}},
		symbolTable: make(map[string]int),
		memory:      make(map[int]uint16),
		pageTable:   make(map[int]*PageTableEntry),
		CoreID:      -1,
	}
}

// InitPageTable installs numPages invalid page-table entries, called
// by the lifecycle controller at admission.
func (p *Process) InitPageTable(numPages int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.NumPages = numPages
	p.pageTable = make(map[int]*PageTableEntry, numPages)
	for vpn := 0; vpn < numPages; vpn++ {
		p.pageTable[vpn] = &PageTableEntry{VPN: vpn, Frame: -1}
	}
}

func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Process) SetStatus(s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

// TopLevelPC returns the externally observable program counter: the
// index into Program of the instruction currently executing or about
// to execute at the outermost frame.
func (p *Process) TopLevelPC() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.topLevelIndex()
}

// topLevelIndex is stack[0].Index, moved one past a top-level FOR_LOOP
// whose frames have all run their last iteration but have not yet been
// popped by the next Advance.
func (p *Process) topLevelIndex() int {
	base := p.stack[0].Index
	if len(p.stack) == 1 {
		return base
	}
	for i := len(p.stack) - 1; i >= 1; i-- {
		f := p.stack[i]
		pending := f.Index
		if i < len(p.stack)-1 {
			pending++ // the nested FOR_LOOP at Index has itself finished
		}
		if pending < len(f.Instrs) || f.Remaining > 0 {
			return base
		}
	}
	return base + 1
}

// Done reports whether the top-level frame has run off the end of
// the program.
func (p *Process) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stack) == 1 && p.stack[0].Index >= len(p.stack[0].Instrs)
}

// Advance resolves the execution stack to the next leaf instruction
// to run: popping frames that finished their last iteration, cycling
// a FOR_LOOP frame back to Index 0 while iterations remain, and
// pushing a fresh frame the first time a FOR_LOOP is reached. It
// returns ok=false once the top-level frame has run off the end of
// the program. loopsCompleted counts how many FOR_LOOP frames were
// fully popped while resolving — the caller credits that many extra
// completed tasks — a FOR_LOOP counts as one completed task plus all
// of its body instructions. Advance does not itself move
// past the returned leaf; call CommitStep after executing it.
func (p *Process) Advance() (instr instruction.Instruction, ok bool, loopsCompleted int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		top := &p.stack[len(p.stack)-1]
		if top.Index >= len(top.Instrs) {
			if top.Remaining > 0 {
				top.Remaining--
				top.Index = 0
				continue
			}
			if len(p.stack) == 1 {
				return instruction.Instruction{}, false, loopsCompleted
			}
			p.stack = p.stack[:len(p.stack)-1]
			parent := &p.stack[len(p.stack)-1]
			parent.Index++
			loopsCompleted++
			continue
		}
		in := top.Instrs[top.Index]
		if in.Op == instruction.ForLoop {
			p.stack = append(p.stack, Frame{Instrs: in.Body, Index: 0, Remaining: in.Count - 1})
			continue
		}
		return in, true, loopsCompleted
	}
}

// CommitStep advances past the leaf instruction most recently
// returned by Advance, moving the current (innermost) frame's Index
// forward by one.
func (p *Process) CommitStep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	top := &p.stack[len(p.stack)-1]
	top.Index++
}

// PageTable returns the entry for vpn, or nil if out of range.
func (p *Process) PageTable(vpn int) *PageTableEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageTable[vpn]
}

// ForEachPageTableEntry calls fn for every page-table entry in VPN
// order; used by frame release on termination.
func (p *Process) ForEachPageTableEntry(fn func(*PageTableEntry)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for vpn := 0; vpn < p.NumPages; vpn++ {
		if pte, ok := p.pageTable[vpn]; ok {
			fn(pte)
		}
	}
}

// MemoryWord reads the 16-bit value at byte addr, 0 if never written.
func (p *Process) MemoryWord(addr int) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.memory[addr]
}

// SetMemoryWord stores a 16-bit value at byte addr.
func (p *Process) SetMemoryWord(addr int, v uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.memory[addr] = v
}

// MemorySnapshot returns a copy of the whole sparse memory map. Paging
// does not use it: page-out and page-in go through PageWords and
// LoadPageWords.
func (p *Process) MemorySnapshot() map[int]uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]uint16, len(p.memory))
	for k, v := range p.memory {
		out[k] = v
	}
	return out
}

// LookupSymbol returns the byte offset of var and whether it is
// declared.
func (p *Process) LookupSymbol(name string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	off, ok := p.symbolTable[name]
	return off, ok
}

// DeclareSymbol allocates a fresh 2-byte slot for name if capacity
// allows, returning the offset and whether it was ignored for being
// full: next_variable_offset advances by 2, and once ≥ 64 further
// declarations are ignored and not counted.
func (p *Process) DeclareSymbol(name string) (offset int, ignored bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if off, ok := p.symbolTable[name]; ok {
		return off, false
	}
	if p.nextVarOff >= symbolTablePageBytes {
		return 0, true
	}
	off := p.nextVarOff
	p.symbolTable[name] = off
	p.nextVarOff += symbolSlotBytes
	return off, false
}

// NextVariableOffset reports next_variable_offset, the byte offset the
// next new declaration would take — exposed for the symbol-table-capacity
// invariant: next_variable_offset is a multiple of 2 in [0, 64].
func (p *Process) NextVariableOffset() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextVarOff
}

// Snapshot is a consistent, point-in-time copy of the fields a status
// query needs, taken under the process-state mutex — these fields are
// visible to other threads only via status queries, which take the
// process-state mutex.
type Snapshot struct {
	PID            int
	Name           string
	MemSize        int
	NumPages       int
	Status         Status
	PC             int
	TasksCompleted int
	TotalTasks     int
	StartTime      time.Time
	EndTime        time.Time
	CoreID         int
	Finished       bool
	Violated       bool
	ViolationAddr  string
}

func (p *Process) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		PID:            p.PID,
		Name:           p.Name,
		MemSize:        p.MemSize,
		NumPages:       p.NumPages,
		Status:         p.status,
		PC:             p.topLevelIndex(),
		TasksCompleted: p.TasksCompleted,
		TotalTasks:     p.TotalTasks,
		StartTime:      p.StartTime,
		EndTime:        p.EndTime,
		CoreID:         p.CoreID,
		Finished:       p.Finished,
		Violated:       p.Violated,
		ViolationAddr:  p.ViolationAddr,
	}
}

// SetCoreID, SetStartTime, SetEndTime, AddTasksCompleted, MarkFinished
// and MarkViolated are the only ways a worker should mutate the
// lifecycle fields read by Snapshot — each takes the process-state
// mutex so a concurrent status query never observes a torn update.
func (p *Process) SetCoreID(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CoreID = id
}

func (p *Process) SetStartTimeIfZero(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartTime.IsZero() {
		p.StartTime = t
	}
}

func (p *Process) AddTasksCompleted(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TasksCompleted += n
}

func (p *Process) MarkFinished(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Finished = true
	p.EndTime = t
	p.status = Finished
}

func (p *Process) MarkViolated(t time.Time, addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Violated = true
	p.ViolationAddr = addr
	p.EndTime = t
	p.status = Violated
}

// PageWords extracts the byte-addr -> word slice belonging to vpn's
// page range, for the pager to flush to the backing store on
// eviction. Only addresses that were actually ever written (memory is
// sparse) are included.
func (p *Process) PageWords(vpn, pageBytes int) map[int]uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	lo := vpn * pageBytes
	hi := lo + pageBytes
	out := make(map[int]uint16)
	for addr, v := range p.memory {
		if addr >= lo && addr < hi {
			out[addr] = v
		}
	}
	return out
}

// LoadPageWords merges paged-in words back into the sparse memory map
// after a successful PageIn.
func (p *Process) LoadPageWords(words map[int]uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, v := range words {
		p.memory[addr] = v
	}
}

func (p *Process) String() string {
	return fmt.Sprintf("Process{PID: %d, Name: %q, Status: %s, PC: %d}", p.PID, p.Name, p.Status(), p.TopLevelPC())
}

// MaxSymbolSlots exports maxSymbols for tests asserting the 32-entry cap.
const MaxSymbolSlots = maxSymbols
