// Package kernel is the lifecycle controller: it owns configuration,
// the process registry, the frame table/backing store/pager/
// interpreter stack, and the scheduler, and exposes
// start/stop/create-process to the façade. Modeled on
// inicializarKernel/iniciarPlanificadores's config-load/subsystem-wire/
// spawn-schedulers shape and main.go's signal-trapping shutdown path,
// adapted so start/stop are plain function calls instead of an
// HTTP-triggered state machine.
package kernel

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kalvex/csopesy-emu/internal/config"
	"github.com/kalvex/csopesy-emu/internal/instruction"
	"github.com/kalvex/csopesy-emu/internal/interp"
	"github.com/kalvex/csopesy-emu/internal/memory"
	"github.com/kalvex/csopesy-emu/internal/paging"
	"github.com/kalvex/csopesy-emu/internal/process"
	"github.com/kalvex/csopesy-emu/internal/scheduler"
)

// Kernel is the single owner of every subsystem's lifetime, from
// initialize through the matching stop.
type Kernel struct {
	log     *logrus.Entry
	workDir string

	mu          sync.Mutex
	cfg         *config.Config
	initialized bool
	running     bool
	nextPID     int
	procs       map[int]*process.Process
	names       map[string]bool
	currentMem  int
	snapshotSeq int64
	instrHook   func(seq int64)

	stats  *memory.Stats
	frames *memory.FrameTable
	store  *memory.BackingStore
	pager  *paging.Pager
	interp *interp.Interpreter
	sched  *scheduler.Scheduler
}

// New creates a kernel rooted at workDir: config.txt, the backing
// store file, per-process logs, and memory_stamp_NN.txt snapshots all
// live under it.
func New(workDir string, log *logrus.Entry) *Kernel {
	return &Kernel{
		log:     log,
		workDir: workDir,
		nextPID: 1,
		procs:   make(map[int]*process.Process),
		names:   make(map[string]bool),
	}
}

// Lookup implements paging.ProcessLookup, resolving a PID to its live
// process so the pager can reach an eviction victim's page table.
func (k *Kernel) Lookup(pid int) (*process.Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[pid]
	return p, ok
}

// Initialize loads config.txt and wires every subsystem. It is the
// only place a config validation error can surface; on failure the
// kernel stays uninitialized.
func (k *Kernel) Initialize(configPath string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.initialized {
		return fmt.Errorf("kernel: already initialized")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		k.log.WithError(err).Error("initialize failed")
		return err
	}

	k.cfg = cfg
	k.stats = memory.NewStats()
	numFrames := cfg.MaxOverallMem / cfg.MemPerFrame
	k.frames = memory.NewFrameTable(numFrames, k.stats)
	k.store = memory.NewBackingStore(filepath.Join(k.workDir, "csopesy-backing-store.txt"), k.log.WithField("component", "memory"))
	k.pager = paging.NewPager(k.frames, k.store, k.stats, cfg.MemPerFrame, k, k.log.WithField("component", "paging"))
	k.interp = interp.New(k.pager, cfg.MemPerFrame, time.Duration(cfg.DelayPerExec)*time.Millisecond, k.log.WithField("component", "interp"))

	k.sched = scheduler.New(scheduler.Config{
		Policy:       cfg.SchedulerPolicy,
		Quantum:      cfg.QuantumCycles,
		NumCPU:       cfg.NumCPU,
		PageBytes:    cfg.MemPerFrame,
		DelayPerExec: time.Duration(cfg.DelayPerExec) * time.Millisecond,
		LogDir:       k.workDir,
	}, k.interp, k.pager, k.stats, k.log.WithField("component", "scheduler"))
	k.sched.OnFinish = k.onProcessFinished
	k.sched.AfterInstruction = k.onInstructionExecuted

	k.initialized = true
	k.log.WithFields(logrus.Fields{
		"num_cpu":   cfg.NumCPU,
		"scheduler": cfg.SchedulerPolicy,
		"frames":    numFrames,
	}).Info("kernel initialized")
	return nil
}

func (k *Kernel) Initialized() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.initialized
}

func (k *Kernel) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.running
}

func (k *Kernel) Config() *config.Config {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cfg
}

// Start synthesizes 10 random processes only if none were created
// beforehand, admits every unfinished process (whether synthesized or
// created via CreateProcess), and launches the scheduler.
func (k *Kernel) Start(seed int64) error {
	k.mu.Lock()
	if !k.initialized {
		k.mu.Unlock()
		return fmt.Errorf("kernel: not initialized")
	}
	if k.running {
		k.mu.Unlock()
		return fmt.Errorf("kernel: scheduler already running")
	}

	if len(k.procs) == 0 {
		synthesized := GenerateProcesses(k.cfg, NewRand(seed), 10)
		for _, sp := range synthesized {
			pid := k.nextPID
			k.nextPID++
			p := process.New(pid, sp.Name, sp.MemSize, sp.Program)
			k.procs[pid] = p
			k.names[sp.Name] = true
		}
	}

	k.currentMem = 0
	cfg := k.cfg
	var toAdmit []*process.Process
	for _, p := range k.procs {
		if p.Status() == process.Finished || p.Status() == process.Violated {
			continue
		}
		numPages := (p.MemSize + cfg.MemPerFrame - 1) / cfg.MemPerFrame
		p.InitPageTable(numPages)
		toAdmit = append(toAdmit, p)
		k.currentMem += p.MemSize
	}
	k.running = true
	sched := k.sched
	k.mu.Unlock()

	for _, p := range toAdmit {
		sched.Waiting.Push(p)
	}
	sched.Start()
	return nil
}

// Stop halts the scheduler, joining the admission thread and every
// worker before returning — guaranteed on every exit path.
func (k *Kernel) Stop() {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	sched := k.sched
	k.mu.Unlock()

	sched.Stop()

	k.mu.Lock()
	k.running = false
	k.mu.Unlock()
}

// CreateProcess validates and admits a user-defined process.
func (k *Kernel) CreateProcess(name string, memSize int, instrText string) (*process.Process, error) {
	if !config.IsValidProcSize(memSize) {
		return nil, fmt.Errorf("invalid memory size %d: must be a power of two in [64, 65536]", memSize)
	}
	prog, err := instruction.ParseProgram(instrText, true)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	k.mu.Lock()
	if !k.initialized {
		k.mu.Unlock()
		return nil, fmt.Errorf("kernel: not initialized")
	}
	if k.names[name] {
		k.mu.Unlock()
		return nil, fmt.Errorf("name conflict: %q is already in use", name)
	}
	pid := k.nextPID
	k.nextPID++
	p := process.New(pid, name, memSize, prog)
	numPages := (memSize + k.cfg.MemPerFrame - 1) / k.cfg.MemPerFrame
	p.InitPageTable(numPages)
	k.procs[pid] = p
	k.names[name] = true
	k.currentMem += memSize
	sched := k.sched
	running := k.running
	k.mu.Unlock()

	if running {
		sched.Waiting.Push(p)
	}
	return p, nil
}

func (k *Kernel) onProcessFinished(p *process.Process) {
	k.mu.Lock()
	k.currentMem -= p.MemSize
	if k.currentMem < 0 {
		k.currentMem = 0
	}
	k.mu.Unlock()
}

func (k *Kernel) onInstructionExecuted() {
	k.mu.Lock()
	k.snapshotSeq++
	seq := k.snapshotSeq
	hook := k.instrHook
	k.mu.Unlock()
	// Called outside the lock: hook implementations (the façade's
	// memory_snapshot writer) call back into Processes/FrameTable/Stats,
	// which would deadlock if k.mu were still held here.
	if hook != nil {
		hook(seq)
	}
}

// SetInstructionHook registers a callback fired once per executed
// instruction, after the snapshot sequence counter advances. The
// façade uses this to number its memory_stamp_NN.txt files.
func (k *Kernel) SetInstructionHook(fn func(seq int64)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.instrHook = fn
}

// Processes returns every known process in PID order.
func (k *Kernel) Processes() []*process.Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]*process.Process, 0, len(k.procs))
	for pid := 1; pid < k.nextPID; pid++ {
		if p, ok := k.procs[pid]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (k *Kernel) Stats() memory.Snapshot {
	return k.stats.Snapshot()
}

func (k *Kernel) FrameTable() *memory.FrameTable {
	return k.frames
}

// CurrentMemoryUsed reports the live sum of admitted processes' memory
// footprints, actively maintained on every admission and completion.
func (k *Kernel) CurrentMemoryUsed() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.currentMem
}

// NextSnapshotSeq returns the current value of the monotonic counter
// that numbers memory_stamp_NN.txt files, without advancing it; the
// counter advances once per executed instruction.
func (k *Kernel) NextSnapshotSeq() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	seq := k.snapshotSeq
	return seq
}

func (k *Kernel) WorkDir() string { return k.workDir }
