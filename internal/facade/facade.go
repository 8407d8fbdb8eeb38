// Package facade is the external surface an outer layer drives:
// create_process, list, report_util, vmstat, and memory_snapshot, plus
// a thin command dispatcher over the same operations. Modeled on
// cmd/kernel/handlers.go's request-validation shape (check
// preconditions, return a structured error, otherwise act) and
// cmd/memoria/dump.go / metricas.go's snapshot-to-file and per-PID
// counter pattern, collapsed from JSON-over-HTTP handlers into plain
// methods on a Facade that a CLI calls directly.
package facade

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kalvex/csopesy-emu/internal/kernel"
	"github.com/kalvex/csopesy-emu/internal/process"
)

// ErrNotInitialized is returned by every operation but Initialize when
// the kernel has not yet been initialized.
var ErrNotInitialized = errors.New("Please initialize the OS first.")

// Facade wraps a *kernel.Kernel with the operations an outer layer
// (a REPL, a test harness) is meant to call.
type Facade struct {
	k   *kernel.Kernel
	log *logrus.Entry
}

// New builds a façade over k and wires the kernel's per-instruction
// hook to emit a memory_stamp_NN.txt snapshot after every executed
// instruction.
func New(k *kernel.Kernel, log *logrus.Entry) *Facade {
	f := &Facade{k: k, log: log}
	k.SetInstructionHook(func(seq int64) {
		if err := f.MemorySnapshot(seq); err != nil {
			f.log.WithError(err).Warn("memory snapshot failed")
		}
	})
	return f
}

// Initialize loads config.txt and wires every subsystem.
func (f *Facade) Initialize(configPath string) error {
	return f.k.Initialize(configPath)
}

func (f *Facade) requireInitialized() error {
	if !f.k.Initialized() {
		return ErrNotInitialized
	}
	return nil
}

// SchedulerStart admits every process and launches the scheduler.
func (f *Facade) SchedulerStart() error {
	if err := f.requireInitialized(); err != nil {
		return err
	}
	return f.k.Start(time.Now().UnixNano())
}

// SchedulerStop halts the scheduler, joining every worker.
func (f *Facade) SchedulerStop() error {
	if err := f.requireInitialized(); err != nil {
		return err
	}
	f.k.Stop()
	return nil
}

// CreateProcess validates and admits a user-defined process.
func (f *Facade) CreateProcess(name string, memSize int, instrText string) (*process.Process, error) {
	if err := f.requireInitialized(); err != nil {
		return nil, err
	}
	return f.k.CreateProcess(name, memSize, instrText)
}

// StatusReport is the in-memory view list() returns: utilization
// figures plus the three ordered process groups.
type StatusReport struct {
	Timestamp                time.Time
	CPUUtilizationPercent     float64
	MemoryUsedBytes           int
	MemoryTotalBytes          int
	MemoryUtilizationPercent  float64
	CoresUsed                 int
	CoresAvailable            int
	CoresTotal                int
	Running                   []process.Snapshot
	WaitingForMemory          []process.Snapshot
	Finished                  []process.Snapshot
}

// List builds the current status report: CPU/memory utilization, core
// counts, and every process split into Running / Waiting-for-Memory /
// Finished (Violated processes are reported alongside Finished — both
// are terminal states).
func (f *Facade) List() (StatusReport, error) {
	if err := f.requireInitialized(); err != nil {
		return StatusReport{}, err
	}
	cfg := f.k.Config()
	sr := StatusReport{
		Timestamp:        time.Now(),
		MemoryTotalBytes: cfg.MaxOverallMem,
		CoresTotal:       cfg.NumCPU,
	}
	coresUsed := map[int]bool{}
	for _, p := range f.k.Processes() {
		snap := p.Snapshot()
		switch snap.Status {
		case process.Running:
			sr.Running = append(sr.Running, snap)
			if snap.CoreID >= 0 {
				coresUsed[snap.CoreID] = true
			}
		case process.Finished, process.Violated:
			sr.Finished = append(sr.Finished, snap)
		default:
			sr.WaitingForMemory = append(sr.WaitingForMemory, snap)
		}
	}
	sr.CoresUsed = len(coresUsed)
	sr.CoresAvailable = sr.CoresTotal - sr.CoresUsed
	if sr.CoresAvailable < 0 {
		sr.CoresAvailable = 0
	}
	if sr.CoresTotal > 0 {
		sr.CPUUtilizationPercent = 100 * float64(sr.CoresUsed) / float64(sr.CoresTotal)
	}
	sr.MemoryUsedBytes = f.k.CurrentMemoryUsed()
	if sr.MemoryTotalBytes > 0 {
		sr.MemoryUtilizationPercent = 100 * float64(sr.MemoryUsedBytes) / float64(sr.MemoryTotalBytes)
	}
	return sr, nil
}

func renderStatusReport(sr StatusReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CPU utilization: %.2f%%\n", sr.CPUUtilizationPercent)
	fmt.Fprintf(&b, "Cores used: %d\n", sr.CoresUsed)
	fmt.Fprintf(&b, "Cores available: %d\n", sr.CoresAvailable)
	fmt.Fprintf(&b, "Memory used: %d / %d bytes (%.2f%%)\n\n", sr.MemoryUsedBytes, sr.MemoryTotalBytes, sr.MemoryUtilizationPercent)

	renderGroup(&b, "Running processes:", sr.Running)
	renderGroup(&b, "Waiting for memory:", sr.WaitingForMemory)
	renderGroup(&b, "Finished processes:", sr.Finished)
	return b.String()
}

func renderGroup(b *strings.Builder, title string, group []process.Snapshot) {
	fmt.Fprintln(b, title)
	if len(group) == 0 {
		fmt.Fprintln(b, "  (none)")
		return
	}
	for _, snap := range group {
		status := snap.Status.String()
		if snap.Violated {
			status = fmt.Sprintf("Violated @ %s", snap.ViolationAddr)
		}
		core := "-"
		if snap.CoreID >= 0 {
			core = strconv.Itoa(snap.CoreID)
		}
		fmt.Fprintf(b, "  %-12s pid=%-4d core=%-3s %4d / %-4d  %s\n",
			snap.Name, snap.PID, core, snap.TasksCompleted, snap.TotalTasks, status)
	}
	fmt.Fprintln(b)
}

// ReportUtil writes a UTF-8 snapshot equivalent to List to
// csopesy-log.txt, with a Generated: header.
func (f *Facade) ReportUtil() error {
	sr, err := f.List()
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Generated: %s\n\n", sr.Timestamp.Format("01/02/2006 03:04:05 PM"))
	b.WriteString(renderStatusReport(sr))

	path := filepath.Join(f.k.WorkDir(), "csopesy-log.txt")
	return os.WriteFile(path, []byte(b.String()), 0644)
}

// VMStat is the memory/CPU/paging view vmstat() returns.
type VMStat struct {
	MemoryUsedBytes  int
	MemoryTotalBytes int
	TotalTicks       int64
	ActiveTicks      int64
	IdleTicks        int64
	PageFaults       int64
	PageIns          int64
	PageOuts         int64
	TotalFrames      int
	FreeFrames       int
	UsedFrames       int
}

func (f *Facade) Vmstat() (VMStat, error) {
	if err := f.requireInitialized(); err != nil {
		return VMStat{}, err
	}
	stats := f.k.Stats()
	ft := f.k.FrameTable()
	cfg := f.k.Config()
	free := ft.FreeCount()
	return VMStat{
		MemoryUsedBytes:  f.k.CurrentMemoryUsed(),
		MemoryTotalBytes: cfg.MaxOverallMem,
		TotalTicks:       stats.TotalTicks,
		ActiveTicks:      stats.ActiveTicks,
		IdleTicks:        stats.IdleTicks,
		PageFaults:       stats.PageFaults,
		PageIns:          stats.PageIns,
		PageOuts:         stats.PageOuts,
		TotalFrames:      ft.NumFrames(),
		FreeFrames:       free,
		UsedFrames:       ft.NumFrames() - free,
	}, nil
}

func renderVMStat(vs VMStat) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Memory:      %d / %d bytes used\n", vs.MemoryUsedBytes, vs.MemoryTotalBytes)
	fmt.Fprintf(&b, "CPU ticks:   total=%d active=%d idle=%d\n", vs.TotalTicks, vs.ActiveTicks, vs.IdleTicks)
	fmt.Fprintf(&b, "Paging:      faults=%d page-ins=%d page-outs=%d\n", vs.PageFaults, vs.PageIns, vs.PageOuts)
	fmt.Fprintf(&b, "Frames:      %d total, %d used, %d free\n", vs.TotalFrames, vs.UsedFrames, vs.FreeFrames)
	return b.String()
}

type memRange struct {
	pid      int
	name     string
	start    int
	end      int
}

// MemorySnapshot writes memory_stamp_NN.txt, numbered by the kernel's
// monotonic instruction counter: a header (timestamp, resident
// process count, total pages in memory, free frames, external
// fragmentation) followed by every live process's virtual address
// range, sorted by descending end address, terminated by
// "----start-- = 0".
func (f *Facade) MemorySnapshot(seq int64) error {
	if err := f.requireInitialized(); err != nil {
		return err
	}
	cfg := f.k.Config()
	ft := f.k.FrameTable()

	var ranges []memRange
	totalPages := 0
	for _, p := range f.k.Processes() {
		snap := p.Snapshot()
		if snap.Status != process.Running && snap.Status != process.Ready {
			continue
		}
		totalPages += snap.NumPages
		ranges = append(ranges, memRange{pid: snap.PID, name: snap.Name, start: 0, end: snap.MemSize})
	}
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].end != ranges[j].end {
			return ranges[i].end > ranges[j].end
		}
		return ranges[i].pid < ranges[j].pid
	})

	var b strings.Builder
	fmt.Fprintf(&b, "Timestamp: %s\n", time.Now().Format("01/02/2006 03:04:05 PM"))
	fmt.Fprintf(&b, "Number of processes in memory: %d\n", len(ranges))
	fmt.Fprintf(&b, "Total pages in memory: %d\n", totalPages)
	fmt.Fprintf(&b, "Free frames: %d\n", ft.FreeCount())
	// Paging allocates in fixed-size frames, so there is no external
	// fragmentation by construction; any waste is internal, within a
	// process's last page.
	fmt.Fprintf(&b, "Total external fragmentation in bytes: %d\n\n", 0)

	fmt.Fprintf(&b, "----end---- = %d\n", cfg.MaxOverallMem)
	for _, r := range ranges {
		fmt.Fprintf(&b, "%d\n", r.end)
		fmt.Fprintf(&b, "%d (%s)\n", r.pid, r.name)
		fmt.Fprintf(&b, "%d\n\n", r.start)
	}
	fmt.Fprintf(&b, "----start-- = %d\n", 0)

	name := fmt.Sprintf("memory_stamp_%02d.txt", seq)
	return os.WriteFile(filepath.Join(f.k.WorkDir(), name), []byte(b.String()), 0644)
}

// Dispatch runs one command line from the façade's command surface
// (initialize, screen -s/-c/-r/-ls, scheduler-start/-stop,
// process-smi, report-util, vmstat, clear, exit) and returns its
// textual reply.
func (f *Facade) Dispatch(line string) (string, error) {
	fields := splitCommand(line)
	if len(fields) == 0 {
		return "", nil
	}
	cmd := fields[0]

	if cmd != "initialize" && cmd != "exit" {
		if err := f.requireInitialized(); err != nil {
			return "", err
		}
	}

	switch cmd {
	case "initialize":
		if len(fields) < 2 {
			return "", fmt.Errorf("usage: initialize <config.txt>")
		}
		if err := f.Initialize(fields[1]); err != nil {
			return "", err
		}
		return "OS initialized.", nil

	case "screen":
		return f.dispatchScreen(fields[1:])

	case "scheduler-start":
		if err := f.SchedulerStart(); err != nil {
			return "", err
		}
		return "Scheduler started.", nil

	case "scheduler-stop":
		if err := f.SchedulerStop(); err != nil {
			return "", err
		}
		return "Scheduler stopped.", nil

	case "process-smi":
		sr, err := f.List()
		if err != nil {
			return "", err
		}
		return renderStatusReport(sr), nil

	case "report-util":
		if err := f.ReportUtil(); err != nil {
			return "", err
		}
		return "Report written to csopesy-log.txt.", nil

	case "vmstat":
		vs, err := f.Vmstat()
		if err != nil {
			return "", err
		}
		return renderVMStat(vs), nil

	case "clear":
		return "\033[H\033[2J", nil

	case "exit":
		return "", nil

	default:
		return "", fmt.Errorf("unknown command: %s", cmd)
	}
}

func (f *Facade) dispatchScreen(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("usage: screen -s|-c|-r|-ls ...")
	}
	switch args[0] {
	case "-s":
		if len(args) != 3 {
			return "", fmt.Errorf("usage: screen -s <name> <size>")
		}
		size, err := strconv.Atoi(args[2])
		if err != nil {
			return "", fmt.Errorf("invalid size %q: %w", args[2], err)
		}
		p, err := f.CreateProcess(args[1], size, `PRINT "Hello world from " + name`)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Created process %s (pid %d).", p.Name, p.PID), nil

	case "-c":
		if len(args) != 4 {
			return "", fmt.Errorf(`usage: screen -c <name> <size> "<instrs>"`)
		}
		size, err := strconv.Atoi(args[2])
		if err != nil {
			return "", fmt.Errorf("invalid size %q: %w", args[2], err)
		}
		instrs := strings.Trim(args[3], `"`)
		p, err := f.CreateProcess(args[1], size, instrs)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Created process %s (pid %d).", p.Name, p.PID), nil

	case "-r":
		if len(args) != 2 {
			return "", fmt.Errorf("usage: screen -r <name>")
		}
		for _, p := range f.k.Processes() {
			if p.Name == args[1] {
				snap := p.Snapshot()
				return fmt.Sprintf("%s: pid=%d status=%s pc=%d/%d core=%d",
					snap.Name, snap.PID, snap.Status, snap.PC, snap.TotalTasks, snap.CoreID), nil
			}
		}
		return "", fmt.Errorf("no such process: %s", args[1])

	case "-ls":
		sr, err := f.List()
		if err != nil {
			return "", err
		}
		return renderStatusReport(sr), nil

	default:
		return "", fmt.Errorf("unknown screen option: %s", args[0])
	}
}

// splitCommand tokenizes a command line, keeping "quoted strings"
// intact as a single token for screen -c's instruction body.
func splitCommand(line string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	for _, r := range strings.TrimSpace(line) {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
