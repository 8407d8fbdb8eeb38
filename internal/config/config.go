// Package config loads and validates the emulator's tunables from a
// key=value text file. The result is an immutable record: nothing in
// the core mutates a *Config after initialize succeeds.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Scheduler selects the dispatch policy a worker pool runs under.
type Scheduler string

const (
	FCFS Scheduler = "fcfs"
	RR    Scheduler = "rr"
)

// Config is the fully validated, immutable set of tunables recognized
// by the emulator.
type Config struct {
	NumCPU           int
	SchedulerPolicy  Scheduler
	QuantumCycles    int
	BatchProcessFreq int // parsed and validated, but not acted on by the core
	MinIns           int
	MaxIns           int
	DelayPerExec     int
	MaxOverallMem    int
	MemPerFrame      int
	MinMemPerProc    int
	MaxMemPerProc    int
}

// Error collects every validation failure found while loading a
// config file, so initialize can report all of them at once instead
// of stopping at the first.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

// raw holds the parsed-but-unvalidated key=value pairs.
type raw struct {
	values map[string]string
}

func (r *raw) str(key string) (string, bool) {
	v, ok := r.values[key]
	return v, ok
}

func (r *raw) int(key string, problems *[]string) (int, bool) {
	v, ok := r.values[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s: %q is not an integer", key, v))
		return 0, false
	}
	return n, true
}

// Load reads, parses, and validates a config.txt file at path. Every
// recognized key must be present and satisfy its constraint, or Load
// returns a *Error describing every violation found.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	r, err := parse(f)
	if err != nil {
		return nil, err
	}
	return validate(r)
}

func parse(rdr io.Reader) (*raw, error) {
	r := &raw{values: make(map[string]string)}
	scanner := bufio.NewScanner(rdr)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if idx := strings.IndexByte(text, '#'); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		eq := strings.IndexByte(text, '=')
		if eq < 0 {
			return nil, fmt.Errorf("config: line %d: missing '=' in %q", line, text)
		}
		key := strings.TrimSpace(text[:eq])
		val := strings.TrimSpace(text[eq+1:])
		r.values[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scanning: %w", err)
	}
	return r, nil
}

func validate(r *raw) (*Config, error) {
	var problems []string
	cfg := &Config{}

	cfg.NumCPU, _ = r.int("num-cpu", &problems)
	if cfg.NumCPU <= 0 {
		problems = append(problems, "num-cpu must be > 0")
	}

	if s, ok := r.str("scheduler"); ok {
		switch Scheduler(strings.ToLower(s)) {
		case FCFS, RR:
			cfg.SchedulerPolicy = Scheduler(strings.ToLower(s))
		default:
			problems = append(problems, fmt.Sprintf("scheduler: %q must be \"fcfs\" or \"rr\"", s))
		}
	} else {
		problems = append(problems, "scheduler is required")
	}

	cfg.QuantumCycles, _ = r.int("quantum-cycles", &problems)
	if cfg.QuantumCycles <= 0 {
		problems = append(problems, "quantum-cycles must be > 0")
	}

	cfg.BatchProcessFreq, _ = r.int("batch-process-freq", &problems)
	if cfg.BatchProcessFreq <= 0 {
		problems = append(problems, "batch-process-freq must be > 0")
	}

	cfg.MinIns, _ = r.int("min-ins", &problems)
	if cfg.MinIns <= 0 {
		problems = append(problems, "min-ins must be > 0")
	}
	cfg.MaxIns, _ = r.int("max-ins", &problems)
	if cfg.MaxIns <= 0 {
		problems = append(problems, "max-ins must be > 0")
	}
	if cfg.MaxIns < cfg.MinIns {
		problems = append(problems, "max-ins must be >= min-ins")
	}

	cfg.DelayPerExec, _ = r.int("delay-per-exec", &problems)
	if _, ok := r.str("delay-per-exec"); !ok {
		problems = append(problems, "delay-per-exec is required")
	} else if cfg.DelayPerExec < 0 {
		problems = append(problems, "delay-per-exec must be >= 0")
	}

	cfg.MaxOverallMem, _ = r.int("max-overall-mem", &problems)
	if cfg.MaxOverallMem <= 0 {
		problems = append(problems, "max-overall-mem must be > 0")
	}

	cfg.MemPerFrame, _ = r.int("mem-per-frame", &problems)
	if cfg.MemPerFrame <= 0 {
		problems = append(problems, "mem-per-frame must be > 0")
	} else if cfg.MemPerFrame > cfg.MaxOverallMem {
		problems = append(problems, "mem-per-frame must be <= max-overall-mem")
	}

	cfg.MinMemPerProc, _ = r.int("min-mem-per-proc", &problems)
	if !isValidProcSize(cfg.MinMemPerProc) {
		problems = append(problems, "min-mem-per-proc must be a power of two in [64, 65536]")
	}
	cfg.MaxMemPerProc, _ = r.int("max-mem-per-proc", &problems)
	if !isValidProcSize(cfg.MaxMemPerProc) {
		problems = append(problems, "max-mem-per-proc must be a power of two in [64, 65536]")
	}
	if cfg.MaxMemPerProc < cfg.MinMemPerProc {
		problems = append(problems, "max-mem-per-proc must be >= min-mem-per-proc")
	}

	if len(problems) > 0 {
		return nil, &Error{Problems: problems}
	}
	return cfg, nil
}

// isValidProcSize reports whether n is a power of two in [64, 65536],
// the shared constraint on process memory sizes.
func isValidProcSize(n int) bool {
	if n < 64 || n > 65536 {
		return false
	}
	return n&(n-1) == 0
}

// IsValidProcSize is the exported form of the process-size constraint,
// reused by create_process outside this package.
func IsValidProcSize(n int) bool { return isValidProcSize(n) }
