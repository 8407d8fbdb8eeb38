package kernel

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/kalvex/csopesy-emu/internal/config"
	"github.com/kalvex/csopesy-emu/internal/instruction"
)

// NewRand builds a seedable PRNG so scenarios driven by synthesized
// processes are deterministic across runs given the same seed.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// SynthesizedProcess is one auto-generated process, ready for
// admission once the caller assigns it a PID.
type SynthesizedProcess struct {
	Name    string
	MemSize int
	Program instruction.Program
}

var generatorVarPool = []string{"a", "b", "c", "d", "x", "y", "z", "counter"}

// GenerateProcesses synthesizes n random processes within cfg's
// min/max instruction count and min/max memory size ranges, used by
// `start` when no processes exist. The generated instruction text
// never nests FOR_LOOP — auto-generated programs keep loops flat.
func GenerateProcesses(cfg *config.Config, rng *rand.Rand, n int) []SynthesizedProcess {
	sizes := powersOfTwoInRange(cfg.MinMemPerProc, cfg.MaxMemPerProc)
	out := make([]SynthesizedProcess, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("p%02d", i+1)
		memSize := sizes[rng.Intn(len(sizes))]
		count := cfg.MinIns + rng.Intn(cfg.MaxIns-cfg.MinIns+1)
		text := generateInstructionText(rng, count, memSize)
		prog, err := instruction.ParseProgram(text, false)
		if err != nil {
			// A generator bug would be a defect in this function, not
			// a runtime condition callers should handle; surface it
			// loudly rather than silently skipping the process.
			panic(fmt.Sprintf("kernel: generated program failed to parse: %v\n%s", err, text))
		}
		out = append(out, SynthesizedProcess{Name: name, MemSize: memSize, Program: prog})
	}
	return out
}

func powersOfTwoInRange(lo, hi int) []int {
	var out []int
	for n := 64; n <= 65536; n *= 2 {
		if n >= lo && n <= hi {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		out = []int{lo}
	}
	return out
}

// generateInstructionText builds a semicolon-separated instruction
// body of exactly count top-level statements, never emitting a nested
// FOR_LOOP body.
func generateInstructionText(rng *rand.Rand, count, memSize int) string {
	var stmts []string
	for i := 0; i < count; i++ {
		stmts = append(stmts, generateLeafStatement(rng, memSize))
	}
	return strings.Join(stmts, "; ")
}

func generateLeafStatement(rng *rand.Rand, memSize int) string {
	v := generatorVarPool[rng.Intn(len(generatorVarPool))]
	switch rng.Intn(6) {
	case 0:
		return fmt.Sprintf(`PRINT "Hello from process" + %s`, v)
	case 1:
		return fmt.Sprintf("DECLARE %s, %d", v, rng.Intn(1000))
	case 2:
		return fmt.Sprintf("ADD %s, %d", v, rng.Intn(100))
	case 3:
		return fmt.Sprintf("SUBTRACT %s, %d", v, rng.Intn(100))
	case 4:
		addr := alignedAddr(rng, memSize)
		return fmt.Sprintf("WRITE %d, %s", addr, v)
	default:
		addr := alignedAddr(rng, memSize)
		return fmt.Sprintf("READ %s, %d", v, addr)
	}
}

// alignedAddr picks an even byte offset within [0, memSize) so every
// generated READ/WRITE targets a valid 16-bit-word-aligned address.
func alignedAddr(rng *rand.Rand, memSize int) int {
	slots := memSize / 2
	return rng.Intn(slots) * 2
}
