package process

import (
	"testing"

	"github.com/kalvex/csopesy-emu/internal/instruction"
)

func mustParse(t *testing.T, src string) instruction.Program {
	t.Helper()
	prog, err := instruction.ParseProgram(src, true)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	return prog
}

func TestAdvance_FlatProgram_PCStaysInBounds(t *testing.T) {
	prog := mustParse(t, `DECLARE x, 1; ADD x, 1; PRINT "done"`)
	p := New(1, "p1", 64, prog)

	for i := 0; i < len(prog); i++ {
		if p.TopLevelPC() != i {
			t.Fatalf("PC = %d, want %d", p.TopLevelPC(), i)
		}
		in, ok, loops := p.Advance()
		if !ok {
			t.Fatalf("expected instruction at step %d", i)
		}
		if loops != 0 {
			t.Fatalf("unexpected loop credit outside FOR_LOOP: %d", loops)
		}
		if in.Op != prog[i].Op {
			t.Fatalf("step %d: got op %v, want %v", i, in.Op, prog[i].Op)
		}
		p.CommitStep()
	}
	if !p.Done() {
		t.Fatal("expected process done after running off the end")
	}
	if _, ok, _ := p.Advance(); ok {
		t.Fatal("Advance after Done should report ok=false")
	}
}

func TestAdvance_ForLoopPinsTopLevelPC(t *testing.T) {
	prog := mustParse(t, `FOR_LOOP 3 [ADD x, 1]; PRINT "after"`)
	p := New(2, "p2", 64, prog)

	var loopCredits int
	for i := 0; i < 3; i++ {
		if p.TopLevelPC() != 0 {
			t.Fatalf("PC should stay pinned to the FOR_LOOP slot mid-loop, got %d", p.TopLevelPC())
		}
		in, ok, loops := p.Advance()
		if !ok || in.Op != instruction.Add {
			t.Fatalf("iteration %d: expected ADD leaf, got %+v ok=%v", i, in, ok)
		}
		loopCredits += loops
		p.CommitStep()
	}
	if loopCredits != 0 {
		t.Fatalf("loop should not be credited as complete before its last iteration: got %d", loopCredits)
	}

	if p.TopLevelPC() != 1 {
		t.Fatalf("PC should advance past FOR_LOOP once exhausted, got %d", p.TopLevelPC())
	}
	in, ok, loops := p.Advance()
	if !ok || in.Op != instruction.Print {
		t.Fatalf("expected PRINT after loop, got %+v ok=%v", in, ok)
	}
	if loops != 1 {
		t.Fatalf("expected exactly one loop credited complete, got %d", loops)
	}
}

func TestAdvance_NestedForLoopLoopCredits(t *testing.T) {
	prog := mustParse(t, `FOR_LOOP 2 [FOR_LOOP 2 [ADD x, 1]]`)
	p := New(3, "p3", 64, prog)

	var leaves, totalLoopCredits int
	for {
		_, ok, loops := p.Advance()
		// The final Advance (ok=false) pops the last inner and the outer
		// loop, so its credits count too.
		totalLoopCredits += loops
		if !ok {
			break
		}
		leaves++
		p.CommitStep()
	}
	if leaves != 4 {
		t.Fatalf("expected 2*2=4 leaf ADD executions, got %d", leaves)
	}
	// inner loop completes twice (once per outer iteration), outer loop completes once.
	if totalLoopCredits != 3 {
		t.Fatalf("expected 3 total loop completions credited, got %d", totalLoopCredits)
	}
	if prog.TotalTasks() != 1+2*(1+2*1) {
		t.Fatalf("TotalTasks formula sanity check failed: %d", prog.TotalTasks())
	}
}

func TestDeclareSymbol_CapacityBoundary(t *testing.T) {
	p := New(4, "p4", 64, mustParse(t, `PRINT "x"`))
	for i := 0; i < MaxSymbolSlots; i++ {
		name := string(rune('a' + i%26))
		if i >= 26 {
			name += string(rune('0' + i/26))
		}
		if _, ignored := p.DeclareSymbol(name); ignored {
			t.Fatalf("declaration %d should fit within capacity", i)
		}
	}
	if off := p.NextVariableOffset(); off != 64 {
		t.Fatalf("expected symbol table page to be exactly full, got next offset %d", off)
	}
	if _, ignored := p.DeclareSymbol("overflow"); !ignored {
		t.Fatal("expected the 33rd distinct declaration to be ignored")
	}
}

func TestDeclareSymbol_RedeclarationReturnsSameOffset(t *testing.T) {
	p := New(5, "p5", 64, mustParse(t, `PRINT "x"`))
	first, ignored := p.DeclareSymbol("x")
	if ignored {
		t.Fatal("first declaration should not be ignored")
	}
	second, ignored := p.DeclareSymbol("x")
	if ignored || second != first {
		t.Fatalf("redeclaring an existing symbol should return its existing offset, got %d vs %d", second, first)
	}
	if p.NextVariableOffset() != 2 {
		t.Fatalf("redeclaration must not consume a second slot, next offset = %d", p.NextVariableOffset())
	}
}
