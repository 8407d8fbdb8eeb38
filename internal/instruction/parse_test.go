package instruction

import "testing"

func TestParseProgram_BasicRoundTrip(t *testing.T) {
	prog, err := ParseProgram(`DECLARE x, 42; WRITE 32, x; READ y, 32; PRINT "v=" + y`, true)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(prog) != 4 {
		t.Fatalf("expected 4 instructions, got %d", len(prog))
	}
	if prog[0].Op != Declare || prog[0].Var != "x" || prog[0].Value != 42 {
		t.Errorf("unexpected DECLARE: %+v", prog[0])
	}
	if prog[3].Op != Print || !prog[3].HasVar || prog[3].PrintVar != "y" {
		t.Errorf("unexpected PRINT: %+v", prog[3])
	}
}

func TestParseProgram_InstructionCountBoundaries(t *testing.T) {
	one := `PRINT "hi"`
	if _, err := ParseProgram(one, true); err != nil {
		t.Fatalf("1 instruction should be accepted: %v", err)
	}

	if _, err := ParseProgram("", true); err == nil {
		t.Fatal("0 instructions should be rejected")
	}

	var fifty, fiftyOne string
	for i := 0; i < 50; i++ {
		fifty += `PRINT "x";`
	}
	fifty = fifty[:len(fifty)-1]
	if _, err := ParseProgram(fifty, true); err != nil {
		t.Fatalf("50 instructions should be accepted: %v", err)
	}

	for i := 0; i < 51; i++ {
		fiftyOne += `PRINT "x";`
	}
	fiftyOne = fiftyOne[:len(fiftyOne)-1]
	if _, err := ParseProgram(fiftyOne, true); err == nil {
		t.Fatal("51 instructions should be rejected")
	}
}

func TestParseProgram_AddThreeOperand(t *testing.T) {
	prog, err := ParseProgram(`ADD z, a, b`, true)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !prog[0].ThreeOperand || prog[0].Dst != "z" || prog[0].A != "a" || prog[0].B != "b" {
		t.Errorf("unexpected three-operand ADD: %+v", prog[0])
	}
}

func TestParseProgram_ForLoopNested(t *testing.T) {
	prog, err := ParseProgram(`FOR_LOOP 3 [DECLARE x, 1; FOR_LOOP 2 [ADD x, 1]]`, true)
	if err != nil {
		t.Fatalf("nested FOR_LOOP should parse when allowed: %v", err)
	}
	if prog[0].Op != ForLoop || prog[0].Count != 3 || len(prog[0].Body) != 2 {
		t.Fatalf("unexpected FOR_LOOP: %+v", prog[0])
	}
	if prog[0].Body[1].Op != ForLoop {
		t.Fatalf("expected nested FOR_LOOP in body")
	}
}

func TestParseProgram_ForLoopNestingForbiddenForGenerator(t *testing.T) {
	_, err := ParseProgram(`FOR_LOOP 3 [FOR_LOOP 2 [PRINT "x"]]`, false)
	if err == nil {
		t.Fatal("expected nested FOR_LOOP to be rejected when disallowed")
	}
}

func TestParseProgram_UnknownOpcodeRejected(t *testing.T) {
	_, err := ParseProgram(`JUMP 5`, true)
	if err == nil {
		t.Fatal("expected unknown opcode to be rejected")
	}
}
