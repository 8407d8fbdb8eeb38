// Package interp executes one instruction at a time against a
// process, triggering page faults through internal/paging and memory
// violations where addresses run outside a process's own space.
// Modeled on decodeAndExecute's switch-over-opcode shape
// (cmd/cpu/ciclo_instruccion.go), generalized to dispatch over the
// closed Opcode enum from internal/instruction instead of a string.
package interp

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kalvex/csopesy-emu/internal/instruction"
	"github.com/kalvex/csopesy-emu/internal/paging"
	"github.com/kalvex/csopesy-emu/internal/process"
)

// Outcome is the one of three results every opcode dispatch yields.
type Outcome int

const (
	Continue Outcome = iota
	Ignored
	Terminated
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "Continue"
	case Ignored:
		return "Ignored"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// undefinedVarSentinel is printed in place of a variable's value when
// PRINT references a name that was never DECLAREd.
const undefinedVarSentinel = "undefined"

// Interpreter executes leaf instructions against a process's state,
// consulting the page allocator on every symbol-table or memory
// touch.
type Interpreter struct {
	pager        *paging.Pager
	pageBytes    int
	delayPerExec time.Duration
	log          *logrus.Entry
}

func New(pager *paging.Pager, pageBytes int, delayPerExec time.Duration, log *logrus.Entry) *Interpreter {
	return &Interpreter{pager: pager, pageBytes: pageBytes, delayPerExec: delayPerExec, log: log}
}

// Execute runs the next pending leaf instruction of p (callers check
// process.Done() first) and returns the outcome, crediting completed
// FOR_LOOP wrappers and the leaf instruction itself to p's task
// counters before returning. When the program ends in a FOR_LOOP,
// Done stays false after the loop's last leaf; the next call runs no
// instruction, only credits the finished loop frames it pops, and
// returns Continue.
func (it *Interpreter) Execute(p *process.Process, coreID int, w io.Writer) (Outcome, error) {
	in, ok, loopsCompleted := p.Advance()
	if !ok {
		if loopsCompleted > 0 {
			p.AddTasksCompleted(loopsCompleted)
			return Continue, nil
		}
		return Continue, fmt.Errorf("interp: Execute called on pid %d with no pending instruction", p.PID)
	}

	outcome, err := it.dispatch(p, coreID, in, w)

	if outcome != Terminated {
		p.CommitStep()
	}
	if loopsCompleted > 0 {
		p.AddTasksCompleted(loopsCompleted)
	}
	if outcome == Continue {
		p.AddTasksCompleted(1)
	}

	if outcome != Ignored && it.delayPerExec > 0 {
		time.Sleep(it.delayPerExec)
	}
	return outcome, err
}

func (it *Interpreter) dispatch(p *process.Process, coreID int, in instruction.Instruction, w io.Writer) (Outcome, error) {
	switch in.Op {
	case instruction.Print:
		return it.execPrint(p, coreID, in, w)
	case instruction.Declare:
		return it.execDeclare(p, coreID, in, w)
	case instruction.Add:
		return it.execAdd(p, coreID, in, w)
	case instruction.Subtract:
		return it.execSubtract(p, coreID, in, w)
	case instruction.Read:
		return it.execRead(p, coreID, in, w)
	case instruction.Write:
		return it.execWrite(p, coreID, in, w)
	default:
		return Terminated, fmt.Errorf("interp: unexpected opcode reaching dispatch: %s", in.Op)
	}
}

// ensureSymbolPage faults in virtual page 0, the reserved
// symbol-table page every DECLARE/ADD/SUBTRACT/READ touches first.
func (it *Interpreter) ensureSymbolPage(p *process.Process) error {
	_, err := it.pager.EnsureResident(p, 0)
	return err
}

func (it *Interpreter) execPrint(p *process.Process, coreID int, in instruction.Instruction, w io.Writer) (Outcome, error) {
	msg := in.Message
	if in.HasVar {
		if err := it.ensureSymbolPage(p); err != nil {
			it.logIOError(p, err)
		}
		if off, ok := p.LookupSymbol(in.PrintVar); ok {
			msg += fmt.Sprintf("%d", p.MemoryWord(off))
		} else {
			msg += undefinedVarSentinel
		}
	}
	it.writeLine(w, coreID, fmt.Sprintf("%q", msg))
	return Continue, nil
}

func (it *Interpreter) execDeclare(p *process.Process, coreID int, in instruction.Instruction, w io.Writer) (Outcome, error) {
	if err := it.ensureSymbolPage(p); err != nil {
		it.logIOError(p, err)
	}
	off, ignored := p.DeclareSymbol(in.Var)
	if ignored {
		it.writeLine(w, coreID, fmt.Sprintf("DECLARE %s ignored: symbol table full", in.Var))
		return Ignored, nil
	}
	p.SetMemoryWord(off, in.Value)
	it.pager.MarkWritten(p, 0)
	it.writeLine(w, coreID, fmt.Sprintf("DECLARE %s = %d at offset %d", in.Var, in.Value, off))
	return Continue, nil
}

// autoDeclare ensures name has a symbol-table slot, creating it with
// value 0 if absent. ignored reports symbol-table exhaustion.
func (it *Interpreter) autoDeclare(p *process.Process, name string) (offset int, ignored bool) {
	if off, ok := p.LookupSymbol(name); ok {
		return off, false
	}
	off, ignored := p.DeclareSymbol(name)
	if !ignored {
		p.SetMemoryWord(off, 0)
		it.pager.MarkWritten(p, 0)
	}
	return off, ignored
}

func (it *Interpreter) execAdd(p *process.Process, coreID int, in instruction.Instruction, w io.Writer) (Outcome, error) {
	if err := it.ensureSymbolPage(p); err != nil {
		it.logIOError(p, err)
	}

	if !in.ThreeOperand {
		off, ignored := it.autoDeclare(p, in.Var)
		if ignored {
			it.writeLine(w, coreID, fmt.Sprintf("ADD %s ignored: symbol table full", in.Var))
			return Ignored, nil
		}
		sum := uint32(p.MemoryWord(off)) + uint32(in.Value)
		result := uint16(sum & 0xFFFF)
		p.SetMemoryWord(off, result)
		it.pager.MarkWritten(p, 0)
		it.writeLine(w, coreID, fmt.Sprintf("ADD %d to %s (result: %d)", in.Value, in.Var, result))
		return Continue, nil
	}

	aOff, ignored := it.autoDeclare(p, in.A)
	if ignored {
		it.writeLine(w, coreID, fmt.Sprintf("ADD %s ignored: symbol table full", in.A))
		return Ignored, nil
	}
	bOff, ignored := it.autoDeclare(p, in.B)
	if ignored {
		it.writeLine(w, coreID, fmt.Sprintf("ADD %s ignored: symbol table full", in.B))
		return Ignored, nil
	}
	dstOff, ignored := it.autoDeclare(p, in.Dst)
	if ignored {
		it.writeLine(w, coreID, fmt.Sprintf("ADD %s ignored: symbol table full", in.Dst))
		return Ignored, nil
	}

	sum := uint32(p.MemoryWord(aOff)) + uint32(p.MemoryWord(bOff))
	result := uint16(sum & 0xFFFF)
	p.SetMemoryWord(dstOff, result)
	it.pager.MarkWritten(p, 0)
	it.writeLine(w, coreID, fmt.Sprintf("ADD %s + %s into %s (result: %d)", in.A, in.B, in.Dst, result))
	return Continue, nil
}

func (it *Interpreter) execSubtract(p *process.Process, coreID int, in instruction.Instruction, w io.Writer) (Outcome, error) {
	if err := it.ensureSymbolPage(p); err != nil {
		it.logIOError(p, err)
	}
	off, ignored := it.autoDeclare(p, in.Var)
	if ignored {
		it.writeLine(w, coreID, fmt.Sprintf("SUBTRACT %s ignored: symbol table full", in.Var))
		return Ignored, nil
	}
	diff := uint32(p.MemoryWord(off)) - uint32(in.Value)
	result := uint16(diff & 0xFFFF)
	p.SetMemoryWord(off, result)
	it.pager.MarkWritten(p, 0)
	it.writeLine(w, coreID, fmt.Sprintf("SUBTRACT %d from %s (result: %d)", in.Value, in.Var, result))
	return Continue, nil
}

func (it *Interpreter) execRead(p *process.Process, coreID int, in instruction.Instruction, w io.Writer) (Outcome, error) {
	if out, err := it.checkAddr(p, coreID, "READ", in.Addr, w); err != nil || out == Terminated {
		return out, err
	}
	if err := it.ensureSymbolPage(p); err != nil {
		it.logIOError(p, err)
	}
	vpn := in.Addr / it.pageBytes
	if _, err := it.pager.EnsureResident(p, vpn); err != nil {
		it.logIOError(p, err)
	}

	off, ignored := it.autoDeclare(p, in.Var)
	if ignored {
		it.writeLine(w, coreID, fmt.Sprintf("READ %s ignored: symbol table full", in.Var))
		return Ignored, nil
	}
	value := p.MemoryWord(in.Addr)
	p.SetMemoryWord(off, value)
	it.pager.MarkWritten(p, 0)
	it.writeLine(w, coreID, fmt.Sprintf("READ %d from 0x%04X into %s", value, in.Addr, in.Var))
	return Continue, nil
}

func (it *Interpreter) execWrite(p *process.Process, coreID int, in instruction.Instruction, w io.Writer) (Outcome, error) {
	if out, err := it.checkAddr(p, coreID, "WRITE", in.Addr, w); err != nil || out == Terminated {
		return out, err
	}
	vpn := in.Addr / it.pageBytes
	if _, err := it.pager.EnsureResident(p, vpn); err != nil {
		it.logIOError(p, err)
	}
	if err := it.ensureSymbolPage(p); err != nil {
		it.logIOError(p, err)
	}

	var value uint16
	if off, ok := p.LookupSymbol(in.Var); ok {
		value = p.MemoryWord(off)
	}
	p.SetMemoryWord(in.Addr, value)
	it.pager.MarkWritten(p, vpn)
	it.writeLine(w, coreID, fmt.Sprintf("WRITE %d (from %s) to 0x%04X", value, in.Var, in.Addr))
	return Continue, nil
}

// checkAddr validates addr against the process's own memory size,
// terminating the process with a violation when it's out of range.
func (it *Interpreter) checkAddr(p *process.Process, coreID int, op string, addr int, w io.Writer) (Outcome, error) {
	if addr >= 0 && addr < p.MemSize {
		return Continue, nil
	}
	hexAddr := formatHexAddr(addr)
	hexMax := formatHexAddr(p.MemSize - 1)
	it.writeLine(w, coreID, fmt.Sprintf("MEMORY VIOLATION on %s at %s. Valid range: 0x0 - %s. Process terminated.", op, hexAddr, hexMax))
	p.MarkViolated(time.Now(), hexAddr)
	return Terminated, nil
}

// formatHexAddr renders addr the way a memory violation message names
// it: "0x" followed by uppercase hex, with a leading '-' preserved for
// the (invalid but representable) negative-address case.
func formatHexAddr(addr int) string {
	if addr < 0 {
		return fmt.Sprintf("-0x%X", -addr)
	}
	return fmt.Sprintf("0x%X", addr)
}

func (it *Interpreter) logIOError(p *process.Process, err error) {
	it.log.WithFields(logrus.Fields{"pid": p.PID}).Error(err)
}

func (it *Interpreter) writeLine(w io.Writer, coreID int, payload string) {
	ts := time.Now().Format("01/02/2006 03:04:05 PM")
	fmt.Fprintf(w, "(%s) Core:%d %s\n", ts, coreID, payload)
}
