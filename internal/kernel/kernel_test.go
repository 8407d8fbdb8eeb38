package kernel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

const testConfig = `
num-cpu=2
scheduler=fcfs
quantum-cycles=3
batch-process-freq=1
min-ins=2
max-ins=4
delay-per-exec=0
max-overall-mem=256
mem-per-frame=64
min-mem-per-proc=64
max-mem-per-proc=128
`

func newTestKernel(t *testing.T) (*Kernel, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.txt")
	if err := os.WriteFile(cfgPath, []byte(testConfig), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	k := New(dir, logrus.NewEntry(logrus.New()))
	if err := k.Initialize(cfgPath); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return k, dir
}

func TestInitialize_RejectsDoubleInitialize(t *testing.T) {
	k, dir := newTestKernel(t)
	cfgPath := filepath.Join(dir, "config.txt")
	if err := k.Initialize(cfgPath); err == nil {
		t.Fatal("expected a second Initialize to fail")
	}
}

func TestCreateProcess_RejectsBeforeInitialize(t *testing.T) {
	k := New(t.TempDir(), logrus.NewEntry(logrus.New()))
	if _, err := k.CreateProcess("p1", 64, `PRINT "hi"`); err == nil {
		t.Fatal("expected create_process to fail before initialize")
	}
}

func TestCreateProcess_RejectsNameConflict(t *testing.T) {
	k, _ := newTestKernel(t)
	if _, err := k.CreateProcess("p1", 64, `PRINT "hi"`); err != nil {
		t.Fatalf("first create_process: %v", err)
	}
	if _, err := k.CreateProcess("p1", 64, `PRINT "hi"`); err == nil {
		t.Fatal("expected a name conflict on the second create_process")
	}
}

func TestCreateProcess_RejectsInvalidMemorySize(t *testing.T) {
	k, _ := newTestKernel(t)
	if _, err := k.CreateProcess("bad", 96, `PRINT "hi"`); err == nil {
		t.Fatal("expected 96 (not a power of two) to be rejected")
	}
	if _, err := k.CreateProcess("bad2", 63, `PRINT "hi"`); err == nil {
		t.Fatal("expected 63 (below 64) to be rejected")
	}
}

func TestStartStop_RunsASimpleProcessToCompletion(t *testing.T) {
	k, _ := newTestKernel(t)
	if _, err := k.CreateProcess("p1", 64, `DECLARE x, 1; ADD x, 1; PRINT "done"`); err != nil {
		t.Fatalf("create_process: %v", err)
	}
	if err := k.Start(42); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer k.Stop()

	// Start must admit the process created above, not discard it in
	// favor of synthesized filler.
	procs := k.Processes()
	if len(procs) != 1 {
		t.Fatalf("expected the one process created before Start to survive, got %d processes", len(procs))
	}
	if procs[0].Name != "p1" {
		t.Fatalf("expected the surviving process to be named p1, got %q", procs[0].Name)
	}

	deadline := time.After(2 * time.Second)
	for {
		done := true
		for _, p := range k.Processes() {
			if !p.Snapshot().Finished {
				done = false
			}
		}
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("process did not finish in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	found := false
	for _, p := range k.Processes() {
		if p.Name == "p1" {
			found = true
			if !p.Snapshot().Finished {
				t.Fatal("expected p1 to have actually run and finished, not just survived admission")
			}
		}
	}
	if !found {
		t.Fatal("p1 vanished from the process table after Start/Stop")
	}
}

func TestGenerateProcesses_DeterministicWithSameSeed(t *testing.T) {
	k, _ := newTestKernel(t)
	cfg := k.Config()

	a := GenerateProcesses(cfg, NewRand(7), 5)
	b := GenerateProcesses(cfg, NewRand(7), 5)
	if len(a) != 5 || len(b) != 5 {
		t.Fatalf("expected 5 synthesized processes, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].MemSize != b[i].MemSize {
			t.Fatalf("process %d differs between identically seeded runs: %+v vs %+v", i, a[i], b[i])
		}
		if len(a[i].Program) != len(b[i].Program) {
			t.Fatalf("process %d program length differs: %d vs %d", i, len(a[i].Program), len(b[i].Program))
		}
	}
}
