// Package scheduler runs the ready-queue worker pool and the
// admission scheduler that feeds it. Modeled on
// PlanificarCortoPlazo/despacharYProcesarCPU's wait-dequeue-dispatch-
// recheck-release loop and PlanificarLargoPlazo's wait-on-queue-or-
// poll loop moving processes into ready, generalized from dispatching
// to a remote CPU over HTTP to calling the interpreter directly in a
// local worker goroutine.
package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kalvex/csopesy-emu/internal/config"
	"github.com/kalvex/csopesy-emu/internal/interp"
	"github.com/kalvex/csopesy-emu/internal/memory"
	"github.com/kalvex/csopesy-emu/internal/paging"
	"github.com/kalvex/csopesy-emu/internal/process"
)

const admissionPollInterval = 50 * time.Millisecond

// Scheduler owns the waiting-for-memory and ready queues and drives
// both the admission thread and the fixed worker pool.
type Scheduler struct {
	policy       config.Scheduler
	quantum      int
	numCPU       int
	pageBytes    int
	delayPerExec time.Duration

	Waiting *Queue
	Ready   *Queue

	interp *interp.Interpreter
	pager  *paging.Pager
	stats  *memory.Stats
	logDir string
	log    *logrus.Entry

	stopping atomic.Bool
	wg       sync.WaitGroup

	// OnFinish is called once a process reaches Finished or Violated,
	// after its frames have been released — the lifecycle controller
	// wires this to its memory-accounting and admission bookkeeping.
	OnFinish func(p *process.Process)
	// AfterInstruction is called once per executed instruction
	// (alongside every interp.Execute call) so the caller can produce
	// a per-cycle memory snapshot.
	AfterInstruction func()
}

type Config struct {
	Policy       config.Scheduler
	Quantum      int
	NumCPU       int
	PageBytes    int
	DelayPerExec time.Duration
	LogDir       string
}

func New(cfg Config, it *interp.Interpreter, pager *paging.Pager, stats *memory.Stats, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		policy:       cfg.Policy,
		quantum:      cfg.Quantum,
		numCPU:       cfg.NumCPU,
		pageBytes:    cfg.PageBytes,
		delayPerExec: cfg.DelayPerExec,
		Waiting:      NewQueue(),
		Ready:        NewQueue(),
		interp:       it,
		pager:        pager,
		stats:        stats,
		logDir:       cfg.LogDir,
		log:          log,
	}
}

// Start spawns the admission thread, which in turn spawns the fixed
// worker pool.
func (s *Scheduler) Start() {
	s.stopping.Store(false)
	s.wg.Add(1)
	go s.runAdmission()
}

// Stop sets the stopping flag, wakes every blocked queue, and blocks
// until the admission thread (and, transitively, every worker) has
// joined — guaranteed on every call.
func (s *Scheduler) Stop() {
	s.stopping.Store(true)
	s.Waiting.BroadcastShutdown()
	s.Ready.BroadcastShutdown()
	s.wg.Wait()
}

func (s *Scheduler) runAdmission() {
	defer s.wg.Done()

	var workers sync.WaitGroup
	workers.Add(s.numCPU)
	for i := 0; i < s.numCPU; i++ {
		go func(coreID int) {
			defer workers.Done()
			s.workerLoop(coreID)
		}(i)
	}

	for !s.stopping.Load() {
		p, ok := s.Waiting.TryPop()
		if !ok {
			time.Sleep(admissionPollInterval)
			continue
		}
		p.SetStatus(process.Ready)
		s.Ready.Push(p)
	}
	s.Ready.BroadcastShutdown()
	workers.Wait()
}

func (s *Scheduler) workerLoop(coreID int) {
	for {
		p, ok := s.Ready.PopBlocking(&s.stopping, s.stats)
		if !ok {
			return
		}
		s.runSlice(coreID, p)
	}
}

// runSlice dispatches p for one timeslice: to completion under FCFS,
// or at most s.quantum instructions under RR.
func (s *Scheduler) runSlice(coreID int, p *process.Process) {
	p.SetStartTimeIfZero(time.Now())
	p.SetCoreID(coreID)
	p.SetStatus(process.Running)

	logPath := filepath.Join(s.logDir, p.Name+".txt")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		s.log.WithFields(logrus.Fields{"pid": p.PID, "path": logPath}).Error(fmt.Errorf("opening process log: %w", err))
		s.Ready.Push(p) // try again on a later slice rather than losing the process
		return
	}
	defer logFile.Close()

	terminated := false
	executed := 0
	for {
		if p.Done() {
			break
		}
		if s.stopping.Load() {
			break
		}
		if s.policy == config.RR && executed >= s.quantum {
			break
		}

		outcome, err := s.interp.Execute(p, coreID, logFile)
		if err != nil {
			s.log.WithFields(logrus.Fields{"pid": p.PID}).Error(err)
		}
		executed++
		s.stats.IncActiveTick()
		if s.AfterInstruction != nil {
			s.AfterInstruction()
		}
		if outcome == interp.Terminated {
			terminated = true
			break
		}
	}

	switch {
	case p.Done() || terminated:
		p.SetCoreID(-1)
		if !terminated {
			p.MarkFinished(time.Now())
		}
		if err := s.pager.ReleaseProcess(p); err != nil {
			s.log.WithFields(logrus.Fields{"pid": p.PID}).Error(err)
		}
		if s.OnFinish != nil {
			s.OnFinish(p)
		}
	case s.stopping.Load():
		// Shutting down mid-slice: leave the process exactly as it is,
		// neither finished nor requeued.
	default:
		// RR quantum expired with work remaining.
		p.SetCoreID(-1)
		p.SetStatus(process.Ready)
		s.Ready.Push(p)
	}
}
