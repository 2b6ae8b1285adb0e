//go:build linux

package processmgr

import (
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Terminate requests shutdown.
//
//   - NotSpawned  → Terminated (NotSpawned) immediately; OutcomeDone
//   - Spawned     → Terminating; escalation runs in the background; OutcomeInProgress
//   - Terminating → unchanged; OutcomeInProgress (a fast request skips the
//     remaining cooperative/graceful stages of a slow escalation)
//   - Terminated  → unchanged; OutcomeAlready
//
// Escalation for fast=false:
//
//	controller stop → StopTimeout → SIGTERM(group) → TermTimeout → SIGKILL(group) → KillTimeout → abandon
//
// fast=true starts at SIGKILL. Every stage ends early once the exit monitor
// has observed the exit.
func (p *Process) Terminate(fast bool) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.State() {
	case StateNotSpawned:
		p.finishLocked(internalExit(NotSpawned), false)
		return OutcomeDone
	case StateTerminated:
		return OutcomeAlready
	case StateTerminating:
		if fast {
			p.hurryOnce.Do(func() { close(p.hurry) })
		}
		return OutcomeInProgress
	}

	p.setState(StateTerminating)
	p.escalation = make(chan struct{})
	p.hurry = make(chan struct{})
	p.hurryOnce = new(sync.Once)

	p.log.Info("terminating process", zap.Int("pid", p.pid), zap.Bool("fast", fast))
	go p.escalate(fast, p.exited, p.hurry, p.escalation)
	return OutcomeInProgress
}

type waitResult int

const (
	waitExited waitResult = iota
	waitTimedOut
	waitHurried
)

// await waits for the exit, a hurry request, or the timeout.
// A nil hurry channel only waits for the first two.
func await(exited, hurry <-chan struct{}, d time.Duration) waitResult {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-exited:
		return waitExited
	case <-hurry:
		return waitHurried
	case <-t.C:
		return waitTimedOut
	}
}

func (p *Process) escalate(fast bool, exited, hurry <-chan struct{}, done chan struct{}) {
	defer close(done)

	opts := p.mgr.opts

	if !fast {
		if c := p.mgr.controller; c != nil && c.SendStop(p.id, p.sessionID) {
			p.log.Info("stop request delivered", zap.Duration("timeout", opts.StopTimeout))
			switch await(exited, hurry, opts.StopTimeout) {
			case waitExited:
				p.log.Info("process stopped cooperatively")
				return
			case waitHurried:
				fast = true
			case waitTimedOut:
				p.log.Warn("stop request timed out")
			}
		}
	}

	if !fast {
		if err := p.Signal(syscall.SIGTERM, true); err != nil {
			p.log.Warn("SIGTERM failed", zap.Error(err))
		} else {
			p.log.Info("SIGTERM sent to process group")
		}
		switch await(exited, hurry, opts.TermTimeout) {
		case waitExited:
			p.log.Info("process exited gracefully")
			return
		case waitTimedOut:
			p.log.Warn("grace timeout expired; sending SIGKILL", zap.Duration("timeout", opts.TermTimeout))
		}
	}

	if err := p.Signal(syscall.SIGKILL, true); err != nil {
		p.log.Error("SIGKILL failed", zap.Error(err))
	} else {
		p.log.Info("SIGKILL sent to process group")
	}
	if await(exited, nil, opts.KillTimeout) == waitExited {
		return
	}

	p.abandon()
}
