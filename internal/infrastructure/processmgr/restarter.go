//go:build linux

package processmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RestartPolicy decides whether a program is spawned again after it exits.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// Valid reports whether p is a known policy. The empty policy means never.
func (p RestartPolicy) Valid() bool {
	switch p {
	case "", RestartNever, RestartOnFailure, RestartAlways:
		return true
	}
	return false
}

func (p RestartPolicy) wants(status ExitStatus) bool {
	switch p {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return !status.Success()
	default:
		return false
	}
}

var ErrUnknownProgram = errors.New("unknown program")

// Program is a long-lived command the Restarter keeps running.
type Program struct {
	ID        string
	Name      string
	SessionID string
	Spawn     SpawnConfig

	Restart      RestartPolicy
	RestartDelay time.Duration
}

// Restarter launches programs through a ProcessManager and respawns them
// after RestartDelay according to their policy.
//
// Identity model:
//   - program id = process id in the manager; one Process per program
//   - a program is launched only by the mainloop, from the scheduler
//   - exits are learned through the Process observer and only schedule
//
// Concurrency:
//   - mu guards programs and the scheduler; it is taken from observer
//     callbacks, i.e. with a Process lock held, so it never wraps one
//   - launchMu serializes launches against Remove so a program that is being
//     removed cannot be respawned behind its back
type Restarter struct {
	log *zap.Logger
	mgr *ProcessManager

	mu       sync.Mutex
	launchMu sync.Mutex
	programs map[string]*Program
	sched    *scheduler
	sig      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRestarter starts the launch loop.
func NewRestarter(log *zap.Logger, mgr *ProcessManager) *Restarter {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Restarter{
		log:      log.Named("restarter"),
		mgr:      mgr,
		programs: make(map[string]*Program),
		sched:    newScheduler(),
		sig:      make(chan struct{}, 1), // coalescing wake-up
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go r.mainloop()
	return r
}

// Add registers prog with the manager and schedules an immediate launch.
func (r *Restarter) Add(prog Program) error {
	if !prog.Restart.Valid() {
		return fmt.Errorf("program %s: invalid restart policy %q", prog.ID, prog.Restart)
	}
	if _, err := r.mgr.AddProcess(prog.ID, prog.Name, prog.SessionID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p := prog
	r.programs[p.ID] = &p
	r.scheduleUnsafe(p.ID, 0)
	return nil
}

// Remove stops restarting id, terminates its process and drops it from the
// manager. It blocks until the process is Terminated.
func (r *Restarter) Remove(id string) error {
	r.mu.Lock()
	if _, ok := r.programs[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProgram, id)
	}
	delete(r.programs, id)
	r.sched.remove(id)
	r.mu.Unlock()

	r.launchMu.Lock()
	defer r.launchMu.Unlock()

	r.mgr.RemoveProcess(id)
	return nil
}

// Programs returns the ids currently kept running.
func (r *Restarter) Programs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.programs))
	for id := range r.programs {
		ids = append(ids, id)
	}
	return ids
}

// Pending reports whether a launch of id is scheduled.
func (r *Restarter) Pending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sched.pending(id)
}

// Close stops the launch loop and removes every program.
func (r *Restarter) Close() {
	r.cancel()
	<-r.done

	for _, id := range r.Programs() {
		_ = r.Remove(id)
	}
}

func (r *Restarter) mainloop() {
	defer close(r.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		r.mu.Lock()
		id, when, ok := r.sched.next()

		if !ok {
			r.mu.Unlock()
			select {
			case <-r.sig:
				continue
			case <-r.ctx.Done():
				return
			}
		}

		if delay := time.Until(when); delay > 0 {
			arm(timer, delay)
			r.mu.Unlock()

			select {
			case <-timer.C:
			case <-r.sig:
			case <-r.ctx.Done():
				return
			}
			continue
		}

		r.sched.pop()
		prog := r.programs[id]
		r.mu.Unlock()

		if prog != nil {
			r.launch(prog)
		}
	}
}

// launch resets a terminated process and spawns it again.
func (r *Restarter) launch(prog *Program) {
	r.launchMu.Lock()
	defer r.launchMu.Unlock()

	log := r.log.With(zap.String("program", prog.ID))

	r.mu.Lock()
	_, current := r.programs[prog.ID]
	r.mu.Unlock()
	if !current {
		return // removed while waiting for launchMu
	}

	p, ok := r.mgr.Process(prog.ID)
	if !ok {
		log.Warn("program has no process; dropping it")
		r.mu.Lock()
		delete(r.programs, prog.ID)
		r.mu.Unlock()
		return
	}

	if p.State() == StateTerminated {
		if err := p.Reset(); err != nil {
			log.Warn("reset failed; retrying later", zap.Error(err))
			r.reschedule(prog)
			return
		}
	}

	cfg := prog.Spawn
	cfg.Observer = MultiObserver{ObserverFuncs{Terminate: r.onTerminate}, prog.Spawn.Observer}

	outcome, err := p.Spawn(cfg)
	switch outcome {
	case OutcomeDone:
		log.Info("program launched", zap.Int("pid", p.Pid()))
	case OutcomeFailed:
		// A failed spawn reports no termination, so the retry is scheduled here.
		log.Warn("program launch failed", zap.Error(err))
		if prog.Restart.wants(p.ExitStatus()) {
			r.reschedule(prog)
		}
	default:
		log.Debug("launch skipped", zap.Stringer("outcome", outcome))
	}
}

// onTerminate runs with the Process lock held.
func (r *Restarter) onTerminate(processID, _ string, status ExitStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prog, ok := r.programs[processID]
	if !ok || !prog.Restart.wants(status) {
		return
	}

	r.log.Info("program exited; restart scheduled",
		zap.String("program", processID),
		zap.Stringer("status", status),
		zap.Duration("delay", prog.RestartDelay))
	r.scheduleUnsafe(processID, prog.RestartDelay)
}

func (r *Restarter) reschedule(prog *Program) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.programs[prog.ID]; ok {
		r.scheduleUnsafe(prog.ID, prog.RestartDelay)
	}
}

func (r *Restarter) scheduleUnsafe(id string, after time.Duration) {
	r.sched.push(id, time.Now().Add(after))

	select {
	case r.sig <- struct{}{}:
	default:
	}
}

// arm resets t to fire after d, draining a stale tick first.
func arm(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
