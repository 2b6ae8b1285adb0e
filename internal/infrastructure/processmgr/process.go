//go:build linux

package processmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle position of a Process.
type State int32

const (
	StateNotSpawned State = iota
	StateSpawned
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNotSpawned:
		return "not_spawned"
	case StateSpawned:
		return "spawned"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// live reports whether an OS process may exist for this state.
func (s State) live() bool { return s == StateSpawned || s == StateTerminating }

// Outcome is the result of a lifecycle request.
type Outcome int

const (
	OutcomeDone       Outcome = iota // transition completed
	OutcomeInProgress                // termination scheduled or already running
	OutcomeAlready                   // already in the requested state
	OutcomeInvalid                   // not allowed from the current state
	OutcomeFailed                    // spawn attempted and failed; the error says why
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeInProgress:
		return "in_progress"
	case OutcomeAlready:
		return "already"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// ErrNotTerminated is returned by Reset outside the Terminated state.
var ErrNotTerminated = errors.New("process is not terminated")

// Process is the manager's handle on one OS child across its whole lifecycle:
//
//	NotSpawned → Spawn → Spawned → Terminate → Terminating → (exit) → Terminated → Reset → NotSpawned
//
// All transitions are serialized by mu. state, reservedMB and borrowedMB are
// also readable without mu so the manager can scan every process (borrower
// search, OOM triage) without taking their locks.
//
// Lock order: Process.mu → ProcessManager.mu. Manager hooks are invoked with
// mu held; the manager never holds its own lock while acquiring a Process lock.
//
// Observers are called with mu held so OnSpawn is always delivered before
// OnTerminate. They must not call mutating methods on the same Process.
type Process struct {
	id        string
	name      string
	sessionID string
	group     string // resource-limit group name, derived from id

	mgr *ProcessManager
	log *zap.Logger

	mu sync.Mutex

	state      atomic.Int32
	reservedMB atomic.Int64
	borrowedMB atomic.Int64

	// Guarded by mu.
	pid             int // non-zero while live (Spawned or Terminating)
	groupExists     bool
	staleGroup      bool  // exit-time destroy failed; retried later
	limitMB         int64 // current group ceiling
	killGroupOnExit bool
	exit            ExitStatus
	observer        ProcessObserver
	exited          chan struct{} // closed on entering Terminated; replaced by Reset
	escalation      chan struct{} // closed when the termination goroutine returns
	hurry           chan struct{} // closed to skip to the forceful stage
	hurryOnce       *sync.Once
}

func newProcess(mgr *ProcessManager, id, name, sessionID string) *Process {
	p := &Process{
		id:        id,
		name:      name,
		sessionID: sessionID,
		group:     groupName(mgr.opts.GroupPrefix, id),
		mgr:       mgr,
		log: mgr.log.With(
			zap.String("process_id", id),
			zap.String("name", name),
			zap.String("session_id", sessionID),
		),
		exit:   internalExit(NoExit),
		exited: make(chan struct{}),
	}
	p.state.Store(int32(StateNotSpawned))
	return p
}

func (p *Process) ID() string        { return p.id }
func (p *Process) Name() string      { return p.name }
func (p *Process) SessionID() string { return p.sessionID }
func (p *Process) GroupName() string { return p.group }
func (p *Process) State() State      { return State(p.state.Load()) }
func (p *Process) ReservedMB() int64 { return p.reservedMB.Load() }
func (p *Process) BorrowedMB() int64 { return p.borrowedMB.Load() }

func (p *Process) setState(s State) { p.state.Store(int32(s)) }

// Pid returns the OS pid while the process is live, 0 otherwise.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// ExitStatus returns the exit record; meaningful once Terminated.
func (p *Process) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Done returns a channel closed when the process reaches Terminated.
// After Reset a new channel is handed out.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// WaitForExit blocks until Terminated or until ctx is done.
func (p *Process) WaitForExit(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.Done():
		return p.ExitStatus(), nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// WaitForExitTimeout is WaitForExit bounded by d. ok is false on timeout.
func (p *Process) WaitForExitTimeout(d time.Duration) (status ExitStatus, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	status, err := p.WaitForExit(ctx)
	return status, err == nil
}

// Signal sends sig to the process, or to its whole process group when
// toGroup is set. It is a no-op unless the process is live.
func (p *Process) Signal(sig syscall.Signal, toGroup bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signalLocked(sig, toGroup)
}

func (p *Process) signalLocked(sig syscall.Signal, toGroup bool) error {
	if !p.State().live() || p.pid == 0 {
		return nil
	}
	target := p.pid
	if toGroup {
		target = -p.pid
	}
	if err := p.mgr.kill(target, sig); err != nil {
		return fmt.Errorf("signal %d to %d: %w", sig, target, err)
	}
	return nil
}

// Reset returns a Terminated process to NotSpawned so it can be spawned
// again. It waits for an in-flight termination procedure to finish first.
func (p *Process) Reset() error {
	if p.State() != StateTerminated {
		return ErrNotTerminated
	}
	p.settle()

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.State() {
	case StateNotSpawned:
		return nil // raced with another Reset
	case StateTerminated:
	default:
		return ErrNotTerminated
	}

	p.exit = internalExit(NoExit)
	p.exited = make(chan struct{})
	p.escalation = nil
	p.hurry = nil
	p.hurryOnce = nil
	p.killGroupOnExit = false
	p.observer = nil
	p.limitMB = 0
	p.setState(StateNotSpawned)
	return nil
}

// settle waits for an in-flight termination procedure to return.
func (p *Process) settle() {
	p.mu.Lock()
	esc := p.escalation
	p.mu.Unlock()

	if esc != nil {
		<-esc
	}
}

// finishLocked moves the process to Terminated with status. notify controls
// whether the observer hears about it (it only does for spawned processes).
func (p *Process) finishLocked(status ExitStatus, notify bool) {
	p.pid = 0
	p.exit = status
	p.setState(StateTerminated)
	close(p.exited)

	if notify && p.observer != nil {
		p.observer.OnTerminate(p.id, p.sessionID, status)
	}
}

// reap collects the exit status of pid, runs the manager's exit hook and
// moves the process to Terminated. It reports false when pid is no longer
// this process's child or the status could not be collected yet.
func (p *Process) reap(pid int) (killGroup bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pid != pid || !p.State().live() {
		return false, false
	}

	status, ok := waitPid(pid)
	if !ok {
		return false, false
	}

	p.mgr.exited(p, pid)
	p.log.Info("process exited",
		zap.Int("pid", pid),
		zap.Stringer("status", status),
		zap.Stringer("normalized", status.Normalized()))

	killGroup = p.killGroupOnExit
	p.finishLocked(status, true)
	return killGroup, true
}

// abandon gives up on a process that survived every escalation stage.
func (p *Process) abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() == StateTerminated {
		return
	}

	pid := p.pid
	p.mgr.abandoned(p, pid)
	p.log.Error("process did not respond to SIGKILL; abandoning it", zap.Int("pid", pid))
	p.finishLocked(internalExit(Uninterruptable), true)
}

// markDeleted rewrites an abandoned process's record once the manager has
// dropped it. Real exits are left alone.
func (p *Process) markDeleted() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() == StateTerminated && p.exit == internalExit(Uninterruptable) {
		p.exit = internalExit(ProcessDeleted)
	}
}

// Info is a JSON-friendly snapshot.
type Info struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	SessionID   string      `json:"session_id"`
	State       State       `json:"state"`
	Pid         int         `json:"pid"`
	Group       string      `json:"group"`
	GroupExists bool        `json:"group_exists"`
	ReservedMB  int64       `json:"reserved_mb"`
	BorrowedMB  int64       `json:"borrowed_mb"`
	LimitMB     int64       `json:"limit_mb"`
	Exit        *ExitStatus `json:"exit,omitempty"`
}

func (p *Process) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := Info{
		ID:          p.id,
		Name:        p.name,
		SessionID:   p.sessionID,
		State:       p.State(),
		Pid:         p.pid,
		Group:       p.group,
		GroupExists: p.groupExists,
		ReservedMB:  p.reservedMB.Load(),
		BorrowedMB:  p.borrowedMB.Load(),
		LimitMB:     p.limitMB,
	}
	if info.State == StateTerminated {
		exit := p.exit
		info.Exit = &exit
	}
	return info
}
