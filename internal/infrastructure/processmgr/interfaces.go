package processmgr

import (
	"syscall"
	"time"
)

// ResourceLimiter applies kernel-level memory/CPU limits to named groups of
// processes and reports usage and out-of-memory conditions.
//
// Implementations must serialize structural calls per group name; the manager
// never issues two concurrent CreateGroup/DestroyGroup calls for one name.
// Enforcement is best effort: every error is logged and the process keeps
// running without limits.
type ResourceLimiter interface {
	// CreateGroup creates an empty group with the given ceilings. cpuShares
	// uses the cgroup v1 cpu.shares scale (1024 = one default share).
	// With pauseOnOOM the group stalls at its ceiling instead of having the
	// kernel OOM killer pick a victim, so the manager can lend more memory.
	CreateGroup(name string, memLimitBytes, memSwapLimitBytes int64, cpuShares uint64, pauseOnOOM bool) error

	// DestroyGroup removes a group. The group must have no members left.
	DestroyGroup(name string) error

	// JoinGroup arranges for the child created with attr to be a member of
	// the group before it executes its program. The returned release func is
	// called once the child has been created (successfully or not).
	// Backends that cannot join at creation return errors.ErrUnsupported. The
	// manager then holds the child before exec, calls AddProcess, and only
	// then lets the program start.
	JoinGroup(name string, attr *syscall.SysProcAttr) (release func(), err error)

	// AddProcess moves an already running pid into the group.
	AddProcess(name string, pid int) error

	// ChangeMemoryLimit updates the ceilings of an existing group.
	ChangeMemoryLimit(name string, memLimitBytes, memSwapLimitBytes int64) error

	// MemoryUsage reports current usage, and usage including swap, in bytes.
	MemoryUsage(name string) (used, usedAndSwap int64, err error)

	// MonitorOOM enables or disables OOM reporting for a group.
	MonitorOOM(name string, enable bool) error

	// WaitForOOM blocks for at most timeout and returns the monitored groups
	// that hit their ceiling. An empty result means the timeout elapsed.
	WaitForOOM(timeout time.Duration) ([]string, error)

	// ScanOOM is the non-blocking variant of WaitForOOM.
	ScanOOM() ([]string, error)
}

// ProcessObserver is notified about lifecycle transitions of a spawned process.
type ProcessObserver interface {
	OnSpawn(processID, sessionID string, pid int)
	OnTerminate(processID, sessionID string, status ExitStatus)
}

// ProcessController asks a supervised process to stop on its own before the
// manager falls back to signals.
type ProcessController interface {
	// SendStop reports whether a stop request was actually delivered.
	SendStop(processID, sessionID string) bool
}

// ObserverFuncs adapts plain functions to ProcessObserver. Nil fields are skipped.
type ObserverFuncs struct {
	Spawn     func(processID, sessionID string, pid int)
	Terminate func(processID, sessionID string, status ExitStatus)
}

func (f ObserverFuncs) OnSpawn(processID, sessionID string, pid int) {
	if f.Spawn != nil {
		f.Spawn(processID, sessionID, pid)
	}
}

func (f ObserverFuncs) OnTerminate(processID, sessionID string, status ExitStatus) {
	if f.Terminate != nil {
		f.Terminate(processID, sessionID, status)
	}
}

// MultiObserver fans notifications out in order.
type MultiObserver []ProcessObserver

func (m MultiObserver) OnSpawn(processID, sessionID string, pid int) {
	for _, o := range m {
		if o != nil {
			o.OnSpawn(processID, sessionID, pid)
		}
	}
}

func (m MultiObserver) OnTerminate(processID, sessionID string, status ExitStatus) {
	for _, o := range m {
		if o != nil {
			o.OnTerminate(processID, sessionID, status)
		}
	}
}
