package processmgr

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ExitType classifies how a process left the Spawned state.
type ExitType int

const (
	// ExitNormal – the process called exit; Code is the exit code.
	ExitNormal ExitType = iota
	// ExitSignal – the process was terminated by a signal; Code is the signal number.
	ExitSignal
	// ExitInternal – no real OS exit was observed; Code is one of the internal codes below.
	ExitInternal
)

func (t ExitType) String() string {
	switch t {
	case ExitNormal:
		return "exit"
	case ExitSignal:
		return "signal"
	case ExitInternal:
		return "internal"
	default:
		return fmt.Sprintf("ExitType(%d)", int(t))
	}
}

// Internal exit codes, meaningful only with ExitInternal.
const (
	NoExit          = 0 // still running, or never ran
	ProcessDeleted  = 1 // dropped by the manager before an exit was observed
	ForkFailed      = 2 // the OS refused to create the process
	NotSpawned      = 3 // terminated before it was ever spawned
	Uninterruptable = 4 // survived every escalation stage and was abandoned
	Unknown         = 5 // reaped, but the wait status made no sense
)

var internalCodeNames = map[int]string{
	NoExit:          "no_exit",
	ProcessDeleted:  "process_deleted",
	ForkFailed:      "fork_failed",
	NotSpawned:      "not_spawned",
	Uninterruptable: "uninterruptable",
	Unknown:         "unknown",
}

// ExitStatus is the (type, code) pair recorded when a Process terminates.
type ExitStatus struct {
	Type ExitType `json:"type"`
	Code int      `json:"code"`
}

func internalExit(code int) ExitStatus {
	return ExitStatus{Type: ExitInternal, Code: code}
}

// exitFromWaitStatus converts a reaped wait status.
func exitFromWaitStatus(ws unix.WaitStatus) ExitStatus {
	switch {
	case ws.Exited():
		return ExitStatus{Type: ExitNormal, Code: ws.ExitStatus()}
	case ws.Signaled():
		return ExitStatus{Type: ExitSignal, Code: int(ws.Signal())}
	default:
		return internalExit(Unknown)
	}
}

// Normalized reinterprets shell-style exit codes 129..159 as the signal
// they encode (code-128). Anything else is returned unchanged.
func (s ExitStatus) Normalized() ExitStatus {
	if s.Type == ExitNormal && s.Code > 128 && s.Code < 160 {
		return ExitStatus{Type: ExitSignal, Code: s.Code - 128}
	}
	return s
}

// Success reports a normal exit with code zero.
func (s ExitStatus) Success() bool {
	return s.Type == ExitNormal && s.Code == 0
}

func (s ExitStatus) String() string {
	switch s.Type {
	case ExitNormal:
		return fmt.Sprintf("exit(%d)", s.Code)
	case ExitSignal:
		if name := unix.SignalName(unix.Signal(s.Code)); name != "" {
			return "signal(" + name + ")"
		}
		return fmt.Sprintf("signal(%d)", s.Code)
	case ExitInternal:
		if name, ok := internalCodeNames[s.Code]; ok {
			return "internal(" + name + ")"
		}
		return fmt.Sprintf("internal(%d)", s.Code)
	default:
		return fmt.Sprintf("%s(%d)", s.Type, s.Code)
	}
}
