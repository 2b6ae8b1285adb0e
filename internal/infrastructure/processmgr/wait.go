//go:build linux

package processmgr

import (
	"errors"

	"golang.org/x/sys/unix"
)

// childExited reports, without reaping, whether pid has exited.
// A pid that is no longer our child counts as exited; reaping it then
// yields an Unknown status.
func childExited(pid int) bool {
	var info unix.Siginfo
	err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOHANG|unix.WNOWAIT, nil)
	if err != nil {
		return errors.Is(err, unix.ECHILD)
	}
	return info.Signo != 0
}

// waitPid reaps an exited pid. ok is false if it has not exited yet or the
// wait was interrupted; the caller retries on the next cycle.
func waitPid(pid int) (status ExitStatus, ok bool) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	switch {
	case err == nil && wpid == pid:
		return exitFromWaitStatus(ws), true
	case err == nil:
		return ExitStatus{}, false
	case errors.Is(err, unix.ECHILD):
		return internalExit(Unknown), true
	default:
		return ExitStatus{}, false
	}
}

// groupAlive reports whether any member of process group pgid still exists.
func groupAlive(pgid int) bool {
	err := unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
