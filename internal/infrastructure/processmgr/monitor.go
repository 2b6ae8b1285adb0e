//go:build linux

package processmgr

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// exitLoop reaps exited children every ExitPollInterval until ctx is done.
func (m *ProcessManager) exitLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ExitPollInterval)
	defer ticker.Stop()

	for {
		m.pollExits()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollExits runs one reaping cycle over a snapshot of the pid table.
func (m *ProcessManager) pollExits() {
	m.mu.Lock()
	live := make(map[int]*Process, len(m.pids))
	for pid, p := range m.pids {
		live[pid] = p
	}
	orphans := make(map[int]string, len(m.orphans))
	for pid, id := range m.orphans {
		orphans[pid] = id
	}
	m.mu.Unlock()

	for pid, p := range live {
		if !childExited(pid) {
			continue
		}
		m.guard("reap", p.id, func() {
			killGroup, ok := p.reap(pid)
			if ok && killGroup {
				m.cleanups.Add(1)
				go func() {
					defer m.cleanups.Done()
					m.cleanupGroup(p, pid)
				}()
			}
		})
	}

	for pid, id := range orphans {
		if !childExited(pid) {
			continue
		}
		if status, ok := waitPid(pid); ok {
			m.mu.Lock()
			delete(m.orphans, pid)
			m.mu.Unlock()
			m.log.Info("abandoned process finally exited",
				zap.String("process_id", id), zap.Int("pid", pid), zap.Stringer("status", status))
		}
	}
}

// cleanupGroup waits for the rest of an exited leader's process group to go
// away, SIGKILLs the group if it does not, then retries a group destroy that
// failed because members were still inside it.
func (m *ProcessManager) cleanupGroup(p *Process, pgid int) {
	defer m.guard("group cleanup", p.id, func() { m.retryStaleGroup(p) })

	deadline := time.Now().Add(m.opts.GroupCleanupGrace)
	for groupAlive(pgid) {
		if time.Now().After(deadline) {
			p.log.Warn("process group outlived its leader; killing it", zap.Int("pgid", pgid))
			if err := m.kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				p.log.Error("killing process group failed", zap.Int("pgid", pgid), zap.Error(err))
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// oomLoop waits on the limiter for OOM notifications until ctx is done.
// If the blocking wait fails the loop falls back to ScanOOM, backing off
// while both fail.
func (m *ProcessManager) oomLoop(ctx context.Context) {
	const maxBackoff = 30 * time.Second
	backoff := m.opts.OOMWaitTimeout

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		groups, err := m.limiter.WaitForOOM(m.opts.OOMWaitTimeout)
		if err != nil {
			var scanErr error
			groups, scanErr = m.limiter.ScanOOM()
			if scanErr != nil {
				m.log.Warn("OOM wait and scan failed",
					zap.NamedError("wait_error", err),
					zap.NamedError("scan_error", scanErr),
					zap.Duration("backoff", backoff))

				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, maxBackoff)
				continue
			}
		}
		backoff = m.opts.OOMWaitTimeout

		for _, group := range groups {
			m.guard("oom", group, func() { m.handleOOM(group) })
		}
	}
}

// handleOOM applies the kill-or-lend policy to one flagged group.
func (m *ProcessManager) handleOOM(group string) {
	m.mu.Lock()
	p, ok := m.groups[group]
	m.mu.Unlock()

	if !ok {
		m.log.Debug("OOM for unknown group", zap.String("group", group))
		return
	}
	if p.State() != StateSpawned {
		p.log.Info("OOM while not running; ignoring", zap.Stringer("state", p.State()))
		return
	}

	if m.opts.LendMemory && m.lend(p) {
		return
	}

	p.log.Warn("out of memory; killing process",
		zap.Int64("reserved_mb", p.ReservedMB()),
		zap.Int64("borrowed_mb", p.BorrowedMB()))

	if err := m.limiter.MonitorOOM(group, false); err != nil {
		p.log.Debug("disabling OOM monitoring failed", zap.String("group", group), zap.Error(err))
	}
	p.Terminate(true)
}

// guard runs fn and turns a panic into a log line so one bad process cannot
// stop a loop that serves everyone else.
func (m *ProcessManager) guard(op, subject string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("recovered panic in monitor",
				zap.String("op", op),
				zap.String("subject", subject),
				zap.Error(fmt.Errorf("%v", r)),
				zap.Stack("stack"))
		}
	}()
	fn()
}
