package cgroups

import (
	"errors"
	"sync"
	"syscall"
	"time"
)

// Noop records groups but enforces nothing. OOM waits just sleep out their
// timeout. Useful on hosts without cgroups and as a test double.
type Noop struct {
	mu     sync.Mutex
	groups map[string]NoopGroup
}

// NoopGroup is what Noop remembers about a group.
type NoopGroup struct {
	MemLimitBytes     int64
	MemSwapLimitBytes int64
	CPUShares         uint64
	PauseOnOOM        bool
	Pids              []int
	Monitored         bool
}

func NewNoop() *Noop {
	return &Noop{groups: make(map[string]NoopGroup)}
}

func (n *Noop) CreateGroup(name string, memLimitBytes, memSwapLimitBytes int64, cpuShares uint64, pauseOnOOM bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups[name] = NoopGroup{
		MemLimitBytes:     memLimitBytes,
		MemSwapLimitBytes: memSwapLimitBytes,
		CPUShares:         cpuShares,
		PauseOnOOM:        pauseOnOOM,
	}
	return nil
}

func (n *Noop) DestroyGroup(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.groups, name)
	return nil
}

func (n *Noop) JoinGroup(string, *syscall.SysProcAttr) (func(), error) {
	return nil, errors.ErrUnsupported
}

func (n *Noop) AddProcess(name string, pid int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.groups[name]
	if !ok {
		return ErrGroupNotFound
	}
	g.Pids = append(g.Pids, pid)
	n.groups[name] = g
	return nil
}

func (n *Noop) ChangeMemoryLimit(name string, memLimitBytes, memSwapLimitBytes int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.groups[name]
	if !ok {
		return ErrGroupNotFound
	}
	g.MemLimitBytes, g.MemSwapLimitBytes = memLimitBytes, memSwapLimitBytes
	n.groups[name] = g
	return nil
}

func (n *Noop) MemoryUsage(name string) (int64, int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.groups[name]; !ok {
		return 0, 0, ErrGroupNotFound
	}
	return 0, 0, nil
}

func (n *Noop) MonitorOOM(name string, enable bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.groups[name]
	if !ok {
		return ErrGroupNotFound
	}
	g.Monitored = enable
	n.groups[name] = g
	return nil
}

func (n *Noop) WaitForOOM(timeout time.Duration) ([]string, error) {
	time.Sleep(timeout)
	return nil, nil
}

func (n *Noop) ScanOOM() ([]string, error) { return nil, nil }

// Group returns a copy of what is recorded for name.
func (n *Noop) Group(name string) (NoopGroup, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.groups[name]
	g.Pids = append([]int(nil), g.Pids...)
	return g, ok
}

// Groups returns the number of live groups.
func (n *Noop) Groups() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.groups)
}

func (n *Noop) Prune(string) (int, error) { return 0, nil }

func (n *Noop) Close() error { return nil }
