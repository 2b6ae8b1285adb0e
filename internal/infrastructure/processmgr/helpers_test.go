//go:build linux

package processmgr

import (
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

// fakeLimiter records groups in memory. OOM notifications are injected with
// triggerOOM and delivered by the next WaitForOOM.
type fakeLimiter struct {
	mu          sync.Mutex
	groups      map[string]*fakeGroup
	created     int
	destroyed   []string
	failDestroy bool
	oom         chan string

	// onAdd runs inside AddProcess, before the pid is recorded.
	onAdd func(name string, pid int)
}

type fakeGroup struct {
	memLimit   int64
	cpuShares  uint64
	pauseOnOOM bool
	pids       []int
	monitored  bool
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{
		groups: make(map[string]*fakeGroup),
		oom:    make(chan string, 16),
	}
}

var errNoGroup = errors.New("no such group")

func (f *fakeLimiter) CreateGroup(name string, mem, _ int64, cpu uint64, pause bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[name] = &fakeGroup{memLimit: mem, cpuShares: cpu, pauseOnOOM: pause}
	f.created++
	return nil
}

var errGroupBusy = errors.New("group busy")

func (f *fakeLimiter) DestroyGroup(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDestroy {
		return errGroupBusy
	}
	delete(f.groups, name)
	f.destroyed = append(f.destroyed, name)
	return nil
}

func (f *fakeLimiter) JoinGroup(string, *syscall.SysProcAttr) (func(), error) {
	return nil, errors.ErrUnsupported
}

func (f *fakeLimiter) AddProcess(name string, pid int) error {
	if f.onAdd != nil {
		f.onAdd(name, pid)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[name]
	if !ok {
		return errNoGroup
	}
	g.pids = append(g.pids, pid)
	return nil
}

func (f *fakeLimiter) ChangeMemoryLimit(name string, mem, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[name]
	if !ok {
		return errNoGroup
	}
	g.memLimit = mem
	return nil
}

func (f *fakeLimiter) MemoryUsage(name string) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[name]; !ok {
		return 0, 0, errNoGroup
	}
	return 1 << 20, 2 << 20, nil
}

func (f *fakeLimiter) MonitorOOM(name string, enable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[name]
	if !ok {
		return errNoGroup
	}
	g.monitored = enable
	return nil
}

func (f *fakeLimiter) WaitForOOM(timeout time.Duration) ([]string, error) {
	select {
	case g := <-f.oom:
		return []string{g}, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (f *fakeLimiter) ScanOOM() ([]string, error) { return nil, nil }

func (f *fakeLimiter) triggerOOM(group string) { f.oom <- group }

func (f *fakeLimiter) setFailDestroy(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failDestroy = fail
}

func (f *fakeLimiter) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *fakeLimiter) group(name string) (fakeGroup, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[name]
	if !ok {
		return fakeGroup{}, false
	}
	return *g, true
}

// recorder is a ProcessObserver that counts notifications.
type recorder struct {
	mu         sync.Mutex
	spawns     []int
	terminates []ExitStatus
}

func (r *recorder) OnSpawn(_, _ string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawns = append(r.spawns, pid)
}

func (r *recorder) OnTerminate(_, _ string, status ExitStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminates = append(r.terminates, status)
}

func (r *recorder) counts() (spawns, terminates int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spawns), len(r.terminates)
}

// killRecorder forwards to the real kill unless disabled and remembers every call.
type killRecorder struct {
	mu      sync.Mutex
	calls   []killCall
	disable bool
}

type killCall struct {
	pid int
	sig syscall.Signal
}

func (k *killRecorder) kill(pid int, sig syscall.Signal) error {
	k.mu.Lock()
	k.calls = append(k.calls, killCall{pid, sig})
	disable := k.disable
	k.mu.Unlock()

	if disable {
		return nil
	}
	return unix.Kill(pid, sig)
}

func (k *killRecorder) sent(pid int, sig syscall.Signal) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, c := range k.calls {
		if c.pid == pid && c.sig == sig {
			return true
		}
	}
	return false
}

type stopFunc func(processID, sessionID string) bool

func (f stopFunc) SendStop(processID, sessionID string) bool { return f(processID, sessionID) }

func testOptions() Options {
	return Options{
		AvailableMemoryMB: 1000,
		ExitPollInterval:  10 * time.Millisecond,
		OOMWaitTimeout:    20 * time.Millisecond,
		StopTimeout:       2 * time.Second,
		TermTimeout:       2 * time.Second,
		KillTimeout:       2 * time.Second,
		GroupCleanupGrace: 200 * time.Millisecond,
		ReclaimTimeout:    5 * time.Second,
	}
}

func newTestManager(t *testing.T, opts Options, limiter ResourceLimiter, controller ProcessController, kill func(int, syscall.Signal) error) *ProcessManager {
	t.Helper()
	if kill == nil {
		kill = unix.Kill
	}
	m := newProcessManager(zaptest.NewLogger(t), opts, limiter, controller, kill)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func addProcess(t *testing.T, m *ProcessManager, id string) *Process {
	t.Helper()
	p, err := m.AddProcess(id, id+"-name", "session-"+id)
	require.NoError(t, err)
	return p
}

func spawn(t *testing.T, p *Process, cfg SpawnConfig) {
	t.Helper()
	outcome, err := p.Spawn(cfg)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, outcome)
}

func sleeper(mb int64) SpawnConfig {
	cfg := SpawnConfig{Path: "sleep", Args: []string{"30"}, InheritEnv: true}
	if mb > 0 {
		cfg.Limits = &Limits{MemoryMB: mb}
	}
	return cfg
}

func waitExit(t *testing.T, p *Process, d time.Duration) ExitStatus {
	t.Helper()
	status, ok := p.WaitForExitTimeout(d)
	require.True(t, ok, "process %s did not reach Terminated within %s", p.ID(), d)
	return status
}
