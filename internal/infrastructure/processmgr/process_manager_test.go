//go:build linux

package processmgr

import (
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"
)

func TestAddProcess(t *testing.T) {
	m := newTestManager(t, testOptions(), nil, nil, nil)

	_, err := m.AddProcess("", "name", "")
	assert.ErrorIs(t, err, ErrInvalidProcess)
	_, err = m.AddProcess("id", "", "")
	assert.ErrorIs(t, err, ErrInvalidProcess)

	addProcess(t, m, "b")
	addProcess(t, m, "a")
	_, err = m.AddProcess("a", "again", "")
	assert.ErrorIs(t, err, ErrProcessExists)

	var ids []string
	for _, p := range m.Processes() {
		ids = append(ids, p.ID())
	}
	assert.Equal(t, []string{"a", "b"}, ids)

	p, ok := m.Process("a")
	require.True(t, ok)
	assert.Equal(t, StateNotSpawned, p.State())
}

func TestRemoveProcess(t *testing.T) {
	m := newTestManager(t, testOptions(), newFakeLimiter(), nil, nil)
	p := addProcess(t, m, "job")
	cfg := sleeper(100)
	cfg.Output = m.OutputBuffer("job")
	spawn(t, p, cfg)

	assert.True(t, m.RemoveProcess("job"))
	assert.Equal(t, StateTerminated, p.State())
	assert.Zero(t, m.Memory().ReservedMB)

	_, ok := m.Process("job")
	assert.False(t, ok)
	_, ok = m.Output("job")
	assert.False(t, ok)
	assert.False(t, m.RemoveProcess("job"))

	// The id is free again.
	addProcess(t, m, "job")
}

func TestAdmissionCapsReservation(t *testing.T) {
	for _, lend := range []bool{false, true} {
		t.Run(map[bool]string{false: "no lending", true: "lending without borrowers"}[lend], func(t *testing.T) {
			opts := testOptions()
			opts.LendMemory = lend
			lim := newFakeLimiter()
			m := newTestManager(t, opts, lim, nil, nil)

			a := addProcess(t, m, "a")
			spawn(t, a, sleeper(700))
			assert.Equal(t, int64(700), a.ReservedMB())
			assert.Equal(t, int64(700), m.Memory().ReservedMB)

			b := addProcess(t, m, "b")
			spawn(t, b, sleeper(500))
			assert.Equal(t, int64(300), b.ReservedMB(), "best-effort degrade to what is left")
			assert.Equal(t, int64(1000), m.Memory().ReservedMB)
			assert.Equal(t, StateSpawned, a.State(), "nobody is killed to make room")

			g, ok := lim.group(b.GroupName())
			require.True(t, ok)
			assert.Equal(t, int64(300)<<20, g.memLimit, "the kernel ceiling follows the grant")
			assert.Equal(t, lend, g.pauseOnOOM)
			assert.Equal(t, []int{b.Pid()}, g.pids)
			assert.True(t, g.monitored)
		})
	}
}

func TestZeroGrantKeepsRequestedCeiling(t *testing.T) {
	lim := newFakeLimiter()
	opts := testOptions()
	opts.AvailableMemoryMB = 100
	m := newTestManager(t, opts, lim, nil, nil)

	spawn(t, addProcess(t, m, "a"), sleeper(100))
	b := addProcess(t, m, "b")
	spawn(t, b, sleeper(50))

	assert.Zero(t, b.ReservedMB())
	g, ok := lim.group(b.GroupName())
	require.True(t, ok)
	assert.Equal(t, int64(50)<<20, g.memLimit)
}

func TestUnlimitedProcessHasNoGroup(t *testing.T) {
	lim := newFakeLimiter()
	m := newTestManager(t, testOptions(), lim, nil, nil)
	p := addProcess(t, m, "free")
	spawn(t, p, sleeper(0))

	_, ok := lim.group(p.GroupName())
	assert.False(t, ok)
	assert.Zero(t, m.Memory().ReservedMB)
}

func TestCPUOnlyLimits(t *testing.T) {
	lim := newFakeLimiter()
	m := newTestManager(t, testOptions(), lim, nil, nil)
	p := addProcess(t, m, "cpu")

	cfg := sleeper(0)
	cfg.Limits = &Limits{CPUShares: 512}
	spawn(t, p, cfg)

	g, ok := lim.group(p.GroupName())
	require.True(t, ok)
	assert.Equal(t, uint64(512), g.cpuShares)
	assert.Equal(t, int64(-1), g.memLimit, "no memory request means no memory ceiling")
}

func TestExitReleasesResources(t *testing.T) {
	lim := newFakeLimiter()
	m := newTestManager(t, testOptions(), lim, nil, nil)
	p := addProcess(t, m, "job")
	spawn(t, p, SpawnConfig{Path: "sh", Args: []string{"-c", "exit 0"}, InheritEnv: true, Limits: &Limits{MemoryMB: 256}})

	waitExit(t, p, 5*time.Second)
	assert.Zero(t, m.Memory().ReservedMB)
	_, ok := lim.group(p.GroupName())
	assert.False(t, ok)
	assert.False(t, p.Info().GroupExists)
}

func TestOOMKillsWithoutLending(t *testing.T) {
	lim := newFakeLimiter()
	m := newTestManager(t, testOptions(), lim, nil, nil)
	p := addProcess(t, m, "hog")
	spawn(t, p, sleeper(200))

	lim.triggerOOM(p.GroupName())
	status := waitExit(t, p, 5*time.Second)
	assert.Equal(t, ExitStatus{Type: ExitSignal, Code: int(syscall.SIGKILL)}, status)
	assert.Zero(t, m.Memory().ReservedMB)
}

func TestOOMLendsMemory(t *testing.T) {
	opts := testOptions()
	opts.LendMemory = true
	opts.BorrowStepMB = 128
	lim := newFakeLimiter()
	m := newTestManager(t, opts, lim, nil, nil)

	p := addProcess(t, m, "hog")
	spawn(t, p, sleeper(200))

	lim.triggerOOM(p.GroupName())
	require.Eventually(t, func() bool { return p.BorrowedMB() == 128 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateSpawned, p.State())
	g, _ := lim.group(p.GroupName())
	assert.Equal(t, int64(328)<<20, g.memLimit)
	assert.Equal(t, MemorySnapshot{AvailableMB: 1000, ReservedMB: 200, BorrowedMB: 128}, m.Memory())

	p.Terminate(true)
	waitExit(t, p, 5*time.Second)
	assert.Equal(t, MemorySnapshot{AvailableMB: 1000}, m.Memory(), "reservation and loan both returned")
}

func TestOOMKillsWhenPoolExhausted(t *testing.T) {
	opts := testOptions()
	opts.LendMemory = true
	opts.AvailableMemoryMB = 250
	opts.BorrowStepMB = 128
	lim := newFakeLimiter()
	m := newTestManager(t, opts, lim, nil, nil)

	p := addProcess(t, m, "hog")
	spawn(t, p, sleeper(200))

	lim.triggerOOM(p.GroupName())
	status := waitExit(t, p, 5*time.Second)
	assert.Equal(t, ExitSignal, status.Type)
	assert.Zero(t, p.BorrowedMB())
}

func TestOOMForUnknownGroupIsIgnored(t *testing.T) {
	lim := newFakeLimiter()
	m := newTestManager(t, testOptions(), lim, nil, nil)
	p := addProcess(t, m, "job")
	spawn(t, p, sleeper(100))

	lim.triggerOOM("procd_somebody_else")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateSpawned, p.State())
}

func TestAdmissionReclaimsFromBorrowers(t *testing.T) {
	opts := testOptions()
	opts.LendMemory = true
	opts.BorrowStepMB = 400
	lim := newFakeLimiter()
	m := newTestManager(t, opts, lim, nil, nil)

	a := addProcess(t, m, "a")
	spawn(t, a, sleeper(600))
	lim.triggerOOM(a.GroupName())
	require.Eventually(t, func() bool { return a.BorrowedMB() == 400 }, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, m.Memory().FreeMB())

	b := addProcess(t, m, "b")
	spawn(t, b, sleeper(300))

	assert.Equal(t, StateTerminated, a.State(), "the borrower was killed to cover the deficit")
	assert.Equal(t, int64(300), b.ReservedMB())
	assert.Equal(t, MemorySnapshot{AvailableMB: 1000, ReservedMB: 300}, m.Memory())
}

func TestCloseTerminatesEverything(t *testing.T) {
	m := newProcessManager(nil, testOptions(), newFakeLimiter(), nil, unix.Kill)
	a, err := m.AddProcess("a", "a", "")
	require.NoError(t, err)
	b, err := m.AddProcess("b", "b", "")
	require.NoError(t, err)
	spawn(t, a, sleeper(100))

	require.NoError(t, m.Close())
	assert.Equal(t, StateTerminated, a.State())
	assert.Equal(t, internalExit(NotSpawned), b.ExitStatus())
	assert.NoError(t, m.Close(), "close is idempotent")
}

func TestGroupName(t *testing.T) {
	assert.Equal(t, "procd_job", groupName("procd_", "job"))
	assert.Equal(t, "procd_job_2d1", groupName("procd_", "job-1"))
	assert.Equal(t, "procd_job__1", groupName("procd_", "job_1"))
	assert.Equal(t, "procd_a_2fb_2ec", groupName("procd_", "a/b.c"))
	assert.Equal(t, "x_Z9___c3_a9", groupName("x_", "Z9_é"))

	seen := make(map[string]string)
	for _, id := range []string{"a_b", "a-b", "a.b", "a/b", "a__b", "a_5fb", "a_2db", "a b"} {
		name := groupName("procd_", id)
		prev, dup := seen[name]
		assert.False(t, dup, "%q and %q share group %q", id, prev, name)
		seen[name] = id
	}
}

func TestLookalikeIDsKeepSeparateGroups(t *testing.T) {
	lim := newFakeLimiter()
	m := newTestManager(t, testOptions(), lim, nil, nil)

	a := addProcess(t, m, "job-1")
	b := addProcess(t, m, "job_1")
	require.NotEqual(t, a.GroupName(), b.GroupName())

	spawn(t, a, sleeper(100))
	spawn(t, b, sleeper(100))
	require.True(t, m.RemoveProcess("job-1"))

	// b keeps its group, its limits and its OOM handling.
	assert.Equal(t, StateSpawned, b.State())
	assert.True(t, b.Info().GroupExists)
	g, ok := lim.group(b.GroupName())
	require.True(t, ok)
	assert.True(t, g.monitored)
	assert.Equal(t, []int{b.Pid()}, g.pids)

	m.mu.Lock()
	owner := m.groups[b.GroupName()]
	m.mu.Unlock()
	assert.Same(t, b, owner)

	lim.triggerOOM(b.GroupName())
	status := waitExit(t, b, 5*time.Second)
	assert.Equal(t, ExitStatus{Type: ExitSignal, Code: int(syscall.SIGKILL)}, status)
}

func TestAddProcessRejectsTakenGroup(t *testing.T) {
	m := newTestManager(t, testOptions(), nil, nil, nil)
	a := addProcess(t, m, "job")

	// Only reachable through a clash in the name mapping; plant one.
	clash := newProcess(m, "other", "other", "")
	clash.group = a.GroupName()
	m.mu.Lock()
	delete(m.procs, "job")
	m.procs["other"] = clash
	m.mu.Unlock()

	_, err := m.AddProcess("job", "job", "")
	assert.ErrorIs(t, err, ErrGroupInUse)
}

func TestStaleGroupSkipsEnforcementLoudly(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	lim := newFakeLimiter()
	m := newProcessManager(zap.New(core), testOptions(), lim, nil, unix.Kill)
	t.Cleanup(func() { require.NoError(t, m.Close()) })

	p, err := m.AddProcess("job", "job", "")
	require.NoError(t, err)

	lim.setFailDestroy(true)
	spawn(t, p, SpawnConfig{Path: "sh", Args: []string{"-c", "exit 0"}, InheritEnv: true, Limits: &Limits{MemoryMB: 64}})
	waitExit(t, p, 5*time.Second)
	require.NoError(t, p.Reset())

	spawn(t, p, sleeper(64))
	assert.Equal(t, 1, lim.createdCount(), "the busy group is not recreated")
	assert.False(t, p.Info().GroupExists)
	assert.Equal(t, int64(64), p.ReservedMB(), "admission still applies")

	entries := logs.FilterMessage("previous resource-limit group still present; running without enforcement").All()
	require.Len(t, entries, 1)
	assert.Equal(t, p.GroupName(), entries[0].ContextMap()["group"])

	lim.setFailDestroy(false)
	p.Terminate(true)
	waitExit(t, p, 5*time.Second)
}

// Many processes spawn, exit, get terminated and hit OOM at once. Once they
// have all settled, the pid table is empty, every group is gone and the pool
// is whole; while they run the pool is never overcommitted.
func TestConcurrentLifecyclesKeepTablesConsistent(t *testing.T) {
	opts := testOptions()
	opts.LendMemory = true
	opts.BorrowStepMB = 64
	lim := newFakeLimiter()
	m := newTestManager(t, opts, lim, nil, nil)

	const (
		workers = 8
		rounds  = 6
	)

	done := make(chan struct{})
	injector := make(chan struct{})
	go func() {
		defer close(injector)
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			case <-time.After(2 * time.Millisecond):
			}

			snap := m.Memory()
			assert.LessOrEqual(t, snap.ReservedMB+snap.BorrowedMB, snap.AvailableMB)

			procs := m.Processes()
			if len(procs) == 0 {
				continue
			}
			select {
			case lim.oom <- procs[i%len(procs)].GroupName():
			default:
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				p, err := m.AddProcess(fmt.Sprintf("w%d-%d", w, r), "stress", "")
				if !assert.NoError(t, err) {
					return
				}

				cfg := SpawnConfig{Path: "sh", Args: []string{"-c", "exit 0"}, InheritEnv: true, Limits: &Limits{MemoryMB: 50}}
				long := r%2 == 1
				if long {
					cfg = sleeper(50)
				}
				if _, err := p.Spawn(cfg); !assert.NoError(t, err) {
					return
				}
				if long {
					time.Sleep(time.Duration(w) * time.Millisecond)
					p.Terminate(true)
				}
				_, ok := p.WaitForExitTimeout(10 * time.Second)
				assert.True(t, ok, "%s did not settle", p.ID())
			}
		}(w)
	}
	wg.Wait()
	close(done)
	<-injector

	for _, p := range m.Processes() {
		assert.Equal(t, StateTerminated, p.State(), p.ID())
		assert.False(t, p.Info().GroupExists, p.ID())
	}

	m.mu.Lock()
	assert.Empty(t, m.pids)
	assert.Empty(t, m.groups)
	m.mu.Unlock()

	assert.Equal(t, MemorySnapshot{AvailableMB: opts.AvailableMemoryMB}, m.Memory())
	lim.mu.Lock()
	assert.Empty(t, lim.groups)
	lim.mu.Unlock()
}
