//go:build linux

package processmgr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var (
	ErrInvalidProcess = errors.New("invalid process: id and name are required")
	ErrProcessExists  = errors.New("process id already registered")
	ErrGroupInUse     = errors.New("resource-limit group already owned by another process")
)

// ProcessManager owns every Process, the shared memory pool and the optional
// resource limiter. It is safe for concurrent use.
//
// Background work, for the manager's whole lifetime:
//   - exit monitor – polls live pids, reaps exits, releases their resources
//   - OOM monitor  – only with a limiter; kills or lends memory to groups at their ceiling
//
// Tables (guarded by mu):
//   - procs  – process id → Process
//   - pids   – OS pid → Process, exactly the live processes
//   - groups – resource-limit group → Process, while the group exists
//   - orphans – pids abandoned as uninterruptable, reaped silently if they ever exit
type ProcessManager struct {
	log        *zap.Logger
	opts       Options
	mem        *MemoryTracker
	outputs    *OutputManager
	limiter    ResourceLimiter
	controller ProcessController
	kill       func(pid int, sig syscall.Signal) error

	mu      sync.Mutex
	procs   map[string]*Process
	pids    map[int]*Process
	groups  map[string]*Process
	orphans map[int]string

	ctx       context.Context
	cancel    context.CancelFunc
	loops     *errgroup.Group
	cleanups  sync.WaitGroup // group cleanups in flight
	closeOnce sync.Once
}

// NewProcessManager constructs the manager and starts its monitor loops.
// limiter and controller are optional.
func NewProcessManager(log *zap.Logger, opts Options, limiter ResourceLimiter, controller ProcessController) *ProcessManager {
	return newProcessManager(log, opts, limiter, controller, unix.Kill)
}

func newProcessManager(
	log *zap.Logger,
	opts Options,
	limiter ResourceLimiter,
	controller ProcessController,
	kill func(pid int, sig syscall.Signal) error,
) *ProcessManager {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("process-manager")
	opts = opts.withDefaults()

	if opts.AvailableMemoryMB <= 0 {
		mb, err := DetectMemoryMB()
		if err != nil {
			log.Warn("cannot detect memory; admission is unbounded", zap.Error(err))
			mb = math.MaxInt32
		}
		opts.AvailableMemoryMB = mb
	}

	m := &ProcessManager{
		log:        log,
		opts:       opts,
		mem:        NewMemoryTracker(opts.AvailableMemoryMB),
		outputs:    NewOutputManager(),
		limiter:    limiter,
		controller: controller,
		kill:       kill,
		procs:      make(map[string]*Process),
		pids:       make(map[int]*Process),
		groups:     make(map[string]*Process),
		orphans:    make(map[int]string),
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(m.ctx)
	m.loops = g

	g.Go(func() error { m.exitLoop(ctx); return nil })
	if limiter != nil {
		g.Go(func() error { m.oomLoop(ctx); return nil })
	}

	log.Info("process manager started",
		zap.Int64("available_mb", opts.AvailableMemoryMB),
		zap.Bool("lend_memory", opts.LendMemory),
		zap.Bool("limiter", limiter != nil))
	return m
}

// Options returns the effective options, defaults applied.
func (m *ProcessManager) Options() Options { return m.opts }

// Limiter returns the configured limiter, or nil.
func (m *ProcessManager) Limiter() ResourceLimiter { return m.limiter }

// Memory returns the shared pool counters.
func (m *ProcessManager) Memory() MemorySnapshot { return m.mem.Snapshot() }

// OutputBuffer returns the capture buffer for id, creating it if needed.
// Pass it as SpawnConfig.Output to keep the process's recent output.
func (m *ProcessManager) OutputBuffer(id string) *OutputBuffer { return m.outputs.Get(id) }

// Output returns the capture buffer for id if anything was ever captured.
func (m *ProcessManager) Output(id string) (*OutputBuffer, bool) { return m.outputs.Lookup(id) }

// AddProcess registers a new NotSpawned process. id and name must be non-empty
// and id must be unique.
func (m *ProcessManager) AddProcess(id, name, sessionID string) (*Process, error) {
	if id == "" || name == "" {
		return nil, fmt.Errorf("%w (id=%q name=%q)", ErrInvalidProcess, id, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.procs[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrProcessExists, id)
	}

	p := newProcess(m, id, name, sessionID)
	for _, other := range m.procs {
		if other.group == p.group {
			return nil, fmt.Errorf("%w: %s (owner %s)", ErrGroupInUse, p.group, other.id)
		}
	}
	m.procs[id] = p
	return p, nil
}

// Process looks up a registered process.
func (m *ProcessManager) Process(id string) (*Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	return p, ok
}

// Processes returns every registered process ordered by id.
func (m *ProcessManager) Processes() []*Process {
	m.mu.Lock()
	out := make([]*Process, 0, len(m.procs))
	for _, p := range m.procs {
		out = append(out, p)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// RemoveProcess fast-terminates the process, waits until it is Terminated and
// drops it from the registry. It returns false for an unknown id.
// A process that had to be abandoned leaves with ProcessDeleted, since no
// exit was ever observed for it.
func (m *ProcessManager) RemoveProcess(id string) bool {
	p, ok := m.Process(id)
	if !ok {
		return false
	}

	for p.State() != StateTerminated {
		p.Terminate(true)
		<-p.Done()
	}

	p.markDeleted()

	m.mu.Lock()
	if m.procs[id] == p {
		delete(m.procs, id)
	}
	m.mu.Unlock()
	m.outputs.Drop(id)

	m.log.Info("process removed", zap.String("process_id", id), zap.Stringer("exit", p.ExitStatus()))
	return true
}

// Close fast-terminates every process, waits for them, and stops the loops.
func (m *ProcessManager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		procs := m.Processes()
		for _, p := range procs {
			p.Terminate(true)
		}
		for _, p := range procs {
			<-p.Done()
			p.settle()
		}

		m.cancel()
		err = m.loops.Wait()
		m.cleanups.Wait()
		m.log.Info("process manager stopped")
	})
	return err
}

// ---- spawn hooks (called with the Process lock held) -----------------------

// preSpawn reserves memory and creates the resource-limit group.
func (m *ProcessManager) preSpawn(p *Process, cfg SpawnConfig) {
	var staleErr error
	if p.staleGroup && m.limiter != nil {
		if staleErr = m.limiter.DestroyGroup(p.group); staleErr == nil {
			p.staleGroup = false
		}
	}

	if cfg.Limits == nil {
		return
	}

	want := cfg.memoryMB()
	granted := m.reserveMemory(p, want)
	p.reservedMB.Store(granted)

	if m.limiter == nil {
		return
	}
	if p.staleGroup {
		p.log.Warn("previous resource-limit group still present; running without enforcement",
			zap.String("group", p.group), zap.Error(staleErr))
		return
	}

	// The kernel ceiling follows the grant. A zero grant still gets the
	// requested size: a zero-byte ceiling would kill the child on its
	// first allocation.
	limitMB := granted
	if limitMB == 0 {
		limitMB = want
	}
	limitBytes := int64(-1) // unlimited
	if limitMB > 0 {
		limitBytes = limitMB << 20
	}

	if err := m.limiter.CreateGroup(p.group, limitBytes, limitBytes, cfg.Limits.CPUShares, m.opts.LendMemory); err != nil {
		p.log.Warn("resource-limit group creation failed; running without enforcement",
			zap.String("group", p.group), zap.Error(err))
		return
	}

	p.groupExists = true
	p.limitMB = limitMB

	m.mu.Lock()
	m.groups[p.group] = p
	m.mu.Unlock()

	if err := m.limiter.MonitorOOM(p.group, true); err != nil {
		p.log.Warn("OOM monitoring unavailable", zap.String("group", p.group), zap.Error(err))
	}
}

// prepareChild makes the child join its group at creation when the limiter
// supports it. joined=false means spawned must add the pid afterwards.
func (m *ProcessManager) prepareChild(p *Process, attr *syscall.SysProcAttr) (joined bool, release func()) {
	if !p.groupExists {
		return false, nil
	}

	release, err := m.limiter.JoinGroup(p.group, attr)
	if err != nil {
		if !errors.Is(err, errors.ErrUnsupported) {
			p.log.Warn("cannot join group at creation; adding after start",
				zap.String("group", p.group), zap.Error(err))
		}
		return false, nil
	}
	return true, release
}

// spawnFailed undoes preSpawn.
func (m *ProcessManager) spawnFailed(p *Process) {
	m.releaseResources(p)
}

// spawned registers a freshly created pid for reaping.
func (m *ProcessManager) spawned(p *Process, pid int, joined bool) {
	m.mu.Lock()
	m.pids[pid] = p
	m.mu.Unlock()

	if p.groupExists && !joined {
		if err := m.limiter.AddProcess(p.group, pid); err != nil {
			p.log.Warn("adding process to group failed; limits not enforced",
				zap.String("group", p.group), zap.Int("pid", pid), zap.Error(err))
		}
	}
}

// exited is the exit hook: unregister the pid and release its resources.
func (m *ProcessManager) exited(p *Process, pid int) {
	m.mu.Lock()
	delete(m.pids, pid)
	m.mu.Unlock()

	m.releaseResources(p)
}

// abandoned moves an unkillable pid out of the live table into the orphan set.
func (m *ProcessManager) abandoned(p *Process, pid int) {
	m.mu.Lock()
	delete(m.pids, pid)
	if pid != 0 {
		m.orphans[pid] = p.id
	}
	m.mu.Unlock()

	m.releaseResources(p)
}

// releaseResources returns reserved and borrowed memory and destroys the
// group. The atomic swaps make a second call a no-op, so a reservation is
// undone exactly once whichever path gets here first.
func (m *ProcessManager) releaseResources(p *Process) {
	if mb := p.reservedMB.Swap(0); mb > 0 {
		m.mem.Release(mb)
	}
	if mb := p.borrowedMB.Swap(0); mb > 0 {
		m.mem.Repay(mb)
	}

	if !p.groupExists {
		return
	}
	p.groupExists = false
	p.limitMB = 0

	m.mu.Lock()
	delete(m.groups, p.group)
	m.mu.Unlock()

	if err := m.limiter.MonitorOOM(p.group, false); err != nil {
		p.log.Debug("disabling OOM monitoring failed", zap.String("group", p.group), zap.Error(err))
	}
	if err := m.limiter.DestroyGroup(p.group); err != nil {
		p.staleGroup = true
		p.log.Warn("resource-limit group destroy failed", zap.String("group", p.group), zap.Error(err))
	}
}

// retryStaleGroup destroys a group whose exit-time destroy failed, provided
// the process has not been respawned since.
func (m *ProcessManager) retryStaleGroup(p *Process) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.staleGroup || p.State() != StateTerminated || m.limiter == nil {
		return
	}
	if err := m.limiter.DestroyGroup(p.group); err != nil {
		p.log.Warn("resource-limit group still busy", zap.String("group", p.group), zap.Error(err))
		return
	}
	p.staleGroup = false
}

// ---- memory policy ---------------------------------------------------------

// reserveMemory admits want MB for p and returns the granted amount.
//
// When the pool is short and lending is enabled, borrowers are killed one at
// a time, largest first, until the deficit is covered or none is left.
// Whatever deficit remains is dropped: the process starts with a smaller
// reservation rather than not at all.
func (m *ProcessManager) reserveMemory(p *Process, want int64) int64 {
	deficit := m.mem.Reserve(want)
	if deficit > 0 && m.opts.LendMemory {
		deficit = m.reclaimBorrowed(p, deficit)
	}

	granted := want - deficit
	if deficit > 0 {
		p.log.Warn("memory pool short; reservation capped",
			zap.Int64("requested_mb", want),
			zap.Int64("granted_mb", granted),
			zap.Int64("deficit_mb", deficit))
	}
	return granted
}

func (m *ProcessManager) reclaimBorrowed(p *Process, deficit int64) int64 {
	tried := make(map[*Process]struct{})

	for deficit > 0 {
		victim := m.largestBorrower(p, tried)
		if victim == nil {
			break
		}
		tried[victim] = struct{}{}

		p.log.Warn("reclaiming borrowed memory by killing borrower",
			zap.String("victim", victim.id),
			zap.Int64("borrowed_mb", victim.BorrowedMB()),
			zap.Int64("deficit_mb", deficit))

		victim.Terminate(true)
		if _, ok := victim.WaitForExitTimeout(m.opts.ReclaimTimeout); !ok {
			p.log.Warn("borrower did not exit in time", zap.String("victim", victim.id))
		}

		deficit = m.mem.Reserve(deficit)
	}
	return deficit
}

// largestBorrower picks the live process, other than self, with the biggest
// borrowed amount. Reads only atomics so it never takes another Process lock.
func (m *ProcessManager) largestBorrower(self *Process, skip map[*Process]struct{}) *Process {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		best     *Process
		bestSize int64
	)
	for _, p := range m.procs {
		if p == self || !p.State().live() {
			continue
		}
		if _, ok := skip[p]; ok {
			continue
		}
		if b := p.borrowedMB.Load(); b > bestSize {
			best, bestSize = p, b
		}
	}
	return best
}

// lend raises p's ceiling by one borrow step. false means nothing was lent.
func (m *ProcessManager) lend(p *Process) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != StateSpawned || !p.groupExists {
		return false
	}

	granted := m.mem.Borrow(m.opts.BorrowStepMB)
	if granted == 0 {
		return false
	}

	newLimit := p.limitMB + granted
	bytes := newLimit << 20
	if err := m.limiter.ChangeMemoryLimit(p.group, bytes, bytes); err != nil {
		m.mem.Repay(granted)
		p.log.Warn("raising memory ceiling failed", zap.String("group", p.group), zap.Error(err))
		return false
	}

	p.borrowedMB.Add(granted)
	p.limitMB = newLimit
	p.log.Info("lent memory after OOM",
		zap.Int64("lent_mb", granted),
		zap.Int64("borrowed_mb", p.borrowedMB.Load()),
		zap.Int64("limit_mb", newLimit))
	return true
}

// groupName derives the resource-limit group name from a process id.
// The result only holds [A-Za-z0-9_] so it is also a valid systemd slice
// component. The id is escaped, not folded: '_' becomes "__" and any other
// byte becomes '_' plus two lowercase hex digits, so distinct ids never
// share a group.
func groupName(prefix, id string) string {
	const hex = "0123456789abcdef"

	var b strings.Builder
	b.Grow(len(prefix) + len(id))
	b.WriteString(prefix)
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '_':
			b.WriteString("__")
		default:
			b.WriteByte('_')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}
