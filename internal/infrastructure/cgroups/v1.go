//go:build linux

package cgroups

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// V1Options configures the legacy-hierarchy backend.
type V1Options struct {
	// Parent is the directory under each controller mount that holds every group.
	Parent string `yaml:"parent" default:"procd"`
}

// V1 is the cgroup v1 ResourceLimiter. Memory limits are mandatory; the cpu
// controller is used when mounted.
//
// OOM reporting uses the memory controller's eventfd notification
// (cgroup.event_control + memory.oom_control) multiplexed on one epoll fd.
// ScanOOM falls back to reading under_oom and the oom_kill counter.
type V1 struct {
	log     *zap.Logger
	memRoot string
	cpuRoot string // empty without the cpu controller

	epfd int

	mu     sync.Mutex
	groups map[string]*v1Group
	byFD   map[int32]string // eventfd → group
}

type v1Group struct {
	paused  bool
	efd     int // eventfd, -1 when not monitored
	ofd     int // memory.oom_control, -1 when not monitored
	oomKill int64
}

func NewV1(log *zap.Logger, opts V1Options) (*V1, error) {
	mounts, err := readMountInfo(mountInfoPath)
	if err != nil {
		return nil, err
	}
	memMount, ok := controllerMount(mounts, "memory")
	if !ok {
		return nil, fmt.Errorf("cgroup v1 memory controller: %w", ErrNotMounted)
	}
	if opts.Parent == "" {
		opts.Parent = "procd"
	}

	v := &V1{
		log:     log.Named("cgroups.v1"),
		memRoot: filepath.Join(memMount, opts.Parent),
		groups:  make(map[string]*v1Group),
		byFD:    make(map[int32]string),
	}
	if cpuMount, ok := controllerMount(mounts, "cpu"); ok {
		v.cpuRoot = filepath.Join(cpuMount, opts.Parent)
	}

	for _, dir := range []string{v.memRoot, v.cpuRoot} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create parent cgroup: %w", err)
		}
	}

	v.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	v.log.Info("cgroup v1 backend ready", zap.String("memory", v.memRoot), zap.String("cpu", v.cpuRoot))
	return v, nil
}

// Close releases every OOM notification fd.
func (v *V1) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, g := range v.groups {
		v.unmonitorLocked(g)
	}
	return unix.Close(v.epfd)
}

func (v *V1) memDir(name string) string { return filepath.Join(v.memRoot, name) }

func (v *V1) cpuDir(name string) string {
	if v.cpuRoot == "" {
		return ""
	}
	return filepath.Join(v.cpuRoot, name)
}

func (v *V1) CreateGroup(name string, memLimitBytes, memSwapLimitBytes int64, cpuShares uint64, pauseOnOOM bool) (err error) {
	mem := v.memDir(name)
	if err := os.Mkdir(mem, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create cgroup %s: %w", name, err)
	}
	cpu := v.cpuDir(name)
	if cpu != "" {
		if err := os.Mkdir(cpu, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			_ = removeDir(mem)
			return fmt.Errorf("create cgroup %s: %w", name, err)
		}
	}

	defer func() {
		if err != nil {
			_ = v.removeDirs(name)
		}
	}()

	// A fresh group is unlimited, so memory first, then memory+swap.
	if err := writeInt(mem, "memory.limit_in_bytes", memLimitBytes); err != nil {
		return err
	}
	if err := v.writeMemSwap(mem, memSwapLimitBytes); err != nil {
		return err
	}
	if pauseOnOOM {
		if err := writeValue(mem, "memory.oom_control", "1"); err != nil {
			return err
		}
	}
	if cpu != "" && cpuShares > 0 {
		if err := writeValue(cpu, "cpu.shares", strconv.FormatUint(cpuShares, 10)); err != nil {
			return err
		}
	}

	v.mu.Lock()
	v.groups[name] = &v1Group{paused: pauseOnOOM, efd: -1, ofd: -1}
	v.mu.Unlock()
	return nil
}

// writeMemSwap tolerates kernels booted without swap accounting.
func (v *V1) writeMemSwap(dir string, limit int64) error {
	err := writeInt(dir, "memory.memsw.limit_in_bytes", limit)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (v *V1) removeDirs(name string) error {
	errs := []error{removeDir(v.memDir(name))}
	if cpu := v.cpuDir(name); cpu != "" {
		errs = append(errs, removeDir(cpu))
	}
	return errors.Join(errs...)
}

func (v *V1) DestroyGroup(name string) error {
	v.mu.Lock()
	if g, ok := v.groups[name]; ok {
		v.unmonitorLocked(g)
		delete(v.groups, name)
	}
	v.mu.Unlock()

	return v.removeDirs(name)
}

// JoinGroup is unsupported: v1 has no clone-time placement. The caller is
// expected to hold the child before exec and use AddProcess.
func (v *V1) JoinGroup(string, *syscall.SysProcAttr) (func(), error) {
	return nil, errors.ErrUnsupported
}

func (v *V1) AddProcess(name string, pid int) error {
	p := strconv.Itoa(pid)
	if err := writeValue(v.memDir(name), "cgroup.procs", p); err != nil {
		return err
	}
	if cpu := v.cpuDir(name); cpu != "" {
		return writeValue(cpu, "cgroup.procs", p)
	}
	return nil
}

// ChangeMemoryLimit keeps memsw >= limit at every step: when raising, the
// memory+swap ceiling moves first; when lowering, the memory ceiling does.
func (v *V1) ChangeMemoryLimit(name string, memLimitBytes, memSwapLimitBytes int64) error {
	dir := v.memDir(name)
	cur, err := readInt(dir, "memory.limit_in_bytes")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrGroupNotFound, name)
		}
		return err
	}

	raising := memLimitBytes < 0 || memLimitBytes > cur
	if raising {
		if err := v.writeMemSwap(dir, memSwapLimitBytes); err != nil {
			return err
		}
		return writeInt(dir, "memory.limit_in_bytes", memLimitBytes)
	}
	if err := writeInt(dir, "memory.limit_in_bytes", memLimitBytes); err != nil {
		return err
	}
	return v.writeMemSwap(dir, memSwapLimitBytes)
}

func (v *V1) MemoryUsage(name string) (used, usedAndSwap int64, err error) {
	dir := v.memDir(name)
	used, err = readInt(dir, "memory.usage_in_bytes")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%w: %s", ErrGroupNotFound, name)
		}
		return 0, 0, err
	}
	usedAndSwap, err = readInt(dir, "memory.memsw.usage_in_bytes")
	if err != nil {
		usedAndSwap = used
	}
	return used, usedAndSwap, nil
}

func (v *V1) MonitorOOM(name string, enable bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	g, ok := v.groups[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}
	if !enable {
		v.unmonitorLocked(g)
		return nil
	}
	if g.efd >= 0 {
		return nil
	}

	dir := v.memDir(name)
	ofd, err := unix.Open(filepath.Join(dir, "memory.oom_control"), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open memory.oom_control: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(ofd)
		return fmt.Errorf("eventfd: %w", err)
	}

	closeBoth := func() {
		_ = unix.Close(efd)
		_ = unix.Close(ofd)
	}
	if err := writeValue(dir, "cgroup.event_control", fmt.Sprintf("%d %d", efd, ofd)); err != nil {
		closeBoth()
		return err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(efd)}
	if err := unix.EpollCtl(v.epfd, unix.EPOLL_CTL_ADD, efd, &ev); err != nil {
		closeBoth()
		return fmt.Errorf("epoll_ctl: %w", err)
	}

	if counters, err := readKeyed(dir, "memory.oom_control"); err == nil {
		g.oomKill = counters["oom_kill"]
	}
	g.efd, g.ofd = efd, ofd
	v.byFD[int32(efd)] = name
	return nil
}

func (v *V1) unmonitorLocked(g *v1Group) {
	if g.efd < 0 {
		return
	}
	_ = unix.EpollCtl(v.epfd, unix.EPOLL_CTL_DEL, g.efd, nil)
	delete(v.byFD, int32(g.efd))
	_ = unix.Close(g.efd)
	_ = unix.Close(g.ofd)
	g.efd, g.ofd = -1, -1
}

func (v *V1) WaitForOOM(timeout time.Duration) ([]string, error) {
	events := make([]unix.EpollEvent, 16)
	n, err := unix.EpollWait(v.epfd, events, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	var buf [8]byte
	seen := make(map[string]struct{})

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, ev := range events[:n] {
		name, ok := v.byFD[ev.Fd]
		if !ok {
			continue // unmonitored between wait and lock
		}
		if _, err := unix.Read(int(ev.Fd), buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
			v.log.Debug("eventfd read failed", zap.String("group", name), zap.Error(err))
			continue
		}
		if binary.LittleEndian.Uint64(buf[:]) == 0 {
			continue
		}
		seen[name] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// ScanOOM reports monitored groups that are stalled at their ceiling
// (under_oom, paused groups) or had a kill since the last scan.
func (v *V1) ScanOOM() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []string
	for name, g := range v.groups {
		if g.efd < 0 {
			continue
		}
		counters, err := readKeyed(v.memDir(name), "memory.oom_control")
		if err != nil {
			continue
		}
		kills := counters["oom_kill"]
		if counters["under_oom"] == 1 || kills > g.oomKill {
			out = append(out, name)
		}
		g.oomKill = kills
	}
	sort.Strings(out)
	return out, nil
}

// Prune removes leftover groups named with prefix in every controller.
func (v *V1) Prune(prefix string) (int, error) {
	n, err := pruneChildren(v.log, v.memRoot, prefix)
	if err != nil || v.cpuRoot == "" {
		return n, err
	}
	_, err = pruneChildren(v.log, v.cpuRoot, prefix)
	return n, err
}
