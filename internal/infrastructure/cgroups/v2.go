//go:build linux

package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// V2Options configures the unified-hierarchy backend.
type V2Options struct {
	// Root is the cgroup2 mount point. Empty = detect from mountinfo.
	Root string `yaml:"root"`
	// Parent is the directory under Root that holds every group.
	Parent string `yaml:"parent" default:"procd"`
	// JoinAtClone places children into their group atomically at clone time
	// (CLONE_INTO_CGROUP, Linux 5.7+). When false the pid is moved after start.
	JoinAtClone bool `yaml:"join_at_clone" default:"true"`
}

// V2 is the cgroup v2 ResourceLimiter.
//
// OOM reporting watches each monitored group's memory.events with inotify
// and compares counters against the last values seen:
//   - oom, oom_kill – the group hit memory.max
//   - high          – the group hit memory.high; only for paused groups, where
//     memory.high carries the ceiling and memory.max is lifted
type V2 struct {
	log         *zap.Logger
	dirFor      func(name string) string
	manageDirs  bool // false when someone else (systemd) creates and removes dirs
	joinAtClone bool
	parentDir   string

	mu      sync.Mutex
	groups  map[string]*v2Group
	watched map[string]string // memory.events path → group
	watcher *fsnotify.Watcher
}

type v2Group struct {
	dir       string
	paused    bool
	monitored bool
	counts    map[string]int64 // last seen memory.events counters
}

// NewV2 sets up the parent group and enables the memory and cpu controllers
// for its children.
func NewV2(log *zap.Logger, opts V2Options) (*V2, error) {
	root := opts.Root
	if root == "" {
		mounts, err := readMountInfo(mountInfoPath)
		if err != nil {
			return nil, err
		}
		var ok bool
		if root, ok = unifiedMount(mounts); !ok {
			return nil, fmt.Errorf("cgroup2: %w", ErrNotMounted)
		}
	}

	controllers, err := os.ReadFile(filepath.Join(root, "cgroup.controllers"))
	if err != nil {
		return nil, fmt.Errorf("cgroup2 controllers: %w", err)
	}
	if !strings.Contains(string(controllers), "memory") {
		return nil, fmt.Errorf("cgroup2: memory controller unavailable at %s", root)
	}

	if opts.Parent == "" {
		opts.Parent = "procd"
	}
	parent := filepath.Join(root, opts.Parent)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("create parent cgroup: %w", err)
	}

	log = log.Named("cgroups.v2")
	// The root usually has these enabled already; only the parent matters.
	_ = writeValue(root, "cgroup.subtree_control", "+memory +cpu")
	if err := writeValue(parent, "cgroup.subtree_control", "+memory +cpu"); err != nil {
		log.Warn("cannot enable controllers on parent group", zap.String("path", parent), zap.Error(err))
	}

	v, err := newV2(log, func(name string) string { return filepath.Join(parent, name) }, true, opts.JoinAtClone)
	if err != nil {
		return nil, err
	}
	v.parentDir = parent
	log.Info("cgroup v2 backend ready", zap.String("parent", parent), zap.Bool("join_at_clone", opts.JoinAtClone))
	return v, nil
}

func newV2(log *zap.Logger, dirFor func(string) string, manageDirs, joinAtClone bool) (*V2, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("inotify watcher: %w", err)
	}
	return &V2{
		log:         log,
		dirFor:      dirFor,
		manageDirs:  manageDirs,
		joinAtClone: joinAtClone,
		groups:      make(map[string]*v2Group),
		watched:     make(map[string]string),
		watcher:     w,
	}, nil
}

// Close stops OOM watching.
func (v *V2) Close() error { return v.watcher.Close() }

// Dir returns the group's directory.
func (v *V2) Dir(name string) string { return v.dirFor(name) }

func (v *V2) CreateGroup(name string, memLimitBytes, memSwapLimitBytes int64, cpuShares uint64, pauseOnOOM bool) error {
	dir := v.dirFor(name)
	if v.manageDirs {
		if err := os.Mkdir(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create cgroup %s: %w", name, err)
		}
	}

	err := v.applyMemory(dir, memLimitBytes, memSwapLimitBytes, pauseOnOOM)
	if err == nil && cpuShares > 0 {
		err = writeValue(dir, "cpu.weight", strconv.FormatUint(sharesToWeight(cpuShares), 10))
	}
	if err != nil {
		if v.manageDirs {
			_ = removeDir(dir)
		}
		return fmt.Errorf("configure cgroup %s: %w", name, err)
	}

	v.adopt(name, pauseOnOOM)
	return nil
}

// adopt starts tracking a group whose directory already exists.
func (v *V2) adopt(name string, paused bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.groups[name] = &v2Group{dir: v.dirFor(name), paused: paused}
}

// forget stops tracking a group and its OOM watch.
func (v *V2) forget(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	g, ok := v.groups[name]
	if !ok {
		return
	}
	v.unwatchLocked(g)
	delete(v.groups, name)
}

func (v *V2) applyMemory(dir string, memLimit, memSwapLimit int64, paused bool) error {
	limit := "max"
	if memLimit >= 0 {
		limit = strconv.FormatInt(memLimit, 10)
	}

	if paused {
		if err := writeValue(dir, "memory.max", "max"); err != nil {
			return err
		}
		if err := writeValue(dir, "memory.high", limit); err != nil {
			return err
		}
	} else {
		if err := writeValue(dir, "memory.high", "max"); err != nil {
			return err
		}
		if err := writeValue(dir, "memory.max", limit); err != nil {
			return err
		}
	}

	// v2 accounts swap separately from memory.
	if memLimit >= 0 && memSwapLimit >= memLimit {
		if err := writeInt(dir, "memory.swap.max", memSwapLimit-memLimit); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (v *V2) DestroyGroup(name string) error {
	v.forget(name)
	if !v.manageDirs {
		return nil
	}
	return removeDir(v.dirFor(name))
}

func (v *V2) JoinGroup(name string, attr *syscall.SysProcAttr) (func(), error) {
	if !v.joinAtClone {
		return nil, errors.ErrUnsupported
	}

	fd, err := unix.Open(v.dirFor(name), unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open cgroup %s: %w", name, err)
	}

	attr.UseCgroupFD = true
	attr.CgroupFD = fd
	return func() { _ = unix.Close(fd) }, nil
}

func (v *V2) AddProcess(name string, pid int) error {
	return writeValue(v.dirFor(name), "cgroup.procs", strconv.Itoa(pid))
}

func (v *V2) ChangeMemoryLimit(name string, memLimitBytes, memSwapLimitBytes int64) error {
	v.mu.Lock()
	g, ok := v.groups[name]
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}
	return v.applyMemory(g.dir, memLimitBytes, memSwapLimitBytes, g.paused)
}

func (v *V2) MemoryUsage(name string) (used, usedAndSwap int64, err error) {
	dir := v.dirFor(name)
	used, err = readInt(dir, "memory.current")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%w: %s", ErrGroupNotFound, name)
		}
		return 0, 0, err
	}
	swap, err := readInt(dir, "memory.swap.current")
	if err != nil {
		swap = 0 // no swap accounting
	}
	return used, used + swap, nil
}

func (v *V2) MonitorOOM(name string, enable bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	g, ok := v.groups[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}

	if !enable {
		v.unwatchLocked(g)
		return nil
	}
	if g.monitored {
		return nil
	}

	counts, err := readKeyed(g.dir, "memory.events")
	if err != nil {
		return err
	}
	path := filepath.Join(g.dir, "memory.events")
	if err := v.watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	g.counts = counts
	g.monitored = true
	v.watched[path] = name
	return nil
}

func (v *V2) unwatchLocked(g *v2Group) {
	if !g.monitored {
		return
	}
	path := filepath.Join(g.dir, "memory.events")
	_ = v.watcher.Remove(path)
	delete(v.watched, path)
	g.monitored = false
}

// WaitForOOM blocks until some watched memory.events file changes or timeout
// passes, then reports every monitored group whose OOM counters moved.
func (v *V2) WaitForOOM(timeout time.Duration) ([]string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case _, ok := <-v.watcher.Events:
		if !ok {
			return nil, errors.New("oom watcher closed")
		}
	case err, ok := <-v.watcher.Errors:
		if !ok {
			return nil, errors.New("oom watcher closed")
		}
		return nil, fmt.Errorf("oom watcher: %w", err)
	case <-timer.C:
		return nil, nil
	}

	// Coalesce a burst of notifications into one scan.
	for drained := false; !drained; {
		select {
		case <-v.watcher.Events:
		default:
			drained = true
		}
	}
	return v.ScanOOM()
}

func (v *V2) ScanOOM() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var flagged []string
	for name, g := range v.groups {
		if !g.monitored {
			continue
		}
		counts, err := readKeyed(g.dir, "memory.events")
		if err != nil {
			v.log.Debug("memory.events unreadable", zap.String("group", name), zap.Error(err))
			continue
		}
		if g.oomSince(counts) {
			flagged = append(flagged, name)
		}
		g.counts = counts
	}
	sort.Strings(flagged)
	return flagged, nil
}

func (g *v2Group) oomSince(counts map[string]int64) bool {
	if counts["oom"] > g.counts["oom"] || counts["oom_kill"] > g.counts["oom_kill"] {
		return true
	}
	return g.paused && counts["high"] > g.counts["high"]
}

// Prune removes leftover groups named with prefix, e.g. from a crashed run.
func (v *V2) Prune(prefix string) (int, error) {
	if !v.manageDirs || v.parentDir == "" {
		return 0, nil
	}
	return pruneChildren(v.log, v.parentDir, prefix)
}
