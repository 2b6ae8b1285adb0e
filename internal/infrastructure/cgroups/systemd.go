//go:build linux

package cgroups

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// SystemdOptions configures the systemd-slice backend.
type SystemdOptions struct {
	// Slice is the parent slice; every group becomes a child slice of it.
	Slice       string `yaml:"slice" default:"procd.slice"`
	JoinAtClone bool   `yaml:"join_at_clone" default:"true"`
}

// Systemd creates one transient slice per group so that limits are owned by
// systemd and visible in systemctl. Limit changes go through
// SetUnitProperties; membership, usage and OOM watching read the slice's
// cgroup v2 directory directly.
type Systemd struct {
	log   *zap.Logger
	conn  *dbus.Conn
	mgr   *systemdManager
	slice string
	fs    *V2
}

const infinity = uint64(math.MaxUint64)

// unitExistsErr is the D-Bus error StartTransientUnit returns for a unit
// that is already loaded.
const unitExistsErr = "org.freedesktop.systemd1.UnitExists"

func NewSystemd(log *zap.Logger, opts SystemdOptions) (*Systemd, error) {
	if opts.Slice == "" {
		opts.Slice = "procd.slice"
	}
	if !strings.HasSuffix(opts.Slice, ".slice") {
		return nil, fmt.Errorf("systemd: %q is not a slice unit", opts.Slice)
	}

	mounts, err := readMountInfo(mountInfoPath)
	if err != nil {
		return nil, err
	}
	root, ok := unifiedMount(mounts)
	if !ok {
		return nil, fmt.Errorf("systemd backend needs cgroup2: %w", ErrNotMounted)
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	log = log.Named("cgroups.systemd")
	s := &Systemd{
		log:   log,
		conn:  conn,
		mgr:   newSystemdManager(conn),
		slice: opts.Slice,
	}

	s.fs, err = newV2(log, func(name string) string {
		return filepath.Join(root, s.slice, s.unitName(name))
	}, false, opts.JoinAtClone)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Info("systemd backend ready", zap.String("slice", opts.Slice))
	return s, nil
}

func (s *Systemd) Close() error {
	return errors.Join(s.fs.Close(), s.conn.Close())
}

// unitName maps a group to its child slice, e.g. procd.slice + job_1 →
// procd-job_1.slice. Group names never contain '-', which systemd reads as
// a hierarchy separator.
func (s *Systemd) unitName(name string) string {
	return strings.TrimSuffix(s.slice, ".slice") + "-" + name + ".slice"
}

func memoryProps(memLimit, memSwapLimit int64, paused bool) []prop {
	limit := infinity
	if memLimit >= 0 {
		limit = uint64(memLimit)
	}

	var props []prop
	if paused {
		props = append(props, newProp("MemoryMax", infinity), newProp("MemoryHigh", limit))
	} else {
		props = append(props, newProp("MemoryHigh", infinity), newProp("MemoryMax", limit))
	}
	if memLimit >= 0 && memSwapLimit >= memLimit {
		props = append(props, newProp("MemorySwapMax", uint64(memSwapLimit-memLimit)))
	}
	return props
}

func (s *Systemd) CreateGroup(name string, memLimitBytes, memSwapLimitBytes int64, cpuShares uint64, pauseOnOOM bool) error {
	unit := s.unitName(name)

	props := []prop{
		newProp("Description", "procd group "+name),
		newProp("MemoryAccounting", true),
		newProp("CPUAccounting", true),
	}
	props = append(props, memoryProps(memLimitBytes, memSwapLimitBytes, pauseOnOOM)...)
	if cpuShares > 0 {
		props = append(props, newProp("CPUWeight", sharesToWeight(cpuShares)))
	}

	if _, err := s.mgr.StartTransientUnit(unit, props); err != nil {
		var dbusErr dbus.Error
		if !errors.As(err, &dbusErr) || dbusErr.Name != unitExistsErr {
			return err
		}
		// Left over from an earlier run; take it over with fresh limits.
		if err := s.mgr.SetUnitProperties(unit, true, props[1:]); err != nil {
			return err
		}
	}

	// The job is asynchronous; the group is usable once its cgroup exists.
	dir := s.fs.Dir(name)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		if time.Now().After(deadline) {
			_, _ = s.mgr.StopUnit(unit)
			return fmt.Errorf("slice %s: cgroup %s did not appear", unit, dir)
		}
		time.Sleep(20 * time.Millisecond)
	}

	s.fs.adopt(name, pauseOnOOM)
	return nil
}

// DestroyGroup stops the slice. Stopping a slice would kill whatever is still
// inside, so a non-empty group is refused like rmdir refuses it.
func (s *Systemd) DestroyGroup(name string) error {
	if busy, err := s.busy(name); err == nil && busy {
		return fmt.Errorf("slice %s: %w", s.unitName(name), syscall.EBUSY)
	}

	s.fs.forget(name)
	if _, err := s.mgr.StopUnit(s.unitName(name)); err != nil {
		return err
	}
	return nil
}

func (s *Systemd) busy(name string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.fs.Dir(name), "cgroup.procs"))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(data)) != "", nil
}

func (s *Systemd) JoinGroup(name string, attr *syscall.SysProcAttr) (func(), error) {
	return s.fs.JoinGroup(name, attr)
}

func (s *Systemd) AddProcess(name string, pid int) error {
	return s.fs.AddProcess(name, pid)
}

func (s *Systemd) ChangeMemoryLimit(name string, memLimitBytes, memSwapLimitBytes int64) error {
	s.fs.mu.Lock()
	g, ok := s.fs.groups[name]
	s.fs.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}
	return s.mgr.SetUnitProperties(s.unitName(name), true, memoryProps(memLimitBytes, memSwapLimitBytes, g.paused))
}

func (s *Systemd) MemoryUsage(name string) (int64, int64, error) { return s.fs.MemoryUsage(name) }

func (s *Systemd) MonitorOOM(name string, enable bool) error { return s.fs.MonitorOOM(name, enable) }

func (s *Systemd) WaitForOOM(timeout time.Duration) ([]string, error) {
	return s.fs.WaitForOOM(timeout)
}

func (s *Systemd) ScanOOM() ([]string, error) { return s.fs.ScanOOM() }

// Prune stops leftover empty child slices whose group name has prefix.
func (s *Systemd) Prune(prefix string) (int, error) {
	units, err := s.mgr.ListUnits()
	if err != nil {
		return 0, err
	}

	unitPrefix := strings.TrimSuffix(s.slice, ".slice") + "-" + prefix
	stopped := 0
	for _, u := range units {
		if !strings.HasPrefix(u.Name, unitPrefix) || !strings.HasSuffix(u.Name, ".slice") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(u.Name, strings.TrimSuffix(s.slice, ".slice")+"-"), ".slice")
		if busy, err := s.busy(name); err == nil && busy {
			s.log.Warn("stale slice still in use", zap.String("unit", u.Name))
			continue
		}
		if _, err := s.mgr.StopUnit(u.Name); err != nil {
			s.log.Warn("stopping stale slice failed", zap.String("unit", u.Name), zap.Error(err))
			continue
		}
		stopped++
	}
	return stopped, nil
}
