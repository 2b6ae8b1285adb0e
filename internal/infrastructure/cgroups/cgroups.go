//go:build linux

// Package cgroups implements processmgr.ResourceLimiter on top of Linux
// control groups.
//
// Backends:
//   - V1      – legacy split hierarchy (memory + cpu controllers); OOM via eventfd
//   - V2      – unified hierarchy; children join at clone time; OOM via memory.events
//   - Systemd – transient slices over D-Bus, file access delegated to V2
//   - Noop    – accepts everything, enforces nothing
package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrGroupNotFound = errors.New("cgroup not found")
	ErrNotMounted    = errors.New("cgroup hierarchy not mounted")
)

// Mode names a backend.
type Mode string

const (
	ModeNone    Mode = "none"
	ModeV1      Mode = "cgroupv1"
	ModeV2      Mode = "cgroupv2"
	ModeSystemd Mode = "systemd"
	ModeAuto    Mode = "auto"
)

// Detect picks the backend for the running host: V2 when the unified
// hierarchy is mounted, V1 when the memory controller is mounted, else none.
func Detect() Mode {
	mounts, err := readMountInfo(mountInfoPath)
	if err != nil {
		return ModeNone
	}
	if _, ok := unifiedMount(mounts); ok {
		return ModeV2
	}
	if _, ok := controllerMount(mounts, "memory"); ok {
		return ModeV1
	}
	return ModeNone
}

// writeValue writes a single value into a cgroup control file.
func writeValue(dir, file, value string) error {
	if err := os.WriteFile(filepath.Join(dir, file), []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	return nil
}

func writeInt(dir, file string, v int64) error {
	return writeValue(dir, file, strconv.FormatInt(v, 10))
}

// readInt reads a single integer control file. "max" reads as -1.
func readInt(dir, file string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", file, err)
	}
	s := strings.TrimSpace(string(data))
	if s == "max" {
		return -1, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", file, err)
	}
	return v, nil
}

// readKeyed parses "key value" lines (memory.events, memory.oom_control).
func readKeyed(dir, file string) (map[string]int64, error) {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	return parseKeyed(string(data)), nil
}

func parseKeyed(s string) map[string]int64 {
	out := make(map[string]int64)
	for _, line := range strings.Split(s, "\n") {
		parts := strings.Fields(line)
		if len(parts) != 2 {
			continue
		}
		v, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		out[parts[0]] = v
	}
	return out
}

// removeDir removes an empty cgroup directory. The kernel may report a group
// busy for a moment after its last member was reaped, so EBUSY is retried
// a few times before giving up. A missing directory is not an error.
func removeDir(dir string) error {
	var err error
	for i := 0; i < 5; i++ {
		err = os.Remove(dir)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("remove %s: %w", dir, err)
}

// pruneChildren removes every child directory of parent whose name has
// prefix. Groups that are still busy are logged and left alone.
func pruneChildren(log *zap.Logger, parent, prefix string) (int, error) {
	entries, err := os.ReadDir(parent)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", parent, err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		dir := filepath.Join(parent, e.Name())
		if err := removeDir(dir); err != nil {
			log.Warn("stale cgroup still in use", zap.String("path", dir), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// sharesToWeight converts cgroup v1 cpu.shares [2, 262144] to cgroup v2
// cpu.weight [1, 10000]. 0 means unset.
func sharesToWeight(shares uint64) uint64 {
	if shares == 0 {
		return 0
	}
	shares = min(max(shares, 2), 262144)
	return 1 + ((shares-2)*9999)/262142
}
