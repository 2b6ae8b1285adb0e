package processmgr

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// MemoryTracker is the shared megabyte pool every spawn is admitted against.
//
// It has two buckets drawn from the same capacity:
//   - reserved – granted at spawn time, returned when the process exits
//   - borrowed – lent on top of a reservation after an OOM event; reclaimable
//
// The tracker knows nothing about which process holds what. Each Process keeps
// its own reserved/borrowed figures and is responsible for returning exactly
// those amounts. Returning more than is held is a protocol violation.
type MemoryTracker struct {
	mu        sync.Mutex
	available int64
	reserved  int64
	borrowed  int64
}

// MemorySnapshot is a point-in-time copy of the tracker counters.
type MemorySnapshot struct {
	AvailableMB int64 `json:"available_mb"`
	ReservedMB  int64 `json:"reserved_mb"`
	BorrowedMB  int64 `json:"borrowed_mb"`
}

// FreeMB is the capacity neither reserved nor borrowed.
func (s MemorySnapshot) FreeMB() int64 {
	free := s.AvailableMB - s.ReservedMB - s.BorrowedMB
	if free < 0 {
		return 0
	}
	return free
}

// NewMemoryTracker returns a tracker with availableMB of capacity.
// Negative capacity is clamped to zero.
func NewMemoryTracker(availableMB int64) *MemoryTracker {
	if availableMB < 0 {
		availableMB = 0
	}
	return &MemoryTracker{available: availableMB}
}

// Reserve commits mb if it fits. Otherwise it commits whatever is still free
// and returns the shortfall; a zero return means the full amount was granted.
func (t *MemoryTracker) Reserve(mb int64) (deficit int64) {
	if mb < 0 {
		panic("MemoryTracker: negative reservation")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	free := t.freeLocked()
	if mb <= free {
		t.reserved += mb
		return 0
	}

	t.reserved += free
	return mb - free
}

// Release returns mb previously obtained through Reserve.
func (t *MemoryTracker) Release(mb int64) {
	if mb < 0 {
		panic("MemoryTracker: negative release")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if mb > t.reserved {
		panic(fmt.Sprintf("MemoryTracker: release of %d MB exceeds reserved %d MB", mb, t.reserved))
	}
	t.reserved -= mb
}

// Borrow is all-or-nothing: it grants mb only if the whole amount fits.
func (t *MemoryTracker) Borrow(mb int64) (granted int64) {
	if mb < 0 {
		panic("MemoryTracker: negative borrow")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if mb > t.freeLocked() {
		return 0
	}
	t.borrowed += mb
	return mb
}

// Repay returns mb previously obtained through Borrow.
func (t *MemoryTracker) Repay(mb int64) {
	if mb < 0 {
		panic("MemoryTracker: negative repay")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if mb > t.borrowed {
		panic(fmt.Sprintf("MemoryTracker: repay of %d MB exceeds borrowed %d MB", mb, t.borrowed))
	}
	t.borrowed -= mb
}

// Snapshot returns the current counters.
func (t *MemoryTracker) Snapshot() MemorySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return MemorySnapshot{
		AvailableMB: t.available,
		ReservedMB:  t.reserved,
		BorrowedMB:  t.borrowed,
	}
}

func (t *MemoryTracker) freeLocked() int64 {
	free := t.available - t.reserved - t.borrowed
	if free < 0 {
		return 0
	}
	return free
}

// DetectMemoryMB reads MemTotal from /proc/meminfo.
func DetectMemoryMB() (int64, error) {
	return readMemTotalMB("/proc/meminfo")
}

func readMemTotalMB(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// MemTotal:       16318284 kB
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse MemTotal %q: %w", fields[1], err)
		}
		return kb / 1024, nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("MemTotal not found in %s", path)
}
