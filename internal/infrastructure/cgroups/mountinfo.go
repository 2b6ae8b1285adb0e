//go:build linux

package cgroups

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

const mountInfoPath = "/proc/self/mountinfo"

// mount is the part of a /proc/self/mountinfo line we care about.
type mount struct {
	mountPoint string
	fsType     string
	superOpts  []string
}

func readMountInfo(path string) ([]mount, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return parseMountInfo(f)
}

// parseMountInfo parses mountinfo(5):
//
//	36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw,errors=continue
//
// The optional fields end at the lone "-" separator.
func parseMountInfo(r io.Reader) ([]mount, error) {
	var mounts []mount

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 10 {
			continue
		}

		sep := -1
		for i := 6; i < len(fields); i++ {
			if fields[i] == "-" {
				sep = i
				break
			}
		}
		if sep < 0 || sep+1 >= len(fields) {
			continue
		}

		m := mount{
			mountPoint: fields[4],
			fsType:     fields[sep+1],
		}
		if sep+3 < len(fields) {
			m.superOpts = strings.Split(fields[sep+3], ",")
		}
		mounts = append(mounts, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan mountinfo: %w", err)
	}
	return mounts, nil
}

// controllerMount finds the v1 hierarchy that has controller attached.
func controllerMount(mounts []mount, controller string) (string, bool) {
	for _, m := range mounts {
		if m.fsType != "cgroup" {
			continue
		}
		for _, opt := range m.superOpts {
			if opt == controller {
				return m.mountPoint, true
			}
		}
	}
	return "", false
}

// unifiedMount finds the cgroup2 mount point.
func unifiedMount(mounts []mount) (string, bool) {
	for _, m := range mounts {
		if m.fsType == "cgroup2" {
			return m.mountPoint, true
		}
	}
	return "", false
}
