package processmgr

import (
	"os"
	"sort"
	"strings"
)

// Limits is the resource budget requested for one process.
type Limits struct {
	MemoryMB  int64  `yaml:"memory_mb"  json:"memory_mb"`
	CPUShares uint64 `yaml:"cpu_shares" json:"cpu_shares"`
}

// SpawnConfig is a fully resolved command line plus supervision options.
type SpawnConfig struct {
	Path string   // executable; looked up in PATH when it has no slash
	Args []string // arguments, excluding argv[0]

	// Env overrides (or adds) variables. With InheritEnv the manager's own
	// environment is the base, otherwise Env is the whole environment.
	Env        map[string]string
	InheritEnv bool
	Dir        string

	// Limits enables memory admission and, with a limiter, kernel enforcement.
	Limits *Limits

	// Output receives the child's stdout/stderr line by line. Nil discards both.
	Output OutputSink

	// KillGroupOnExit kills whatever is left of the process group once the
	// main process has exited and a short grace period has passed.
	KillGroupOnExit bool

	Observer ProcessObserver
}

// environ renders the child environment as sorted KEY=VALUE pairs.
func (c SpawnConfig) environ() []string {
	vars := make(map[string]string)
	if c.InheritEnv {
		for _, kv := range os.Environ() {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			vars[k] = v
		}
	}
	for k, v := range c.Env {
		vars[k] = v
	}

	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (c SpawnConfig) memoryMB() int64 {
	if c.Limits == nil || c.Limits.MemoryMB < 0 {
		return 0
	}
	return c.Limits.MemoryMB
}
