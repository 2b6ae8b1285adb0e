package processmgr

import (
	"time"

	"github.com/mcuadros/go-defaults"
)

// Options tunes the manager. Zero values are replaced by the `default` tags.
type Options struct {
	// AvailableMemoryMB is the admission pool. 0 = detect from /proc/meminfo.
	AvailableMemoryMB int64 `yaml:"available_memory_mb"`

	// LendMemory lets the OOM monitor borrow extra memory for a process that
	// hit its ceiling instead of killing it right away.
	LendMemory   bool  `yaml:"lend_memory"`
	BorrowStepMB int64 `yaml:"borrow_step_mb" default:"128"`

	ExitPollInterval  time.Duration `yaml:"exit_poll_interval"  default:"200ms"`
	OOMWaitTimeout    time.Duration `yaml:"oom_wait_timeout"    default:"1s"`
	StopTimeout       time.Duration `yaml:"stop_timeout"        default:"10s"`
	TermTimeout       time.Duration `yaml:"term_timeout"        default:"5s"`
	KillTimeout       time.Duration `yaml:"kill_timeout"        default:"5s"`
	GroupCleanupGrace time.Duration `yaml:"group_cleanup_grace" default:"2s"`
	ReclaimTimeout    time.Duration `yaml:"reclaim_timeout"     default:"10s"`

	// GroupPrefix is prepended to every resource-limit group name.
	GroupPrefix string `yaml:"group_prefix" default:"procd_"`
}

// withDefaults returns a copy with every unset field filled in.
func (o Options) withDefaults() Options {
	defaults.SetDefaults(&o)
	return o
}
