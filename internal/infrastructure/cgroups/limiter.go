//go:build linux

package cgroups

import (
	"fmt"

	"github.com/edirooss/procd/internal/infrastructure/processmgr"
	"go.uber.org/zap"
)

// Options selects and configures a backend.
type Options struct {
	Mode    Mode           `yaml:"mode" default:"auto"`
	V1      V1Options      `yaml:"v1"`
	V2      V2Options      `yaml:"v2"`
	Systemd SystemdOptions `yaml:"systemd"`
}

// Limiter is a ResourceLimiter that owns OS resources and can clean up
// groups left behind by an earlier run.
type Limiter interface {
	processmgr.ResourceLimiter
	Prune(prefix string) (int, error)
	Close() error
}

var (
	_ Limiter = (*V1)(nil)
	_ Limiter = (*V2)(nil)
	_ Limiter = (*Systemd)(nil)
	_ Limiter = (*Noop)(nil)
)

// New builds the backend named by opts.Mode. ModeNone yields a nil Limiter:
// the manager then tracks memory without kernel enforcement.
func New(log *zap.Logger, opts Options) (Limiter, error) {
	mode := opts.Mode
	if mode == "" || mode == ModeAuto {
		mode = Detect()
		log.Info("detected cgroup backend", zap.String("mode", string(mode)))
	}

	var (
		l   Limiter
		err error
	)
	switch mode {
	case ModeNone:
		return nil, nil
	case ModeV1:
		l, err = NewV1(log, opts.V1)
	case ModeV2:
		l, err = NewV2(log, opts.V2)
	case ModeSystemd:
		l, err = NewSystemd(log, opts.Systemd)
	default:
		return nil, fmt.Errorf("unknown cgroup mode %q", mode)
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}
