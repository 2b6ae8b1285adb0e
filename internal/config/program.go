package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/edirooss/procd/internal/infrastructure/processmgr"
	"github.com/mcuadros/go-defaults"
)

// Program is one supervised command.
type Program struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	SessionID string            `yaml:"session_id"`
	Path      string            `yaml:"path"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	CleanEnv  bool              `yaml:"clean_env"` // do not inherit procd's environment
	Dir       string            `yaml:"dir"`

	MemoryMB  int64  `yaml:"memory_mb"`
	CPUShares uint64 `yaml:"cpu_shares"`

	DiscardOutput   bool `yaml:"discard_output"`
	KillGroupOnExit bool `yaml:"kill_group_on_exit"`

	Restart      processmgr.RestartPolicy `yaml:"restart"       default:"never"`
	RestartDelay time.Duration            `yaml:"restart_delay" default:"1s"`
}

func (p *Program) applyDefaults() {
	defaults.SetDefaults(p)
	if p.Name == "" {
		p.Name = p.ID
	}
}

// Process converts the program for the restarter. out receives captured
// output unless DiscardOutput is set.
func (p Program) Process(out processmgr.OutputSink) processmgr.Program {
	cfg := processmgr.SpawnConfig{
		Path:            p.Path,
		Args:            p.Args,
		Env:             p.Env,
		InheritEnv:      !p.CleanEnv,
		Dir:             p.Dir,
		KillGroupOnExit: p.KillGroupOnExit,
	}
	if p.MemoryMB > 0 || p.CPUShares > 0 {
		cfg.Limits = &processmgr.Limits{MemoryMB: p.MemoryMB, CPUShares: p.CPUShares}
	}
	if !p.DiscardOutput {
		cfg.Output = out
	}

	return processmgr.Program{
		ID:           p.ID,
		Name:         p.Name,
		SessionID:    p.SessionID,
		Spawn:        cfg,
		Restart:      p.Restart,
		RestartDelay: p.RestartDelay,
	}
}

// Equal reports whether two definitions would run the same command the same way.
func (p Program) Equal(o Program) bool {
	return fmt.Sprintf("%#v", p) == fmt.Sprintf("%#v", o)
}

type programsFile struct {
	Programs []Program `yaml:"programs"`
}

// LoadPrograms reads a standalone programs file:
//
//	programs:
//	  - id: worker-1
//	    path: /usr/bin/worker
//	    memory_mb: 512
//	    restart: on-failure
func LoadPrograms(path string) ([]Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f programsFile
	if err := decodeStrict(data, &f); err != nil {
		return nil, err
	}
	for i := range f.Programs {
		f.Programs[i].applyDefaults()
	}
	if err := validatePrograms(f.Programs); err != nil {
		return nil, err
	}
	return f.Programs, nil
}

func validatePrograms(progs []Program) error {
	var errs []error
	seen := make(map[string]struct{}, len(progs))

	for i, p := range progs {
		at := fmt.Sprintf("programs[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id: required", at))
		} else if _, dup := seen[p.ID]; dup {
			errs = append(errs, fmt.Errorf("%s.id: duplicate %q", at, p.ID))
		}
		seen[p.ID] = struct{}{}

		if p.Path == "" {
			errs = append(errs, fmt.Errorf("%s.path: required", at))
		}
		if p.MemoryMB < 0 {
			errs = append(errs, fmt.Errorf("%s.memory_mb: must not be negative", at))
		}
		if !p.Restart.Valid() {
			errs = append(errs, fmt.Errorf("%s.restart: unknown policy %q", at, p.Restart))
		}
		if p.RestartDelay < 0 {
			errs = append(errs, fmt.Errorf("%s.restart_delay: must not be negative", at))
		}
	}
	return errors.Join(errs...)
}
