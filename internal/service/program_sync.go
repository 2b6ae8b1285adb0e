package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/edirooss/procd/internal/config"
	"github.com/edirooss/procd/internal/infrastructure/processmgr"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ProgramRunner supervises programs by id. *processmgr.Restarter satisfies it.
type ProgramRunner interface {
	Add(prog processmgr.Program) error
	Remove(id string) error
}

// ProgramBuilder turns a file entry into a runnable program, attaching the
// output sink and observers the host wants.
type ProgramBuilder func(config.Program) processmgr.Program

// ProgramSyncService keeps the runner in line with a programs file.
// Programs added to the file are started, removed ones are stopped, and
// changed ones are stopped and started again with the new definition.
// Programs the runner got from elsewhere are left alone.
type ProgramSyncService struct {
	log    *zap.Logger
	runner ProgramRunner
	build  ProgramBuilder

	path     string
	debounce time.Duration

	mu      sync.Mutex // serializes applies
	applied map[string]config.Program
}

// StartProgramSync applies the programs file once and starts a debounced
// watcher that lives as long as ctx. A failed initial apply is returned so
// the caller can abort startup.
func StartProgramSync(ctx context.Context, log *zap.Logger, runner ProgramRunner, build ProgramBuilder, path string, debounce time.Duration) (*ProgramSyncService, error) {
	s := newProgramSync(log, runner, build, path, debounce)

	if err := s.applyOnce(); err != nil {
		return nil, fmt.Errorf("initial apply: %w", err)
	}

	go s.watch(ctx)
	return s, nil
}

func newProgramSync(log *zap.Logger, runner ProgramRunner, build ProgramBuilder, path string, debounce time.Duration) *ProgramSyncService {
	if debounce <= 0 {
		debounce = 750 * time.Millisecond
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &ProgramSyncService{
		log:      log.Named("program_sync"),
		runner:   runner,
		build:    build,
		path:     path,
		debounce: debounce,
		applied:  make(map[string]config.Program),
	}
}

// Applied lists the ids currently owned by the sync service.
func (s *ProgramSyncService) Applied() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.applied))
	for id := range s.applied {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// applyOnce reconciles the runner with the file. An unreadable or invalid
// file changes nothing; a failure on one program does not stop the others.
func (s *ProgramSyncService) applyOnce() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	progs, err := config.LoadPrograms(s.path)
	if err != nil {
		return fmt.Errorf("load programs: %w", err)
	}

	want := make(map[string]config.Program, len(progs))
	for _, p := range progs {
		want[p.ID] = p
	}

	var added, removed, changed, failed int

	for id := range s.applied {
		if _, ok := want[id]; ok {
			continue
		}
		if err := s.runner.Remove(id); err != nil {
			s.log.Warn("remove program failed", zap.String("program_id", id), zap.Error(err))
			failed++
			continue
		}
		delete(s.applied, id)
		removed++
	}

	for _, p := range progs {
		old, ok := s.applied[p.ID]
		switch {
		case !ok:
			if err := s.runner.Add(s.build(p)); err != nil {
				s.log.Warn("add program failed", zap.String("program_id", p.ID), zap.Error(err))
				failed++
				continue
			}
			added++
		case !old.Equal(p):
			if err := s.runner.Remove(p.ID); err != nil {
				s.log.Warn("replace program failed", zap.String("program_id", p.ID), zap.Error(err))
				failed++
				continue
			}
			delete(s.applied, p.ID)
			if err := s.runner.Add(s.build(p)); err != nil {
				s.log.Warn("replace program failed", zap.String("program_id", p.ID), zap.Error(err))
				failed++
				continue
			}
			changed++
		default:
			continue
		}
		s.applied[p.ID] = p
	}

	s.log.Info("programs applied",
		zap.Int("added", added),
		zap.Int("removed", removed),
		zap.Int("changed", changed),
		zap.Int("failed", failed),
		zap.String("path", s.path),
	)
	return nil
}

// watch runs a debounced apply on changes to the programs file. The
// directory is watched so editors that replace the file by rename are seen.
func (s *ProgramSyncService) watch(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Error("watcher init", zap.Error(err))
		return
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		s.log.Error("watch add dir", zap.String("dir", dir), zap.Error(err))
		return
	}

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()
	trigger := func() {
		if ctx.Err() != nil {
			return
		}
		if err := s.applyOnce(); err != nil {
			s.log.Warn("apply failed", zap.Error(err))
		}
	}
	reset := func() {
		if t != nil {
			t.Stop()
		}
		t = time.AfterFunc(s.debounce, trigger)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Name != s.path {
				continue
			}
			// Remove is ignored until the file reappears.
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				reset()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Warn("watch error", zap.Error(err))
		}
	}
}
