package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/edirooss/procd/internal/config"
	"github.com/edirooss/procd/internal/infrastructure/processmgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRunner struct {
	mu       sync.Mutex
	programs map[string]processmgr.Program
	adds     int
	removes  int
	failAdd  map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{programs: make(map[string]processmgr.Program), failAdd: make(map[string]bool)}
}

func (f *fakeRunner) Add(prog processmgr.Program) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd[prog.ID] {
		return errors.New("add refused")
	}
	f.programs[prog.ID] = prog
	f.adds++
	return nil
}

func (f *fakeRunner) Remove(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.programs, id)
	f.removes++
	return nil
}

func (f *fakeRunner) get(id string) (processmgr.Program, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.programs[id]
	return p, ok
}

func (f *fakeRunner) counts() (adds, removes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adds, f.removes
}

func buildPlain(p config.Program) processmgr.Program { return p.Process(nil) }

func writePrograms(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestProgramSyncApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "programs.yaml")
	writePrograms(t, path, `
programs:
  - id: web
    path: /usr/bin/web
  - id: worker
    path: /usr/bin/worker
    memory_mb: 256
    restart: on-failure
`)

	runner := newFakeRunner()
	s := newProgramSync(zaptest.NewLogger(t), runner, buildPlain, path, 0)

	require.NoError(t, s.applyOnce())
	assert.Equal(t, []string{"web", "worker"}, s.Applied())

	worker, ok := runner.get("worker")
	require.True(t, ok)
	assert.Equal(t, processmgr.RestartOnFailure, worker.Restart)
	assert.Equal(t, time.Second, worker.RestartDelay)
	require.NotNil(t, worker.Spawn.Limits)
	assert.Equal(t, int64(256), worker.Spawn.Limits.MemoryMB)

	// Unchanged file: nothing happens.
	require.NoError(t, s.applyOnce())
	adds, removes := runner.counts()
	assert.Equal(t, 2, adds)
	assert.Zero(t, removes)

	// web is removed, worker changes, batch is new.
	writePrograms(t, path, `
programs:
  - id: worker
    path: /usr/bin/worker
    memory_mb: 512
    restart: on-failure
  - id: batch
    path: /usr/bin/batch
`)
	require.NoError(t, s.applyOnce())
	assert.Equal(t, []string{"batch", "worker"}, s.Applied())

	_, ok = runner.get("web")
	assert.False(t, ok)
	worker, _ = runner.get("worker")
	assert.Equal(t, int64(512), worker.Spawn.Limits.MemoryMB)

	adds, removes = runner.counts()
	assert.Equal(t, 4, adds)
	assert.Equal(t, 2, removes)
}

func TestProgramSyncInvalidFileChangesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "programs.yaml")
	writePrograms(t, path, "programs:\n  - id: web\n    path: /usr/bin/web\n")

	runner := newFakeRunner()
	s := newProgramSync(zaptest.NewLogger(t), runner, buildPlain, path, 0)
	require.NoError(t, s.applyOnce())

	writePrograms(t, path, "programs:\n  - id: web\n")
	assert.Error(t, s.applyOnce())
	assert.Equal(t, []string{"web"}, s.Applied())

	_, ok := runner.get("web")
	assert.True(t, ok)
}

func TestProgramSyncFailedAddIsRetried(t *testing.T) {
	path := filepath.Join(t.TempDir(), "programs.yaml")
	writePrograms(t, path, "programs:\n  - id: web\n    path: /usr/bin/web\n")

	runner := newFakeRunner()
	runner.failAdd["web"] = true
	s := newProgramSync(zaptest.NewLogger(t), runner, buildPlain, path, 0)

	require.NoError(t, s.applyOnce())
	assert.Empty(t, s.Applied())

	runner.mu.Lock()
	runner.failAdd["web"] = false
	runner.mu.Unlock()

	require.NoError(t, s.applyOnce())
	assert.Equal(t, []string{"web"}, s.Applied())
}

func TestStartProgramSyncWatchesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "programs.yaml")
	writePrograms(t, path, "programs: []\n")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runner := newFakeRunner()
	s, err := StartProgramSync(ctx, zaptest.NewLogger(t), runner, buildPlain, path, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, s.Applied())

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writePrograms(t, path, "programs:\n  - id: web\n    path: /usr/bin/web\n")

	assert.Eventually(t, func() bool {
		_, ok := runner.get("web")
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
}

func TestStartProgramSyncMissingFile(t *testing.T) {
	_, err := StartProgramSync(context.Background(), zaptest.NewLogger(t), newFakeRunner(), buildPlain,
		filepath.Join(t.TempDir(), "absent.yaml"), 0)
	assert.Error(t, err)
}
