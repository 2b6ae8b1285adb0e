package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edirooss/procd/internal/infrastructure/cgroups"
	"github.com/edirooss/procd/internal/infrastructure/processmgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7070", cfg.Listen)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.Dev)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, 24*time.Hour, cfg.Redis.StatusTTL)
	assert.False(t, cfg.Auth.Enabled())
	assert.Equal(t, 4*time.Hour, cfg.Auth.SessionMaxAge)
	assert.Equal(t, 500*time.Millisecond, cfg.Usage.TTL)
	assert.Equal(t, time.Second, cfg.Usage.RefreshTimeout)

	assert.Equal(t, cgroups.ModeAuto, cfg.Cgroups.Mode)
	assert.Equal(t, "procd", cfg.Cgroups.V2.Parent)
	assert.True(t, cfg.Cgroups.V2.JoinAtClone)

	assert.Equal(t, int64(128), cfg.Manager.BorrowStepMB)
	assert.Equal(t, 10*time.Second, cfg.Manager.StopTimeout)
	assert.Equal(t, "procd_", cfg.Manager.GroupPrefix)
	assert.Empty(t, cfg.Programs)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: 0.0.0.0:9000
log_level: debug
redis:
  address: localhost:6379
  db: 2
manager:
  available_memory_mb: 4096
  lend_memory: true
  term_timeout: 2s
cgroups:
  mode: cgroupv2
  v2:
    join_at_clone: false
programs:
  - id: worker
    path: /usr/bin/worker
    args: ["--queue", "jobs"]
    memory_mb: 256
    restart: always
    restart_delay: 5s
`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, int64(4096), cfg.Manager.AvailableMemoryMB)
	assert.True(t, cfg.Manager.LendMemory)
	assert.Equal(t, 2*time.Second, cfg.Manager.TermTimeout)
	assert.Equal(t, 5*time.Second, cfg.Manager.KillTimeout, "untouched fields keep defaults")
	assert.Equal(t, cgroups.ModeV2, cfg.Cgroups.Mode)
	assert.False(t, cfg.Cgroups.V2.JoinAtClone, "explicit false wins over the default")

	require.Len(t, cfg.Programs, 1)
	p := cfg.Programs[0]
	assert.Equal(t, "worker", p.Name)
	assert.Equal(t, []string{"--queue", "jobs"}, p.Args)
	assert.Equal(t, processmgr.RestartAlways, p.Restart)
	assert.Equal(t, 5*time.Second, p.RestartDelay)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("listen: :1\nlisten_addr: :2\n"))
	assert.ErrorContains(t, err, "listen_addr")
}

func TestValidateReportsEverything(t *testing.T) {
	_, err := Parse([]byte(`
listen: ""
log_level: loud
cgroups:
  mode: v3
manager:
  available_memory_mb: -1
auth:
  username: admin
  session_secret: short
programs:
  - path: /bin/true
  - id: dup
    path: /bin/true
  - id: dup
    memory_mb: -5
    restart: sometimes
    restart_delay: -1s
`))
	require.Error(t, err)

	for _, want := range []string{
		"listen: required",
		"log_level:",
		`cgroups.mode: unknown mode "v3"`,
		"manager.available_memory_mb",
		"auth.password: required",
		"auth.session_secret",
		"programs[0].id: required",
		`programs[2].id: duplicate "dup"`,
		"programs[2].path: required",
		"programs[2].memory_mb",
		`programs[2].restart: unknown policy "sometimes"`,
		"programs[2].restart_delay",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: 127.0.0.1:1234\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1234", cfg.Listen)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadPrograms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "programs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
programs:
  - id: a
    path: /bin/a
    clean_env: true
    env: {MODE: prod}
  - id: b
    name: bee
    path: /bin/b
    cpu_shares: 512
`), 0o644))

	progs, err := LoadPrograms(path)
	require.NoError(t, err)
	require.Len(t, progs, 2)
	assert.Equal(t, "a", progs[0].Name)
	assert.Equal(t, "bee", progs[1].Name)
	assert.Equal(t, processmgr.RestartNever, progs[0].Restart)
	assert.Equal(t, time.Second, progs[0].RestartDelay)

	require.NoError(t, os.WriteFile(path, []byte("programs:\n  - id: a\n    bogus: 1\n"), 0o644))
	_, err = LoadPrograms(path)
	assert.Error(t, err)
}

func TestProgramProcess(t *testing.T) {
	sink := processmgr.NewOutputManager().Get("a")

	p := Program{ID: "a", Name: "a", SessionID: "s", Path: "/bin/a", Env: map[string]string{"K": "V"}, Restart: processmgr.RestartOnFailure}
	got := p.Process(sink)
	assert.Equal(t, "a", got.ID)
	assert.Equal(t, "s", got.SessionID)
	assert.Nil(t, got.Spawn.Limits, "no request, no limits")
	assert.True(t, got.Spawn.InheritEnv)
	assert.Equal(t, processmgr.OutputSink(sink), got.Spawn.Output)
	assert.Equal(t, processmgr.RestartOnFailure, got.Restart)

	p.CleanEnv = true
	p.DiscardOutput = true
	p.CPUShares = 256
	got = p.Process(sink)
	assert.False(t, got.Spawn.InheritEnv)
	assert.Nil(t, got.Spawn.Output)
	assert.Equal(t, &processmgr.Limits{CPUShares: 256}, got.Spawn.Limits)
}

func TestProgramEqual(t *testing.T) {
	a := Program{ID: "a", Path: "/bin/a", Args: []string{"x"}, Env: map[string]string{"K": "V"}}
	b := Program{ID: "a", Path: "/bin/a", Args: []string{"x"}, Env: map[string]string{"K": "V"}}
	assert.True(t, a.Equal(b))

	b.Args = []string{"y"}
	assert.False(t, a.Equal(b))
}
