//go:build linux

package processmgr

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"
)

// Spawn starts the OS process described by cfg.
//
// Order of side effects:
//  1. reserve memory against the shared pool (manager hook)
//  2. create the resource-limit group sized to the grant (manager hook)
//  3. arrange for the child to join the group at creation (manager hook);
//     when the limiter cannot, hold the child behind a join gate instead
//  4. fork/exec with its own process group, stdio optionally piped to cfg.Output
//  5. record the pid, move to Spawned, register for reaping, add the pid to
//     its group if it was gated, release the gate, notify the observer
//
// Any failure up to and including process creation releases everything from
// 1–3 and moves the process straight to Terminated with ForkFailed.
func (p *Process) Spawn(cfg SpawnConfig) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.State() {
	case StateSpawned:
		return OutcomeAlready, nil
	case StateTerminating, StateTerminated:
		return OutcomeInvalid, nil
	}

	pid, err := p.spawnLocked(cfg)
	if err != nil {
		p.log.Error("spawn failed", zap.String("path", cfg.Path), zap.Error(err))
		p.finishLocked(internalExit(ForkFailed), false)
		return OutcomeFailed, err
	}

	p.log.Info("process spawned",
		zap.Int("pid", pid),
		zap.String("path", cfg.Path),
		zap.Int64("reserved_mb", p.reservedMB.Load()),
		zap.Bool("limited", p.groupExists))

	if p.observer != nil {
		p.observer.OnSpawn(p.id, p.sessionID, pid)
	}
	return OutcomeDone, nil
}

func (p *Process) spawnLocked(cfg SpawnConfig) (int, error) {
	if cfg.Path == "" {
		return 0, errors.New("empty program path")
	}

	p.mgr.preSpawn(p, cfg)

	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Env = cfg.environ()
	cmd.Dir = cfg.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,            // own process group so the whole tree can be signalled
		Pdeathsig: syscall.SIGKILL, // do not outlive the supervisor
	}

	var out *outputPipes
	if cfg.Output != nil {
		var err error
		if out, err = newOutputPipes(cmd); err != nil {
			p.mgr.spawnFailed(p)
			return 0, err
		}
	}

	joined, release := p.mgr.prepareChild(p, cmd.SysProcAttr)

	var gate *joinGate
	if p.groupExists && !joined {
		var err error
		if gate, err = newJoinGate(cmd); err != nil {
			p.log.Warn("cannot hold child until it joins its group; adding after start",
				zap.String("group", p.group), zap.Error(err))
		}
	}

	err := cmd.Start()
	if release != nil {
		release()
	}
	if err != nil {
		gate.abort()
		out.abort()
		p.mgr.spawnFailed(p)
		return 0, fmt.Errorf("start %s: %w", cfg.Path, err)
	}
	gate.started()

	pid := cmd.Process.Pid

	// Reaping is done by pid from the exit monitor, never through cmd.Wait.
	_ = cmd.Process.Release()

	out.run(p.log, cfg.Output)

	p.pid = pid
	p.killGroupOnExit = cfg.KillGroupOnExit
	p.observer = cfg.Observer
	p.setState(StateSpawned)
	p.mgr.spawned(p, pid, joined)

	if err := gate.open(); err != nil {
		p.log.Warn("releasing join gate failed", zap.Int("pid", pid), zap.Error(err))
	}
	return pid, nil
}

// outputPipes carries the child's stdout/stderr into an OutputSink.
//
// The write ends are *os.File so exec hands them to the child directly and
// starts no copy goroutines of its own. The parent closes its copies of the
// write ends right after start; readers then see EOF once every process
// holding them has exited.
type outputPipes struct {
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File
}

func newOutputPipes(cmd *exec.Cmd) (*outputPipes, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe creation failure: %w", err)
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe creation failure: %w", err)
	}

	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	return &outputPipes{stdoutR: stdoutR, stdoutW: stdoutW, stderrR: stderrR, stderrW: stderrW}, nil
}

// abort closes every end after a failed start. Safe on nil.
func (o *outputPipes) abort() {
	if o == nil {
		return
	}
	_ = o.stdoutR.Close()
	_ = o.stdoutW.Close()
	_ = o.stderrR.Close()
	_ = o.stderrW.Close()
}

// run drops the parent's write ends and starts the line readers. Safe on nil.
func (o *outputPipes) run(log *zap.Logger, sink OutputSink) {
	if o == nil {
		return
	}
	_ = o.stdoutW.Close()
	_ = o.stderrW.Close()

	go drain(log, o.stdoutR, Stdout, sink)
	go drain(log, o.stderrR, Stderr, sink)
}

// drain streams r into sink line by line until EOF.
func drain(log *zap.Logger, r io.ReadCloser, stream string, sink OutputSink) {
	defer r.Close()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		sink.Append(stream, sc.Text())
	}
	if err := sc.Err(); err != nil {
		log.Warn("output reader failure", zap.String("stream", stream), zap.Error(err))
	}
}
