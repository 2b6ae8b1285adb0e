//go:build linux

package processmgr

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// gateShell holds the child between fork and exec for limiters that cannot
// place it in a group at creation. The parent adds the pid to the group and
// then releases the gate; the shell execs the real program under the same pid,
// so the program image never runs outside its limits.
const gateShell = "/bin/sh"

// joinGate is the parent's side of the hold pipe.
type joinGate struct {
	r, w *os.File
}

// newJoinGate rewrites cmd to start behind the gate. A nil gate with a nil
// error means the command is not gated: its program is missing or not
// executable, and Start reports that as a spawn failure.
func newJoinGate(cmd *exec.Cmd) (*joinGate, error) {
	if cmd.Err != nil || !executable(cmd) {
		return nil, nil
	}
	if _, err := os.Stat(gateShell); err != nil {
		return nil, fmt.Errorf("gate shell: %w", err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("gate pipe creation failure: %w", err)
	}

	fd := strconv.Itoa(3 + len(cmd.ExtraFiles))
	script := "read -r gate <&" + fd + "; exec " + fd + "<&-; exec \"$0\" \"$@\""

	args := append([]string{"sh", "-c", script, cmd.Path}, cmd.Args[1:]...)
	cmd.Path = gateShell
	cmd.Args = args
	cmd.ExtraFiles = append(cmd.ExtraFiles, r)
	return &joinGate{r: r, w: w}, nil
}

// executable applies the checks the kernel would apply at exec, which the
// gate shell would otherwise report as an exit code.
func executable(cmd *exec.Cmd) bool {
	path := cmd.Path
	if !filepath.IsAbs(path) && cmd.Dir != "" {
		path = filepath.Join(cmd.Dir, path)
	}
	_, err := exec.LookPath(path)
	return err == nil
}

// started drops the parent's copy of the read end. Safe on nil.
func (g *joinGate) started() {
	if g == nil {
		return
	}
	_ = g.r.Close()
}

// open lets the child exec its program. Safe on nil.
func (g *joinGate) open() error {
	if g == nil {
		return nil
	}
	_, err := g.w.Write([]byte{'\n'})
	if cerr := g.w.Close(); err == nil {
		err = cerr
	}
	return err
}

// abort closes both ends after a failed start. Safe on nil.
func (g *joinGate) abort() {
	if g == nil {
		return
	}
	_ = g.r.Close()
	_ = g.w.Close()
}
