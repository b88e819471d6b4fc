package actorsup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// ptyRunner attaches a pseudo-terminal to the child process, adapted
// from the one-fixed-shell Terminal type into a configurable-argv
// Runner.
type ptyRunner struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	ptmx     *os.File
	stopped  bool
	exitCode int
	exitCh   chan struct{}
}

func newPTYRunner() *ptyRunner {
	return &ptyRunner{exitCh: make(chan struct{})}
}

func (r *ptyRunner) Spawn(ctx context.Context, opts SpawnOptions) error {
	if len(opts.Argv) == 0 {
		return fmt.Errorf("pty runner: empty argv")
	}

	cmd := exec.CommandContext(ctx, opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = opts.Env

	winSize := &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows}
	if winSize.Cols == 0 {
		winSize.Cols = 80
	}
	if winSize.Rows == 0 {
		winSize.Rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, winSize)
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}

	r.mu.Lock()
	r.cmd = cmd
	r.ptmx = ptmx
	r.mu.Unlock()

	go r.readOutput(opts.Output)
	go r.waitForExit()

	slog.Info("actor pty spawned", "pid", cmd.Process.Pid, "argv", opts.Argv)
	return nil
}

func (r *ptyRunner) Write(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.ptmx == nil {
		return fmt.Errorf("actor pty is stopped")
	}
	_, err := r.ptmx.Write(data)
	return err
}

func (r *ptyRunner) Resize(cols, rows uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.ptmx == nil {
		return fmt.Errorf("actor pty is stopped")
	}
	return pty.Setsize(r.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (r *ptyRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	if r.ptmx != nil {
		_ = r.ptmx.Close()
	}
	if r.cmd != nil && r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
}

func (r *ptyRunner) Wait() int {
	<-r.exitCh
	return r.exitCode
}

func (r *ptyRunner) Pid() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

func (r *ptyRunner) readOutput(output OutputHandler) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.ptmx.Read(buf)
		if n > 0 && output != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			output(data)
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("actor pty read error", "error", err)
			}
			return
		}
	}
}

func (r *ptyRunner) waitForExit() {
	err := r.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	r.mu.Lock()
	r.exitCode = code
	r.mu.Unlock()
	close(r.exitCh)
}
