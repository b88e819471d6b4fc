// Package actorsup implements the actor lifecycle supervisor (C4):
// one managed child process per enabled actor, with PTY or headless
// runners, pidfile-based crash recovery, and foreman election.
package actorsup

import "context"

// Runner is the capability every actor process type must provide
// (spec.md §9: `Runner = {spawn, attach, write, resize, stop}`).
// ptyRunner and headlessRunner are the two concrete implementations.
type Runner interface {
	// Spawn starts the child process with the given argv, working
	// directory, and environment. cols/rows are ignored by runners that
	// don't allocate a terminal.
	Spawn(ctx context.Context, opts SpawnOptions) error
	// Write sends bytes to the process's input stream (PTY stdin for a
	// PTY runner, the process's stdin pipe for headless).
	Write(data []byte) error
	// Resize changes the terminal dimensions. No-op for headless runners.
	Resize(cols, rows uint16) error
	// Stop terminates the process.
	Stop()
	// Wait blocks until the process exits and returns its exit code.
	Wait() int
	// Pid returns the OS process id, or 0 if not yet spawned.
	Pid() int
}

// OutputHandler receives chunks of process output as they arrive.
type OutputHandler func(data []byte)

// SpawnOptions configures a Runner.Spawn call.
type SpawnOptions struct {
	Argv       []string
	WorkingDir string
	Env        []string
	Cols       uint16
	Rows       uint16
	Output     OutputHandler
}
