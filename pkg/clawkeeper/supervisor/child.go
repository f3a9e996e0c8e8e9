package supervisor

import (
	"context"
	"os"

	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/control"
)

// ChildSpec describes how to launch one agent incarnation.
type ChildSpec struct {
	// Command is the executable to launch.
	Command string

	// Args are extra arguments, before any checkpoint argument.
	Args []string

	// Dir is the working directory. Empty means inherit.
	Dir string

	// Env is appended to the inherited environment.
	Env []string

	// Checkpoint, when non-empty, is passed to the child as
	// `--checkpoint <path>` so it resumes from the document there.
	Checkpoint string
}

// ExitStatus describes how a child ended.
type ExitStatus struct {
	// Code is the exit code, or -1 when the child was killed by a signal.
	Code int

	// Signal names the terminating signal, empty for a normal exit.
	Signal string
}

// Clean reports a zero, unsignaled exit.
func (e ExitStatus) Clean() bool {
	return e.Code == 0 && e.Signal == ""
}

// Child is one live agent process. The supervisor owns the handle
// exclusively; at most one Child is alive at a time.
type Child interface {
	// PID returns the OS process ID.
	PID() int

	// Control returns the supervisor side of the typed message channel.
	Control() control.Conn

	// Signal delivers a signal to the process.
	Signal(sig os.Signal) error

	// Kill forcibly terminates the process.
	Kill() error

	// Wait blocks until the process exits and returns its status.
	// It must be called exactly once.
	Wait() ExitStatus
}

// Launcher spawns children. The supervisor logic is transport- and
// process-agnostic: the real launcher forks an OS process with control
// pipes, tests substitute an in-memory one.
type Launcher interface {
	Launch(ctx context.Context, spec ChildSpec) (Child, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, spec ChildSpec) (Child, error)

func (f LauncherFunc) Launch(ctx context.Context, spec ChildSpec) (Child, error) {
	return f(ctx, spec)
}
