package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/control"
)

// ControlFDsEnv tells the child which file descriptors carry the control
// channel: "<read fd>,<write fd>" from the child's point of view.
const ControlFDsEnv = "CLAWKEEPER_CONTROL_FDS"

// Child-side control descriptors. The supervisor wires them via
// exec.Cmd.ExtraFiles, so they land immediately after stderr.
const (
	childControlReadFD  = 3
	childControlWriteFD = 4
)

// execChild is a Child backed by a real OS process.
type execChild struct {
	cmd  *exec.Cmd
	conn control.Conn

	waitOnce sync.Once
	status   ExitStatus
}

// ExecLauncher spawns agent children with os/exec. The control channel
// rides on two pipes passed as fds 3 and 4; stdout and stderr pass
// through to the supervisor's own streams so agent logs stay visible.
type ExecLauncher struct{}

func (ExecLauncher) Launch(ctx context.Context, spec ChildSpec) (Child, error) {
	args := append([]string(nil), spec.Args...)
	if spec.Checkpoint != "" {
		args = append(args, "--checkpoint", spec.Checkpoint)
	}

	cmd := exec.CommandContext(ctx, spec.Command, args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d,%d", ControlFDsEnv, childControlReadFD, childControlWriteFD))

	// Supervisor → child pipe (child reads fd 3).
	childRead, supWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("control pipe: %w", err)
	}
	// Child → supervisor pipe (child writes fd 4).
	supRead, childWrite, err := os.Pipe()
	if err != nil {
		childRead.Close()
		supWrite.Close()
		return nil, fmt.Errorf("control pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{childRead, childWrite}

	if err := cmd.Start(); err != nil {
		childRead.Close()
		supWrite.Close()
		supRead.Close()
		childWrite.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	// The child inherited its ends; the supervisor must drop them so EOF
	// propagates when the child exits.
	childRead.Close()
	childWrite.Close()

	return &execChild{
		cmd:  cmd,
		conn: control.NewPipeConn(supRead, supWrite),
	}, nil
}

func (c *execChild) PID() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *execChild) Control() control.Conn { return c.conn }

func (c *execChild) Signal(sig os.Signal) error {
	if c.cmd.Process == nil {
		return fmt.Errorf("child not started")
	}
	return c.cmd.Process.Signal(sig)
}

func (c *execChild) Kill() error {
	if c.cmd.Process == nil {
		return fmt.Errorf("child not started")
	}
	return c.cmd.Process.Kill()
}

func (c *execChild) Wait() ExitStatus {
	c.waitOnce.Do(func() {
		_ = c.cmd.Wait()
		c.conn.Close()
		c.status = exitStatusFrom(c.cmd)
	})
	return c.status
}

// exitStatusFrom extracts code and signal from a finished command.
func exitStatusFrom(cmd *exec.Cmd) ExitStatus {
	ps := cmd.ProcessState
	if ps == nil {
		// Wait failed before the process ran to completion.
		return ExitStatus{Code: -1}
	}
	st := ExitStatus{Code: ps.ExitCode()}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = ws.Signal().String()
	}
	return st
}
