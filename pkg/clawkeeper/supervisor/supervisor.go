// Package supervisor implements the watchdog around a single agent child
// process: spawn, monitor, respawn with exponential backoff, planned
// checkpointed restarts via the control channel, and a bounded graceful
// shutdown with a forced-kill fallback.
//
// Lifecycle:
//
//	Idle → Spawning → Running → exit → (planned?  respawn with checkpoint)
//	                                   (recycle?  respawn, counter reset)
//	                                   (unplanned? backoff wait → respawn,
//	                                               or escalate and stop)
//	any non-terminal state → ShuttingDown → Stopped
//
// The supervisor exclusively owns the child handle, the consecutive-failure
// counter, and the pending-checkpoint slot; callers interact only through
// Start, Recycle, Shutdown, Snapshot, and the event stream.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/backoff"
	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/checkpoint"
	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/control"
)

// DefaultShutdownTimeout bounds the graceful-stop wait before the child
// is forcibly killed.
const DefaultShutdownTimeout = 10 * time.Second

// State names one position in the lifecycle machine.
type State string

const (
	StateIdle         State = "idle"
	StateSpawning     State = "spawning"
	StateRunning      State = "running"
	StateBackoffWait  State = "backoff_wait"
	StateEscalated    State = "escalated"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
)

// ErrEscalated is wrapped by the supervisor's terminal error when the
// consecutive-failure threshold was reached.
var ErrEscalated = errors.New("supervisor: escalated after repeated failures")

// ErrNotRunning is returned by Recycle when there is no child to recycle.
var ErrNotRunning = errors.New("supervisor: child not running")

// Config holds the supervisor parameters.
type Config struct {
	// Child describes the agent process to supervise. Checkpoint, when
	// set, is the initial resume document for the first spawn.
	Child ChildSpec

	// Backoff is the respawn policy for unplanned exits.
	Backoff backoff.Policy

	// ShutdownTimeout bounds the graceful stop before a forced kill.
	// Zero means DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// StableAfter, when positive, restarts the failure streak at 1 when
	// the child had been running at least this long before an unplanned
	// exit. Zero disables the decay: an old streak keeps counting.
	StableAfter time.Duration

	// ValidateCheckpoints makes the supervisor eagerly read and validate
	// a handed-off checkpoint file during the handshake instead of only
	// checking the path. Invalid documents then deny the restart.
	ValidateCheckpoints bool
}

// Snapshot is a point-in-time view of the supervisor for status surfaces.
type Snapshot struct {
	State             State     `json:"state"`
	PID               int       `json:"pid,omitempty"`
	Failures          int       `json:"consecutive_failures"`
	PendingCheckpoint string    `json:"pending_checkpoint,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	ChildStartedAt    time.Time `json:"child_started_at,omitzero"`
	Spawns            int       `json:"spawns"`
}

// Supervisor watches one agent child process slot.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	logger   *slog.Logger

	events chan Event

	mu             sync.Mutex
	state          State
	child          Child
	failures       int
	pending        string // checkpoint recorded by an acked handshake
	next           string // checkpoint for the next spawn
	recycleReason  string
	shuttingDown   bool
	startedAt      time.Time
	childStartedAt time.Time
	spawns         int

	recycleCh chan string

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	loopClosed bool // guarded by mu; loopDone closes exactly once
	runErr     error

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	shutdownErr  error
}

// New builds a supervisor. Nothing runs until Start.
func New(cfg Config, launcher Launcher, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	cfg.Backoff = cfg.Backoff.Normalized()
	return &Supervisor{
		cfg:          cfg,
		launcher:     launcher,
		logger:       logger.With("component", "supervisor"),
		events:       make(chan Event, 64),
		state:        StateIdle,
		recycleCh:    make(chan string, 1),
		loopDone:     make(chan struct{}),
		shutdownDone: make(chan struct{}),
	}
}

// Events is the stream of tagged lifecycle events, in emission order.
// It is closed exactly once, after Shutdown completes.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Done is closed when the supervision loop has stopped — escalation,
// shutdown, or a terminal spawn failure.
func (s *Supervisor) Done() <-chan struct{} { return s.loopDone }

// Err reports why the loop stopped. Nil for a clean shutdown.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Start launches the first child. A launch failure here is a startup
// error: the caller should treat it as fatal — there is nothing to
// monitor yet and no respawn loop begins.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already started (state %s)", s.state)
	}
	s.state = StateSpawning
	s.startedAt = time.Now()
	s.next = s.cfg.Child.Checkpoint
	// Assigned under mu: doShutdown reads both fields under the same lock.
	s.loopCtx, s.loopCancel = context.WithCancel(ctx)
	s.mu.Unlock()

	child, err := s.spawn(s.loopCtx)
	if err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.runErr = err
		s.mu.Unlock()
		s.closeLoopDone()
		return err
	}

	go s.run(child)
	return nil
}

// spawn launches one child with the pending next-checkpoint (if any) and
// records it. The next-checkpoint slot is cleared only on success so a
// failed spawn retries with the same resume document.
func (s *Supervisor) spawn(ctx context.Context) (Child, error) {
	s.mu.Lock()
	if s.shuttingDown {
		// Checked under the same lock Shutdown takes: no spawn can ever
		// be ordered after shutdown has been entered.
		s.mu.Unlock()
		return nil, context.Canceled
	}
	spec := s.cfg.Child
	spec.Checkpoint = s.next
	s.state = StateSpawning
	s.mu.Unlock()

	child, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("spawn child: %w", err)
	}

	s.mu.Lock()
	s.child = child
	s.state = StateRunning
	s.childStartedAt = time.Now()
	s.next = ""
	s.pending = ""
	s.recycleReason = ""
	s.spawns++
	s.mu.Unlock()

	s.logger.Info("child spawned", "pid", child.PID(), "checkpoint", spec.Checkpoint)
	s.emit(Event{Type: EventSpawn, PID: child.PID()})
	return child, nil
}

// run is the supervision loop. It owns all respawn decisions; Shutdown
// only ever cancels waits and signals the current child.
func (s *Supervisor) run(child Child) {
	defer s.closeLoopDone()

	for {
		status := s.monitor(child)

		s.mu.Lock()
		uptime := time.Since(s.childStartedAt)
		s.child = nil
		planned := s.pending != ""
		recycled := s.recycleReason != ""
		recycleReason := s.recycleReason
		pendingPath := s.pending
		down := s.shuttingDown
		s.mu.Unlock()

		s.logger.Info("child exited",
			"pid", child.PID(), "code", status.Code, "signal", status.Signal,
			"planned", planned, "uptime", uptime.Round(time.Millisecond))
		s.emit(Event{Type: EventExit, PID: child.PID(), ExitCode: status.Code, Signal: status.Signal})

		if down {
			// Shutdown owns the rest; exits here are never failures.
			return
		}

		switch {
		case planned:
			s.mu.Lock()
			s.failures = 0
			s.next = pendingPath
			s.pending = ""
			s.mu.Unlock()

			next, err := s.spawn(s.loopCtx)
			if err != nil {
				if s.handleSpawnFailure(err) {
					return
				}
				continue
			}
			child = next

		case recycled:
			s.mu.Lock()
			s.failures = 0
			s.recycleReason = ""
			s.mu.Unlock()
			s.emit(Event{Type: EventRecycle, Message: recycleReason})

			next, err := s.spawn(s.loopCtx)
			if err != nil {
				if s.handleSpawnFailure(err) {
					return
				}
				continue
			}
			child = next

		default:
			if s.handleUnplannedExit(status, uptime) {
				return
			}
			next, err := s.spawn(s.loopCtx)
			if err != nil {
				if s.handleSpawnFailure(err) {
					return
				}
				continue
			}
			child = next
		}
	}
}

// handleUnplannedExit bumps the failure counter and either waits out the
// backoff delay or escalates. Returns true when the loop must stop.
func (s *Supervisor) handleUnplannedExit(status ExitStatus, uptime time.Duration) bool {
	s.mu.Lock()
	if s.cfg.StableAfter > 0 && uptime >= s.cfg.StableAfter {
		// The child was healthy long enough that the old streak is stale.
		s.failures = 1
	} else {
		s.failures++
	}
	failures := s.failures
	s.mu.Unlock()

	decision := s.cfg.Backoff.Decide(failures)
	if decision.Escalate {
		s.logger.Error("escalating: consecutive failure threshold reached",
			"failures", failures, "code", status.Code, "signal", status.Signal)
		s.emit(Event{Type: EventEscalation, Failures: failures})
		s.mu.Lock()
		s.state = StateEscalated
		s.runErr = fmt.Errorf("%w (%d consecutive failures)", ErrEscalated, failures)
		s.mu.Unlock()
		return true
	}

	s.logger.Warn("respawning after failure",
		"attempt", failures, "delay", decision.Delay,
		"code", status.Code, "signal", status.Signal)
	s.emit(Event{Type: EventRespawn, Attempt: failures, Delay: decision.Delay})

	s.mu.Lock()
	s.state = StateBackoffWait
	s.mu.Unlock()

	if err := sleepCtx(s.loopCtx, decision.Delay); err != nil {
		// Shutdown cancelled the wait; no further spawns.
		return true
	}
	return false
}

// handleSpawnFailure treats a mid-loop launch failure like an unplanned
// exit: counter, backoff, escalation. Returns true when the loop must stop.
func (s *Supervisor) handleSpawnFailure(err error) bool {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return true
	}
	s.failures++
	failures := s.failures
	s.mu.Unlock()

	s.logger.Error("child launch failed", "error", err, "failures", failures)

	decision := s.cfg.Backoff.Decide(failures)
	if decision.Escalate {
		s.emit(Event{Type: EventEscalation, Failures: failures})
		s.mu.Lock()
		s.state = StateEscalated
		s.runErr = fmt.Errorf("%w (%d consecutive failures): %v", ErrEscalated, failures, err)
		s.mu.Unlock()
		return true
	}

	s.emit(Event{Type: EventRespawn, Attempt: failures, Delay: decision.Delay})
	s.mu.Lock()
	s.state = StateBackoffWait
	s.mu.Unlock()

	return sleepCtx(s.loopCtx, decision.Delay) != nil
}

// controlResult carries one Recv outcome from the reader goroutine.
type controlResult struct {
	msg control.Message
	err error
}

// monitor watches one child until it exits: control frames are handled as
// they arrive (including during an in-flight shutdown, so a handshake
// still gets its ack), recycle requests signal the child, and the exit
// status is returned.
func (s *Supervisor) monitor(child Child) ExitStatus {
	exitCh := make(chan ExitStatus, 1)
	go func() { exitCh <- child.Wait() }()

	// Closed when monitor returns so a reader blocked on a full msgs
	// buffer is released even if the child exited with frames queued.
	readerDone := make(chan struct{})
	defer close(readerDone)

	msgs := make(chan controlResult, 8)
	go func() {
		defer close(msgs)
		conn := child.Control()
		if conn == nil {
			return
		}
		for {
			m, err := conn.Recv()
			if err == io.EOF {
				return
			}
			select {
			case msgs <- controlResult{msg: m, err: err}:
			case <-readerDone:
				return
			}
			var bad *control.BadFrameError
			if err != nil && !errors.As(err, &bad) {
				// Terminal transport error; the exit will follow.
				return
			}
		}
	}()

	for {
		select {
		case st := <-exitCh:
			return st

		case res, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			if res.err != nil {
				s.logger.Warn("control channel error", "error", res.err)
				s.emit(Event{Type: EventIPCError, PID: child.PID(), Message: res.err.Error()})
				var bad *control.BadFrameError
				if errors.As(res.err, &bad) {
					// The frame may have been a mangled handshake; reply so
					// the child is not left waiting for an ack that never
					// comes. Best effort only.
					if conn := child.Control(); conn != nil {
						if serr := conn.Send(control.Error(res.err.Error())); serr != nil {
							s.logger.Warn("control send failed", "error", serr)
						}
					}
				}
				continue
			}
			s.handleControl(child, res.msg)

		case reason := <-s.recycleCh:
			s.mu.Lock()
			s.recycleReason = reason
			s.mu.Unlock()
			s.logger.Info("recycle requested, signaling child", "pid", child.PID(), "reason", reason)
			if err := child.Signal(syscall.SIGTERM); err != nil {
				s.logger.Warn("recycle signal failed", "error", err)
			}
		}
	}
}

// handleControl processes one well-formed control frame from the child.
func (s *Supervisor) handleControl(child Child, m control.Message) {
	conn := child.Control()

	switch m.Type {
	case control.TypePlannedRestart:
		if err := s.acceptCheckpoint(m.Checkpoint); err != nil {
			s.logger.Warn("planned restart denied", "checkpoint", m.Checkpoint, "error", err)
			if serr := conn.Send(control.Error(err.Error())); serr != nil {
				s.logger.Warn("control send failed", "error", serr)
			}
			return
		}
		s.logger.Info("planned restart accepted", "checkpoint", m.Checkpoint)
		if err := conn.Send(control.RestartAck()); err != nil {
			s.logger.Warn("control send failed", "error", err)
		}

	case control.TypeError:
		s.logger.Warn("child reported protocol error", "message", m.Message)
		s.emit(Event{Type: EventIPCError, PID: child.PID(), Message: m.Message})

	default:
		// restart_ack is supervisor → child only; anything else already
		// failed shape validation in the control package.
		s.emit(Event{Type: EventIPCError, PID: child.PID(),
			Message: fmt.Sprintf("unexpected %s frame from child", m.Type)})
	}
}

// acceptCheckpoint validates a handed-off checkpoint path and records it
// as pending. A second handshake while one is pending overwrites the
// first — only the next spawn can consume it.
func (s *Supervisor) acceptCheckpoint(path string) error {
	if path == "" {
		return errors.New("checkpoint path is empty")
	}
	if s.cfg.ValidateCheckpoints {
		if _, err := checkpoint.Read(path); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.pending = path
	s.mu.Unlock()
	return nil
}

// Recycle asks the supervisor to gracefully restart the child: SIGTERM,
// then an immediate respawn with the failure counter reset. The resulting
// exit is never treated as a failure. Reason is surfaced in the recycle
// event.
func (s *Supervisor) Recycle(reason string) error {
	s.mu.Lock()
	if s.shuttingDown || s.child == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.mu.Unlock()

	select {
	case s.recycleCh <- reason:
		return nil
	default:
		return errors.New("supervisor: recycle already in flight")
	}
}

// Snapshot returns a point-in-time view for status surfaces.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:             s.state,
		Failures:          s.failures,
		PendingCheckpoint: s.pending,
		StartedAt:         s.startedAt,
		ChildStartedAt:    s.childStartedAt,
		Spawns:            s.spawns,
	}
	if s.child != nil {
		snap.PID = s.child.PID()
	}
	return snap
}

// emit delivers an event without ever blocking supervision. A full buffer
// drops the event with a warning; the journal and log remain authoritative.
func (s *Supervisor) emit(ev Event) {
	ev.Time = time.Now()
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event buffer full, dropping event", "type", ev.Type)
	}
}

// closeLoopDone closes Done exactly once. Start's failure path and
// doShutdown's never-started path can both reach it when Start and
// Shutdown race.
func (s *Supervisor) closeLoopDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loopClosed {
		s.loopClosed = true
		close(s.loopDone)
	}
}

// sleepCtx is the cancellable delay used for backoff waits. Returns the
// context error when cancelled early.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
