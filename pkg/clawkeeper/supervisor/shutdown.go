package supervisor

import (
	"context"
	"syscall"
	"time"
)

// Shutdown gracefully stops supervision: the shutdown flag is set first
// (so no exit observed from here on counts as a failure), any backoff wait
// is cancelled, the child gets SIGTERM, and after ShutdownTimeout a forced
// kill. Idempotent — concurrent callers share one outcome. The terminal
// shutdown event fires once the child is confirmed gone, after which the
// event stream is closed.
//
// The passed context bounds only this caller's wait, not the shutdown
// itself; the entry point keeps its own coarser force-exit deadline as a
// backstop.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() { go s.doShutdown() })
	select {
	case <-s.shutdownDone:
		return s.shutdownErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) doShutdown() {
	defer close(s.shutdownDone)

	s.mu.Lock()
	s.shuttingDown = true
	started := s.loopCtx != nil
	cancel := s.loopCancel
	if s.state != StateStopped {
		s.state = StateShuttingDown
	}
	child := s.child
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if child != nil {
		s.logger.Info("shutdown: signaling child", "pid", child.PID())
		if err := child.Signal(syscall.SIGTERM); err != nil {
			s.logger.Warn("shutdown signal failed", "error", err)
		}
		select {
		case <-s.loopDone:
		case <-time.After(s.cfg.ShutdownTimeout):
			s.logger.Warn("shutdown timeout, killing child", "pid", child.PID())
			if err := child.Kill(); err != nil {
				s.logger.Error("kill failed", "error", err)
				s.shutdownErr = err
			}
			<-s.loopDone
		}
	} else if started {
		// Loop may be mid-backoff; the cancel above stops it.
		<-s.loopDone
	} else {
		// Never started: nothing is running, but Done must still resolve.
		s.closeLoopDone()
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.logger.Info("shutdown complete")
	s.emit(Event{Type: EventShutdown})
	close(s.events)
}

// ShutdownBlocking is Shutdown with no caller deadline.
func (s *Supervisor) ShutdownBlocking() error {
	return s.Shutdown(context.Background())
}
