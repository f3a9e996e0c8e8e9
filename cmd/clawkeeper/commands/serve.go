package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/checkpoint"
	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/gateway"
	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/journal"
	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/recycle"
	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/supervisor"
)

// newServeCmd creates the `clawkeeper serve` command that runs the watchdog.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the watchdog and supervise the agent process",
		Long: `Start Clawkeeper as a daemon: spawn the agent child process,
respawn it on crashes with exponential backoff, and coordinate planned
checkpointed restarts over the control channel.

Examples:
  clawkeeper serve
  clawkeeper serve --child ./agent
  clawkeeper serve --checkpoint ./resume.json --config ./clawkeeper.yaml`,
		RunE: runServe,
	}

	cmd.Flags().String("child", "", "agent executable (overrides child.command from config)")
	cmd.Flags().String("checkpoint", "", "checkpoint file to resume the agent from")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	logger := newLogger(cmd, cfg)
	if configPath != "" {
		logger.Info("config loaded", "path", configPath)
	}

	// ── Flags override config ──
	if child, _ := cmd.Flags().GetString("child"); child != "" {
		cfg.Child.Command = child
	}

	// ── Validate the initial checkpoint before anything spawns ──
	checkpointPath, _ := cmd.Flags().GetString("checkpoint")
	if checkpointPath != "" {
		if _, err := checkpoint.Read(checkpointPath); err != nil {
			return fmt.Errorf("initial checkpoint rejected: %w", err)
		}
		logger.Info("resuming from checkpoint", "path", checkpointPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Journal ──
	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		jnl, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer jnl.Close()
		logger.Info("journal opened", "path", cfg.Journal.Path)
	}

	// ── Supervisor ──
	sup := supervisor.New(cfg.SupervisorConfig(checkpointPath), supervisor.ExecLauncher{}, logger)

	// Consume lifecycle events: log them all, persist when the journal
	// is on. The channel closes once shutdown completes.
	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		for ev := range sup.Events() {
			logEvent(logger, ev)
			if jnl != nil {
				if err := jnl.Record(ev); err != nil {
					logger.Warn("journal write failed", "error", err)
				}
			}
		}
	}()

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	// ── Recycle scheduler ──
	recycler := recycle.New(cfg.Recycle, sup, logger)
	if err := recycler.Start(); err != nil {
		return fmt.Errorf("starting recycle scheduler: %w", err)
	}
	defer recycler.Stop()

	// ── Gateway ──
	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		var store gateway.EventStore
		if jnl != nil {
			store = jnl
		}
		gw = gateway.New(sup, sup, store, cfg.Gateway, logger)
		if err := gw.Start(ctx); err != nil {
			return fmt.Errorf("starting gateway: %w", err)
		}
	}

	// ── Wait for shutdown ──
	logger.Info("clawkeeper running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"child", cfg.Child.Command,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received, stopping...", "signal", sig.String())
	case <-sup.Done():
		// Escalation or a fatal spawn failure ended the loop on its own.
		runErr = sup.Err()
	}

	// Graceful shutdown with a hard outer deadline.
	done := make(chan struct{})
	go func() {
		if gw != nil {
			shutdownCtx, cancelGW := context.WithTimeout(context.Background(), 5*time.Second)
			_ = gw.Stop(shutdownCtx)
			cancelGW()
		}
		recycler.Stop()
		if err := sup.ShutdownBlocking(); err != nil {
			logger.Warn("supervisor shutdown", "error", err)
		}
		<-eventsDone
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(time.Duration(cfg.Supervisor.ShutdownTimeoutMs)*time.Millisecond + 10*time.Second):
		logger.Warn("shutdown timed out, forcing exit")
	}

	if runErr != nil {
		return runErr
	}
	return nil
}

// logEvent maps a lifecycle event onto a leveled log line.
func logEvent(logger *slog.Logger, ev supervisor.Event) {
	attrs := []any{"pid", ev.PID}
	switch ev.Type {
	case supervisor.EventSpawn:
		logger.Info("child spawned", attrs...)
	case supervisor.EventExit:
		logger.Warn("child exited", "pid", ev.PID, "code", ev.ExitCode, "signal", ev.Signal)
	case supervisor.EventRespawn:
		logger.Info("respawning child", "attempt", ev.Attempt, "delay", ev.Delay, "failures", ev.Failures)
	case supervisor.EventEscalation:
		logger.Error("escalating: child keeps failing", "failures", ev.Failures)
	case supervisor.EventIPCError:
		logger.Warn("control channel error", "pid", ev.PID, "message", ev.Message)
	case supervisor.EventRecycle:
		logger.Info("recycling child", "pid", ev.PID, "reason", ev.Message)
	case supervisor.EventShutdown:
		logger.Info("supervisor stopped")
	default:
		logger.Info("lifecycle event", "type", string(ev.Type), "pid", ev.PID)
	}
}
