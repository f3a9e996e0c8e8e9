// Package recycle schedules maintenance restarts of the agent child.
// Uses robfig/cron for cron expression parsing. A recycle is a graceful
// stop plus an immediate respawn with the failure counter reset — routine
// maintenance, never a failure.
package recycle

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Restarter is the supervisor-side hook the scheduler drives.
type Restarter interface {
	Recycle(reason string) error
}

// Config configures scheduled recycling.
type Config struct {
	// Enabled turns scheduled recycling on.
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron expression or shorthand (@daily, @every 24h).
	Schedule string `yaml:"schedule"`

	// Reason is surfaced in the recycle lifecycle event.
	// Defaults to "scheduled maintenance".
	Reason string `yaml:"reason"`
}

// Scheduler fires recycle requests on a cron schedule.
type Scheduler struct {
	cfg    Config
	cron   *cron.Cron
	target Restarter
	logger *slog.Logger
}

// New builds a scheduler. Nothing runs until Start.
func New(cfg Config, target Restarter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Reason == "" {
		cfg.Reason = "scheduled maintenance"
	}
	return &Scheduler{
		cfg:    cfg,
		cron:   cron.New(),
		target: target,
		logger: logger.With("component", "recycle"),
	}
}

// Start registers the schedule and starts the cron runner.
func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.cfg.Schedule == "" {
		return fmt.Errorf("recycle enabled but no schedule configured")
	}

	_, err := s.cron.AddFunc(s.cfg.Schedule, s.fire)
	if err != nil {
		return fmt.Errorf("invalid recycle schedule %q: %w", s.cfg.Schedule, err)
	}

	s.cron.Start()
	s.logger.Info("recycle schedule active", "schedule", s.cfg.Schedule)
	return nil
}

func (s *Scheduler) fire() {
	s.logger.Info("scheduled recycle firing", "reason", s.cfg.Reason)
	if err := s.target.Recycle(s.cfg.Reason); err != nil {
		// Not running or already recycling; the next tick will retry.
		s.logger.Warn("scheduled recycle skipped", "error", err)
	}
}

// Stop halts the cron runner. Pending job goroutines finish on their own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
