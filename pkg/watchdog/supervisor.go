// Package watchdog guarantees that an engine process tree does not outlive
// the orchestrator that launched it. The supervisor runs in its own daemon
// process and only observes process liveness and the filesystem.
package watchdog

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Outcome describes why a supervisor loop ended.
type Outcome int

const (
	// OutcomeChildExited means the engine went away on its own.
	OutcomeChildExited Outcome = iota
	// OutcomeParentDied means the orchestrator died and the engine was reaped.
	OutcomeParentDied
	// OutcomeCancelled means the supervisor context was cancelled.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeChildExited:
		return "child-exited"
	case OutcomeParentDied:
		return "parent-died"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Supervisor watches one orchestrator/engine pair.
type Supervisor struct {
	ParentPID int32
	ChildPID  int32
	ChildDirs []string

	// StartDelay is slept once before polling begins (default 1s)
	StartDelay time.Duration

	// PollInterval is the liveness polling period (default 500ms)
	PollInterval time.Duration

	Reap   ReapOptions
	Table  ProcessTable
	Logger *slog.Logger
}

// NewSupervisor creates a supervisor with the default timings.
func NewSupervisor(parentPID, childPID int32, childDirs []string) *Supervisor {
	return &Supervisor{
		ParentPID:    parentPID,
		ChildPID:     childPID,
		ChildDirs:    childDirs,
		StartDelay:   time.Second,
		PollInterval: 500 * time.Millisecond,
		Reap:         DefaultReapOptions(),
		Table:        SystemTable{},
		Logger:       slog.Default(),
	}
}

// Run polls until the parent or the child is gone. It never returns an error:
// nothing upstream could act on one.
func (s *Supervisor) Run(ctx context.Context) Outcome {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	table := s.Table
	if table == nil {
		table = SystemTable{}
	}
	poll := s.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	log = log.With("parent_pid", s.ParentPID, "child_pid", s.ChildPID)
	log.Info("watchdog started", "child_dirs", s.ChildDirs)

	select {
	case <-ctx.Done():
		return OutcomeCancelled
	case <-time.After(s.StartDelay):
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if !table.Alive(ctx, s.ParentPID) {
			log.Info("parent process died, reaping child")
			opts := s.Reap
			opts.Logger = log
			result := Reap(ctx, table, s.ChildPID, opts)
			if !result.Clean() {
				log.Error("child tree not fully reaped", "survivors", result.Survivors)
			}
			s.removeDirs(log)
			log.Info("watchdog finished", "outcome", OutcomeParentDied.String())
			return OutcomeParentDied
		}
		if !table.Alive(ctx, s.ChildPID) {
			log.Info("child process exited, nothing to do")
			return OutcomeChildExited
		}

		select {
		case <-ctx.Done():
			return OutcomeCancelled
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) removeDirs(log *slog.Logger) {
	for _, dir := range s.ChildDirs {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("failed to remove directory", "dir", dir, "error", err)
			continue
		}
		log.Info("removed directory", "dir", dir)
	}
}
