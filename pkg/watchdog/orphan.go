package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Environment markers set on every engine process the pool launches.
const (
	EnvInstanceID = "SIMBRIDGE_INSTANCE_ID"
	EnvOwnerPID   = "SIMBRIDGE_OWNER_PID"
)

// EnvironTable lists processes, their environments and their parents.
type EnvironTable interface {
	ProcessTable
	Pids(ctx context.Context) ([]int32, error)
	Environ(ctx context.Context, pid int32) ([]string, error)
	Parent(ctx context.Context, pid int32) (int32, error)
}

// Orphan is an engine process whose owner is gone.
type Orphan struct {
	PID        int32
	InstanceID string
	OwnerPID   int32
}

// OrphanSweep finds engine processes left behind by dead orchestrators, for
// the case where the watchdog itself was killed along with its parent.
type OrphanSweep struct {
	Table  EnvironTable
	Reap   ReapOptions
	Logger *slog.Logger
}

// NewOrphanSweep creates a sweep over the live process table.
func NewOrphanSweep() *OrphanSweep {
	return &OrphanSweep{
		Table:  SystemTable{},
		Reap:   DefaultReapOptions(),
		Logger: slog.Default(),
	}
}

// Find returns engine processes whose owner pid is no longer running.
// Descendants inherit the markers, so only the topmost marked process of
// each tree is reported; reaping it takes the rest of the tree.
func (s *OrphanSweep) Find(ctx context.Context) ([]Orphan, error) {
	pids, err := s.Table.Pids(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var orphans []Orphan
	for _, pid := range pids {
		env, err := s.Table.Environ(ctx, pid)
		if err != nil {
			// Permission denied or already gone.
			continue
		}
		orphan, ok := parseMarkers(pid, env)
		if !ok {
			continue
		}
		if s.Table.Alive(ctx, orphan.OwnerPID) {
			continue
		}
		orphans = append(orphans, orphan)
	}
	return s.roots(ctx, orphans), nil
}

// roots drops every orphan whose parent is itself an orphan.
func (s *OrphanSweep) roots(ctx context.Context, orphans []Orphan) []Orphan {
	marked := make(map[int32]bool, len(orphans))
	for _, o := range orphans {
		marked[o.PID] = true
	}

	out := orphans[:0]
	for _, o := range orphans {
		if ppid, err := s.Table.Parent(ctx, o.PID); err == nil && marked[ppid] {
			continue
		}
		out = append(out, o)
	}
	return out
}

// Run reaps every orphan it finds and returns them.
func (s *OrphanSweep) Run(ctx context.Context) ([]Orphan, error) {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}

	orphans, err := s.Find(ctx)
	if err != nil {
		return nil, err
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	log.Info("found orphaned engine processes", "count", len(orphans))
	for _, o := range orphans {
		opts := s.Reap
		opts.Logger = log
		result := Reap(ctx, s.Table, o.PID, opts)
		if result.Clean() {
			log.Info("reaped orphan", "pid", o.PID, "instance_id", o.InstanceID, "owner_pid", o.OwnerPID)
		} else {
			log.Error("orphan survived reap", "pid", o.PID, "survivors", result.Survivors)
		}
	}
	return orphans, nil
}

func parseMarkers(pid int32, env []string) (Orphan, bool) {
	o := Orphan{PID: pid}
	var haveOwner bool
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case EnvInstanceID:
			o.InstanceID = value
		case EnvOwnerPID:
			n, err := strconv.ParseInt(value, 10, 32)
			if err == nil {
				o.OwnerPID = int32(n)
				haveOwner = true
			}
		}
	}
	return o, o.InstanceID != "" && haveOwner
}
