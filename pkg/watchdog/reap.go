package watchdog

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// ReapOptions bounds each phase of the two-phase escalation.
type ReapOptions struct {
	// GracePeriod is how long to wait after SIGTERM
	GracePeriod time.Duration

	// KillWait is how long to wait after SIGKILL before giving up
	KillWait time.Duration

	// PollInterval is the liveness polling period
	PollInterval time.Duration

	Logger *slog.Logger
}

// DefaultReapOptions returns 5s per phase, polled every 50ms.
func DefaultReapOptions() ReapOptions {
	return ReapOptions{
		GracePeriod:  5 * time.Second,
		KillWait:     5 * time.Second,
		PollInterval: 50 * time.Millisecond,
	}
}

// ReapResult lists what the reaper did, in signalling order.
type ReapResult struct {
	Order     []int32
	Killed    []int32
	Survivors []int32
}

// Clean reports whether every process in the tree is gone.
func (r ReapResult) Clean() bool { return len(r.Survivors) == 0 }

// Descendants returns every descendant of pid in depth-first pre-order.
func Descendants(ctx context.Context, table ProcessTable, pid int32) []int32 {
	var out []int32
	var walk func(int32)
	walk = func(p int32) {
		children, err := table.Children(ctx, p)
		if err != nil {
			return
		}
		for _, c := range children {
			if c == pid || slices.Contains(out, c) {
				continue
			}
			out = append(out, c)
			walk(c)
		}
	}
	walk(pid)
	return out
}

// Reap terminates pid and all of its descendants. Descendants are handled
// deepest first, the root last. Each process gets SIGTERM, then SIGKILL if
// it outlives the grace period; a process that survives both is logged and
// recorded in Survivors, never reported as reaped.
func Reap(ctx context.Context, table ProcessTable, pid int32, opts ReapOptions) ReapResult {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}

	order := Descendants(ctx, table, pid)
	slices.Reverse(order)
	order = append(order, pid)

	var result ReapResult
	for _, p := range order {
		result.Order = append(result.Order, p)
		if !table.Alive(ctx, p) {
			continue
		}

		if err := table.Terminate(ctx, p); err != nil {
			log.Debug("terminate failed", "pid", p, "error", err)
		}
		if waitGone(ctx, table, p, opts.GracePeriod, opts.PollInterval) {
			continue
		}

		log.Warn("process ignored SIGTERM, killing", "pid", p, "grace_period", opts.GracePeriod)
		result.Killed = append(result.Killed, p)
		if err := table.Kill(ctx, p); err != nil {
			log.Debug("kill failed", "pid", p, "error", err)
		}
		if waitGone(ctx, table, p, opts.KillWait, opts.PollInterval) {
			continue
		}

		log.Error("process survived SIGKILL, giving up", "pid", p)
		result.Survivors = append(result.Survivors, p)
	}
	return result
}

func waitGone(ctx context.Context, table ProcessTable, pid int32, timeout, poll time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !table.Alive(ctx, pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !table.Alive(context.Background(), pid)
		case <-time.After(poll):
		}
	}
}
