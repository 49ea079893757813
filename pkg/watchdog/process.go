package watchdog

import (
	"context"
	"errors"
	"slices"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessTable is the view of the host process table the reaper needs.
type ProcessTable interface {
	// Children returns the direct children of pid.
	Children(ctx context.Context, pid int32) ([]int32, error)

	// Terminate sends the graceful stop signal.
	Terminate(ctx context.Context, pid int32) error

	// Kill sends the forceful stop signal.
	Kill(ctx context.Context, pid int32) error

	// Alive reports whether pid is running. Zombies count as dead.
	Alive(ctx context.Context, pid int32) bool
}

// SystemTable reads the live process table through gopsutil.
type SystemTable struct{}

var (
	_ ProcessTable = SystemTable{}
	_ EnvironTable = SystemTable{}
)

func (SystemTable) lookup(ctx context.Context, pid int32) (*process.Process, error) {
	return process.NewProcessWithContext(ctx, pid)
}

// Children returns the direct children of pid.
func (t SystemTable) Children(ctx context.Context, pid int32) ([]int32, error) {
	p, err := t.lookup(ctx, pid)
	if err != nil {
		return nil, err
	}
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		if errors.Is(err, process.ErrorNoChildren) {
			return nil, nil
		}
		return nil, err
	}
	pids := make([]int32, 0, len(children))
	for _, c := range children {
		pids = append(pids, c.Pid)
	}
	return pids, nil
}

// Terminate sends SIGTERM.
func (t SystemTable) Terminate(ctx context.Context, pid int32) error {
	p, err := t.lookup(ctx, pid)
	if err != nil {
		return err
	}
	return p.TerminateWithContext(ctx)
}

// Kill sends SIGKILL.
func (t SystemTable) Kill(ctx context.Context, pid int32) error {
	p, err := t.lookup(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

// Alive reports whether pid exists and is not a zombie.
func (t SystemTable) Alive(ctx context.Context, pid int32) bool {
	if pid <= 0 {
		return false
	}
	p, err := t.lookup(ctx, pid)
	if err != nil {
		return false
	}
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	return !slices.Contains(status, process.Zombie)
}

// Pids lists every process on the host.
func (SystemTable) Pids(ctx context.Context) ([]int32, error) {
	return process.PidsWithContext(ctx)
}

// Environ returns the environment of pid.
func (t SystemTable) Environ(ctx context.Context, pid int32) ([]string, error) {
	p, err := t.lookup(ctx, pid)
	if err != nil {
		return nil, err
	}
	return p.EnvironWithContext(ctx)
}

// Parent returns the parent pid of pid.
func (t SystemTable) Parent(ctx context.Context, pid int32) (int32, error) {
	p, err := t.lookup(ctx, pid)
	if err != nil {
		return 0, err
	}
	return p.PpidWithContext(ctx)
}
