package engine

import (
	"context"
	"os"
	"time"

	"github.com/jrepp/simbridge/pkg/watchdog"
)

// Destroy stops the engine and releases everything the instance owns. It is
// idempotent. Attached instances are only detached: the socket is closed and
// the foreign process is left alone.
func (i *Instance) Destroy(ctx context.Context) error {
	if !i.claimTeardown() {
		return nil
	}

	if i.existing {
		i.CloseSocket()
		_ = i.transition(StateTerminated)
		i.log.Info("detached from engine", "addr", i.Addr())
		if i.onDetach != nil {
			i.onDetach(i)
		}
		if i.onRemove != nil {
			i.onRemove(i)
		}
		return nil
	}

	i.teardown(ctx, true)
	return nil
}

// claimTeardown marks the instance as being destroyed. It returns false when
// another caller already claimed it or it is already terminated.
func (i *Instance) claimTeardown() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateTerminated || i.destroying {
		return false
	}
	i.destroying = true
	return true
}

// teardown terminates the process tree, removes the working directory and
// marks the instance terminated. When exit is set the engine is first asked
// to exit over the control protocol. Callers must hold the teardown claim.
func (i *Instance) teardown(ctx context.Context, exit bool) {
	i.mu.Lock()
	cmd := i.cmd
	exited := i.exited
	stdout := i.stdout
	workDir := i.workDir
	i.mu.Unlock()

	i.CloseSocket()

	if cmd != nil && cmd.Process != nil {
		if exit && !processDone(exited) {
			if sendExit(ctx, i.Addr(), i.cfg.ExitTimeout) {
				i.log.Debug("engine acknowledged exit")
				select {
				case <-exited:
				case <-time.After(i.cfg.ExitGrace):
				case <-ctx.Done():
				}
			}
		}

		result := watchdog.Reap(ctx, i.table, int32(cmd.Process.Pid), watchdog.ReapOptions{
			GracePeriod:  5 * time.Second,
			KillWait:     5 * time.Second,
			PollInterval: 50 * time.Millisecond,
			Logger:       i.log,
		})
		i.metrics.Reap(len(result.Order), len(result.Survivors))
		if !result.Clean() {
			i.log.Error("engine process tree survived reap", "survivors", result.Survivors)
		}
	}

	if stdout != nil {
		_ = stdout.Close()
	}

	if workDir != "" {
		if err := os.RemoveAll(workDir); err != nil {
			i.log.Warn("failed to delete working directory", "dir", workDir, "error", err)
		}
	}

	_ = i.transition(StateTerminated)
	i.log.Info("engine destroyed")

	if i.onRemove != nil {
		i.onRemove(i)
	}
}

func processDone(exited <-chan struct{}) bool {
	if exited == nil {
		return true
	}
	select {
	case <-exited:
		return true
	default:
		return false
	}
}
