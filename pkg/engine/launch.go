package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jrepp/simbridge/pkg/simerr"
	"github.com/jrepp/simbridge/pkg/watchdog"
)

// LaunchOptions tune a single launch.
type LaunchOptions struct {
	// Port overrides the port the instance was created with
	Port int

	// Replaceable lets the engine restart itself after a crash
	Replaceable bool
}

type readyResult struct {
	port int
	err  error
}

// Launch starts the engine and blocks until it reports readiness, its output
// stream closes, the ready timeout passes or ctx is done. For attached
// instances it only marks the instance ready.
func (i *Instance) Launch(ctx context.Context, opts LaunchOptions) error {
	if err := i.transition(StateLaunching); err != nil {
		return err
	}

	if i.existing {
		if opts.Port != 0 {
			i.mu.Lock()
			i.port = opts.Port
			i.mu.Unlock()
		}
		if i.Port() == 0 {
			_ = i.transition(StateTerminated)
			return simerr.New(simerr.CodeInvalidConfiguration, "attached instance has no port")
		}
		return i.transition(StateReady)
	}

	start := time.Now()
	err := i.launchProcess(ctx, opts)
	i.metrics.LaunchDuration(time.Since(start), err)
	if err != nil {
		i.log.Error("launch failed", "error", err)
		if i.claimTeardown() {
			i.teardown(context.Background(), false)
		}
	}

	i.mu.Lock()
	launched := i.launched
	i.mu.Unlock()
	if launched != nil {
		close(launched)
	}
	return err
}

func (i *Instance) launchProcess(ctx context.Context, opts LaunchOptions) error {
	manifest := i.cfg.Manifest

	i.mu.Lock()
	if opts.Port != 0 {
		i.port = opts.Port
		i.targetPort = opts.Port
	}
	port := i.port
	i.mu.Unlock()

	workDir, err := os.MkdirTemp("", "simbridge-"+i.id+"-")
	if err != nil {
		return simerr.Wrap(simerr.CodeLaunchFailed, err, "create working directory")
	}
	i.mu.Lock()
	i.workDir = workDir
	i.mu.Unlock()

	for _, asset := range manifest.Assets {
		if err := copyTree(asset.Source, filepath.Join(workDir, asset.Name)); err != nil {
			return simerr.Wrap(simerr.CodeLaunchFailed, err, "copy engine assets").
				WithContext("asset", asset.Name).
				WithContext("source", asset.Source)
		}
	}

	engineDir := filepath.Join(workDir, manifest.EngineAsset)
	args := i.launchArgs(engineDir, port, opts.Replaceable)
	i.log.Info("starting engine process", "command", strings.Join(args, " "), "port", port)

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = engineDir
	cmd.Env = i.processEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return simerr.Wrap(simerr.CodeLaunchFailed, err, "create output pipe")
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return simerr.Wrap(simerr.CodeLaunchFailed, err, "start engine process").
			WithContext("command", args[0]).
			WithSuggestion("Check that the launch script exists and is executable")
	}
	pw.Close()

	exited := make(chan struct{})
	launched := make(chan struct{})
	pumpDone := make(chan struct{})
	i.mu.Lock()
	i.cmd = cmd
	i.stdout = pr
	i.exited = exited
	i.launched = launched
	i.pumpDone = pumpDone
	i.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	go i.watchExit(exited, launched)

	i.startWatchdog(cmd.Process.Pid, workDir)

	ready := make(chan readyResult, 1)
	scanner := NewReadinessScanner(manifest.Markers)
	go i.pump(pr, scanner, ready, pumpDone)

	timer := time.NewTimer(manifest.ReadyTimeout)
	defer timer.Stop()

	var res readyResult
	select {
	case res = <-ready:
		if res.err != nil {
			return res.err
		}
	case <-timer.C:
		return simerr.New(simerr.CodeLaunchTimeout, "engine did not become ready in time").
			WithContext("instance_id", i.id).
			WithContext("timeout", manifest.ReadyTimeout.String()).
			WithContext("output", strings.Join(i.Output(), "\n"))
	case <-ctx.Done():
		return simerr.Wrap(simerr.CodeLaunchTimeout, ctx.Err(), "launch cancelled").
			WithContext("instance_id", i.id)
	}

	if res.port != 0 && res.port != port {
		i.log.Warn("requested port was taken, engine picked another",
			"requested_port", port, "port", res.port)
		i.mu.Lock()
		i.port = res.port
		i.mu.Unlock()
	}

	i.log.Info("engine process ready", "port", i.Port(), "pid", cmd.Process.Pid, "log_file", i.LogFile())
	return i.transition(StateReady)
}

// watchExit tears the instance down when the engine process exits without
// being asked to. It waits for Launch to finish so a failed launch is torn
// down exactly once.
func (i *Instance) watchExit(exited, launched <-chan struct{}) {
	<-exited
	<-launched
	if !i.claimTeardown() {
		return
	}
	i.log.Warn("engine process exited", "state", i.State(), "output", lastLine(i.Output()))
	i.teardown(context.Background(), false)
}

func lastLine(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

// launchArgs builds the engine command line.
func (i *Instance) launchArgs(engineDir string, port int, replaceable bool) []string {
	manifest := i.cfg.Manifest
	args := []string{
		filepath.Join(engineDir, manifest.LaunchScript),
		"-port", strconv.Itoa(port),
		"-env",
		"-runDir", filepath.Join(engineDir, manifest.RunDir),
	}
	if i.seed != 0 {
		args = append(args, "-seed", strconv.FormatInt(i.seed, 10))
	}
	if dp := i.DebugPort(); dp != 0 {
		args = append(args, "-jvm_debug_port", strconv.Itoa(dp))
	}
	if replaceable {
		args = append(args, "-replaceable")
	}
	return args
}

func (i *Instance) processEnv() []string {
	env := os.Environ()
	for k, v := range i.cfg.Manifest.Environment {
		env = append(env, k+"="+v)
	}
	return append(env,
		watchdog.EnvInstanceID+"="+i.id,
		watchdog.EnvOwnerPID+"="+ownerPID(),
	)
}

func (i *Instance) startWatchdog(childPID int, workDir string) {
	if i.cfg.DisableWatchdog {
		return
	}
	command := i.cfg.WatchdogCommand
	if len(command) == 0 {
		var err error
		command, err = watchdog.DefaultCommand()
		if err != nil {
			i.log.Warn("engine runs without a watchdog", "error", err)
			return
		}
	}

	h, err := watchdog.Spawn(watchdog.SpawnConfig{
		Command:   command,
		ParentPID: os.Getpid(),
		ChildPID:  childPID,
		ChildDirs: []string{workDir},
		LogDir:    i.cfg.LogDir,
	})
	if err != nil {
		i.log.Warn("failed to start watchdog", "error", err)
		return
	}
	i.mu.Lock()
	i.watcher = h
	i.mu.Unlock()
	i.log.Debug("watchdog started", "watchdog_pid", h.PID, "log_file", h.LogFile)
}

// pump drains engine output for the lifetime of the process. Until the
// client marker appears it also drives readiness detection.
func (i *Instance) pump(r io.ReadCloser, scanner *ReadinessScanner, ready chan<- readyResult, done chan<- struct{}) {
	defer close(done)
	defer r.Close()

	sink := i.newSink()
	defer sink.Close()

	reader := bufio.NewReader(r)
	var startup []string
	signalled := false

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			i.record(sink, line)

			wasServerReady := scanner.ServerReady
			if !signalled {
				startup = append(startup, line)
				if scanner.Feed(line) {
					signalled = true
					ready <- readyResult{port: scanner.Port}
				}
			} else {
				scanner.Feed(line)
			}
			if scanner.ServerReady && !wasServerReady {
				i.mu.Lock()
				i.serverReady = true
				i.mu.Unlock()
			}
		}

		if err != nil {
			if !signalled {
				cause := err
				if errors.Is(err, io.EOF) {
					cause = fmt.Errorf("engine output closed")
				}
				ready <- readyResult{err: simerr.ErrLaunchFailed(i.id, strings.Join(startup, "\n"), cause)}
			}
			i.log.Debug("engine output closed")
			return
		}
	}
}
