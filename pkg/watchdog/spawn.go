package watchdog

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
)

// BinaryName is the executable that hosts the watchdog subcommand.
const BinaryName = "simbridge"

// SpawnConfig describes one watchdog daemon.
type SpawnConfig struct {
	// Command is the program and leading arguments that run the daemon,
	// e.g. ["/usr/local/bin/simbridge", "watchdog"]
	Command []string

	ParentPID int
	ChildPID  int
	ChildDirs []string

	// LogDir is the root under which logs/watchdog/ is created
	LogDir string
}

// Handle identifies a spawned watchdog.
type Handle struct {
	PID     int
	LogFile string
	PIDFile string
}

// DefaultCommand locates the simbridge binary: the running executable when
// it is simbridge itself, else the first match on PATH.
func DefaultCommand() ([]string, error) {
	if exe, err := os.Executable(); err == nil && filepath.Base(exe) == BinaryName {
		return []string{exe, "watchdog"}, nil
	}
	path, err := exec.LookPath(BinaryName)
	if err != nil {
		return nil, fmt.Errorf("locate watchdog binary: %w", err)
	}
	return []string{path, "watchdog"}, nil
}

// Paths returns the log and pid file locations for a parent/child pair.
func Paths(logDir string, parentPID, childPID int) (logFile, pidFile string) {
	dir := filepath.Join(logDir, "logs", "watchdog")
	base := fmt.Sprintf("watchdog%d-%d", parentPID, childPID)
	return filepath.Join(dir, base+".log"), filepath.Join(dir, base+".pid")
}

// Args builds the daemon argument list that follows Command.
func Args(parentPID, childPID int, childDirs []string, logFile string) []string {
	args := []string{strconv.Itoa(parentPID), strconv.Itoa(childPID)}
	if logFile != "" {
		args = append(args, "--log-file", logFile)
	}
	if len(childDirs) > 0 {
		args = append(args, "--child-dirs")
		args = append(args, childDirs...)
	}
	return args
}

// Spawn starts the watchdog in its own session so that signals aimed at the
// orchestrator's process group do not reach it. The daemon writes its own
// log; its stdio is detached.
func Spawn(cfg SpawnConfig) (*Handle, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("watchdog command is empty")
	}
	logDir := cfg.LogDir
	if logDir == "" {
		logDir = "."
	}

	logFile, pidFile := Paths(logDir, cfg.ParentPID, cfg.ChildPID)
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, fmt.Errorf("create watchdog log dir: %w", err)
	}

	args := append(append([]string{}, cfg.Command[1:]...),
		Args(cfg.ParentPID, cfg.ChildPID, cfg.ChildDirs, logFile)...)
	cmd := exec.Command(cfg.Command[0], args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start watchdog: %w", err)
	}

	pid := cmd.Process.Pid
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		// the daemon is running; a missing pid file only hurts diagnostics
		pidFile = ""
	}

	// Collect the exit status so a finished watchdog does not linger as a zombie.
	go func() { _ = cmd.Wait() }()

	return &Handle{PID: pid, LogFile: logFile, PIDFile: pidFile}, nil
}
