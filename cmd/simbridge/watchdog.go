package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jrepp/simbridge/pkg/watchdog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var watchdogCmd = &cobra.Command{
	Use:   "watchdog <parent-pid> <child-pid> [--child-dirs dir...]",
	Short: "Supervise one engine process on behalf of its orchestrator",
	Long: `Runs until either pid is gone. When the parent dies first the child's
process tree is terminated, then killed, and the child directories are
removed. Started by the pool for every engine it launches; not meant to be
run by hand.

Extra positional arguments after the two pids are treated as child
directories, so "--child-dirs a b" works as well as "--child-dirs a,b".`,
	Args: cobra.MinimumNArgs(2),
	// The daemon must start even when the user config is broken.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE:              runWatchdog,
}

func init() {
	watchdogCmd.Flags().StringSlice("child-dirs", nil, "Directories to remove after reaping the child")
	watchdogCmd.Flags().String("log-file", "", "Log file (default: stderr)")
}

func parsePID(s string) (int32, error) {
	pid, err := strconv.ParseInt(s, 10, 32)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q", s)
	}
	return int32(pid), nil
}

func runWatchdog(cmd *cobra.Command, args []string) error {
	parent, err := parsePID(args[0])
	if err != nil {
		return err
	}
	child, err := parsePID(args[1])
	if err != nil {
		return err
	}
	dirs, _ := cmd.Flags().GetStringSlice("child-dirs")
	dirs = append(dirs, args[2:]...)

	var w io.Writer = os.Stderr
	if logFile, _ := cmd.Flags().GetString("log-file"); logFile != "" {
		lj := &lumberjack.Logger{Filename: logFile, MaxSize: 10, MaxBackups: 2}
		defer lj.Close()
		w = lj
	}
	logger := slog.New(slog.NewTextHandler(w, nil)).With("component", "watchdog")

	// Signals aimed at the orchestrator's group do not reach this session;
	// a direct SIGTERM stops supervision without reaping.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	sup := watchdog.NewSupervisor(parent, child, dirs)
	sup.Logger = logger
	outcome := sup.Run(ctx)
	logger.Info("exiting", "outcome", outcome.String())
	return nil
}
