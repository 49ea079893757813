package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// outputLines is how many recent output lines an instance keeps in memory.
const outputLines = 500

// benignPeerClose is logged by the engine whenever a client disconnects.
const benignPeerClose = "connection closed, likely by peer"

// ClassifyLine picks a log level for one line of engine output.
func ClassifyLine(line string) slog.Level {
	isError := strings.Contains(line, "STDERR") ||
		strings.Contains(line, "ERROR") ||
		strings.Contains(line, "Exception") ||
		strings.Contains(line, "    at ") ||
		strings.HasPrefix(line, "Error")

	switch {
	case isError && !strings.Contains(line, benignPeerClose):
		return slog.LevelError
	case strings.Contains(line, "WARN"):
		return slog.LevelWarn
	case strings.Contains(line, "LOGTOPY"):
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// logLine emits a line of engine output at its classified level.
func (i *Instance) logLine(line string) {
	i.log.Log(context.Background(), ClassifyLine(line), line, "source", "engine")
}

// LogFile returns the rotating log file path for this instance.
func (i *Instance) LogFile() string {
	n := i.TargetPort() - i.cfg.BasePort
	return filepath.Join(i.cfg.LogDir, "logs", fmt.Sprintf("mc_%d.log", n))
}

// newSink opens the rotating log file that receives raw engine output.
func (i *Instance) newSink() io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   i.LogFile(),
		MaxSize:    i.cfg.LogMaxSizeMB,
		MaxBackups: i.cfg.LogMaxBackups,
	}
}

// record handles one output line: memory ring, file, console, logger.
func (i *Instance) record(sink io.Writer, line string) {
	i.output.add(line)
	if sink != nil {
		_, _ = io.WriteString(sink, line+"\n")
	}
	if i.cfg.DebugLog && i.cfg.Console != nil {
		_, _ = fmt.Fprintln(i.cfg.Console, line)
	}
	i.logLine(line)
}

// ring keeps the last n lines.
type ring struct {
	mu    sync.Mutex
	buf   []string
	next  int
	full  bool
	limit int
}

func newRing(n int) *ring {
	return &ring{buf: make([]string, n), limit: n}
}

func (r *ring) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = line
	r.next = (r.next + 1) % r.limit
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.buf[:r.next]...)
	}
	out := make([]string, 0, r.limit)
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
