// Package engine owns one external simulation-engine process and the control
// socket used to drive it.
package engine

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrepp/simbridge/pkg/metrics"
	"github.com/jrepp/simbridge/pkg/simerr"
	"github.com/jrepp/simbridge/pkg/watchdog"
)

// Hook is called with the instance on lifecycle events.
type Hook func(*Instance)

// Instance is one engine process plus its control channel. Socket state is
// only touched by the current lock owner; fields that the pool reads from
// other goroutines are guarded by mu.
type Instance struct {
	id       string
	host     string
	existing bool
	seed     int64

	cfg     Config
	log     *slog.Logger
	metrics metrics.Collector
	table   watchdog.ProcessTable

	onRemove Hook
	onDetach Hook

	mu          sync.Mutex
	state       State
	port        int
	targetPort  int
	debugPort   int
	owner       string
	hadToClean  bool
	serverReady bool
	destroying  bool

	// process
	cmd      *exec.Cmd
	stdout   *os.File
	exited   chan struct{}
	launched chan struct{}
	workDir  string
	watcher  *watchdog.Handle
	output   *ring
	pumpDone chan struct{}

	// socket; sockMu only guards the pointer swap
	sockMu      sync.Mutex
	conn        net.Conn
	idleTimeout time.Duration
}

// Info is a point-in-time snapshot of an instance.
type Info struct {
	ID        string
	Host      string
	Port      int
	DebugPort int
	State     State
	Owner     string
	Existing  bool
	PID       int
	WorkDir   string
}

// Option configures an Instance
type Option func(*Instance)

// WithConfig sets the shared engine configuration
func WithConfig(cfg Config) Option {
	return func(i *Instance) { i.cfg = cfg }
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(i *Instance) { i.log = log }
}

// WithMetrics sets the metrics collector
func WithMetrics(c metrics.Collector) Option {
	return func(i *Instance) { i.metrics = c }
}

// WithSeed sets the world seed passed to the engine (0 = none)
func WithSeed(seed int64) Option {
	return func(i *Instance) { i.seed = seed }
}

// WithID overrides the generated instance id
func WithID(id string) Option {
	return func(i *Instance) { i.id = id }
}

// WithHost overrides the configured host
func WithHost(host string) Option {
	return func(i *Instance) { i.host = host }
}

// WithRemoveHook registers the callback run once the instance is terminated
func WithRemoveHook(h Hook) Option {
	return func(i *Instance) { i.onRemove = h }
}

// WithDetachHook registers the callback run when an attached instance is released
func WithDetachHook(h Hook) Option {
	return func(i *Instance) { i.onDetach = h }
}

// WithProcessTable replaces the host process table used when reaping
func WithProcessTable(t watchdog.ProcessTable) Option {
	return func(i *Instance) { i.table = t }
}

// New creates an instance that will launch its own engine on port.
func New(port int, opts ...Option) *Instance {
	i := &Instance{
		id:         uuid.NewString()[:8],
		port:       port,
		targetPort: port,
		cfg:        DefaultConfig(),
		output:     newRing(outputLines),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.cfg.applyDefaults()
	if i.host == "" {
		i.host = i.cfg.Host
	}
	if i.log == nil {
		i.log = slog.Default()
	}
	i.log = i.log.With("component", "engine", "instance_id", i.id)
	i.metrics = metrics.OrNoop(i.metrics)
	if i.table == nil {
		i.table = watchdog.SystemTable{}
	}
	return i
}

// Attach creates an instance bound to an engine that is already running.
// Attached instances are never destroyed, only detached.
func Attach(host string, port int, opts ...Option) *Instance {
	i := New(port, append([]Option{WithHost(host)}, opts...)...)
	i.existing = true
	return i
}

// ID returns the instance id
func (i *Instance) ID() string { return i.id }

// Host returns the host the engine listens on
func (i *Instance) Host() string { return i.host }

// Existing reports whether the instance is attached to a foreign process
func (i *Instance) Existing() bool { return i.existing }

// Seed returns the world seed (0 = none)
func (i *Instance) Seed() int64 { return i.seed }

// Addr returns host:port
func (i *Instance) Addr() string {
	return net.JoinHostPort(i.host, strconv.Itoa(i.Port()))
}

// Port returns the port the engine listens on
func (i *Instance) Port() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.port
}

// TargetPort returns the port the instance was created with
func (i *Instance) TargetPort() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.targetPort
}

// DebugPort returns the JDWP port, or 0
func (i *Instance) DebugPort() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.debugPort
}

// SetDebugPort reserves a JDWP port; it must be called before Launch
func (i *Instance) SetDebugPort(port int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.debugPort = port
}

// State returns the lifecycle state
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Running reports whether the instance can serve a session
func (i *Instance) Running() bool {
	s := i.State()
	return s == StateReady || s == StateConnected
}

// ServerReady reports whether the server-ready marker was seen
func (i *Instance) ServerReady() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.serverReady
}

// HadToClean reports whether a connection to this instance failed before
func (i *Instance) HadToClean() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.hadToClean
}

// SetHadToClean sets the required-cleanup flag
func (i *Instance) SetHadToClean(v bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.hadToClean = v
}

// TryLock assigns the instance to owner if it is free and not terminated.
func (i *Instance) TryLock(owner string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.owner != "" || i.state == StateTerminated || i.destroying {
		return false
	}
	if i.exited != nil && processDone(i.exited) {
		return false
	}
	i.owner = owner
	return true
}

// Unlock releases the owner lock
func (i *Instance) Unlock() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.owner = ""
}

// Owner returns the lock owner, or ""
func (i *Instance) Owner() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.owner
}

// PID returns the engine process id, or 0
func (i *Instance) PID() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cmd == nil || i.cmd.Process == nil {
		return 0
	}
	return i.cmd.Process.Pid
}

// WorkDir returns the temporary working directory, or ""
func (i *Instance) WorkDir() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.workDir
}

// Output returns the most recent engine output lines
func (i *Instance) Output() []string {
	return i.output.lines()
}

// Exited is closed when the engine process exits; nil before launch
func (i *Instance) Exited() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exited
}

// Info returns a snapshot
func (i *Instance) Info() Info {
	pid := i.PID()
	i.mu.Lock()
	defer i.mu.Unlock()
	return Info{
		ID:        i.id,
		Host:      i.host,
		Port:      i.port,
		DebugPort: i.debugPort,
		State:     i.state,
		Owner:     i.owner,
		Existing:  i.existing,
		PID:       pid,
		WorkDir:   i.workDir,
	}
}

func (i *Instance) String() string {
	proc := "EXISTING"
	if !i.existing {
		proc = strconv.Itoa(i.PID())
	}
	return fmt.Sprintf("Engine[%s, proc=%s, addr=%s, owner=%q]", i.id, proc, i.Addr(), i.Owner())
}

// transition moves to state to, enforcing the lifecycle graph.
func (i *Instance) transition(to State) error {
	i.mu.Lock()
	from := i.state
	if !validTransition(from, to) {
		i.mu.Unlock()
		return simerr.Newf(simerr.CodeInvalidState, "invalid transition %s -> %s", from, to).
			WithContext("instance_id", i.id)
	}
	i.state = to
	i.mu.Unlock()

	i.metrics.StateTransition(from.String(), to.String())
	i.log.Debug("state transition", "from", from.String(), "to", to.String())
	return nil
}

func ownerPID() string {
	return strconv.Itoa(os.Getpid())
}
