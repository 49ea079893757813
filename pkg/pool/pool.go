// Package pool hands out engine instances to sessions. It reuses idle
// instances, creates new ones on distinct ports while managed, and tears
// everything down on shutdown.
package pool

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/jrepp/simbridge/pkg/engine"
	"github.com/jrepp/simbridge/pkg/metrics"
	"github.com/jrepp/simbridge/pkg/simerr"
	"golang.org/x/sync/errgroup"
)

const maxSeed = 1<<31 - 1

// allocateOwner holds pre-warmed instances while they launch
const allocateOwner = "pool:allocate"

// Config controls pool behaviour
type Config struct {
	// BasePort is the lowest engine port
	BasePort int

	// MaxInstances caps the pool; 0 is unbounded
	MaxInstances int

	// Managed allows the pool to create instances. When off only attached
	// instances are handed out.
	Managed bool

	// DebugPorts reserves a JVM debug port for each new instance
	DebugPorts bool

	Engine engine.Config
}

// DefaultConfig returns a managed, unbounded pool on port 9000
func DefaultConfig() Config {
	return Config{
		BasePort: 9000,
		Managed:  true,
		Engine:   engine.DefaultConfig(),
	}
}

// Pool is the registry of engine instances for this process.
type Pool struct {
	cfg       Config
	base      *slog.Logger
	log       *slog.Logger
	metrics   metrics.Collector
	portTaken PortChecker
	pid       int
	instOpts  []engine.Option

	mu        sync.Mutex
	instances []*engine.Instance
	created   int
	pending   int
	rng       *rand.Rand
}

// Option configures a Pool
type Option func(*Pool)

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// WithMetrics sets the metrics collector shared with every instance
func WithMetrics(c metrics.Collector) Option {
	return func(p *Pool) { p.metrics = c }
}

// WithPortChecker replaces the host port probe
func WithPortChecker(fn PortChecker) Option {
	return func(p *Pool) { p.portTaken = fn }
}

// WithPID overrides the process id used for port rotation
func WithPID(pid int) Option {
	return func(p *Pool) { p.pid = pid }
}

// WithInstanceOptions appends options applied to every new instance
func WithInstanceOptions(opts ...engine.Option) Option {
	return func(p *Pool) { p.instOpts = append(p.instOpts, opts...) }
}

// New creates an empty pool
func New(cfg Config, opts ...Option) *Pool {
	if cfg.BasePort == 0 {
		cfg.BasePort = DefaultConfig().BasePort
	}
	cfg.Engine.BasePort = cfg.BasePort

	p := &Pool{
		cfg: cfg,
		pid: os.Getpid(),
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.base = p.log
	p.log = p.log.With("component", "pool")
	p.metrics = metrics.OrNoop(p.metrics)
	if p.portTaken == nil {
		p.portTaken = HostPortChecker()
	}
	return p
}

// Seed makes per-instance world seeds reproducible.
func (p *Pool) Seed(seed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rng = rand.New(rand.NewPCG(seed, 0))
}

// Config returns the pool configuration
func (p *Pool) Config() Config { return p.cfg }

// GetInstance returns an instance locked to owner. An idle instance is
// reused when one exists; otherwise a new, not yet launched instance is
// created on a free port.
func (p *Pool) GetInstance(ctx context.Context, owner string) (*engine.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	for _, inst := range p.instances {
		if inst.TryLock(owner) {
			p.mu.Unlock()
			p.log.Debug("reusing instance", "instance", inst.ID(), "owner", owner)
			return inst, nil
		}
	}
	p.mu.Unlock()

	return p.createNew(owner)
}

// createNew reserves capacity and registers a fresh instance locked to owner.
func (p *Pool) createNew(owner string) (*engine.Instance, error) {
	p.mu.Lock()
	if !p.cfg.Managed {
		p.mu.Unlock()
		p.metrics.AllocationError(string(simerr.CodeManagedModeOff))
		return nil, simerr.ErrManagedModeOff()
	}
	if p.cfg.MaxInstances > 0 && len(p.instances)+p.pending >= p.cfg.MaxInstances {
		p.mu.Unlock()
		p.metrics.AllocationError(string(simerr.CodeNoCapacity))
		return nil, simerr.ErrNoCapacity(p.cfg.MaxInstances)
	}
	n := p.created
	p.created++
	p.pending++
	seed := p.nextSeedLocked()
	p.mu.Unlock()

	inst := p.create(startPort(p.cfg.BasePort, n, p.pid), seed, owner)
	p.log.Info("created instance", "instance", inst.ID(), "port", inst.Port(), "owner", owner)
	return inst, nil
}

// create probes forward from port and registers a new instance. The bind
// check runs without the pool lock; the claim check and registration run
// under it.
func (p *Pool) create(port int, seed int64, owner string) *engine.Instance {
	candidate := port
	for {
		if p.portTaken(candidate) {
			candidate++
			continue
		}

		p.mu.Lock()
		if p.claimedLocked(candidate) {
			p.mu.Unlock()
			candidate++
			continue
		}
		inst := p.newInstance(candidate, seed)
		p.instances = append(p.instances, inst)
		p.pending--
		inst.TryLock(owner)
		if p.cfg.DebugPorts {
			p.assignDebugPortLocked(inst)
		}
		live := len(p.instances)
		p.mu.Unlock()

		p.metrics.InstancesLive(live)
		return inst
	}
}

func (p *Pool) newInstance(port int, seed int64) *engine.Instance {
	opts := []engine.Option{
		engine.WithConfig(p.cfg.Engine),
		engine.WithSeed(seed),
		engine.WithLogger(p.base),
		engine.WithMetrics(p.metrics),
		engine.WithRemoveHook(p.remove),
	}
	return engine.New(port, append(opts, p.instOpts...)...)
}

// assignDebugPortLocked reserves the first free port in the debug window.
// The whole probe runs under the pool lock so concurrent creations cannot
// pick the same port.
func (p *Pool) assignDebugPortLocked(inst *engine.Instance) {
	for port := DebugBasePort; port < DebugBasePort+DebugPortRange; port++ {
		if p.claimedLocked(port) || p.portTaken(port) {
			continue
		}
		inst.SetDebugPort(port)
		p.log.Info("reserved debug port", "instance", inst.ID(), "debug_port", port)
		return
	}
	p.log.Warn("no free debug port", "instance", inst.ID(), "from", DebugBasePort, "range", DebugPortRange)
}

func (p *Pool) claimedLocked(port int) bool {
	for _, inst := range p.instances {
		if inst.Port() == port || inst.TargetPort() == port || inst.DebugPort() == port {
			return true
		}
	}
	return false
}

func (p *Pool) nextSeedLocked() int64 {
	return p.rng.Int64N(maxSeed)
}

// remove is the instance removal hook
func (p *Pool) remove(inst *engine.Instance) {
	p.mu.Lock()
	for idx, candidate := range p.instances {
		if candidate == inst {
			p.instances = append(p.instances[:idx], p.instances[idx+1:]...)
			break
		}
	}
	live := len(p.instances)
	p.mu.Unlock()

	inst.Unlock()
	p.metrics.InstancesLive(live)
	p.log.Debug("removed instance", "instance", inst.ID())
}

// Release returns an instance to the idle set without stopping it.
func (p *Pool) Release(inst *engine.Instance) {
	inst.Unlock()
	p.log.Debug("released instance", "instance", inst.ID())
}

// Find returns the registered instance with id
func (p *Pool) Find(id string) (*engine.Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.instances {
		if inst.ID() == id {
			return inst, true
		}
	}
	return nil, false
}

// Instances returns a snapshot of the registry
func (p *Pool) Instances() []*engine.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*engine.Instance, len(p.instances))
	copy(out, p.instances)
	return out
}

// Owned returns the instances currently locked to owner
func (p *Pool) Owned(owner string) []*engine.Instance {
	var out []*engine.Instance
	for _, inst := range p.Instances() {
		if inst.Owner() == owner {
			out = append(out, inst)
		}
	}
	return out
}

// DestroyOwned tears down every instance held by owner and returns how many
// were destroyed.
func (p *Pool) DestroyOwned(ctx context.Context, owner string) int {
	owned := p.Owned(owner)
	for _, inst := range owned {
		if err := inst.Destroy(ctx); err != nil {
			p.log.Warn("destroy failed", "instance", inst.ID(), "error", err)
		}
	}
	return len(owned)
}

// ShutdownAll releases and destroys every instance. Removal hooks edit the
// registry, so it iterates over a snapshot.
func (p *Pool) ShutdownAll(ctx context.Context) {
	for _, inst := range p.Instances() {
		inst.Unlock()
		if err := inst.Destroy(ctx); err != nil {
			p.log.Warn("destroy failed", "instance", inst.ID(), "error", err)
		}
	}
	p.log.Info("pool shut down")
}

// Allocate creates and launches n idle instances in parallel. The returned
// release function destroys them. If any launch fails the ones already
// started are destroyed and the first error is returned.
func (p *Pool) Allocate(ctx context.Context, n int) ([]*engine.Instance, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	insts := make([]*engine.Instance, 0, n)
	for range n {
		inst, err := p.createNew(allocateOwner)
		if err != nil {
			p.destroyAll(insts)
			return nil, nil, err
		}
		insts = append(insts, inst)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range insts {
		g.Go(func() error {
			return inst.Launch(gctx, engine.LaunchOptions{})
		})
	}
	if err := g.Wait(); err != nil {
		p.destroyAll(insts)
		return nil, nil, err
	}

	for _, inst := range insts {
		inst.Unlock()
	}
	return insts, func() { p.destroyAll(insts) }, nil
}

// AllocatePool pre-warms n instances for the duration of fn.
func (p *Pool) AllocatePool(ctx context.Context, n int, fn func([]*engine.Instance) error) error {
	insts, release, err := p.Allocate(ctx, n)
	if err != nil {
		return err
	}
	defer release()
	return fn(insts)
}

func (p *Pool) destroyAll(insts []*engine.Instance) {
	for _, inst := range insts {
		inst.Unlock()
		_ = inst.Destroy(context.Background())
	}
}

// AddExisting registers an engine that is already listening on port. It
// fails with PORT_NOT_IN_USE when nothing holds the port.
func (p *Pool) AddExisting(port int) (*engine.Instance, error) {
	if !p.portTaken(port) {
		return nil, simerr.Newf(simerr.CodePortNotInUse, "no engine listening on port %d", port).
			WithContext("port", port)
	}

	p.mu.Lock()
	seed := p.nextSeedLocked()
	inst := engine.Attach(p.cfg.Engine.Host, port, append([]engine.Option{
		engine.WithConfig(p.cfg.Engine),
		engine.WithSeed(seed),
		engine.WithLogger(p.base),
		engine.WithMetrics(p.metrics),
		engine.WithRemoveHook(p.remove),
	}, p.instOpts...)...)
	p.instances = append(p.instances, inst)
	p.created++
	live := len(p.instances)
	p.mu.Unlock()

	p.metrics.InstancesLive(live)
	p.log.Info("attached existing engine", "instance", inst.ID(), "port", port)
	return inst, nil
}
