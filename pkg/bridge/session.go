// Package bridge drives an episode on one engine instance: acquire and
// connect, hand over the mission, then exchange actions for observations.
package bridge

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrepp/simbridge/pkg/engine"
	"github.com/jrepp/simbridge/pkg/metrics"
	"github.com/jrepp/simbridge/pkg/retry"
	"github.com/jrepp/simbridge/pkg/simerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/jrepp/simbridge/pkg/bridge"

// Allocator hands out instances locked to owner. Both the local pool and
// the remote pool client satisfy it.
type Allocator interface {
	GetInstance(ctx context.Context, owner string) (*engine.Instance, error)
}

// Config controls a Session.
type Config struct {
	// Agents is the number of engine instances per episode. Only single
	// agent episodes are supported.
	Agents int

	// FaultTolerant launches engines that may be replaced when frozen
	FaultTolerant bool

	// SocketTimeout bounds every socket read and write
	SocketTimeout time.Duration

	// HandshakeBudget bounds the busy retry loop of the mission handshake
	HandshakeBudget time.Duration

	// BusyInterval is the pause between handshake attempts while busy
	BusyInterval time.Duration

	// Retry governs connect and hello
	Retry retry.Policy

	// Owner identifies this session to the allocator; defaults to the pid
	Owner string
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Agents:          1,
		FaultTolerant:   true,
		SocketTimeout:   engine.DefaultSocketTimeout,
		HandshakeBudget: 600 * time.Second,
		BusyInterval:    time.Second,
		Retry:           retry.DefaultPolicy(),
		Owner:           strconv.Itoa(os.Getpid()),
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Agents != 1 {
		return simerr.Newf(simerr.CodeInvalidConfiguration, "only single-agent episodes are supported, got %d agents", c.Agents)
	}
	if c.SocketTimeout <= 0 || c.HandshakeBudget <= 0 || c.BusyInterval <= 0 {
		return simerr.New(simerr.CodeInvalidConfiguration, "timeouts must be positive")
	}
	return nil
}

// Episode describes what Reset starts.
type Episode struct {
	// ID is the episode id; a random one is used when empty
	ID string

	// Mission is the rendered mission XML
	Mission []byte

	// Seed is appended to the token when set
	Seed *int64
}

// StepResult is the outcome of one step. A failed step carries the last
// good observation.
type StepResult struct {
	Success     bool
	Done        bool
	Observation Observation
}

// Session is one episode's use of engine instances. Methods must not be
// called concurrently with each other; the internal mutex only guards
// the state read by State and Terminated.
type Session struct {
	cfg     Config
	alloc   Allocator
	log     *slog.Logger
	metrics metrics.Collector
	tracer  trace.Tracer

	mu        sync.Mutex
	state     State
	episodeID string
	closed    bool

	instances []*engine.Instance
	last      Observation
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithMetrics sets the metrics collector
func WithMetrics(c metrics.Collector) Option {
	return func(s *Session) { s.metrics = c }
}

// WithTracer overrides the tracer taken from the global provider
func WithTracer(t trace.Tracer) Option {
	return func(s *Session) { s.tracer = t }
}

// New creates an idle session.
func New(alloc Allocator, cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Owner == "" {
		cfg.Owner = strconv.Itoa(os.Getpid())
	}

	s := &Session{cfg: cfg, alloc: alloc}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "bridge")
	s.metrics = metrics.OrNoop(s.metrics)
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.cfg.Retry.Logger == nil {
		s.cfg.Retry.Logger = s.log
	}
	s.cfg.Retry.OnRetry = func(attempt int, err error) {
		s.metrics.ConnectRetry()
		s.log.Warn("connect failed, retrying", "attempt", attempt, "error", err)
	}
	return s, nil
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Terminated reports whether the episode has ended
func (s *Session) Terminated() bool {
	return s.State() == StateTerminated
}

// EpisodeID returns the id of the current episode
func (s *Session) EpisodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.episodeID
}

// Instances returns the instances held by the session
func (s *Session) Instances() []*engine.Instance {
	out := make([]*engine.Instance, len(s.instances))
	copy(out, s.instances)
	return out
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Reset starts a new episode and returns its first observation. Missing
// instances are acquired and launched in parallel; every instance is then
// reconnected and told to quit whatever it was running before the mission
// is handed over.
func (s *Session) Reset(ctx context.Context, ep Episode) (obs Observation, err error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, simerr.New(simerr.CodeInvalidState, "session is closed")
	}
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}

	ctx, span := s.tracer.Start(ctx, "bridge.Reset", trace.WithAttributes(
		attribute.String("episode.id", ep.ID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.setState(StateTerminated)
		}
		span.End()
	}()

	s.mu.Lock()
	s.episodeID = ep.ID
	s.state = StateIdle
	s.mu.Unlock()
	log := s.log.With("episode_id", ep.ID)

	if err := s.setupInstances(ctx, log); err != nil {
		return nil, err
	}

	s.setState(StateAwaitingInitialObservation)
	master := s.instances[0]
	token := Token(ep.ID, 0, s.cfg.Agents, ep.Seed)
	if err := s.sendMission(ctx, master, ep.Mission, token, log); err != nil {
		return nil, err
	}

	obs, err = s.peek(log)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.last = obs
	s.state = StateStepping
	s.mu.Unlock()
	log.Info("episode started", "instance", master.ID())
	return obs, nil
}

// setupInstances tops up the instance set and reconnects every instance,
// the master last.
func (s *Session) setupInstances(ctx context.Context, log *slog.Logger) error {
	live := s.instances[:0]
	for _, inst := range s.instances {
		if inst.State() != engine.StateTerminated {
			live = append(live, inst)
		}
	}
	s.instances = live

	missing := s.cfg.Agents - len(s.instances)
	if missing > 0 {
		started := make([]*engine.Instance, missing)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(missing)
		for idx := range missing {
			g.Go(func() error {
				inst, err := s.newInstance(gctx)
				started[idx] = inst
				return err
			})
		}
		if err := g.Wait(); err != nil {
			for _, inst := range started {
				if inst != nil {
					_ = inst.Destroy(context.Background())
				}
			}
			return err
		}
		s.instances = append(s.instances, started...)
	}

	for idx := len(s.instances) - 1; idx >= 0; idx-- {
		s.instances[idx].ShutdownSocket()
		if err := s.connect(ctx, idx, log); err != nil {
			return err
		}
		if err := s.quit(s.instances[idx], log); err != nil {
			return err
		}
	}
	return nil
}

// newInstance acquires an instance and launches it if it is not running.
func (s *Session) newInstance(ctx context.Context) (*engine.Instance, error) {
	inst, err := s.alloc.GetInstance(ctx, s.cfg.Owner)
	if err != nil {
		return nil, err
	}
	if inst.State() == engine.StateNotStarted {
		if err := inst.Launch(ctx, engine.LaunchOptions{Replaceable: s.cfg.FaultTolerant}); err != nil {
			return nil, err
		}
	}
	inst.SetHadToClean(false)
	return inst, nil
}

// connect opens the control socket on instances[idx] and says hello. A
// failed attempt marks the instance; an instance that fails twice is
// considered frozen and is destroyed and replaced.
func (s *Session) connect(ctx context.Context, idx int, log *slog.Logger) error {
	result := s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		inst := s.instances[idx]
		log.Debug("creating socket connection", "instance", inst.ID())
		err := inst.CreateSocket(ctx, s.cfg.SocketTimeout)
		if err == nil {
			err = inst.Send([]byte(engine.HelloMessage))
		}
		if err == nil {
			return nil
		}

		inst.ShutdownSocket()
		if !inst.HadToClean() {
			inst.SetHadToClean(true)
			return err
		}

		log.Error("connection cleaned more than once, replacing instance", "instance", inst.ID(), "error", err)
		_ = inst.Destroy(ctx)
		replacement, rerr := s.newInstance(ctx)
		if rerr != nil {
			return rerr
		}
		s.instances[idx] = replacement
		return err
	})
	return result.Err
}

func (s *Session) quit(inst *engine.Instance, log *slog.Logger) error {
	log.Info("quitting current episode", "instance", inst.ID())
	if err := inst.Send([]byte(QuitMessage)); err != nil {
		return err
	}
	code, err := inst.ReceiveStatus()
	if err != nil {
		return err
	}
	if code != StatusOK {
		log.Debug("engine had no episode to quit", "instance", inst.ID(), "status", code)
	}
	return nil
}

// Close disconnects and destroys every instance held by the session. It is
// idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateTerminated
	s.mu.Unlock()

	_, span := s.tracer.Start(ctx, "bridge.Close")
	defer span.End()

	for _, inst := range s.instances {
		inst.ShutdownSocket()
		if err := inst.Destroy(ctx); err != nil {
			s.log.Warn("destroy failed", "instance", inst.ID(), "error", err)
		}
	}
	s.instances = nil
	s.log.Debug("session closed")
	return nil
}
