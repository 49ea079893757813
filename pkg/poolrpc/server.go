package poolrpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jrepp/simbridge/pkg/engine"
	"github.com/jrepp/simbridge/pkg/pool"
	"github.com/jrepp/simbridge/pkg/simerr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Server exposes a pool to remote sessions and reaps the instances of
// owners that stop sending keep-alives.
type Server struct {
	pool     *pool.Pool
	log      *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithServerLogger sets the logger
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithKeepAliveInterval sets the interval clients are told to ping at
func WithKeepAliveInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.interval = d }
}

// NewServer wraps p
func NewServer(p *pool.Pool, opts ...ServerOption) *Server {
	s := &Server{
		pool:     p,
		interval: DefaultKeepAliveInterval,
		lastSeen: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		s.interval = DefaultKeepAliveInterval
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "poolrpc")
	return s
}

func (s *Server) touch(owner string) {
	s.mu.Lock()
	s.lastSeen[owner] = time.Now()
	s.mu.Unlock()
}

// Acquire locks an instance to the caller and launches it if needed.
func (s *Server) Acquire(ctx context.Context, req *AcquireRequest) (*AcquireResponse, error) {
	if req.Owner == "" {
		return nil, toStatus(ctx, simerr.New(simerr.CodeInvalidConfiguration, "owner is required"))
	}
	s.touch(req.Owner)

	inst, err := s.pool.GetInstance(ctx, req.Owner)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	if inst.State() == engine.StateNotStarted {
		if err := inst.Launch(ctx, engine.LaunchOptions{Replaceable: true}); err != nil {
			return nil, toStatus(ctx, err)
		}
	}

	s.log.Info("instance acquired", "instance", inst.ID(), "owner", req.Owner, "addr", inst.Addr())
	return &AcquireResponse{
		InstanceID: inst.ID(),
		Host:       inst.Host(),
		Port:       inst.Port(),
		Seed:       inst.Seed(),
	}, nil
}

// Release returns or destroys an instance held by the caller.
func (s *Server) Release(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error) {
	inst, ok := s.pool.Find(req.InstanceID)
	if !ok {
		// already gone, e.g. reaped
		return &ReleaseResponse{}, nil
	}
	if owner := inst.Owner(); owner != req.Owner {
		return nil, toStatus(ctx, simerr.Newf(simerr.CodeInvalidState,
			"instance %s is owned by %q", req.InstanceID, owner))
	}

	if req.Destroy {
		if err := inst.Destroy(ctx); err != nil {
			return nil, toStatus(ctx, err)
		}
	} else {
		s.pool.Release(inst)
	}
	s.log.Info("instance released", "instance", req.InstanceID, "owner", req.Owner, "destroy", req.Destroy)
	return &ReleaseResponse{}, nil
}

// KeepAlive records that the owner is still running.
func (s *Server) KeepAlive(_ context.Context, req *KeepAliveRequest) (*KeepAliveResponse, error) {
	s.touch(req.Owner)
	return &KeepAliveResponse{IntervalMs: s.interval.Milliseconds()}, nil
}

// List returns a snapshot of the pool.
func (s *Server) List(context.Context, *ListRequest) (*ListResponse, error) {
	resp := &ListResponse{}
	for _, inst := range s.pool.Instances() {
		info := inst.Info()
		resp.Instances = append(resp.Instances, InstanceInfo{
			ID:        info.ID,
			Host:      info.Host,
			Port:      info.Port,
			DebugPort: info.DebugPort,
			State:     info.State.String(),
			Owner:     info.Owner,
			Existing:  info.Existing,
			PID:       info.PID,
		})
	}
	return resp, nil
}

// reapIdle destroys the instances of owners not seen since before
// now - missedKeepAlives*interval. It returns the owners that were reaped.
func (s *Server) reapIdle(ctx context.Context, now time.Time) []string {
	cutoff := now.Add(-missedKeepAlives * s.interval)

	s.mu.Lock()
	var idle []string
	for owner, seen := range s.lastSeen {
		if seen.Before(cutoff) {
			idle = append(idle, owner)
			delete(s.lastSeen, owner)
		}
	}
	s.mu.Unlock()

	for _, owner := range idle {
		n := s.pool.DestroyOwned(ctx, owner)
		s.log.Warn("owner stopped sending keep-alives", "owner", owner, "destroyed", n)
	}
	return idle
}

// RunReaper checks for silent owners once per interval until ctx is done.
func (s *Server) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.reapIdle(ctx, now)
		}
	}
}

// Serve registers the service on a new gRPC server and serves lis until
// ctx is done, then stops gracefully and shuts the pool down.
func (s *Server) Serve(ctx context.Context, lis net.Listener, opts ...grpc.ServerOption) error {
	gs := grpc.NewServer(opts...)
	RegisterPoolManagerServer(gs, s)

	go s.RunReaper(ctx)
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	s.log.Info("pool manager listening", "addr", lis.Addr().String())
	err := gs.Serve(lis)
	s.pool.ShutdownAll(context.Background())
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// toStatus converts err to a gRPC status and records its simerr code in
// the trailer so the client can rebuild it.
func toStatus(ctx context.Context, err error) error {
	code := simerr.GetCode(err)
	if code != "" {
		_ = grpc.SetTrailer(ctx, metadata.Pairs(errorCodeKey, string(code)))
	}

	switch code {
	case simerr.CodeNoCapacity:
		return status.Error(codes.ResourceExhausted, err.Error())
	case simerr.CodeManagedModeOff, simerr.CodeInvalidState:
		return status.Error(codes.FailedPrecondition, err.Error())
	case simerr.CodeInvalidConfiguration:
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
