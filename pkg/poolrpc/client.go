package poolrpc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jrepp/simbridge/pkg/engine"
	"github.com/jrepp/simbridge/pkg/simerr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ClientConfig configures the remote pool client
type ClientConfig struct {
	// Addr is the manager address, host:port
	Addr string

	// KeepAliveInterval is the ping period; 0 disables keep-alives
	KeepAliveInterval time.Duration

	// KeepWarm returns released instances to the manager's idle set
	// instead of destroying them
	KeepWarm bool

	// CallTimeout bounds Release and KeepAlive calls
	CallTimeout time.Duration

	// DialOptions are appended to the defaults
	DialOptions []grpc.DialOption

	Logger *slog.Logger
}

// Client acquires instances from a remote manager. It implements
// bridge.Allocator.
type Client struct {
	cfg  ClientConfig
	conn *grpc.ClientConn
	base *slog.Logger
	log  *slog.Logger

	mu         sync.Mutex
	keepAlives map[string]context.CancelFunc
	closed     bool
}

// Dial creates a client. The connection is established lazily.
func Dial(cfg ClientConfig) (*Client, error) {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, simerr.ErrManagerUnreachable(cfg.Addr, err)
	}

	return &Client{
		cfg:        cfg,
		conn:       conn,
		base:       log,
		log:        log.With("component", "poolrpc", "manager", cfg.Addr),
		keepAlives: make(map[string]context.CancelFunc),
	}, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp wireMessage) error {
	in, err := req.toStruct()
	if err != nil {
		return simerr.Wrap(simerr.CodeProtocolError, err, "encode request").WithContext("method", method)
	}

	out := new(structpb.Struct)
	var trailer metadata.MD
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out, grpc.Trailer(&trailer)); err != nil {
		return c.fromStatus(err, trailer)
	}
	resp.fromStruct(out)
	return nil
}

// fromStatus rebuilds a typed error. Transport failures become
// MANAGER_UNREACHABLE.
func (c *Client) fromStatus(err error, trailer metadata.MD) error {
	if vals := trailer.Get(errorCodeKey); len(vals) > 0 {
		st, _ := status.FromError(err)
		return simerr.New(simerr.Code(vals[0]), st.Message()).WithContext("manager", c.cfg.Addr)
	}

	st, ok := status.FromError(err)
	if !ok {
		return simerr.ErrManagerUnreachable(c.cfg.Addr, err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return simerr.ErrManagerUnreachable(c.cfg.Addr, err)
	default:
		return simerr.Wrap(simerr.CodeProtocolError, err, "pool manager call failed")
	}
}

// GetInstance acquires a ready instance and returns a handle attached to
// it. Destroying the handle releases the instance on the manager.
func (c *Client) GetInstance(ctx context.Context, owner string) (*engine.Instance, error) {
	var resp AcquireResponse
	if err := c.invoke(ctx, "Acquire", &AcquireRequest{Owner: owner}, &resp); err != nil {
		return nil, err
	}

	inst := engine.Attach(resp.Host, resp.Port,
		engine.WithID(resp.InstanceID),
		engine.WithSeed(resp.Seed),
		engine.WithLogger(c.base),
		engine.WithDetachHook(c.release),
	)
	inst.TryLock(owner)
	c.startKeepAlive(owner)

	c.log.Debug("acquired remote instance", "instance", resp.InstanceID, "addr", inst.Addr())
	return inst, nil
}

// release is the detach hook of remote instances
func (c *Client) release(inst *engine.Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()

	req := &ReleaseRequest{Owner: inst.Owner(), InstanceID: inst.ID(), Destroy: !c.cfg.KeepWarm}
	if err := c.invoke(ctx, "Release", req, &ReleaseResponse{}); err != nil {
		c.log.Warn("release failed", "instance", inst.ID(), "error", err)
	}
}

// List returns the manager's instances
func (c *Client) List(ctx context.Context) ([]InstanceInfo, error) {
	var resp ListResponse
	if err := c.invoke(ctx, "List", &ListRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.Instances, nil
}

// KeepAlive pings the manager once on behalf of owner.
func (c *Client) KeepAlive(ctx context.Context, owner string) error {
	return c.invoke(ctx, "KeepAlive", &KeepAliveRequest{Owner: owner}, &KeepAliveResponse{})
}

func (c *Client) startKeepAlive(owner string) {
	if c.cfg.KeepAliveInterval <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.keepAlives[owner] != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.keepAlives[owner] = cancel
	go c.keepAliveLoop(ctx, owner)
}

func (c *Client) keepAliveLoop(ctx context.Context, owner string) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			if err := c.KeepAlive(callCtx, owner); err != nil {
				c.log.Warn("keep-alive failed", "owner", owner, "error", err)
			}
			cancel()
		}
	}
}

// Close stops keep-alives and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	for owner, cancel := range c.keepAlives {
		cancel()
		delete(c.keepAlives, owner)
	}
	c.mu.Unlock()
	return c.conn.Close()
}
