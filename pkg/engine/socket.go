package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/jrepp/simbridge/pkg/framing"
	"github.com/jrepp/simbridge/pkg/simerr"
)

// Control messages understood by the engine's socket server.
const (
	ProtocolVersion   = "0.37.0"
	HelloMessage      = "<MalmoEnv" + ProtocolVersion + "/>"
	DisconnectMessage = "<Disconnect/>"
	ExitMessage       = "<Exit>NOW</Exit>"
)

// DefaultSocketTimeout is the idle timeout for control socket I/O.
const DefaultSocketTimeout = 240 * time.Second

// CreateSocket connects to the engine. Every later read or write is bounded
// by timeout. Retrying is the caller's business.
func (i *Instance) CreateSocket(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultSocketTimeout
	}
	if s := i.State(); s != StateReady && s != StateConnected {
		return simerr.Newf(simerr.CodeInvalidState, "cannot connect in state %s", s).
			WithContext("instance_id", i.id)
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", i.Addr())
	if err != nil {
		return simerr.Wrap(simerr.CodeSocketError, err, "connect to engine").
			WithContext("addr", i.Addr())
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	i.sockMu.Lock()
	old := i.conn
	i.conn = conn
	i.idleTimeout = timeout
	i.sockMu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if i.State() == StateReady {
		return i.transition(StateConnected)
	}
	return nil
}

// HasSocket reports whether a control connection is held.
func (i *Instance) HasSocket() bool {
	i.sockMu.Lock()
	defer i.sockMu.Unlock()
	return i.conn != nil
}

func (i *Instance) socket() (net.Conn, time.Duration, error) {
	i.sockMu.Lock()
	defer i.sockMu.Unlock()
	if i.conn == nil {
		return nil, 0, simerr.New(simerr.CodeSocketError, "no control connection").
			WithContext("instance_id", i.id)
	}
	return i.conn, i.idleTimeout, nil
}

// Send writes one frame.
func (i *Instance) Send(payload []byte) error {
	conn, timeout, err := i.socket()
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := framing.Send(conn, payload); err != nil {
		return socketError("send", err)
	}
	return nil
}

// Receive reads one frame.
func (i *Instance) Receive() ([]byte, error) {
	conn, timeout, err := i.socket()
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	payload, err := framing.Receive(conn)
	if err != nil {
		return nil, socketError("receive", err)
	}
	return payload, nil
}

// ReceiveStatus reads one 4-byte status frame.
func (i *Instance) ReceiveStatus() (uint32, error) {
	conn, timeout, err := i.socket()
	if err != nil {
		return 0, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	code, err := framing.ReceiveStatus(conn)
	if err != nil {
		return 0, socketError("receive status", err)
	}
	return code, nil
}

// CloseSocket sends a best effort disconnect notice and closes the socket.
func (i *Instance) CloseSocket() {
	i.disconnect(false)
}

// ShutdownSocket is CloseSocket with both directions shut down before the
// close so the engine sees an orderly end of stream.
func (i *Instance) ShutdownSocket() {
	i.disconnect(true)
}

func (i *Instance) disconnect(shutdown bool) {
	i.sockMu.Lock()
	conn := i.conn
	i.conn = nil
	i.sockMu.Unlock()

	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = framing.Send(conn, []byte(DisconnectMessage))
		if tcp, ok := conn.(*net.TCPConn); ok && shutdown {
			_ = tcp.CloseWrite()
			_ = tcp.CloseRead()
		}
		_ = conn.Close()
	}

	if i.State() == StateConnected {
		_ = i.transition(StateReady)
	}
}

// socketError maps transport failures onto typed errors.
func socketError(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, framing.ErrConnectionClosed), errors.Is(err, net.ErrClosed):
		return simerr.Wrap(simerr.CodeConnectionClosed, err, op+": connection closed by engine")
	case errors.As(err, &netErr) && netErr.Timeout():
		return simerr.Wrap(simerr.CodeSocketTimeout, err, op+": socket timeout")
	default:
		return simerr.Wrap(simerr.CodeSocketError, err, op+" failed")
	}
}

// sendExit asks the engine to exit over a fresh connection. It reports
// whether the engine acknowledged.
func sendExit(ctx context.Context, addr string, timeout time.Duration) bool {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if err := framing.Send(conn, []byte(HelloMessage)); err != nil {
		return false
	}
	if err := framing.Send(conn, []byte(ExitMessage)); err != nil {
		return false
	}
	code, err := framing.ReceiveStatus(conn)
	return err == nil && code == 1
}
