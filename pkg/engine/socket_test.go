package engine

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/jrepp/simbridge/pkg/framing"
	"github.com/jrepp/simbridge/pkg/simerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listen starts a one-connection TCP server running handler.
func listen(t *testing.T, handler func(net.Conn)) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

func attached(t *testing.T, port int) *Instance {
	inst := Attach("127.0.0.1", port, WithLogger(quietLogger()))
	require.NoError(t, inst.Launch(context.Background(), LaunchOptions{}))
	return inst
}

func TestSocket_SendReceive(t *testing.T) {
	got := make(chan []byte, 2)
	port := listen(t, func(c net.Conn) {
		msg, err := framing.Receive(c)
		if err != nil {
			return
		}
		got <- msg
		_ = framing.Send(c, []byte("pong"))
		_ = framing.Send(c, framing.EncodeStatus(1))

		// the disconnect notice
		if msg, err := framing.Receive(c); err == nil {
			got <- msg
		}
	})

	inst := attached(t, port)
	require.NoError(t, inst.CreateSocket(context.Background(), time.Second))
	assert.Equal(t, StateConnected, inst.State())
	assert.True(t, inst.HasSocket())

	require.NoError(t, inst.Send([]byte("ping")))
	assert.Equal(t, []byte("ping"), <-got)

	reply, err := inst.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), reply)

	code, err := inst.ReceiveStatus()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), code)

	inst.ShutdownSocket()
	assert.False(t, inst.HasSocket())
	assert.Equal(t, StateReady, inst.State())
	assert.Equal(t, []byte(DisconnectMessage), <-got)
}

func TestSocket_PeerClose(t *testing.T) {
	port := listen(t, func(c net.Conn) {
		_, _ = framing.Receive(c)
	})

	inst := attached(t, port)
	require.NoError(t, inst.CreateSocket(context.Background(), time.Second))
	require.NoError(t, inst.Send([]byte("<StepClient0>noop</StepClient0 >")))

	_, err := inst.Receive()
	require.Error(t, err)
	assert.True(t, simerr.IsCode(err, simerr.CodeConnectionClosed), err.Error())
}

func TestSocket_IdleTimeout(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	port := listen(t, func(c net.Conn) { <-block })

	inst := attached(t, port)
	require.NoError(t, inst.CreateSocket(context.Background(), 50*time.Millisecond))

	_, err := inst.Receive()
	require.Error(t, err)
	assert.True(t, simerr.IsCode(err, simerr.CodeSocketTimeout), err.Error())
}

func TestSocket_NoConnection(t *testing.T) {
	inst := attached(t, 1)
	assert.True(t, simerr.IsCode(inst.Send([]byte("x")), simerr.CodeSocketError))

	_, err := inst.Receive()
	assert.True(t, simerr.IsCode(err, simerr.CodeSocketError))

	// closing without a socket is harmless
	inst.CloseSocket()
}

func TestSocket_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	inst := attached(t, port)
	err = inst.CreateSocket(context.Background(), time.Second)
	require.Error(t, err)
	assert.True(t, simerr.IsCode(err, simerr.CodeSocketError))
	assert.Equal(t, StateReady, inst.State())
}

func TestSendExit(t *testing.T) {
	got := make(chan string, 2)
	port := listen(t, func(c net.Conn) {
		for i := 0; i < 2; i++ {
			msg, err := framing.Receive(c)
			if err != nil {
				return
			}
			got <- string(msg)
		}
		_ = framing.Send(c, framing.EncodeStatus(1))
	})

	ok := sendExit(context.Background(), net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	assert.True(t, ok)
	assert.Equal(t, HelloMessage, <-got)
	assert.Equal(t, ExitMessage, <-got)

	assert.False(t, sendExit(context.Background(), "127.0.0.1:1", 100*time.Millisecond))
}
