package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jrepp/simbridge/pkg/engine"
	"github.com/jrepp/simbridge/pkg/framing"
	"github.com/jrepp/simbridge/pkg/retry"
	"github.com/jrepp/simbridge/pkg/simerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

// fakeEngine speaks the engine side of the control protocol.
type fakeEngine struct {
	ln net.Listener

	mu        sync.Mutex
	busy      int
	firstDone bool
	doneAt    int
	dropAt    int
	tokens    []string
	actions   []string
	quits     int
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeEngine{ln: ln}
	t.Cleanup(func() { ln.Close() })
	go f.serve()
	return f
}

func (f *fakeEngine) port() int { return f.ln.Addr().(*net.TCPAddr).Port }

func (f *fakeEngine) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeEngine) handle(conn net.Conn) {
	defer conn.Close()
	step := 0
	for {
		msg, err := framing.Receive(conn)
		if err != nil {
			return
		}
		text := string(msg)

		switch {
		case text == engine.HelloMessage, text == StepServerMessage:
		case text == engine.DisconnectMessage:
			return
		case text == QuitMessage:
			f.mu.Lock()
			f.quits++
			f.mu.Unlock()
			_ = framing.Send(conn, framing.EncodeStatus(StatusOK))
		case strings.HasPrefix(text, "<Mission"):
			token, err := framing.Receive(conn)
			if err != nil {
				return
			}
			f.mu.Lock()
			f.tokens = append(f.tokens, string(token))
			status := uint32(StatusOK)
			if f.busy > 0 {
				f.busy--
				status = StatusBusy
			}
			f.mu.Unlock()
			_ = framing.Send(conn, framing.EncodeStatus(status))
		case text == PeekMessage:
			f.mu.Lock()
			done := f.firstDone
			f.mu.Unlock()
			_ = framing.Send(conn, []byte("pov0"))
			_ = framing.Send(conn, []byte(`{"tick":0}`))
			if done {
				_ = framing.Send(conn, []byte{1})
			} else {
				_ = framing.Send(conn, []byte{0})
			}
		case strings.HasPrefix(text, "<StepClient0>"):
			step++
			f.mu.Lock()
			f.actions = append(f.actions, strings.TrimSuffix(strings.TrimPrefix(text, "<StepClient0>"), "</StepClient0 >"))
			drop := f.dropAt == step
			done := f.doneAt == step
			f.mu.Unlock()
			if drop {
				return
			}
			_ = framing.Send(conn, []byte("pov"+string(rune('0'+step))))
			_ = framing.Send(conn, EncodeStepRecord(StepRecord{Reward: 1, Done: done, Sent: true}))
			if step == 2 {
				_ = framing.Send(conn, []byte{})
			} else {
				_ = framing.Send(conn, []byte(`{"tick":`+string(rune('0'+step))+`}`))
			}
		}
	}
}

// portAllocator attaches to the given ports in order.
type portAllocator struct {
	mu    sync.Mutex
	ports []int
	err   error
	calls int
}

func (a *portAllocator) GetInstance(_ context.Context, owner string) (*engine.Instance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if len(a.ports) == 0 {
		if a.err != nil {
			return nil, a.err
		}
		return nil, simerr.ErrNoCapacity(0)
	}
	port := a.ports[0]
	a.ports = a.ports[1:]
	inst := engine.Attach("127.0.0.1", port, engine.WithLogger(quietLogger()))
	inst.TryLock(owner)
	return inst, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SocketTimeout = 2 * time.Second
	cfg.BusyInterval = 10 * time.Millisecond
	cfg.Retry = retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Classify: retry.ClassifySocket}
	cfg.Owner = "test"
	return cfg
}

func newSession(t *testing.T, alloc Allocator, cfg Config) *Session {
	t.Helper()
	s, err := New(alloc, cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func closedPort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

var mission = []byte("<Mission/>")

func TestSession_CleanEpisode(t *testing.T) {
	fe := newFakeEngine(t)
	fe.doneAt = 3
	s := newSession(t, &portAllocator{ports: []int{fe.port()}}, testConfig())

	seed := int64(7)
	obs, err := s.Reset(context.Background(), Episode{ID: "ep-1", Mission: mission, Seed: &seed})
	require.NoError(t, err)
	assert.Equal(t, []byte("pov0"), obs.POV())
	assert.Equal(t, float64(0), obs["tick"])
	assert.Equal(t, StateStepping, s.State())

	for step := 1; step <= 3; step++ {
		res, err := s.Step(context.Background(), "move 1")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, step == 3, res.Done)
		assert.Equal(t, []byte("pov"+string(rune('0'+step))), res.Observation.POV())
	}
	assert.True(t, s.Terminated())

	_, err = s.Step(context.Background(), "move 1")
	assert.True(t, simerr.IsCode(err, simerr.CodeEpisodeTerminated))

	fe.mu.Lock()
	defer fe.mu.Unlock()
	assert.Equal(t, []string{"ep-1:0:0:1:true:7"}, fe.tokens)
	assert.Equal(t, []string{"move 1", "move 1", "move 1"}, fe.actions)
	assert.Equal(t, 1, fe.quits)
}

func TestSession_EmptyInfoIsEmptyObject(t *testing.T) {
	fe := newFakeEngine(t)
	s := newSession(t, &portAllocator{ports: []int{fe.port()}}, testConfig())

	_, err := s.Reset(context.Background(), Episode{ID: "ep", Mission: mission})
	require.NoError(t, err)

	_, err = s.Step(context.Background(), "noop")
	require.NoError(t, err)
	res, err := s.Step(context.Background(), "noop")
	require.NoError(t, err)
	assert.Equal(t, Observation{POVKey: []byte("pov2")}, res.Observation)
}

func TestSession_ResetTwiceReusesInstance(t *testing.T) {
	fe := newFakeEngine(t)
	alloc := &portAllocator{ports: []int{fe.port()}}
	s := newSession(t, alloc, testConfig())

	_, err := s.Reset(context.Background(), Episode{ID: "a", Mission: mission})
	require.NoError(t, err)
	_, err = s.Reset(context.Background(), Episode{ID: "b", Mission: mission})
	require.NoError(t, err)

	assert.Equal(t, 1, alloc.calls)
	assert.Equal(t, "b", s.EpisodeID())
	fe.mu.Lock()
	defer fe.mu.Unlock()
	assert.Equal(t, []string{"a:0:0:1:true", "b:0:0:1:true"}, fe.tokens)
	assert.Equal(t, 2, fe.quits)
}

func TestSession_BusyThenAccepted(t *testing.T) {
	fe := newFakeEngine(t)
	fe.busy = 3
	s := newSession(t, &portAllocator{ports: []int{fe.port()}}, testConfig())

	start := time.Now()
	_, err := s.Reset(context.Background(), Episode{ID: "ep", Mission: mission})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond, "busy replies are paced")

	fe.mu.Lock()
	defer fe.mu.Unlock()
	assert.Len(t, fe.tokens, 4)
}

func TestSession_HandshakeTimeout(t *testing.T) {
	fe := newFakeEngine(t)
	fe.busy = 1 << 20
	cfg := testConfig()
	cfg.HandshakeBudget = 50 * time.Millisecond
	s := newSession(t, &portAllocator{ports: []int{fe.port()}}, cfg)

	_, err := s.Reset(context.Background(), Episode{ID: "ep", Mission: mission})
	require.Error(t, err)
	assert.True(t, simerr.IsCode(err, simerr.CodeHandshakeTimeout), err.Error())
	assert.True(t, s.Terminated())
}

func TestSession_FirstFrameDone(t *testing.T) {
	fe := newFakeEngine(t)
	fe.firstDone = true
	s := newSession(t, &portAllocator{ports: []int{fe.port()}}, testConfig())

	_, err := s.Reset(context.Background(), Episode{ID: "ep", Mission: mission})
	require.Error(t, err)
	assert.True(t, simerr.IsCode(err, simerr.CodeFirstFrameDone))
	assert.True(t, s.Terminated())
}

func TestSession_DisconnectMidStep(t *testing.T) {
	fe := newFakeEngine(t)
	fe.dropAt = 2
	s := newSession(t, &portAllocator{ports: []int{fe.port()}}, testConfig())

	_, err := s.Reset(context.Background(), Episode{ID: "ep", Mission: mission})
	require.NoError(t, err)

	first, err := s.Step(context.Background(), "noop")
	require.NoError(t, err)
	require.True(t, first.Success)

	res, err := s.Step(context.Background(), "noop")
	require.NoError(t, err, "transport failures are reported in the result")
	assert.False(t, res.Success)
	assert.Equal(t, first.Observation, res.Observation)
	assert.True(t, s.Terminated())

	_, err = s.Step(context.Background(), "noop")
	assert.True(t, simerr.IsCode(err, simerr.CodeEpisodeTerminated))
}

func TestSession_StepBeforeReset(t *testing.T) {
	s := newSession(t, &portAllocator{}, testConfig())
	_, err := s.Step(context.Background(), "noop")
	assert.True(t, simerr.IsCode(err, simerr.CodeInvalidState))
}

// TestSession_ReplacesFrozenInstance fails twice on a dead engine and then
// moves to a replacement.
func TestSession_ReplacesFrozenInstance(t *testing.T) {
	fe := newFakeEngine(t)
	alloc := &portAllocator{ports: []int{closedPort(t), fe.port()}}
	s := newSession(t, alloc, testConfig())

	_, err := s.Reset(context.Background(), Episode{ID: "ep", Mission: mission})
	require.NoError(t, err)
	assert.Equal(t, 2, alloc.calls)

	insts := s.Instances()
	require.Len(t, insts, 1)
	assert.Equal(t, fe.port(), insts[0].Port())
	assert.False(t, insts[0].HadToClean())
}

func TestSession_ManagerUnreachableAborts(t *testing.T) {
	alloc := &portAllocator{
		ports: []int{closedPort(t)},
		err:   simerr.ErrManagerUnreachable("127.0.0.1:50151", errors.New("connection refused")),
	}
	s := newSession(t, alloc, testConfig())

	_, err := s.Reset(context.Background(), Episode{ID: "ep", Mission: mission})
	require.Error(t, err)
	assert.True(t, simerr.IsCode(err, simerr.CodeManagerUnreachable))
	assert.Equal(t, 2, alloc.calls, "no retries after the manager is unreachable")
}

func TestSession_ConnectExhaustsRetries(t *testing.T) {
	alloc := &portAllocator{ports: []int{closedPort(t), closedPort(t), closedPort(t)}}
	s := newSession(t, alloc, testConfig())

	_, err := s.Reset(context.Background(), Episode{ID: "ep", Mission: mission})
	require.Error(t, err)
	assert.True(t, simerr.IsCode(err, simerr.CodeSocketError), err.Error())
}

func TestSession_Execute(t *testing.T) {
	fe := newFakeEngine(t)
	s := newSession(t, &portAllocator{ports: []int{fe.port()}}, testConfig())
	_, err := s.Reset(context.Background(), Episode{ID: "ep", Mission: mission})
	require.NoError(t, err)

	for _, bad := range []string{"time set day", "/give @p diamond", "", "/"} {
		_, err := s.Execute(context.Background(), bad)
		assert.True(t, simerr.IsCode(err, simerr.CodeInvalidCommand), bad)
	}

	res, err := s.Execute(context.Background(), "/time set day")
	require.NoError(t, err)
	assert.True(t, res.Success)

	fe.mu.Lock()
	defer fe.mu.Unlock()
	assert.Equal(t, []string{"chat /time set day"}, fe.actions)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	fe := newFakeEngine(t)
	s := newSession(t, &portAllocator{ports: []int{fe.port()}}, testConfig())
	_, err := s.Reset(context.Background(), Episode{ID: "ep", Mission: mission})
	require.NoError(t, err)
	insts := s.Instances()

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, engine.StateTerminated, insts[0].State())

	_, err = s.Reset(context.Background(), Episode{ID: "again", Mission: mission})
	assert.True(t, simerr.IsCode(err, simerr.CodeInvalidState))
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	cfg.Agents = 2
	_, err := New(&portAllocator{}, cfg)
	assert.True(t, simerr.IsCode(err, simerr.CodeInvalidConfiguration))

	cfg = testConfig()
	cfg.BusyInterval = 0
	assert.Error(t, cfg.Validate())
}
