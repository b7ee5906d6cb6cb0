package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywall/pipeguard/internal/config"
	"github.com/tinywall/pipeguard/internal/logger"
	"github.com/tinywall/pipeguard/pkg/types"
)

const trustedClient = `C:\Prog\app.exe`

// memConn is one end of a net.Pipe with a fixed peer identity
type memConn struct {
	net.Conn
	peer    PeerIdentity
	peerErr error
}

func (c *memConn) Peer() (PeerIdentity, error) {
	return c.peer, c.peerErr
}

// memChannel is an in-memory Channel. Clients "connect" by handing the
// server end of a net.Pipe to Accept.
type memChannel struct {
	conns    chan Conn
	closed   chan struct{}
	once     sync.Once
	unblocks atomic.Int32
}

func newMemChannel() *memChannel {
	return &memChannel{
		conns:  make(chan Conn),
		closed: make(chan struct{}),
	}
}

func (m *memChannel) Accept() (Conn, error) {
	select {
	case c := <-m.conns:
		return c, nil
	case <-m.closed:
		return nil, fmt.Errorf("accept: %w", net.ErrClosed)
	}
}

func (m *memChannel) Unblock() error {
	m.unblocks.Add(1)
	server, client := net.Pipe()
	client.Close()
	select {
	case m.conns <- &memConn{Conn: server}:
		return nil
	case <-m.closed:
		server.Close()
		return net.ErrClosed
	case <-time.After(500 * time.Millisecond):
		server.Close()
		return errors.New("unblock timed out")
	}
}

func (m *memChannel) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *memChannel) Addr() string { return "mem" }

// dial connects a client whose executable is path
func (m *memChannel) dial(t *testing.T, path string) net.Conn {
	t.Helper()
	return m.dialWith(t, PeerIdentity{PID: 4242, Path: path}, nil)
}

func (m *memChannel) dialWith(t *testing.T, peer PeerIdentity, peerErr error) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	select {
	case m.conns <- &memConn{Conn: server, peer: peer, peerErr: peerErr}:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not accept connection")
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func testIPCConfig() config.IPCConfig {
	cfg := config.DefaultIPCConfig()
	cfg.ExpectedClientPath = trustedClient
	cfg.ReadTimeout = 500 * time.Millisecond
	cfg.WriteTimeout = 500 * time.Millisecond
	return cfg
}

func pingPong(req *types.Message) *types.Message {
	if req.Type == types.MessagePing {
		return types.NewMessage(types.MessagePong, req.Arguments...)
	}
	return types.NewErrorMessage("unsupported message type %s", req.Type)
}

func createTestServer(t *testing.T, cfg config.IPCConfig, handler Handler) (*Server, *memChannel) {
	t.Helper()
	ch := newMemChannel()
	srv, err := NewServerWithChannel(ch, cfg, handler, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv, ch
}

func roundTrip(t *testing.T, conn net.Conn, codec Codec, req *types.Message) (*types.Message, error) {
	t.Helper()
	return RoundTrip(context.Background(), conn, codec, config.DefaultMaxMessageSize, 2*time.Second, req)
}

func TestServerPingPong(t *testing.T) {
	srv, ch := createTestServer(t, testIPCConfig(), pingPong)

	conn := ch.dial(t, trustedClient)
	resp, err := roundTrip(t, conn, JSONCodec{}, types.NewMessage(types.MessagePing, "hello"))
	require.NoError(t, err)

	assert.Equal(t, types.MessagePong, resp.Type)
	assert.Equal(t, []any{"hello"}, resp.Arguments)
	assert.Equal(t, StateRunning, srv.State())

	assert.Eventually(t, func() bool { return srv.Stats().Served == 1 }, time.Second, 10*time.Millisecond)
	stats := srv.Stats()
	assert.EqualValues(t, 1, stats.Accepted)
	assert.EqualValues(t, 0, stats.Rejected)
}

func TestServerPathComparisonIgnoresCase(t *testing.T) {
	_, ch := createTestServer(t, testIPCConfig(), pingPong)

	conn := ch.dial(t, `c:\PROG\App.EXE`)
	resp, err := roundTrip(t, conn, JSONCodec{}, types.NewMessage(types.MessagePing))
	require.NoError(t, err)
	assert.Equal(t, types.MessagePong, resp.Type)
}

func TestServerProtobufCodec(t *testing.T) {
	cfg := testIPCConfig()
	cfg.Codec = config.CodecProtobuf
	_, ch := createTestServer(t, cfg, pingPong)

	conn := ch.dial(t, trustedClient)
	resp, err := roundTrip(t, conn, ProtoCodec{}, types.NewMessage(types.MessagePing, "x", 2.5, true))
	require.NoError(t, err)
	assert.Equal(t, types.MessagePong, resp.Type)
	assert.Equal(t, []any{"x", 2.5, true}, resp.Arguments)
}

func TestServerRejectsUnexpectedExecutable(t *testing.T) {
	var called atomic.Int32
	srv, ch := createTestServer(t, testIPCConfig(), func(req *types.Message) *types.Message {
		called.Add(1)
		return pingPong(req)
	})

	conn := ch.dial(t, `C:\Evil\app.exe`)

	// The server reads nothing, so the write fails once it closes the pipe
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	_ = WriteMessage(conn, JSONCodec{}, types.NewMessage(types.MessagePing), config.DefaultMaxMessageSize)
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, data, "rejected client must not receive any bytes")

	assert.Zero(t, called.Load())
	assert.Eventually(t, func() bool { return srv.Stats().Rejected == 1 }, time.Second, 10*time.Millisecond)
}

func TestServerRejectsUnresolvedPeer(t *testing.T) {
	srv, ch := createTestServer(t, testIPCConfig(), pingPong)

	conn := ch.dialWith(t, PeerIdentity{PID: 7}, errors.New("process exited"))
	_, err := roundTrip(t, conn, JSONCodec{}, types.NewMessage(types.MessagePing))
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodePermissionDenied), "got %v", err)

	// An empty resolved path is no better than an error
	conn = ch.dialWith(t, PeerIdentity{PID: 8}, nil)
	_, err = roundTrip(t, conn, JSONCodec{}, types.NewMessage(types.MessagePing))
	require.Error(t, err)

	assert.Eventually(t, func() bool { return srv.Stats().Rejected == 2 }, time.Second, 10*time.Millisecond)
}

func TestServerSurvivesPartialFrame(t *testing.T) {
	srv, ch := createTestServer(t, testIPCConfig(), pingPong)

	conn := ch.dial(t, trustedClient)
	_, err := conn.Write([]byte{0, 0})
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	next := ch.dial(t, trustedClient)
	resp, err := roundTrip(t, next, JSONCodec{}, types.NewMessage(types.MessagePing))
	require.NoError(t, err)
	assert.Equal(t, types.MessagePong, resp.Type)

	assert.Eventually(t, func() bool { return srv.Stats().Served == 1 }, time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, srv.Stats().Failed)
}

func TestServerReadTimeout(t *testing.T) {
	cfg := testIPCConfig()
	cfg.ReadTimeout = 100 * time.Millisecond
	var called atomic.Int32
	_, ch := createTestServer(t, cfg, func(req *types.Message) *types.Message {
		called.Add(1)
		return pingPong(req)
	})

	// Connect and say nothing
	silent := ch.dial(t, trustedClient)
	_ = silent.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := io.ReadAll(silent)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Zero(t, called.Load())

	next := ch.dial(t, trustedClient)
	resp, err := roundTrip(t, next, JSONCodec{}, types.NewMessage(types.MessagePing))
	require.NoError(t, err)
	assert.Equal(t, types.MessagePong, resp.Type)
	assert.EqualValues(t, 1, called.Load())
}

func TestServerRejectsMalformedAndOversizedRequests(t *testing.T) {
	cfg := testIPCConfig()
	cfg.MaxMessageSize = 64
	var called atomic.Int32
	srv, ch := createTestServer(t, cfg, func(req *types.Message) *types.Message {
		called.Add(1)
		return pingPong(req)
	})

	bad := ch.dial(t, trustedClient)
	require.NoError(t, WriteFrame(bad, []byte("{not json"), 64))
	data, err := io.ReadAll(bad)
	require.NoError(t, err)
	assert.Empty(t, data)

	huge := ch.dial(t, trustedClient)
	// header announcing 1 MiB
	_, err = huge.Write([]byte{0, 0x10, 0, 0})
	require.NoError(t, err)
	data, err = io.ReadAll(huge)
	require.NoError(t, err)
	assert.Empty(t, data)

	assert.Zero(t, called.Load())
	assert.Eventually(t, func() bool { return srv.Stats().Failed == 2 }, time.Second, 10*time.Millisecond)

	ok := ch.dial(t, trustedClient)
	resp, err := RoundTrip(context.Background(), ok, JSONCodec{}, 64, time.Second, types.NewMessage(types.MessagePing))
	require.NoError(t, err)
	assert.Equal(t, types.MessagePong, resp.Type)
}

func TestServerSurvivesHandlerPanic(t *testing.T) {
	srv, ch := createTestServer(t, testIPCConfig(), func(req *types.Message) *types.Message {
		if req.Type == types.MessageGetVersion {
			panic("handler bug")
		}
		return pingPong(req)
	})

	conn := ch.dial(t, trustedClient)
	_, err := roundTrip(t, conn, JSONCodec{}, types.NewMessage(types.MessageGetVersion))
	require.Error(t, err)

	conn = ch.dial(t, trustedClient)
	resp, err := roundTrip(t, conn, JSONCodec{}, types.NewMessage(types.MessagePing))
	require.NoError(t, err)
	assert.Equal(t, types.MessagePong, resp.Type)
	assert.EqualValues(t, 1, srv.Stats().Failed)
}

func TestServerNilResponse(t *testing.T) {
	srv, ch := createTestServer(t, testIPCConfig(), func(*types.Message) *types.Message { return nil })

	conn := ch.dial(t, trustedClient)
	_, err := roundTrip(t, conn, JSONCodec{}, types.NewMessage(types.MessagePing))
	require.Error(t, err)
	assert.Eventually(t, func() bool { return srv.Stats().Failed == 1 }, time.Second, 10*time.Millisecond)
}

func TestServerNeverRunsHandlersConcurrently(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	_, ch := createTestServer(t, testIPCConfig(), func(req *types.Message) *types.Message {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return pingPong(req)
	})

	const clients = 12
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := ch.dial(t, trustedClient)
			resp, err := RoundTrip(context.Background(), conn, JSONCodec{}, config.DefaultMaxMessageSize,
				5*time.Second, types.NewMessage(types.MessagePing, float64(i)))
			if err != nil {
				errs <- err
				return
			}
			if resp.Type != types.MessagePong {
				errs <- fmt.Errorf("client %d got %s", i, resp.Type)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.EqualValues(t, 1, maxInFlight.Load())
}

func TestServerCloseWhileIdle(t *testing.T) {
	srv, ch := createTestServer(t, testIPCConfig(), pingPong)

	start := time.Now()
	require.NoError(t, srv.Close())
	assert.Less(t, time.Since(start), 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, srv.Wait(ctx), "worker must have exited")

	assert.EqualValues(t, 1, ch.unblocks.Load())
	assert.Equal(t, StateStopped, srv.State())
	assert.Zero(t, srv.Stats().Accepted, "the unblocking connection is not a client")

	// idempotent
	require.NoError(t, srv.Close())
	assert.EqualValues(t, 1, ch.unblocks.Load())
}

// stuckChannel ignores Unblock, so only Close can release Accept
type stuckChannel struct {
	*memChannel
}

func (s stuckChannel) Unblock() error {
	return errors.New("cannot connect")
}

func TestServerCloseFallsBackToChannelClose(t *testing.T) {
	cfg := testIPCConfig()
	cfg.JoinTimeout = 50 * time.Millisecond
	ch := stuckChannel{newMemChannel()}
	srv, err := NewServerWithChannel(ch, cfg, pingPong, logger.NewNop())
	require.NoError(t, err)

	require.NoError(t, srv.Close())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Wait(ctx))
	assert.Equal(t, StateStopped, srv.State())
}

func TestServerExitsWhenChannelCloses(t *testing.T) {
	srv, ch := createTestServer(t, testIPCConfig(), pingPong)

	require.NoError(t, ch.Close())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Wait(ctx))
	assert.Equal(t, StateStopped, srv.State())

	require.NoError(t, srv.Close())
	assert.Equal(t, StateStopped, srv.State())
}

func TestNewServerWithChannelValidation(t *testing.T) {
	_, err := NewServerWithChannel(nil, testIPCConfig(), pingPong, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = NewServerWithChannel(newMemChannel(), testIPCConfig(), nil, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	cfg := testIPCConfig()
	cfg.Codec = "xml"
	_, err = NewServerWithChannel(newMemChannel(), cfg, pingPong, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestSamePath(t *testing.T) {
	assert.True(t, samePath(`C:\Prog\app.exe`, `c:\prog\APP.exe`))
	assert.True(t, samePath("/usr/bin/../bin/app", "/usr/bin/app"))
	assert.False(t, samePath(`C:\Prog\app.exe`, `C:\Evil\app.exe`))
	assert.False(t, samePath("", ""))
}

func TestResolveExpectedPathDefaultsToSelf(t *testing.T) {
	path, err := resolveExpectedPath("")
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	path, err = resolveExpectedPath("/opt/app/../app/client")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean("/opt/app/client"), path)
}
