package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinywall/pipeguard/internal/config"
	"github.com/tinywall/pipeguard/internal/logger"
	"github.com/tinywall/pipeguard/pkg/types"
)

// Handler answers one request. It runs on the server's only worker, so it
// must return promptly; every later client waits for it.
type Handler func(req *types.Message) *types.Message

// ServerState is the lifecycle of a Server. Transitions only move forward.
type ServerState string

const (
	StateRunning       ServerState = "running"
	StateStopRequested ServerState = "stop_requested"
	StateStopped       ServerState = "stopped"
)

// ConnState is the progress of a single connection, reported in debug logs
type ConnState string

const (
	ConnListening       ConnState = "listening"
	ConnConnected       ConnState = "connected"
	ConnAuthenticating  ConnState = "authenticating"
	ConnAuthenticated   ConnState = "authenticated"
	ConnAuthFailed      ConnState = "auth_failed"
	ConnRequestRead     ConnState = "request_read"
	ConnDispatched      ConnState = "dispatched"
	ConnResponseWritten ConnState = "response_written"
	ConnClosed          ConnState = "closed"
)

// acceptRetryDelay keeps a persistently failing Accept from spinning
const acceptRetryDelay = 50 * time.Millisecond

// Server accepts one connection at a time on a Channel, authenticates the
// peer executable and answers a single request per connection.
type Server struct {
	cfg          config.IPCConfig
	channel      Channel
	handler      Handler
	codec        Codec
	expectedPath string
	logger       *logger.Logger

	mu            sync.Mutex
	state         ServerState
	stopRequested atomic.Bool
	done          chan struct{}
	closeOnce     sync.Once
	closeErr      error

	accepted atomic.Uint64
	rejected atomic.Uint64
	served   atomic.Uint64
	failed   atomic.Uint64
}

// ServerStats represents server statistics
type ServerStats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Served   uint64 `json:"served"`
	Failed   uint64 `json:"failed"`
}

// String returns a string representation of the stats
func (s ServerStats) String() string {
	return fmt.Sprintf("ServerStats{Accepted: %d, Rejected: %d, Served: %d, Failed: %d}",
		s.Accepted, s.Rejected, s.Served, s.Failed)
}

// NewServer creates the platform channel named by cfg.ChannelName and starts
// serving on it immediately. Failing to create the channel is fatal for the
// caller.
func NewServer(cfg config.IPCConfig, handler Handler, log *logger.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ch, err := Listen(cfg, log)
	if err != nil {
		return nil, err
	}
	s, err := NewServerWithChannel(ch, cfg, handler, log)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return s, nil
}

// NewServerWithChannel starts serving on an existing channel. The server
// takes ownership of ch and closes it in Close.
func NewServerWithChannel(ch Channel, cfg config.IPCConfig, handler Handler, log *logger.Logger) (*Server, error) {
	if ch == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "channel cannot be nil")
	}
	if handler == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "handler cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	expected, err := resolveExpectedPath(cfg.ExpectedClientPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:          cfg,
		channel:      ch,
		handler:      handler,
		codec:        codec,
		expectedPath: expected,
		logger:       logger.OrDefault(log).With("component", "ipc_server", "channel", ch.Addr()),
		state:        StateRunning,
		done:         make(chan struct{}),
	}

	go s.run()

	s.logger.Info("IPC server started",
		"expected_client", expected,
		"codec", codec.Name(),
		"read_timeout", cfg.ReadTimeout.String(),
		"max_message_size", cfg.MaxMessageSize)
	return s, nil
}

// resolveExpectedPath returns the cleaned client path, defaulting to this
// executable with symlinks resolved.
func resolveExpectedPath(path string) (string, error) {
	if path != "" {
		return filepath.Clean(path), nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", types.WrapError(types.ErrCodeInternal, "failed to resolve own executable", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Clean(exe), nil
}

// run is the worker loop. It owns every connection from Accept to Close.
func (s *Server) run() {
	defer close(s.done)

	for !s.stopRequested.Load() {
		if !s.serveNext() {
			break
		}
	}
	s.setState(StateStopped)
	s.logger.Debug("IPC server worker exited")
}

// serveNext waits for one connection and handles it. It returns false once
// the channel can no longer accept.
func (s *Server) serveNext() bool {
	s.logger.Debug("Connection state", "state", ConnListening)
	conn, err := s.channel.Accept()
	if err != nil {
		if s.stopRequested.Load() || errors.Is(err, net.ErrClosed) {
			return false
		}
		s.logger.Warn("Failed to accept connection", "error", err)
		time.Sleep(acceptRetryDelay)
		return true
	}
	s.handleConn(conn)
	return true
}

// handleConn runs one connection to completion. Nothing that happens here
// may escape to the worker loop.
func (s *Server) handleConn(conn Conn) {
	defer conn.Close()

	// The connection that woke us up during shutdown is never served
	if s.stopRequested.Load() {
		return
	}

	s.accepted.Add(1)
	log := s.logger.With("conn_id", types.GenerateID().String())
	log.Debug("Connection state", "state", ConnConnected)

	defer func() {
		if r := recover(); r != nil {
			s.failed.Add(1)
			log.Error("Connection handling panicked", "panic", r)
		}
		log.Debug("Connection state", "state", ConnClosed)
	}()

	log.Debug("Connection state", "state", ConnAuthenticating)
	peer, ok := s.authenticate(conn, log)
	if !ok {
		s.rejected.Add(1)
		log.Debug("Connection state", "state", ConnAuthFailed)
		return
	}
	log = log.With("peer_pid", peer.PID)
	log.Debug("Connection state", "state", ConnAuthenticated)

	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		s.failed.Add(1)
		log.Debug("Failed to set read deadline", "error", err)
		return
	}
	req, err := ReadMessage(conn, s.codec, s.cfg.MaxMessageSize)
	if err != nil {
		s.failed.Add(1)
		log.Debug("Failed to read request", "error", err)
		return
	}
	log.Debug("Connection state", "state", ConnRequestRead, "type", req.Type)

	resp := s.handler(req)
	log.Debug("Connection state", "state", ConnDispatched)
	if resp == nil {
		s.failed.Add(1)
		log.Warn("Handler returned no response", "type", req.Type)
		return
	}

	if s.cfg.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			s.failed.Add(1)
			log.Debug("Failed to set write deadline", "error", err)
			return
		}
	}
	if err := WriteMessage(conn, s.codec, resp, s.cfg.MaxMessageSize); err != nil {
		s.failed.Add(1)
		log.Debug("Failed to write response", "error", err)
		return
	}

	s.served.Add(1)
	log.Debug("Connection state", "state", ConnResponseWritten, "type", resp.Type)
}

// authenticate accepts the peer only if its executable is the expected one.
// An unresolvable peer is rejected like a mismatching one.
func (s *Server) authenticate(conn Conn, log *logger.Logger) (PeerIdentity, bool) {
	peer, err := conn.Peer()
	if err != nil {
		log.Warn("Rejected client: identity unresolved", "pid", peer.PID, "error", err)
		return peer, false
	}
	if !samePath(peer.Path, s.expectedPath) {
		log.Warn("Rejected client: unexpected executable", "pid", peer.PID, "path", peer.Path)
		return peer, false
	}
	return peer, true
}

// samePath compares executable paths the way the Windows file system does
func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(filepath.Clean(a), filepath.Clean(b))
}

// Close stops the server. It wakes the worker through Channel.Unblock, waits
// up to the join timeout for it to exit, then closes the channel whether or
// not the worker has finished. Close is safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateStopRequested)
		s.stopRequested.Store(true)

		if err := s.channel.Unblock(); err != nil {
			s.logger.Debug("Failed to unblock accept", "error", err)
		}

		select {
		case <-s.done:
		case <-time.After(s.cfg.JoinTimeout):
			s.logger.Warn("IPC server worker did not stop in time", "join_timeout", s.cfg.JoinTimeout.String())
		}

		s.closeErr = s.channel.Close()
		s.setState(StateStopped)
		s.logger.Info("IPC server stopped", "stats", s.Stats().String())
	})
	return s.closeErr
}

// Wait blocks until the worker has exited or ctx is done
func (s *Server) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for server canceled", ctx.Err())
	}
}

// State returns the current server state. It reports StateStopped once the
// worker has exited, whether through Close or because the channel stopped
// accepting.
func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) setState(state ServerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return
	}
	s.state = state
}

// Addr returns the address of the underlying channel
func (s *Server) Addr() string {
	return s.channel.Addr()
}

// Stats returns server statistics
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
		Served:   s.served.Load(),
		Failed:   s.failed.Load(),
	}
}

// String returns a string representation of the server
func (s *Server) String() string {
	return fmt.Sprintf("Server{Channel: %s, State: %s, %s}", s.channel.Addr(), s.State(), s.Stats())
}
