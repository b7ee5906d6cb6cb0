//go:build windows

package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Microsoft/go-winio"

	"github.com/tinywall/pipeguard/internal/config"
	"github.com/tinywall/pipeguard/internal/logger"
	"github.com/tinywall/pipeguard/pkg/types"
)

const pipePrefix = `\\.\pipe\`

// pipeSecurity grants read/write to authenticated users and full control to
// SYSTEM and administrators. Anonymous and guest access is denied.
const pipeSecurity = "D:P(A;;GRGW;;;AU)(A;;GA;;;SY)(A;;GA;;;BA)"

// Address maps a channel name to a named pipe path
func Address(channelName string) string {
	if strings.HasPrefix(channelName, pipePrefix) {
		return channelName
	}
	return pipePrefix + channelName
}

// pipeChannel is a Channel over a Windows named pipe
type pipeChannel struct {
	path           string
	listener       net.Listener
	unblockTimeout time.Duration
	logger         *logger.Logger
	closeOnce      sync.Once
	closeErr       error
}

// pipeConn is an accepted named pipe connection
type pipeConn struct {
	net.Conn
}

func listen(cfg config.IPCConfig, log *logger.Logger) (Channel, error) {
	path := Address(cfg.ChannelName)
	ln, err := winio.ListenPipe(path, &winio.PipeConfig{
		SecurityDescriptor: pipeSecurity,
		MessageMode:        false,
		InputBufferSize:    int32(cfg.MaxMessageSize),
		OutputBufferSize:   int32(cfg.MaxMessageSize),
	})
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to create named pipe", err)
	}

	c := &pipeChannel{
		path:           path,
		listener:       ln,
		unblockTimeout: cfg.UnblockTimeout,
		logger:         log.With("component", "ipc_pipe", "pipe", path),
	}
	c.logger.Info("IPC pipe listening")
	return c, nil
}

func (c *pipeChannel) Accept() (Conn, error) {
	conn, err := c.listener.Accept()
	if err != nil {
		if errors.Is(err, winio.ErrPipeListenerClosed) {
			return nil, fmt.Errorf("accept: %w", net.ErrClosed)
		}
		return nil, err
	}
	return &pipeConn{Conn: conn}, nil
}

func (c *pipeChannel) Unblock() error {
	timeout := c.unblockTimeout
	conn, err := winio.DialPipe(c.path, &timeout)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to connect to own pipe", err)
	}
	return conn.Close()
}

func (c *pipeChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.listener.Close()
		c.logger.Info("IPC pipe closed")
	})
	return c.closeErr
}

func (c *pipeChannel) Addr() string {
	return c.path
}

func dial(ctx context.Context, address string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, address)
}
