//go:build !windows

package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinywall/pipeguard/internal/config"
	"github.com/tinywall/pipeguard/internal/logger"
	"github.com/tinywall/pipeguard/pkg/types"
)

// Address maps a channel name to a Unix socket path. Absolute names are used
// as is; anything else lives in the temp directory.
func Address(channelName string) string {
	if filepath.IsAbs(channelName) {
		return channelName
	}
	return filepath.Join(os.TempDir(), channelName+".sock")
}

// socketChannel is a Channel over a Unix domain socket
type socketChannel struct {
	path           string
	listener       *net.UnixListener
	unblockTimeout time.Duration
	logger         *logger.Logger
	closeOnce      sync.Once
	closeErr       error
}

// unixConn is an accepted Unix socket connection
type unixConn struct {
	*net.UnixConn
	logger *logger.Logger
}

func listen(cfg config.IPCConfig, log *logger.Logger) (Channel, error) {
	path := Address(cfg.ChannelName)
	mode, err := cfg.FileMode()
	if err != nil {
		return nil, err
	}

	// Remove a stale socket left by a previous run, but never anything else
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, types.NewError(types.ErrCodeFailedPrecondition,
				fmt.Sprintf("refusing to replace non-socket file %s", path))
		}
		if err := os.Remove(path); err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to remove existing socket file", err)
		}
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to listen on socket", err)
	}
	ln.SetUnlinkOnClose(true)

	if err := os.Chmod(path, mode); err != nil {
		ln.Close()
		return nil, types.WrapError(types.ErrCodeInternal, "failed to set socket permissions", err)
	}

	c := &socketChannel{
		path:           path,
		listener:       ln,
		unblockTimeout: cfg.UnblockTimeout,
		logger:         log.With("component", "ipc_socket", "socket_path", path),
	}
	c.logger.Info("IPC socket listening", "mode", fmt.Sprintf("%#o", mode))
	return c, nil
}

func (c *socketChannel) Accept() (Conn, error) {
	conn, err := c.listener.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return &unixConn{UnixConn: conn, logger: c.logger}, nil
}

func (c *socketChannel) Unblock() error {
	d := net.Dialer{Timeout: c.unblockTimeout}
	conn, err := d.Dial("unix", c.path)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to connect to own socket", err)
	}
	return conn.Close()
}

func (c *socketChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.listener.Close()
		c.logger.Info("IPC socket closed")
	})
	return c.closeErr
}

func (c *socketChannel) Addr() string {
	return c.path
}

func dial(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", address)
}
