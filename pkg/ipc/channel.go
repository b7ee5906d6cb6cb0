package ipc

import (
	"context"
	"net"

	"github.com/tinywall/pipeguard/internal/config"
	"github.com/tinywall/pipeguard/internal/logger"
)

// PeerIdentity identifies the process on the other end of a connection
type PeerIdentity struct {
	PID  int    `json:"pid"`
	Path string `json:"path"`
}

// Conn is an accepted connection that can report who is connected
type Conn interface {
	net.Conn
	// Peer resolves the connecting process. Any error means the peer is
	// unauthenticated.
	Peer() (PeerIdentity, error)
}

// Channel is a named, same-host endpoint accepting one connection at a time
type Channel interface {
	// Accept blocks until a client connects. After Close it returns an
	// error wrapping net.ErrClosed.
	Accept() (Conn, error)
	// Unblock wakes a pending Accept, typically by connecting to the
	// channel and disconnecting immediately.
	Unblock() error
	// Close releases the endpoint.
	Close() error
	// Addr returns the platform address of the channel.
	Addr() string
}

// Listen creates the platform channel named by cfg.ChannelName
func Listen(cfg config.IPCConfig, log *logger.Logger) (Channel, error) {
	return listen(cfg, logger.OrDefault(log))
}

// Dial connects to the platform channel with the given name
func Dial(ctx context.Context, channelName string) (net.Conn, error) {
	return dial(ctx, Address(channelName))
}
