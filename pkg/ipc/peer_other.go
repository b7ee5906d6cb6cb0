//go:build !linux && !windows

package ipc

import (
	"runtime"

	"github.com/tinywall/pipeguard/pkg/types"
)

// Peer is not implemented here, so every peer is unauthenticated
func (c *unixConn) Peer() (PeerIdentity, error) {
	return PeerIdentity{}, types.NewError(types.ErrCodeUnavailable,
		"peer executable resolution is not supported on "+runtime.GOOS)
}
