//go:build linux

package ipc

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinywall/pipeguard/pkg/types"
)

const (
	// The peer can exit between SO_PEERCRED and readlink; retry briefly.
	maxPathRetries    = 2
	initialRetryDelay = 1 * time.Millisecond
	maxRetryDelay     = 10 * time.Millisecond
)

// Peer resolves the connecting process from kernel-verified credentials
func (c *unixConn) Peer() (PeerIdentity, error) {
	raw, err := c.UnixConn.SyscallConn()
	if err != nil {
		return PeerIdentity{}, types.WrapError(types.ErrCodeInternal, "failed to get raw connection", err)
	}

	var (
		ucred   *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		ucred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return PeerIdentity{}, types.WrapError(types.ErrCodeInternal, "failed to access socket descriptor", err)
	}
	if credErr != nil {
		return PeerIdentity{}, types.WrapError(types.ErrCodePermissionDenied, "failed to get peer credentials", credErr)
	}
	if ucred == nil || ucred.Pid <= 0 {
		return PeerIdentity{}, types.NewError(types.ErrCodePermissionDenied, "invalid peer credentials")
	}

	path, err := executablePath(int(ucred.Pid))
	if err != nil {
		return PeerIdentity{PID: int(ucred.Pid)}, err
	}
	return PeerIdentity{PID: int(ucred.Pid), Path: path}, nil
}

// executablePath reads /proc/<pid>/exe
func executablePath(pid int) (string, error) {
	procPath := fmt.Sprintf("/proc/%d/exe", pid)
	delay := initialRetryDelay

	var lastErr error
	for attempt := 0; attempt <= maxPathRetries; attempt++ {
		path, err := os.Readlink(procPath)
		if err == nil {
			return path, nil
		}
		lastErr = err
		if !errors.Is(err, os.ErrNotExist) {
			break
		}
		if attempt < maxPathRetries {
			time.Sleep(delay)
			delay = min(delay*2, maxRetryDelay)
		}
	}
	return "", types.WrapError(types.ErrCodePermissionDenied,
		fmt.Sprintf("failed to resolve executable of pid %d", pid), lastErr)
}
