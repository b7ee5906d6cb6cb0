//go:build windows

package ipc

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/tinywall/pipeguard/pkg/types"
)

var procGetNamedPipeClientProcessId = windows.NewLazySystemDLL("kernel32.dll").NewProc("GetNamedPipeClientProcessId")

// Peer resolves the client process of the named pipe instance
func (c *pipeConn) Peer() (PeerIdentity, error) {
	fd, ok := c.Conn.(interface{ Fd() uintptr })
	if !ok {
		return PeerIdentity{}, types.NewError(types.ErrCodeInternal,
			fmt.Sprintf("pipe connection %T does not expose its handle", c.Conn))
	}

	if err := procGetNamedPipeClientProcessId.Find(); err != nil {
		return PeerIdentity{}, types.WrapError(types.ErrCodeUnavailable, "GetNamedPipeClientProcessId is not available", err)
	}
	var pid uint32
	r1, _, e1 := procGetNamedPipeClientProcessId.Call(fd.Fd(), uintptr(unsafe.Pointer(&pid)))
	if r1 == 0 {
		return PeerIdentity{}, types.WrapError(types.ErrCodePermissionDenied, "failed to get pipe client process id", e1)
	}

	path, err := executablePath(pid)
	if err != nil {
		return PeerIdentity{PID: int(pid)}, err
	}
	return PeerIdentity{PID: int(pid), Path: path}, nil
}

// executablePath returns the full image path of a process
func executablePath(pid uint32) (string, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return "", types.WrapError(types.ErrCodePermissionDenied, fmt.Sprintf("failed to open process %d", pid), err)
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_LONG_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return "", types.WrapError(types.ErrCodePermissionDenied, fmt.Sprintf("failed to query image of process %d", pid), err)
	}
	return windows.UTF16ToString(buf[:size]), nil
}
