package ipc

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/tinywall/pipeguard/internal/config"
	"github.com/tinywall/pipeguard/pkg/types"
)

// Exchange connects to the channel named in cfg, sends req and returns the
// single response. A server that rejects the caller closes without answering,
// which is reported as ErrCodePermissionDenied.
func Exchange(ctx context.Context, cfg config.IPCConfig, req *types.Message) (*types.Message, error) {
	codec, err := CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	conn, err := Dial(ctx, cfg.ChannelName)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to connect to "+Address(cfg.ChannelName), err)
	}
	defer conn.Close()

	return RoundTrip(ctx, conn, codec, cfg.MaxMessageSize, cfg.ReadTimeout, req)
}

// RoundTrip writes req on conn and reads one response. The exchange is
// bounded by timeout or the context deadline, whichever comes first.
func RoundTrip(ctx context.Context, conn net.Conn, codec Codec, maxSize int, timeout time.Duration, req *types.Message) (*types.Message, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		if isClosedByPeer(err) {
			return nil, types.WrapError(types.ErrCodePermissionDenied, "server closed the connection", err)
		}
		return nil, types.WrapError(types.ErrCodeInternal, "failed to set deadline", err)
	}

	if err := WriteMessage(conn, codec, req, maxSize); err != nil {
		if isClosedByPeer(err) {
			return nil, types.WrapError(types.ErrCodePermissionDenied, "server closed the connection", err)
		}
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to send request", err)
	}

	resp, err := ReadMessage(conn, codec, maxSize)
	switch {
	case err == nil:
		return resp, nil
	case isClosedByPeer(err):
		return nil, types.WrapError(types.ErrCodePermissionDenied, "server closed the connection without a response", err)
	case isTimeout(err):
		return nil, types.WrapError(types.ErrCodeTimeout, "timed out waiting for response", err)
	default:
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to read response", err)
	}
}

func isClosedByPeer(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
