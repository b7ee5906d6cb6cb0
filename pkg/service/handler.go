package service

import (
	"github.com/tinywall/pipeguard/internal/logger"
	"github.com/tinywall/pipeguard/pkg/ipc"
	"github.com/tinywall/pipeguard/pkg/trust"
	"github.com/tinywall/pipeguard/pkg/types"
)

// NewHandler returns the request handler served by the daemon.
//
//	ping                   -> pong, echoing the arguments
//	get_version            -> version <version>
//	verify_signature path  -> verdict missing|valid|invalid
//	anything else          -> error
func NewHandler(oracle trust.Oracle, version string, log *logger.Logger) ipc.Handler {
	h := &handler{
		oracle:  oracle,
		version: version,
		logger:  logger.OrDefault(log).With("component", "handler"),
	}
	return h.handle
}

type handler struct {
	oracle  trust.Oracle
	version string
	logger  *logger.Logger
}

func (h *handler) handle(req *types.Message) *types.Message {
	switch req.Type {
	case types.MessagePing:
		return types.NewMessage(types.MessagePong, req.Arguments...)
	case types.MessageGetVersion:
		return types.NewMessage(types.MessageVersion, h.version)
	case types.MessageVerifySignature:
		return h.verifySignature(req)
	default:
		h.logger.Debug("Unsupported message type", "type", req.Type)
		return types.NewErrorMessage("unsupported message type: %s", req.Type)
	}
}

func (h *handler) verifySignature(req *types.Message) *types.Message {
	if h.oracle == nil {
		return types.NewErrorMessage("signature verification is not available")
	}
	if len(req.Arguments) != 1 {
		return types.NewErrorMessage("verify_signature takes exactly one argument, got %d", len(req.Arguments))
	}
	path, err := req.StringArg(0)
	if err != nil {
		return types.NewErrorMessage("%v", err)
	}

	verdict, err := h.oracle.Verify(path)
	if err != nil {
		h.logger.Warn("Signature verification failed", "path", path, "error", err)
		return types.NewErrorMessage("signature verification failed: %v", err)
	}

	h.logger.Info("Signature verified", "path", path, "verdict", verdict.String())
	return types.NewMessage(types.MessageVerdict, verdict.String())
}
