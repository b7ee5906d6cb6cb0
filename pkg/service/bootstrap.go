package service

import (
	"context"
	"fmt"
	"time"

	"github.com/tinywall/pipeguard/internal/config"
	"github.com/tinywall/pipeguard/internal/logger"
	"github.com/tinywall/pipeguard/pkg/ipc"
	"github.com/tinywall/pipeguard/pkg/trust"
	"github.com/tinywall/pipeguard/pkg/types"
)

// selfCheckTimeout bounds the startup ping
const selfCheckTimeout = 5 * time.Second

// BootstrapConfig contains configuration for the bootstrap process
type BootstrapConfig struct {
	Config  config.Config
	Logger  *logger.Logger
	Version string
	// Oracle answers verify_signature. Nil uses the platform verifier.
	Oracle trust.Oracle
	// Channel replaces the platform channel. Nil creates one from Config.IPC.
	Channel ipc.Channel
	// SelfCheck pings the server through the platform channel once it is up.
	// It only succeeds when this executable is the expected client.
	SelfCheck bool
}

// BootstrapResult contains the result of a bootstrap operation
type BootstrapResult struct {
	Server    *ipc.Server
	Shutdown  *ShutdownManager
	StartedAt time.Time
	Version   string
	Ready     time.Time
}

// Bootstrap starts the IPC server with the default handler and wires a
// shutdown manager that closes it. Signal handling is not started; call
// Shutdown.Start for that.
func Bootstrap(ctx context.Context, cfg BootstrapConfig) (*BootstrapResult, error) {
	result := &BootstrapResult{
		StartedAt: time.Now(),
		Version:   cfg.Version,
	}
	log := logger.OrDefault(cfg.Logger)

	if err := cfg.Config.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid configuration", err)
	}

	oracle := cfg.Oracle
	if oracle == nil {
		oracle = trust.NewVerifier(log)
	}
	handler := NewHandler(oracle, cfg.Version, log)

	var (
		srv *ipc.Server
		err error
	)
	if cfg.Channel != nil {
		srv, err = ipc.NewServerWithChannel(cfg.Channel, cfg.Config.IPC, handler, log)
	} else {
		srv, err = ipc.NewServer(cfg.Config.IPC, handler, log)
	}
	if err != nil {
		return nil, err
	}
	result.Server = srv

	shutdown, err := NewShutdownManager(srv, cfg.Config.Service.ShutdownTimeout, log)
	if err != nil {
		srv.Close()
		return nil, err
	}
	result.Shutdown = shutdown

	if cfg.SelfCheck {
		if err := selfCheck(ctx, cfg.Config.IPC); err != nil {
			srv.Close()
			return nil, err
		}
	}

	result.Ready = time.Now()
	log.Info("Service bootstrapped successfully",
		"version", cfg.Version,
		"address", srv.Addr(),
		"duration", result.Duration().String())
	return result, nil
}

// selfCheck sends a ping through the real channel and expects the pong
func selfCheck(ctx context.Context, cfg config.IPCConfig) error {
	ctx, cancel := context.WithTimeout(ctx, selfCheckTimeout)
	defer cancel()

	resp, err := ipc.Exchange(ctx, cfg, types.NewMessage(types.MessagePing, "self-check"))
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "self-check failed", err)
	}
	if resp.Type != types.MessagePong {
		return types.NewError(types.ErrCodeInternal, "self-check got unexpected response "+string(resp.Type))
	}
	return nil
}

// Duration returns how long the bootstrap took
func (r *BootstrapResult) Duration() time.Duration {
	if r.Ready.IsZero() {
		return 0
	}
	return r.Ready.Sub(r.StartedAt)
}

// String returns a string representation of the result
func (r *BootstrapResult) String() string {
	addr := ""
	if r.Server != nil {
		addr = r.Server.Addr()
	}
	return fmt.Sprintf("BootstrapResult{Version: %s, Address: %s, Duration: %v}", r.Version, addr, r.Duration())
}
