package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tinywall/pipeguard/internal/logger"
	"github.com/tinywall/pipeguard/pkg/types"
)

// ShutdownState represents the current state of the shutdown process
type ShutdownState string

const (
	// ShutdownStateRunning indicates the service is running normally
	ShutdownStateRunning ShutdownState = "running"
	// ShutdownStateInitiated indicates shutdown has been initiated
	ShutdownStateInitiated ShutdownState = "initiated"
	// ShutdownStateStopping indicates the service is being closed
	ShutdownStateStopping ShutdownState = "stopping"
	// ShutdownStateComplete indicates shutdown is complete
	ShutdownStateComplete ShutdownState = "complete"
)

// hookTimeout bounds a single hook within the overall shutdown timeout
const hookTimeout = 5 * time.Second

// ShutdownHook is a function that can be called during shutdown
type ShutdownHook func(ctx context.Context) error

// ShutdownManager closes a running service when a signal arrives or when
// Shutdown is called, running pre and post hooks around the close.
type ShutdownManager struct {
	mu              sync.RWMutex
	target          io.Closer
	state           ShutdownState
	shutdownTimeout time.Duration
	preHooks        []ShutdownHook
	postHooks       []ShutdownHook
	logger          *logger.Logger
	signalChan      chan os.Signal
	stopChan        chan struct{}
	started         bool
	completionChan  chan struct{}
	shutdownReason  string
	startedAt       time.Time
}

// NewShutdownManager creates a manager that closes target on shutdown
func NewShutdownManager(target io.Closer, timeout time.Duration, log *logger.Logger) (*ShutdownManager, error) {
	if target == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "shutdown target is nil")
	}
	if timeout <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "shutdown timeout must be positive")
	}

	return &ShutdownManager{
		target:          target,
		state:           ShutdownStateRunning,
		shutdownTimeout: timeout,
		logger:          logger.OrDefault(log).With("component", "shutdown_manager"),
		signalChan:      make(chan os.Signal, 1),
		stopChan:        make(chan struct{}),
		completionChan:  make(chan struct{}),
	}, nil
}

// Start begins listening for SIGINT and SIGTERM
func (sm *ShutdownManager) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.started {
		return
	}

	signal.Notify(sm.signalChan, os.Interrupt, syscall.SIGTERM)
	sm.started = true
	sm.logger.Info("Shutdown manager started", "timeout", sm.shutdownTimeout.String())

	go sm.handleSignals(sm.stopChan)
}

// Stop stops signal handling. It does not shut the service down.
func (sm *ShutdownManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return
	}

	signal.Stop(sm.signalChan)
	close(sm.stopChan)
	sm.stopChan = make(chan struct{})
	sm.started = false

	sm.logger.Debug("Shutdown manager stopped")
}

// Shutdown runs pre-shutdown hooks, closes the target, then runs
// post-shutdown hooks. Only the first call does anything; later calls
// return ErrCodeFailedPrecondition.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.mu.Lock()
	if sm.state != ShutdownStateRunning {
		sm.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}
	sm.state = ShutdownStateInitiated
	sm.shutdownReason = reason
	sm.startedAt = time.Now()
	sm.mu.Unlock()

	sm.logger.Info("Shutdown initiated", "reason", reason)

	shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
	defer cancel()

	if err := sm.executeHooks(shutdownCtx, "pre-shutdown", sm.hooks(true)); err != nil {
		sm.logger.Error("Pre-shutdown hooks failed", "error", err)
	}

	sm.setState(ShutdownStateStopping)
	closeErr := sm.target.Close()
	if closeErr != nil {
		sm.logger.Error("Service close failed", "error", closeErr)
	}

	if err := sm.executeHooks(shutdownCtx, "post-shutdown", sm.hooks(false)); err != nil {
		sm.logger.Error("Post-shutdown hooks failed", "error", err)
	}

	sm.setState(ShutdownStateComplete)
	close(sm.completionChan)

	sm.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(sm.startedAt).String())

	if closeErr != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to close service", closeErr)
	}
	return nil
}

// AddPreHook registers a hook that runs before the target is closed
func (sm *ShutdownManager) AddPreHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.preHooks = append(sm.preHooks, hook)
}

// AddHook registers a hook that runs after the target is closed
func (sm *ShutdownManager) AddHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.postHooks = append(sm.postHooks, hook)
	sm.logger.Debug("Shutdown hook registered", "total_hooks", len(sm.preHooks)+len(sm.postHooks))
}

// State returns the current shutdown state
func (sm *ShutdownManager) State() ShutdownState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// IsShuttingDown returns true if shutdown has been initiated
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.State() != ShutdownStateRunning
}

// IsComplete returns true if shutdown is complete
func (sm *ShutdownManager) IsComplete() bool {
	return sm.State() == ShutdownStateComplete
}

// ShutdownReason returns the reason for shutdown
func (sm *ShutdownManager) ShutdownReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.shutdownReason
}

// Done is closed when shutdown has completed
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.completionChan
}

// WaitCompletion waits for shutdown to complete
func (sm *ShutdownManager) WaitCompletion(ctx context.Context) error {
	select {
	case <-sm.completionChan:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for completion canceled", ctx.Err())
	}
}

func (sm *ShutdownManager) handleSignals(stop <-chan struct{}) {
	for {
		select {
		case sig := <-sm.signalChan:
			sm.logger.Info("Shutdown signal received", "signal", sig.String())
			go func() {
				if err := sm.Shutdown(context.Background(), fmt.Sprintf("signal received: %s", sig)); err != nil {
					sm.logger.Debug("Ignoring shutdown signal", "error", err)
				}
			}()
		case <-stop:
			return
		}
	}
}

func (sm *ShutdownManager) hooks(pre bool) []ShutdownHook {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	src := sm.postHooks
	if pre {
		src = sm.preHooks
	}
	hooks := make([]ShutdownHook, len(src))
	copy(hooks, src)
	return hooks
}

// executeHooks runs hooks in registration order. A failing or panicking
// hook does not stop the others.
func (sm *ShutdownManager) executeHooks(ctx context.Context, phase string, hooks []ShutdownHook) error {
	sm.logger.Debug("Executing shutdown hooks", "phase", phase, "count", len(hooks))

	var errs []error
	for i, hook := range hooks {
		if err := runHook(ctx, hook); err != nil {
			sm.logger.Error("Shutdown hook failed", "phase", phase, "hook", i, "error", err)
			errs = append(errs, err)
		}

		select {
		case <-ctx.Done():
			sm.logger.Warn("Shutdown hook execution canceled", "phase", phase)
			return types.WrapError(types.ErrCodeCanceled, "hook execution canceled", ctx.Err())
		default:
		}
	}

	if len(errs) > 0 {
		return types.WrapError(types.ErrCodePartialFailure, fmt.Sprintf("%d %s hooks failed", len(errs), phase), errs[0])
	}
	return nil
}

func runHook(ctx context.Context, hook ShutdownHook) (err error) {
	hookCtx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = types.NewError(types.ErrCodeInternal, fmt.Sprintf("hook panicked: %v", r))
		}
	}()
	return hook(hookCtx)
}

func (sm *ShutdownManager) setState(state ShutdownState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
	sm.logger.Debug("Shutdown state changed", "state", state)
}

// String returns a string representation of the shutdown state
func (s ShutdownState) String() string {
	return string(s)
}

// String returns a string representation of the shutdown manager
func (sm *ShutdownManager) String() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return fmt.Sprintf("ShutdownManager{state: %s, timeout: %v, hooks: %d, started: %t}",
		sm.state, sm.shutdownTimeout, len(sm.preHooks)+len(sm.postHooks), sm.started)
}
