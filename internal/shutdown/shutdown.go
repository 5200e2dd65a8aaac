// Package shutdown coordinates graceful shutdown of the control plane's components.
//
// Components stop in reverse registration order under one shared deadline: the network
// servers registered last stop first, then background loops, then the store.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout is the default graceful shutdown timeout.
const DefaultTimeout = 30 * time.Second

// Component represents a component that can be gracefully shut down.
type Component interface {
	// Name returns the component name for logging.
	Name() string
	// Shutdown gracefully shuts down the component.
	// It should return within the given context deadline.
	Shutdown(ctx context.Context) error
}

// Coordinator manages graceful shutdown of multiple components.
type Coordinator struct {
	components []Component
	timeout    time.Duration
	logger     *slog.Logger
	mu         sync.Mutex

	signalCh chan os.Signal

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	exitCode     int
	failed       []string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the shutdown timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSignalChannel sets a custom signal channel (for testing).
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) {
		c.signalCh = ch
	}
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout:      DefaultTimeout,
		logger:       slog.Default(),
		shutdownDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "shutdown")
	return c
}

// Register adds a component. Components are shut down in reverse order of registration.
func (c *Coordinator) Register(component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component)
	c.logger.Debug("registered shutdown component", "name", component.Name())
}

// NotifyContext returns a context that is cancelled on SIGINT or SIGTERM (or a value on the
// injected signal channel), and then runs Shutdown.
func (c *Coordinator) NotifyContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		defer cancel()
		if c.waitSignal(ctx) {
			cancel()
			c.Shutdown()
		}
	}()
	return ctx
}

func (c *Coordinator) waitSignal(ctx context.Context) bool {
	sigCh := c.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case sig := <-sigCh:
		c.logger.Info("received shutdown signal", "signal", sig)
		return true
	case <-ctx.Done():
		return false
	}
}

// Shutdown stops every registered component, last registered first. A component that fails
// or overruns does not prevent the rest from being stopped. It runs at most once.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		defer close(c.shutdownDone)
		c.logger.Info("initiating graceful shutdown", "timeout", c.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.mu.Lock()
		components := make([]Component, len(c.components))
		copy(components, c.components)
		c.mu.Unlock()

		for i := len(components) - 1; i >= 0; i-- {
			comp := components[i]
			c.logger.Info("shutting down component", "name", comp.Name())
			if err := c.stop(ctx, comp); err != nil {
				c.logger.Error("component shutdown error", "name", comp.Name(), "error", err)
				c.failed = append(c.failed, comp.Name())
				continue
			}
			c.logger.Info("component shutdown complete", "name", comp.Name())
		}

		if ctx.Err() != nil {
			c.logger.Warn("shutdown timeout exceeded, forcing termination")
			c.exitCode = 1
			return
		}
		c.logger.Info("all components shut down", "failed", len(c.failed))
	})
}

// stop runs one component's Shutdown, abandoning it when the deadline passes.
func (c *Coordinator) stop(ctx context.Context, comp Component) error {
	errCh := make(chan error, 1)
	go func() { errCh <- comp.Shutdown(ctx) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until shutdown is complete.
func (c *Coordinator) Wait() {
	<-c.shutdownDone
}

// ExitCode returns 0 for a clean shutdown and 1 when the deadline was exceeded. Valid after
// Wait returns.
func (c *Coordinator) ExitCode() int {
	return c.exitCode
}

// Failed returns the names of components whose shutdown returned an error. Valid after Wait
// returns.
func (c *Coordinator) Failed() []string {
	return c.failed
}
