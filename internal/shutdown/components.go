package shutdown

import (
	"context"
	"io"
)

// FuncComponent wraps a shutdown function as a component.
type FuncComponent struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncComponent creates a new function-based shutdown component.
func NewFuncComponent(name string, fn func(ctx context.Context) error) *FuncComponent {
	return &FuncComponent{name: name, fn: fn}
}

// Name returns the component name.
func (c *FuncComponent) Name() string { return c.name }

// Shutdown calls the wrapped function.
func (c *FuncComponent) Shutdown(ctx context.Context) error { return c.fn(ctx) }

// CloserComponent wraps an io.Closer, such as the store or the etcd client.
type CloserComponent struct {
	name   string
	closer io.Closer
}

// NewCloserComponent creates a new closer shutdown component.
func NewCloserComponent(name string, closer io.Closer) *CloserComponent {
	return &CloserComponent{name: name, closer: closer}
}

// Name returns the component name.
func (c *CloserComponent) Name() string { return c.name }

// Shutdown closes the underlying resource.
func (c *CloserComponent) Shutdown(ctx context.Context) error { return c.closer.Close() }

// Stopper is a background loop with a synchronous Stop, such as the scheduling monitor.
type Stopper interface {
	Stop()
}

// StopperComponent wraps a Stopper.
type StopperComponent struct {
	name    string
	stopper Stopper
}

// NewStopperComponent creates a new stopper shutdown component.
func NewStopperComponent(name string, s Stopper) *StopperComponent {
	return &StopperComponent{name: name, stopper: s}
}

// Name returns the component name.
func (c *StopperComponent) Name() string { return c.name }

// Shutdown stops the loop.
func (c *StopperComponent) Shutdown(ctx context.Context) error {
	c.stopper.Stop()
	return nil
}
