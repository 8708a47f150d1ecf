// ABOUTME: Ordered initialize/cleanup registry for application components
// ABOUTME: Initializes in registration order and tears down in reverse, no finalizers

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Component is anything with a setup and teardown phase. Implementations must
// make Cleanup safe to call after a failed or skipped Initialize.
type Component interface {
	Name() string
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// Registry holds components in registration order. The application constructs
// one registry, passes it down, and calls CleanupAll at shutdown; cleanup is
// explicit and owned, never left to garbage collection.
type Registry struct {
	logger *slog.Logger

	mu         sync.Mutex
	components []Component
	cleanedUp  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger.With("component", "lifecycle")}
}

// Register appends a component. Registration order is initialization order.
func (r *Registry) Register(c Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components = append(r.components, c)
}

// InitializeAll initializes every component in registration order. If one
// fails, components already initialized are cleaned up in reverse before the
// error is returned.
func (r *Registry) InitializeAll(ctx context.Context) error {
	r.mu.Lock()
	components := make([]Component, len(r.components))
	copy(components, r.components)
	r.mu.Unlock()

	for i, c := range components {
		if err := c.Initialize(ctx); err != nil {
			r.logger.Error("component initialization failed", "name", c.Name(), "error", err)
			for j := i - 1; j >= 0; j-- {
				if cleanupErr := components[j].Cleanup(ctx); cleanupErr != nil {
					r.logger.Warn("cleanup during unwind failed", "name", components[j].Name(), "error", cleanupErr)
				}
			}
			return fmt.Errorf("initializing %s: %w", c.Name(), err)
		}
		r.logger.Debug("component initialized", "name", c.Name())
	}
	return nil
}

// CleanupAll cleans up every component in reverse registration order,
// collecting errors rather than stopping at the first. Idempotent.
func (r *Registry) CleanupAll(ctx context.Context) error {
	r.mu.Lock()
	if r.cleanedUp {
		r.mu.Unlock()
		return nil
	}
	r.cleanedUp = true
	components := make([]Component, len(r.components))
	copy(components, r.components)
	r.mu.Unlock()

	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if err := c.Cleanup(ctx); err != nil {
			r.logger.Warn("component cleanup failed", "name", c.Name(), "error", err)
			errs = append(errs, fmt.Errorf("cleaning up %s: %w", c.Name(), err))
			continue
		}
		r.logger.Debug("component cleaned up", "name", c.Name())
	}
	return errors.Join(errs...)
}

// Func adapts plain functions into a Component. Nil hooks are no-ops.
type Func struct {
	ComponentName string
	InitFn        func(ctx context.Context) error
	CleanupFn     func(ctx context.Context) error
}

func (f Func) Name() string { return f.ComponentName }

func (f Func) Initialize(ctx context.Context) error {
	if f.InitFn == nil {
		return nil
	}
	return f.InitFn(ctx)
}

func (f Func) Cleanup(ctx context.Context) error {
	if f.CleanupFn == nil {
		return nil
	}
	return f.CleanupFn(ctx)
}
