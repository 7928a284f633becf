// Package inprocess backs tool capabilities with plain Go functions running
// in the host process. It is the adapter of choice for built-in tools and for
// tests: no transport, no serialization, handlers see the input maps directly.
package inprocess

import (
	"context"
	"sort"
	"sync"

	"github.com/opforge/toolrun/runtime/toolerrors"
	"github.com/opforge/toolrun/runtime/tools"
)

type (
	// Handler implements one capability. The returned value follows the
	// executor contract: a *result.Result, a {success, data, error} map, or
	// any JSON-encodable shape.
	Handler func(ctx context.Context, input map[string]any, ec tools.ExecContext) (any, error)

	// Validator performs capability-specific input validation beyond the
	// schema. Returns one string per violation.
	Validator func(input map[string]any) []string

	// Executor routes capability calls to registered handlers. Register all
	// handlers before handing the executor to the registry; Handle and
	// Validate are not safe to call concurrently with Execute.
	Executor struct {
		component  string
		mu         sync.RWMutex
		handlers   map[string]Handler
		validators map[string]Validator
	}
)

var _ tools.Executor = (*Executor)(nil)

// New creates an empty executor. The component name is reported by health
// checks.
func New(component string) *Executor {
	return &Executor{
		component:  component,
		handlers:   make(map[string]Handler),
		validators: make(map[string]Validator),
	}
}

// Handle registers the handler for a capability, replacing any previous one.
// Returns the executor for chaining.
func (e *Executor) Handle(capability string, h Handler) *Executor {
	e.mu.Lock()
	e.handlers[capability] = h
	e.mu.Unlock()
	return e
}

// Validate registers an input validator for a capability.
func (e *Executor) Validate(capability string, v Validator) *Executor {
	e.mu.Lock()
	e.validators[capability] = v
	e.mu.Unlock()
	return e
}

// Execute runs the handler registered for the capability.
func (e *Executor) Execute(ctx context.Context, capability string, input map[string]any, ec tools.ExecContext) (any, error) {
	e.mu.RLock()
	h, ok := e.handlers[capability]
	e.mu.RUnlock()
	if !ok {
		return nil, toolerrors.Newf(toolerrors.CodeUnknownCapability, "no handler for capability %q", capability)
	}
	return h(ctx, input, ec)
}

// HealthCheck always reports healthy; in-process handlers have no backend.
func (e *Executor) HealthCheck(context.Context) tools.Health {
	return tools.Health{Healthy: true, Component: e.component}
}

// ValidateInput runs the capability's validator when one is registered.
func (e *Executor) ValidateInput(capability string, input map[string]any) []string {
	e.mu.RLock()
	v := e.validators[capability]
	e.mu.RUnlock()
	if v == nil {
		return nil
	}
	return v(input)
}

// Capabilities returns the registered capability names, sorted.
func (e *Executor) Capabilities() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
