package delegate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNotRegistered indicates no handler factory exists under the given name.
var ErrNotRegistered = errors.New("delegate_not_registered")

// Variables is the variable scope a handler reads from and writes to during
// invocation.
type Variables interface {
	Get(name string) (any, bool)
	Set(name string, value any) error
	All() map[string]any
}

// Handler is application code invoked when an execution reaches an activity
// bound to it.
type Handler interface {
	Execute(ctx context.Context, vars Variables) error
}

// Factory produces a fresh handler per invocation, so handlers may keep
// per-invocation state in their fields.
type Factory func() Handler

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, vars Variables) error

func (f HandlerFunc) Execute(ctx context.Context, vars Variables) error { return f(ctx, vars) }

// FieldInjector is implemented by handlers that accept configured field
// values before execution.
type FieldInjector interface {
	SetField(name string, value any) error
}

// FieldBinding configures one handler field. Expression, when set, is
// evaluated against the invocation's variable scope; otherwise Value is
// injected as-is.
type FieldBinding struct {
	Name       string `json:"name"`
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// Registry maps handler names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register binds a factory to a name. Names are unique.
func (r *Registry) Register(name string, factory Factory) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("delegate name must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("delegate %s has a nil factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("delegate %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Names returns the registered handler names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	return out
}

// Invoke builds a fresh handler, injects the field bindings, and executes it
// against the variable scope.
func (r *Registry) Invoke(ctx context.Context, name string, bindings []FieldBinding, vars Variables) error {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	handler := factory()

	if len(bindings) > 0 {
		injector, ok := handler.(FieldInjector)
		if !ok {
			return fmt.Errorf("delegate %s does not accept field injection", name)
		}
		for _, binding := range bindings {
			value := binding.Value
			if binding.Expression != "" {
				resolved, err := Eval(binding.Expression, vars.All())
				if err != nil {
					return fmt.Errorf("delegate %s field %s: %w", name, binding.Name, err)
				}
				value = resolved
			}
			if err := injector.SetField(binding.Name, value); err != nil {
				return fmt.Errorf("delegate %s field %s: %w", name, binding.Name, err)
			}
		}
	}

	if err := handler.Execute(ctx, vars); err != nil {
		return fmt.Errorf("delegate %s: %w", name, err)
	}
	return nil
}
