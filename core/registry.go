package core

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotRegistered is returned when a named module does not exist
	ErrNotRegistered = errors.New("module not registered")

	// ErrAlreadyRegistered is returned when a module name is taken
	ErrAlreadyRegistered = errors.New("module already registered")
)

// Registry maps module names to live instances so that modules can be wired
// to each other by the names used in configuration
type Registry struct {
	mu      sync.RWMutex
	modules map[string]any
	order   []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]any),
	}
}

// Register stores a module under name
func (r *Registry) Register(name string, module any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.modules[name] = module
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the module stored under name
func (r *Registry) Lookup(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Names returns registered names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Resolve looks up name and asserts it implements T
func Resolve[T any](r *Registry, name string) (T, error) {
	var zero T
	m, ok := r.Lookup(name)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	t, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("module %s has unexpected type %T", name, m)
	}
	return t, nil
}
