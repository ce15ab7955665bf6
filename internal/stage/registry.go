package stage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrStageNotFound is returned by Get for an unregistered name.
	ErrStageNotFound = errors.New("stage not found")
	// ErrDuplicateStage is returned by Register when the name is taken.
	ErrDuplicateStage = errors.New("duplicate stage")
)

// Factory constructs a fresh executor.
type Factory func() Executor

// Registry maps stage names to executor factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs a factory. Returns ErrDuplicateStage if name exists.
func (r *Registry) Register(name string, factory Factory) error {
	return r.register(name, factory, false)
}

// Override installs a factory, replacing any existing one.
func (r *Registry) Override(name string, factory Factory) error {
	return r.register(name, factory, true)
}

func (r *Registry) register(name string, factory Factory, allowOverride bool) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("stage: name is required")
	}
	if factory == nil {
		return fmt.Errorf("stage: factory is required for %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists && !allowOverride {
		return fmt.Errorf("stage %q: %w", name, ErrDuplicateStage)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// RegisterType registers a zero-argument constructor: every Get returns a
// new(T).
func RegisterType[T any, P interface {
	*T
	Executor
}](r *Registry, name string) error {
	return r.Register(name, func() Executor { return P(new(T)) })
}

// Get constructs a new executor for name.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("stage %q: %w (known: %s)", name, ErrStageNotFound, strings.Join(r.Names(), ", "))
	}
	exec := factory()
	if exec == nil {
		return nil, fmt.Errorf("stage %q: factory returned nil executor", name)
	}
	return exec, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Unregister removes name. It reports whether anything was removed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[name]
	delete(r.factories, name)
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// Default returns the process-wide registry, creating it on first use.
// Prefer passing an explicit *Registry; this exists for command wiring.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry()
	}
	return defaultRegistry
}

// ResetDefault discards the process-wide registry and returns a fresh one.
func ResetDefault() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
	return defaultRegistry
}
