package codec

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry maps type names to factories so structured values can be rebuilt
// as their concrete Go type. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() any
	names     map[reflect.Type]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]func() any),
		names:     make(map[reflect.Type]string),
	}
}

// Register associates name with factory. The factory must return a new
// pointer to a struct each time it is called.
func (r *Registry) Register(name string, factory func() any) error {
	if name == "" {
		return fmt.Errorf("register type: empty name")
	}
	if factory == nil {
		return fmt.Errorf("register type %q: nil factory", name)
	}
	t := reflect.TypeOf(factory())
	if t == nil || t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("register type %q: factory must return a pointer to a struct, got %v", name, t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.names[t.Elem()]; ok && prev != name {
		return fmt.Errorf("register type %q: %s already registered as %q", name, t.Elem(), prev)
	}
	r.factories[name] = factory
	r.names[t.Elem()] = name
	return nil
}

// RegisterType registers T (a struct type) under its fully qualified name,
// "import/path.TypeName", and returns that name.
func RegisterType[T any](r *Registry) (string, error) {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := TypeName(t)
	err := r.Register(name, func() any {
		return reflect.New(t).Interface()
	})
	return name, err
}

// TypeName returns the fully qualified name of t, pointers stripped.
func TypeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

func (r *Registry) lookup(name string) (func() any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

func (r *Registry) nameOf(t reflect.Type) (string, bool) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[t]
	return name, ok
}
