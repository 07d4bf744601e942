package task

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps names to Funcs so tasks can be declared in config files and
// re-created inside process children.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{funcs: make(map[string]Func)} }

// Register adds fn under name. Names are unique.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" || fn == nil {
		return fmt.Errorf("register func: name and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[name]; ok {
		return fmt.Errorf("func %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Lookup returns the Func registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register adds fn to the default registry; it panics on duplicates and is
// meant to be called from init functions.
func Register(name string, fn Func) {
	if err := defaultRegistry.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup finds a Func in the default registry.
func Lookup(name string) (Func, bool) { return defaultRegistry.Lookup(name) }
