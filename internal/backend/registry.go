package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownBackend is returned by Resolve for names that were never registered.
var ErrUnknownBackend = errors.New("backend is not registered")

// Factory builds a backend on demand. Backends connect to brokers or spawn
// helpers on construction, so only the selected one is built.
type Factory func() (Backend, error)

// Info pairs a backend name with whether it has been built.
type Info struct {
	Name  string `json:"name"`
	Built bool   `json:"built"`
}

// Registry holds backend factories by name and resolves the one selected by
// configuration.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	built     map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		built:     make(map[string]Backend),
	}
}

// Register adds a backend factory under the given name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Resolve builds, or returns the already built, backend registered under name.
func (r *Registry) Resolve(name string) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.built[name]; ok {
		return b, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	b, err := f()
	if err != nil {
		return nil, fmt.Errorf("build backend %q: %w", name, err)
	}
	r.built[name] = b
	return b, nil
}

// List returns the registered backends sorted by name for a stable API
// response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.factories))
	for name := range r.factories {
		_, built := r.built[name]
		infos = append(infos, Info{Name: name, Built: built})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Close closes every backend that was built.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, b := range r.built {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend %q: %w", name, err))
		}
		delete(r.built, name)
	}
	return errors.Join(errs...)
}
