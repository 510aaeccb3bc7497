package jobfn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownFunction is returned when a name or identity is not registered.
var ErrUnknownFunction = errors.New("unknown job function")

// ErrorHandler turns a function's error into the value stored as its result.
type ErrorHandler func(err error) any

// HandlerFunc is a type-erased job function. Arguments arrive as JSON; the
// returned value is encoded by the caller's codec.
type HandlerFunc func(ctx context.Context, progress *Reporter, args json.RawMessage) (any, error)

// Definition is a typed job function.
type Definition[A, R any] struct {
	// Name is the unique registration name callers submit by.
	Name string

	Fn func(ctx context.Context, progress *Reporter, args A) (R, error)

	// IgnoreArgs lists top-level argument fields left out of the result key.
	IgnoreArgs []string

	// OnError overrides the registry-wide error handler for this function.
	OnError ErrorHandler

	// Version is mixed into the identity. Bump it to invalidate cached
	// results when behavior changes outside the function body.
	Version string
}

// Func is a registered, type-erased job function.
type Func struct {
	Name       string   `json:"name"`
	Identity   string   `json:"identity"`
	Package    string   `json:"package"`
	IgnoreArgs []string `json:"ignore_args,omitempty"`

	onError ErrorHandler
	handler HandlerFunc
}

// TaskName returns the broker task type for f.
func (f *Func) TaskName() string {
	return TaskName(f.Identity)
}

// Call decodes args and runs the function.
func (f *Func) Call(ctx context.Context, progress *Reporter, args json.RawMessage) (any, error) {
	return f.handler(ctx, progress, args)
}

// Registry maps names and identities to functions. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	byName     map[string]*Func
	byIdentity map[string]*Func
	onError    ErrorHandler
}

// NewRegistry creates an empty function registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:     make(map[string]*Func),
		byIdentity: make(map[string]*Func),
	}
}

// Register adds a typed definition to r. The typed function is wrapped in a
// closure that unmarshals the JSON arguments into A before calling it.
func Register[A, R any](r *Registry, def Definition[A, R]) (*Func, error) {
	if def.Name == "" {
		return nil, errors.New("register job function: name is required")
	}
	if def.Fn == nil {
		return nil, fmt.Errorf("register job function %q: fn is nil", def.Name)
	}

	identity, pkg, err := Identity(def.Fn, def.Name, def.Version)
	if err != nil {
		return nil, fmt.Errorf("register job function %q: %w", def.Name, err)
	}

	fn := def.Fn
	f := &Func{
		Name:       def.Name,
		Identity:   identity,
		Package:    pkg,
		IgnoreArgs: append([]string(nil), def.IgnoreArgs...),
		onError:    def.OnError,
		handler: func(ctx context.Context, progress *Reporter, raw json.RawMessage) (any, error) {
			var args A
			if len(raw) > 0 && string(raw) != "null" {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("unmarshal args for %q: %w", def.Name, err)
				}
			}
			return fn(ctx, progress, args)
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[f.Name]; ok {
		return nil, fmt.Errorf("register job function %q: already registered", f.Name)
	}
	if other, ok := r.byIdentity[f.Identity]; ok {
		return nil, fmt.Errorf("register job function %q: identity collides with %q", f.Name, other.Name)
	}
	r.byName[f.Name] = f
	r.byIdentity[f.Identity] = f
	return f, nil
}

// MustRegister is like Register but panics on error. Use it from init code.
func MustRegister[A, R any](r *Registry, def Definition[A, R]) *Func {
	f, err := Register(r, def)
	if err != nil {
		panic(err)
	}
	return f
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (*Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	return f, nil
}

// ByIdentity returns the function with the given identity.
func (r *Registry) ByIdentity(identity string) (*Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byIdentity[identity]
	if !ok {
		return nil, fmt.Errorf("%w: identity %s", ErrUnknownFunction, identity)
	}
	return f, nil
}

// List returns all registered functions sorted by name.
func (r *Registry) List() []*Func {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Func, 0, len(r.byName))
	for _, f := range r.byName {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetErrorHandler sets the handler used for functions without their own.
func (r *Registry) SetErrorHandler(h ErrorHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = h
}

// ErrorHandlerFor returns f's error handler, falling back to the registry's.
// It returns nil when neither is set.
func (r *Registry) ErrorHandlerFor(f *Func) ErrorHandler {
	if f.onError != nil {
		return f.onError
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onError
}
