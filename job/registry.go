package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/conveyorhq/conveyor"
)

// HandlerFunc is a type-erased job handler that receives the raw JSON
// payload. The typed Definition[T] is converted to a HandlerFunc at
// registration time by closing over JSON unmarshal + the typed handler.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Registry maps job types to handler functions. Exactly one handler may
// be registered per type; a second registration is a configuration
// error, not a replacement. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a job type. Returns ErrHandlerExists if
// the type already has one; the first handler stays in place.
func (r *Registry) Register(typ string, h HandlerFunc) error {
	if h == nil {
		return conveyor.ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[typ]; exists {
		return fmt.Errorf("%w: %q", conveyor.ErrHandlerExists, typ)
	}
	r.handlers[typ] = h
	return nil
}

// Get returns the handler for the given job type.
func (r *Registry) Get(typ string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok
}

// Types returns all registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for typ := range r.handlers {
		types = append(types, typ)
	}
	return types
}

// Definition is a typed job definition with a handler function.
// T is the payload type (must be JSON-serializable).
type Definition[T any] struct {
	// Type is the job type tag this definition handles.
	Type string

	// Handler processes the decoded payload.
	Handler func(ctx context.Context, payload T) error
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](typ string, handler func(ctx context.Context, payload T) error) *Definition[T] {
	return &Definition[T]{Type: typ, Handler: handler}
}

// RegisterDefinition registers a typed job definition. The generic
// handler is wrapped in a closure that JSON-unmarshals the payload into
// T before calling the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) error {
	handler := func(ctx context.Context, payload []byte) error {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return fmt.Errorf("unmarshal payload for job %q: %w", def.Type, err)
			}
		}
		return def.Handler(ctx, t)
	}

	return r.Register(def.Type, handler)
}
