package worker

import (
	"context"
	"sync"

	"github.com/askdata/conductor/errors"
	"github.com/askdata/conductor/job"
)

// Request is the handler's view of one hop: a read-only state snapshot plus
// the identity of the delivery.
type Request struct {
	JobID   string
	Attempt int
	State   job.State // snapshot; mutations are not observed by the runtime
}

// InputRequest signals that the module needs external input before the job
// can advance. The prompt payload is relayed verbatim to the client.
type InputRequest struct {
	Type          string
	PromptPayload map[string]interface{}
}

// Result is what a handler produces for one hop. Delta is shallow-merged
// into the job state one top-level key at a time; it can never remove keys.
type Result struct {
	Delta      job.State
	NeedsInput *InputRequest
}

// Handler executes one module of the pipeline.
//
// From the runtime's perspective Execute is a pure function of the state
// snapshot. Side effects (warehouse calls, model calls) are the handler's
// concern and MUST be idempotent: at-least-once delivery means a hop can
// run twice. Failures are reported as errors wrapping errors.ErrTransient
// or errors.ErrPermanent; anything unwrapped is treated as Permanent.
//
// Handlers must respect ctx: the runtime enforces the per-module deadline
// through it.
type Handler interface {
	// Execute runs the module against a state snapshot
	Execute(ctx context.Context, req Request) (Result, error)

	// Name returns the module name; it must match a graph node
	Name() string

	// Reads declares the state keys the module consumes (documentation
	// and validation aid; not enforced on reads)
	Reads() []string

	// Writes declares the state keys the module may produce. The runtime
	// rejects deltas containing undeclared keys with a Permanent failure.
	// A nil slice disables the check.
	Writes() []string
}

// Registry maps module names to handlers. Thread-safe; registration happens
// at startup, lookup on every hop.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its module name.
// Returns an error if the name is already taken.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := h.Name()
	if _, exists := r.handlers[name]; exists {
		return errors.Newf("handler already registered for module %s", name)
	}
	r.handlers[name] = h
	return nil
}

// Get retrieves the handler for a module, or nil
func (r *Registry) Get(module string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[module]
}

// Names returns all registered module names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// validateDelta rejects writes outside the handler's declared key schema
func validateDelta(h Handler, delta job.State) error {
	declared := h.Writes()
	if declared == nil {
		return nil
	}
	allowed := make(map[string]bool, len(declared))
	for _, k := range declared {
		allowed[k] = true
	}
	for k := range delta {
		if !allowed[k] {
			return errors.Wrapf(errors.ErrPermanent,
				"module %s wrote undeclared key %q", h.Name(), k)
		}
	}
	return nil
}
