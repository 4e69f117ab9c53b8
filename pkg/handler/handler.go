// Package handler defines the handler capability invoked by the execution
// engine and a registry of builtin handler classes.
package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/codeready-toolchain/dgate/pkg/models"
)

// Invocation carries everything a handler sees for one request.
type Invocation struct {
	Request *models.DGRequest
	Config  *models.HandlerConfig
}

// EmitFunc delivers one streaming update payload. It returns an error when
// the owning session can no longer accept updates; producers should stop.
type EmitFunc func(payload map[string]any) error

// StreamProducer is the capability returned by streaming handlers. Run blocks
// until the producer finishes or ctx is cancelled, emitting updates through
// emit. A nil error means the stream completed normally.
type StreamProducer interface {
	Run(ctx context.Context, emit EmitFunc) error
}

// Handler executes one admitted request.
//
// Non-streaming handlers return a terminal response and a nil producer.
// Streaming handlers return a nil response and a producer; the engine emits
// STREAMING_STARTED and hands the producer to the session manager.
// Handlers must honor ctx cancellation; those that do not are abandoned after
// the configured grace period.
type Handler interface {
	Handle(ctx context.Context, inv *Invocation) (*models.DGResponse, StreamProducer, error)
}

// Func adapts a function to the Handler interface.
type Func func(ctx context.Context, inv *Invocation) (*models.DGResponse, StreamProducer, error)

// Handle implements Handler.
func (f Func) Handle(ctx context.Context, inv *Invocation) (*models.DGResponse, StreamProducer, error) {
	return f(ctx, inv)
}

// ProducerFunc adapts a function to the StreamProducer interface.
type ProducerFunc func(ctx context.Context, emit EmitFunc) error

// Run implements StreamProducer.
func (f ProducerFunc) Run(ctx context.Context, emit EmitFunc) error {
	return f(ctx, emit)
}

// Factory builds a handler instance from the binding's options.
type Factory func(options map[string]any) (Handler, error)

// Resolver maps handler_class names to factories. The zero value is empty;
// NewResolver pre-registers the builtin classes.
type Resolver struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewResolver returns a resolver with all builtin handler classes registered.
func NewResolver() *Resolver {
	r := &Resolver{factories: make(map[string]Factory)}
	registerBuiltins(r)
	return r
}

// Register adds a handler class. Registering an existing class replaces it.
func (r *Resolver) Register(class string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[class] = factory
}

// Resolve instantiates the handler for a binding.
func (r *Resolver) Resolve(cfg *models.HandlerConfig) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.HandlerClass]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown handler_class %q", cfg.HandlerClass)
	}
	h, err := factory(cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("building handler %q: %w", cfg.HandlerClass, err)
	}
	return h, nil
}

// Classes returns the sorted registered class names.
func (r *Resolver) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for class := range r.factories {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}
