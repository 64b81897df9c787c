package eventhub

import (
	"context"
	"fmt"
	"sync"
)

// Callback is the user-supplied processing function invoked by the
// Processing Protocol (C8) for each dispatched Event. A non-nil error
// marks the attempt Failed; a panic is recovered by the protocol and
// treated the same way, but also reported to Sentry (see protocol.go)
// since a panicking callback is a programmer error, not an ordinary
// failure.
type Callback func(ctx context.Context, ev Event) (result string, err error)

// ProcessingModule is a host-registered, named implementation a Managed
// SubscribedEventType resolves to by processing_module_ref. Configure
// receives the subscription's persisted parameters (raw JSON) once, at
// resolution time, and returns the Callback to invoke per event — this
// replaces the original Python implementation's dynamic code evaluation
// (spec §9's design note) with a statically compiled, host-registered
// equivalent.
type ProcessingModule interface {
	Configure(parameters []byte) (Callback, error)
}

// ProcessingModuleFunc adapts a plain function to ProcessingModule for
// modules that ignore parameters.
type ProcessingModuleFunc func(ctx context.Context, ev Event) (string, error)

func (f ProcessingModuleFunc) Configure([]byte) (Callback, error) {
	return Callback(f), nil
}

// Registry maps processing-module names to ProcessingModule implementations,
// populated by the host application at startup before any Managed
// subscription is resolved.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]ProcessingModule
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]ProcessingModule)}
}

// Register adds or replaces the module under name.
func (r *Registry) Register(name string, module ProcessingModule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[name] = module
}

// Resolve looks up name and configures it with parameters, returning the
// callback to invoke. Returns ErrUnknownProcessingModule if name was never
// registered — a programmer error per spec §7, surfaced at callback-load
// time and logged by the caller, not fatal to the whole supervisor.
func (r *Registry) Resolve(name string, parameters []byte) (Callback, error) {
	r.mu.RLock()
	module, ok := r.modules[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("eventhub: processing module %q: %w", name, ErrUnknownProcessingModule)
	}
	cb, err := module.Configure(parameters)
	if err != nil {
		return nil, fmt.Errorf("eventhub: configure processing module %q: %w", name, err)
	}
	return cb, nil
}

// defaultPrinterCallback is the last-resort callback for Testing/Unitesting/
// System subscriptions that supplied neither a caller callback nor a
// resolvable processing module (spec §4.7 step 2, "fall back to a default
// printer").
func defaultPrinterCallback(logDefault func(ev Event)) Callback {
	return func(_ context.Context, ev Event) (string, error) {
		logDefault(ev)
		return "printed", nil
	}
}
