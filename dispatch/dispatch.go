// Package dispatch implements event-type fan-out to projection/read-model
// handlers (spec §5.8), grounded on original_source's
// db::events::dispatcher::EventDispatcher and EventHandler trait
// (exercised in tests/event_sourcing_tests.rs's test_event_dispatcher and
// test_event_streaming_real_time).
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cortexflow/engine/errs"
	"github.com/cortexflow/engine/eventstore"
)

// Handler processes events of the types it declares interest in. A handler
// must not retain the EventEnvelope passed to Handle beyond the call.
type Handler interface {
	Name() string
	EventTypes() []string
	Handle(ctx context.Context, env eventstore.EventEnvelope) error
}

// HandlerStats tracks one handler's dispatch outcomes.
type HandlerStats struct {
	Name       string
	Dispatched uint64
	Failed     uint64
}

// Dispatcher maps event_type to the handlers registered for it. Handlers
// must be registered before the first Dispatch call; once any event has
// been dispatched the route table is sealed and further registration
// returns a ConfigurationError, matching the "sealed after startup" design
// (spec §9). Dispatch reads the route table under the read lock both
// before and after sealing; reads are not lock-free.
type Dispatcher struct {
	mu       sync.RWMutex
	byType   map[string][]Handler
	handlers map[string]*atomic.Uint64 // name -> dispatched count
	failed   map[string]*atomic.Uint64 // name -> failed count
	sealed   atomic.Bool
}

// New constructs an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		byType:   make(map[string][]Handler),
		handlers: make(map[string]*atomic.Uint64),
		failed:   make(map[string]*atomic.Uint64),
	}
}

// RegisterHandler adds handler for every event type it declares. Returns a
// ConfigurationError if called after the dispatcher is sealed or if a
// handler with the same name is already registered.
func (d *Dispatcher) RegisterHandler(h Handler) error {
	if d.sealed.Load() {
		return &errs.ConfigurationError{Message: fmt.Sprintf(
			"dispatcher sealed: cannot register handler %q after first dispatch", h.Name())}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[h.Name()]; exists {
		return &errs.ConfigurationError{Message: fmt.Sprintf("handler %q already registered", h.Name())}
	}
	d.handlers[h.Name()] = &atomic.Uint64{}
	d.failed[h.Name()] = &atomic.Uint64{}
	for _, et := range h.EventTypes() {
		d.byType[et] = append(d.byType[et], h)
	}
	return nil
}

// Dispatch routes env to every handler registered for its event type.
// Seals the dispatcher against further registration on first call.
// Individual handler errors are isolated: one handler's failure never
// aborts dispatch to its siblings. If any handler failed, Dispatch returns
// the first failing handler's error (wrapped with its name); later
// failures are counted in Stats but not returned. It always finishes
// running every handler.
func (d *Dispatcher) Dispatch(ctx context.Context, env eventstore.EventEnvelope) error {
	d.sealed.Store(true)

	d.mu.RLock()
	handlers := d.byType[env.EventType]
	d.mu.RUnlock()

	var firstErr error
	for _, h := range handlers {
		err := h.Handle(ctx, env)
		d.mu.RLock()
		counter := d.handlers[h.Name()]
		failCounter := d.failed[h.Name()]
		d.mu.RUnlock()
		if counter != nil {
			counter.Add(1)
		}
		if err != nil {
			if failCounter != nil {
				failCounter.Add(1)
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("handler %q: %w", h.Name(), err)
			}
		}
	}
	return firstErr
}

// DispatchBatch dispatches every event in order, continuing past
// individual dispatch failures; it returns the first error encountered, if
// any, after attempting every event.
func (d *Dispatcher) DispatchBatch(ctx context.Context, envs []eventstore.EventEnvelope) error {
	var firstErr error
	for _, env := range envs {
		if err := d.Dispatch(ctx, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns per-handler dispatch/failure counts.
func (d *Dispatcher) Stats() []HandlerStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]HandlerStats, 0, len(d.handlers))
	for name, counter := range d.handlers {
		out = append(out, HandlerStats{
			Name:       name,
			Dispatched: counter.Load(),
			Failed:     d.failed[name].Load(),
		})
	}
	return out
}

// Sealed reports whether the dispatcher has processed its first dispatch
// and will no longer accept new handler registrations.
func (d *Dispatcher) Sealed() bool {
	return d.sealed.Load()
}
