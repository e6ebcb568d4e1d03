package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cortexflow/engine/dispatch"
	"github.com/cortexflow/engine/eventstore"
)

type recordingHandler struct {
	name       string
	eventTypes []string
	mu         sync.Mutex
	seen       []eventstore.EventEnvelope
	failNext   bool
}

func (h *recordingHandler) Name() string          { return h.name }
func (h *recordingHandler) EventTypes() []string  { return h.eventTypes }
func (h *recordingHandler) Handle(_ context.Context, env eventstore.EventEnvelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failNext {
		h.failNext = false
		return errors.New("boom")
	}
	h.seen = append(h.seen, env)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func TestDispatchRoutesByEventType(t *testing.T) {
	d := dispatch.New()
	interested := &recordingHandler{name: "interested", eventTypes: []string{"workflow_started"}}
	other := &recordingHandler{name: "other", eventTypes: []string{"workflow_completed"}}

	if err := d.RegisterHandler(interested); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	if err := d.RegisterHandler(other); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	env := eventstore.EventEnvelope{EventID: uuid.New(), EventType: "workflow_started"}
	if err := d.Dispatch(context.Background(), env); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if interested.count() != 1 {
		t.Errorf("interested handler count = %d, want 1", interested.count())
	}
	if other.count() != 0 {
		t.Errorf("other handler count = %d, want 0 (different event type)", other.count())
	}
}

func TestDispatchIsolatesHandlerFailures(t *testing.T) {
	d := dispatch.New()
	failing := &recordingHandler{name: "failing", eventTypes: []string{"t"}, failNext: true}
	healthy := &recordingHandler{name: "healthy", eventTypes: []string{"t"}}

	if err := d.RegisterHandler(failing); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	if err := d.RegisterHandler(healthy); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	err := d.Dispatch(context.Background(), eventstore.EventEnvelope{EventType: "t"})
	if err == nil {
		t.Fatalf("expected dispatch to report the failing handler's error")
	}
	if healthy.count() != 1 {
		t.Errorf("healthy handler should still run despite its sibling failing, count = %d", healthy.count())
	}

	stats := d.Stats()
	var failedCount uint64
	for _, s := range stats {
		if s.Name == "failing" {
			failedCount = s.Failed
		}
	}
	if failedCount != 1 {
		t.Errorf("failing handler's Failed stat = %d, want 1", failedCount)
	}
}

func TestRegisterHandlerAfterSealRejected(t *testing.T) {
	d := dispatch.New()
	h := &recordingHandler{name: "h", eventTypes: []string{"t"}}
	if err := d.RegisterHandler(h); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	if err := d.Dispatch(context.Background(), eventstore.EventEnvelope{EventType: "t"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	late := &recordingHandler{name: "late", eventTypes: []string{"t"}}
	if err := d.RegisterHandler(late); err == nil {
		t.Fatalf("expected registration after seal to be rejected")
	}
}

func TestProjectionRunnerCatchUpThenLiveTail(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store := eventstore.NewMemoryStore()
	aggregateID := uuid.New()
	historical := eventstore.EventEnvelope{
		EventID:          uuid.New(),
		AggregateID:      aggregateID,
		AggregateType:    "workflow_instance",
		EventType:        "workflow_started",
		AggregateVersion: 1,
		SchemaVersion:    1,
	}
	if _, err := store.AppendEvent(ctx, historical); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	d := dispatch.New()
	h := &recordingHandler{name: "projector", eventTypes: []string{"workflow_started"}}
	if err := d.RegisterHandler(h); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	runner := dispatch.NewProjectionRunner(store, d)
	runner.PollInterval = 20 * time.Millisecond

	runErr := make(chan error, 1)
	go func() { runErr <- runner.Run(ctx, 0, nil) }()

	deadline := time.After(500 * time.Millisecond)
	for h.count() < 1 {
		select {
		case <-deadline:
			t.Fatalf("catch-up never delivered the historical event, count=%d", h.count())
		case <-time.After(5 * time.Millisecond):
		}
	}

	live := historical
	live.EventID = uuid.New()
	live.AggregateVersion = 2
	if _, err := store.AppendEvent(ctx, live); err != nil {
		t.Fatalf("AppendEvent live: %v", err)
	}

	deadline = time.After(500 * time.Millisecond)
	for h.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("live tail never delivered the new event, count=%d", h.count())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-runErr
}
