package dispatch

import (
	"context"
	"time"

	"github.com/cortexflow/engine/eventstore"
)

// ProjectionRunner drives a Dispatcher from an EventStore's global log:
// first a "catch-up" pass replaying the log from a caller-given position
// (zero replays everything), then a
// live tail that polls for newly appended events (spec §5.8). Projections
// built this way can be rebuilt from scratch at any time by discarding
// their read model and re-running catch-up.
type ProjectionRunner struct {
	Store      eventstore.EventStore
	Dispatcher *Dispatcher

	// BatchSize bounds how many events ReplayEvents delivers per callback
	// during catch-up.
	BatchSize int

	// PollInterval is how often the live-tail phase checks for new events
	// once catch-up completes.
	PollInterval time.Duration
}

// NewProjectionRunner constructs a runner with the teacher's usual
// defaults (a moderate batch size, sub-second live polling).
func NewProjectionRunner(store eventstore.EventStore, d *Dispatcher) *ProjectionRunner {
	return &ProjectionRunner{
		Store:        store,
		Dispatcher:   d,
		BatchSize:    256,
		PollInterval: 500 * time.Millisecond,
	}
}

// Run executes catch-up from fromPosition, then switches to live tailing
// until ctx is cancelled. eventTypes, if non-empty, restricts both phases
// to those event types.
func (r *ProjectionRunner) Run(ctx context.Context, fromPosition int64, eventTypes []string) error {
	lastPosition := fromPosition
	err := r.Store.ReplayEvents(ctx, fromPosition, eventTypes, r.BatchSize, func(batch []eventstore.EventEnvelope) error {
		if err := r.Dispatcher.DispatchBatch(ctx, batch); err != nil {
			return err
		}
		if len(batch) > 0 {
			lastPosition = batch[len(batch)-1].Position + 1
		}
		return nil
	})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			events, err := r.Store.GetEventsFromPosition(ctx, lastPosition, r.BatchSize)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				continue
			}
			filtered := events
			if len(eventTypes) > 0 {
				filtered = filterByType(events, eventTypes)
			}
			if err := r.Dispatcher.DispatchBatch(ctx, filtered); err != nil {
				return err
			}
			lastPosition = events[len(events)-1].Position + 1
		}
	}
}

func filterByType(events []eventstore.EventEnvelope, eventTypes []string) []eventstore.EventEnvelope {
	want := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		want[t] = true
	}
	out := make([]eventstore.EventEnvelope, 0, len(events))
	for _, e := range events {
		if want[e.EventType] {
			out = append(out, e)
		}
	}
	return out
}
