package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/cortexflow/engine/emit"
)

// RefreshFromSources queries every registered Source and merges its
// results into the table. A source failure is emitted and skipped; if
// every source fails and fallback is disabled, the table is left
// untouched and an error is returned — otherwise the engine keeps
// serving whatever pricing it already had (graceful degradation to
// bundled defaults or the last successful refresh).
func (e *Engine) RefreshFromSources(emitter emit.Emitter) error {
	e.sourcesMu.Lock()
	sources := append([]Source(nil), e.sources...)
	fallback := e.fallbackEnabled
	e.sourcesMu.Unlock()

	if len(sources) == 0 {
		return nil
	}

	merged := make(map[string]ModelPricing)
	var firstErr error
	for _, src := range sources {
		fetched, err := src.FetchPricing()
		if err != nil {
			if emitter != nil {
				emitter.Emit(emit.Event{Msg: "pricing_source_failed", Meta: map[string]interface{}{"source": src.Name(), "error": err.Error()}})
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("pricing source %s: %w", src.Name(), err)
			}
			continue
		}
		for model, p := range fetched {
			merged[model] = p
		}
	}

	if len(merged) == 0 {
		if fallback {
			if emitter != nil {
				emitter.Emit(emit.Event{Msg: "pricing_refresh_degraded", Meta: map[string]interface{}{"error": errString(firstErr)}})
			}
			return nil
		}
		return firstErr
	}

	e.mu.Lock()
	for model, p := range merged {
		e.pricing[model] = p
	}
	e.lastUpdate = time.Now()
	e.mu.Unlock()
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// RunBackgroundRefresh refreshes on interval until ctx is cancelled. It
// is the caller's responsibility to run this in its own goroutine.
func (e *Engine) RunBackgroundRefresh(ctx context.Context, emitter emit.Emitter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RefreshFromSources(emitter); err != nil && emitter != nil {
				emitter.Emit(emit.Event{Msg: "pricing_refresh_failed", Meta: map[string]interface{}{"error": err.Error()}})
			}
		}
	}
}
