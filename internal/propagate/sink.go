// Package propagate consumes the catalog change log and delivers each change
// event, in per-key order and at most once effectively, to every configured
// sink.
//
// Each partition of the log is processed by one worker holding a lease.
// Within a worker, events are queued on lanes, one per (sink, key). A lane
// dispatches its head event, waits for the result and persists the sink's
// per-key checkpoint before moving on, so a slow or failing key never holds
// back other keys or other sinks. The partition cursor only advances over
// offsets every sink has finished with, which makes a restart replay from a
// safe point; the per-key checkpoints then discard what was already applied.
package propagate

import (
	"context"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
)

// Sink is a downstream consumer of change events.
//
// Apply must be idempotent for a given (Key, Sequence) and must return
// within ctx's deadline. It is never called concurrently for the same key.
type Sink interface {
	Name() string
	Apply(ctx context.Context, ev model.ChangeEvent) model.SinkResult
}

// SinkFunc adapts a function into a Sink.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, ev model.ChangeEvent) model.SinkResult
}

func (s SinkFunc) Name() string { return s.SinkName }

func (s SinkFunc) Apply(ctx context.Context, ev model.ChangeEvent) model.SinkResult {
	return s.Fn(ctx, ev)
}
