package tracer

import (
	"context"
	"time"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
)

// EventHandler is called for each consumed probe firing.
type EventHandler func(event Event)

// AggregateHandler is called with each aggregation snapshot.
type AggregateHandler func(snap AggregateSnapshot)

// DropHandler is called for each drop reported by the engine.
type DropHandler func(drop dtrace.DropData)

// ErrorHandler is called for runtime faults and failed work ticks.
type ErrorHandler func(err error)

// TickHandler is called after each consumption loop tick with its
// outcome and duration.
type TickHandler func(status dtrace.WorkStatus, took time.Duration)

// Tracer runs one tracing session from compile to close.
type Tracer interface {
	// Start opens a session, configures it, compiles and executes the
	// program, enables probes, and begins the consumption loop.
	Start(ctx context.Context) error
	// Stop ends the consumption loop, stops tracing, and closes the
	// session.
	Stop() error
	// Done is closed when the consumption loop exits, either because the
	// program completed or because Stop was called.
	Done() <-chan struct{}
	// Info describes the executed program. Valid after Start.
	Info() dtrace.ProgInfo
	// DropCounts returns drops per kind accumulated since the last call.
	DropCounts() map[dtrace.DropKind]uint64
	// OnEvent registers a handler for consumed probe firings.
	OnEvent(handler EventHandler)
	// OnAggregate registers a handler for aggregation snapshots.
	OnAggregate(handler AggregateHandler)
	// OnDrop registers a handler for drop reports.
	OnDrop(handler DropHandler)
	// OnError registers a handler for runtime faults and loop errors.
	OnError(handler ErrorHandler)
	// OnTick registers a handler for consumption loop ticks.
	OnTick(handler TickHandler)
}
