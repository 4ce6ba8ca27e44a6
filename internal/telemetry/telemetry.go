// Package telemetry specifies the emission points spec §6 documents:
// every enqueue, lease, ack, nack, dead-letter, heartbeat, cascade step,
// gate decision, and verification outcome, each carrying message id, kind,
// queue_name, trace_id, attempt_count, elapsed_ms, and outcome.
//
// Spec §1 explicitly places telemetry *transport* out of scope ("we
// specify the events, not their transport"); this package only defines the
// event shape and an Emitter that logs it structurally via log/slog,
// adapted from tarsy's pkg/events/manager.go event-shape idiom with its
// websocket connection-manager machinery stripped out.
package telemetry

import (
	"log/slog"
	"time"

	"github.com/loomrun/loom/internal/bus"
)

// EventKind names the emission points spec §6 enumerates.
type EventKind string

const (
	EventEnqueue      EventKind = "enqueue"
	EventLease        EventKind = "lease"
	EventAck          EventKind = "ack"
	EventNack         EventKind = "nack"
	EventDeadLetter   EventKind = "dead_letter"
	EventHeartbeat    EventKind = "heartbeat"
	EventCascadeStep  EventKind = "cascade_step"
	EventGateDecision EventKind = "gate_decision"
	EventVerification EventKind = "verification_outcome"
)

// Event is the documented content of every emission point.
type Event struct {
	EventKind    EventKind
	MessageID    string
	Kind         bus.Kind
	QueueName    string
	TraceID      string
	AttemptCount int
	ElapsedMS    int64
	Outcome      string
}

// Emitter is the capability for emitting telemetry events. No package in
// this repository emits through it; the other components log with
// *slog.Logger directly.
type Emitter interface {
	Emit(e Event)
}

// LogEmitter logs each event as a structured slog record.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter constructs a LogEmitter.
func NewLogEmitter() *LogEmitter {
	return &LogEmitter{logger: slog.Default().With("component", "telemetry")}
}

func (l *LogEmitter) Emit(e Event) {
	l.logger.Info(string(e.EventKind),
		"message_id", e.MessageID,
		"kind", e.Kind,
		"queue_name", e.QueueName,
		"trace_id", e.TraceID,
		"attempt_count", e.AttemptCount,
		"elapsed_ms", e.ElapsedMS,
		"outcome", e.Outcome,
	)
}

// Timer is a small helper for computing ElapsedMS around an operation.
func Timer() func() int64 {
	start := time.Now()
	return func() int64 { return time.Since(start).Milliseconds() }
}
