package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordChangeDetectedEvent emits a structured span event for a
// detected configuration change.
func RecordChangeDetectedEvent(
	span trace.Span,
	changeID string,
	path string,
	category string,
	changeType string,
	deadline string,
) {
	if span == nil {
		return
	}

	span.AddEvent("config.change.detected", trace.WithAttributes(
		attribute.String("event.type", "config.change.detected"),
		attribute.String("change.id", changeID),
		attribute.String("change.path", path),
		attribute.String("change.category", category),
		attribute.String("change.type", changeType),
		attribute.String("change.deadline", deadline),
	))
}

// RecordConfirmedEvent emits a structured span event for an operator
// confirmation.
func RecordConfirmedEvent(
	span trace.Span,
	changeID string,
	path string,
	snapshotDiscarded bool,
) {
	if span == nil {
		return
	}

	span.AddEvent("config.change.confirmed", trace.WithAttributes(
		attribute.String("event.type", "config.change.confirmed"),
		attribute.String("change.id", changeID),
		attribute.String("change.path", path),
		attribute.Bool("snapshot.discarded", snapshotDiscarded),
	))
}

// RecordRevertOutcomeEvent emits a structured span event for the
// terminal outcome of a revert.
func RecordRevertOutcomeEvent(
	span trace.Span,
	changeID string,
	path string,
	outcome string,
	attempts int,
	errorMsg string,
) {
	if span == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("event.type", "config.change.reverted"),
		attribute.String("change.id", changeID),
		attribute.String("change.path", path),
		attribute.String("revert.outcome", outcome),
		attribute.Int("revert.attempts", attempts),
	}
	if errorMsg != "" {
		attrs = append(attrs, attribute.String("error.message", errorMsg))
	}

	span.AddEvent("config.change.reverted", trace.WithAttributes(attrs...))
}

// RecordUnprotectedChangeEvent emits the highest-visibility span event
// short of a failed revert: a change went through without a snapshot.
func RecordUnprotectedChangeEvent(
	span trace.Span,
	path string,
	category string,
	errorMsg string,
) {
	if span == nil {
		return
	}

	span.AddEvent("config.change.unprotected", trace.WithAttributes(
		attribute.String("event.type", "config.change.unprotected"),
		attribute.String("change.path", path),
		attribute.String("change.category", category),
		attribute.String("error.message", errorMsg),
	))
}
