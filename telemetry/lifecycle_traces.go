package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ChangeSpan covers the handling of one detected change, from snapshot
// capture to the pending change being persisted and scheduled.
type ChangeSpan struct {
	ctx  context.Context
	span trace.Span
}

// StartChangeHandling starts the span for one change event.
func StartChangeHandling(
	ctx context.Context,
	tracer trace.Tracer,
	path string,
	category string,
	changeType string,
) (context.Context, *ChangeSpan) {
	ctx, span := tracer.Start(ctx, "change.handle",
		trace.WithAttributes(
			attribute.String("change.path", path),
			attribute.String("change.category", category),
			attribute.String("change.type", changeType),
		),
	)
	return ctx, &ChangeSpan{ctx: ctx, span: span}
}

// SetChangeID records the pending change created for this event.
func (c *ChangeSpan) SetChangeID(id string) {
	c.span.SetAttributes(attribute.String("change.id", id))
}

// SetSnapshotID records the snapshot protecting this change.
func (c *ChangeSpan) SetSnapshotID(id string) {
	c.span.SetAttributes(attribute.String("snapshot.id", id))
}

// Fail marks the span failed and records the error.
func (c *ChangeSpan) Fail(err error) {
	c.span.RecordError(err)
	c.span.SetStatus(codes.Error, err.Error())
}

// End ends the span.
func (c *ChangeSpan) End() {
	c.span.End()
}

// Span exposes the underlying span for event emission.
func (c *ChangeSpan) Span() trace.Span {
	return c.span
}

// StartRevert starts the span covering one revert execution, grace
// window through restore, hooks and verification.
func StartRevert(
	ctx context.Context,
	tracer trace.Tracer,
	changeID string,
	path string,
	category string,
) (context.Context, trace.Span) {
	return tracer.Start(ctx, "revert",
		trace.WithAttributes(
			attribute.String("change.id", changeID),
			attribute.String("change.path", path),
			attribute.String("change.category", category),
		),
	)
}

// EndRevert ends a revert span with its outcome and attempt count.
func EndRevert(span trace.Span, outcome string, attempts int, err error) {
	span.SetAttributes(
		attribute.String("revert.outcome", outcome),
		attribute.Int("revert.attempts", attempts),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartConfirm starts the span for one confirmation request.
func StartConfirm(ctx context.Context, tracer trace.Tracer, ref string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "confirm",
		trace.WithAttributes(attribute.String("confirm.ref", ref)),
	)
}

// StartRecovery starts the span covering startup recovery.
func StartRecovery(ctx context.Context, tracer trace.Tracer) (context.Context, trace.Span) {
	return tracer.Start(ctx, "recovery")
}

// EndRecovery ends a recovery span with the recovered counts.
func EndRecovery(span trace.Span, rearmed, expired, resumed int64) {
	span.SetAttributes(
		attribute.Int64("recovery.rearmed", rearmed),
		attribute.Int64("recovery.expired", expired),
		attribute.Int64("recovery.resumed", resumed),
	)
	span.End()
}
