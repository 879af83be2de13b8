package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CARDINALITY:
//
// Transfer ids, object keys, block indexes and error messages are unbounded
// and must never become metric attributes. Keep them in logs (transfer_id)
// and span status. Safe attributes are the small fixed sets: direction
// (upload, download, copy), outcome, status (success, error), executor type
// and component names.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span named operationName.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments persistent store operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(ctx, operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentExecutorOperation instruments object store operations made by an
// executor.
func (t *Telemetry) InstrumentExecutorOperation(ctx context.Context, executor, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "executor_"+operation, "executor", func(ctx context.Context) error {
		if t.tracer == nil {
			return fn(ctx)
		}

		ctx, span := t.tracer.Start(ctx, "executor_"+operation)
		defer span.End()

		span.SetAttributes(
			attribute.String("executor.type", executor),
			attribute.String("executor.operation", operation),
		)

		return fn(ctx)
	})

	t.RecordExecutorOperation(ctx, executor, operation, statusOf(err))

	return err
}

// InstrumentTransfer instruments one execution attempt of a transfer. The
// outcome is decided by the caller once fn returns.
func (t *Telemetry) InstrumentTransfer(ctx context.Context, direction string, fn func(ctx context.Context) string) {
	if t == nil {
		fn(ctx)

		return
	}

	start := time.Now()

	t.IncrementActiveTransfers(ctx)
	defer t.DecrementActiveTransfers(ctx)

	var outcome string

	_ = t.InstrumentOperation(ctx, "transfer_"+direction, "queue", func(ctx context.Context) error {
		outcome = fn(ctx)

		return nil
	})

	t.RecordTransfer(ctx, direction, outcome, time.Since(start))
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
