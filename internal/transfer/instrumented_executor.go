package transfer

import (
	"context"

	"github.com/italolelis/blobtransfer/internal/telemetry"
)

// InstrumentedExecutor wraps an Executor with spans and operation metrics.
type InstrumentedExecutor struct {
	executor     Executor
	telemetry    *telemetry.Telemetry
	executorType string
}

// NewInstrumentedExecutor wraps e. A nil e yields nil so that "no executor"
// survives the wrapping.
func NewInstrumentedExecutor(e Executor, tel *telemetry.Telemetry, executorType string) Executor {
	if e == nil {
		return nil
	}

	return &InstrumentedExecutor{
		executor:     e,
		telemetry:    tel,
		executorType: executorType,
	}
}

// TransferSegment moves one segment with telemetry.
func (e *InstrumentedExecutor) TransferSegment(ctx context.Context, t Transfer, seg Segment, progress ProgressFunc) error {
	return e.telemetry.InstrumentExecutorOperation(ctx, e.executorType, string(t.Direction())+"_segment", func(ctx context.Context) error {
		return e.executor.TransferSegment(ctx, t, seg, progress)
	})
}

// Finalize finalizes a transfer with telemetry.
func (e *InstrumentedExecutor) Finalize(ctx context.Context, t Transfer) error {
	return e.telemetry.InstrumentExecutorOperation(ctx, e.executorType, string(t.Direction())+"_finalize", func(ctx context.Context) error {
		return e.executor.Finalize(ctx, t)
	})
}
