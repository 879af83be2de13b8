package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/blobtransfer/internal/logctx"
	"github.com/italolelis/blobtransfer/internal/transfer"
)

// execute runs one execution of a transfer. snapshot is a private clone the
// executor may read; results are recorded on the live transfer through the
// queue lock.
func (q *Queue) execute(ctx context.Context, ex *execution, snapshot transfer.Transfer) {
	defer q.wg.Done()

	q.telemetry.InstrumentTransfer(ctx, string(snapshot.Direction()), func(ctx context.Context) string {
		return q.finish(ctx, ex, q.run(ctx, ex, snapshot))
	})
}

func (q *Queue) run(ctx context.Context, ex *execution, snapshot transfer.Transfer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.ErrorContext(ctx, "transfer execution panicked", "panic", r, "stack", string(debug.Stack()))
			q.telemetry.RecordSystemError(ctx, "queue", "panic")

			err = transfer.Terminal("execute", fmt.Errorf("panic: %v", r))
		}
	}()

	executor := q.listener.ExecutorFor(snapshot.Clone())
	if executor == nil {
		return &transfer.ExecutorUnavailableError{ID: snapshot.ID(), Direction: snapshot.Direction()}
	}

	q.logger.InfoContext(ctx, "executing transfer",
		"kind", snapshot.Kind(),
		"direction", snapshot.Direction(),
		"source", snapshot.Source(),
		"destination", snapshot.Destination(),
		"size", snapshot.Size(),
		"attempt", snapshot.Attempts()+1)

	switch t := snapshot.(type) {
	case *transfer.SingleTransfer:
		return q.runSingle(ctx, ex, t, executor)
	case *transfer.BlobTransfer:
		return q.runBlob(ex, t, executor)
	default:
		return transfer.Terminal("execute", fmt.Errorf("unsupported transfer kind %s", snapshot.Kind()))
	}
}

// runSingle moves the whole payload in one request. ctx is cancelled as soon
// as the execution is interrupted.
func (q *Queue) runSingle(ctx context.Context, ex *execution, t *transfer.SingleTransfer, executor transfer.Executor) error {
	err := executor.TransferSegment(ctx, t, t.Segment(), func(written int64) {
		q.reportProgress(ex, written)
	})
	if err != nil {
		return err
	}

	if q.checkpoint(ex) {
		return nil
	}

	if err := executor.Finalize(ctx, t); err != nil {
		return err
	}

	q.reportProgress(ex, t.Size())

	return nil
}

// runBlob moves the pending blocks with bounded parallelism. Interruptions
// are observed between blocks: blocks already in flight run to completion on
// the queue context, which only Stop cancels. Once a block fails no further
// block is started.
func (q *Queue) runBlob(ex *execution, t *transfer.BlobTransfer, executor transfer.Executor) error {
	ctx := q.blockContext(ex)

	var (
		g      errgroup.Group
		failed atomic.Bool
	)

	g.SetLimit(q.cfg.BlockConcurrency)

	for _, b := range t.PendingBlocks() {
		if failed.Load() || q.checkpoint(ex) {
			break
		}

		g.Go(func() error {
			if failed.Load() || !q.startBlock(ex, b.Index) {
				return nil
			}

			if err := q.runBlock(ctx, t, b, executor); err != nil {
				failed.Store(true)
				q.endBlock(ctx, ex, b.Index, err)

				return err
			}

			q.endBlock(ctx, ex, b.Index, nil)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if q.checkpoint(ex) {
		return nil
	}

	return executor.Finalize(ctx, t)
}

func (q *Queue) runBlock(ctx context.Context, t *transfer.BlobTransfer, b transfer.Block, executor transfer.Executor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = transfer.Terminal("transfer_block", fmt.Errorf("panic in block %d: %v", b.Index, r))
		}
	}()

	return executor.TransferSegment(ctx, t, b.Segment(), func(int64) {})
}

// blockContext returns the context blocks run on: the queue's run context
// tagged with the transfer, without the per-execution cancellation.
func (q *Queue) blockContext(ex *execution) context.Context {
	q.mu.Lock()
	defer q.mu.Unlock()

	return logctx.WithTransferID(q.runCtx, ex.id)
}

// startBlock marks block i as running. It returns false when the execution
// was interrupted, in which case the block must not start.
func (q *Queue) startBlock(ex *execution, i int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ex.reason != reasonNone {
		return false
	}

	e := q.ownerLocked(ex)
	if e == nil {
		return false
	}

	e.t.(*transfer.BlobTransfer).SetBlockState(i, transfer.BlockInProgress)

	return true
}

// endBlock records the outcome of block i. Completed blocks are recorded even
// after a pause so the acknowledged bytes survive the next execution.
func (q *Queue) endBlock(ctx context.Context, ex *execution, i int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.ownerLocked(ex)
	if e == nil {
		return
	}

	blob := e.t.(*transfer.BlobTransfer)
	direction := string(blob.Direction())

	if err != nil {
		blob.SetBlockState(i, transfer.BlockFailed)
		q.telemetry.RecordBlock(ctx, direction, "error")
		q.logger.WarnContext(ctx, "block failed", "block", i, "err", err)

		return
	}

	blob.SetBlockState(i, transfer.BlockComplete)
	q.telemetry.RecordBlock(ctx, direction, "success")

	if !blob.State().Terminal() {
		q.emitLocked(e)
	}
}

// reportProgress records the bytes confirmed by a single-request executor.
func (q *Queue) reportProgress(ex *execution, written int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.ownerLocked(ex)
	if e == nil || ex.reason != reasonNone {
		return
	}

	single, ok := e.t.(*transfer.SingleTransfer)
	if !ok {
		return
	}

	before := single.Progress()
	single.ReportProgress(written)

	if after := single.Progress(); before == nil || after.BytesTransferred != before.BytesTransferred {
		q.emitLocked(e)
	}
}
