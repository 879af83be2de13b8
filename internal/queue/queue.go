// Package queue executes transfers with bounded concurrency. It owns the live
// transfer objects: every state change happens under the queue lock and is
// reported to a Listener in the order it happened.
package queue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/italolelis/blobtransfer/internal/logctx"
	"github.com/italolelis/blobtransfer/internal/telemetry"
	"github.com/italolelis/blobtransfer/internal/transfer"
)

const (
	DefaultMaxConcurrent        = 4
	DefaultBlockConcurrency     = 4
	DefaultMaxAttempts          = 5
	DefaultRetryInitialInterval = time.Second
	DefaultRetryMaxInterval     = time.Minute
)

// Config bounds the work the queue does at once and how it retries.
type Config struct {
	// MaxConcurrent is the number of transfers executing at the same time.
	MaxConcurrent int
	// BlockConcurrency is the number of blocks of one blob transfer in flight.
	BlockConcurrency int
	// MaxAttempts is the number of executions a transfer gets before
	// transient failures make it fail.
	MaxAttempts          int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}

	if c.BlockConcurrency <= 0 {
		c.BlockConcurrency = DefaultBlockConcurrency
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}

	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = DefaultRetryInitialInterval
	}

	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = DefaultRetryMaxInterval
	}

	return c
}

// Listener observes the queue. TransferChanged and TransferRemoved are called
// with the queue lock held, once per mutation and in mutation order, so they
// must not call back into the queue. ExecutorFor is called without the lock.
type Listener interface {
	// TransferChanged receives a clone of a transfer after every change.
	TransferChanged(t transfer.Transfer)
	// TransferRemoved reports that id left the queue. No further changes for
	// it will be reported.
	TransferRemoved(id string)
	// ExecutorFor returns the executor for t, or nil when there is none.
	ExecutorFor(t transfer.Transfer) transfer.Executor
}

type entry struct {
	t         transfer.Transfer
	exec      *execution
	notBefore time.Time
}

// stopReason tells a running execution why it must stop at its next
// checkpoint.
type stopReason string

const (
	reasonNone     stopReason = ""
	reasonPaused   stopReason = "paused"
	reasonCanceled stopReason = "cancelled"
	reasonRemoved  stopReason = "removed"
	reasonStopped  stopReason = "stopped"
)

// execution is the token of one run of a transfer. Only the worker that owns
// it may record results, and only while the entry still points at it.
type execution struct {
	id     string
	entry  *entry
	reason stopReason
	cancel context.CancelFunc
}

// Queue schedules transfers in FIFO order of their enqueue sequence.
type Queue struct {
	cfg       Config
	listener  Listener
	telemetry *telemetry.Telemetry
	logger    *slog.Logger

	mu        sync.Mutex
	entries   map[string]*entry
	order     []*entry
	active    map[string]*execution
	nextSeq   int64
	suspended bool
	started   bool
	runCtx    context.Context
	runCancel context.CancelFunc

	wg sync.WaitGroup
}

// New creates a stopped queue. A nil listener discards changes and supplies
// no executors.
func New(cfg Config, l Listener, tel *telemetry.Telemetry) *Queue {
	if l == nil {
		l = nopListener{}
	}

	return &Queue{
		cfg:       cfg.withDefaults(),
		listener:  l,
		telemetry: tel,
		logger:    slog.Default(),
		entries:   make(map[string]*entry),
		active:    make(map[string]*execution),
		nextSeq:   1,
	}
}

// Start begins executing pending transfers. Executions stop when ctx is done
// or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return
	}

	q.logger = logctx.LoggerFromContext(ctx).With("component", "queue")
	q.runCtx, q.runCancel = context.WithCancel(ctx)
	q.started = true

	q.logger.Info("transfer queue started",
		"max_concurrent", q.cfg.MaxConcurrent,
		"block_concurrency", q.cfg.BlockConcurrency,
		"max_attempts", q.cfg.MaxAttempts)

	q.scheduleLocked()
}

// Stop interrupts every execution, returns running transfers to pending and
// waits for the workers to exit.
func (q *Queue) Stop() {
	q.mu.Lock()

	if !q.started {
		q.mu.Unlock()

		return
	}

	q.started = false

	for _, ex := range q.active {
		e := ex.entry
		if e.exec != ex {
			continue
		}

		q.interruptLocked(e, reasonStopped)

		if err := e.t.Transition(transfer.StatePending); err == nil {
			q.emitLocked(e)
		}
	}

	q.runCancel()
	q.mu.Unlock()

	q.wg.Wait()

	q.logger.Info("transfer queue stopped")
}

// Add takes ownership of a pending transfer and schedules it.
func (q *Queue) Add(t transfer.Transfer) error {
	if t.State() != transfer.StatePending {
		return fmt.Errorf("%w: cannot add a %s transfer", transfer.ErrIllegalTransition, t.State())
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[t.ID()]; ok {
		return &transfer.DuplicateTransferError{ID: t.ID()}
	}

	t = t.Clone()
	t.SetSeq(q.nextSeq)
	q.nextSeq++

	e := &entry{t: t}
	q.insertLocked(e)
	q.emitLocked(e)
	q.scheduleLocked()

	return nil
}

// Restore re-inserts a transfer rebuilt from its persisted record, keeping
// its sequence number. Running transfers become pending again; paused and
// terminal transfers keep their state.
func (q *Queue) Restore(t transfer.Transfer) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[t.ID()]; ok {
		return &transfer.DuplicateTransferError{ID: t.ID()}
	}

	t = t.Clone()

	if t.Seq() <= 0 {
		t.SetSeq(q.nextSeq)
	}

	q.nextSeq = max(q.nextSeq, t.Seq()+1)

	if blob, ok := t.(*transfer.BlobTransfer); ok && !t.State().Terminal() {
		blob.ResetIncompleteBlocks()
	}

	e := &entry{t: t}
	q.insertLocked(e)

	if t.State() == transfer.StateInProgress {
		if err := t.Transition(transfer.StatePending); err != nil {
			return err
		}

		q.emitLocked(e)
	}

	q.scheduleLocked()

	return nil
}

// Cancel moves a transfer to cancelled. A running execution stops at its next
// checkpoint.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return transfer.ErrNotFound
	}

	return q.cancelLocked(e)
}

// CancelAll cancels every transfer that is not terminal.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range slices.Clone(q.order) {
		if !e.t.State().Terminal() {
			_ = q.cancelLocked(e)
		}
	}
}

func (q *Queue) cancelLocked(e *entry) error {
	if err := e.t.Transition(transfer.StateCancelled); err != nil {
		return err
	}

	q.interruptLocked(e, reasonCanceled)
	q.emitLocked(e)
	q.scheduleLocked()

	return nil
}

// Pause moves a pending or running transfer to paused at the user's request.
// A transfer already paused for connectivity loss becomes user paused and is
// no longer resumed by Unsuspend.
func (q *Queue) Pause(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return transfer.ErrNotFound
	}

	if e.t.State() == transfer.StatePaused {
		q.claimPauseLocked(e)

		return nil
	}

	return q.pauseLocked(e, transfer.PauseUserRequested)
}

// PauseAll pauses every pending or running transfer.
func (q *Queue) PauseAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range slices.Clone(q.order) {
		switch e.t.State() {
		case transfer.StatePending, transfer.StateInProgress:
			_ = q.pauseLocked(e, transfer.PauseUserRequested)
		case transfer.StatePaused:
			q.claimPauseLocked(e)
		}
	}
}

// claimPauseLocked records a user pause on an already paused transfer.
func (q *Queue) claimPauseLocked(e *entry) {
	if e.t.PauseCause() == transfer.PauseUserRequested {
		return
	}

	if err := e.t.Pause(transfer.PauseUserRequested); err != nil {
		return
	}

	q.emitLocked(e)
}

func (q *Queue) pauseLocked(e *entry, cause transfer.PauseCause) error {
	if err := e.t.Pause(cause); err != nil {
		return err
	}

	q.interruptLocked(e, reasonPaused)
	q.emitLocked(e)

	return nil
}

// Resume moves a paused transfer back to pending. Any other state returns
// transfer.ErrNotResumable.
func (q *Queue) Resume(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return transfer.ErrNotFound
	}

	if e.t.State() != transfer.StatePaused {
		return fmt.Errorf("%w: transfer %s is %s", transfer.ErrNotResumable, id, e.t.State())
	}

	q.resumeLocked(e)
	q.scheduleLocked()

	return nil
}

// ResumeAll resumes every paused transfer.
func (q *Queue) ResumeAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.order {
		if e.t.State() == transfer.StatePaused {
			q.resumeLocked(e)
		}
	}

	q.scheduleLocked()
}

func (q *Queue) resumeLocked(e *entry) {
	if err := e.t.Transition(transfer.StatePending); err != nil {
		return
	}

	e.t.SetAttempts(0)
	e.notBefore = time.Time{}
	q.emitLocked(e)
}

// Remove interrupts a running execution and drops the transfer.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return transfer.ErrNotFound
	}

	q.removeLocked(e)
	q.scheduleLocked()

	return nil
}

// RemoveAll drops every transfer and returns their ids.
func (q *Queue) RemoveAll() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.order))

	for _, e := range slices.Clone(q.order) {
		ids = append(ids, e.t.ID())
		q.removeLocked(e)
	}

	return ids
}

func (q *Queue) removeLocked(e *entry) {
	id := e.t.ID()

	q.interruptLocked(e, reasonRemoved)
	delete(q.entries, id)

	if i := q.indexLocked(e.t.Seq(), id); i >= 0 {
		q.order = slices.Delete(q.order, i, i+1)
	}

	q.listener.TransferRemoved(id)
}

// Suspend stops dispatching and pauses every running transfer with cause
// connectivityLoss. Pending transfers stay pending.
func (q *Queue) Suspend() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.suspended = true

	var ids []string

	for _, e := range q.order {
		if e.t.State() != transfer.StateInProgress {
			continue
		}

		if err := q.pauseLocked(e, transfer.PauseConnectivityLoss); err == nil {
			ids = append(ids, e.t.ID())
		}
	}

	q.logger.Warn("transfer queue suspended", "paused_transfers", len(ids))

	return ids
}

// Unsuspend resumes dispatching and resumes exactly the transfers paused for
// connectivity loss. User-paused transfers stay paused.
func (q *Queue) Unsuspend() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.suspended = false

	var ids []string

	for _, e := range q.order {
		if e.t.State() == transfer.StatePaused && e.t.PauseCause() == transfer.PauseConnectivityLoss {
			q.resumeLocked(e)
			ids = append(ids, e.t.ID())
		}
	}

	q.logger.Info("transfer queue resumed", "resumed_transfers", len(ids))

	q.scheduleLocked()

	return ids
}

// Suspended reports whether dispatching is suspended.
func (q *Queue) Suspended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.suspended
}

// Len returns the number of queued transfers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.order)
}

// At returns a clone of the i-th transfer in enqueue order.
func (q *Queue) At(i int) (transfer.Transfer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i < 0 || i >= len(q.order) {
		return nil, false
	}

	return q.order[i].t.Clone(), true
}

// Transfers returns clones of every transfer in enqueue order.
func (q *Queue) Transfers() []transfer.Transfer {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]transfer.Transfer, 0, len(q.order))
	for _, e := range q.order {
		out = append(out, e.t.Clone())
	}

	return out
}

// Transfer returns a clone of the transfer with the given id.
func (q *Queue) Transfer(id string) (transfer.Transfer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return nil, false
	}

	return e.t.Clone(), true
}

// Active returns the ids with a live execution, including executions that
// were asked to stop and have not reached their checkpoint yet.
func (q *Queue) Active() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.active))
	for id := range q.active {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

func (q *Queue) insertLocked(e *entry) {
	q.entries[e.t.ID()] = e

	i, _ := slices.BinarySearchFunc(q.order, e, compareEntries)
	q.order = slices.Insert(q.order, i, e)
}

func (q *Queue) indexLocked(seq int64, id string) int {
	i, found := slices.BinarySearchFunc(q.order, seq, func(e *entry, seq int64) int {
		return cmp.Compare(e.t.Seq(), seq)
	})
	if !found {
		return -1
	}

	for ; i < len(q.order) && q.order[i].t.Seq() == seq; i++ {
		if q.order[i].t.ID() == id {
			return i
		}
	}

	return -1
}

func compareEntries(a, b *entry) int {
	if c := cmp.Compare(a.t.Seq(), b.t.Seq()); c != 0 {
		return c
	}

	return strings.Compare(a.t.ID(), b.t.ID())
}

// interruptLocked asks the running execution of e, if any, to stop. Single
// transfers are aborted through their context right away; blob transfers stop
// at the next block boundary.
func (q *Queue) interruptLocked(e *entry, reason stopReason) {
	ex := e.exec
	if ex == nil {
		return
	}

	if ex.reason == reasonNone {
		ex.reason = reason
	}

	e.exec = nil
	ex.cancel()
}

func (q *Queue) emitLocked(e *entry) {
	q.listener.TransferChanged(e.t.Clone())
}

// kick schedules pending transfers whose retry delay has elapsed.
func (q *Queue) kick() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.scheduleLocked()
}

// scheduleLocked starts pending transfers in FIFO order until the
// concurrency limit is reached.
func (q *Queue) scheduleLocked() {
	if !q.started || q.suspended {
		return
	}

	now := time.Now()
	pending := 0

	for _, e := range q.order {
		if e.t.State() != transfer.StatePending {
			continue
		}

		if len(q.active) >= q.cfg.MaxConcurrent {
			pending++

			continue
		}

		// The previous execution of this id has not exited yet.
		if _, running := q.active[e.t.ID()]; running {
			pending++

			continue
		}

		if now.Before(e.notBefore) {
			pending++

			continue
		}

		q.startLocked(e)
	}

	q.telemetry.RecordPending(q.runCtx, pending)
}

func (q *Queue) startLocked(e *entry) {
	t := e.t

	if err := t.Transition(transfer.StateInProgress); err != nil {
		q.logger.Error("failed to start transfer", "transfer_id", t.ID(), "err", err)

		return
	}

	if blob, ok := t.(*transfer.BlobTransfer); ok {
		blob.ResetIncompleteBlocks()
	}

	ctx := logctx.WithTransferID(q.runCtx, t.ID())
	ctx, cancel := context.WithCancel(ctx)

	ex := &execution{id: t.ID(), entry: e, cancel: cancel}
	e.exec = ex
	e.notBefore = time.Time{}
	q.active[t.ID()] = ex

	q.emitLocked(e)

	snapshot := t.Clone()

	q.wg.Add(1)

	go q.execute(ctx, ex, snapshot)
}

// retryDelay returns the backoff before the given attempt number.
func (q *Queue) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.RetryInitialInterval
	b.MaxInterval = q.cfg.RetryMaxInterval
	b.Reset()

	var d time.Duration
	for range attempt {
		d = b.NextBackOff()
	}

	if d < 0 {
		d = q.cfg.RetryMaxInterval
	}

	return d
}

// finish records the outcome of an execution. It returns the outcome label
// used for metrics.
func (q *Queue) finish(ctx context.Context, ex *execution, runErr error) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	defer q.scheduleLocked()

	if q.active[ex.id] == ex {
		delete(q.active, ex.id)
	}

	ex.cancel()

	e, ok := q.entries[ex.id]
	if !ok || e.exec != ex || ex.reason != reasonNone {
		reason := ex.reason
		if reason == reasonNone {
			reason = reasonRemoved
		}

		q.logger.InfoContext(ctx, "transfer execution stopped", "reason", reason)

		return string(reason)
	}

	e.exec = nil
	t := e.t

	if runErr == nil {
		if blob, ok := t.(*transfer.BlobTransfer); ok && !blob.AllBlocksComplete() {
			runErr = transfer.Terminal("execute", errors.New("blob finished with incomplete blocks"))
		}
	}

	switch {
	case runErr == nil:
		if err := t.Transition(transfer.StateComplete); err != nil {
			q.logger.ErrorContext(ctx, "failed to complete transfer", "err", err)

			return "error"
		}

		q.logger.InfoContext(ctx, "transfer completed", "direction", t.Direction(), "destination", t.Destination())
		q.emitLocked(e)

		return string(transfer.StateComplete)

	case transfer.IsTransient(runErr) && t.Attempts()+1 < q.cfg.MaxAttempts:
		attempts := t.Attempts() + 1
		t.SetAttempts(attempts)

		if err := t.Transition(transfer.StatePending); err != nil {
			q.logger.ErrorContext(ctx, "failed to requeue transfer", "err", err)

			return "error"
		}

		delay := q.retryDelay(attempts)
		e.notBefore = time.Now().Add(delay)
		time.AfterFunc(delay, q.kick)

		q.logger.WarnContext(ctx, "transfer failed, retrying", "attempt", attempts, "retry_in", delay, "err", runErr)
		q.telemetry.RecordRetry(ctx, string(t.Direction()))
		q.emitLocked(e)

		return "retry"

	default:
		failErr := runErr
		if transfer.IsTransient(runErr) {
			failErr = &transfer.RetriesExhaustedError{ID: t.ID(), Attempts: t.Attempts() + 1, Err: runErr}
			t.SetAttempts(t.Attempts() + 1)
		}

		if err := t.Fail(failErr); err != nil {
			q.logger.ErrorContext(ctx, "failed to fail transfer", "err", err)

			return "error"
		}

		q.logger.ErrorContext(ctx, "transfer failed", "err", failErr)
		q.emitLocked(e)

		return string(transfer.StateFailed)
	}
}

// ownerLocked returns the entry whose results ex may still record, or nil.
// An execution that was paused or stopped keeps recording the blocks that were
// already in flight until a new execution of the same entry starts.
func (q *Queue) ownerLocked(ex *execution) *entry {
	e, ok := q.entries[ex.id]
	if !ok || e != ex.entry {
		return nil
	}

	if e.exec == ex {
		return e
	}

	if e.exec == nil && (ex.reason == reasonPaused || ex.reason == reasonStopped) {
		return e
	}

	return nil
}

// checkpoint reports whether ex was asked to stop.
func (q *Queue) checkpoint(ex *execution) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return ex.reason != reasonNone
}

type nopListener struct{}

func (nopListener) TransferChanged(transfer.Transfer)               {}
func (nopListener) TransferRemoved(string)                          {}
func (nopListener) ExecutorFor(transfer.Transfer) transfer.Executor { return nil }
