// Package manager is the transfer façade: it restores transfers from the
// store, runs them on the queue, reacts to reachability changes and delivers
// notifications to the delegate.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/italolelis/blobtransfer/internal/logctx"
	"github.com/italolelis/blobtransfer/internal/notifier"
	"github.com/italolelis/blobtransfer/internal/queue"
	"github.com/italolelis/blobtransfer/internal/reachability"
	"github.com/italolelis/blobtransfer/internal/storage"
	"github.com/italolelis/blobtransfer/internal/telemetry"
	"github.com/italolelis/blobtransfer/internal/transfer"
)

// Option configures a Manager.
type Option func(*Manager)

// WithDelegate registers the delegate that receives notifications and
// supplies executors.
func WithDelegate(d transfer.Delegate) Option {
	return func(m *Manager) { m.delegate = d }
}

// WithReachability makes the manager pause and resume transfers as
// connectivity changes.
func WithReachability(r reachability.Monitor) Option {
	return func(m *Manager) { m.reachability = r }
}

// WithTelemetry instruments the manager, its queue and the executors it hands
// out.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(m *Manager) { m.telemetry = tel }
}

// WithLogger sets the logger used outside of request contexts.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithNotifyBacklog sets the number of queued notifications above which a
// slow delegate is reported.
func WithNotifyBacklog(n int) Option {
	return func(m *Manager) { m.notifyBacklog = n }
}

// WithBlockSize sets the block size of blob transfers created by Upload,
// Download and Copy. Payloads up to one block use a single request.
func WithBlockSize(n int64) Option {
	return func(m *Manager) { m.blockSize = n }
}

// Manager coordinates the store, the queue and the reachability monitor.
// Create it with New, restore persisted transfers with LoadContext, then call
// Start.
type Manager struct {
	store         storage.Store
	queue         *queue.Queue
	dispatcher    *notifier.Dispatcher
	delegate      transfer.Delegate
	reachability  reachability.Monitor
	telemetry     *telemetry.Telemetry
	logger        *slog.Logger
	notifyBacklog int
	blockSize     int64

	// ctx carries the logger for store calls made from queue callbacks.
	ctx context.Context

	// persistMu serializes store writes. Queue callbacks take it while the
	// queue lock is held, so it must never be held while calling the queue.
	persistMu sync.Mutex
	dirty     map[string]transfer.Record
	undeleted map[string]struct{}

	lifecycleMu sync.Mutex
	started     bool
	unsubscribe func()

	// reachMu orders Start's initial check against change callbacks.
	reachMu sync.Mutex
}

// New creates a manager persisting to store and executing with cfg.
func New(store storage.Store, cfg queue.Config, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		logger:    slog.Default(),
		blockSize: transfer.DefaultBlockSize,
		dirty:     make(map[string]transfer.Record),
		undeleted: make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.delegate == nil {
		m.delegate = transfer.NopDelegate{}
	}

	if m.reachability == nil {
		m.reachability = reachability.NewManual(true)
	}

	m.logger = m.logger.With("component", "manager")
	m.ctx = logctx.WithLogger(context.Background(), m.logger)
	m.dispatcher = notifier.NewDispatcher(m.ctx, m.delegate, m.notifyBacklog, m.telemetry)
	m.queue = queue.New(cfg, (*listener)(m), m.telemetry)

	return m
}

// Start runs the queue and subscribes to reachability changes.
func (m *Manager) Start(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.started {
		return
	}

	m.started = true

	m.queue.Start(ctx)
	m.unsubscribe = m.reachability.OnChange(m.reachabilityChanged)
	m.applyReachability()
}

// Close stops the queue, flushes dirty records and delivers the pending
// notifications. The store is owned by the caller and stays open.
func (m *Manager) Close() error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}

	m.queue.Stop()
	m.started = false

	err := m.SaveContext(m.ctx)

	m.dispatcher.Close()

	return err
}

func (m *Manager) reachabilityChanged(bool) {
	m.applyReachability()
}

// applyReachability suspends or unsuspends the queue to match the monitor's
// current state, not the state a notification carried.
func (m *Manager) applyReachability() {
	m.reachMu.Lock()
	defer m.reachMu.Unlock()

	reachable := m.reachability.IsReachable()
	if reachable == !m.queue.Suspended() {
		return
	}

	if reachable {
		m.queue.Unsuspend()
	} else {
		m.queue.Suspend()
	}

	if err := m.SaveContext(m.ctx); err != nil {
		m.logger.Error("failed to persist transfers after reachability change", "reachable", reachable, "err", err)
	}
}

// LoadContext restores every persisted transfer into the queue. Running
// transfers come back pending and paused ones stay paused; transfers paused
// for connectivity loss resume when the network is reachable. Terminal
// transfers are restored for querying only. Records that cannot be decoded
// are skipped and reported in the returned error.
func (m *Manager) LoadContext(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	records, loadErr := m.store.Load(ctx)
	if loadErr != nil && records == nil {
		return loadErr
	}

	errs := []error{loadErr}

	if loadErr != nil {
		logger.Warn("skipped unreadable transfer records", "err", loadErr)
	}

	restored := 0

	for _, r := range records {
		t, err := transfer.FromRecord(r)
		if err != nil {
			logger.Warn("skipping invalid transfer record", "transfer_id", r.ID, "err", err)
			errs = append(errs, storage.Wrap("load", r.ID, err))

			continue
		}

		if err := m.queue.Restore(t); err != nil {
			logger.Warn("skipping transfer record", "transfer_id", r.ID, "err", err)
			errs = append(errs, err)

			continue
		}

		restored++
	}

	m.reachMu.Lock()
	if m.reachability.IsReachable() {
		m.queue.Unsuspend()
	} else {
		m.queue.Suspend()
	}
	m.reachMu.Unlock()

	logger.Info("transfers restored", "count", restored)

	errs = append(errs, m.SaveContext(ctx))

	return errors.Join(errs...)
}

// SaveContext writes every transfer whose last save failed and retries
// failed deletions. It returns the failures as joined *storage.PersistenceError
// values; other records are unaffected.
func (m *Manager) SaveContext(ctx context.Context) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	var errs []error

	for id := range m.dirty {
		errs = append(errs, m.flushLocked(ctx, id))
	}

	for id := range m.undeleted {
		errs = append(errs, m.flushLocked(ctx, id))
	}

	return errors.Join(errs...)
}

// sync flushes the pending write of one transfer, so that a call on one
// transfer does not report the failures of another.
func (m *Manager) sync(ctx context.Context, id string) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	return m.flushLocked(ctx, id)
}

func (m *Manager) flushLocked(ctx context.Context, id string) error {
	if rec, ok := m.dirty[id]; ok {
		if err := m.store.Save(ctx, rec); err != nil {
			return storage.Wrap("save", id, err)
		}

		delete(m.dirty, id)
	}

	if _, ok := m.undeleted[id]; ok {
		if err := m.store.Delete(ctx, id); err != nil {
			return storage.Wrap("delete", id, err)
		}

		delete(m.undeleted, id)
	}

	return nil
}

// Add enqueues t. The manager takes ownership: use the returned id with the
// other calls instead of mutating t.
func (m *Manager) Add(ctx context.Context, t transfer.Transfer) error {
	if err := m.queue.Add(t); err != nil {
		return err
	}

	return m.sync(ctx, t.ID())
}

func (m *Manager) Cancel(ctx context.Context, id string) error {
	if err := m.queue.Cancel(id); err != nil {
		return err
	}

	return m.sync(ctx, id)
}

func (m *Manager) CancelAll(ctx context.Context) error {
	m.queue.CancelAll()

	return m.SaveContext(ctx)
}

func (m *Manager) Pause(ctx context.Context, id string) error {
	if err := m.queue.Pause(id); err != nil {
		return err
	}

	return m.sync(ctx, id)
}

func (m *Manager) PauseAll(ctx context.Context) error {
	m.queue.PauseAll()

	return m.SaveContext(ctx)
}

// Resume re-queues a paused transfer. Failed transfers are not resumable;
// add a new transfer instead.
func (m *Manager) Resume(ctx context.Context, id string) error {
	if err := m.queue.Resume(id); err != nil {
		return err
	}

	return m.sync(ctx, id)
}

func (m *Manager) ResumeAll(ctx context.Context) error {
	m.queue.ResumeAll()

	return m.SaveContext(ctx)
}

// Remove interrupts t if it is running and deletes its record.
func (m *Manager) Remove(ctx context.Context, id string) error {
	last, ok := m.queue.Transfer(id)

	if err := m.queue.Remove(id); err != nil {
		return err
	}

	if ok {
		m.dispatcher.Publish(notifier.Event{Kind: notifier.EventRemove, Transfer: last})
	}

	return m.sync(ctx, id)
}

// RemoveAll drops every transfer and clears the store.
func (m *Manager) RemoveAll(ctx context.Context) error {
	last := make(map[string]transfer.Transfer)
	for _, t := range m.queue.Transfers() {
		last[t.ID()] = t
	}

	for _, id := range m.queue.RemoveAll() {
		if t, ok := last[id]; ok {
			m.dispatcher.Publish(notifier.Event{Kind: notifier.EventRemove, Transfer: t})
		}
	}

	if err := m.SaveContext(ctx); err != nil {
		return err
	}

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if err := m.store.DeleteAll(ctx); err != nil {
		return storage.Wrap("delete_all", "", err)
	}

	return nil
}

// Count returns the number of managed transfers.
func (m *Manager) Count() int {
	return m.queue.Len()
}

// At returns the i-th transfer in enqueue order.
func (m *Manager) At(i int) (transfer.Transfer, bool) {
	return m.queue.At(i)
}

// Transfers returns every managed transfer in enqueue order.
func (m *Manager) Transfers() []transfer.Transfer {
	return m.queue.Transfers()
}

// Transfer returns the transfer with the given id.
func (m *Manager) Transfer(id string) (transfer.Transfer, bool) {
	return m.queue.Transfer(id)
}

// Active returns the ids of transfers with a live execution.
func (m *Manager) Active() []string {
	return m.queue.Active()
}

// Upload queues an upload of size bytes from source to destination.
func (m *Manager) Upload(ctx context.Context, source, destination string, size int64) (transfer.Transfer, error) {
	return m.create(ctx, transfer.DirectionUpload, source, destination, size)
}

// Download queues a download of size bytes from source to destination.
func (m *Manager) Download(ctx context.Context, source, destination string, size int64) (transfer.Transfer, error) {
	return m.create(ctx, transfer.DirectionDownload, source, destination, size)
}

// Copy queues a server-side copy of size bytes.
func (m *Manager) Copy(ctx context.Context, source, destination string, size int64) (transfer.Transfer, error) {
	return m.create(ctx, transfer.DirectionCopy, source, destination, size)
}

func (m *Manager) create(ctx context.Context, dir transfer.Direction, source, destination string, size int64) (transfer.Transfer, error) {
	if source == "" || destination == "" {
		return nil, fmt.Errorf("source and destination are required")
	}

	t, err := NewTransfer(dir, source, destination, size, m.blockSize)
	if err != nil {
		return nil, err
	}

	if err := m.Add(ctx, t); err != nil {
		return nil, err
	}

	added, ok := m.Transfer(t.ID())
	if !ok {
		return t.Clone(), nil
	}

	return added, nil
}

// NewTransfer builds a single-request transfer for payloads up to one block
// and a blob transfer for anything larger. Blob layouts are checked with
// transfer.ValidateLayout.
func NewTransfer(dir transfer.Direction, source, destination string, size, blockSize int64) (transfer.Transfer, error) {
	if !dir.Valid() {
		return nil, fmt.Errorf("unknown direction %q", dir)
	}

	if size < 0 {
		return nil, fmt.Errorf("size must not be negative: %d", size)
	}

	if blockSize <= 0 {
		blockSize = transfer.DefaultBlockSize
	}

	if size <= blockSize {
		return transfer.NewSingleTransfer(dir, source, destination, size), nil
	}

	if err := transfer.ValidateLayout(dir, size, blockSize); err != nil {
		return nil, err
	}

	return transfer.NewBlobTransfer(dir, source, destination, size, blockSize)
}

// listener adapts the manager to queue.Listener without exporting the
// callbacks.
type listener Manager

func (l *listener) TransferChanged(t transfer.Transfer) {
	m := (*Manager)(l)

	m.persist(t)

	state := t.State()
	m.dispatcher.Publish(notifier.Event{Kind: notifier.EventUpdate, Transfer: t, State: state, Progress: t.Progress()})

	switch state {
	case transfer.StateComplete:
		m.dispatcher.Publish(notifier.Event{Kind: notifier.EventComplete, Transfer: t})
	case transfer.StateFailed:
		m.dispatcher.Publish(notifier.Event{Kind: notifier.EventFail, Transfer: t, Err: t.Err()})
	}
}

func (l *listener) TransferRemoved(id string) {
	m := (*Manager)(l)

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	delete(m.dirty, id)

	if err := m.store.Delete(m.ctx, id); err != nil {
		m.logger.Error("failed to delete transfer record", "transfer_id", id, "err", err)
		m.undeleted[id] = struct{}{}
	}
}

func (l *listener) ExecutorFor(t transfer.Transfer) transfer.Executor {
	m := (*Manager)(l)

	return transfer.NewInstrumentedExecutor(transfer.ExecutorFor(m.delegate, t), m.telemetry, string(t.Direction()))
}

// persist saves the record of t. A failed save leaves the record dirty so
// that the next SaveContext retries it.
func (m *Manager) persist(t transfer.Transfer) {
	rec := t.ToRecord()

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	delete(m.undeleted, rec.ID)

	if err := m.store.Save(m.ctx, rec); err != nil {
		m.logger.Error("failed to persist transfer", "transfer_id", rec.ID, "state", rec.State, "err", err)
		m.dirty[rec.ID] = rec

		return
	}

	delete(m.dirty, rec.ID)
}
