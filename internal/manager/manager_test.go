package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/blobtransfer/internal/queue"
	"github.com/italolelis/blobtransfer/internal/reachability"
	"github.com/italolelis/blobtransfer/internal/storage"
	"github.com/italolelis/blobtransfer/internal/storage/memory"
	"github.com/italolelis/blobtransfer/internal/transfer"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

var errDisk = errors.New("disk full")

type executorFunc func(ctx context.Context, t transfer.Transfer, seg transfer.Segment, progress transfer.ProgressFunc) error

func (f executorFunc) TransferSegment(ctx context.Context, t transfer.Transfer, seg transfer.Segment, progress transfer.ProgressFunc) error {
	return f(ctx, t, seg, progress)
}

func (f executorFunc) Finalize(context.Context, transfer.Transfer) error { return nil }

func blocking(ctx context.Context, _ transfer.Transfer, _ transfer.Segment, _ transfer.ProgressFunc) error {
	<-ctx.Done()

	return ctx.Err()
}

func succeeding(_ context.Context, t transfer.Transfer, seg transfer.Segment, progress transfer.ProgressFunc) error {
	progress(seg.Length)

	return nil
}

type recordingDelegate struct {
	transfer.NopDelegate

	executor transfer.Executor

	mu        sync.Mutex
	updates   []transfer.State
	completed []string
	removed   []string
	failed    map[string]error
}

func newDelegate(e transfer.Executor) *recordingDelegate {
	return &recordingDelegate{executor: e, failed: make(map[string]error)}
}

func (d *recordingDelegate) TransferDidUpdate(_ transfer.Transfer, state transfer.State, _ *transfer.Progress) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.updates = append(d.updates, state)
}

func (d *recordingDelegate) TransferDidComplete(t transfer.Transfer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.completed = append(d.completed, t.ID())
}

func (d *recordingDelegate) TransferDidFail(t transfer.Transfer, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failed[t.ID()] = err
}

func (d *recordingDelegate) TransferDidRemove(t transfer.Transfer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.removed = append(d.removed, t.ID())
}

func (d *recordingDelegate) removedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.removed...)
}

func (d *recordingDelegate) Uploader(transfer.Transfer) transfer.Executor   { return d.executor }
func (d *recordingDelegate) Downloader(transfer.Transfer) transfer.Executor { return d.executor }

func (d *recordingDelegate) completedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.completed...)
}

func (d *recordingDelegate) failure(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.failed[id]
}

func testConfig() queue.Config {
	return queue.Config{
		MaxConcurrent:        3,
		MaxAttempts:          2,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}
}

func newManager(t *testing.T, store storage.Store, opts ...Option) *Manager {
	t.Helper()

	m := New(store, testConfig(), opts...)
	t.Cleanup(func() { _ = m.Close() })

	return m
}

func storedState(t *testing.T, store storage.Store, id string) transfer.State {
	t.Helper()

	records, err := store.Load(context.Background())
	require.NoError(t, err)

	for _, r := range records {
		if r.ID == id {
			return r.State
		}
	}

	return ""
}

func storedCause(t *testing.T, store storage.Store, id string) transfer.PauseCause {
	t.Helper()

	records, err := store.Load(context.Background())
	require.NoError(t, err)

	for _, r := range records {
		if r.ID == id {
			return r.PauseCause
		}
	}

	return ""
}

func waitState(t *testing.T, m *Manager, id string, want transfer.State) {
	t.Helper()

	require.Eventually(t, func() bool {
		tr, ok := m.Transfer(id)

		return ok && tr.State() == want
	}, waitFor, tick, "transfer %s never reached %s", id, want)
}

func newSingle(name string) *transfer.SingleTransfer {
	return transfer.NewSingleTransfer(transfer.DirectionUpload, name, "bucket/"+name, 100)
}

func TestManager_AddRunsAndPersists(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	d := newDelegate(executorFunc(succeeding))

	m := newManager(t, store, WithDelegate(d))
	m.Start(ctx)

	tr := newSingle("a")
	require.NoError(t, m.Add(ctx, tr))

	waitState(t, m, tr.ID(), transfer.StateComplete)
	assert.Equal(t, transfer.StateComplete, storedState(t, store, tr.ID()))

	require.Eventually(t, func() bool { return len(d.completedIDs()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{tr.ID()}, d.completedIDs())

	got, ok := m.Transfer(tr.ID())
	require.True(t, ok)
	assert.Equal(t, int64(100), got.Progress().BytesTransferred)
}

func TestManager_MissingExecutorNotifiesFailure(t *testing.T) {
	ctx := context.Background()
	d := newDelegate(nil)

	m := newManager(t, memory.New(), WithDelegate(d))
	m.Start(ctx)

	tr := newSingle("a")
	require.NoError(t, m.Add(ctx, tr))

	waitState(t, m, tr.ID(), transfer.StateFailed)

	require.Eventually(t, func() bool { return d.failure(tr.ID()) != nil }, waitFor, tick)

	var unavailable *transfer.ExecutorUnavailableError
	assert.ErrorAs(t, d.failure(tr.ID()), &unavailable)
}

func TestManager_ReachabilityPausesAndResumes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	net := reachability.NewManual(true)

	m := newManager(t, store, WithDelegate(newDelegate(executorFunc(blocking))), WithReachability(net))
	m.Start(ctx)

	userPaused := newSingle("user")
	require.NoError(t, m.Add(ctx, userPaused))
	require.NoError(t, m.Pause(ctx, userPaused.ID()))

	var ids []string

	for _, name := range []string{"a", "b", "c"} {
		tr := newSingle(name)
		require.NoError(t, m.Add(ctx, tr))
		ids = append(ids, tr.ID())
	}

	for _, id := range ids {
		waitState(t, m, id, transfer.StateInProgress)
	}

	net.Set(false)

	for _, id := range ids {
		tr, ok := m.Transfer(id)
		require.True(t, ok)
		assert.Equal(t, transfer.StatePaused, tr.State())
		assert.Equal(t, transfer.PauseConnectivityLoss, tr.PauseCause())
		assert.Equal(t, transfer.StatePaused, storedState(t, store, id))
	}

	require.Eventually(t, func() bool { return len(m.Active()) == 0 }, waitFor, tick)

	net.Set(true)

	for _, id := range ids {
		waitState(t, m, id, transfer.StateInProgress)
	}

	tr, ok := m.Transfer(userPaused.ID())
	require.True(t, ok)
	assert.Equal(t, transfer.StatePaused, tr.State())
	assert.Equal(t, transfer.PauseUserRequested, tr.PauseCause())
}

func TestManager_StartWhileUnreachableSuspends(t *testing.T) {
	ctx := context.Background()
	net := reachability.NewManual(false)

	m := newManager(t, memory.New(), WithDelegate(newDelegate(executorFunc(succeeding))), WithReachability(net))
	m.Start(ctx)

	tr := newSingle("a")
	require.NoError(t, m.Add(ctx, tr))

	time.Sleep(20 * time.Millisecond)

	got, ok := m.Transfer(tr.ID())
	require.True(t, ok)
	assert.Equal(t, transfer.StatePending, got.State())

	net.Set(true)
	waitState(t, m, tr.ID(), transfer.StateComplete)
}

func TestManager_UserPauseDuringOutageStaysPaused(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	net := reachability.NewManual(true)

	m := newManager(t, store, WithDelegate(newDelegate(executorFunc(blocking))), WithReachability(net))
	m.Start(ctx)

	tr := newSingle("a")
	require.NoError(t, m.Add(ctx, tr))
	waitState(t, m, tr.ID(), transfer.StateInProgress)

	net.Set(false)

	got, _ := m.Transfer(tr.ID())
	assert.Equal(t, transfer.PauseConnectivityLoss, got.PauseCause())

	require.NoError(t, m.Pause(ctx, tr.ID()))
	assert.Equal(t, transfer.PauseUserRequested, storedCause(t, store, tr.ID()))

	net.Set(true)
	time.Sleep(20 * time.Millisecond)

	got, _ = m.Transfer(tr.ID())
	assert.Equal(t, transfer.StatePaused, got.State())
	assert.Equal(t, transfer.PauseUserRequested, got.PauseCause())
	assert.Equal(t, transfer.StatePaused, storedState(t, store, tr.ID()))
}

func TestManager_StaleReachabilityNotificationIsIgnored(t *testing.T) {
	ctx := context.Background()
	net := reachability.NewManual(true)

	m := newManager(t, memory.New(), WithDelegate(newDelegate(executorFunc(succeeding))), WithReachability(net))
	m.Start(ctx)

	m.reachabilityChanged(false)
	assert.False(t, m.queue.Suspended(), "the monitor still reports reachable")

	tr := newSingle("a")
	require.NoError(t, m.Add(ctx, tr))
	waitState(t, m, tr.ID(), transfer.StateComplete)
}

func TestManager_PersistenceErrorsSurface(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	// not started: transfers stay pending
	m := newManager(t, store)

	broken := newSingle("broken")
	healthy := newSingle("healthy")
	store.FailWrites(broken.ID(), errDisk)

	err := m.Add(ctx, broken)

	var perr *storage.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, broken.ID(), perr.ID)
	assert.ErrorIs(t, err, errDisk)

	require.NoError(t, m.Add(ctx, healthy))
	assert.Equal(t, transfer.StatePending, storedState(t, store, healthy.ID()))

	_, ok := m.Transfer(broken.ID())
	assert.True(t, ok, "the transfer is managed even though it was not saved")

	assert.ErrorIs(t, m.SaveContext(ctx), errDisk)

	store.FailWrites(broken.ID(), nil)
	require.NoError(t, m.SaveContext(ctx))
	assert.Equal(t, transfer.StatePending, storedState(t, store, broken.ID()))
}

func TestManager_RemoveDeletesRecord(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	d := newDelegate(nil)
	m := newManager(t, store, WithDelegate(d))

	tr := newSingle("a")
	require.NoError(t, m.Add(ctx, tr))
	require.NoError(t, m.Remove(ctx, tr.ID()))

	_, ok := m.Transfer(tr.ID())
	assert.False(t, ok)
	assert.Empty(t, storedState(t, store, tr.ID()))

	assert.ErrorIs(t, m.Remove(ctx, tr.ID()), transfer.ErrNotFound)

	require.Eventually(t, func() bool { return len(d.removedIDs()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{tr.ID()}, d.removedIDs())
}

func TestManager_FailedDeleteIsRetried(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := newManager(t, store)

	tr := newSingle("a")
	require.NoError(t, m.Add(ctx, tr))

	store.FailWrites(tr.ID(), errDisk)
	assert.ErrorIs(t, m.Remove(ctx, tr.ID()), errDisk)
	assert.Equal(t, transfer.StatePending, storedState(t, store, tr.ID()))

	store.FailWrites(tr.ID(), nil)
	require.NoError(t, m.SaveContext(ctx))
	assert.Empty(t, storedState(t, store, tr.ID()))
}

func TestManager_RemoveAllClearsStore(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	d := newDelegate(nil)
	m := newManager(t, store, WithDelegate(d))

	var ids []string

	for _, name := range []string{"a", "b"} {
		tr := newSingle(name)
		require.NoError(t, m.Add(ctx, tr))
		ids = append(ids, tr.ID())
	}

	store.Put("orphan", []byte("{"))

	require.NoError(t, m.RemoveAll(ctx))
	assert.Zero(t, m.Count())

	require.Eventually(t, func() bool { return len(d.removedIDs()) == 2 }, waitFor, tick)
	assert.Equal(t, ids, d.removedIDs())

	records, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestManager_LookupAndIndexing(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, memory.New())

	a, b := newSingle("a"), newSingle("b")
	require.NoError(t, m.Add(ctx, a))
	require.NoError(t, m.Add(ctx, b))

	assert.Equal(t, 2, m.Count())

	first, ok := m.At(0)
	require.True(t, ok)
	assert.Equal(t, a.ID(), first.ID())

	_, ok = m.At(2)
	assert.False(t, ok)

	_, ok = m.Transfer("missing")
	assert.False(t, ok)

	got, ok := m.Transfer(a.ID())
	require.True(t, ok)
	assert.NotSame(t, a, got, "lookups return copies")
}

func TestManager_ResumeFailedIsRejected(t *testing.T) {
	ctx := context.Background()
	d := newDelegate(nil)

	m := newManager(t, memory.New(), WithDelegate(d))
	m.Start(ctx)

	tr := newSingle("a")
	require.NoError(t, m.Add(ctx, tr))
	waitState(t, m, tr.ID(), transfer.StateFailed)

	assert.ErrorIs(t, m.Resume(ctx, tr.ID()), transfer.ErrNotResumable)
	assert.ErrorIs(t, m.Cancel(ctx, tr.ID()), transfer.ErrIllegalTransition)
}

func seedRecord(t *testing.T, store storage.Store, seq int64, mutate func(tr transfer.Transfer)) string {
	t.Helper()

	tr := newSingle("seed")
	tr.SetSeq(seq)

	if mutate != nil {
		mutate(tr)
	}

	require.NoError(t, store.Save(context.Background(), tr.ToRecord()))

	return tr.ID()
}

func inProgress(tr transfer.Transfer) {
	_ = tr.Transition(transfer.StateInProgress)
}

func seedStates(t *testing.T, store storage.Store) map[string]string {
	t.Helper()

	return map[string]string{
		"pending":    seedRecord(t, store, 1, nil),
		"inProgress": seedRecord(t, store, 2, inProgress),
		"user": seedRecord(t, store, 3, func(tr transfer.Transfer) {
			_ = tr.Pause(transfer.PauseUserRequested)
		}),
		"network": seedRecord(t, store, 4, func(tr transfer.Transfer) {
			_ = tr.Pause(transfer.PauseConnectivityLoss)
		}),
		"complete": seedRecord(t, store, 5, func(tr transfer.Transfer) {
			inProgress(tr)
			_ = tr.Transition(transfer.StateComplete)
		}),
		"failed": seedRecord(t, store, 6, func(tr transfer.Transfer) {
			inProgress(tr)
			_ = tr.Fail(errDisk)
		}),
	}
}

func TestManager_LoadContextRestoresReachable(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	ids := seedStates(t, store)
	store.Put("corrupt", []byte("not json"))

	m := newManager(t, store)

	err := m.LoadContext(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrCorruptRecord)

	require.Equal(t, 6, m.Count())

	want := map[string]transfer.State{
		"pending":    transfer.StatePending,
		"inProgress": transfer.StatePending,
		"user":       transfer.StatePaused,
		"network":    transfer.StatePending,
		"complete":   transfer.StateComplete,
		"failed":     transfer.StateFailed,
	}

	for name, state := range want {
		tr, ok := m.Transfer(ids[name])
		require.True(t, ok, name)
		assert.Equal(t, state, tr.State(), name)
		assert.Equal(t, state, storedState(t, store, ids[name]), name)
	}

	failed, _ := m.Transfer(ids["failed"])
	require.Error(t, failed.Err())
	assert.Contains(t, failed.Err().Error(), "disk full")

	first, ok := m.At(0)
	require.True(t, ok)
	assert.Equal(t, ids["pending"], first.ID())
}

func TestManager_LoadContextWhileUnreachable(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	ids := seedStates(t, store)

	m := newManager(t, store, WithReachability(reachability.NewManual(false)))
	require.NoError(t, m.LoadContext(ctx))

	network, ok := m.Transfer(ids["network"])
	require.True(t, ok)
	assert.Equal(t, transfer.StatePaused, network.State())
	assert.Equal(t, transfer.PauseConnectivityLoss, network.PauseCause())

	pending, ok := m.Transfer(ids["inProgress"])
	require.True(t, ok)
	assert.Equal(t, transfer.StatePending, pending.State())
}

func TestManager_CreateHelpers(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, memory.New(), WithBlockSize(10))

	small, err := m.Upload(ctx, "local/a", "bucket/a", 10)
	require.NoError(t, err)
	assert.Equal(t, transfer.KindSingle, small.Kind())
	assert.Equal(t, transfer.DirectionUpload, small.Direction())

	large, err := m.Download(ctx, "bucket/b", "local/b", 25)
	require.NoError(t, err)
	assert.Equal(t, transfer.KindBlob, large.Kind())
	require.IsType(t, &transfer.BlobTransfer{}, large)
	assert.Len(t, large.(*transfer.BlobTransfer).Blocks(), 3)

	cp, err := m.Copy(ctx, "bucket/a", "bucket/c", 10)
	require.NoError(t, err)
	assert.Equal(t, transfer.DirectionCopy, cp.Direction())
	assert.Positive(t, cp.Seq())

	_, err = m.Upload(ctx, "", "bucket/x", 1)
	require.Error(t, err)

	_, err = m.Upload(ctx, "local/x", "bucket/x", -1)
	require.Error(t, err)

	_, err = m.Upload(ctx, "local/x", "bucket/x", 25)
	require.ErrorIs(t, err, transfer.ErrInvalidBlockLayout, "upload parts below the compose minimum")

	_, err = m.Download(ctx, "bucket/x", "local/x", 10*(transfer.MaxBlocks+1))
	require.ErrorIs(t, err, transfer.ErrInvalidBlockLayout)

	assert.Equal(t, 3, m.Count())
}
