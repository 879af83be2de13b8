package transfer

import "context"

// Segment is a byte range of a transfer handed to an executor. Single
// transfers have exactly one segment; blob transfers have one per block.
type Segment struct {
	Index  int
	Offset int64
	Length int64
}

// ProgressFunc receives the number of bytes of the current segment written
// so far.
type ProgressFunc func(written int64)

// Executor moves bytes for a transfer against the remote store.
type Executor interface {
	// TransferSegment moves one segment. Cancelling ctx must abort the
	// request promptly.
	TransferSegment(ctx context.Context, t Transfer, seg Segment, progress ProgressFunc) error
	// Finalize runs once every segment succeeded, e.g. to commit uploaded
	// blocks into the destination object.
	Finalize(ctx context.Context, t Transfer) error
}

// Delegate observes every managed transfer and supplies the executors that
// move their bytes. Notifications arrive on a dispatcher goroutine, never on
// the goroutine that triggered them, and carry clones of the transfer.
type Delegate interface {
	// TransferDidUpdate reports a state change. progress may be nil.
	TransferDidUpdate(t Transfer, state State, progress *Progress)
	// TransferDidFail reports that t reached failed with err.
	TransferDidFail(t Transfer, err error)
	// TransferDidComplete reports that t reached complete.
	TransferDidComplete(t Transfer)
	// TransferDidRemove reports that t left the queue. t is its last state.
	TransferDidRemove(t Transfer)

	// Uploader returns the executor for an upload, or nil when none exists.
	Uploader(t Transfer) Executor
	// Downloader returns the executor for a download, or nil when none exists.
	Downloader(t Transfer) Executor
	// Copier returns the executor for a server-side copy, or nil.
	Copier(t Transfer) Executor
}

// NotifyState reports a state change without progress information.
func NotifyState(d Delegate, t Transfer, state State) {
	d.TransferDidUpdate(t, state, nil)
}

// ExecutorFor asks d for the executor matching the transfer's direction.
func ExecutorFor(d Delegate, t Transfer) Executor {
	if d == nil {
		return nil
	}

	switch t.Direction() {
	case DirectionUpload:
		return d.Uploader(t)
	case DirectionDownload:
		return d.Downloader(t)
	case DirectionCopy:
		return d.Copier(t)
	}

	return nil
}

// NopDelegate ignores notifications and supplies no executors. Embed it to
// implement only the callbacks you need.
type NopDelegate struct{}

func (NopDelegate) TransferDidUpdate(Transfer, State, *Progress) {}
func (NopDelegate) TransferDidFail(Transfer, error)              {}
func (NopDelegate) TransferDidComplete(Transfer)                 {}
func (NopDelegate) TransferDidRemove(Transfer)                   {}
func (NopDelegate) Uploader(Transfer) Executor                   { return nil }
func (NopDelegate) Downloader(Transfer) Executor                 { return nil }
func (NopDelegate) Copier(Transfer) Executor                     { return nil }
