package transfer

// SingleTransfer moves its whole payload with one request. Cancelling it
// interrupts the request immediately.
type SingleTransfer struct {
	base

	transferred int64
}

// NewSingleTransfer creates a pending single-request transfer with a fresh id.
func NewSingleTransfer(direction Direction, source, destination string, size int64) *SingleTransfer {
	return &SingleTransfer{base: newBase(direction, source, destination, size)}
}

func (t *SingleTransfer) Kind() Kind { return KindSingle }

// Progress is present once bytes have been confirmed or the transfer is running.
func (t *SingleTransfer) Progress() *Progress {
	if t.transferred == 0 && t.state != StateInProgress && t.state != StateComplete {
		return nil
	}

	return &Progress{BytesTransferred: t.transferred, TotalBytes: t.size}
}

// ReportProgress records n confirmed bytes. The value is a high-water mark:
// a restarted request does not move it backwards.
func (t *SingleTransfer) ReportProgress(n int64) {
	if n > t.size {
		n = t.size
	}

	if n > t.transferred {
		t.transferred = n
	}
}

// Segment returns the single segment covering the whole payload.
func (t *SingleTransfer) Segment() Segment {
	return Segment{Index: 0, Offset: 0, Length: t.size}
}

func (t *SingleTransfer) Clone() Transfer {
	c := *t

	return &c
}

func (t *SingleTransfer) ToRecord() Record {
	r := Record{Kind: KindSingle, BytesTransferred: t.transferred}
	t.fillRecord(&r)

	return r
}
