// Package transfer holds the transfer data model: the single-request and
// multi-block variants, their state machine, the persisted record form and
// the contracts for executors and delegates.
//
// Transfers are not safe for concurrent use. The queue owns every live
// transfer and hands out clones to everybody else.
package transfer

import (
	"time"

	"github.com/google/uuid"
)

// Progress is a snapshot of bytes moved against the expected total.
type Progress struct {
	BytesTransferred int64 `json:"bytes_transferred"`
	TotalBytes       int64 `json:"total_bytes"`
}

// Fraction returns the completed share in [0, 1]. Unknown totals report 0.
func (p Progress) Fraction() float64 {
	if p.TotalBytes <= 0 {
		return 0
	}

	return float64(p.BytesTransferred) / float64(p.TotalBytes)
}

// Transfer is a single logical upload, download or copy tracked by id.
type Transfer interface {
	ID() string
	Kind() Kind
	Direction() Direction
	Source() string
	Destination() string
	Size() int64

	State() State
	PauseCause() PauseCause
	Progress() *Progress
	Err() error
	Attempts() int
	Seq() int64
	CreatedAt() time.Time
	UpdatedAt() time.Time

	// Transition moves the transfer along a legal edge of the state machine.
	Transition(to State) error
	// Pause moves the transfer to paused and records why. Pausing a paused
	// transfer only upgrades its cause to PauseUserRequested.
	Pause(cause PauseCause) error
	// Fail moves the transfer to failed and records err.
	Fail(err error) error
	SetAttempts(n int)
	SetSeq(seq int64)

	Clone() Transfer
	ToRecord() Record
}

// base carries the fields and state machine shared by both variants.
type base struct {
	id          string
	direction   Direction
	source      string
	destination string
	size        int64

	state     State
	cause     PauseCause
	err       error
	attempts  int
	seq       int64
	createdAt time.Time
	updatedAt time.Time
}

func newBase(direction Direction, source, destination string, size int64) base {
	now := timestamp()

	return base{
		id:          uuid.NewString(),
		direction:   direction,
		source:      source,
		destination: destination,
		size:        size,
		state:       StatePending,
		createdAt:   now,
		updatedAt:   now,
	}
}

func (b *base) ID() string             { return b.id }
func (b *base) Direction() Direction   { return b.direction }
func (b *base) Source() string         { return b.source }
func (b *base) Destination() string    { return b.destination }
func (b *base) Size() int64            { return b.size }
func (b *base) State() State           { return b.state }
func (b *base) PauseCause() PauseCause { return b.cause }
func (b *base) Err() error             { return b.err }
func (b *base) Attempts() int          { return b.attempts }
func (b *base) Seq() int64             { return b.seq }
func (b *base) CreatedAt() time.Time   { return b.createdAt }
func (b *base) UpdatedAt() time.Time   { return b.updatedAt }
func (b *base) SetAttempts(n int)      { b.attempts = n }
func (b *base) SetSeq(seq int64)       { b.seq = seq }

func (b *base) Transition(to State) error {
	if to == StatePaused {
		return b.Pause(PauseUserRequested)
	}

	if to == StateFailed {
		return illegal(b.state, to)
	}

	return b.move(to)
}

func (b *base) Pause(cause PauseCause) error {
	if cause == PauseNone {
		cause = PauseUserRequested
	}

	// A user pause takes over a connectivity pause so reconnecting leaves it paused.
	if b.state == StatePaused {
		if cause == PauseUserRequested && b.cause != PauseUserRequested {
			b.cause = cause
			b.updatedAt = timestamp()
		}

		return nil
	}

	if err := b.move(StatePaused); err != nil {
		return err
	}

	b.cause = cause

	return nil
}

func (b *base) Fail(err error) error {
	if moveErr := b.move(StateFailed); moveErr != nil {
		return moveErr
	}

	b.err = err

	return nil
}

func (b *base) move(to State) error {
	if !b.state.CanTransition(to) {
		return illegal(b.state, to)
	}

	b.state = to
	b.cause = PauseNone
	b.err = nil
	b.updatedAt = timestamp()

	return nil
}

func (b *base) errorMessage() string {
	if b.err == nil {
		return ""
	}

	return b.err.Error()
}

func (b *base) fillRecord(r *Record) {
	r.ID = b.id
	r.Seq = b.seq
	r.State = b.state
	r.PauseCause = b.cause
	r.Direction = b.direction
	r.Source = b.source
	r.Destination = b.destination
	r.Size = b.size
	r.Attempts = b.attempts
	r.Error = b.errorMessage()
	r.CreatedAt = b.createdAt
	r.UpdatedAt = b.updatedAt
}

func baseFromRecord(r Record) base {
	b := base{
		id:          r.ID,
		direction:   r.Direction,
		source:      r.Source,
		destination: r.Destination,
		size:        r.Size,
		state:       r.State,
		cause:       r.PauseCause,
		attempts:    r.Attempts,
		seq:         r.Seq,
		createdAt:   r.CreatedAt,
		updatedAt:   r.UpdatedAt,
	}

	if r.Error != "" {
		b.err = &recordedError{msg: r.Error}
	}

	return b
}

// timestamp returns the current UTC time without the monotonic reading so
// that it survives a JSON round trip unchanged.
func timestamp() time.Time {
	return time.Now().UTC().Round(0)
}
