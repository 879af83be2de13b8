package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record is the persisted form of a transfer. Stores keep one record per id.
type Record struct {
	ID               string     `json:"id"`
	Kind             Kind       `json:"kind"`
	Seq              int64      `json:"seq"`
	State            State      `json:"state"`
	PauseCause       PauseCause `json:"pause_cause,omitempty"`
	Direction        Direction  `json:"direction"`
	Source           string     `json:"source"`
	Destination      string     `json:"destination"`
	Size             int64      `json:"size"`
	BytesTransferred int64      `json:"bytes_transferred"`
	Attempts         int        `json:"attempts,omitempty"`
	Error            string     `json:"error,omitempty"`
	BlockSize        int64      `json:"block_size,omitempty"`
	Blocks           []Block    `json:"blocks,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ErrInvalidRecord is returned when a record cannot describe a transfer.
var ErrInvalidRecord = errors.New("invalid transfer record")

// Validate checks the record for internal consistency.
func (r Record) Validate() error {
	switch {
	case r.ID == "":
		return invalid("missing id")
	case !r.State.Valid():
		return invalid("unknown state %q", r.State)
	case !r.PauseCause.Valid():
		return invalid("unknown pause cause %q", r.PauseCause)
	case r.PauseCause != PauseNone && r.State != StatePaused:
		return invalid("pause cause %q on %s transfer", r.PauseCause, r.State)
	case !r.Direction.Valid():
		return invalid("unknown direction %q", r.Direction)
	case r.Size < 0:
		return invalid("negative size %d", r.Size)
	case r.BytesTransferred < 0 || r.BytesTransferred > r.Size:
		return invalid("bytes transferred %d outside [0, %d]", r.BytesTransferred, r.Size)
	}

	switch r.Kind {
	case KindSingle:
		if len(r.Blocks) > 0 {
			return invalid("single transfer with blocks")
		}

		return nil
	case KindBlob:
		return r.validateBlocks()
	default:
		return invalid("unknown kind %q", r.Kind)
	}
}

func (r Record) validateBlocks() error {
	if r.BlockSize <= 0 {
		return invalid("non-positive block size %d", r.BlockSize)
	}

	var next, done int64

	for i, b := range r.Blocks {
		if b.Index != i || b.Offset != next || b.Length <= 0 || b.Length > r.BlockSize || !b.State.Valid() {
			return invalid("block %d is inconsistent", i)
		}

		next += b.Length

		if b.State == BlockComplete {
			done += b.Length
		}
	}

	if next != r.Size {
		return invalid("blocks cover %d bytes, size is %d", next, r.Size)
	}

	if done != r.BytesTransferred {
		return invalid("complete blocks hold %d bytes, record says %d", done, r.BytesTransferred)
	}

	return nil
}

// FromRecord rebuilds a transfer from its persisted form.
func FromRecord(r Record) (Transfer, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	b := baseFromRecord(r)

	if r.Kind == KindSingle {
		return &SingleTransfer{base: b, transferred: r.BytesTransferred}, nil
	}

	var blocks []Block
	if len(r.Blocks) > 0 {
		blocks = make([]Block, len(r.Blocks))
		copy(blocks, r.Blocks)
	}

	return &BlobTransfer{base: b, blockSize: r.BlockSize, blocks: blocks}, nil
}

// Marshal encodes the record for storage.
func (r Record) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer record %s: %w", r.ID, err)
	}

	return data, nil
}

// UnmarshalRecord decodes and validates a stored record.
func UnmarshalRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	if err := r.Validate(); err != nil {
		return Record{}, err
	}

	return r, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}
