package transfer

import (
	"errors"
	"fmt"
)

const (
	// DefaultBlockSize is used when a blob transfer is created without one.
	DefaultBlockSize int64 = 8 * 1024 * 1024

	// MinComposedBlockSize is the smallest block an upload or copy may use.
	// Their blocks are staged as parts and composed into the destination,
	// and every part but the last must be at least this long.
	MinComposedBlockSize int64 = 5 * 1024 * 1024

	// MaxBlocks bounds the number of blocks of one blob transfer.
	MaxBlocks = 10000
)

// ErrInvalidBlockLayout is returned for block sizes the remote store cannot
// assemble.
var ErrInvalidBlockLayout = errors.New("invalid block layout")

// ValidateLayout reports whether a blob transfer of size bytes in blocks of
// blockSize can be executed in direction.
func ValidateLayout(direction Direction, size, blockSize int64) error {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	if n := blockCount(size, blockSize); n > MaxBlocks {
		return fmt.Errorf("%w: %d blocks of %d bytes exceed the limit of %d", ErrInvalidBlockLayout, n, blockSize, MaxBlocks)
	}

	composed := direction == DirectionUpload || direction == DirectionCopy
	if composed && size > blockSize && blockSize < MinComposedBlockSize {
		return fmt.Errorf("%w: %s blocks must be at least %d bytes, got %d", ErrInvalidBlockLayout, direction, MinComposedBlockSize, blockSize)
	}

	return nil
}

func blockCount(size, blockSize int64) int64 {
	return (size + blockSize - 1) / blockSize
}

// Block is an independently retryable slice of a blob transfer.
type Block struct {
	Index  int        `json:"index"`
	Offset int64      `json:"offset"`
	Length int64      `json:"length"`
	State  BlockState `json:"state"`
}

// Segment returns the byte range covered by the block.
func (b Block) Segment() Segment {
	return Segment{Index: b.Index, Offset: b.Offset, Length: b.Length}
}

// BlobTransfer is a multi-block transfer. Its progress is the sum of complete
// blocks, so a pause never loses acknowledged bytes.
type BlobTransfer struct {
	base

	blockSize int64
	blocks    []Block
}

// NewBlobTransfer splits size into blocks of blockSize (the last block may be
// shorter). A non-positive blockSize selects DefaultBlockSize. More than
// MaxBlocks blocks is rejected with ErrInvalidBlockLayout.
func NewBlobTransfer(direction Direction, source, destination string, size, blockSize int64) (*BlobTransfer, error) {
	if size < 0 {
		return nil, fmt.Errorf("blob size must not be negative: %d", size)
	}

	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	if n := blockCount(size, blockSize); n > MaxBlocks {
		return nil, fmt.Errorf("%w: %d blocks exceed the limit of %d", ErrInvalidBlockLayout, n, MaxBlocks)
	}

	return &BlobTransfer{
		base:      newBase(direction, source, destination, size),
		blockSize: blockSize,
		blocks:    splitBlocks(size, blockSize),
	}, nil
}

func splitBlocks(size, blockSize int64) []Block {
	blocks := make([]Block, 0, blockCount(size, blockSize))

	for offset := int64(0); offset < size; offset += blockSize {
		length := min(blockSize, size-offset)
		blocks = append(blocks, Block{
			Index:  len(blocks),
			Offset: offset,
			Length: length,
			State:  BlockPending,
		})
	}

	return blocks
}

func (t *BlobTransfer) Kind() Kind { return KindBlob }

// BlockSize returns the nominal block length.
func (t *BlobTransfer) BlockSize() int64 { return t.blockSize }

// Blocks returns a copy of the block list.
func (t *BlobTransfer) Blocks() []Block {
	if len(t.blocks) == 0 {
		return nil
	}

	out := make([]Block, len(t.blocks))
	copy(out, t.blocks)

	return out
}

// Block returns the block at index i.
func (t *BlobTransfer) Block(i int) Block {
	return t.blocks[i]
}

// SetBlockState updates the state of block i.
func (t *BlobTransfer) SetBlockState(i int, s BlockState) {
	t.blocks[i].State = s
}

// PendingBlocks returns the blocks that still need to run, in order.
func (t *BlobTransfer) PendingBlocks() []Block {
	var out []Block

	for _, b := range t.blocks {
		if b.State != BlockComplete {
			out = append(out, b)
		}
	}

	return out
}

// ResetIncompleteBlocks returns every running or failed block to pending so
// that a resumed execution retries them.
func (t *BlobTransfer) ResetIncompleteBlocks() {
	for i := range t.blocks {
		if t.blocks[i].State != BlockComplete {
			t.blocks[i].State = BlockPending
		}
	}
}

// AllBlocksComplete reports whether every block has been acknowledged.
func (t *BlobTransfer) AllBlocksComplete() bool {
	for _, b := range t.blocks {
		if b.State != BlockComplete {
			return false
		}
	}

	return true
}

func (t *BlobTransfer) transferred() int64 {
	var n int64

	for _, b := range t.blocks {
		if b.State == BlockComplete {
			n += b.Length
		}
	}

	return n
}

// Progress is present once any block completed or the transfer is running.
func (t *BlobTransfer) Progress() *Progress {
	n := t.transferred()
	if n == 0 && t.state != StateInProgress && t.state != StateComplete {
		return nil
	}

	return &Progress{BytesTransferred: n, TotalBytes: t.size}
}

func (t *BlobTransfer) Clone() Transfer {
	c := *t
	c.blocks = t.Blocks()

	return &c
}

func (t *BlobTransfer) ToRecord() Record {
	r := Record{
		Kind:             KindBlob,
		BytesTransferred: t.transferred(),
		BlockSize:        t.blockSize,
		Blocks:           t.Blocks(),
	}
	t.fillRecord(&r)

	return r
}
