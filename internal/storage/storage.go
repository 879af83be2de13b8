// Package storage defines the durable record store behind the transfer queue.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/blobtransfer/internal/transfer"
)

// Store persists one record per transfer id. Every mutation is durable before
// the call returns.
type Store interface {
	// Load returns every stored record in insertion order. Records that
	// cannot be decoded are skipped and reported through a joined error
	// wrapping ErrCorruptRecord, next to the records that did load.
	Load(ctx context.Context) ([]transfer.Record, error)
	// Save upserts r by id. The seq of an existing record is preserved.
	Save(ctx context.Context, r transfer.Record) error
	// Delete removes the record for id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
	Close() error
}

// ErrCorruptRecord is reported by Load for records that cannot be decoded.
// Stores skip such records and keep loading the rest.
var ErrCorruptRecord = errors.New("corrupt transfer record")

// PersistenceError is a store read or write failure for one operation.
type PersistenceError struct {
	Op  string // load, save, delete, delete_all
	ID  string // empty for operations not scoped to a record
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("persistence error during %s of transfer %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Wrap returns err as a *PersistenceError unless it already is one.
func Wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}

	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}

	return &PersistenceError{Op: op, ID: id, Err: err}
}
