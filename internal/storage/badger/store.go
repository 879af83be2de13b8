// Package badger stores transfer records in an embedded Badger database.
package badger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/italolelis/blobtransfer/internal/storage"
	"github.com/italolelis/blobtransfer/internal/transfer"
)

// Key layout:
//
//	t:<id>  ->  JSON encoded transfer.Record
const prefixTransfer = "t:"

// maxConflictRetries bounds how often a write is retried after a transaction
// conflict with a concurrent writer of the same key.
const maxConflictRetries = 5

// Store keeps one key per transfer id.
type Store struct {
	db *badgerdb.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database in dir. Writes are synced before they
// return.
func Open(dir string) (*Store, error) {
	opts := badgerdb.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(nil)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, storage.Wrap("open", "", fmt.Errorf("failed to open badger database: %w", err))
	}

	return &Store{db: db}, nil
}

func keyTransfer(id string) []byte {
	return []byte(prefixTransfer + id)
}

func (s *Store) Load(ctx context.Context) ([]transfer.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Wrap("load", "", err)
	}

	var (
		records []transfer.Record
		errs    []error
	)

	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixTransfer)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			id := strings.TrimPrefix(string(item.Key()), prefixTransfer)

			var r transfer.Record

			err := item.Value(func(val []byte) error {
				var err error

				r, err = transfer.UnmarshalRecord(val)

				return err
			})
			if err != nil {
				errs = append(errs, storage.Wrap("load", id, fmt.Errorf("%w: %w", storage.ErrCorruptRecord, err)))

				continue
			}

			records = append(records, r)
		}

		return nil
	})
	if err != nil {
		return nil, storage.Wrap("load", "", err)
	}

	slices.SortStableFunc(records, func(a, b transfer.Record) int {
		if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return records, errors.Join(errs...)
}

func (s *Store) Save(ctx context.Context, r transfer.Record) error {
	return s.update(ctx, "save", r.ID, func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyTransfer(r.ID))
		if err == nil {
			// Keep the original enqueue position.
			_ = item.Value(func(val []byte) error {
				if existing, err := transfer.UnmarshalRecord(val); err == nil {
					r.Seq = existing.Seq
				}

				return nil
			})
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}

		payload, err := r.Marshal()
		if err != nil {
			return err
		}

		return txn.Set(keyTransfer(r.ID), payload)
	})
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.update(ctx, "delete", id, func(txn *badgerdb.Txn) error {
		return txn.Delete(keyTransfer(id))
	})
}

func (s *Store) DeleteAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storage.Wrap("delete_all", "", err)
	}

	return storage.Wrap("delete_all", "", s.db.DropPrefix([]byte(prefixTransfer)))
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) update(ctx context.Context, op, id string, fn func(txn *badgerdb.Txn) error) error {
	var err error

	for range maxConflictRetries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return storage.Wrap(op, id, ctxErr)
		}

		err = s.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			break
		}
	}

	return storage.Wrap(op, id, err)
}
