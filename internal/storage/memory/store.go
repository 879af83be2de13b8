// Package memory is a non-durable storage.Store for tests and embedding
// applications that opt out of persistence.
package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/italolelis/blobtransfer/internal/storage"
	"github.com/italolelis/blobtransfer/internal/transfer"
)

// Store keeps encoded records in a map so that callers never share memory
// with it.
type Store struct {
	mu      sync.Mutex
	records map[string][]byte
	failing map[string]error
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		records: make(map[string][]byte),
		failing: make(map[string]error),
	}
}

// FailWrites makes every Save and Delete of id return err until it is called
// again with a nil err.
func (s *Store) FailWrites(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.failing, id)

		return
	}

	s.failing[id] = err
}

// Put stores raw bytes under id, bypassing validation.
func (s *Store) Put(id string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[id] = slices.Clone(payload)
}

func (s *Store) Load(_ context.Context) ([]transfer.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		records []transfer.Record
		errs    []error
	)

	for id, payload := range s.records {
		r, err := transfer.UnmarshalRecord(payload)
		if err != nil {
			errs = append(errs, storage.Wrap("load", id, fmt.Errorf("%w: %w", storage.ErrCorruptRecord, err)))

			continue
		}

		records = append(records, r)
	}

	slices.SortFunc(records, func(a, b transfer.Record) int {
		if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return records, errors.Join(errs...)
}

func (s *Store) Save(_ context.Context, r transfer.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failing[r.ID]; err != nil {
		return storage.Wrap("save", r.ID, err)
	}

	if existing, ok := s.records[r.ID]; ok {
		if prev, err := transfer.UnmarshalRecord(existing); err == nil {
			r.Seq = prev.Seq
		}
	}

	payload, err := r.Marshal()
	if err != nil {
		return storage.Wrap("save", r.ID, err)
	}

	s.records[r.ID] = payload

	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failing[id]; err != nil {
		return storage.Wrap("delete", id, err)
	}

	delete(s.records, id)

	return nil
}

func (s *Store) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.records)

	return nil
}

func (s *Store) Close() error {
	return nil
}
