package storage

import (
	"context"

	"github.com/italolelis/blobtransfer/internal/telemetry"
	"github.com/italolelis/blobtransfer/internal/transfer"
)

// InstrumentedStore wraps a Store with telemetry.
type InstrumentedStore struct {
	store     Store
	telemetry *telemetry.Telemetry
}

// NewInstrumentedStore creates a new instrumented store.
func NewInstrumentedStore(store Store, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{
		store:     store,
		telemetry: tel,
	}
}

// Load loads all records with telemetry.
func (s *InstrumentedStore) Load(ctx context.Context) ([]transfer.Record, error) {
	var result []transfer.Record

	err := s.telemetry.InstrumentDBOperation(ctx, "load", func(ctx context.Context) error {
		var err error

		result, err = s.store.Load(ctx)

		return err
	})

	return result, err
}

// Save saves a record with telemetry.
func (s *InstrumentedStore) Save(ctx context.Context, r transfer.Record) error {
	return s.telemetry.InstrumentDBOperation(ctx, "save", func(ctx context.Context) error {
		return s.store.Save(ctx, r)
	})
}

// Delete deletes a record with telemetry.
func (s *InstrumentedStore) Delete(ctx context.Context, id string) error {
	return s.telemetry.InstrumentDBOperation(ctx, "delete", func(ctx context.Context) error {
		return s.store.Delete(ctx, id)
	})
}

// DeleteAll deletes every record with telemetry.
func (s *InstrumentedStore) DeleteAll(ctx context.Context) error {
	return s.telemetry.InstrumentDBOperation(ctx, "delete_all", func(ctx context.Context) error {
		return s.store.DeleteAll(ctx)
	})
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}
