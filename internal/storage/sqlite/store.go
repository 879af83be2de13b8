package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/blobtransfer/internal/storage"
	"github.com/italolelis/blobtransfer/internal/transfer"
)

// Store keeps transfer records in a SQLite table, one row per id.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a store backed by an opened database (see InitDB).
func NewStore(dbConn *sql.DB) *Store {
	return &Store{db: dbConn}
}

// Open initializes the database at path and returns a store for it.
func Open(path string) (*Store, error) {
	db, err := InitDB(path)
	if err != nil {
		return nil, storage.Wrap("open", "", err)
	}

	return NewStore(db), nil
}

func (s *Store) Load(ctx context.Context) ([]transfer.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, seq, payload FROM transfers ORDER BY seq, id`)
	if err != nil {
		return nil, storage.Wrap("load", "", err)
	}
	defer rows.Close()

	var (
		records []transfer.Record
		errs    []error
	)

	for rows.Next() {
		var (
			id      string
			seq     int64
			payload []byte
		)

		if err := rows.Scan(&id, &seq, &payload); err != nil {
			return nil, storage.Wrap("load", "", err)
		}

		r, err := transfer.UnmarshalRecord(payload)
		if err != nil {
			errs = append(errs, storage.Wrap("load", id, fmt.Errorf("%w: %w", storage.ErrCorruptRecord, err)))

			continue
		}

		r.Seq = seq
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("load", "", err)
	}

	return records, errors.Join(errs...)
}

func (s *Store) Save(ctx context.Context, r transfer.Record) error {
	payload, err := r.Marshal()
	if err != nil {
		return storage.Wrap("save", r.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transfers (id, seq, state, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, r.ID, r.Seq, string(r.State), payload, time.Now().UTC().Format(time.RFC3339Nano))

	return storage.Wrap("save", r.ID, err)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM transfers WHERE id = ?`, id)

	return storage.Wrap("delete", id, err)
}

func (s *Store) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM transfers`)

	return storage.Wrap("delete_all", "", err)
}

func (s *Store) Close() error {
	return s.db.Close()
}
