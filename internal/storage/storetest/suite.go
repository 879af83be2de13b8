// Package storetest is a conformance suite shared by every storage.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/blobtransfer/internal/storage"
	"github.com/italolelis/blobtransfer/internal/transfer"
)

// StoreFactory creates a fresh Store for each test. Use t.TempDir for
// filesystem paths and t.Cleanup for teardown.
type StoreFactory func(t *testing.T) storage.Store

// ReopenFactory creates a store rooted at dir. Calling it twice with the same
// dir must yield stores that share data.
type ReopenFactory func(t *testing.T, dir string) storage.Store

// RunConformanceSuite runs the store contract tests against factory.
func RunConformanceSuite(t *testing.T, factory StoreFactory) {
	t.Helper()

	t.Run("EmptyLoad", func(t *testing.T) {
		s := factory(t)

		records, err := s.Load(context.Background())
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("SaveAndLoadRoundTrip", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		want := []transfer.Record{
			newBlobRecord(t, 1),
			newSingleRecord(t, 2),
		}

		for _, r := range want {
			require.NoError(t, s.Save(ctx, r))
		}

		got, err := s.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("SaveIsUpsert", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		r := newSingleRecord(t, 1)
		require.NoError(t, s.Save(ctx, r))
		require.NoError(t, s.Save(ctx, r))

		r.State = transfer.StatePaused
		r.PauseCause = transfer.PauseUserRequested
		require.NoError(t, s.Save(ctx, r))

		got, err := s.Load(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, r, got[0])
	})

	t.Run("LoadKeepsInsertionOrder", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		var ids []string

		for seq := int64(1); seq <= 5; seq++ {
			r := newSingleRecord(t, seq)
			ids = append(ids, r.ID)
			require.NoError(t, s.Save(ctx, r))
		}

		// Updating an early record must not move it.
		first, err := s.Load(ctx)
		require.NoError(t, err)
		first[0].State = transfer.StateCancelled
		require.NoError(t, s.Save(ctx, first[0]))

		for range 2 {
			got, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, ids, recordIDs(got))
		}
	})

	t.Run("DeleteIsIsolated", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		a := newSingleRecord(t, 1)
		b := newSingleRecord(t, 2)
		require.NoError(t, s.Save(ctx, a))
		require.NoError(t, s.Save(ctx, b))

		require.NoError(t, s.Delete(ctx, a.ID))
		require.NoError(t, s.Delete(ctx, a.ID), "deleting a missing id succeeds")
		require.NoError(t, s.Delete(ctx, "does-not-exist"))

		got, err := s.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{b.ID}, recordIDs(got))
	})

	t.Run("DeleteAll", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		for seq := int64(1); seq <= 3; seq++ {
			require.NoError(t, s.Save(ctx, newSingleRecord(t, seq)))
		}

		require.NoError(t, s.DeleteAll(ctx))

		got, err := s.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

// RunDurabilitySuite checks that records survive closing and reopening.
func RunDurabilitySuite(t *testing.T, factory ReopenFactory) {
	t.Helper()

	t.Run("SurvivesReopen", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		s := factory(t, dir)
		want := []transfer.Record{newBlobRecord(t, 1), newSingleRecord(t, 2)}

		for _, r := range want {
			require.NoError(t, s.Save(ctx, r))
		}

		require.NoError(t, s.Close())

		reopened := factory(t, dir)
		defer reopened.Close()

		got, err := reopened.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

// AssertCorrupt checks that err reports exactly the corrupt record id.
func AssertCorrupt(t *testing.T, err error, id string) {
	t.Helper()

	require.ErrorIs(t, err, storage.ErrCorruptRecord)

	var pe *storage.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, id, pe.ID)
	assert.Equal(t, "load", pe.Op)
}

func newSingleRecord(t *testing.T, seq int64) transfer.Record {
	t.Helper()

	tr := transfer.NewSingleTransfer(transfer.DirectionDownload, "bucket/object", "/tmp/object", 1024)
	tr.SetSeq(seq)
	require.NoError(t, tr.Transition(transfer.StateInProgress))
	tr.ReportProgress(100)

	return tr.ToRecord()
}

func newBlobRecord(t *testing.T, seq int64) transfer.Record {
	t.Helper()

	tr, err := transfer.NewBlobTransfer(transfer.DirectionUpload, "/tmp/blob", "bucket/blob", 10, 4)
	require.NoError(t, err)
	tr.SetSeq(seq)
	require.NoError(t, tr.Transition(transfer.StateInProgress))
	tr.SetBlockState(0, transfer.BlockComplete)
	require.NoError(t, tr.Pause(transfer.PauseConnectivityLoss))

	return tr.ToRecord()
}

// NewRecord returns a valid single-transfer record with the given seq.
func NewRecord(t *testing.T, seq int64) transfer.Record {
	t.Helper()

	return newSingleRecord(t, seq)
}

func recordIDs(records []transfer.Record) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}

	return ids
}
