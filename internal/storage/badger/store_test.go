package badger

import (
	"context"
	"testing"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/blobtransfer/internal/storage"
	"github.com/italolelis/blobtransfer/internal/storage/storetest"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()

	s, err := Open(dir)
	require.NoError(t, err)

	return s
}

func TestConformance(t *testing.T) {
	storetest.RunConformanceSuite(t, func(t *testing.T) storage.Store {
		s := openTestStore(t, t.TempDir())
		t.Cleanup(func() { s.Close() })

		return s
	})
}

func TestDurability(t *testing.T) {
	storetest.RunDurabilitySuite(t, func(t *testing.T, dir string) storage.Store {
		return openTestStore(t, dir)
	})
}

func TestLoad_SkipsCorruptValues(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	ctx := context.Background()
	good := storetest.NewRecord(t, 1)
	require.NoError(t, s.Save(ctx, good))

	require.NoError(t, s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(keyTransfer("broken"), []byte("not json"))
	}))

	records, err := s.Load(ctx)
	storetest.AssertCorrupt(t, err, "broken")
	require.Len(t, records, 1)
	assert.Equal(t, good, records[0])
}

func TestSave_PreservesSeqOnUpdate(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	ctx := context.Background()
	r := storetest.NewRecord(t, 3)
	require.NoError(t, s.Save(ctx, r))

	r.Seq = 99
	require.NoError(t, s.Save(ctx, r))

	records, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(3), records[0].Seq)
}

func TestSave_CancelledContext(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Save(ctx, storetest.NewRecord(t, 1))

	var pe *storage.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, context.Canceled)
}
