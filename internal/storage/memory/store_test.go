package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/blobtransfer/internal/storage"
	"github.com/italolelis/blobtransfer/internal/storage/storetest"
)

func TestConformance(t *testing.T) {
	storetest.RunConformanceSuite(t, func(t *testing.T) storage.Store {
		return New()
	})
}

func TestLoad_SkipsCorruptPayloads(t *testing.T) {
	s := New()
	ctx := context.Background()

	good := storetest.NewRecord(t, 1)
	require.NoError(t, s.Save(ctx, good))
	s.Put("broken", []byte("{"))

	records, err := s.Load(ctx)
	storetest.AssertCorrupt(t, err, "broken")
	assert.Len(t, records, 1)
}

func TestFailWrites_IsolatedPerRecord(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("disk full")

	a := storetest.NewRecord(t, 1)
	b := storetest.NewRecord(t, 2)
	s.FailWrites(a.ID, boom)

	err := s.Save(ctx, a)
	require.ErrorIs(t, err, boom)

	var pe *storage.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, a.ID, pe.ID)

	require.NoError(t, s.Save(ctx, b))

	s.FailWrites(a.ID, nil)
	require.NoError(t, s.Save(ctx, a))

	records, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
