package boltdb

import (
	"path/filepath"
	"testing"

	"github.com/0xPolygon/covtrace/aggregator/storage"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func newStorage(t *testing.T) (storage.Storage, func()) {
	t.Helper()

	s, err := NewBoltDBStorage(filepath.Join(t.TempDir(), "records.db"), hclog.NewNullLogger())
	if err != nil {
		t.Fatal(err)
	}

	closeFn := func() {
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}
	}

	return s, closeFn
}

func TestStorage(t *testing.T) {
	storage.TestStorage(t, newStorage)
}

func TestStorage_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")

	s, err := NewBoltDBStorage(path, hclog.NewNullLogger())
	require.NoError(t, err)
	require.NoError(t, s.WriteCall(&storage.Call{ID: "a", Seq: 1}))
	require.NoError(t, s.WriteSequence(1))
	require.NoError(t, s.Close())

	s, err = NewBoltDBStorage(path, hclog.NewNullLogger())
	require.NoError(t, err)

	defer s.Close()

	calls, err := s.ReadCalls()
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, "a", calls[0].ID)

	n, err := s.ReadSequence()
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
}
