package storage

import (
	"testing"

	"github.com/0xPolygon/covtrace/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type PlaceholderStorage func(t *testing.T) (Storage, func())

var (
	addr1 = types.StringToAddress("1")
	addr2 = types.StringToAddress("2")

	hash1 = types.StringToHash("1")
	hash2 = types.StringToHash("2")
)

// TestStorage tests a set of tests on a storage
func TestStorage(t *testing.T, m PlaceholderStorage) {
	t.Helper()

	t.Run("testCalls", func(t *testing.T) {
		testCalls(t, m)
	})
	t.Run("testCallOrder", func(t *testing.T) {
		testCallOrder(t, m)
	})
	t.Run("testCode", func(t *testing.T) {
		testCode(t, m)
	})
	t.Run("testSequence", func(t *testing.T) {
		testSequence(t, m)
	})
}

func testCalls(t *testing.T, m PlaceholderStorage) {
	t.Helper()

	s, closeFn := m(t)
	defer closeFn()

	_, ok, err := s.ReadCall("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	call := &Call{
		ID:  "a",
		Seq: 1,
		Records: []*Record{
			{
				Kind:      "existingContract",
				Address:   &addr1,
				CodeHash:  hash1,
				Steps:     []ProgramStep{{Pc: 0, Op: "PUSH1"}, {Pc: 2, Op: "CALL"}, {Pc: 3, Op: "STOP"}},
				Positions: []int{0, 1, 3},
			},
			{
				Kind:           "newContract",
				CreatedAddress: &addr2,
				Frame:          1,
				Parent:         0,
				Depth:          1,
				Steps:          []ProgramStep{{Pc: 0, Op: "STOP"}},
				Positions:      []int{2},
			},
		},
	}
	require.NoError(t, s.WriteCall(call))

	found, ok, err := s.ReadCall("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, call, found)

	// writing again replaces the records
	call.Records = call.Records[:1]
	require.NoError(t, s.WriteCall(call))

	found, ok, err = s.ReadCall("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, found.Records, 1)
}

func testCallOrder(t *testing.T, m PlaceholderStorage) {
	t.Helper()

	s, closeFn := m(t)
	defer closeFn()

	calls, err := s.ReadCalls()
	require.NoError(t, err)
	assert.Empty(t, calls)

	// ids sort differently than their sequence
	for seq, id := range []string{"zz", "aa", "mm"} {
		require.NoError(t, s.WriteCall(&Call{ID: id, Seq: uint64(seq + 1)}))
	}

	// other prefixes are not listed
	require.NoError(t, s.WriteCode(hash1, []byte{0x1}))
	require.NoError(t, s.WriteSequence(3))

	calls, err = s.ReadCalls()
	require.NoError(t, err)
	require.Len(t, calls, 3)

	ids := make([]string, 0, len(calls))
	for _, c := range calls {
		ids = append(ids, c.ID)
	}

	assert.Equal(t, []string{"zz", "aa", "mm"}, ids)
}

func testCode(t *testing.T, m PlaceholderStorage) {
	t.Helper()

	s, closeFn := m(t)
	defer closeFn()

	_, ok, err := s.ReadCode(hash1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.WriteCode(hash1, []byte{0x60, 0x80}))
	require.NoError(t, s.WriteCode(hash2, []byte{0x60, 0x01}))

	code, ok, err := s.ReadCode(hash1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0x60, 0x80}, code)

	code, ok, err = s.ReadCode(hash2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0x60, 0x01}, code)
}

func testSequence(t *testing.T, m PlaceholderStorage) {
	t.Helper()

	s, closeFn := m(t)
	defer closeFn()

	n, err := s.ReadSequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)

	for _, seq := range []uint64{1, 255, 1 << 40} {
		require.NoError(t, s.WriteSequence(seq))

		n, err := s.ReadSequence()
		require.NoError(t, err)
		assert.Equal(t, seq, n)
	}
}
