package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddress_FromStackWord(t *testing.T) {
	t.Parallel()

	cases := []struct {
		word     string
		expected string
	}{
		{
			"0x000000000000000000000000c0ffee254729296a45a3885639ac7e10f9d54979",
			"0xc0ffee254729296a45a3885639ac7e10f9d54979",
		},
		{
			"000000000000000000000000000000000000000000000000000000000000beef",
			"0x000000000000000000000000000000000000beef",
		},
		{
			"0x4",
			"0x0000000000000000000000000000000000000004",
		},
	}

	for _, c := range cases {
		assert.Equal(t, c.expected, StringToAddress(c.word).String())
	}
}

func TestAddress_UnmarshalText(t *testing.T) {
	t.Parallel()

	var addr Address

	require.NoError(t, addr.UnmarshalText([]byte("0xc0ffee254729296a45a3885639ac7e10f9d54979")))
	assert.Equal(t, "0xc0ffee254729296a45a3885639ac7e10f9d54979", addr.String())

	assert.Error(t, addr.UnmarshalText([]byte("0x1234")))
	assert.Error(t, addr.UnmarshalText([]byte("0xzz")))
}

func TestHexTypes_JSON(t *testing.T) {
	t.Parallel()

	type obj struct {
		Hash   Hash     `json:"hash"`
		Data   HexBytes `json:"data"`
		Number Uint64   `json:"number"`
	}

	input := `{"hash":"0x0000000000000000000000000000000000000000000000000000000000000001","data":"0x6001","number":"0x1f"}`

	var o obj
	require.NoError(t, json.Unmarshal([]byte(input), &o))

	assert.Equal(t, BytesToHash([]byte{1}), o.Hash)
	assert.Equal(t, HexBytes{0x60, 0x01}, o.Data)
	assert.Equal(t, Uint64(31), o.Number)

	out, err := json.Marshal(o)
	require.NoError(t, err)
	assert.JSONEq(t, input, string(out))
}
