package types

import (
	"fmt"
	"strings"

	"github.com/0xPolygon/covtrace/helper/hex"
)

const (
	HashLength    = 32
	AddressLength = 20
)

var (
	ZeroAddress = Address{}
	ZeroHash    = Hash{}
)

type Hash [HashLength]byte

type Address [AddressLength]byte

func min(i, j int) int {
	if i < j {
		return i
	}

	return j
}

// BytesToHash keeps the rightmost HashLength bytes of b
func BytesToHash(b []byte) Hash {
	var h Hash

	size := min(len(b), HashLength)
	copy(h[HashLength-size:], b[len(b)-size:])

	return h
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) String() string {
	return hex.EncodeToHex(h[:])
}

// BytesToAddress keeps the rightmost AddressLength bytes of b,
// so a 32 byte stack word maps to the address it carries
func BytesToAddress(b []byte) Address {
	var a Address

	size := min(len(b), AddressLength)
	copy(a[AddressLength-size:], b[len(b)-size:])

	return a
}

func (a Address) String() string {
	return hex.EncodeToHex(a[:])
}

func (a Address) Bytes() []byte {
	return a[:]
}

func StringToHash(str string) Hash {
	return BytesToHash(stringToBytes(str))
}

func StringToAddress(str string) Address {
	return BytesToAddress(stringToBytes(str))
}

func stringToBytes(str string) []byte {
	b, _ := hex.DecodeHex(strings.TrimSpace(str))

	return b
}

// UnmarshalText parses a hash in hex syntax.
func (h *Hash) UnmarshalText(input []byte) error {
	buf, err := hex.DecodeHex(string(input))
	if err != nil {
		return fmt.Errorf("invalid hash %q: %w", input, err)
	}

	if len(buf) != HashLength {
		return fmt.Errorf("invalid hash %q: incorrect length", input)
	}

	*h = BytesToHash(buf)

	return nil
}

// UnmarshalText parses an address in hex syntax.
func (a *Address) UnmarshalText(input []byte) error {
	buf, err := hex.DecodeHex(string(input))
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", input, err)
	}

	if len(buf) != AddressLength {
		return fmt.Errorf("invalid address %q: incorrect length", input)
	}

	*a = BytesToAddress(buf)

	return nil
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

type HexBytes []byte

func (h HexBytes) String() string {
	return hex.EncodeToHex(h)
}

func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *HexBytes) UnmarshalText(input []byte) error {
	buf, err := hex.DecodeHex(string(input))
	if err != nil {
		return fmt.Errorf("invalid hex bytes: %w", err)
	}

	*h = buf

	return nil
}

// Uint64 marshals/unmarshals as a JSON string with 0x prefix.
// The zero value marshals as "0x0".
type Uint64 uint64

func (u Uint64) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeUint64(uint64(u))), nil
}

func (u *Uint64) UnmarshalText(input []byte) error {
	num, err := hex.DecodeUint64(string(input))
	if err != nil {
		return fmt.Errorf("invalid quantity %q: %w", input, err)
	}

	*u = Uint64(num)

	return nil
}
