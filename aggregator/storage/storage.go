package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/0xPolygon/covtrace/types"
	"github.com/hashicorp/go-hclog"
	jsoniter "github.com/json-iterator/go"
)

// prefix

var (
	// CALL is the prefix for the records of a call
	CALL = []byte("c")

	// CODE is the prefix for code, keyed by its keccak256 hash
	CODE = []byte("k")

	// META is the prefix for storage metadata
	META = []byte("m")
)

// sub-prefix

var (
	SEQUENCE = []byte("sequence")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ProgramStep is the part of an execution step kept for coverage
type ProgramStep struct {
	Pc uint64 `json:"pc"`
	Op string `json:"op"`
}

// Record is a persisted trace record. Its code is stored once under CodeHash.
type Record struct {
	Kind           string         `json:"kind"`
	Address        *types.Address `json:"address,omitempty"`
	CodeHash       types.Hash     `json:"codeHash"`
	CreatedAddress *types.Address `json:"createdAddress,omitempty"`

	Frame     int           `json:"frame"`
	Parent    int           `json:"parent"`
	Depth     int           `json:"depth"`
	Steps     []ProgramStep `json:"steps"`
	Positions []int         `json:"positions"`
}

// Call holds every record of one traced call, in the order they were appended
type Call struct {
	ID      string    `json:"id"`
	Seq     uint64    `json:"seq"`
	Records []*Record `json:"records"`
}

// Storage persists the records of traced calls
type Storage interface {
	ReadCall(id string) (*Call, bool, error)
	WriteCall(call *Call) error

	// ReadCalls returns every call in the order it was first written
	ReadCalls() ([]*Call, error)

	ReadCode(hash types.Hash) ([]byte, bool, error)
	WriteCode(hash types.Hash, code []byte) error

	ReadSequence() (uint64, error)
	WriteSequence(n uint64) error

	Close() error
}

// KV is a key value storage interface
type KV interface {
	Close() error
	Set(p []byte, v []byte) error
	Get(p []byte) ([]byte, bool, error)

	// Iterate calls fn for every key starting with prefix, in key order
	Iterate(prefix []byte, fn func(k, v []byte) error) error
}

// KeyValueStorage is a generic storage for kv databases
type KeyValueStorage struct {
	logger hclog.Logger
	db     KV
}

func NewKeyValueStorage(logger hclog.Logger, db KV) Storage {
	return &KeyValueStorage{logger: logger, db: db}
}

func (s *KeyValueStorage) encodeUint(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b[:], n)

	return b[:]
}

func (s *KeyValueStorage) decodeUint(b []byte) uint64 {
	return binary.BigEndian.Uint64(b[:])
}

// -- calls --

// ReadCall reads the records of a call
func (s *KeyValueStorage) ReadCall(id string) (*Call, bool, error) {
	call := &Call{}

	ok, err := s.readJSON(CALL, []byte(id), call)
	if err != nil || !ok {
		return nil, false, err
	}

	return call, true, nil
}

// WriteCall replaces the records of a call
func (s *KeyValueStorage) WriteCall(call *Call) error {
	s.logger.Trace("write call", "id", call.ID, "seq", call.Seq, "records", len(call.Records))

	return s.writeJSON(CALL, []byte(call.ID), call)
}

// ReadCalls reads every call, ordered by sequence number
func (s *KeyValueStorage) ReadCalls() ([]*Call, error) {
	var calls []*Call

	err := s.db.Iterate(CALL, func(k, v []byte) error {
		call := &Call{}
		if err := json.Unmarshal(v, call); err != nil {
			return fmt.Errorf("invalid call %s: %w", k[len(CALL):], err)
		}

		calls = append(calls, call)

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(calls, func(i, j int) bool {
		return calls[i].Seq < calls[j].Seq
	})

	return calls, nil
}

// -- code --

// ReadCode reads the code stored under hash
func (s *KeyValueStorage) ReadCode(hash types.Hash) ([]byte, bool, error) {
	return s.get(CODE, hash.Bytes())
}

// WriteCode writes code under its hash
func (s *KeyValueStorage) WriteCode(hash types.Hash, code []byte) error {
	return s.set(CODE, hash.Bytes(), code)
}

// -- sequence --

// ReadSequence reads the last call sequence number, zero when no call was written
func (s *KeyValueStorage) ReadSequence() (uint64, error) {
	data, ok, err := s.get(META, SEQUENCE)
	if err != nil || !ok {
		return 0, err
	}

	if len(data) != 8 {
		return 0, fmt.Errorf("invalid sequence of %d bytes", len(data))
	}

	return s.decodeUint(data), nil
}

// WriteSequence writes the last call sequence number
func (s *KeyValueStorage) WriteSequence(n uint64) error {
	return s.set(META, SEQUENCE, s.encodeUint(n))
}

func (s *KeyValueStorage) writeJSON(p, k []byte, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	return s.set(p, k, data)
}

func (s *KeyValueStorage) readJSON(p, k []byte, obj interface{}) (bool, error) {
	data, ok, err := s.get(p, k)
	if err != nil || !ok {
		return false, err
	}

	if err := json.Unmarshal(data, obj); err != nil {
		return false, err
	}

	return true, nil
}

func (s *KeyValueStorage) set(p []byte, k []byte, v []byte) error {
	return s.db.Set(s.key(p, k), v)
}

func (s *KeyValueStorage) get(p []byte, k []byte) ([]byte, bool, error) {
	return s.db.Get(s.key(p, k))
}

func (s *KeyValueStorage) key(p, k []byte) []byte {
	return bytes.Join([][]byte{p, k}, nil)
}

// Close closes the connection with the db
func (s *KeyValueStorage) Close() error {
	return s.db.Close()
}
