package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/0xPolygon/covtrace/aggregator/storage"
	"github.com/0xPolygon/covtrace/helper/hex"
	"github.com/hashicorp/go-hclog"
)

// NewMemoryStorage creates the new storage reference with inmemory
func NewMemoryStorage(logger hclog.Logger) (storage.Storage, error) {
	db := &memoryKV{db: map[string][]byte{}}

	return storage.NewKeyValueStorage(logger, db), nil
}

// memoryKV is an in memory implementation of the kv storage
type memoryKV struct {
	lock sync.RWMutex
	db   map[string][]byte
}

func (m *memoryKV) Set(p []byte, v []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.db[hex.EncodeToHex(p)] = append([]byte{}, v...)

	return nil
}

func (m *memoryKV) Get(p []byte) ([]byte, bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	v, ok := m.db[hex.EncodeToHex(p)]
	if !ok {
		return nil, false, nil
	}

	return v, true, nil
}

// Iterate visits keys in the order of their hex encoding, which matches byte order
func (m *memoryKV) Iterate(prefix []byte, fn func(k, v []byte) error) error {
	m.lock.RLock()

	hexPrefix := hex.EncodeToHex(prefix)
	keys := make([]string, 0)

	for k := range m.db {
		if strings.HasPrefix(k, hexPrefix) {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = m.db[k]
	}

	m.lock.RUnlock()

	for i, k := range keys {
		if err := fn(hex.MustDecodeHex(k), values[i]); err != nil {
			return err
		}
	}

	return nil
}

func (m *memoryKV) Close() error {
	return nil
}
