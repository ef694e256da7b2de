package aggregator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/0xPolygon/covtrace/aggregator/storage"
	"github.com/0xPolygon/covtrace/aggregator/storage/boltdb"
	"github.com/0xPolygon/covtrace/aggregator/storage/leveldb"
	"github.com/0xPolygon/covtrace/aggregator/storage/memory"
	"github.com/hashicorp/go-hclog"
)

// Supported storage backends
const (
	StoreBolt    = "bolt"
	StoreLevelDB = "leveldb"
	StoreMemory  = "memory"
)

// OpenStorage opens the storage of the given kind under dataDir, creating the directory if needed
func OpenStorage(logger hclog.Logger, kind, dataDir string) (storage.Storage, error) {
	if kind == StoreMemory {
		return memory.NewMemoryStorage(logger)
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	switch kind {
	case StoreBolt, "":
		return boltdb.NewBoltDBStorage(filepath.Join(dataDir, "records.db"), logger)
	case StoreLevelDB:
		return leveldb.NewLevelDBStorage(filepath.Join(dataDir, "records"), logger)
	default:
		return nil, fmt.Errorf("unknown store %q, expected %s, %s or %s", kind, StoreBolt, StoreLevelDB, StoreMemory)
	}
}
