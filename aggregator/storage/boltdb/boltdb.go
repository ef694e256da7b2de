package boltdb

import (
	"bytes"
	"fmt"
	"time"

	"github.com/0xPolygon/covtrace/aggregator/storage"
	"github.com/hashicorp/go-hclog"
	bolt "go.etcd.io/bbolt"
)

/*
Bolt DB schema:

records/
|--> "c" + callID -> *storage.Call (json marshalled)
|--> "k" + keccak256(code) -> code
|--> "m" + "sequence" -> uint64 (big endian)
*/

var recordsBucket = []byte("records")

// NewBoltDBStorage creates the new storage reference with boltdb
func NewBoltDBStorage(path string, logger hclog.Logger) (storage.Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(recordsBucket); err != nil {
			return fmt.Errorf("failed to create bucket=%s: %w", string(recordsBucket), err)
		}

		return nil
	})
	if err != nil {
		db.Close()

		return nil, err
	}

	return storage.NewKeyValueStorage(logger.Named("boltdb"), &boltDBKV{db}), nil
}

// boltDBKV is the boltdb implementation of the kv storage
type boltDBKV struct {
	db *bolt.DB
}

func (b *boltDBKV) Set(p []byte, v []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put(p, v)
	})
}

func (b *boltDBKV) Get(p []byte) ([]byte, bool, error) {
	var data []byte

	err := b.db.View(func(tx *bolt.Tx) error {
		// v is only valid for the lifetime of the tx
		if v := tx.Bucket(recordsBucket).Get(p); v != nil {
			data = append([]byte{}, v...)
		}

		return nil
	})

	return data, data != nil, err
}

func (b *boltDBKV) Iterate(prefix []byte, fn func(k, v []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(append([]byte{}, k...), append([]byte{}, v...)); err != nil {
				return err
			}
		}

		return nil
	})
}

func (b *boltDBKV) Close() error {
	return b.db.Close()
}
