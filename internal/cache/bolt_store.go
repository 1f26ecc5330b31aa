package cache

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// AutosaveBucket is the bbolt bucket holding autosave entries.
var AutosaveBucket = []byte("Autosave")

// BoltStore keeps autosave entries in a local bbolt file, the durable
// device-local option. Keys never expire; stale entries are rejected on load.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates the autosave bucket if needed and returns a BoltStore.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(AutosaveBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create autosave bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(_ context.Context, key string) (string, bool, error) {
	var (
		val string
		ok  bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(AutosaveBucket)
		if b == nil {
			return fmt.Errorf("bucket %s not found", AutosaveBucket)
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		// v is only valid for the life of the transaction.
		val = string(v)
		ok = true
		return nil
	})
	return val, ok, err
}

func (s *BoltStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(AutosaveBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), []byte(value))
	})
}

func (s *BoltStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(AutosaveBucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Each calls fn for every stored entry. fn must not modify the store.
func (s *BoltStore) Each(_ context.Context, fn func(key, value string) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(AutosaveBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), string(v))
		})
	})
}
