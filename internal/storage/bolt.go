package storage

import (
	"bytes"

	bolt "go.etcd.io/bbolt"
)

// rootBucket is the single namespace every key lives under, matching the
// single key/value namespace used for persisted state.
var rootBucket = []byte("meldcore")

// BoltStorage is the bbolt-backed Storage implementation: the embedded
// KV store standing in for the spec's LevelDB-compatible backend (out of
// scope as a concrete choice, in scope as the Storage interface it's
// wired behind).
type BoltStorage struct {
	db *bolt.DB
}

// OpenBolt opens (creating if necessary) a bbolt database at path.
func OpenBolt(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStorage{db: db}, nil
}

func (b *BoltStorage) Get(key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(rootBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

func (b *BoltStorage) Put(key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Put([]byte(key), value)
	})
}

func (b *BoltStorage) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Delete([]byte(key))
	})
}

func (b *BoltStorage) ScanPrefix(prefix string, fn func(key string, value []byte) bool) error {
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rootBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if !fn(string(k), append([]byte(nil), v...)) {
				break
			}
		}
		return nil
	})
}

func (b *BoltStorage) Batch(fn func(Storage) error) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTxStorage{bucket: tx.Bucket(rootBucket)})
	})
}

func (b *BoltStorage) Close() error {
	return b.db.Close()
}

// boltTxStorage implements Storage scoped to a single open transaction,
// handed to Batch callbacks so journal/dataset commits stay atomic.
type boltTxStorage struct {
	bucket *bolt.Bucket
}

func (t *boltTxStorage) Get(key string) ([]byte, error) {
	v := t.bucket.Get([]byte(key))
	if v == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *boltTxStorage) Put(key string, value []byte) error {
	return t.bucket.Put([]byte(key), value)
}

func (t *boltTxStorage) Delete(key string) error {
	return t.bucket.Delete([]byte(key))
}

func (t *boltTxStorage) ScanPrefix(prefix string, fn func(key string, value []byte) bool) error {
	c := t.bucket.Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		if !fn(string(k), append([]byte(nil), v...)) {
			break
		}
	}
	return nil
}

func (t *boltTxStorage) Batch(fn func(Storage) error) error {
	return fn(t)
}

func (t *boltTxStorage) Close() error {
	return nil
}
