// Package storage provides the key/value abstraction the journal and
// dataset persist through, generalised from the teacher's single-bucket
// types.Storage (Set/Get) interface into a keyed get/put/scan/delete
// shape that a durable journal and TID index both need.
package storage

import "errors"

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("storage: key not found")

// Storage is the KV contract the journal, dataset and engine persist
// through. All methods operate within the caller-supplied Batch when
// called through one, otherwise directly against the backing store.
type Storage interface {
	// Get fetches the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Put stores value under key.
	Put(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// ScanPrefix calls fn for every key with the given prefix, in
	// lexical order, until fn returns false or all matches are visited.
	ScanPrefix(prefix string, fn func(key string, value []byte) bool) error

	// Batch runs fn with a Storage that commits atomically when fn
	// returns nil, and discards all writes if fn returns an error.
	Batch(fn func(Storage) error) error

	// Close releases the underlying resources.
	Close() error
}
