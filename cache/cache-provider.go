package cache

import (
	"context"
	"errors"
	"time"
)

// ErrStoreNotFound is returned when operating on a store that has been deleted.
var ErrStoreNotFound = errors.New("store not found")

// Storage is a set of named stores, each holding stored responses.
// Stores are created on Open and live until deleted.
// Deleting a store removes all of its entries.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns a handle to the store with the given name,
	// creating the store if it does not exist yet.
	Open(ctx context.Context, name string) (Store, error)
	// Names returns the names of all existing stores, in creation order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the named store and all of its entries.
	// It reports whether a store was actually deleted.
	Delete(ctx context.Context, name string) (bool, error)
	// Close releases the underlying resources.
	Close() error
}

// Store is a handle to a single named store.
// Operations on a store that was deleted after opening return ErrStoreNotFound.
type Store interface {
	// Name returns the name the store was opened with.
	Name() string
	// Match returns the entry stored under the given key.
	// The boolean is false if there is no such entry.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry, replacing any entry with the same key.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all entries or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	// Keys returns the keys of all entries in the store.
	Keys(ctx context.Context) ([]string, error)
}

// Entry is a stored response.
type Entry struct {
	// Request identity, see the cache-key package.
	Key string
	// Time the entry was written.
	StoredAt time.Time
	// HTTP/1.1 representation of the response.
	Bytes []byte
}
