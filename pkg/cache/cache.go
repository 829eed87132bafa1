package cache

import (
	"github.com/nelsonaloysio/twython-kafka/errors"
)

// Cache is the behaviour shared by bounded in-memory caches.
type Cache[V any] interface {
	// Get retrieves a value by key and counts a hit or miss.
	Get(key string) (V, bool)

	// Contains reports membership without touching recency or statistics.
	Contains(key string) bool

	// Set stores a value. Returns true if a new entry was created, false if updated.
	Set(key string, value V) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear() error

	// Size returns the current number of entries.
	Size() int

	// Keys returns all keys, most recently used first.
	Keys() []string

	// Stats returns the always-on statistics.
	Stats() *Statistics
}

// EvictCallback is called when an entry is evicted from the cache.
type EvictCallback[V any] func(key string, value V)

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
