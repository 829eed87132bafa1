// Package cache provides a generic, thread-safe LRU cache with always-on
// statistics and optional Prometheus metrics.
//
// The relay uses it as its recently-published ID set: event IDs are stored
// when handed to the publisher and the oldest are evicted once the set is
// full, so memory stays bounded however long the stream runs.
//
//	seen, err := cache.NewLRU[time.Time](100_000,
//		cache.WithMetrics[time.Time](registry, "relay_dedup"),
//	)
//	if err != nil {
//		return err
//	}
//	if seen.Contains(ev.ID) {
//		// duplicate
//	}
//	_, _ = seen.Set(ev.ID, time.Now())
//
// Contains does not affect recency or statistics; Get does both.
package cache
