// Package signal defines a key/value side channel shared by every session
// context of the same site. Writes are durable and visible to all contexts,
// and every other context is notified about the change.
//
// All storage use is an optimisation. Implementations swallow storage
// failures after logging them, so callers never have to handle errors.
package signal

import (
	"context"
	"path"
)

// Change describes a key that was written or removed by another context.
type Change struct {
	Key     string
	Value   string
	Removed bool
}

// Handler receives changes made by other contexts. Handlers must not block.
type Handler func(ctx context.Context, change Change)

// Channel is the shared store as seen from one context.
type Channel interface {
	// Read returns the value stored under key. Failures read as absent.
	Read(ctx context.Context, key string) (string, bool)
	// Write stores value under key and notifies the other contexts if the
	// stored value changed.
	Write(ctx context.Context, key, value string)
	// Remove deletes key and notifies the other contexts if it existed.
	Remove(ctx context.Context, key string)
	// Keys lists the stored keys matching the glob pattern.
	Keys(ctx context.Context, pattern string) []string
	// OnChange registers handler for changes of keys matching the glob
	// pattern that were made by other contexts.
	OnChange(pattern string, handler Handler) (unsubscribe func())
}

// Match reports whether key matches the glob pattern. A malformed pattern
// matches nothing.
func Match(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}
