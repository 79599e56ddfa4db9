// Package store defines the Persistence Facade, spec.md §2/§6: three
// append-only, keyed logs (network cache, value DB, metadata DB) behind one
// pluggable interface, the way the teacher puts Azure Storage behind its
// Driver/Factory registry (aznet.go).
package store

import (
	"context"
	"encoding/json"
)

// Reviver reconstructs a typed value from its persisted JSON representation
// for one key, spec.md §6 "Revival by per-key reviver functions." A nil
// Reviver leaves values as generic map[string]any/[]any/etc.
type Reviver func(key string, raw json.RawMessage) (any, error)

// Log is one append-only keyed log: a single instance of the three cache
// segments named in spec.md §6. Reads are served from memory; writes are
// coalesced and only durable after Flush (or the throttle interval fires).
type Log interface {
	Get(key string) (any, bool)
	Set(key string, value any) error
	Delete(key string) error
	Keys() []string
	Flush(ctx context.Context) error
	Close() error
}

// Backend opens the three Log segments for one controller home id,
// letting the Persistence Facade be backed by local jsonl files
// (internal/store/jsonlstore) or Azure Storage (internal/store/azurestore)
// interchangeably.
type Backend interface {
	OpenNetworkCache(homeID uint32, revive Reviver) (Log, error)
	OpenValueDB(homeID uint32, revive Reviver) (Log, error)
	OpenMetadataDB(homeID uint32, revive Reviver) (Log, error)
}
