package dedup

import (
	"fmt"
	"strings"
)

// Package dedup provides the durable per-destination processed-item store,
// per-(destination, source) watermarks, and the in-flight download guard.

// Store tracks which items were handled per destination and where the
// new-item frontier sits per (destination, source). Mutations flush to
// durable storage before returning; reads are in-memory membership checks
// against state hydrated at open.
type Store interface {
	Close() error

	// IsNew reports whether the item has not been reserved or delivered for
	// the destination.
	IsNew(destination, itemID string) (bool, error)
	// Reserve marks the item as taken for the destination before the fetch
	// begins. Reserving an already-reserved item is a no-op.
	Reserve(destination, itemID string) error
	// Release rolls back a reservation after a failed fetch so a later cycle
	// may retry. Releasing an unreserved item is a no-op.
	Release(destination, itemID string) error

	// Watermark returns the last delivered item ID for the pair, or "" when
	// nothing has been delivered yet.
	Watermark(destination, source string) (string, error)
	// SetWatermark advances the frontier after confirmed delivery.
	SetWatermark(destination, source, itemID string) error

	// HDURL returns the cached high-definition rendition URL for an item.
	HDURL(itemID string) (string, bool, error)
	SetHDURL(itemID, url string) error
}

// NewStore creates the configured storage backend.
func NewStore(typ, path string) (Store, error) {
	typ = strings.TrimSpace(strings.ToLower(typ))

	switch typ {
	case "", "none", "disabled":
		return newMemStore(), nil
	case "bbolt":
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("bbolt storage requires a path")
		}
		return openBolt(path)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", typ)
	}
}
