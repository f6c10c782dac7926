package dedup

import "sync"

// Inflight prevents two concurrent downloads of the same item. It is keyed by
// item ID only: the same physical media must not be fetched twice even when
// different destinations request it at the same time.
type Inflight struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewInflight returns an empty in-flight guard.
func NewInflight() *Inflight {
	return &Inflight{held: make(map[string]struct{})}
}

// TryAcquire claims the item for the caller. It returns false without
// blocking when another caller already holds it.
func (g *Inflight) TryAcquire(itemID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[itemID]; ok {
		return false
	}
	g.held[itemID] = struct{}{}
	return true
}

// Release frees the item. Releasing an unheld item is a no-op; callers run
// this from a defer so no path leaves an item permanently in flight.
func (g *Inflight) Release(itemID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, itemID)
}
