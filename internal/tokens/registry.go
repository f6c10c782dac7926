package tokens

import (
	"math/rand"
	"strings"
	"sync"
)

// Package tokens holds the process-lifetime reference token registry. Tokens
// defer a secondary delivery action (HD re-fetch, audio extraction, source
// URL listing) without shipping the raw item ID list to the destination.
// Nothing here persists: a restart invalidates every outstanding token and
// callers report the action as expired.

const (
	suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	suffixLength   = 6
)

// Registry maps opaque tokens to ordered item ID lists.
type Registry struct {
	mu       sync.Mutex
	bindings map[string][]string
}

// NewRegistry returns an empty token registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string][]string)}
}

// Allocate returns a fresh token under the given namespace prefix. The suffix
// alphabet is large relative to the concurrent token count, so a collision is
// tolerated by overwrite on the later Bind rather than rejected.
func (r *Registry) Allocate(prefix string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte('_')
	for i := 0; i < suffixLength; i++ {
		sb.WriteByte(suffixAlphabet[rand.Intn(len(suffixAlphabet))])
	}
	return sb.String()
}

// Bind associates the token with an ordered item ID list, replacing any
// previous binding (last writer wins).
func (r *Registry) Bind(token string, itemIDs []string) {
	if token == "" {
		return
	}
	ids := append([]string(nil), itemIDs...)

	r.mu.Lock()
	r.bindings[token] = ids
	r.mu.Unlock()
}

// Resolve returns the bound item IDs without removing the binding. Used for
// durable multi-use tokens. A nil result means the token is unknown.
func (r *Registry) Resolve(token string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids, ok := r.bindings[token]
	if !ok {
		return nil
	}
	return append([]string(nil), ids...)
}

// ConsumeOnce returns the bound item IDs and removes the binding; the second
// call for the same token returns nil. Used for single-fulfillment actions.
func (r *Registry) ConsumeOnce(token string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids, ok := r.bindings[token]
	if !ok {
		return nil
	}
	delete(r.bindings, token)
	return ids
}
