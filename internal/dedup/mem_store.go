package dedup

import "sync"

// memStore is a non-durable Store for tests and the "disabled" storage type.
type memStore struct {
	mu         sync.RWMutex
	processed  map[string]map[string]struct{}
	watermarks map[string]string
	hdURLs     map[string]string
}

// NewMemStore returns an in-memory Store with no durability guarantees.
func NewMemStore() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		processed:  make(map[string]map[string]struct{}),
		watermarks: make(map[string]string),
		hdURLs:     make(map[string]string),
	}
}

func (m *memStore) Close() error { return nil }

func (m *memStore) IsNew(destination, itemID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ids, ok := m.processed[destination]; ok {
		if _, seen := ids[itemID]; seen {
			return false, nil
		}
	}
	return true, nil
}

func (m *memStore) Reserve(destination, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, ok := m.processed[destination]
	if !ok {
		ids = make(map[string]struct{})
		m.processed[destination] = ids
	}
	ids[itemID] = struct{}{}
	return nil
}

func (m *memStore) Release(destination, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ids, ok := m.processed[destination]; ok {
		delete(ids, itemID)
	}
	return nil
}

func (m *memStore) Watermark(destination, source string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watermarks[destination+watermarkKeySep+source], nil
}

func (m *memStore) SetWatermark(destination, source, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[destination+watermarkKeySep+source] = itemID
	return nil
}

func (m *memStore) HDURL(itemID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	url, ok := m.hdURLs[itemID]
	return url, ok, nil
}

func (m *memStore) SetHDURL(itemID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hdURLs[itemID] = url
	return nil
}
