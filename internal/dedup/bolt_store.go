package dedup

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	processedBucket = "processed"
	watermarkBucket = "watermarks"
	hdURLBucket     = "hd_urls"

	// watermarkKeySep joins destination and source in watermark keys.
	// Neither side may contain a NUL byte; both come from sanitized config.
	watermarkKeySep = "\x00"
)

// boltStore implements Store backed by BoltDB. All reads are served from the
// in-memory mirror hydrated at open; every mutation writes through to disk
// before updating the mirror, so a crash never loses an acknowledged write.
type boltStore struct {
	db *bolt.DB

	mu         sync.RWMutex
	processed  map[string]map[string]struct{}
	watermarks map[string]string
}

// openBolt initializes a BoltDB-backed Store and hydrates memory state.
func openBolt(path string) (Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{processedBucket, watermarkBucket, hdURLBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	store := &boltStore{
		db:         db,
		processed:  make(map[string]map[string]struct{}),
		watermarks: make(map[string]string),
	}
	if err := store.hydrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("hydrate store: %w", err)
	}
	return store, nil
}

// hydrate loads the full processed set and watermark map into memory.
func (b *boltStore) hydrate() error {
	return b.db.View(func(tx *bolt.Tx) error {
		processed := tx.Bucket([]byte(processedBucket))
		if err := processed.ForEachBucket(func(dest []byte) error {
			ids := make(map[string]struct{})
			destBucket := processed.Bucket(dest)
			if err := destBucket.ForEach(func(k, _ []byte) error {
				ids[string(k)] = struct{}{}
				return nil
			}); err != nil {
				return err
			}
			b.processed[string(dest)] = ids
			return nil
		}); err != nil {
			return err
		}

		watermarks := tx.Bucket([]byte(watermarkBucket))
		return watermarks.ForEach(func(k, v []byte) error {
			b.watermarks[string(k)] = string(v)
			return nil
		})
	})
}

// Close closes the BoltDB store.
func (b *boltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// IsNew checks membership against the in-memory mirror only.
func (b *boltStore) IsNew(destination, itemID string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids, ok := b.processed[destination]
	if !ok {
		return true, nil
	}
	_, seen := ids[itemID]
	return !seen, nil
}

// Reserve persists the reservation and then mirrors it in memory.
func (b *boltStore) Reserve(destination, itemID string) error {
	if err := b.db.Update(func(tx *bolt.Tx) error {
		destBucket, err := tx.Bucket([]byte(processedBucket)).CreateBucketIfNotExists([]byte(destination))
		if err != nil {
			return err
		}
		return destBucket.Put([]byte(itemID), []byte{1})
	}); err != nil {
		return fmt.Errorf("reserve %s/%s: %w", destination, itemID, err)
	}

	b.mu.Lock()
	ids, ok := b.processed[destination]
	if !ok {
		ids = make(map[string]struct{})
		b.processed[destination] = ids
	}
	ids[itemID] = struct{}{}
	b.mu.Unlock()
	return nil
}

// Release removes a reservation so the item is reported as new again.
func (b *boltStore) Release(destination, itemID string) error {
	if err := b.db.Update(func(tx *bolt.Tx) error {
		destBucket := tx.Bucket([]byte(processedBucket)).Bucket([]byte(destination))
		if destBucket == nil {
			return nil
		}
		return destBucket.Delete([]byte(itemID))
	}); err != nil {
		return fmt.Errorf("release %s/%s: %w", destination, itemID, err)
	}

	b.mu.Lock()
	if ids, ok := b.processed[destination]; ok {
		delete(ids, itemID)
	}
	b.mu.Unlock()
	return nil
}

// Watermark returns the last delivered item ID for (destination, source).
func (b *boltStore) Watermark(destination, source string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.watermarks[destination+watermarkKeySep+source], nil
}

// SetWatermark persists and mirrors the new frontier.
func (b *boltStore) SetWatermark(destination, source, itemID string) error {
	key := destination + watermarkKeySep + source
	if err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(watermarkBucket)).Put([]byte(key), []byte(itemID))
	}); err != nil {
		return fmt.Errorf("set watermark %s/%s: %w", destination, source, err)
	}

	b.mu.Lock()
	b.watermarks[key] = itemID
	b.mu.Unlock()
	return nil
}

// HDURL looks up the cached HD rendition URL for an item.
func (b *boltStore) HDURL(itemID string) (string, bool, error) {
	var url string
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(hdURLBucket)).Get([]byte(itemID)); v != nil {
			url = string(v)
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("hd url lookup %s: %w", itemID, err)
	}
	return url, url != "", nil
}

// SetHDURL caches the HD rendition URL for an item.
func (b *boltStore) SetHDURL(itemID, url string) error {
	if err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(hdURLBucket)).Put([]byte(itemID), []byte(url))
	}); err != nil {
		return fmt.Errorf("set hd url %s: %w", itemID, err)
	}
	return nil
}
