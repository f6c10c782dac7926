package subs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Package subs holds the subscription configuration store: which destinations
// follow which source handles. The scheduler reloads it every pass and never
// caches records across cycles; watermarks live in the dedup store.

// Destination is one subscriber endpoint and the sources it follows.
type Destination struct {
	ID      string   `json:"id" yaml:"id"`
	TopicID int64    `json:"topic_id" yaml:"topic_id"`
	Sources []string `json:"sources" yaml:"sources"`
}

type registryFile struct {
	Destinations []Destination `json:"destinations" yaml:"destinations"`
}

// Registry materializes the subscriptions file.
type Registry struct {
	mu           sync.RWMutex
	path         string
	destinations []Destination
	idx          map[string]Destination
}

// LoadRegistry loads the subscriptions registry from a YAML/JSON file. A
// missing file yields an empty registry so a fresh deployment starts idle.
func LoadRegistry(path string) (*Registry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("subscriptions file path is empty")
	}

	reg := &Registry{path: path, idx: make(map[string]Destination)}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("open subscriptions file: %w", err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read subscriptions file: %w", err)
	}

	fileReg, err := parseRegistry(raw, filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	for i := range fileReg.Destinations {
		dest := sanitizeDestination(fileReg.Destinations[i])
		if err := validateDestination(dest); err != nil {
			return nil, fmt.Errorf("destinations[%d]: %w", i, err)
		}
		if _, exists := reg.idx[dest.ID]; exists {
			return nil, fmt.Errorf("duplicate destination id %q", dest.ID)
		}
		reg.destinations = append(reg.destinations, dest)
		reg.idx[dest.ID] = dest
	}

	return reg, nil
}

func parseRegistry(data []byte, ext string) (registryFile, error) {
	ext = strings.ToLower(strings.TrimSpace(ext))
	decoders := []struct {
		name string
		ext  string
		fn   func([]byte, any) error
	}{
		{name: "yaml", ext: ".yaml", fn: yaml.Unmarshal},
		{name: "yaml", ext: ".yml", fn: yaml.Unmarshal},
		{name: "json", ext: ".json", fn: json.Unmarshal},
	}

	for _, d := range decoders {
		if ext != "" && ext != d.ext {
			continue
		}
		var reg registryFile
		if err := d.fn(data, &reg); err == nil {
			return reg, nil
		}
	}

	return registryFile{}, errors.New("subscriptions file format not recognized (expected YAML or JSON)")
}

func sanitizeDestination(d Destination) Destination {
	d.ID = strings.TrimSpace(d.ID)
	sources := make([]string, 0, len(d.Sources))
	seen := make(map[string]struct{}, len(d.Sources))
	for _, s := range d.Sources {
		s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "@"))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		sources = append(sources, s)
	}
	d.Sources = sources
	return d
}

func validateDestination(d Destination) error {
	if d.ID == "" {
		return errors.New("id is required")
	}
	return nil
}

// All returns a copy of the configured destinations.
func (r *Registry) All() []Destination {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Destination, len(r.destinations))
	copy(out, r.destinations)
	return out
}

// ByID returns the destination record for the given id, if present.
func (r *Registry) ByID(id string) (Destination, bool) {
	if r == nil {
		return Destination{}, false
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return Destination{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.idx[id]
	return d, ok
}

// Subscribe adds sources to a destination record, creating the record when
// missing, and persists the full registry atomically.
func (r *Registry) Subscribe(destID string, topicID int64, handles []string) error {
	destID = strings.TrimSpace(destID)
	if destID == "" {
		return errors.New("destination id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dest, ok := r.idx[destID]
	if !ok {
		dest = Destination{ID: destID, TopicID: topicID}
	}
	dest.TopicID = topicID
	dest.Sources = append(dest.Sources, handles...)
	dest = sanitizeDestination(dest)

	r.upsertLocked(dest)
	return r.saveLocked()
}

// Unsubscribe removes sources from a destination record and persists. The
// record itself stays even when its source list becomes empty.
func (r *Registry) Unsubscribe(destID string, handles []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dest, ok := r.idx[strings.TrimSpace(destID)]
	if !ok {
		return fmt.Errorf("no subscription record for destination %q", destID)
	}

	drop := make(map[string]struct{}, len(handles))
	for _, h := range handles {
		drop[strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(h), "@"))] = struct{}{}
	}
	kept := dest.Sources[:0]
	for _, s := range dest.Sources {
		if _, gone := drop[s]; !gone {
			kept = append(kept, s)
		}
	}
	dest.Sources = kept

	r.upsertLocked(dest)
	return r.saveLocked()
}

func (r *Registry) upsertLocked(dest Destination) {
	if _, ok := r.idx[dest.ID]; ok {
		for i := range r.destinations {
			if r.destinations[i].ID == dest.ID {
				r.destinations[i] = dest
				break
			}
		}
	} else {
		r.destinations = append(r.destinations, dest)
	}
	r.idx[dest.ID] = dest
}

// saveLocked writes the registry through a temp file + rename so readers
// never observe a partial file.
func (r *Registry) saveLocked() error {
	out, err := yaml.Marshal(registryFile{Destinations: r.destinations})
	if err != nil {
		return fmt.Errorf("marshal subscriptions: %w", err)
	}

	dir := filepath.Dir(r.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create subscriptions directory: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".subscriptions-*")
	if err != nil {
		return fmt.Errorf("create temp subscriptions file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write subscriptions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close subscriptions: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace subscriptions file: %w", err)
	}
	return nil
}
