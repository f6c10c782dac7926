package subs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRegistryYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "subscriptions.yaml")
	content := `
destinations:
  - id: "-1002256109215"
    topic_id: 3
    sources: ["@acct_one", "acct_two", " acct_one "]
`
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("write subscriptions file: %v", err)
	}

	reg, err := LoadRegistry(file)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	dests := reg.All()
	if len(dests) != 1 {
		t.Fatalf("expected 1 destination, got %d", len(dests))
	}
	d, ok := reg.ByID("-1002256109215")
	if !ok {
		t.Fatalf("destination not indexed")
	}
	if d.TopicID != 3 {
		t.Fatalf("unexpected topic id: %d", d.TopicID)
	}
	// Handles are trimmed, de-@-prefixed, and de-duplicated.
	if len(d.Sources) != 2 || d.Sources[0] != "acct_one" || d.Sources[1] != "acct_two" {
		t.Fatalf("unexpected sources: %v", d.Sources)
	}
}

func TestLoadRegistryMissingFileIsEmpty(t *testing.T) {
	reg, err := LoadRegistry(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if len(reg.All()) != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestLoadRegistryDuplicateDestination(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "subscriptions.yaml")
	content := `
destinations:
  - id: "g1"
    sources: [a]
  - id: "g1"
    sources: [b]
`
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("write subscriptions file: %v", err)
	}

	if _, err := LoadRegistry(file); err == nil {
		t.Fatalf("expected duplicate destination error, got nil")
	}
}

func TestSubscribeAndUnsubscribePersist(t *testing.T) {
	file := filepath.Join(t.TempDir(), "subscriptions.yaml")

	reg, err := LoadRegistry(file)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	if err := reg.Subscribe("g1", 7, []string{"acct_one", "@acct_two"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := reg.Unsubscribe("g1", []string{"acct_one"}); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	reloaded, err := LoadRegistry(file)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	d, ok := reloaded.ByID("g1")
	if !ok {
		t.Fatalf("destination not persisted")
	}
	if len(d.Sources) != 1 || d.Sources[0] != "acct_two" {
		t.Fatalf("unexpected sources after round trip: %v", d.Sources)
	}
	if d.TopicID != 7 {
		t.Fatalf("topic id not persisted: %d", d.TopicID)
	}
}
