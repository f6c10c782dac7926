package domain

import "time"

// Domain contains core models shared across the courier pipeline.

// MediaKind tags a deliverable artifact for transport selection.
type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// Item is a single unit of content listed for a source.
type Item struct {
	ID           string
	SourceHandle string
	CreatedAt    time.Time
}

// Artifact is a locally downloaded file derived from one item. Artifacts are
// scratch state: created by the fetch pipeline, consumed and deleted by the
// delivery dispatcher within one cycle.
type Artifact struct {
	ItemID string
	Path   string
	Kind   MediaKind
}

// AllPhotos reports whether every artifact in the batch is a photo.
func AllPhotos(artifacts []Artifact) bool {
	for _, a := range artifacts {
		if a.Kind != MediaPhoto {
			return false
		}
	}
	return len(artifacts) > 0
}
