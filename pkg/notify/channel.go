package notify

import (
	"context"

	"github.com/clipherd-hq/clipherd-courier/internal/domain"
)

// Action is a secondary affordance attached to a delivery. Token-backed
// actions carry an opaque reference token; link actions carry a URL.
type Action struct {
	Label string
	Kind  string // "hd", "audio", "urls"; empty for link actions
	Token string
	URL   string
}

// Channel is the outbound notification boundary. Implementations send
// already-downloaded artifacts to a destination endpoint; topic selects an
// optional sub-channel (0 means none).
type Channel interface {
	// SendAlbum sends up to the platform album limit of artifacts as one
	// grouped message, preserving order.
	SendAlbum(ctx context.Context, destination string, topic int64, artifacts []domain.Artifact) error
	SendPhoto(ctx context.Context, destination string, topic int64, artifact domain.Artifact, caption string, actions []Action) error
	SendVideo(ctx context.Context, destination string, topic int64, artifact domain.Artifact, caption string, actions []Action) error
	// SendDocument delivers a file without media re-encoding, used by
	// secondary-action fulfillment.
	SendDocument(ctx context.Context, destination string, path string) error
	SendMessage(ctx context.Context, destination string, topic int64, text string, actions []Action) error
}
