package sources

import (
	"context"

	"github.com/clipherd-hq/clipherd-courier/internal/domain"
	"github.com/clipherd-hq/clipherd-courier/pkg/httpclient"
)

// Profile is a resolved source account.
type Profile struct {
	Handle     string `json:"handle"`
	InternalID string `json:"internal_id"`
	SourceUID  string `json:"source_uid"`
}

// Directory resolves a human-readable source handle to platform identifiers.
type Directory interface {
	Resolve(ctx context.Context, handle string) (Profile, error)
}

// Listing fetches the recent item listing for a resolved source.
type Listing interface {
	ListRecent(ctx context.Context, profile Profile) ([]domain.Item, error)
}

// Media describes the downloadable renditions resolved for one item. Exactly
// one of ImageURLs / PlayURL is populated; both empty means no media.
type Media struct {
	ItemID    string
	ImageURLs []string
	PlayURL   string
	HDPlayURL string
	AudioURL  string
}

// MediaResolver resolves the download descriptor for an item and builds the
// template-derived rendition URLs used by secondary actions.
type MediaResolver interface {
	Resolve(ctx context.Context, itemID string) (Media, error)
	HDMediaURL(itemID string) string
	AudioMediaURL(itemID string) string
	ItemURL(handle, itemID string) string
}

// HTTPClient aliases the shared httpclient.Client interface for clarity within sources.
type HTTPClient = httpclient.Client
