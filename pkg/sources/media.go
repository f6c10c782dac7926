package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/clipherd-hq/clipherd-courier/internal/domain"
)

// HTTPMediaResolver resolves the download descriptor for an item via the
// media API and derives rendition URLs from endpoint templates.
type HTTPMediaResolver struct {
	client    HTTPClient
	endpoints Endpoints
}

// NewHTTPMediaResolver constructs a media resolver.
func NewHTTPMediaResolver(client HTTPClient, endpoints Endpoints) *HTTPMediaResolver {
	return &HTTPMediaResolver{client: client, endpoints: endpoints}
}

type mediaResponse struct {
	Data mediaData `json:"data"`
}

type mediaData struct {
	Images []string `json:"images"`
	Play   string   `json:"play"`
	HDPlay string   `json:"hdplay"`
	Music  string   `json:"music"`
}

// Resolve returns the media descriptor for an item.
func (m *HTTPMediaResolver) Resolve(ctx context.Context, itemID string) (Media, error) {
	url := fmt.Sprintf(m.endpoints.MediaURL, itemID)
	resp, err := m.client.Get(ctx, url, m.endpoints.Headers())
	if err != nil {
		return Media{}, fmt.Errorf("%w: resolve media for %s: %v", domain.ErrNetwork, itemID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Media{}, fmt.Errorf("%w: media api for %s returned status %d", domain.ErrNetwork, itemID, resp.StatusCode())
	}

	var payload mediaResponse
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return Media{}, fmt.Errorf("%w: decode media for %s: %v", domain.ErrNoDownloadableMedia, itemID, err)
	}

	media := Media{
		ItemID:    itemID,
		PlayURL:   strings.TrimSpace(payload.Data.Play),
		HDPlayURL: strings.TrimSpace(payload.Data.HDPlay),
		AudioURL:  strings.TrimSpace(payload.Data.Music),
	}
	for _, img := range payload.Data.Images {
		if img = strings.TrimSpace(img); img != "" {
			media.ImageURLs = append(media.ImageURLs, img)
		}
	}

	if len(media.ImageURLs) == 0 && media.PlayURL == "" {
		return Media{}, fmt.Errorf("%w: item %s", domain.ErrNoDownloadableMedia, itemID)
	}
	return media, nil
}

// HDMediaURL builds the template-derived HD rendition URL for an item.
func (m *HTTPMediaResolver) HDMediaURL(itemID string) string {
	return fmt.Sprintf(m.endpoints.HDMediaURL, itemID)
}

// AudioMediaURL builds the template-derived audio rendition URL for an item.
func (m *HTTPMediaResolver) AudioMediaURL(itemID string) string {
	return fmt.Sprintf(m.endpoints.AudioURL, itemID)
}

// ItemURL builds the public page URL for an item.
func (m *HTTPMediaResolver) ItemURL(handle, itemID string) string {
	return fmt.Sprintf(m.endpoints.ItemURL, handle, itemID)
}
