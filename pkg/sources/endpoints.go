package sources

import "strings"

// Endpoints holds the URL templates for one content platform. Templates use
// %s placeholders filled by the concrete fetchers.
type Endpoints struct {
	ProfileURL string // %s = handle
	ListingURL string // %s = source UID
	MediaURL   string // %s = item ID
	HDMediaURL string // %s = item ID
	AudioURL   string // %s = item ID
	ItemURL    string // first %s = handle, second %s = item ID
	UserAgent  string

	// BlockedMediaHosts are CDN hosts whose play URLs are audio-only
	// renditions masquerading as video. Matching items are not deliverable.
	BlockedMediaHosts []string
}

// DefaultEndpoints returns the endpoint set for the supported platform.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		ProfileURL:        "https://www.tiktok.com/@%s/",
		ListingURL:        "https://www.tiktok.com/api/creator/item_list/?aid=1988&type=1&count=15&cursor=0&secUid=%s&verifyFp=verify_",
		MediaURL:          "https://www.tikwm.com/api/?url=%s&hd=1",
		HDMediaURL:        "https://www.tikwm.com/video/media/hdplay/%s.mp4",
		AudioURL:          "https://www.tikwm.com/video/music/%s.mp3",
		ItemURL:           "https://www.tiktok.com/@%s/video/%s",
		UserAgent:         "Mozilla/5.0",
		BlockedMediaHosts: []string{"sf16-ies-music-va.tiktokcdn.com"},
	}
}

// Headers builds the common request headers for platform calls.
func (e Endpoints) Headers() map[string]string {
	headers := make(map[string]string, 1)
	if ua := strings.TrimSpace(e.UserAgent); ua != "" {
		headers["User-Agent"] = ua
	}
	return headers
}
