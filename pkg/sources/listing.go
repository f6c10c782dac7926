package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/clipherd-hq/clipherd-courier/internal/domain"
	"github.com/clipherd-hq/clipherd-courier/internal/logger"
	"golang.org/x/time/rate"
)

// HTTPListing fetches the recent item listing for a source. A shared rate
// limiter spaces out listing calls across all sources so a large
// subscription set stays under the platform's tolerance.
type HTTPListing struct {
	client    HTTPClient
	endpoints Endpoints
	limiter   *rate.Limiter
}

// NewHTTPListing constructs the listing fetcher. minInterval spaces listing
// requests; zero disables the limiter.
func NewHTTPListing(client HTTPClient, endpoints Endpoints, minInterval time.Duration) *HTTPListing {
	var limiter *rate.Limiter
	if minInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	return &HTTPListing{client: client, endpoints: endpoints, limiter: limiter}
}

type listingResponse struct {
	ItemList []listingItem `json:"itemList"`
}

type listingItem struct {
	ID         string `json:"id"`
	CreateTime any    `json:"createTime"`
}

// ListRecent returns the source's recent items, oldest first. Items with an
// unparsable creation timestamp are skipped and logged, never aborting the
// listing.
func (l *HTTPListing) ListRecent(ctx context.Context, profile Profile) ([]domain.Item, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	url := fmt.Sprintf(l.endpoints.ListingURL, profile.SourceUID)
	resp, err := l.client.Get(ctx, url, l.endpoints.Headers())
	if err != nil {
		return nil, fmt.Errorf("%w: fetch listing for %s: %v", domain.ErrNetwork, profile.Handle, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: listing for %s returned status %d", domain.ErrNetwork, profile.Handle, resp.StatusCode())
	}

	var payload listingResponse
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("%w: decode listing for %s: %v", domain.ErrNoListing, profile.Handle, err)
	}
	if len(payload.ItemList) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoListing, profile.Handle)
	}

	items := make([]domain.Item, 0, len(payload.ItemList))
	for _, entry := range payload.ItemList {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			continue
		}
		created, err := parseUnixSeconds(entry.CreateTime)
		if err != nil {
			logger.WarnObj("item creation time unparsable", "listing_item", map[string]any{
				"source":  profile.Handle,
				"item_id": id,
				"error":   err.Error(),
			})
			continue
		}
		items = append(items, domain.Item{
			ID:           id,
			SourceHandle: profile.Handle,
			CreatedAt:    time.Unix(created, 0).UTC(),
		})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

// parseUnixSeconds accepts the timestamp shapes the listing API has been
// seen emitting: JSON numbers and numeric strings.
func parseUnixSeconds(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %q: %w", t, err)
		}
		return n, nil
	case json.Number:
		return t.Int64()
	case nil:
		return 0, fmt.Errorf("missing createTime")
	default:
		return 0, fmt.Errorf("unsupported createTime type %T", v)
	}
}
