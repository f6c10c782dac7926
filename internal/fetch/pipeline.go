package fetch

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/clipherd-hq/clipherd-courier/internal/dedup"
	"github.com/clipherd-hq/clipherd-courier/internal/domain"
	"github.com/clipherd-hq/clipherd-courier/internal/logger"
	"github.com/clipherd-hq/clipherd-courier/pkg/httpclient"
	"github.com/clipherd-hq/clipherd-courier/pkg/sources"
)

// HDCache stores resolved high-definition rendition URLs for later
// secondary-action fulfillment.
type HDCache interface {
	SetHDURL(itemID, url string) error
}

// Pipeline turns one listed item into local deliverable artifacts. It owns
// the at-most-once-download guarantee: a filesystem cache short-circuits
// repeat fetches, and the in-flight guard keeps concurrent callers from
// downloading the same item twice.
type Pipeline struct {
	client       httpclient.Client
	resolver     sources.MediaResolver
	guard        *dedup.Inflight
	hdCache      HDCache
	baseDir      string
	blockedHosts []string
	headers      map[string]string
	log          logger.Logger
}

// New constructs a fetch pipeline rooted at baseDir. hdCache may be nil when
// HD renditions are not retained.
func New(client httpclient.Client, resolver sources.MediaResolver, guard *dedup.Inflight, hdCache HDCache, baseDir string, endpoints sources.Endpoints, log logger.Logger) *Pipeline {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &Pipeline{
		client:       client,
		resolver:     resolver,
		guard:        guard,
		hdCache:      hdCache,
		baseDir:      baseDir,
		blockedHosts: endpoints.BlockedMediaHosts,
		headers:      endpoints.Headers(),
		log:          log,
	}
}

// Fetch produces the artifacts for an item, or fails with one of the domain
// taxonomy errors. A concurrent fetch of the same item yields
// domain.ErrItemInFlight without touching the network.
func (p *Pipeline) Fetch(ctx context.Context, source string, item domain.Item) ([]domain.Artifact, error) {
	if !p.guard.TryAcquire(item.ID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrItemInFlight, item.ID)
	}
	defer p.guard.Release(item.ID)

	dir := filepath.Join(p.baseDir, source)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", domain.ErrWriteFailure, dir, err)
	}

	if cached := p.fromCache(dir, item.ID); len(cached) > 0 {
		p.log.DebugObj("fetch served from cache", "fetch_cache", map[string]any{
			"source":  source,
			"item_id": item.ID,
			"count":   len(cached),
		})
		return cached, nil
	}

	media, err := p.resolver.Resolve(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	if media.HDPlayURL != "" && p.hdCache != nil {
		if err := p.hdCache.SetHDURL(item.ID, media.HDPlayURL); err != nil {
			p.log.WarnObj("hd url cache write failed", "fetch_hd_cache", map[string]any{
				"item_id": item.ID,
				"error":   err.Error(),
			})
		}
	}

	if len(media.ImageURLs) > 0 {
		return p.fetchImageSet(ctx, dir, item.ID, media.ImageURLs)
	}
	return p.fetchVideo(ctx, dir, item.ID, media.PlayURL)
}

// fromCache returns previously downloaded artifacts for the item, if any.
func (p *Pipeline) fromCache(dir, itemID string) []domain.Artifact {
	videoPath := filepath.Join(dir, itemID+".mp4")
	if _, err := os.Stat(videoPath); err == nil {
		return []domain.Artifact{{ItemID: itemID, Path: videoPath, Kind: domain.MediaVideo}}
	}

	matches, err := filepath.Glob(filepath.Join(dir, itemID+"_*.jpg"))
	if err != nil || len(matches) == 0 {
		return nil
	}
	sort.Strings(matches)
	artifacts := make([]domain.Artifact, 0, len(matches))
	for _, m := range matches {
		artifacts = append(artifacts, domain.Artifact{ItemID: itemID, Path: m, Kind: domain.MediaPhoto})
	}
	return artifacts
}

// fetchImageSet downloads each image independently. A single image failure
// drops that image from the result; only a fully empty result is a failure.
func (p *Pipeline) fetchImageSet(ctx context.Context, dir, itemID string, urls []string) ([]domain.Artifact, error) {
	artifacts := make([]domain.Artifact, 0, len(urls))
	for i, imageURL := range urls {
		path := filepath.Join(dir, fmt.Sprintf("%s_%d.jpg", itemID, i+1))
		if err := p.client.Download(ctx, imageURL, path, p.headers); err != nil {
			p.log.WarnObj("image download failed", "fetch_image_error", map[string]any{
				"item_id": itemID,
				"index":   i + 1,
				"error":   err.Error(),
			})
			continue
		}
		artifacts = append(artifacts, domain.Artifact{ItemID: itemID, Path: path, Kind: domain.MediaPhoto})
	}

	if len(artifacts) == 0 {
		return nil, fmt.Errorf("%w: all %d images failed for item %s", domain.ErrNoDownloadableMedia, len(urls), itemID)
	}
	return artifacts, nil
}

// fetchVideo downloads the single playable rendition. Play URLs on blocked
// hosts are audio-only renditions and are not deliverable.
func (p *Pipeline) fetchVideo(ctx context.Context, dir, itemID, playURL string) ([]domain.Artifact, error) {
	if p.isBlockedHost(playURL) {
		return nil, fmt.Errorf("%w: item %s resolves to an audio-only host", domain.ErrNoDownloadableMedia, itemID)
	}

	path := filepath.Join(dir, itemID+".mp4")
	if err := p.client.Download(ctx, playURL, path, p.headers); err != nil {
		return nil, fmt.Errorf("%w: video download for %s: %v", domain.ErrNetwork, itemID, err)
	}
	return []domain.Artifact{{ItemID: itemID, Path: path, Kind: domain.MediaVideo}}, nil
}

func (p *Pipeline) isBlockedHost(rawURL string) bool {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	for _, blocked := range p.blockedHosts {
		if strings.Contains(host, blocked) {
			return true
		}
	}
	return false
}
