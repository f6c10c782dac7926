package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/clipherd-hq/clipherd-courier/internal/dedup"
	"github.com/clipherd-hq/clipherd-courier/internal/domain"
	"github.com/clipherd-hq/clipherd-courier/pkg/httpclient"
	"github.com/clipherd-hq/clipherd-courier/pkg/sources"
)

type stubResolver struct {
	media sources.Media
	err   error
	calls int
}

func (s *stubResolver) Resolve(context.Context, string) (sources.Media, error) {
	s.calls++
	if s.err != nil {
		return sources.Media{}, s.err
	}
	return s.media, nil
}

func (s *stubResolver) HDMediaURL(id string) string    { return "https://hd.example/" + id }
func (s *stubResolver) AudioMediaURL(id string) string { return "https://audio.example/" + id }
func (s *stubResolver) ItemURL(handle, id string) string {
	return "https://platform.example/@" + handle + "/video/" + id
}

type stubResp struct {
	body   []byte
	status int
}

func (s stubResp) Body() []byte    { return s.body }
func (s stubResp) StatusCode() int { return s.status }

// stubDownloader fails downloads for URLs in failing and records everything else.
type stubDownloader struct {
	mu        sync.Mutex
	failing   map[string]bool
	downloads []string
	block     chan struct{}
}

func (s *stubDownloader) Get(context.Context, string, map[string]string) (httpclient.Response, error) {
	return stubResp{status: 200}, nil
}

func (s *stubDownloader) Download(_ context.Context, url, path string, _ map[string]string) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing[url] {
		return fmt.Errorf("download %s: status 500", url)
	}
	s.downloads = append(s.downloads, url)
	return os.WriteFile(path, []byte("media"), 0o644)
}

func testEndpoints() sources.Endpoints {
	e := sources.DefaultEndpoints()
	e.BlockedMediaHosts = []string{"music.cdn.example"}
	return e
}

func newPipeline(t *testing.T, client httpclient.Client, resolver sources.MediaResolver) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	return New(client, resolver, dedup.NewInflight(), nil, dir, testEndpoints(), nil), dir
}

func TestFetchPartialImageSetSuccess(t *testing.T) {
	resolver := &stubResolver{media: sources.Media{
		ItemID:    "v1",
		ImageURLs: []string{"https://img.example/1", "https://img.example/2", "https://img.example/3"},
	}}
	client := &stubDownloader{failing: map[string]bool{"https://img.example/2": true}}
	pipeline, _ := newPipeline(t, client, resolver)

	artifacts, err := pipeline.Fetch(context.Background(), "acct", domain.Item{ID: "v1"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("expected 2 artifacts from partial success, got %d", len(artifacts))
	}
	for _, a := range artifacts {
		if a.Kind != domain.MediaPhoto {
			t.Fatalf("expected photo artifact, got %s", a.Kind)
		}
		if _, err := os.Stat(a.Path); err != nil {
			t.Fatalf("artifact file missing: %v", err)
		}
	}
}

func TestFetchAllImagesFailedIsTotalFailure(t *testing.T) {
	resolver := &stubResolver{media: sources.Media{
		ItemID:    "v1",
		ImageURLs: []string{"https://img.example/1"},
	}}
	client := &stubDownloader{failing: map[string]bool{"https://img.example/1": true}}
	pipeline, _ := newPipeline(t, client, resolver)

	_, err := pipeline.Fetch(context.Background(), "acct", domain.Item{ID: "v1"})
	if !errors.Is(err, domain.ErrNoDownloadableMedia) {
		t.Fatalf("expected ErrNoDownloadableMedia, got %v", err)
	}
}

func TestFetchRejectsBlockedHost(t *testing.T) {
	resolver := &stubResolver{media: sources.Media{
		ItemID:  "v1",
		PlayURL: "https://music.cdn.example/v1.mp4",
	}}
	client := &stubDownloader{}
	pipeline, _ := newPipeline(t, client, resolver)

	_, err := pipeline.Fetch(context.Background(), "acct", domain.Item{ID: "v1"})
	if !errors.Is(err, domain.ErrNoDownloadableMedia) {
		t.Fatalf("expected ErrNoDownloadableMedia for blocked host, got %v", err)
	}
	if len(client.downloads) != 0 {
		t.Fatalf("blocked host must not be downloaded")
	}
}

func TestFetchCacheHitSkipsNetwork(t *testing.T) {
	resolver := &stubResolver{media: sources.Media{ItemID: "v1", PlayURL: "https://cdn.example/v1.mp4"}}
	client := &stubDownloader{}
	pipeline, dir := newPipeline(t, client, resolver)

	// Pre-seed the cache as a previous cycle would have.
	cacheDir := filepath.Join(dir, "acct")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cacheDir, "v1.mp4"), []byte("cached"), 0o644); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	artifacts, err := pipeline.Fetch(context.Background(), "acct", domain.Item{ID: "v1"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].Kind != domain.MediaVideo {
		t.Fatalf("unexpected artifacts: %+v", artifacts)
	}
	if resolver.calls != 0 || len(client.downloads) != 0 {
		t.Fatalf("cache hit must not touch the network (resolver=%d downloads=%d)", resolver.calls, len(client.downloads))
	}
}

func TestFetchConcurrentCollisionSkips(t *testing.T) {
	resolver := &stubResolver{media: sources.Media{ItemID: "v1", PlayURL: "https://cdn.example/v1.mp4"}}
	client := &stubDownloader{block: make(chan struct{})}
	pipeline, _ := newPipeline(t, client, resolver)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := pipeline.Fetch(context.Background(), "acct", domain.Item{ID: "v1"})
		done <- err
	}()

	<-started
	// Wait for the winner to be inside the download before racing it.
	for i := 0; ; i++ {
		if !pipeline.guard.TryAcquire("v1") {
			break
		}
		pipeline.guard.Release("v1")
		if i > 1000 {
			t.Fatalf("winner never acquired guard")
		}
	}

	_, err := pipeline.Fetch(context.Background(), "acct", domain.Item{ID: "v1"})
	if !errors.Is(err, domain.ErrItemInFlight) {
		t.Fatalf("expected ErrItemInFlight for loser, got %v", err)
	}

	close(client.block)
	if err := <-done; err != nil {
		t.Fatalf("winner fetch failed: %v", err)
	}
	if len(client.downloads) != 1 {
		t.Fatalf("expected exactly one download, got %d", len(client.downloads))
	}
}

func TestFetchGuardReleasedAfterFailure(t *testing.T) {
	resolver := &stubResolver{err: fmt.Errorf("%w: resolver down", domain.ErrNetwork)}
	pipeline, _ := newPipeline(t, &stubDownloader{}, resolver)

	if _, err := pipeline.Fetch(context.Background(), "acct", domain.Item{ID: "v1"}); err == nil {
		t.Fatalf("expected fetch error")
	}
	if !pipeline.guard.TryAcquire("v1") {
		t.Fatalf("guard not released after failed fetch")
	}
}

type stubHDCache struct {
	urls map[string]string
}

func (s *stubHDCache) SetHDURL(itemID, url string) error {
	if s.urls == nil {
		s.urls = map[string]string{}
	}
	s.urls[itemID] = url
	return nil
}

func TestFetchCachesHDRendition(t *testing.T) {
	resolver := &stubResolver{media: sources.Media{
		ItemID:    "v1",
		PlayURL:   "https://cdn.example/v1.mp4",
		HDPlayURL: "https://cdn.example/v1-hd.mp4",
	}}
	client := &stubDownloader{}
	cache := &stubHDCache{}
	pipeline := New(client, resolver, dedup.NewInflight(), cache, t.TempDir(), testEndpoints(), nil)

	if _, err := pipeline.Fetch(context.Background(), "acct", domain.Item{ID: "v1"}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := cache.urls["v1"]; got != "https://cdn.example/v1-hd.mp4" {
		t.Fatalf("expected hd rendition cached at fetch time, got %q", got)
	}
}
