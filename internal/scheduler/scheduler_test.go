package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clipherd-hq/clipherd-courier/internal/dedup"
	"github.com/clipherd-hq/clipherd-courier/internal/deliver"
	"github.com/clipherd-hq/clipherd-courier/internal/domain"
	"github.com/clipherd-hq/clipherd-courier/internal/logger"
	"github.com/clipherd-hq/clipherd-courier/internal/subs"
	"github.com/clipherd-hq/clipherd-courier/pkg/export"
	"github.com/clipherd-hq/clipherd-courier/pkg/sources"
)

type stubDirectory struct {
	profiles map[string]sources.Profile
}

func (s *stubDirectory) Resolve(_ context.Context, handle string) (sources.Profile, error) {
	profile, ok := s.profiles[handle]
	if !ok {
		return sources.Profile{}, fmt.Errorf("%w: %s", domain.ErrUserResolution, handle)
	}
	return profile, nil
}

type stubListing struct {
	items map[string][]domain.Item // keyed by source UID
}

func (s *stubListing) ListRecent(_ context.Context, profile sources.Profile) ([]domain.Item, error) {
	items, ok := s.items[profile.SourceUID]
	if !ok {
		return nil, domain.ErrNoListing
	}
	return items, nil
}

type stubFetcher struct {
	failing map[string]error
	fetched []string
}

func (s *stubFetcher) Fetch(_ context.Context, source string, item domain.Item) ([]domain.Artifact, error) {
	if err, ok := s.failing[item.ID]; ok {
		return nil, err
	}
	s.fetched = append(s.fetched, item.ID)
	return []domain.Artifact{{ItemID: item.ID, Path: "/tmp/" + item.ID + ".mp4", Kind: domain.MediaVideo}}, nil
}

type stubDeliverer struct {
	batches [][]deliver.Bundle
	confirm int // confirmed bundle count when err is set
	err     error
}

func (s *stubDeliverer) Deliver(_ context.Context, _ string, _ int64, _ string, bundles []deliver.Bundle) (int, error) {
	s.batches = append(s.batches, bundles)
	if s.err != nil {
		return s.confirm, s.err
	}
	return len(bundles), nil
}

type stubExporter struct {
	events []export.Event
}

func (s *stubExporter) Send(_ context.Context, evt export.Event) (int, error) {
	s.events = append(s.events, evt)
	return 1, nil
}

func writeSubscriptions(t *testing.T, destID string, handles ...string) string {
	t.Helper()
	content := "destinations:\n  - id: \"" + destID + "\"\n    sources:\n"
	for _, h := range handles {
		content += "      - " + h + "\n"
	}
	path := filepath.Join(t.TempDir(), "subscriptions.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write subscriptions: %v", err)
	}
	return path
}

type fixture struct {
	scheduler *Scheduler
	store     dedup.Store
	fetcher   *stubFetcher
	deliverer *stubDeliverer
	exporter  *stubExporter
	now       time.Time
}

func newFixture(t *testing.T, subsPath string, items []domain.Item) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	directory := &stubDirectory{profiles: map[string]sources.Profile{
		"creator": {Handle: "creator", InternalID: "123", SourceUID: "uid-creator"},
	}}
	listing := &stubListing{items: map[string][]domain.Item{"uid-creator": items}}
	store := dedup.NewMemStore()
	fetcher := &stubFetcher{failing: map[string]error{}}
	deliverer := &stubDeliverer{}
	exporter := &stubExporter{}

	sched := New(Options{
		SubscriptionsFile: subsPath,
		PollInterval:      time.Minute,
		FreshnessWindow:   24 * time.Hour,
		SourceBatchSize:   10,
	}, directory, listing, store, fetcher, deliverer, exporter, &logger.NopLogger{})
	sched.now = func() time.Time { return now }

	return &fixture{scheduler: sched, store: store, fetcher: fetcher, deliverer: deliverer, exporter: exporter, now: now}
}

func TestRunPassDeliversNewItemsOnce(t *testing.T) {
	path := writeSubscriptions(t, "-100123", "creator")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	items := []domain.Item{
		{ID: "v1", SourceHandle: "creator", CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "v2", SourceHandle: "creator", CreatedAt: now.Add(-1 * time.Hour)},
	}
	f := newFixture(t, path, items)

	if err := f.scheduler.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}

	if len(f.deliverer.batches) != 1 {
		t.Fatalf("expected one delivery batch, got %d", len(f.deliverer.batches))
	}
	batch := f.deliverer.batches[0]
	if len(batch) != 2 || batch[0].Item.ID != "v1" || batch[1].Item.ID != "v2" {
		t.Fatalf("batch should hold v1,v2 oldest first, got %+v", batch)
	}

	wm, err := f.store.Watermark("-100123", "creator")
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if wm != "v2" {
		t.Errorf("watermark should advance to v2, got %q", wm)
	}

	if len(f.exporter.events) != 1 {
		t.Fatalf("expected one export event, got %d", len(f.exporter.events))
	}
	evt := f.exporter.events[0]
	if evt.Destination != "-100123" || evt.Source != "creator" || len(evt.ItemIDs) != 2 {
		t.Errorf("unexpected export event %+v", evt)
	}

	// A second pass over the same listing must find nothing new.
	if err := f.scheduler.RunPass(context.Background()); err != nil {
		t.Fatalf("second RunPass failed: %v", err)
	}
	if len(f.deliverer.batches) != 1 {
		t.Errorf("second pass must not re-deliver, got %d batches", len(f.deliverer.batches))
	}
}

func TestRunPassHonorsWatermarkFrontier(t *testing.T) {
	path := writeSubscriptions(t, "-100123", "creator")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	items := []domain.Item{
		{ID: "v0", SourceHandle: "creator", CreatedAt: now.Add(-3 * time.Hour)},
		{ID: "v1", SourceHandle: "creator", CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "v2", SourceHandle: "creator", CreatedAt: now.Add(-1 * time.Hour)},
	}
	f := newFixture(t, path, items)
	if err := f.store.SetWatermark("-100123", "creator", "v1"); err != nil {
		t.Fatalf("SetWatermark: %v", err)
	}

	if err := f.scheduler.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if len(f.deliverer.batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(f.deliverer.batches))
	}
	batch := f.deliverer.batches[0]
	if len(batch) != 1 || batch[0].Item.ID != "v2" {
		t.Fatalf("only v2 lies beyond the watermark, got %+v", batch)
	}
}

func TestRunPassSkipsStaleItems(t *testing.T) {
	path := writeSubscriptions(t, "-100123", "creator")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	items := []domain.Item{
		{ID: "old", SourceHandle: "creator", CreatedAt: now.Add(-30 * time.Hour)},
		{ID: "fresh", SourceHandle: "creator", CreatedAt: now.Add(-1 * time.Hour)},
	}
	f := newFixture(t, path, items)

	if err := f.scheduler.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	batch := f.deliverer.batches[0]
	if len(batch) != 1 || batch[0].Item.ID != "fresh" {
		t.Fatalf("stale item must be skipped, got %+v", batch)
	}
}

func TestRunPassFetchFailureRollsBackReservation(t *testing.T) {
	path := writeSubscriptions(t, "-100123", "creator")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	items := []domain.Item{
		{ID: "v1", SourceHandle: "creator", CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "v2", SourceHandle: "creator", CreatedAt: now.Add(-1 * time.Hour)},
	}
	f := newFixture(t, path, items)
	f.fetcher.failing["v1"] = fmt.Errorf("%w: cdn gone", domain.ErrNetwork)

	if err := f.scheduler.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}

	batch := f.deliverer.batches[0]
	if len(batch) != 1 || batch[0].Item.ID != "v2" {
		t.Fatalf("only v2 should be delivered, got %+v", batch)
	}
	fresh, err := f.store.IsNew("-100123", "v1")
	if err != nil {
		t.Fatalf("IsNew: %v", err)
	}
	if !fresh {
		t.Error("failed fetch must roll back the reservation so v1 retries next pass")
	}
}

func TestRunPassDeliveryFailureKeepsWatermark(t *testing.T) {
	path := writeSubscriptions(t, "-100123", "creator")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	items := []domain.Item{
		{ID: "v1", SourceHandle: "creator", CreatedAt: now.Add(-1 * time.Hour)},
	}
	f := newFixture(t, path, items)
	f.deliverer.err = fmt.Errorf("%w: timeout", domain.ErrNetwork)

	if err := f.scheduler.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass must not abort on a source failure: %v", err)
	}

	wm, err := f.store.Watermark("-100123", "creator")
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if wm != "" {
		t.Errorf("watermark must not advance on delivery failure, got %q", wm)
	}
	fresh, err := f.store.IsNew("-100123", "v1")
	if err != nil {
		t.Fatalf("IsNew: %v", err)
	}
	if !fresh {
		t.Error("delivery failure must roll back reservations")
	}
	if len(f.exporter.events) != 0 {
		t.Error("no export event should be emitted for a failed delivery")
	}
}

func TestRunPassPartialDeliveryCommitsConfirmed(t *testing.T) {
	path := writeSubscriptions(t, "-100123", "creator")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	items := []domain.Item{
		{ID: "v1", SourceHandle: "creator", CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "v2", SourceHandle: "creator", CreatedAt: now.Add(-1 * time.Hour)},
	}
	f := newFixture(t, path, items)
	// The dispatcher accepted v1 before failing, so only v2 may be retried.
	f.deliverer.confirm = 1
	f.deliverer.err = fmt.Errorf("%w: timeout", domain.ErrNetwork)

	if err := f.scheduler.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass must not abort on a source failure: %v", err)
	}

	wm, err := f.store.Watermark("-100123", "creator")
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if wm != "v1" {
		t.Errorf("watermark should advance over the confirmed prefix, got %q", wm)
	}
	fresh, err := f.store.IsNew("-100123", "v1")
	if err != nil {
		t.Fatalf("IsNew: %v", err)
	}
	if fresh {
		t.Error("confirmed item must stay processed so it is never re-sent")
	}
	fresh, err = f.store.IsNew("-100123", "v2")
	if err != nil {
		t.Fatalf("IsNew: %v", err)
	}
	if !fresh {
		t.Error("unconfirmed item must roll back so it retries next pass")
	}
	if len(f.exporter.events) != 1 {
		t.Fatalf("expected one export event, got %d", len(f.exporter.events))
	}
	evt := f.exporter.events[0]
	if len(evt.ItemIDs) != 1 || evt.ItemIDs[0] != "v1" {
		t.Errorf("export event should carry only the confirmed items, got %v", evt.ItemIDs)
	}
}

func TestRunPassInFlightCollisionSkipsItem(t *testing.T) {
	path := writeSubscriptions(t, "-100123", "creator")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	items := []domain.Item{
		{ID: "v1", SourceHandle: "creator", CreatedAt: now.Add(-1 * time.Hour)},
	}
	f := newFixture(t, path, items)
	f.fetcher.failing["v1"] = domain.ErrItemInFlight

	if err := f.scheduler.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if len(f.deliverer.batches) != 0 {
		t.Fatalf("no delivery expected, got %d batches", len(f.deliverer.batches))
	}
	fresh, err := f.store.IsNew("-100123", "v1")
	if err != nil {
		t.Fatalf("IsNew: %v", err)
	}
	if !fresh {
		t.Error("in-flight collision must leave the item new for the next pass")
	}
}

func TestRunPassEmptyListingIsTolerated(t *testing.T) {
	path := writeSubscriptions(t, "-100123", "creator", "ghost")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	items := []domain.Item{
		{ID: "v1", SourceHandle: "creator", CreatedAt: now.Add(-1 * time.Hour)},
	}
	f := newFixture(t, path, items)

	// "ghost" resolves to nothing; the pass must still deliver for "creator".
	if err := f.scheduler.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if len(f.deliverer.batches) != 1 {
		t.Fatalf("creator delivery should survive ghost failure, got %d batches", len(f.deliverer.batches))
	}
}

func TestFetchNow(t *testing.T) {
	path := writeSubscriptions(t, "-100123", "creator")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	items := []domain.Item{
		{ID: "v1", SourceHandle: "creator", CreatedAt: now.Add(-1 * time.Hour)},
	}
	f := newFixture(t, path, items)

	dest := subs.Destination{ID: "-100123", Sources: []string{"creator"}}
	if err := f.scheduler.FetchNow(context.Background(), dest, "creator"); err != nil {
		t.Fatalf("FetchNow failed: %v", err)
	}
	if len(f.deliverer.batches) != 1 {
		t.Fatalf("expected immediate delivery, got %d batches", len(f.deliverer.batches))
	}

	err := f.scheduler.FetchNow(context.Background(), dest, "unknown")
	if !errors.Is(err, domain.ErrUserResolution) {
		t.Fatalf("expected ErrUserResolution for unknown handle, got %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	path := writeSubscriptions(t, "-100123")
	f := newFixture(t, path, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.scheduler.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
