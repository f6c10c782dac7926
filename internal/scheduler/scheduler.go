package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/clipherd-hq/clipherd-courier/internal/dedup"
	"github.com/clipherd-hq/clipherd-courier/internal/deliver"
	"github.com/clipherd-hq/clipherd-courier/internal/domain"
	"github.com/clipherd-hq/clipherd-courier/internal/logger"
	"github.com/clipherd-hq/clipherd-courier/internal/metrics"
	"github.com/clipherd-hq/clipherd-courier/internal/subs"
	"github.com/clipherd-hq/clipherd-courier/pkg/export"
	"github.com/clipherd-hq/clipherd-courier/pkg/sources"
)

// Package scheduler drives the recurring discovery loop: list each
// subscribed source, filter to genuinely new items, fetch them once, deliver
// them grouped, and commit the watermark only after the destination confirmed
// the delivery.

// Fetcher downloads the artifacts for one item.
type Fetcher interface {
	Fetch(ctx context.Context, source string, item domain.Item) ([]domain.Artifact, error)
}

// Deliverer ships fetched bundles to a destination. It reports how many
// bundles (a prefix, oldest first) the destination confirmed, so the caller
// can commit confirmed items even when a later send in the batch failed.
type Deliverer interface {
	Deliver(ctx context.Context, destination string, topic int64, sourceHandle string, bundles []deliver.Bundle) (int, error)
}

// Exporter publishes delivery events downstream, best effort.
type Exporter interface {
	Send(ctx context.Context, evt export.Event) (int, error)
}

// Options tune the polling loop.
type Options struct {
	SubscriptionsFile string
	PollInterval      time.Duration
	FreshnessWindow   time.Duration
	SourceBatchSize   int
	SourceBatchPause  time.Duration
}

// Scheduler owns the polling loop state. One Scheduler serves all
// destinations in the subscriptions file.
type Scheduler struct {
	opts       Options
	directory  sources.Directory
	listing    sources.Listing
	store      dedup.Store
	fetcher    Fetcher
	dispatcher Deliverer
	exporter   Exporter
	log        logger.Logger

	now func() time.Time
}

// New builds a scheduler. exporter may be nil when no sinks are configured.
func New(opts Options, directory sources.Directory, listing sources.Listing, store dedup.Store, fetcher Fetcher, dispatcher Deliverer, exporter Exporter, log logger.Logger) *Scheduler {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &Scheduler{
		opts:       opts,
		directory:  directory,
		listing:    listing,
		store:      store,
		fetcher:    fetcher,
		dispatcher: dispatcher,
		exporter:   exporter,
		log:        log,
		now:        time.Now,
	}
}

// Run executes polling passes until the context is cancelled. The first pass
// starts immediately; subsequent passes follow the poll interval.
func (s *Scheduler) Run(ctx context.Context) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("scheduler is not initialized")
	}

	s.log.InfoObj("courier loop starting", "scheduler_state", map[string]any{
		"subscriptions_file": s.opts.SubscriptionsFile,
		"poll_interval":      s.opts.PollInterval.String(),
	})

	if err := s.RunPass(ctx); err != nil {
		s.log.ErrorObj("initial pass failed", "error", err)
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.InfoObj("courier loop exiting", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			if err := s.RunPass(ctx); err != nil {
				s.log.ErrorObj("scheduled pass failed", "error", err)
			}
		}
	}
}

// RunPass polls every subscribed source of every destination once. The
// subscriptions file is re-read each pass so subscription changes take effect
// without a restart. A failing source never aborts the pass.
func (s *Scheduler) RunPass(ctx context.Context) error {
	registry, err := subs.LoadRegistry(s.opts.SubscriptionsFile)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	start := s.now()
	processed := 0
	for _, dest := range registry.All() {
		for i, handle := range dest.Sources {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if i > 0 && s.opts.SourceBatchSize > 0 && i%s.opts.SourceBatchSize == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.opts.SourceBatchPause):
				}
			}
			s.tickSource(ctx, dest, handle)
			processed++
		}
	}

	metrics.Passes.Inc()
	s.log.InfoObj("pass completed", "pass_meta", map[string]any{
		"sources_polled": processed,
		"elapsed_ms":     s.now().Sub(start).Milliseconds(),
	})
	return nil
}

// FetchNow polls a single source of one destination immediately, outside the
// ticker cadence.
func (s *Scheduler) FetchNow(ctx context.Context, destination subs.Destination, handle string) error {
	return s.pollSource(ctx, destination, handle)
}

// tickSource wraps pollSource with panic recovery and metric accounting so a
// misbehaving source cannot take the loop down.
func (s *Scheduler) tickSource(ctx context.Context, dest subs.Destination, handle string) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SourceTicks.WithLabelValues("panic").Inc()
			s.log.ErrorObj("source tick panicked", "tick_panic", map[string]any{
				"destination": dest.ID,
				"source":      handle,
				"panic":       fmt.Sprint(r),
			})
		}
	}()

	if err := s.pollSource(ctx, dest, handle); err != nil {
		metrics.SourceTicks.WithLabelValues("error").Inc()
		s.log.WarnObj("source tick failed", "tick_error", map[string]any{
			"destination": dest.ID,
			"source":      handle,
			"error":       err.Error(),
		})
		return
	}
	metrics.SourceTicks.WithLabelValues("ok").Inc()
}

// pollSource runs the full list-filter-fetch-deliver-commit sequence for one
// (destination, source) pair.
func (s *Scheduler) pollSource(ctx context.Context, dest subs.Destination, handle string) error {
	profile, err := s.directory.Resolve(ctx, handle)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", handle, err)
	}

	items, err := s.listing.ListRecent(ctx, profile)
	if err != nil {
		return fmt.Errorf("list %s: %w", handle, err)
	}

	candidates, err := s.filterCandidates(dest.ID, handle, items)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	bundles := s.fetchCandidates(ctx, dest.ID, handle, candidates)
	if len(bundles) == 0 {
		return nil
	}

	// Commit everything the destination acknowledged before handling the
	// failure: releasing an acknowledged item would re-deliver it next pass.
	confirmed, deliverErr := s.dispatcher.Deliver(ctx, dest.ID, dest.TopicID, handle, bundles)
	if confirmed > 0 {
		metrics.ItemsDelivered.Add(float64(confirmed))

		newest := bundles[0].Item
		for _, b := range bundles[1:confirmed] {
			if b.Item.CreatedAt.After(newest.CreatedAt) {
				newest = b.Item
			}
		}
		if err := s.store.SetWatermark(dest.ID, handle, newest.ID); err != nil {
			return fmt.Errorf("commit watermark for %s: %w", handle, err)
		}
		s.exportEvent(ctx, dest.ID, handle, bundles[:confirmed])
	}

	if deliverErr != nil {
		metrics.DeliveryFailures.Inc()
		unconfirmed := make([]string, 0, len(bundles)-confirmed)
		for _, b := range bundles[confirmed:] {
			unconfirmed = append(unconfirmed, b.Item.ID)
		}
		s.releaseAll(dest.ID, unconfirmed)
		return fmt.Errorf("deliver %s to %s: %w", handle, dest.ID, deliverErr)
	}
	return nil
}

// filterCandidates keeps the items beyond the stored watermark that are still
// fresh and not yet handled for the destination. Order (oldest first) is
// preserved.
func (s *Scheduler) filterCandidates(destination, handle string, items []domain.Item) ([]domain.Item, error) {
	watermark, err := s.store.Watermark(destination, handle)
	if err != nil {
		return nil, fmt.Errorf("read watermark: %w", err)
	}

	// The watermark item's own timestamp bounds the candidate set; when the
	// item scrolled out of the listing the freshness window alone bounds it.
	var frontier time.Time
	if watermark != "" {
		for _, item := range items {
			if item.ID == watermark {
				frontier = item.CreatedAt
				break
			}
		}
	}
	oldest := s.now().Add(-s.opts.FreshnessWindow)

	var candidates []domain.Item
	for _, item := range items {
		if !frontier.IsZero() && !item.CreatedAt.After(frontier) {
			continue
		}
		if item.CreatedAt.Before(oldest) {
			continue
		}
		fresh, err := s.store.IsNew(destination, item.ID)
		if err != nil {
			return nil, fmt.Errorf("membership check %s: %w", item.ID, err)
		}
		if !fresh {
			continue
		}
		candidates = append(candidates, item)
	}
	return candidates, nil
}

// fetchCandidates reserves and fetches each candidate. A failed fetch rolls
// its reservation back and drops the item; an item already in flight for a
// concurrent poll is dropped the same way and retried next pass. Every
// returned bundle holds exactly one live reservation.
func (s *Scheduler) fetchCandidates(ctx context.Context, destination, handle string, candidates []domain.Item) []deliver.Bundle {
	var bundles []deliver.Bundle
	for _, item := range candidates {
		if err := s.store.Reserve(destination, item.ID); err != nil {
			s.log.WarnObj("reservation failed", "reserve_error", map[string]any{
				"destination": destination,
				"item":        item.ID,
				"error":       err.Error(),
			})
			continue
		}

		artifacts, err := s.fetcher.Fetch(ctx, handle, item)
		if err != nil {
			metrics.FetchFailures.Inc()
			s.releaseAll(destination, []string{item.ID})
			s.log.WarnObj("fetch failed", "fetch_error", map[string]any{
				"destination": destination,
				"source":      handle,
				"item":        item.ID,
				"error":       err.Error(),
			})
			continue
		}
		bundles = append(bundles, deliver.Bundle{Item: item, Artifacts: artifacts})
	}
	return bundles
}

// releaseAll rolls back reservations so a later pass may retry the items.
func (s *Scheduler) releaseAll(destination string, itemIDs []string) {
	for _, id := range itemIDs {
		if err := s.store.Release(destination, id); err != nil {
			s.log.ErrorObj("reservation rollback failed", "release_error", map[string]any{
				"destination": destination,
				"item":        id,
				"error":       err.Error(),
			})
		}
	}
}

// exportEvent publishes the delivery downstream. Export failures are logged
// and never affect the committed delivery.
func (s *Scheduler) exportEvent(ctx context.Context, destination, handle string, bundles []deliver.Bundle) {
	if s.exporter == nil {
		return
	}
	itemIDs := make([]string, 0, len(bundles))
	for _, b := range bundles {
		itemIDs = append(itemIDs, b.Item.ID)
	}
	if _, err := s.exporter.Send(ctx, export.NewEvent(destination, handle, itemIDs)); err != nil {
		metrics.ExportFailures.Inc()
		s.log.WarnObj("delivery event export failed", "export_error", map[string]any{
			"destination": destination,
			"source":      handle,
			"error":       err.Error(),
		})
	}
}
