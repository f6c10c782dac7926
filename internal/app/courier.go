package app

import (
	"context"
	"fmt"
	"time"

	"github.com/clipherd-hq/clipherd-courier/internal/actions"
	"github.com/clipherd-hq/clipherd-courier/internal/config"
	"github.com/clipherd-hq/clipherd-courier/internal/dedup"
	"github.com/clipherd-hq/clipherd-courier/internal/deliver"
	"github.com/clipherd-hq/clipherd-courier/internal/fetch"
	"github.com/clipherd-hq/clipherd-courier/internal/logger"
	"github.com/clipherd-hq/clipherd-courier/internal/metrics"
	"github.com/clipherd-hq/clipherd-courier/internal/scheduler"
	"github.com/clipherd-hq/clipherd-courier/internal/tokens"
	"github.com/clipherd-hq/clipherd-courier/pkg/export"
	"github.com/clipherd-hq/clipherd-courier/pkg/httpclient"
	"github.com/clipherd-hq/clipherd-courier/pkg/notify"
	"github.com/clipherd-hq/clipherd-courier/pkg/sources"
)

// listingMinInterval spaces listing calls so one pass over many sources does
// not hammer the platform API.
const listingMinInterval = 2 * time.Second

// Courier represents the courier runtime. It manages the polling loop,
// coordinating between the source fetchers, the dedup store, the delivery
// dispatcher, and the export fanout. It also handles storage initialization
// and cleanup.
type Courier struct {
	cfg       *config.Config
	scheduler *scheduler.Scheduler
	actions   *actions.Service
	store     dedup.Store
	fanout    *export.Fanout
	log       logger.Logger
}

// NewCourier builds a courier runtime from config files.
func NewCourier(ctx context.Context, cfg *config.Config, log logger.Logger) (*Courier, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if log == nil {
		log = &logger.NopLogger{}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot_token is required")
	}

	store, err := dedup.NewStore(cfg.StorageType, cfg.BBoltPath)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	log.InfoObj("storage initialized", "storage_config", map[string]any{
		"type": cfg.StorageType,
		"path": cfg.BBoltPath,
	})

	sinksReg, err := export.LoadRegistry(cfg.ExportSinksFile)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load export sinks: %w", err)
	}
	var fanout *export.Fanout
	if enabled := sinksReg.Enabled(); len(enabled) > 0 {
		sinks, err := export.BuildAll(ctx, export.DefaultRegistry(), enabled, log)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("build export sinks: %w", err)
		}
		fanout = export.NewFanout(sinks)
		log.InfoObj("export sinks loaded", "sinks_meta", map[string]any{
			"count": fanout.Size(),
		})
	}

	endpoints := sources.DefaultEndpoints()
	client := httpclient.NewRestyClient(cfg.HTTPTimeout)
	directory := sources.NewHTTPDirectory(client, endpoints, cfg.DataDir)
	listing := sources.NewHTTPListing(client, endpoints, listingMinInterval)
	resolver := sources.NewHTTPMediaResolver(client, endpoints)

	guard := dedup.NewInflight()
	pipeline := fetch.New(client, resolver, guard, store, cfg.DownloadDir, endpoints, log)

	channel := notify.NewBotChannel(cfg.BotAPIBase, cfg.BotToken, cfg.HTTPTimeout)
	registry := tokens.NewRegistry()
	dispatcher := deliver.NewDispatcher(channel, registry, resolver.ItemURL, deliver.DefaultRetryPolicy(), log)

	actionSvc := actions.NewService(store, registry, resolver, client, channel, endpoints, cfg.DownloadDir, log)

	var exporter scheduler.Exporter
	if fanout != nil {
		exporter = fanout
	}
	sched := scheduler.New(scheduler.Options{
		SubscriptionsFile: cfg.SubscriptionsFile,
		PollInterval:      cfg.PollInterval,
		FreshnessWindow:   cfg.FreshnessWindow,
		SourceBatchSize:   cfg.SourceBatchSize,
		SourceBatchPause:  cfg.SourceBatchPause,
	}, directory, listing, store, pipeline, dispatcher, exporter, log)

	return &Courier{
		cfg:       cfg,
		scheduler: sched,
		actions:   actionSvc,
		store:     store,
		fanout:    fanout,
		log:       log,
	}, nil
}

// Actions exposes the secondary-action fulfillment service.
func (c *Courier) Actions() *actions.Service {
	if c == nil {
		return nil
	}
	return c.actions
}

// Run starts the polling loop and, when configured, the metrics endpoint,
// until the context is cancelled.
func (c *Courier) Run(ctx context.Context) error {
	if c == nil || c.scheduler == nil {
		return fmt.Errorf("courier is not initialized")
	}
	defer c.closeStore()

	if c.cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, c.cfg.MetricsAddr); err != nil {
				c.log.ErrorObj("metrics endpoint failed", "error", err)
			}
		}()
		c.log.InfoObj("metrics endpoint starting", "metrics_addr", c.cfg.MetricsAddr)
	}

	return c.scheduler.Run(ctx)
}

// closeStore safely closes the storage backend, logging any errors encountered.
func (c *Courier) closeStore() {
	if c == nil || c.store == nil {
		return
	}
	if err := c.store.Close(); err != nil {
		c.log.ErrorObj("storage close failed", "error", err)
	}
}
