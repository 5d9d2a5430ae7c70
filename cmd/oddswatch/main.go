package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/oddswatch/internal/config"
	"github.com/rewired-gh/oddswatch/internal/fetch"
	"github.com/rewired-gh/oddswatch/internal/kalshi"
	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/metrics"
	"github.com/rewired-gh/oddswatch/internal/models"
	"github.com/rewired-gh/oddswatch/internal/monitor"
	"github.com/rewired-gh/oddswatch/internal/polymarket"
	"github.com/rewired-gh/oddswatch/internal/series"
	"github.com/rewired-gh/oddswatch/internal/state"
	"github.com/rewired-gh/oddswatch/internal/storage"
	"github.com/rewired-gh/oddswatch/internal/telegram"
	"github.com/rewired-gh/oddswatch/internal/tracker"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file (empty = defaults and environment only)")

func main() {
	flag.Parse()

	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	stateFile := cfg.State.File
	if stateFile == "" {
		stateFile = state.DefaultPath()
	}
	stateStore := state.New(stateFile)
	restored := stateStore.Load()

	tr := tracker.New(tracker.Config{
		ProbabilityChangeThreshold: cfg.Tracker.ProbabilityChangeThreshold,
		Retention:                  cfg.Detector.Retention(),
	})
	tr.Restore(restored)
	markets, trades := tr.Stats()
	logger.Info("Loaded state from %s: %d known markets, %d known trades", stateStore.Path(), markets, trades)

	store, err := storage.New(cfg.Storage.MaxMarkets, cfg.Storage.MaxSignals, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	policy := fetch.RetryPolicy{
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		MaxRetries:   cfg.Retry.MaxRetries,
	}
	fetchOpts := func(timeout time.Duration) []fetch.Option {
		opts := []fetch.Option{fetch.WithTimeout(timeout), fetch.WithHeader("User-Agent", "oddswatch/1.0")}
		if m != nil {
			opts = append(opts, fetch.WithObserver(m))
		}
		return opts
	}

	var venues []venueClient
	var polyClient *polymarket.Client
	if cfg.Polymarket.Enabled {
		f := fetch.NewFetcher(models.VenuePolymarket,
			fetch.NewTokenBucket(cfg.Polymarket.RateLimit, float64(cfg.Polymarket.Burst)),
			policy, fetchOpts(cfg.Polymarket.Timeout)...)
		polyClient = polymarket.NewClient(f, cfg.Polymarket.GammaAPIURL, cfg.Polymarket.DataAPIURL, cfg.Polymarket.TagSlug)
		venues = append(venues, venueClient{client: polyClient, interval: cfg.Polymarket.PollInterval})
	}
	if cfg.Kalshi.Enabled {
		f := fetch.NewFetcher(models.VenueKalshi,
			fetch.NewTokenBucket(cfg.Kalshi.RateLimit, float64(cfg.Kalshi.Burst)),
			policy, fetchOpts(cfg.Kalshi.Timeout)...)
		venues = append(venues, venueClient{
			client:   kalshi.NewClient(f, cfg.Kalshi.BaseURL, cfg.Kalshi.Categories),
			interval: cfg.Kalshi.PollInterval,
		})
	}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID,
			cfg.Telegram.AllowedChats, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	monitorOpts := []monitor.Option{monitor.WithRecorder(store)}
	if telegramClient != nil {
		monitorOpts = append(monitorOpts, monitor.WithNotifier(telegramClient))
	}
	if m != nil {
		monitorOpts = append(monitorOpts, monitor.WithObserver(m))
	}
	mon := monitor.New(series.NewStore(cfg.Detector.Retention()), tr, monitor.Config{
		Detector: monitor.DetectorConfig{
			ZThreshold:            cfg.Detector.ZThreshold,
			SpikeWindow:           cfg.Detector.SpikeWindow(),
			SpikePercentage:       cfg.Detector.SpikePercentage,
			VolumeSurgeMultiplier: cfg.Detector.VolumeSurgeMultiplier,
		},
		MinVolume:        cfg.Tracker.MinVolume,
		MaxSpread:        cfg.Tracker.MaxSpread,
		ExcludeTags:      cfg.Tracker.ExcludeTags,
		NotifyNewMarkets: cfg.Tracker.NotifyNewMarkets,
	}, monitorOpts...)

	a := newApp(cfg, mon, tr, stateStore, store, m, telegramClient)
	for _, v := range venues {
		a.venues = append(a.venues, v.client.Venue())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if telegramClient != nil {
		telegramClient.SetStatusProvider(a)
		telegramClient.ListenForCommands(ctx)
		if cfg.Telegram.SendStatus {
			if err := telegramClient.SendStatus(ctx, a.Status()); err != nil {
				logger.Warn("Failed to send startup status to Telegram: %v", err)
			}
		}
	}

	logger.Info("Starting oddswatch (venues: %v, z: %.1f, spike: %.0f%%/%v, surge: %.1fx, change: %.1fpp)",
		a.venues,
		cfg.Detector.ZThreshold,
		cfg.Detector.SpikePercentage,
		cfg.Detector.SpikeWindow(),
		cfg.Detector.VolumeSurgeMultiplier,
		cfg.Tracker.ProbabilityChangeThreshold,
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range venues {
		g.Go(func() error { return a.pollVenue(gctx, v.client, v.interval) })
	}
	g.Go(func() error { return a.saveLoop(gctx, cfg.State.SaveInterval) })
	if cfg.Tracker.TrackEventSlug != "" && polyClient != nil {
		g.Go(func() error { return a.trackEvent(gctx, polyClient) })
	}
	if m != nil {
		g.Go(func() error {
			if err := m.Serve(gctx, cfg.Metrics.ListenAddr); err != nil {
				logger.Error("Metrics server failed: %v", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Task failed: %v", err)
	}

	logger.Info("Shutdown signal received, saving state...")
	a.saveState()
	logger.Info("Service stopped")
}
