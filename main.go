package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketrouter/config"
	"marketrouter/internal/adaptive"
	"marketrouter/internal/cache"
	"marketrouter/internal/channel"
	"marketrouter/internal/collection"
	"marketrouter/internal/dashboard"
	"marketrouter/internal/frequency"
	"marketrouter/internal/metrics"
	"marketrouter/internal/ratelimit"
	"marketrouter/internal/router"
	"marketrouter/internal/selector"
	"marketrouter/internal/subscription"
	"marketrouter/internal/transport"
	"marketrouter/internal/unify"
	"marketrouter/logger"
	"marketrouter/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Marketrouter.Name,
		"version":     cfg.Marketrouter.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting marketrouter")

	if config.IsProductionLike(config.AppEnvironment()) {
		logger.InitCloudWatch("", cfg.Marketrouter.Name, cfg.Logging.DashboardName)
	}
	metrics.Init(cfg.Metrics.PrometheusAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(cfg.Channels.RawBuffer)
	defer channels.Close()

	tracker := ratelimit.NewTracker(cfg.RateLimit)
	analyzer := frequency.NewAnalyzer(cfg.Frequency)
	store := cache.New(cfg.Cache)
	unifier := unify.NewUnifier()

	rest := transport.NewRESTTransport(cfg.Source, cfg.Router.Retry, tracker, cfg.Router.RESTTimeout)
	stream := transport.NewStreamTransport(cfg.Source, channels, tracker)
	subs := subscription.NewManager(cfg.Subscription, stream, channels, unifier)

	engine := adaptive.NewEngine(
		cfg.Adaptive,
		cfg.Cache,
		cfg.Selector,
		cfg.Router.WSWaitTimeout,
		store,
		subs,
		rest,
		stream,
		tracker,
		analyzer,
		unifier,
	)

	smartRouter := router.New(
		cfg.Router,
		cfg.Selector,
		selector.NewScoringSelector(cfg.Selector),
		analyzer,
		tracker,
		store,
		subs,
		rest,
		stream,
		unifier,
		engine,
	)

	var repo collection.Repository
	if cfg.Storage.Postgres.Enabled {
		pgRepo, err := collection.NewPostgresRepository(ctx, cfg.Storage.Postgres)
		if err != nil {
			log.WithError(err).Error("failed to connect collection status storage")
			os.Exit(1)
		}
		repo = pgRepo
		log.WithComponent("main").Info("collection status persisted in postgres")
	} else {
		repo = collection.NewMemoryRepository()
		log.WithComponent("main").Info("postgres disabled; collection status kept in memory")
	}
	defer repo.Close()

	collector := collection.NewManager(cfg.Collection, repo, smartRouter)

	providers := dashboardProviders(cfg, store, subs, channels, tracker, stream, smartRouter)
	providers.Backfill = collector.Backfill

	dash, err := dashboard.NewServer(cfg.Dashboard, providers, log)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard server")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	startComponent := func(name string, start func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := start(ctx); err != nil {
				log.WithError(err).WithFields(logger.Fields{"component": name}).Warn("component failed to start")
			}
		}()
	}

	startComponent("cache", store.Start)
	startComponent("frequency", analyzer.Start)
	startComponent("stream", stream.Start)
	startComponent("subscription", subs.Start)

	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx, cfg.Marketrouter.Name); err != nil {
				log.WithError(err).Warn("dashboard server exited")
			}
		}()
		log.WithFields(logger.Fields{"addr": dash.Address()}).Info("dashboard listening")
	}

	time.Sleep(2 * time.Second)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping subscription manager")
	if err := subs.Stop(); err != nil {
		log.WithError(err).Warn("subscription manager stop failed")
	}

	log.Info("stopping stream transport")
	if err := stream.Stop(); err != nil {
		log.WithError(err).Warn("stream transport stop failed")
	}

	log.Info("stopping frequency analyzer")
	if err := analyzer.Stop(); err != nil {
		log.WithError(err).Warn("frequency analyzer stop failed")
	}

	log.Info("stopping cache")
	if err := store.Stop(); err != nil {
		log.WithError(err).Warn("cache stop failed")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketrouter stopped")
}

func dashboardProviders(
	cfg *config.Config,
	store *cache.Cache,
	subs *subscription.Manager,
	channels *channel.Channels,
	tracker *ratelimit.Tracker,
	stream *transport.StreamTransport,
	smartRouter *router.SmartRouter,
) dashboard.StatusProviders {
	return dashboard.StatusProviders{
		Cache: func() dashboard.CacheStatus {
			hits, misses, fastLen, slowLen := store.Stats()
			return dashboard.CacheStatus{Hits: hits, Misses: misses, FastLen: fastLen, SlowLen: slowLen}
		},
		Subscription: func() dashboard.SubscriptionStatus {
			return dashboard.SubscriptionStatus{
				UsedSlots: subs.UsedSlots(),
				MaxSlots:  cfg.Subscription.MaxSlots,
				Streams:   stream.DeclaredStreams(),
			}
		},
		Channels: func() dashboard.ChannelStatus {
			stats := channels.GetStats()
			return dashboard.ChannelStatus{StreamSent: stats.StreamSent, StreamDropped: stats.StreamDropped}
		},
		RateLimit: func() dashboard.RateLimitStatus {
			return dashboard.RateLimitStatus{
				RESTUsage: tracker.UsageFraction(models.ChannelREST),
				WSUsage:   tracker.UsageFraction(models.ChannelWebSocket),
				RESTLeft:  tracker.Remaining(models.ChannelREST),
			}
		},
		Stream: func() dashboard.StreamStatus {
			return dashboard.StreamStatus{Healthy: stream.Healthy()}
		},
		Latency: func() dashboard.LatencyStatus {
			return dashboard.LatencyStatus{
				RESTAvgMs: smartRouter.AverageLatencyMs(models.ChannelREST),
				WSAvgMs:   smartRouter.AverageLatencyMs(models.ChannelWebSocket),
			}
		},
	}
}
