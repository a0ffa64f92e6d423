package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marketrouter/config"
	"marketrouter/internal/metrics"
	"marketrouter/logger"
	"marketrouter/models"
)

// StatusProviders supplies the live component snapshots rendered by the
// status endpoint. Nil providers are skipped.
type StatusProviders struct {
	Cache        func() CacheStatus
	Subscription func() SubscriptionStatus
	Channels     func() ChannelStatus
	RateLimit    func() RateLimitStatus
	Stream       func() StreamStatus
	Latency      func() LatencyStatus

	// Backfill, when set, enables the POST /api/backfill endpoint for
	// triggering candle gap collection on demand.
	Backfill func(ctx context.Context, sym models.TradingSymbol, tf models.Timeframe, from, to time.Time) error
}

type CacheStatus struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	FastLen int   `json:"fast_entries"`
	SlowLen int   `json:"slow_entries"`
}

type SubscriptionStatus struct {
	UsedSlots int      `json:"used_slots"`
	MaxSlots  int      `json:"max_slots"`
	Streams   []string `json:"streams,omitempty"`
}

type ChannelStatus struct {
	StreamSent    int64 `json:"stream_sent"`
	StreamDropped int64 `json:"stream_dropped"`
}

type RateLimitStatus struct {
	RESTUsage float64 `json:"rest_usage"`
	WSUsage   float64 `json:"ws_usage"`
	RESTLeft  int     `json:"rest_weight_left"`
}

type StreamStatus struct {
	Healthy bool `json:"healthy"`
}

// LatencyStatus carries the router's rolling per-channel response time
// averages.
type LatencyStatus struct {
	RESTAvgMs float64 `json:"rest_avg_ms"`
	WSAvgMs   float64 `json:"ws_avg_ms"`
}

// Server hosts the JSON monitoring API for the router.
type Server struct {
	cfg               config.DashboardConfig
	log               *logger.Log
	metricStore       *metricStore
	logStore          *logStore
	metricHandler     metrics.MetricHandlerID
	httpServer        *http.Server
	refreshIntervalMs int
	resourceSampler   *resourceSampler
	providers         StatusProviders
	startedAt         time.Time
}

// NewServer constructs a dashboard server when the dashboard feature is
// enabled. When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, providers StatusProviders, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Addr = normalizeAddress(cfg.Addr)

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	sampler := newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, log)

	server := &Server{
		cfg:               cfg,
		log:               log,
		metricStore:       metricStore,
		logStore:          logStore,
		metricHandler:     handlerID,
		refreshIntervalMs: int(cfg.RefreshInterval / time.Millisecond),
		resourceSampler:   sampler,
		providers:         providers,
		startedAt:         time.Now().UTC(),
	}

	return server, nil
}

// Run starts the dashboard HTTP server and blocks until the provided
// context is cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	if s.resourceSampler != nil {
		s.resourceSampler.start(ctx)
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.resourceSampler != nil {
		s.resourceSampler.stop()
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Addr
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	// Allow running behind load balancers by trusting all proxies by
	// default. Users can override Gin's trusted proxy list via the
	// GIN_TRUSTED_PROXIES environment variable if needed.
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/api/status", func(c *gin.Context) {
		payload := gin.H{
			"app":                 appName,
			"started_at":          s.startedAt.Format(time.RFC3339),
			"uptime_seconds":      int(time.Since(s.startedAt) / time.Second),
			"refresh_interval_ms": s.refreshIntervalMs,
		}
		if s.providers.Cache != nil {
			payload["cache"] = s.providers.Cache()
		}
		if s.providers.Subscription != nil {
			payload["subscription"] = s.providers.Subscription()
		}
		if s.providers.Channels != nil {
			payload["channels"] = s.providers.Channels()
		}
		if s.providers.RateLimit != nil {
			payload["rate_limit"] = s.providers.RateLimit()
		}
		if s.providers.Stream != nil {
			payload["stream"] = s.providers.Stream()
		}
		if s.providers.Latency != nil {
			payload["latency"] = s.providers.Latency()
		}
		c.JSON(http.StatusOK, payload)
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		logsSnapshot := s.logStore.snapshot()
		payload := make([]gin.H, 0, len(logsSnapshot))
		for _, l := range logsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	if s.providers.Backfill != nil {
		router.POST("/api/backfill", func(c *gin.Context) {
			sym, err := models.ParseSymbol(c.Query("symbol"))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			tf, err := models.ParseTimeframe(c.Query("timeframe"))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			from, err := time.Parse(time.RFC3339, c.Query("from"))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
				return
			}
			to, err := time.Parse(time.RFC3339, c.Query("to"))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
				return
			}
			if !from.Before(to) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "from must precede to"})
				return
			}
			if err := s.providers.Backfill(c.Request.Context(), sym, tf, from, to); err != nil {
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "completed"})
		})
	}

	router.GET("/api/resources", func(c *gin.Context) {
		snapshots := s.resourceSampler.snapshot()
		payload := make([]gin.H, 0, len(snapshots))
		for _, snap := range snapshots {
			payload = append(payload, gin.H{
				"timestamp":      snap.Timestamp.Format(time.RFC3339Nano),
				"cpu_percent":    snap.CPUPercent,
				"memory_used":    snap.MemoryUsed,
				"memory_total":   snap.MemoryTotal,
				"memory_percent": snap.MemoryPct,
			})
		}
		c.JSON(http.StatusOK, gin.H{"resources": payload})
	})

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8090"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8090"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8090")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8090")
	}

	return addr
}
