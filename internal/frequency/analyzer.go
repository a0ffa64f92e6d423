package frequency

import (
	"context"
	"math"
	"sync"
	"time"

	"marketrouter/config"
	"marketrouter/logger"
	"marketrouter/models"
)

// ring is a fixed-size circular buffer of request timestamps for one
// (symbol, dataType) key. Oldest entries are overwritten once full.
type ring struct {
	samples []time.Time
	head    int
	size    int
}

func newRing(capacity int) *ring {
	return &ring{samples: make([]time.Time, capacity)}
}

func (r *ring) add(t time.Time) {
	r.samples[r.head] = t
	r.head = (r.head + 1) % len(r.samples)
	if r.size < len(r.samples) {
		r.size++
	}
}

// within returns the recorded timestamps not older than cutoff, oldest first.
func (r *ring) within(cutoff time.Time) []time.Time {
	out := make([]time.Time, 0, r.size)
	start := r.head - r.size
	if start < 0 {
		start += len(r.samples)
	}
	for i := 0; i < r.size; i++ {
		t := r.samples[(start+i)%len(r.samples)]
		if !t.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func (r *ring) newest() (time.Time, bool) {
	if r.size == 0 {
		return time.Time{}, false
	}
	idx := r.head - 1
	if idx < 0 {
		idx += len(r.samples)
	}
	return r.samples[idx], true
}

// Analyzer keeps a sliding-window request history per (symbol, dataType)
// key and derives request patterns from it. Recording is cheap and happens
// on every routed request; analysis happens on demand during channel
// selection.
type Analyzer struct {
	config config.FrequencyConfig
	now    func() time.Time

	mu    sync.RWMutex
	rings map[string]*ring

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lifeMu  sync.Mutex
	running bool
	log     *logger.Log
}

// NewAnalyzer builds an analyzer from configuration. The prune loop does
// not run until Start is called.
func NewAnalyzer(cfg config.FrequencyConfig) *Analyzer {
	return &Analyzer{
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
		rings:  make(map[string]*ring),
		log:    logger.GetLogger(),
	}
}

func key(symbol models.TradingSymbol, dataType models.DataType) string {
	return symbol.Native() + ":" + string(dataType)
}

// RecordRequest appends one request observation for the key.
func (a *Analyzer) RecordRequest(symbol models.TradingSymbol, dataType models.DataType) {
	k := key(symbol, dataType)
	now := a.now()

	a.mu.Lock()
	r, ok := a.rings[k]
	if !ok {
		r = newRing(a.config.RingSize)
		a.rings[k] = r
	}
	r.add(now)
	a.mu.Unlock()
}

// Pattern analyzes the recorded history for the key over the configured
// window. Keys with fewer than three in-window samples yield a neutral
// pattern so selection proceeds on defaults instead of failing.
func (a *Analyzer) Pattern(symbol models.TradingSymbol, dataType models.DataType) models.RequestPattern {
	window := time.Duration(a.config.WindowMinutes) * time.Minute
	cutoff := a.now().Add(-window)

	a.mu.RLock()
	r, ok := a.rings[key(symbol, dataType)]
	var samples []time.Time
	if ok {
		samples = r.within(cutoff)
	}
	a.mu.RUnlock()

	if len(samples) < 3 {
		return models.NeutralPattern(len(samples))
	}

	buckets := make([]float64, a.config.WindowMinutes)
	for _, t := range samples {
		idx := int(t.Sub(cutoff) / time.Minute)
		if idx < 0 {
			idx = 0
		}
		if idx >= len(buckets) {
			idx = len(buckets) - 1
		}
		buckets[idx]++
	}

	total := float64(len(samples))
	rate := total / float64(a.config.WindowMinutes)

	peak := 0.0
	for _, b := range buckets {
		if b > peak {
			peak = b
		}
	}

	return models.RequestPattern{
		RequestsPerMinute: rate,
		PeakPerMinute:     peak,
		ConsistencyScore:  consistency(buckets),
		Trend:             trend(buckets),
		SampleCount:       len(samples),
	}
}

// consistency maps per-minute variability onto (0, 1]: a perfectly even
// request stream scores 1, a bursty one decays toward 0. The score is
// 1/(1+CV) where CV is the coefficient of variation of the minute buckets.
func consistency(buckets []float64) float64 {
	mean := 0.0
	for _, b := range buckets {
		mean += b
	}
	mean /= float64(len(buckets))
	if mean == 0 {
		return 1.0
	}
	variance := 0.0
	for _, b := range buckets {
		d := b - mean
		variance += d * d
	}
	variance /= float64(len(buckets))
	cv := math.Sqrt(variance) / mean
	return 1.0 / (1.0 + cv)
}

// trend compares the first and second halves of the window.
func trend(buckets []float64) models.RequestTrend {
	half := len(buckets) / 2
	if half == 0 {
		return models.TrendUnknown
	}
	first, second := 0.0, 0.0
	for i, b := range buckets {
		if i < half {
			first += b
		} else {
			second += b
		}
	}
	switch {
	case first == 0 && second == 0:
		return models.TrendUnknown
	case second > first*1.2:
		return models.TrendIncreasing
	case second < first*0.8:
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}

// Start launches the background prune loop that drops keys with no
// requests within the configured max age.
func (a *Analyzer) Start(ctx context.Context) error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.running {
		return nil
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.running = true

	a.wg.Add(1)
	go a.pruneLoop()

	a.log.WithComponent("frequency").WithFields(logger.Fields{
		"window_minutes": a.config.WindowMinutes,
		"ring_size":      a.config.RingSize,
	}).Info("frequency analyzer started")
	return nil
}

// Stop halts the prune loop and waits for it to exit.
func (a *Analyzer) Stop() error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if !a.running {
		return nil
	}
	a.cancel()
	a.wg.Wait()
	a.running = false
	a.log.WithComponent("frequency").Info("frequency analyzer stopped")
	return nil
}

func (a *Analyzer) pruneLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.config.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.prune()
		}
	}
}

func (a *Analyzer) prune() {
	cutoff := a.now().Add(-a.config.PruneMaxAge)
	removed := 0

	a.mu.Lock()
	for k, r := range a.rings {
		newest, ok := r.newest()
		if !ok || newest.Before(cutoff) {
			delete(a.rings, k)
			removed++
		}
	}
	remaining := len(a.rings)
	a.mu.Unlock()

	if removed > 0 {
		a.log.WithComponent("frequency").WithFields(logger.Fields{
			"removed":   removed,
			"remaining": remaining,
		}).Debug("pruned idle request histories")
	}
}

// TrackedKeys returns the number of keys currently holding history.
func (a *Analyzer) TrackedKeys() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.rings)
}
