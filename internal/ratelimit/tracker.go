package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"marketrouter/config"
	"marketrouter/logger"
	"marketrouter/models"
)

// event is one consumed unit of budget with its weight.
type event struct {
	at     time.Time
	weight int
}

// window is a sliding-window counter over weighted events. It carries its
// own mutex so budget accounting never contends with routing state.
type window struct {
	mu     sync.Mutex
	span   time.Duration
	limit  int
	events []event
	now    func() time.Time
}

func newWindow(span time.Duration, limit int, now func() time.Time) *window {
	return &window{span: span, limit: limit, now: now}
}

func (w *window) add(weight int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.evict(now)
	w.events = append(w.events, event{at: now, weight: weight})
}

// evict drops events older than the span. Caller holds the mutex.
func (w *window) evict(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.events) && w.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

func (w *window) used() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(w.now())
	total := 0
	for _, e := range w.events {
		total += e.weight
	}
	return total
}

// Tracker accounts for consumed rate budget on both exchange channels.
// REST budget is weight-based per the exchange's request weights, the
// WebSocket budget counts control operations (subscribe/unsubscribe).
type Tracker struct {
	restWindow *window
	wsWindow   *window
	limiter    *rate.Limiter
	log        *logger.Log
}

// NewTracker builds a tracker from configuration.
func NewTracker(cfg config.RateLimitConfig) *Tracker {
	now := func() time.Time { return time.Now().UTC() }
	return &Tracker{
		restWindow: newWindow(cfg.Window, cfg.RESTWeightPerMinute, now),
		wsWindow:   newWindow(cfg.Window, cfg.WSOpsPerMinute, now),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
		log:        logger.GetLogger(),
	}
}

// withClock replaces the window clocks, for tests.
func (t *Tracker) withClock(now func() time.Time) *Tracker {
	t.restWindow.now = now
	t.wsWindow.now = now
	return t
}

// RecordREST consumes REST weight from the sliding window.
func (t *Tracker) RecordREST(weight int) {
	t.restWindow.add(weight)
}

// RecordWSOp consumes one WebSocket control operation.
func (t *Tracker) RecordWSOp() {
	t.wsWindow.add(1)
}

// UsageFraction returns consumed budget over the window as a fraction of
// the limit, clamped to [0, 1].
func (t *Tracker) UsageFraction(ch models.Channel) float64 {
	w := t.windowFor(ch)
	if w == nil || w.limit <= 0 {
		return 0
	}
	f := float64(w.used()) / float64(w.limit)
	if f > 1 {
		f = 1
	}
	return f
}

// WouldExceed reports whether consuming the given weight now would push
// the channel past its window limit.
func (t *Tracker) WouldExceed(ch models.Channel, weight int) bool {
	w := t.windowFor(ch)
	if w == nil {
		return false
	}
	return w.used()+weight > w.limit
}

// Remaining returns the unconsumed budget for the channel.
func (t *Tracker) Remaining(ch models.Channel) int {
	w := t.windowFor(ch)
	if w == nil {
		return 0
	}
	r := w.limit - w.used()
	if r < 0 {
		r = 0
	}
	return r
}

func (t *Tracker) windowFor(ch models.Channel) *window {
	switch ch {
	case models.ChannelREST:
		return t.restWindow
	case models.ChannelWebSocket:
		return t.wsWindow
	}
	return nil
}

// WaitREST blocks until the request pacer admits one REST call or the
// context is cancelled. This paces bursts; the sliding window guards the
// per-minute weight ceiling.
func (t *Tracker) WaitREST(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}
