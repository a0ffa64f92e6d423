package router

import (
	"sync"

	"marketrouter/models"
)

// latencyWindow keeps a fixed-size ring of recent response times per
// channel so the router can report a rolling average. Old samples fall
// out as new ones overwrite them.
type latencyWindow struct {
	mu    sync.Mutex
	size  int
	rings map[models.Channel]*latencyRing
}

type latencyRing struct {
	samples []float64
	next    int
	count   int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 64
	}
	return &latencyWindow{
		size:  size,
		rings: make(map[models.Channel]*latencyRing),
	}
}

// Record stores one response time, in milliseconds, for the channel.
func (w *latencyWindow) Record(ch models.Channel, ms float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ring, ok := w.rings[ch]
	if !ok {
		ring = &latencyRing{samples: make([]float64, w.size)}
		w.rings[ch] = ring
	}
	ring.samples[ring.next] = ms
	ring.next = (ring.next + 1) % len(ring.samples)
	if ring.count < len(ring.samples) {
		ring.count++
	}
}

// Average returns the mean of the held samples, zero when the channel
// has none.
func (w *latencyWindow) Average(ch models.Channel) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	ring, ok := w.rings[ch]
	if !ok || ring.count == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < ring.count; i++ {
		sum += ring.samples[i]
	}
	return sum / float64(ring.count)
}
