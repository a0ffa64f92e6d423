package channel

import (
	"context"
	"sync"

	"marketrouter/internal/metrics"
	"marketrouter/logger"
	"marketrouter/models"
)

type ChannelStats struct {
	StreamSent    int64
	StreamDropped int64
}

// Channels carries raw stream frames from the WebSocket reader to the
// subscription distributor. Sends never block: a full buffer drops the
// frame and counts it, because a fresh frame always supersedes a stale one.
type Channels struct {
	Stream chan models.RawMessage

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(streamBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Stream: make(chan models.RawMessage, streamBufferSize),
		log:    log,
	}

	log.WithComponent("stream_channels").WithFields(logger.Fields{
		"stream_buffer_size": streamBufferSize,
	}).Info("stream channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Stream)
	c.log.WithComponent("stream_channels").Info("stream channels closed")
}

func (c *Channels) IncrementStreamSent() {
	c.statsMutex.Lock()
	c.stats.StreamSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementStreamDropped() {
	c.statsMutex.Lock()
	c.stats.StreamDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) SendStream(ctx context.Context, msg models.RawMessage) bool {
	select {
	case c.Stream <- msg:
		c.IncrementStreamSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementStreamDropped()
		metrics.EmitDropMetric(c.log, metrics.DropMetricStreamRaw, msg.Exchange, msg.Symbol, "stream_buffer")
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
