package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketrouter/config"
	"marketrouter/internal/channel"
	"marketrouter/internal/metrics"
	"marketrouter/internal/transport"
	"marketrouter/internal/unify"
	"marketrouter/logger"
	"marketrouter/models"
)

// ErrNoSlots is returned when a subscription would need a fifth slot.
// Callers fall back to REST instead of failing the request.
var ErrNoSlots = errors.New("no free subscription slots")

// slot holds the subscribed symbols for one data type.
type slot struct {
	dataType models.DataType
	interval models.Timeframe
	symbols  map[models.TradingSymbol]struct{}
}

func (s *slot) clone() *slot {
	c := &slot{dataType: s.dataType, interval: s.interval, symbols: make(map[models.TradingSymbol]struct{}, len(s.symbols))}
	for sym := range s.symbols {
		c.symbols[sym] = struct{}{}
	}
	return c
}

// latestEntry is the most recent unified payload seen on a stream.
type latestEntry struct {
	payload    *models.UnifiedPayload
	receivedAt time.Time
}

// Manager owns the stream subscription state: a fixed number of slots,
// one per data type, each carrying a symbol set. Every mutation
// re-declares the full desired stream set on the transport and rolls the
// in-memory state back if the wire refuses it.
//
// The manager also consumes the raw stream channel, unifies frames and
// keeps the latest payload per (symbol, dataType) for live reads.
type Manager struct {
	config   config.SubscriptionConfig
	client   transport.StreamClient
	channels *channel.Channels
	unifier  *unify.Unifier

	mu    sync.Mutex
	slots map[models.DataType]*slot

	latestMu sync.RWMutex
	latest   map[string]latestEntry
	waiters  map[string][]chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lifeMu  sync.Mutex
	running bool
	log     *logger.Log
}

// NewManager wires the subscription manager.
func NewManager(cfg config.SubscriptionConfig, client transport.StreamClient, ch *channel.Channels, unifier *unify.Unifier) *Manager {
	return &Manager{
		config:   cfg,
		client:   client,
		channels: ch,
		unifier:  unifier,
		slots:    make(map[models.DataType]*slot),
		latest:   make(map[string]latestEntry),
		waiters:  make(map[string][]chan struct{}),
		log:      logger.GetLogger(),
	}
}

// Start launches the stream consumer loop.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.running {
		return fmt.Errorf("subscription manager already running")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.wg.Add(1)
	go m.consumeLoop()

	m.log.WithComponent("subscription").WithFields(logger.Fields{
		"max_slots": m.config.MaxSlots,
	}).Info("subscription manager started")
	return nil
}

// Stop halts the consumer loop.
func (m *Manager) Stop() error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if !m.running {
		return nil
	}
	m.cancel()
	m.wg.Wait()
	m.running = false
	m.log.WithComponent("subscription").Info("subscription manager stopped")
	return nil
}

// Subscribe adds a symbol to the slot serving its data type. Subscribing
// an already-covered pair is a no-op without wire traffic. The whole
// mutation is rolled back when the stream set cannot be declared.
func (m *Manager) Subscribe(ctx context.Context, symbol models.TradingSymbol, dataType models.DataType, interval models.Timeframe) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[dataType]
	if ok {
		if _, subscribed := s.symbols[symbol]; subscribed && (dataType != models.DataTypeCandles || s.interval == interval) {
			return nil
		}
	} else if len(m.slots) >= m.config.MaxSlots {
		return ErrNoSlots
	}

	prev := m.snapshotLocked()
	if !ok {
		s = &slot{dataType: dataType, interval: interval, symbols: make(map[models.TradingSymbol]struct{})}
		m.slots[dataType] = s
	}
	if dataType == models.DataTypeCandles {
		s.interval = interval
	}
	s.symbols[symbol] = struct{}{}

	if err := m.declareLocked(ctx); err != nil {
		m.slots = prev
		return err
	}

	m.log.WithComponent("subscription").WithFields(logger.Fields{
		"symbol":    symbol.Canonical(),
		"data_type": dataType,
		"slots":     len(m.slots),
	}).Info("subscribed")
	return nil
}

// Unsubscribe removes a symbol from its slot, releasing the slot when it
// empties. Removing an unknown pair is a no-op.
func (m *Manager) Unsubscribe(ctx context.Context, symbol models.TradingSymbol, dataType models.DataType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[dataType]
	if !ok {
		return nil
	}
	if _, subscribed := s.symbols[symbol]; !subscribed {
		return nil
	}

	prev := m.snapshotLocked()
	delete(s.symbols, symbol)
	if len(s.symbols) == 0 {
		delete(m.slots, dataType)
	}

	if err := m.declareLocked(ctx); err != nil {
		m.slots = prev
		return err
	}

	m.log.WithComponent("subscription").WithFields(logger.Fields{
		"symbol":    symbol.Canonical(),
		"data_type": dataType,
		"slots":     len(m.slots),
	}).Info("unsubscribed")
	return nil
}

// IsSubscribed reports whether the pair is currently covered by a slot.
func (m *Manager) IsSubscribed(symbol models.TradingSymbol, dataType models.DataType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[dataType]
	if !ok {
		return false
	}
	_, subscribed := s.symbols[symbol]
	return subscribed
}

// UsedSlots returns the number of occupied slots.
func (m *Manager) UsedSlots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

func (m *Manager) snapshotLocked() map[models.DataType]*slot {
	snap := make(map[models.DataType]*slot, len(m.slots))
	for dt, s := range m.slots {
		snap[dt] = s.clone()
	}
	return snap
}

// declareLocked pushes the full desired stream set to the transport.
// Caller holds the slot mutex.
func (m *Manager) declareLocked(ctx context.Context) error {
	var streams []string
	for _, s := range m.slots {
		for sym := range s.symbols {
			streams = append(streams, transport.StreamName(sym, s.dataType, s.interval))
		}
	}
	declareCtx, cancel := context.WithTimeout(ctx, m.config.DeclareTimeout)
	defer cancel()
	return m.client.Declare(declareCtx, streams)
}

// Latest returns the most recent unified payload for the pair and its
// receive time.
func (m *Manager) Latest(symbol models.TradingSymbol, dataType models.DataType) (*models.UnifiedPayload, time.Time, bool) {
	m.latestMu.RLock()
	defer m.latestMu.RUnlock()
	e, ok := m.latest[latestKey(symbol, dataType)]
	if !ok {
		return nil, time.Time{}, false
	}
	return e.payload, e.receivedAt, true
}

// WaitLatest blocks until a payload for the pair arrives or the context
// expires. A payload already present returns immediately.
func (m *Manager) WaitLatest(ctx context.Context, symbol models.TradingSymbol, dataType models.DataType) (*models.UnifiedPayload, error) {
	key := latestKey(symbol, dataType)
	start := time.Now()

	m.latestMu.Lock()
	if e, ok := m.latest[key]; ok {
		m.latestMu.Unlock()
		return e.payload, nil
	}
	ch := make(chan struct{})
	m.waiters[key] = append(m.waiters[key], ch)
	m.latestMu.Unlock()

	select {
	case <-ch:
		m.latestMu.RLock()
		e, ok := m.latest[key]
		m.latestMu.RUnlock()
		if !ok {
			return nil, &models.ChannelUnavailableError{Channel: models.ChannelWebSocket, Cause: fmt.Errorf("stream payload vanished")}
		}
		return e.payload, nil
	case <-ctx.Done():
		return nil, &models.TimeoutError{Channel: models.ChannelWebSocket, Waited: time.Since(start)}
	}
}

func (m *Manager) consumeLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg, ok := <-m.channels.Stream:
			if !ok {
				return
			}
			m.handleFrame(msg)
		}
	}
}

func (m *Manager) handleFrame(msg models.RawMessage) {
	payload, err := m.unifier.Unify(msg)
	if err != nil {
		metrics.EmitDropMetric(m.log, metrics.DropMetricMalformed, msg.Exchange, msg.Symbol, "unify")
		return
	}
	for sym := range payload.SymbolSet() {
		key := latestKey(sym, payload.DataType)
		m.latestMu.Lock()
		m.latest[key] = latestEntry{payload: payload, receivedAt: msg.Timestamp}
		for _, ch := range m.waiters[key] {
			close(ch)
		}
		delete(m.waiters, key)
		m.latestMu.Unlock()
	}
}

func latestKey(symbol models.TradingSymbol, dataType models.DataType) string {
	return symbol.Native() + ":" + string(dataType)
}
