package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"marketrouter/config"
	"marketrouter/internal/channel"
	"marketrouter/internal/ratelimit"
	"marketrouter/logger"
	"marketrouter/models"
)

// streamControl is the subscribe/unsubscribe frame format of the
// exchange's stream API.
type streamControl struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// StreamTransport owns the single WebSocket connection to the exchange.
// It is constructed in two phases: New wires dependencies, Start opens
// the connection and launches the read and ping loops. The desired
// stream set is declarative; each reconnect replays it in full.
type StreamTransport struct {
	config   config.SourceConfig
	channels *channel.Channels
	tracker  *ratelimit.Tracker

	connMu sync.Mutex
	conn   *websocket.Conn

	declaredMu sync.Mutex
	declared   map[string]struct{}

	lastMessage atomic.Int64
	controlID   atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewStreamTransport wires the stream transport without touching the
// network.
func NewStreamTransport(cfg config.SourceConfig, ch *channel.Channels, tracker *ratelimit.Tracker) *StreamTransport {
	return &StreamTransport{
		config:   cfg,
		channels: ch,
		tracker:  tracker,
		declared: make(map[string]struct{}),
		log:      logger.GetLogger(),
	}
}

// Start opens the connection and launches the background loops.
func (t *StreamTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("stream transport already running")
	}
	t.running = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	log := t.log.WithComponent("stream_transport").WithFields(logger.Fields{"operation": "start"})

	t.wg.Add(1)
	go t.runLoop()

	log.WithFields(logger.Fields{"url": t.config.WebSocketURL}).Info("stream transport started")
	return nil
}

// Stop closes the connection and waits for the loops to exit.
func (t *StreamTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.mu.Unlock()

	t.cancel()
	t.closeConn()
	t.wg.Wait()
	t.log.WithComponent("stream_transport").Info("stream transport stopped")
	return nil
}

// Healthy reports whether the connection is up and has delivered a frame
// within two heartbeat intervals. A silent connection counts as down even
// while TCP still looks alive.
func (t *StreamTransport) Healthy() bool {
	t.connMu.Lock()
	connected := t.conn != nil
	t.connMu.Unlock()
	if !connected {
		return false
	}

	t.declaredMu.Lock()
	idle := len(t.declared) == 0
	t.declaredMu.Unlock()
	if idle {
		// No streams declared: connectivity alone decides health.
		return true
	}

	last := t.lastMessage.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.UnixMilli(last)) < 2*t.config.Heartbeat
}

// Declare replaces the full desired stream set. Streams missing from the
// wire are subscribed, streams no longer wanted are unsubscribed. The
// wire operations count against the stream control budget. A rejected
// declare restores the previous set, so a reconnect replays only streams
// the caller still owns.
func (t *StreamTransport) Declare(ctx context.Context, streams []string) error {
	desired := make(map[string]struct{}, len(streams))
	for _, s := range streams {
		desired[s] = struct{}{}
	}

	t.declaredMu.Lock()
	prev := t.declared
	var toAdd, toRemove []string
	for s := range desired {
		if _, ok := prev[s]; !ok {
			toAdd = append(toAdd, s)
		}
	}
	for s := range prev {
		if _, ok := desired[s]; !ok {
			toRemove = append(toRemove, s)
		}
	}
	t.declared = desired
	t.declaredMu.Unlock()

	sort.Strings(toAdd)
	sort.Strings(toRemove)

	if len(toAdd) == 0 && len(toRemove) == 0 {
		return nil
	}

	rollback := func() {
		t.declaredMu.Lock()
		t.declared = prev
		t.declaredMu.Unlock()
	}

	log := t.log.WithComponent("stream_transport").WithFields(logger.Fields{
		"subscribe":   toAdd,
		"unsubscribe": toRemove,
	})

	if len(toRemove) > 0 {
		if err := t.sendControl(ctx, "UNSUBSCRIBE", toRemove); err != nil {
			rollback()
			log.WithError(err).Warn("failed to unsubscribe streams")
			return err
		}
	}
	if len(toAdd) > 0 {
		if err := t.sendControl(ctx, "SUBSCRIBE", toAdd); err != nil {
			rollback()
			log.WithError(err).Warn("failed to subscribe streams")
			return err
		}
	}

	log.Info("stream set reconciled")
	return nil
}

// DeclaredStreams returns the current desired set, sorted.
func (t *StreamTransport) DeclaredStreams() []string {
	t.declaredMu.Lock()
	defer t.declaredMu.Unlock()
	out := make([]string, 0, len(t.declared))
	for s := range t.declared {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (t *StreamTransport) sendControl(ctx context.Context, method string, params []string) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return &models.ChannelUnavailableError{
			Channel: models.ChannelWebSocket,
			Cause:   fmt.Errorf("not connected"),
		}
	}

	t.tracker.RecordWSOp()
	frame := streamControl{Method: method, Params: params, ID: t.controlID.Add(1)}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(frame); err != nil {
		return &models.ChannelUnavailableError{Channel: models.ChannelWebSocket, Cause: err}
	}
	return nil
}

func (t *StreamTransport) runLoop() {
	defer t.wg.Done()

	log := t.log.WithComponent("stream_transport").WithFields(logger.Fields{"worker": "run_loop"})
	dialer := websocket.DefaultDialer

	for {
		if t.ctx.Err() != nil {
			return
		}

		conn, _, err := dialer.DialContext(t.ctx, t.config.WebSocketURL, nil)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"url": t.config.WebSocketURL}).Warn("failed to connect to stream")
			if t.waitForReconnect() {
				return
			}
			continue
		}

		t.connMu.Lock()
		t.conn = conn
		t.connMu.Unlock()
		t.lastMessage.Store(time.Now().UnixMilli())

		if err := t.replayDeclared(); err != nil {
			log.WithError(err).Warn("failed to replay stream set after connect")
			t.closeConn()
			if t.waitForReconnect() {
				return
			}
			continue
		}

		pingCancel := t.startPingLoop(conn)

		if err := t.readMessages(conn); err != nil && t.ctx.Err() == nil {
			log.WithError(err).Warn("stream read loop ended")
		}

		pingCancel()
		t.closeConn()

		if t.ctx.Err() != nil {
			return
		}
		if t.waitForReconnect() {
			return
		}
	}
}

// replayDeclared re-subscribes the full declared set on a fresh
// connection.
func (t *StreamTransport) replayDeclared() error {
	streams := t.DeclaredStreams()
	if len(streams) == 0 {
		return nil
	}
	return t.sendControl(t.ctx, "SUBSCRIBE", streams)
}

func (t *StreamTransport) readMessages(conn *websocket.Conn) error {
	for {
		if t.ctx.Err() != nil {
			return t.ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		t.lastMessage.Store(time.Now().UnixMilli())
		t.dispatch(data)
	}
}

// dispatch classifies one frame by its event type and forwards it as a
// raw message. Control acks and unknown frames are dropped silently.
func (t *StreamTransport) dispatch(data []byte) {
	var head struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.EventType == "" {
		return
	}
	dataType, ok := eventDataType(head.EventType)
	if !ok {
		return
	}

	logger.IncrementWSMessage(len(data))
	logger.RecordChannelMessage(strings.ToLower(head.Symbol)+"@"+string(dataType), len(data))

	msg := models.RawMessage{
		Exchange:    t.config.Exchange,
		Symbol:      head.Symbol,
		DataType:    dataType,
		Data:        data,
		Timestamp:   time.Now().UTC(),
		MessageType: "stream",
	}
	if !t.channels.SendStream(t.ctx, msg) && t.ctx.Err() == nil {
		t.log.WithComponent("stream_transport").WithFields(logger.Fields{
			"symbol":    head.Symbol,
			"data_type": dataType,
		}).Warn("stream channel full, dropping frame")
	}
}

func (t *StreamTransport) startPingLoop(conn *websocket.Conn) context.CancelFunc {
	interval := t.config.Heartbeat
	if interval <= 0 {
		interval = 20 * time.Second
	}
	pingCtx, cancel := context.WithCancel(t.ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					t.log.WithComponent("stream_transport").WithError(err).Warn("failed to send ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}

func (t *StreamTransport) waitForReconnect() bool {
	delay := t.config.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-t.ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func (t *StreamTransport) closeConn() {
	t.connMu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.connMu.Unlock()
}
