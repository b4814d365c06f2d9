// Package feed adapts a Binance-style combined websocket stream onto
// the engine's market event interface.
package feed

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/scalper-backend/pkg/types"
)

// Handler receives decoded market events. The coordinator implements it.
type Handler interface {
	OnTrade(t types.Tick) *types.ExecutionDecision
	OnDepthUpdate(u types.DepthUpdate) *types.ExecutionDecision
	OnQuote(q types.Quote)
	OnSessionBoundary(isOpen, isClose bool)
}

// Config configures the stream adapter.
type Config struct {
	URL               string        // websocket endpoint
	Symbol            string        // lowercase stream symbol, e.g. "btcusdt"
	ReconnectInterval time.Duration // connection health check cadence
	SessionOpen       string        // "HH:MM" UTC, empty disables
	SessionClose      string        // "HH:MM" UTC, empty disables
	SessionWindow     time.Duration // width of the open/close boundary window
}

// DefaultConfig returns stream defaults.
func DefaultConfig() Config {
	return Config{
		URL:               "wss://stream.binance.com:9443/ws",
		Symbol:            "btcusdt",
		ReconnectInterval: 5 * time.Second,
		SessionWindow:     15 * time.Minute,
	}
}

// aggTradeMessage is the exchange trade payload. The "m" flag marks the
// buyer as the passive maker, so the aggressor was the seller.
type aggTradeMessage struct {
	Event        string `json:"e"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

// depthMessage is the exchange incremental depth payload. Levels are
// [price, size] string pairs; zero size removes the level.
type depthMessage struct {
	Event     string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

// bookTickerMessage is the best bid/ask payload. It carries no event
// type field.
type bookTickerMessage struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	AskPrice string `json:"a"`
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// Stream consumes the combined trade/depth/bookTicker websocket and
// forwards decoded events to the handler. Malformed frames are dropped.
type Stream struct {
	logger  *zap.Logger
	config  Config
	handler Handler

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	running   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewStream creates a market data stream adapter.
func NewStream(logger *zap.Logger, config Config, handler Handler) *Stream {
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = DefaultConfig().ReconnectInterval
	}
	if config.SessionWindow <= 0 {
		config.SessionWindow = DefaultConfig().SessionWindow
	}

	return &Stream{
		logger:  logger.Named("market-feed"),
		config:  config,
		handler: handler,
	}
}

// Start connects, subscribes, and launches the read, reconnect and
// session loops.
func (s *Stream) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("stream already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.connect(); err != nil {
		// The monitor will keep retrying; startup does not fail on a
		// transient connect error.
		s.logger.Warn("Initial connect failed, will retry", zap.Error(err))
	}

	s.wg.Add(2)
	go s.monitorLoop()
	go s.sessionLoop()

	return nil
}

// Stop closes the connection and stops all loops.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()

	s.logger.Info("Market feed stopped")
}

// Connected reports the current connection state.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Stream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.config.URL, err)
	}

	sub := subscribeRequest{
		Method: "SUBSCRIBE",
		Params: []string{
			s.config.Symbol + "@aggTrade",
			s.config.Symbol + "@depth@100ms",
			s.config.Symbol + "@bookTicker",
		},
		ID: 1,
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	s.mu.Lock()
	// Stop may have run while the dial was in flight; do not install a
	// connection on a stopped stream.
	if !s.running {
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("stream stopped during connect")
	}
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(conn)

	s.logger.Info("Market feed connected",
		zap.String("url", s.config.URL),
		zap.String("symbol", s.config.Symbol))
	return nil
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.connected = false
		}
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logger.Warn("Read failed, connection dropped", zap.Error(err))
			return
		}
		s.dispatch(raw)
	}
}

// dispatch routes a raw frame by its event type. bookTicker frames have
// no "e" field. Frames that fail to decode are dropped.
func (s *Stream) dispatch(raw []byte) {
	var probe struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}

	switch probe.Event {
	case "aggTrade":
		s.handleTrade(raw)
	case "depthUpdate":
		s.handleDepth(raw)
	case "":
		s.handleBookTicker(raw)
	}
}

func (s *Stream) handleTrade(raw []byte) {
	var msg aggTradeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return
	}
	volume, err := decimal.NewFromString(msg.Quantity)
	if err != nil {
		return
	}

	aggressor := types.SideBuy
	if msg.BuyerIsMaker {
		aggressor = types.SideSell
	}

	s.handler.OnTrade(types.Tick{
		Time:      time.UnixMilli(msg.TradeTime).UTC(),
		Price:     price,
		Volume:    volume,
		Aggressor: aggressor,
	})
}

func (s *Stream) handleDepth(raw []byte) {
	var msg depthMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	asOf := time.UnixMilli(msg.EventTime).UTC()
	s.applyLevels(msg.Bids, types.BookBid, asOf)
	s.applyLevels(msg.Asks, types.BookAsk, asOf)
}

func (s *Stream) applyLevels(levels [][]string, side types.BookSide, asOf time.Time) {
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		price, err := decimal.NewFromString(lvl[0])
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(lvl[1])
		if err != nil {
			continue
		}

		op := types.DepthOpUpdate
		if size.IsZero() {
			op = types.DepthOpRemove
		}

		s.handler.OnDepthUpdate(types.DepthUpdate{
			Time:  asOf,
			Side:  side,
			Price: price,
			Size:  size,
			Op:    op,
		})
	}
}

func (s *Stream) handleBookTicker(raw []byte) {
	var msg bookTickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Symbol == "" {
		return
	}

	bid, err := decimal.NewFromString(msg.BidPrice)
	if err != nil {
		return
	}
	ask, err := decimal.NewFromString(msg.AskPrice)
	if err != nil {
		return
	}

	s.handler.OnQuote(types.Quote{
		Time:    time.Now().UTC(),
		BestBid: bid,
		BestAsk: ask,
	})
}

// monitorLoop reconnects whenever the connection drops.
func (s *Stream) monitorLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			running := s.running
			connected := s.connected
			s.mu.Unlock()

			if !running {
				return
			}
			if !connected {
				s.logger.Info("Reconnecting market feed")
				if err := s.connect(); err != nil {
					s.logger.Warn("Reconnect failed", zap.Error(err))
				}
			}
		case <-s.stopCh:
			return
		}
	}
}

// sessionLoop raises and clears the session open/close flags around the
// configured UTC clock times.
func (s *Stream) sessionLoop() {
	defer s.wg.Done()

	openAt, hasOpen := parseClock(s.config.SessionOpen)
	closeAt, hasClose := parseClock(s.config.SessionClose)
	if !hasOpen && !hasClose {
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	var lastOpen, lastClose bool
	for {
		select {
		case <-ticker.C:
			now := time.Now().UTC()
			isOpen := hasOpen && withinWindow(now, openAt, s.config.SessionWindow)
			isClose := hasClose && withinWindow(now, closeAt, s.config.SessionWindow)
			if isOpen != lastOpen || isClose != lastClose {
				lastOpen, lastClose = isOpen, isClose
				s.handler.OnSessionBoundary(isOpen, isClose)
			}
		case <-s.stopCh:
			return
		}
	}
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(v string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(v, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// withinWindow reports whether now falls inside [mark, mark+window) in
// minutes since midnight, wrapping at day boundaries.
func withinWindow(now time.Time, mark int, window time.Duration) bool {
	minutes := now.Hour()*60 + now.Minute()
	width := int(window.Minutes())
	if width < 1 {
		width = 1
	}
	diff := minutes - mark
	if diff < 0 {
		diff += 24 * 60
	}
	return diff < width
}
