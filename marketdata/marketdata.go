// Package marketdata provides historical candles and real-time trades and
// candles from the Hyperliquid DEX.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when a message cannot be sent because the
// WebSocket is down.
var ErrNotConnected = errors.New("websocket not connected")

// ErrUnknownMarket is returned for a symbol missing from the spot universe.
var ErrUnknownMarket = errors.New("unknown spot market")

// MarketDataEngine defines the public interface for market data operations
type MarketDataEngine interface {
	Start() error
	Stop() error
	RequestHistoricalDailyBars(ctx context.Context, symbol string) ([]Bar, error)
	SubscribeTrades(symbol string) error
	SubscribeDailyBars(symbol string) error
	Unsubscribe(symbol string) error
	SetTradeCallback(callback TradeCallback)
	SetBarCallback(callback BarCallback)
	GetConnectionStatus() ConnectionStatus
	GetSubscribedSymbols() []string
}

// DefaultConfig provides a default configuration for the MarketDataEngine.
var DefaultConfig = MarketDataConfig{
	HyperliquidWSURL:  "wss://api.hyperliquid.xyz/ws",
	HyperliquidAPIURL: "https://api.hyperliquid.xyz",
	ReconnectInterval: 5 * time.Second,
	HeartbeatInterval: 20 * time.Second,
	MaxReconnects:     10,
	HistoryDays:       30,
	RequestTimeout:    15 * time.Second,
}

// MarketDataConfig holds configuration for the market data engine
type MarketDataConfig struct {
	HyperliquidWSURL  string        // Hyperliquid WebSocket URL
	HyperliquidAPIURL string        // Hyperliquid REST URL (info endpoint host)
	ReconnectInterval time.Duration // Reconnection delay
	HeartbeatInterval time.Duration // Heartbeat/ping interval
	MaxReconnects     int           // Maximum reconnection attempts
	HistoryDays       int           // Daily candles requested at bootstrap
	RequestTimeout    time.Duration // REST timeout
}

type subscriptionKind string

const (
	subscriptionTrades subscriptionKind = "trades"
	subscriptionCandle subscriptionKind = "candle"
)

type subscription struct {
	kind   subscriptionKind
	symbol string
	coin   string
}

func (s subscription) key() string { return string(s.kind) + ":" + s.coin }

func (s subscription) message(method string) SubscriptionMessage {
	sub := map[string]interface{}{
		"type": string(s.kind),
		"coin": s.coin,
	}
	if s.kind == subscriptionCandle {
		sub["interval"] = IntervalDaily
	}
	return SubscriptionMessage{Method: method, Subscription: sub}
}

// marketDataEngine implements the MarketDataEngine interface
type marketDataEngine struct {
	config              MarketDataConfig
	wsManager           *websocketManager
	subscriptionManager *subscriptionManager
	rest                *resty.Client
	tradeCallback       TradeCallback
	barCallback         BarCallback
	callbackMu          sync.RWMutex
	spot                map[string]SpotMarket // SpotKey -> market, loaded on first use
	spotMu              sync.Mutex
	status              ConnectionStatus
	statusMu            sync.RWMutex
	ctx                 context.Context
	cancel              context.CancelFunc
	wg                  sync.WaitGroup
	logger              *zap.Logger
}

// websocketManager handles WebSocket connection and messaging
type websocketManager struct {
	conn              *websocket.Conn
	url               string
	isConnected       bool
	reconnecting      bool
	reconnectAttempts int
	lastPong          time.Time
	mu                sync.RWMutex
	writeMu           sync.Mutex
	dialer            *websocket.Dialer
}

// subscriptionManager handles symbol subscriptions
type subscriptionManager struct {
	mu            sync.RWMutex
	subscriptions map[string]subscription
	symbols       map[string]string // coin -> symbol
}

// SubscriptionMessage is a Hyperliquid subscribe/unsubscribe request.
type SubscriptionMessage struct {
	Method       string                 `json:"method"`
	Subscription map[string]interface{} `json:"subscription"`
}

type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsTrade struct {
	Coin string `json:"coin"`
	Side string `json:"side"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"`
}

type wsCandle struct {
	Start    int64  `json:"t"`
	End      int64  `json:"T"`
	Coin     string `json:"s"`
	Interval string `json:"i"`
	Open     string `json:"o"`
	Close    string `json:"c"`
	High     string `json:"h"`
	Low      string `json:"l"`
	Volume   string `json:"v"`
}

// NewMarketDataEngine creates a new market data engine instance
func NewMarketDataEngine(config MarketDataConfig, logger *zap.Logger) (MarketDataEngine, error) {
	if config.HyperliquidWSURL == "" || config.HyperliquidAPIURL == "" {
		return nil, errors.New("market data urls are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultConfig.HeartbeatInterval
	}
	if config.HistoryDays <= 0 {
		config.HistoryDays = DefaultConfig.HistoryDays
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig.RequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	engine := &marketDataEngine{
		config: config,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.Named("marketdata"),
		rest: resty.New().
			SetBaseURL(config.HyperliquidAPIURL).
			SetTimeout(config.RequestTimeout).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second),
		wsManager: &websocketManager{
			url: config.HyperliquidWSURL,
			dialer: &websocket.Dialer{
				HandshakeTimeout: 10 * time.Second,
				ReadBufferSize:   4096,
				WriteBufferSize:  4096,
			},
		},
		subscriptionManager: &subscriptionManager{
			subscriptions: make(map[string]subscription),
			symbols:       make(map[string]string),
		},
	}

	return engine, nil
}

// Start initializes and starts the market data engine
func (e *marketDataEngine) Start() error {
	e.logger.Info("Starting market data engine", zap.String("url", e.config.HyperliquidWSURL))

	if err := e.connect(); err != nil {
		return fmt.Errorf("failed to establish WebSocket connection: %w", err)
	}

	e.wg.Add(3)
	go e.messageProcessor()
	go e.heartbeatManager()
	go e.connectionMonitor()

	e.resubscribeAll()

	e.logger.Info("Market data engine started")
	return nil
}

// Stop gracefully shuts down the market data engine
func (e *marketDataEngine) Stop() error {
	e.logger.Info("Stopping market data engine")

	e.cancel()

	e.wsManager.mu.Lock()
	if e.wsManager.conn != nil {
		e.wsManager.conn.Close()
		e.wsManager.isConnected = false
	}
	e.wsManager.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Market data engine stopped")
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("timeout waiting for goroutines to finish")
	}
}

// RequestHistoricalDailyBars fetches the last HistoryDays daily candles in
// chronological order.
func (e *marketDataEngine) RequestHistoricalDailyBars(ctx context.Context, symbol string) ([]Bar, error) {
	coin, err := e.coinFor(ctx, symbol)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	start := now.Add(-time.Duration(e.config.HistoryDays) * 24 * time.Hour)

	req := map[string]interface{}{
		"type": "candleSnapshot",
		"req": map[string]interface{}{
			"coin":      coin,
			"interval":  IntervalDaily,
			"startTime": start.UnixMilli(),
			"endTime":   now.UnixMilli(),
		},
	}

	var candles []wsCandle
	resp, err := e.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&candles).
		Post("/info")
	if err != nil {
		return nil, fmt.Errorf("candle snapshot request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("candle snapshot error %d: %s", resp.StatusCode(), resp.String())
	}

	bars := make([]Bar, 0, len(candles))
	for _, c := range candles {
		bar, err := c.toBar(symbol)
		if err != nil {
			e.logger.Warn("Skipping malformed candle", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		bar.Closed = bar.End.Before(now)
		bars = append(bars, bar)
	}
	return bars, nil
}

// SubscribeTrades subscribes to the public trade stream of a spot symbol.
func (e *marketDataEngine) SubscribeTrades(symbol string) error {
	return e.subscribe(subscriptionTrades, symbol)
}

// SubscribeDailyBars subscribes to the daily candle stream of a spot symbol.
func (e *marketDataEngine) SubscribeDailyBars(symbol string) error {
	return e.subscribe(subscriptionCandle, symbol)
}

// coinFor returns the feed name of a spot symbol, loading the spot universe
// on first use. A failed load is retried on the next call.
func (e *marketDataEngine) coinFor(ctx context.Context, symbol string) (string, error) {
	e.spotMu.Lock()
	defer e.spotMu.Unlock()

	if e.spot == nil {
		markets, err := FetchSpotMarkets(ctx, e.rest)
		if err != nil {
			return "", err
		}
		e.spot = markets
		e.logger.Info("Loaded spot universe", zap.Int("markets", len(markets)))
	}
	market, ok := e.spot[SpotKey(symbol)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}
	return market.Coin, nil
}

func (e *marketDataEngine) subscribe(kind subscriptionKind, symbol string) error {
	ctx, cancel := context.WithTimeout(e.ctx, e.config.RequestTimeout)
	coin, err := e.coinFor(ctx, symbol)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s %s: %w", kind, symbol, err)
	}
	sub := subscription{kind: kind, symbol: symbol, coin: coin}

	e.subscriptionManager.mu.Lock()
	if _, exists := e.subscriptionManager.subscriptions[sub.key()]; exists {
		e.subscriptionManager.mu.Unlock()
		return nil
	}
	// recorded before sending so a reconnect replays it
	e.subscriptionManager.subscriptions[sub.key()] = sub
	e.subscriptionManager.symbols[sub.coin] = sub.symbol
	count := len(e.subscriptionManager.subscriptions)
	e.subscriptionManager.mu.Unlock()

	e.updateStatus(func(status *ConnectionStatus) {
		status.SubscribedCount = count
	})

	if err := e.sendMessage(sub.message("subscribe")); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", sub.key(), err)
	}

	e.logger.Info("Subscribed", zap.String("symbol", sub.symbol), zap.String("channel", string(sub.kind)))
	return nil
}

// Unsubscribe removes every stream of a symbol.
func (e *marketDataEngine) Unsubscribe(symbol string) error {
	e.subscriptionManager.mu.Lock()
	var removed []subscription
	for key, sub := range e.subscriptionManager.subscriptions {
		if sub.symbol == symbol {
			removed = append(removed, sub)
			delete(e.subscriptionManager.subscriptions, key)
			delete(e.subscriptionManager.symbols, sub.coin)
		}
	}
	count := len(e.subscriptionManager.subscriptions)
	e.subscriptionManager.mu.Unlock()

	e.updateStatus(func(status *ConnectionStatus) {
		status.SubscribedCount = count
	})

	var errs []error
	for _, sub := range removed {
		if err := e.sendMessage(sub.message("unsubscribe")); err != nil && !errors.Is(err, ErrNotConnected) {
			errs = append(errs, fmt.Errorf("failed to unsubscribe from %s: %w", sub.key(), err))
		}
	}
	return errors.Join(errs...)
}

// SetTradeCallback sets the callback function for trade updates
func (e *marketDataEngine) SetTradeCallback(callback TradeCallback) {
	e.callbackMu.Lock()
	e.tradeCallback = callback
	e.callbackMu.Unlock()
}

// SetBarCallback sets the callback function for candle updates
func (e *marketDataEngine) SetBarCallback(callback BarCallback) {
	e.callbackMu.Lock()
	e.barCallback = callback
	e.callbackMu.Unlock()
}

// GetConnectionStatus returns the current connection status
func (e *marketDataEngine) GetConnectionStatus() ConnectionStatus {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

// GetSubscribedSymbols returns a list of currently subscribed symbols
func (e *marketDataEngine) GetSubscribedSymbols() []string {
	e.subscriptionManager.mu.RLock()
	defer e.subscriptionManager.mu.RUnlock()

	symbols := make([]string, 0, len(e.subscriptionManager.symbols))
	for _, symbol := range e.subscriptionManager.symbols {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// connect establishes a WebSocket connection to Hyperliquid
func (e *marketDataEngine) connect() error {
	e.wsManager.mu.Lock()
	defer e.wsManager.mu.Unlock()

	if e.wsManager.isConnected {
		return nil
	}

	conn, _, err := e.wsManager.dialer.Dial(e.wsManager.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial WebSocket: %w", err)
	}

	e.wsManager.conn = conn
	e.wsManager.isConnected = true
	e.wsManager.lastPong = time.Now()

	e.updateStatus(func(status *ConnectionStatus) {
		status.IsConnected = true
	})

	e.logger.Info("WebSocket connection established")
	return nil
}

// reconnect attempts to reconnect to the WebSocket
func (e *marketDataEngine) reconnect() error {
	e.wsManager.mu.Lock()
	if e.wsManager.reconnecting {
		e.wsManager.mu.Unlock()
		return nil
	}
	if e.wsManager.reconnectAttempts >= e.config.MaxReconnects {
		e.wsManager.mu.Unlock()
		return fmt.Errorf("maximum reconnection attempts reached (%d)", e.config.MaxReconnects)
	}
	e.wsManager.reconnecting = true
	e.wsManager.reconnectAttempts++
	attempt := e.wsManager.reconnectAttempts

	if e.wsManager.conn != nil {
		e.wsManager.conn.Close()
		e.wsManager.conn = nil
	}
	e.wsManager.isConnected = false
	e.wsManager.mu.Unlock()

	defer func() {
		e.wsManager.mu.Lock()
		e.wsManager.reconnecting = false
		e.wsManager.mu.Unlock()
	}()

	e.logger.Warn("Attempting reconnection",
		zap.Int("attempt", attempt),
		zap.Int("max", e.config.MaxReconnects))

	select {
	case <-e.ctx.Done():
		return e.ctx.Err()
	case <-time.After(e.config.ReconnectInterval):
	}

	if err := e.connect(); err != nil {
		e.updateStatus(func(status *ConnectionStatus) {
			status.ReconnectCount++
			status.ErrorCount++
		})
		return fmt.Errorf("reconnection failed: %w", err)
	}

	e.wsManager.mu.Lock()
	e.wsManager.reconnectAttempts = 0
	e.wsManager.mu.Unlock()

	e.updateStatus(func(status *ConnectionStatus) {
		status.ReconnectCount++
	})

	e.resubscribeAll()

	e.logger.Info("Reconnection successful")
	return nil
}

// resubscribeAll replays every recorded subscription on the current connection
func (e *marketDataEngine) resubscribeAll() {
	e.subscriptionManager.mu.RLock()
	subs := make([]subscription, 0, len(e.subscriptionManager.subscriptions))
	for _, sub := range e.subscriptionManager.subscriptions {
		subs = append(subs, sub)
	}
	e.subscriptionManager.mu.RUnlock()

	for _, sub := range subs {
		if err := e.sendMessage(sub.message("subscribe")); err != nil {
			e.logger.Warn("Failed to re-subscribe", zap.String("key", sub.key()), zap.Error(err))
		}
	}
}

// sendMessage sends a message through the WebSocket connection
func (e *marketDataEngine) sendMessage(msg interface{}) error {
	e.wsManager.mu.RLock()
	conn := e.wsManager.conn
	isConnected := e.wsManager.isConnected
	e.wsManager.mu.RUnlock()

	if !isConnected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	e.wsManager.writeMu.Lock()
	defer e.wsManager.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// messageProcessor processes incoming WebSocket messages
func (e *marketDataEngine) messageProcessor() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		e.wsManager.mu.RLock()
		conn := e.wsManager.conn
		isConnected := e.wsManager.isConnected
		e.wsManager.mu.RUnlock()

		if !isConnected || conn == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		conn.SetReadDeadline(time.Now().Add(3 * e.config.HeartbeatInterval))

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.logger.Warn("Error reading message", zap.Error(err))
			e.updateStatus(func(status *ConnectionStatus) {
				status.ErrorCount++
				status.IsConnected = false
			})

			go func() {
				if err := e.reconnect(); err != nil {
					e.logger.Error("Reconnection failed", zap.Error(err))
				}
			}()
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if messageType == websocket.TextMessage {
			e.processMessage(data)
			e.updateStatus(func(status *ConnectionStatus) {
				status.MessageCount++
				status.LastMessage = time.Now()
			})
		}
	}
}

// processMessage processes a single WebSocket message
func (e *marketDataEngine) processMessage(data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		e.logger.Debug("Unparseable message", zap.ByteString("data", data))
		return
	}

	switch env.Channel {
	case "trades":
		var trades []wsTrade
		if err := json.Unmarshal(env.Data, &trades); err != nil {
			e.logger.Warn("Failed to parse trades", zap.Error(err))
			return
		}
		e.processTrades(trades)
	case "candle":
		var candle wsCandle
		if err := json.Unmarshal(env.Data, &candle); err != nil {
			e.logger.Warn("Failed to parse candle", zap.Error(err))
			return
		}
		e.processCandle(candle)
	case "pong":
		e.wsManager.mu.Lock()
		e.wsManager.lastPong = time.Now()
		e.wsManager.mu.Unlock()
	case "subscriptionResponse", "error":
		e.logger.Debug("Control message", zap.String("channel", env.Channel), zap.ByteString("data", env.Data))
	default:
		e.logger.Debug("Received unknown message type", zap.String("channel", env.Channel))
	}
}

func (e *marketDataEngine) symbolFor(coin string) (string, bool) {
	e.subscriptionManager.mu.RLock()
	defer e.subscriptionManager.mu.RUnlock()
	symbol, ok := e.subscriptionManager.symbols[coin]
	return symbol, ok
}

func (e *marketDataEngine) processTrades(trades []wsTrade) {
	e.callbackMu.RLock()
	callback := e.tradeCallback
	e.callbackMu.RUnlock()

	for _, t := range trades {
		symbol, ok := e.symbolFor(t.Coin)
		if !ok {
			continue
		}
		trade, err := t.toTrade(symbol)
		if err != nil {
			e.logger.Warn("Failed to parse trade", zap.String("coin", t.Coin), zap.Error(err))
			continue
		}
		if !trade.Price.IsPositive() {
			e.logger.Warn("Invalid trade price", zap.String("coin", t.Coin), zap.String("price", t.Px))
			continue
		}
		if callback != nil {
			callback(trade)
		}
	}
}

func (e *marketDataEngine) processCandle(c wsCandle) {
	symbol, ok := e.symbolFor(c.Coin)
	if !ok {
		return
	}
	bar, err := c.toBar(symbol)
	if err != nil {
		e.logger.Warn("Failed to parse candle", zap.String("coin", c.Coin), zap.Error(err))
		return
	}

	e.callbackMu.RLock()
	callback := e.barCallback
	e.callbackMu.RUnlock()
	if callback != nil {
		callback(bar)
	}
}

// heartbeatManager sends application-level pings
func (e *marketDataEngine) heartbeatManager() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.sendMessage(map[string]string{"method": "ping"}); err != nil {
				if !errors.Is(err, ErrNotConnected) {
					e.logger.Warn("Failed to send ping", zap.Error(err))
				}
				e.updateStatus(func(status *ConnectionStatus) {
					status.ErrorCount++
				})
				continue
			}
			e.updateStatus(func(status *ConnectionStatus) {
				status.LastHeartbeat = time.Now()
			})
		}
	}
}

// connectionMonitor monitors connection health and triggers reconnections
func (e *marketDataEngine) connectionMonitor() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.HeartbeatInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.wsManager.mu.RLock()
			lastPong := e.wsManager.lastPong
			isConnected := e.wsManager.isConnected
			e.wsManager.mu.RUnlock()

			if isConnected && time.Since(lastPong) > 3*e.config.HeartbeatInterval {
				e.logger.Warn("Connection appears stale, triggering reconnection")
				e.updateStatus(func(status *ConnectionStatus) {
					status.IsConnected = false
				})

				go func() {
					if err := e.reconnect(); err != nil {
						e.logger.Error("Reconnection failed", zap.Error(err))
					}
				}()
			}
		}
	}
}

// updateStatus safely updates the connection status
func (e *marketDataEngine) updateStatus(updater func(*ConnectionStatus)) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	updater(&e.status)
}

func (t wsTrade) toTrade(symbol string) (Trade, error) {
	price, err := decimal.NewFromString(t.Px)
	if err != nil {
		return Trade{}, fmt.Errorf("price %q: %w", t.Px, err)
	}
	size, err := decimal.NewFromString(t.Sz)
	if err != nil {
		return Trade{}, fmt.Errorf("size %q: %w", t.Sz, err)
	}
	return Trade{
		Symbol: symbol,
		Price:  price,
		Size:   size,
		Side:   t.Side,
		Time:   time.UnixMilli(t.Time),
	}, nil
}

func (c wsCandle) toBar(symbol string) (Bar, error) {
	var bar Bar
	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{c.Open, &bar.Open},
		{c.High, &bar.High},
		{c.Low, &bar.Low},
		{c.Close, &bar.Close},
	} {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return Bar{}, fmt.Errorf("candle value %q: %w", f.raw, err)
		}
		*f.dst = v
	}
	if c.Volume != "" {
		v, err := decimal.NewFromString(c.Volume)
		if err != nil {
			return Bar{}, fmt.Errorf("candle volume %q: %w", c.Volume, err)
		}
		bar.Volume = v
	}

	bar.Symbol = symbol
	bar.Interval = c.Interval
	if bar.Interval == "" {
		bar.Interval = IntervalDaily
	}
	bar.Start = time.UnixMilli(c.Start)
	bar.End = time.UnixMilli(c.End)
	return bar, nil
}
