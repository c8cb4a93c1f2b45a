package execution

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"grid-trading-bot/marketdata"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	spotAssetOffset   = 10000
	spotMaxDecimals   = 8
	priceSigFigs      = 5
	defaultPrecision  = 4
	latencyPlacement  = "order_placement"
	latencyCancel     = "order_cancellation"
	maxLatencySamples = 1000
)

type Config struct {
	PrivateKeyHex  string        `json:"private_key_hex"`
	BaseURL        string        `json:"base_url"`
	WebSocketURL   string        `json:"websocket_url"`
	Timeout        time.Duration `json:"timeout"`
	MaxReconnects  int           `json:"max_reconnects"`
	ReconnectDelay time.Duration `json:"reconnect_delay"`
	RateLimitRPS   int           `json:"rate_limit_rps"`
	VaultAddress   string        `json:"vault_address,omitempty"`
	IsMainnet      bool          `json:"is_mainnet"`
}

// DefaultConfig returns mainnet settings.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "https://api.hyperliquid.xyz",
		WebSocketURL:   "wss://api.hyperliquid.xyz/ws",
		Timeout:        30 * time.Second,
		MaxReconnects:  10,
		ReconnectDelay: 5 * time.Second,
		RateLimitRPS:   10,
		IsMainnet:      true,
	}
}

// TestnetConfig returns testnet settings.
func TestnetConfig() *Config {
	cfg := DefaultConfig()
	cfg.BaseURL = "https://api.hyperliquid-testnet.xyz"
	cfg.WebSocketURL = "wss://api.hyperliquid-testnet.xyz/ws"
	cfg.IsMainnet = false
	return cfg
}

type spotAsset struct {
	id         int
	szDecimals int32
}

// HyperliquidEngine trades Hyperliquid spot markets. Orders are signed
// locally and sent over REST; fills arrive on the userFills stream.
type HyperliquidEngine struct {
	config     *Config
	privateKey *ecdsa.PrivateKey
	address    string

	rest *resty.Client

	wsConn            *websocket.Conn
	wsConnMu          sync.RWMutex
	wsWriteMu         sync.Mutex
	reconnectAttempts int

	orders    *OrderManager
	unmatched map[OrderHandle]decimal.Decimal
	fillMu    sync.Mutex

	assets map[string]spotAsset
	metaMu sync.RWMutex

	rateLimiter *RateLimiter

	latencies     map[string][]float64
	performanceMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

type orderWire struct {
	Asset      int           `json:"a" msgpack:"a"`
	IsBuy      bool          `json:"b" msgpack:"b"`
	Price      string        `json:"p" msgpack:"p"`
	Size       string        `json:"s" msgpack:"s"`
	ReduceOnly bool          `json:"r" msgpack:"r"`
	OrderType  orderTypeWire `json:"t" msgpack:"t"`
}

type orderTypeWire struct {
	Limit limitWire `json:"limit" msgpack:"limit"`
}

type limitWire struct {
	Tif string `json:"tif" msgpack:"tif"`
}

type orderAction struct {
	Type     string      `json:"type" msgpack:"type"`
	Orders   []orderWire `json:"orders" msgpack:"orders"`
	Grouping string      `json:"grouping" msgpack:"grouping"`
}

type cancelWire struct {
	Asset int   `json:"a" msgpack:"a"`
	Oid   int64 `json:"o" msgpack:"o"`
}

type cancelAction struct {
	Type    string       `json:"type" msgpack:"type"`
	Cancels []cancelWire `json:"cancels" msgpack:"cancels"`
}

type exchangeRequest struct {
	Action       interface{} `json:"action"`
	Nonce        int64       `json:"nonce"`
	Signature    Signature   `json:"signature"`
	VaultAddress *string     `json:"vaultAddress"`
}

type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type exchangeStatuses struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

type orderStatusWire struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting"`
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		Oid     int64  `json:"oid"`
	} `json:"filled"`
	Error string `json:"error"`
}

type spotStateResponse struct {
	Balances []struct {
		Coin  string `json:"coin"`
		Hold  string `json:"hold"`
		Total string `json:"total"`
	} `json:"balances"`
}

type userFillsMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		IsSnapshot bool `json:"isSnapshot"`
		Fills      []struct {
			Coin string `json:"coin"`
			Px   string `json:"px"`
			Sz   string `json:"sz"`
			Side string `json:"side"`
			Oid  int64  `json:"oid"`
		} `json:"fills"`
	} `json:"data"`
}

// NewHyperliquidEngine parses the key and prepares clients. Start loads
// market metadata and opens the fill stream.
func NewHyperliquidEngine(config *Config, logger *zap.Logger) (*HyperliquidEngine, error) {
	if config.PrivateKeyHex == "" {
		return nil, errors.New("private key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.ToLower(config.PrivateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey).Hex()
	ctx, cancel := context.WithCancel(context.Background())

	return &HyperliquidEngine{
		config:     config,
		privateKey: privateKey,
		address:    address,
		rest: resty.New().
			SetBaseURL(config.BaseURL).
			SetTimeout(config.Timeout).
			SetHeader("Content-Type", "application/json").
			SetRetryCount(2).
			SetRetryWaitTime(300 * time.Millisecond),
		orders:      NewOrderManager(),
		unmatched:   make(map[OrderHandle]decimal.Decimal),
		assets:      make(map[string]spotAsset),
		rateLimiter: NewRateLimiter(config.RateLimitRPS),
		latencies:   make(map[string][]float64),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("hyperliquid").With(zap.String("address", address)),
	}, nil
}

// Address is the signing wallet address.
func (e *HyperliquidEngine) Address() string { return e.address }

func (e *HyperliquidEngine) Start() error {
	e.logger.Info("Starting Hyperliquid execution engine", zap.Bool("mainnet", e.config.IsMainnet))

	if err := e.loadSpotMeta(e.ctx); err != nil {
		return fmt.Errorf("failed to load spot metadata: %w", err)
	}
	if err := e.connectWebSocket(); err != nil {
		return fmt.Errorf("failed to connect WebSocket: %w", err)
	}

	e.wg.Add(2)
	go e.wsMessageHandler()
	go e.heartbeat()

	e.logger.Info("Hyperliquid execution engine started")
	return nil
}

func (e *HyperliquidEngine) Stop() error {
	e.logger.Info("Stopping Hyperliquid execution engine")
	e.cancel()

	e.wsConnMu.Lock()
	if e.wsConn != nil {
		e.wsConn.Close()
		e.wsConn = nil
	}
	e.wsConnMu.Unlock()

	e.wg.Wait()
	return nil
}

func (e *HyperliquidEngine) LimitBuy(ctx context.Context, symbol string, price, size decimal.Decimal, onFill FillCallback) (OrderHandle, error) {
	return e.placeLimit(ctx, symbol, OrderSideBuy, price, size, onFill)
}

func (e *HyperliquidEngine) LimitSell(ctx context.Context, symbol string, price, size decimal.Decimal, onFill FillCallback) (OrderHandle, error) {
	return e.placeLimit(ctx, symbol, OrderSideSell, price, size, onFill)
}

func (e *HyperliquidEngine) placeLimit(ctx context.Context, symbol string, side OrderSide, price, size decimal.Decimal, onFill FillCallback) (OrderHandle, error) {
	startTime := time.Now()

	asset, ok := e.asset(symbol)
	if !ok {
		e.orders.RecordRejection()
		return "", fmt.Errorf("unknown spot market %s: %w", symbol, ErrInvalidOrder)
	}

	size = size.Truncate(asset.szDecimals)
	price = wirePrice(price, e.PricePrecision(symbol))
	if !price.IsPositive() || !size.IsPositive() {
		e.orders.RecordRejection()
		return "", fmt.Errorf("%s %s price=%s size=%s: %w", side, symbol, price, size, ErrInvalidOrder)
	}

	if err := e.rateLimiter.Wait(ctx); err != nil {
		return "", err
	}

	action := orderAction{
		Type: "order",
		Orders: []orderWire{{
			Asset:     asset.id,
			IsBuy:     side == OrderSideBuy,
			Price:     price.String(),
			Size:      size.String(),
			OrderType: orderTypeWire{Limit: limitWire{Tif: "Gtc"}},
		}},
		Grouping: "na",
	}

	statuses, err := e.postAction(ctx, action)
	if err != nil {
		e.recordLatency(latencyPlacement, startTime)
		e.orders.RecordRejection()
		return "", fmt.Errorf("order request failed: %w", err)
	}
	if len(statuses) == 0 {
		e.orders.RecordRejection()
		return "", errors.New("no order status in response")
	}

	var status orderStatusWire
	if err := json.Unmarshal(statuses[0], &status); err != nil {
		e.orders.RecordRejection()
		return "", fmt.Errorf("failed to parse order status: %w", err)
	}

	var oid int64
	switch {
	case status.Error != "":
		e.orders.RecordRejection()
		return "", fmt.Errorf("order rejected: %s", status.Error)
	case status.Resting != nil:
		oid = status.Resting.Oid
	case status.Filled != nil:
		oid = status.Filled.Oid
	default:
		e.orders.RecordRejection()
		return "", fmt.Errorf("unexpected order status: %s", string(statuses[0]))
	}

	handle := OrderHandle(strconv.FormatInt(oid, 10))
	e.orders.Add(Order{
		ID:     handle,
		Symbol: symbol,
		Side:   side,
		Price:  price,
		Size:   size,
	}, onFill)
	e.recordLatency(latencyPlacement, startTime)

	// the fill stream can beat the REST response
	e.fillMu.Lock()
	early, seen := e.unmatched[handle]
	delete(e.unmatched, handle)
	e.fillMu.Unlock()
	if seen {
		if cb, done := e.orders.ApplyFill(handle, early); done {
			go cb(handle)
		}
	}

	e.logger.Info("Order placed",
		zap.String("id", string(handle)),
		zap.String("symbol", symbol),
		zap.String("side", side.String()),
		zap.String("price", price.String()),
		zap.String("size", size.String()))
	return handle, nil
}

// CancelOrder cancels a resting order. Orders the exchange reports as
// already filled or cancelled yield ErrOrderNotOpen.
func (e *HyperliquidEngine) CancelOrder(ctx context.Context, handle OrderHandle) error {
	startTime := time.Now()

	order, ok := e.orders.Get(handle)
	if !ok || order.Status != OrderStatusOpen {
		return fmt.Errorf("cancel %s: %w", handle, ErrOrderNotOpen)
	}
	asset, ok := e.asset(order.Symbol)
	if !ok {
		return fmt.Errorf("unknown spot market %s", order.Symbol)
	}
	oid, err := strconv.ParseInt(string(handle), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %s: %w", handle, err)
	}

	if err := e.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	statuses, err := e.postAction(ctx, cancelAction{
		Type:    "cancel",
		Cancels: []cancelWire{{Asset: asset.id, Oid: oid}},
	})
	e.recordLatency(latencyCancel, startTime)
	if err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}

	if len(statuses) > 0 {
		var result string
		if json.Unmarshal(statuses[0], &result) != nil || result != "success" {
			var status orderStatusWire
			_ = json.Unmarshal(statuses[0], &status)
			e.logger.Debug("Cancel refused", zap.String("id", string(handle)), zap.String("error", status.Error))
			// filled or already gone; the fill stream settles the order
			return fmt.Errorf("cancel %s: %s: %w", handle, status.Error, ErrOrderNotOpen)
		}
	}

	if _, err := e.orders.MarkCancelled(handle); err != nil {
		return fmt.Errorf("cancel %s: %w", handle, err)
	}
	e.logger.Info("Order cancelled", zap.String("id", string(handle)))
	return nil
}

// Position returns the available spot balance (total minus hold).
func (e *HyperliquidEngine) Position(ctx context.Context, currency string) (decimal.Decimal, error) {
	var state spotStateResponse
	if err := e.info(ctx, map[string]interface{}{
		"type": "spotClearinghouseState",
		"user": e.address,
	}, &state); err != nil {
		return decimal.Zero, err
	}

	for _, b := range state.Balances {
		if !strings.EqualFold(b.Coin, currency) {
			continue
		}
		total, err := decimal.NewFromString(b.Total)
		if err != nil {
			return decimal.Zero, fmt.Errorf("balance %s total %q: %w", b.Coin, b.Total, err)
		}
		hold, err := decimal.NewFromString(b.Hold)
		if err != nil {
			hold = decimal.Zero
		}
		return total.Sub(hold), nil
	}
	return decimal.Zero, nil
}

// PricePrecision is MAX_DECIMALS minus the base token's size decimals.
func (e *HyperliquidEngine) PricePrecision(symbol string) int32 {
	asset, ok := e.asset(symbol)
	if !ok {
		return defaultPrecision
	}
	return spotMaxDecimals - asset.szDecimals
}

func (e *HyperliquidEngine) SplitSymbol(symbol string) (base, quote string) {
	return marketdata.SplitSymbol(symbol)
}

func (e *HyperliquidEngine) GetExecutionStats() ExecutionStatistics {
	return e.orders.Stats()
}

// LatencyStats summarizes request latency in milliseconds.
type LatencyStats struct {
	Min        float64 `json:"min_ms"`
	Max        float64 `json:"max_ms"`
	Average    float64 `json:"average_ms"`
	P50        float64 `json:"p50_ms"`
	P95        float64 `json:"p95_ms"`
	SampleSize int64   `json:"sample_size"`
}

type LatencyMetrics struct {
	OrderPlacement    LatencyStats `json:"order_placement"`
	OrderCancellation LatencyStats `json:"order_cancellation"`
}

func (e *HyperliquidEngine) GetLatencyMetrics() LatencyMetrics {
	e.performanceMu.RLock()
	defer e.performanceMu.RUnlock()
	return LatencyMetrics{
		OrderPlacement:    calculateLatencyStats(e.latencies[latencyPlacement]),
		OrderCancellation: calculateLatencyStats(e.latencies[latencyCancel]),
	}
}

func calculateLatencyStats(latencies []float64) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, len(latencies))
	copy(sorted, latencies)
	sort.Float64s(sorted)

	var sum float64
	for _, latency := range sorted {
		sum += latency
	}
	return LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Average:    sum / float64(len(sorted)),
		P50:        sorted[int(float64(len(sorted))*0.5)],
		P95:        sorted[int(float64(len(sorted))*0.95)],
		SampleSize: int64(len(sorted)),
	}
}

func (e *HyperliquidEngine) recordLatency(operation string, startTime time.Time) {
	latency := float64(time.Since(startTime).Microseconds()) / 1000.0

	e.performanceMu.Lock()
	defer e.performanceMu.Unlock()

	samples := append(e.latencies[operation], latency)
	if len(samples) > maxLatencySamples {
		samples = samples[len(samples)-maxLatencySamples:]
	}
	e.latencies[operation] = samples
}

func (e *HyperliquidEngine) asset(symbol string) (spotAsset, bool) {
	e.metaMu.RLock()
	defer e.metaMu.RUnlock()
	a, ok := e.assets[marketdata.SpotKey(symbol)]
	return a, ok
}

func (e *HyperliquidEngine) loadSpotMeta(ctx context.Context) error {
	markets, err := marketdata.FetchSpotMarkets(ctx, e.rest)
	if err != nil {
		return err
	}

	assets := make(map[string]spotAsset, len(markets))
	for key, m := range markets {
		assets[key] = spotAsset{
			id:         spotAssetOffset + m.Index,
			szDecimals: m.SzDecimals,
		}
	}

	e.metaMu.Lock()
	e.assets = assets
	e.metaMu.Unlock()

	e.logger.Info("Loaded spot metadata", zap.Int("markets", len(assets)))
	return nil
}

func (e *HyperliquidEngine) info(ctx context.Context, body interface{}, out interface{}) error {
	resp, err := e.rest.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		Post("/info")
	if err != nil {
		return fmt.Errorf("info request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("info API error %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (e *HyperliquidEngine) postAction(ctx context.Context, action interface{}) ([]json.RawMessage, error) {
	nonce := time.Now().UnixMilli()
	sig, err := signL1Action(e.privateKey, action, e.config.VaultAddress, nonce, e.config.IsMainnet)
	if err != nil {
		return nil, fmt.Errorf("failed to sign action: %w", err)
	}

	req := exchangeRequest{Action: action, Nonce: nonce, Signature: sig}
	if e.config.VaultAddress != "" {
		vault := e.config.VaultAddress
		req.VaultAddress = &vault
	}

	var out exchangeResponse
	resp, err := e.rest.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/exchange")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode(), resp.String())
	}
	if out.Status != "ok" {
		return nil, fmt.Errorf("exchange error: %s", string(out.Response))
	}

	var data exchangeStatuses
	if err := json.Unmarshal(out.Response, &data); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return data.Data.Statuses, nil
}

func (e *HyperliquidEngine) connectWebSocket() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.Dial(e.config.WebSocketURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	e.wsConnMu.Lock()
	e.wsConn = conn
	e.wsConnMu.Unlock()

	return e.sendWebSocketMessage(map[string]interface{}{
		"method": "subscribe",
		"subscription": map[string]interface{}{
			"type": "userFills",
			"user": e.address,
		},
	})
}

func (e *HyperliquidEngine) sendWebSocketMessage(msg interface{}) error {
	e.wsConnMu.RLock()
	conn := e.wsConn
	e.wsConnMu.RUnlock()
	if conn == nil {
		return errors.New("WebSocket connection not established")
	}

	e.wsWriteMu.Lock()
	defer e.wsWriteMu.Unlock()
	return conn.WriteJSON(msg)
}

func (e *HyperliquidEngine) wsMessageHandler() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		e.wsConnMu.RLock()
		conn := e.wsConn
		e.wsConnMu.RUnlock()

		if conn == nil {
			time.Sleep(time.Second)
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.logger.Warn("WebSocket read error", zap.Error(err))
			e.handleWebSocketReconnect()
			continue
		}

		e.processWebSocketMessage(message)
	}
}

func (e *HyperliquidEngine) processWebSocketMessage(message []byte) {
	var msg userFillsMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		e.logger.Debug("Failed to unmarshal WebSocket message", zap.Error(err))
		return
	}
	if msg.Channel != "userFills" || msg.Data.IsSnapshot {
		return
	}

	for _, f := range msg.Data.Fills {
		size, err := decimal.NewFromString(f.Sz)
		if err != nil {
			e.logger.Warn("Bad fill size", zap.Int64("oid", f.Oid), zap.String("size", f.Sz))
			continue
		}
		e.applyFill(OrderHandle(strconv.FormatInt(f.Oid, 10)), size)
	}
}

func (e *HyperliquidEngine) applyFill(handle OrderHandle, size decimal.Decimal) {
	if _, known := e.orders.Get(handle); !known {
		e.fillMu.Lock()
		e.unmatched[handle] = e.unmatched[handle].Add(size)
		e.fillMu.Unlock()
		return
	}

	cb, done := e.orders.ApplyFill(handle, size)
	if !done {
		return
	}
	e.logger.Info("Order filled", zap.String("id", string(handle)))
	cb(handle)
}

func (e *HyperliquidEngine) handleWebSocketReconnect() {
	e.wsConnMu.Lock()
	if e.wsConn != nil {
		e.wsConn.Close()
		e.wsConn = nil
	}
	e.wsConnMu.Unlock()

	if e.reconnectAttempts >= e.config.MaxReconnects {
		e.logger.Error("Max reconnection attempts reached")
		e.cancel()
		return
	}
	e.reconnectAttempts++

	e.logger.Warn("Attempting WebSocket reconnection",
		zap.Int("attempt", e.reconnectAttempts),
		zap.Int("max", e.config.MaxReconnects))

	select {
	case <-e.ctx.Done():
		return
	case <-time.After(e.config.ReconnectDelay):
	}

	if err := e.connectWebSocket(); err != nil {
		e.logger.Warn("Reconnection failed", zap.Error(err))
		return
	}
	e.reconnectAttempts = 0
	e.logger.Info("WebSocket reconnected")
}

func (e *HyperliquidEngine) heartbeat() {
	defer e.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.sendWebSocketMessage(map[string]string{"method": "ping"}); err != nil {
				e.logger.Debug("Ping failed", zap.Error(err))
			}
		}
	}
}

// wirePrice limits a price to five significant figures and at most
// maxDecimals decimal places. Integer prices pass unchanged.
func wirePrice(price decimal.Decimal, maxDecimals int32) decimal.Decimal {
	if price.Equal(price.Truncate(0)) {
		return price
	}

	one := decimal.NewFromInt(1)
	abs := price.Abs()

	var decimals int32
	if abs.GreaterThanOrEqual(one) {
		decimals = priceSigFigs - int32(len(abs.Truncate(0).String()))
	} else {
		zeros := int32(0)
		for s := abs.Shift(1); s.LessThan(one); s = s.Shift(1) {
			zeros++
		}
		decimals = zeros + priceSigFigs
	}

	if decimals > maxDecimals {
		decimals = maxDecimals
	}
	if decimals < 0 {
		decimals = 0
	}
	return price.RoundBank(decimals)
}
