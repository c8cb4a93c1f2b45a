package execution

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeExchange struct {
	mu       sync.Mutex
	actions  []map[string]interface{}
	orderRsp string
	cancelOK bool
}

func (f *fakeExchange) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]interface{}
		_ = json.Unmarshal(body, &req)
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/info":
			switch req["type"] {
			case "spotMeta":
				_, _ = w.Write([]byte(`{
					"universe":[{"name":"@107","tokens":[150,0],"index":107}],
					"tokens":[{"name":"USDC","szDecimals":8,"index":0},{"name":"HYPE","szDecimals":2,"index":150}]
				}`))
			case "spotClearinghouseState":
				_, _ = w.Write([]byte(`{"balances":[
					{"coin":"USDC","token":0,"hold":"100.0","total":"1100.5","entryNtl":"0.0"},
					{"coin":"HYPE","token":150,"hold":"0.0","total":"12.34","entryNtl":"0.0"}
				]}`))
			}
		case "/exchange":
			action := req["action"].(map[string]interface{})
			f.mu.Lock()
			defer f.mu.Unlock()
			f.actions = append(f.actions, req)
			require.Contains(t, req, "signature")
			switch action["type"] {
			case "order":
				_, _ = w.Write([]byte(f.orderRsp))
			case "cancel":
				if f.cancelOK {
					_, _ = w.Write([]byte(`{"status":"ok","response":{"type":"cancel","data":{"statuses":["success"]}}}`))
				} else {
					_, _ = w.Write([]byte(`{"status":"ok","response":{"type":"cancel","data":{"statuses":[{"error":"Order was never placed, already canceled, or filled."}]}}}`))
				}
			}
		}
	}
}

func newTestHyperliquid(t *testing.T, fx *fakeExchange) *HyperliquidEngine {
	t.Helper()
	srv := httptest.NewServer(fx.handler(t))
	t.Cleanup(srv.Close)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := TestnetConfig()
	cfg.BaseURL = srv.URL
	cfg.PrivateKeyHex = "0x" + hex.EncodeToString(crypto.FromECDSA(key))
	cfg.Timeout = 2 * time.Second

	e, err := NewHyperliquidEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), e.Address())
	require.NoError(t, e.loadSpotMeta(context.Background()))
	return e
}

func TestHyperliquid_MetaAndBalances(t *testing.T) {
	e := newTestHyperliquid(t, &fakeExchange{})
	ctx := context.Background()

	require.EqualValues(t, 6, e.PricePrecision("HYPE-USDC"))
	require.EqualValues(t, defaultPrecision, e.PricePrecision("NOPE-USDC"))

	usdc, err := e.Position(ctx, "USDC")
	require.NoError(t, err)
	require.True(t, usdc.Equal(decimal.RequireFromString("1000.5")), "got %s", usdc)

	hype, err := e.Position(ctx, "hype")
	require.NoError(t, err)
	require.True(t, hype.Equal(decimal.RequireFromString("12.34")))

	none, err := e.Position(ctx, "PURR")
	require.NoError(t, err)
	require.True(t, none.IsZero())
}

func TestHyperliquid_PlaceFillAndCancel(t *testing.T) {
	fx := &fakeExchange{orderRsp: `{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":77738308}}]}}}`}
	e := newTestHyperliquid(t, fx)
	ctx := context.Background()

	fills := make(chan OrderHandle, 1)
	h, err := e.LimitBuy(ctx, "HYPE-USDC", decimal.RequireFromString("25.123456"), decimal.RequireFromString("1.239"),
		func(h OrderHandle) { fills <- h })
	require.NoError(t, err)
	require.Equal(t, OrderHandle("77738308"), h)

	fx.mu.Lock()
	order := fx.actions[0]["action"].(map[string]interface{})["orders"].([]interface{})[0].(map[string]interface{})
	fx.mu.Unlock()
	require.EqualValues(t, 10107, order["a"])
	require.Equal(t, true, order["b"])
	require.Equal(t, "25.123", order["p"], "five significant figures")
	require.Equal(t, "1.23", order["s"], "size truncated to szDecimals")

	e.processWebSocketMessage([]byte(`{"channel":"userFills","data":{"isSnapshot":false,"user":"0x0","fills":[{"coin":"@107","px":"25.123","sz":"0.5","side":"B","time":1,"oid":77738308}]}}`))
	require.Empty(t, fills)
	e.processWebSocketMessage([]byte(`{"channel":"userFills","data":{"isSnapshot":false,"user":"0x0","fills":[{"coin":"@107","px":"25.123","sz":"0.73","side":"B","time":2,"oid":77738308}]}}`))
	require.Equal(t, h, <-fills)

	err = e.CancelOrder(ctx, h)
	require.ErrorIs(t, err, ErrOrderNotOpen)
}

func TestHyperliquid_CancelRaceWithFill(t *testing.T) {
	fx := &fakeExchange{orderRsp: `{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":5}}]}}}`}
	e := newTestHyperliquid(t, fx)
	ctx := context.Background()

	h, err := e.LimitSell(ctx, "HYPE-USDC", decimal.NewFromInt(30), decimal.NewFromInt(1), nil)
	require.NoError(t, err)

	err = e.CancelOrder(ctx, h)
	require.ErrorIs(t, err, ErrOrderNotOpen)

	fx.mu.Lock()
	fx.cancelOK = true
	fx.mu.Unlock()
	require.NoError(t, e.CancelOrder(ctx, h))
	require.ErrorIs(t, e.CancelOrder(ctx, h), ErrOrderNotOpen)
}

func TestHyperliquid_EarlyFillIsReplayed(t *testing.T) {
	fx := &fakeExchange{orderRsp: `{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":9}}]}}}`}
	e := newTestHyperliquid(t, fx)

	e.processWebSocketMessage([]byte(`{"channel":"userFills","data":{"isSnapshot":false,"fills":[{"coin":"@107","px":"30","sz":"1","side":"A","time":1,"oid":9}]}}`))

	fills := make(chan OrderHandle, 1)
	h, err := e.LimitSell(context.Background(), "HYPE-USDC", decimal.NewFromInt(30), decimal.NewFromInt(1),
		func(h OrderHandle) { fills <- h })
	require.NoError(t, err)

	select {
	case got := <-fills:
		require.Equal(t, h, got)
	case <-time.After(time.Second):
		t.Fatal("early fill was not delivered")
	}
}

func TestHyperliquid_RejectedOrder(t *testing.T) {
	fx := &fakeExchange{orderRsp: `{"status":"ok","response":{"type":"order","data":{"statuses":[{"error":"Insufficient spot balance"}]}}}`}
	e := newTestHyperliquid(t, fx)

	_, err := e.LimitBuy(context.Background(), "HYPE-USDC", decimal.NewFromInt(25), decimal.NewFromInt(1), nil)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "Insufficient spot balance"))

	_, err = e.LimitBuy(context.Background(), "HYPE-USDC", decimal.NewFromInt(25), decimal.RequireFromString("0.001"), nil)
	require.ErrorIs(t, err, ErrInvalidOrder)

	_, err = e.LimitBuy(context.Background(), "NOPE-USDC", decimal.NewFromInt(25), decimal.NewFromInt(1), nil)
	require.ErrorIs(t, err, ErrInvalidOrder)

	require.EqualValues(t, 3, e.GetExecutionStats().OrdersRejected)
}

func TestWirePrice(t *testing.T) {
	cases := []struct {
		in       string
		decimals int32
		want     string
	}{
		{"100", 6, "100"},
		{"1234.567", 6, "1234.6"},
		{"0.0123456", 6, "0.012346"},
		{"0.0123456", 4, "0.0123"},
		{"25.5", 6, "25.5"},
	}
	for _, c := range cases {
		got := wirePrice(decimal.RequireFromString(c.in), c.decimals)
		require.True(t, got.Equal(decimal.RequireFromString(c.want)), "%s -> %s, want %s", c.in, got, c.want)
	}
}

func TestSignL1Action(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	action := cancelAction{Type: "cancel", Cancels: []cancelWire{{Asset: 10107, Oid: 1}}}
	sig, err := signL1Action(key, action, "", 1700000000000, false)
	require.NoError(t, err)
	require.Len(t, sig.R, 66)
	require.Len(t, sig.S, 66)
	require.Contains(t, []byte{27, 28}, sig.V)

	h1, err := actionHash(action, "", 1)
	require.NoError(t, err)
	h2, err := actionHash(action, "", 2)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}
