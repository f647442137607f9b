package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = APIParams{Key: "test-key", Secret: "test-secret", RecvWindow: 5000}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClientWithBase(testParams, srv.URL)
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return c
}

// requireSigned checks the signed-call contract: API key header, timestamp
// and recvWindow present, and the signature parameter matching an HMAC
// recomputed over everything that precedes it.
func requireSigned(t *testing.T, r *http.Request) {
	t.Helper()
	require.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))

	raw := r.URL.RawQuery
	idx := strings.Index(raw, "&signature=")
	require.Greater(t, idx, 0, "query carries no signature: %s", raw)
	payload, sig := raw[:idx], raw[idx+len("&signature="):]

	require.Contains(t, payload, "recvWindow=5000")
	require.Contains(t, payload, "timestamp=1700000000000")
	require.True(t, strings.HasSuffix(payload, "&timestamp=1700000000000"),
		"timestamp must be the last signed parameter: %s", payload)
	require.Equal(t, Signature("test-secret", payload), sig)
}

func TestPositions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v2/positionRisk", r.URL.Path)
		requireSigned(t, r)
		w.Write([]byte(`[{"symbol":"BTCUSDT","notional":"0","positionAmt":"0.000","entryPrice":"0.0"}]`))
	})

	positions, err := c.Positions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "0", positions[0].Notional)
}

func TestPositionsMalformedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":-1021,"msg":"Timestamp outside recvWindow"}`))
	})

	_, err := c.Positions(context.Background(), "BTCUSDT")
	assert.Error(t, err)
}

func TestCreateOrderLimit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fapi/v1/order", r.URL.Path)
		requireSigned(t, r)

		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "BUY", q.Get("side"))
		assert.Equal(t, "LIMIT", q.Get("type"))
		assert.Equal(t, "GTC", q.Get("timeInForce"))
		assert.Equal(t, "0.01", q.Get("quantity"))
		assert.Equal(t, "50000.5", q.Get("price"))
		assert.NotEmpty(t, q.Get("newClientOrderId"))

		w.Write([]byte(`{"orderId":12345,"clientOrderId":"` + q.Get("newClientOrderId") +
			`","symbol":"BTCUSDT","side":"BUY","status":"NEW","origQty":"0.01","price":"50000.5"}`))
	})

	ack, err := c.CreateOrder(context.Background(), OrderInput{
		Symbol:      "BTCUSDT",
		Side:        "BUY",
		Type:        "LIMIT",
		TimeInForce: "GTC",
		Quantity:    0.01,
		Price:       50000.5,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12345), ack.OrderID)
	assert.Equal(t, "0.01", ack.OrigQty)
}

func TestCreateOrderMarketOmitsPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("price"))
		w.Write([]byte(`{"orderId":1,"status":"NEW"}`))
	})

	_, err := c.CreateOrder(context.Background(), OrderInput{
		Symbol: "BTCUSDT", Side: "SELL", Type: "MARKET", Quantity: 0.01,
	})
	require.NoError(t, err)
}

func TestCreateTriggerOrderStopMarket(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requireSigned(t, r)
		q := r.URL.Query()
		assert.Equal(t, "STOP_MARKET", q.Get("type"))
		assert.Equal(t, "49000", q.Get("stopPrice"))
		assert.False(t, q.Has("price"))
		assert.Equal(t, "true", q.Get("reduceOnly"))
		w.Write([]byte(`{"orderId":777,"status":"NEW"}`))
	})

	ack, err := c.CreateTriggerOrder(context.Background(), TriggerOrderInput{
		OrderInput: OrderInput{Symbol: "BTCUSDT", Side: "SELL", Type: "STOP_MARKET", Quantity: 0.01},
		StopPrice:  49000,
		ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(777), ack.OrderID)
}

func TestOrderDetailsRequiresAnID(t *testing.T) {
	c := NewClientWithBase(testParams, "http://127.0.0.1:0")
	_, err := c.OrderDetails(context.Background(), "BTCUSDT", "", "")
	assert.Error(t, err)
}

func TestCancelAllOpenOrders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/fapi/v1/allOpenOrders", r.URL.Path)
		requireSigned(t, r)
		w.Write([]byte(`{"code":200,"msg":"The operation of cancel all open order is done."}`))
	})

	assert.NoError(t, c.CancelAllOpenOrders(context.Background(), "BTCUSDT"))
}

func TestBalanceSelectsAsset(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requireSigned(t, r)
		w.Write([]byte(`{"assets":[{"asset":"BNB","availableBalance":"0"},{"asset":"USDT","availableBalance":"1523.77"}]}`))
	})

	balance, err := c.Balance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.Equal(t, "1523.77", balance.AvailableBalance)

	_, err = c.Balance(context.Background(), "BTC")
	assert.Error(t, err)
}

func TestListenKeyLifecycle(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/listenKey", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		switch r.Method {
		case http.MethodPost:
			w.Write([]byte(`{"listenKey":"abc123"}`))
		case http.MethodPut:
			body := make([]byte, 64)
			n, _ := r.Body.Read(body)
			assert.Equal(t, "listenKey=abc123", string(body[:n]))
			w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	})

	key, err := c.CreateListenKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", key)
	assert.NoError(t, c.KeepAliveListenKey(context.Background(), key))
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2010,"msg":"Order would immediately trigger."}`))
	})

	err := c.CancelAllOpenOrders(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-2010")
}
