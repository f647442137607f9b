// Package exchange is a typed client for the Binance USDⓈ-M futures REST
// API. Private calls carry timestamp and recvWindow and are signed with
// HMAC-SHA256 over the full query string; the API key travels in the
// X-MBX-APIKEY header.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oarkflow/errors"
	"github.com/oarkflow/xid"
)

const (
	mainnetBase = "https://fapi.binance.com"
	testnetBase = "https://testnet.binancefuture.com"
)

// Client issues REST calls against one futures account.
type Client struct {
	params  APIParams
	baseURL string
	hc      *http.Client
	now     func() time.Time
}

// NewClient picks the mainnet or testnet base URL from the params.
func NewClient(params APIParams) *Client {
	base := mainnetBase
	if params.Testnet {
		base = testnetBase
	}
	return NewClientWithBase(params, base)
}

// NewClientWithBase targets an explicit base URL. Tests point this at a
// local server.
func NewClientWithBase(params APIParams, baseURL string) *Client {
	return &Client{
		params:  params,
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 15 * time.Second},
		now:     defaultNow,
	}
}

// OrderInput describes an entry order.
type OrderInput struct {
	Symbol        string
	Side          string
	Type          string
	TimeInForce   string
	Quantity      float64
	Price         float64
	ClientOrderID string
}

// TriggerOrderInput describes a protective (trigger) order.
type TriggerOrderInput struct {
	OrderInput
	StopPrice  float64
	ReduceOnly bool
}

// OrderAck is the exchange's view of one order. Decimal fields stay
// string-encoded as received.
type OrderAck struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	OrigQty       string `json:"origQty"`
	Price         string `json:"price"`
}

// Position is one row of the position-risk response.
type Position struct {
	Symbol      string `json:"symbol"`
	Notional    string `json:"notional"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
}

// OpenOrder is one row of the open-orders response.
type OpenOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	OrigType      string `json:"origType"`
	Status        string `json:"status"`
}

// Balance is one asset entry of the account response.
type Balance struct {
	Asset            string `json:"asset"`
	AvailableBalance string `json:"availableBalance"`
}

type accountResponse struct {
	Assets []Balance `json:"assets"`
}

type priceResponse struct {
	Price string `json:"price"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// Price returns the current mark for the symbol. Unsigned call.
func (c *Client) Price(ctx context.Context, symbol string) (float64, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/price", "symbol="+symbol, "")
	if err != nil {
		return 0, err
	}
	var resp priceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, errors.NewE(err, "malformed price response", "")
	}
	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, errors.NewE(err, "malformed price field", "")
	}
	return price, nil
}

// Positions returns the position-risk rows for the symbol.
func (c *Client) Positions(ctx context.Context, symbol string) ([]Position, error) {
	p := &queryParams{}
	if symbol != "" {
		p.add("symbol", symbol)
	}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", c.signed(p), "")
	if err != nil {
		return nil, err
	}
	var positions []Position
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, errors.NewE(err, "malformed positions response", "")
	}
	return positions, nil
}

// OpenOrders returns the currently open orders for the symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	p := &queryParams{}
	if symbol != "" {
		p.add("symbol", symbol)
	}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/openOrders", c.signed(p), "")
	if err != nil {
		return nil, err
	}
	var orders []OpenOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, errors.NewE(err, "malformed open orders response", "")
	}
	return orders, nil
}

// Balance returns the account balance entry for the given asset.
func (c *Client) Balance(ctx context.Context, asset string) (Balance, error) {
	p := &queryParams{}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/account", c.signed(p), "")
	if err != nil {
		return Balance{}, err
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Balance{}, errors.NewE(err, "malformed account response", "")
	}
	for _, balance := range resp.Assets {
		if balance.Asset == asset {
			return balance, nil
		}
	}
	return Balance{}, fmt.Errorf("asset %s not present in account response", asset)
}

// CreateOrder submits an entry order. A client order id is generated when
// the input carries none.
func (c *Client) CreateOrder(ctx context.Context, order OrderInput) (OrderAck, error) {
	if order.ClientOrderID == "" {
		order.ClientOrderID = xid.New().String()
	}
	p := &queryParams{}
	p.add("symbol", order.Symbol)
	p.add("side", order.Side)
	p.add("type", order.Type)
	if order.TimeInForce != "" {
		p.add("timeInForce", order.TimeInForce)
	}
	p.add("quantity", formatFloat(order.Quantity))
	if order.Type != "MARKET" {
		p.add("price", formatFloat(order.Price))
	}
	p.add("newClientOrderId", order.ClientOrderID)
	return c.orderCall(ctx, http.MethodPost, p)
}

// CreateTriggerOrder submits a trigger order. STOP_MARKET and
// TAKE_PROFIT_MARKET carry only the stop price.
func (c *Client) CreateTriggerOrder(ctx context.Context, order TriggerOrderInput) (OrderAck, error) {
	p := &queryParams{}
	p.add("symbol", order.Symbol)
	p.add("side", order.Side)
	p.add("type", order.Type)
	p.add("quantity", formatFloat(order.Quantity))
	if order.Type == "STOP_MARKET" || order.Type == "TAKE_PROFIT_MARKET" {
		p.add("stopPrice", formatFloat(order.StopPrice))
	} else {
		p.add("price", formatFloat(order.Price))
		p.add("stopPrice", formatFloat(order.StopPrice))
	}
	if order.ReduceOnly {
		p.add("reduceOnly", "true")
	}
	return c.orderCall(ctx, http.MethodPost, p)
}

// OrderDetails fetches one order by exchange id or client id.
func (c *Client) OrderDetails(ctx context.Context, symbol, orderID, origClientOrderID string) (OrderAck, error) {
	if orderID == "" && origClientOrderID == "" {
		return OrderAck{}, fmt.Errorf("either orderID or origClientOrderID must be provided")
	}
	p := &queryParams{}
	p.add("symbol", symbol)
	if orderID != "" {
		p.add("orderId", orderID)
	} else {
		p.add("origClientOrderId", origClientOrderID)
	}
	return c.orderCall(ctx, http.MethodGet, p)
}

// CancelOrder cancels a single order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p := &queryParams{}
	p.add("symbol", symbol)
	p.add("orderId", orderID)
	_, err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", c.signed(p), "")
	return err
}

// CancelAllOpenOrders cancels every open order for the symbol.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	p := &queryParams{}
	p.add("symbol", symbol)
	_, err := c.do(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", c.signed(p), "")
	return err
}

// CreateListenKey obtains the short-lived user-stream token.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/listenKey", "", "")
	if err != nil {
		return "", err
	}
	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errors.NewE(err, "malformed listen key response", "")
	}
	if resp.ListenKey == "" {
		return "", fmt.Errorf("empty listen key in response")
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the token's validity.
func (c *Client) KeepAliveListenKey(ctx context.Context, key string) error {
	_, err := c.do(ctx, http.MethodPut, "/fapi/v1/listenKey", "", "listenKey="+key)
	return err
}

func (c *Client) orderCall(ctx context.Context, method string, p *queryParams) (OrderAck, error) {
	body, err := c.do(ctx, method, "/fapi/v1/order", c.signed(p), "")
	if err != nil {
		return OrderAck{}, err
	}
	var ack OrderAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return OrderAck{}, errors.NewE(err, "malformed order response", "")
	}
	if ack.OrderID == 0 {
		return OrderAck{}, fmt.Errorf("order response carries no orderId: %s", string(body))
	}
	return ack, nil
}

func (c *Client) do(ctx context.Context, method, path, query, body string) ([]byte, error) {
	url := c.baseURL + path
	if query != "" {
		url += "?" + query
	}
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.NewE(err, "building request failed", "")
	}
	req.Header.Set("X-MBX-APIKEY", c.params.Key)
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.NewE(err, "request failed: "+path, "")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewE(err, "reading response failed: "+path, "")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	return data, nil
}

// formatFloat renders quantities and prices without trailing zeros.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
