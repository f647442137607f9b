package stream

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jumpei00/gofuturestrade/trading"
)

// listenKeyInterval is how often the short-lived stream token is renewed.
const listenKeyInterval = 30 * time.Minute

// ListenKeyAPI is the slice of the REST client the user feed needs for
// its stream token.
type ListenKeyAPI interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
}

// OrderEvents receives the order-update pushes that drive the engine.
// Implementations may block; the feed calls them on their own goroutines.
type OrderEvents interface {
	OrderCanceled(orderID, clientOrderID string)
	LimitFilled(side string, qty float64)
	MarketFilled()
}

// UserFeed subscribes to the private order-update stream. It bootstraps a
// listen key before each handshake and renews it on a lifetime ticker
// that is independent of the trade-attempt schedule queue.
type UserFeed struct {
	baseURL string
	symbol  string
	lotStep float64
	api     ListenKeyAPI
	events  OrderEvents

	mu        sync.Mutex
	listenKey string

	renewStop chan struct{}
	renewOnce sync.Once
}

// NewUserFeed targets the base stream URL, e.g. wss://fstream.binance.com.
func NewUserFeed(baseURL, symbol string, lotStep float64, api ListenKeyAPI, events OrderEvents) *UserFeed {
	return &UserFeed{
		baseURL:   strings.TrimRight(baseURL, "/"),
		symbol:    symbol,
		lotStep:   lotStep,
		api:       api,
		events:    events,
		renewStop: make(chan struct{}),
	}
}

// Endpoint fetches a fresh listen key and returns the stream URL carrying
// it. Called again on every reconnect, so an expired key heals itself.
func (u *UserFeed) Endpoint() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	key, err := u.api.CreateListenKey(ctx)
	if err != nil {
		return "", err
	}
	u.mu.Lock()
	u.listenKey = key
	u.mu.Unlock()
	return u.baseURL + "/ws/" + key, nil
}

func (u *UserFeed) SubscribePayload() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"id":     uuid.NewString(),
		"method": "SUBSCRIBE",
		"params": []string{strings.ToLower(u.symbol) + "@orderUpdate"},
	})
}

// StartKeepAlive renews the listen key periodically until the context
// ends or StopKeepAlive is called.
func (u *UserFeed) StartKeepAlive(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(listenKeyInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-u.renewStop:
				return
			case <-ticker.C:
				u.mu.Lock()
				key := u.listenKey
				u.mu.Unlock()
				if key == "" {
					continue
				}
				if err := u.api.KeepAliveListenKey(ctx, key); err != nil {
					logrus.Errorf("user: listen key renewal failed: %v", err)
				}
			}
		}
	}()
}

// StopKeepAlive stops the renewal ticker. Idempotent.
func (u *UserFeed) StopKeepAlive() {
	u.renewOnce.Do(func() { close(u.renewStop) })
}

// orderUpdate is the nested order payload of an order-update message.
// The inner "o" field is the order type; the outer one is the payload
// itself.
type orderUpdate struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	OrderType     string `json:"o"`
	ExecType      string `json:"x"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	CumFilledQty  string `json:"z"`
}

type userMessage struct {
	Event string       `json:"e"`
	Order *orderUpdate `json:"o"`
}

// OnMessage dispatches an order-update push. Only three shapes drive
// behavior: a cancel, a LIMIT fill and a MARKET fill; everything else is
// logged and ignored. Side effects run on their own goroutines so the
// read loop keeps draining.
func (u *UserFeed) OnMessage(raw []byte) {
	var msg userMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logrus.Warnf("user: dropping unparsable message: %v", err)
		return
	}
	if msg.Order == nil {
		logrus.Warn("user: message carries no order information")
		return
	}
	order := msg.Order
	orderID := strconv.FormatInt(order.OrderID, 10)

	switch {
	case order.ExecType == "CANCELED" && order.Status == "CANCELED":
		logrus.Infof("user: order %s (client %s) has been canceled", orderID, order.ClientOrderID)
		go u.events.OrderCanceled(orderID, order.ClientOrderID)

	case order.ExecType == "TRADE" && order.Status == "FILLED" && order.OrderType == "LIMIT":
		qty, err := strconv.ParseFloat(order.CumFilledQty, 64)
		if err != nil {
			logrus.Errorf("user: LIMIT fill with bad quantity %q: %v", order.CumFilledQty, err)
			return
		}
		qty = trading.SnapToLot(qty, u.lotStep)
		logrus.Infof("user: LIMIT order %s filled (%s %v)", orderID, order.Side, qty)
		go u.events.LimitFilled(order.Side, qty)

	case order.ExecType == "TRADE" && order.Status == "FILLED" && order.OrderType == "MARKET":
		logrus.Infof("user: MARKET order %s filled, cleanup", orderID)
		go u.events.MarketFilled()

	default:
		logrus.Infof("user: order update ignored (execType=%s status=%s type=%s)",
			order.ExecType, order.Status, order.OrderType)
	}
}
