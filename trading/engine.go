// Package trading drives each trade attempt through accept, submit,
// monitor and resolve. The engine consumes signals from the feed watcher,
// gates them against blackout windows, places the entry order and arms
// the monitor and timeout-cancel actions on the shared schedule queue.
package trading

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jumpei00/gofuturestrade/exchange"
	"github.com/jumpei00/gofuturestrade/schedule"
)

// Queue labels for the per-attempt scheduled actions. An engine drives
// one instrument, so one pending action of each kind exists at a time;
// stale entries are removed before re-arming.
const (
	labelEntry   = "order-entry"
	labelMonitor = "order-monitor"
	labelCancel  = "order-cancel"
)

// Exchange is the subset of the REST client the engine needs. Tests
// substitute a fake.
type Exchange interface {
	Positions(ctx context.Context, symbol string) ([]exchange.Position, error)
	OpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error)
	Balance(ctx context.Context, asset string) (exchange.Balance, error)
	CreateOrder(ctx context.Context, order exchange.OrderInput) (exchange.OrderAck, error)
	CreateTriggerOrder(ctx context.Context, order exchange.TriggerOrderInput) (exchange.OrderAck, error)
	OrderDetails(ctx context.Context, symbol, orderID, origClientOrderID string) (exchange.OrderAck, error)
	CancelAllOpenOrders(ctx context.Context, symbol string) error
}

// Settings carries the per-instrument trade parameters.
type Settings struct {
	Symbol   string
	Asset    string
	TickSize float64
	LotStep  float64

	// signed offsets against the current price / entry price
	EntryGap  float64
	TPPercent float64
	SLPercent float64

	Leverage float64
	Quantity float64 // fixed size; 0 derives the size from the balance

	EntryDelay      time.Duration
	MonitorInterval time.Duration
	CancelDelay     time.Duration
}

// Engine is the order-lifecycle state machine for one instrument.
type Engine struct {
	settings Settings
	ex       Exchange
	queue    *schedule.SignalQueue
	tctx     *TradingContext
	signals  *SignalSettings

	mu            sync.Mutex
	lastProcessed time.Time
}

// NewEngine wires the engine to its collaborators.
func NewEngine(settings Settings, ex Exchange, queue *schedule.SignalQueue, tctx *TradingContext, signals *SignalSettings) *Engine {
	return &Engine{
		settings: settings,
		ex:       ex,
		queue:    queue,
		tctx:     tctx,
		signals:  signals,
	}
}

// Run consumes signals until the context is canceled.
func (e *Engine) Run(ctx context.Context, in <-chan TradeSignal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-in:
			if !ok {
				return
			}
			e.ProcessSignal(ctx, sig)
		}
	}
}

// ProcessSignal runs the intake path for one signal: blackout gate,
// de-duplication, precondition check, then delayed submission. Scheduled
// monitor/cancel actions of an earlier attempt are left untouched when
// the signal is skipped.
func (e *Engine) ProcessSignal(ctx context.Context, sig TradeSignal) {
	if sig.Value == None {
		logrus.Info("ignoring the 0 signal")
		return
	}

	now := time.Now()
	if e.signals.Blocked(now, sig.Datetime) {
		logrus.Infof("signal %s falls inside a blackout window, skipped", sig.Datetime.Format(time.DateTime))
		return
	}

	e.mu.Lock()
	if sig.Datetime.Equal(e.lastProcessed) {
		e.mu.Unlock()
		logrus.Infof("signal %s already processed, skipped", sig.Datetime.Format(time.DateTime))
		return
	}
	e.lastProcessed = sig.Datetime
	e.mu.Unlock()

	if !e.prepareForOrder(ctx) {
		return
	}

	e.queue.Remove(labelEntry)
	if err := e.queue.Add(now.Add(e.settings.EntryDelay), labelEntry, func() {
		e.submitEntry(context.Background(), sig)
	}); err != nil {
		logrus.Errorf("arming entry submission failed: %v", err)
	}
}

// prepareForOrder verifies the account is flat and free of in-flight
// entries. Leftover trigger orders from an earlier attempt are canceled
// before the new attempt proceeds.
func (e *Engine) prepareForOrder(ctx context.Context) bool {
	positions, err := e.ex.Positions(ctx, e.settings.Symbol)
	if err != nil {
		logrus.Errorf("positions fetch failed: %v, signal aborted", err)
		return false
	}
	if len(positions) == 0 || positions[0].Notional == "" {
		logrus.Error("notional not found in the response, signal aborted")
		return false
	}
	if positions[0].Notional != "0" {
		logrus.Info("notional is not 0, signal aborted")
		return false
	}

	orders, err := e.ex.OpenOrders(ctx, e.settings.Symbol)
	if err != nil {
		logrus.Errorf("open orders fetch failed: %v, signal aborted", err)
		return false
	}
	if len(orders) == 0 {
		logrus.Info("signal accepted")
		return true
	}
	for _, order := range orders {
		if order.OrigType == "LIMIT" {
			logrus.Info("detected LIMIT order in open orders list, signal aborted")
			return false
		}
	}

	logrus.Info("running cancel all for pre-execution clean up")
	if err := e.ex.CancelAllOpenOrders(ctx, e.settings.Symbol); err != nil {
		logrus.Errorf("pre-execution cancel failed: %v, signal aborted", err)
		return false
	}
	return true
}

// submitEntry places the LIMIT entry, records it, and arms the monitor
// and timeout-cancel actions.
func (e *Engine) submitEntry(ctx context.Context, sig TradeSignal) {
	s := e.settings
	prices := e.tctx.Prices()
	if prices.CurrentPrice <= 0 {
		logrus.Error("no market price available yet, entry aborted")
		return
	}

	dir := float64(sig.Value)
	entry := RoundToTick(prices.CurrentPrice*(1+s.EntryGap*dir), s.TickSize)

	qty, err := e.quantityFor(ctx, entry)
	if err != nil {
		logrus.Errorf("quantity calculation failed: %v, entry aborted", err)
		return
	}
	if qty <= 0 {
		logrus.Errorf("calculated quantity %v is not positive, entry aborted", qty)
		return
	}

	ack, err := e.ex.CreateOrder(ctx, exchange.OrderInput{
		Symbol:      s.Symbol,
		Side:        sig.Value.Side(),
		Type:        "LIMIT",
		TimeInForce: "GTC",
		Quantity:    qty,
		Price:       entry,
	})
	if err != nil {
		logrus.Errorf("entry order failed: %v", err)
		return
	}
	origQty, err := strconv.ParseFloat(ack.OrigQty, 64)
	if err != nil {
		logrus.Errorf("order response validation failed: %v", err)
		return
	}

	e.tctx.UpdatePrices(PriceState{
		CurrentPrice: prices.CurrentPrice,
		EntryPrice:   entry,
		TPPrice:      RoundToTick(entry*(1+s.TPPercent*dir), s.TickSize),
		SLPrice:      RoundToTick(entry*(1-s.SLPercent*dir), s.TickSize),
	})
	e.tctx.ArmAttempt(OrderRecord{
		OrderID:  strconv.FormatInt(ack.OrderID, 10),
		Side:     ack.Side,
		Status:   ack.Status,
		Quantity: origQty,
		Price:    entry,
	})
	logrus.Infof("entry order %d placed: %s %v %s @ %v", ack.OrderID, ack.Side, origQty, s.Symbol, entry)

	now := time.Now()
	e.queue.Remove(labelMonitor)
	if err := e.queue.Add(now.Add(s.MonitorInterval), labelMonitor, e.monitor); err != nil {
		logrus.Errorf("arming monitor failed: %v", err)
	}
	e.queue.Remove(labelCancel)
	if err := e.queue.Add(now.Add(s.CancelDelay), labelCancel, e.timeoutCancel); err != nil {
		logrus.Errorf("arming timeout cancel failed: %v", err)
	}
}

// quantityFor returns the configured fixed size, or derives one from the
// available balance floored to the lot step.
func (e *Engine) quantityFor(ctx context.Context, entry float64) (float64, error) {
	s := e.settings
	if s.Quantity > 0 {
		return s.Quantity, nil
	}
	balance, err := e.ex.Balance(ctx, s.Asset)
	if err != nil {
		return 0, err
	}
	avail, err := strconv.ParseFloat(balance.AvailableBalance, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed available balance %q: %w", balance.AvailableBalance, err)
	}
	return FloorToLot(avail*s.Leverage/entry, s.LotStep), nil
}

// monitor polls the live order until the attempt resolves, re-arming
// itself each round. The user-stream push may resolve the attempt first;
// the latch decides.
func (e *Engine) monitor() {
	if e.tctx.Resolved() {
		return
	}
	ctx := context.Background()
	ord := e.tctx.Order()

	details, err := e.ex.OrderDetails(ctx, e.settings.Symbol, ord.OrderID, "")
	if err != nil {
		logrus.Warnf("monitor: order lookup failed: %v", err)
		e.rearmMonitor()
		return
	}
	if details.Status == "CANCELED" {
		e.tctx.SetOrderStatus(ord.OrderID, details.Status)
		if e.tctx.TryResolve() {
			logrus.Infof("entry order %s was canceled remotely, attempt closed", ord.OrderID)
		}
		return
	}

	positions, err := e.ex.Positions(ctx, e.settings.Symbol)
	if err != nil || len(positions) == 0 {
		logrus.Warnf("monitor: positions unavailable: %v", err)
		e.rearmMonitor()
		return
	}
	if positions[0].Notional != "0" {
		logrus.Infof("entry order %s filled, placing protective orders", ord.OrderID)
		e.PlaceProtectiveOrders(ctx, ord.Side, ord.Quantity)
		return
	}
	e.rearmMonitor()
}

func (e *Engine) rearmMonitor() {
	err := e.queue.Add(time.Now().Add(e.settings.MonitorInterval), labelMonitor, e.monitor)
	if err != nil && err != schedule.ErrStopped {
		logrus.Errorf("monitor re-arm failed: %v", err)
	}
}

// timeoutCancel fires once per attempt, long after submission. A still
// unfilled entry is swept away; a live position keeps its protective
// orders.
func (e *Engine) timeoutCancel() {
	if e.tctx.Resolved() {
		return
	}
	ctx := context.Background()

	positions, err := e.ex.Positions(ctx, e.settings.Symbol)
	if err != nil || len(positions) == 0 {
		logrus.Errorf("timeout cancel: positions unavailable: %v", err)
		return
	}
	if positions[0].Notional != "0" {
		return
	}
	// Win the latch before sweeping: a fill push landing after the
	// notional check places protective orders that must not be canceled.
	if !e.tctx.TryResolve() {
		return
	}
	if err := e.ex.CancelAllOpenOrders(ctx, e.settings.Symbol); err != nil {
		logrus.Errorf("timeout cancel: cancel all failed: %v", err)
		return
	}
	logrus.Info("unfilled entry timed out, open orders canceled")
}

// PlaceProtectiveOrders attaches the reduce-only take-profit and
// stop-loss orders on the side opposite the fill. It is called from the
// monitor poll and from the user-stream fill push; the latch guarantees
// only the first caller acts. The target prices derive from the recorded
// entry price and the filled side; the shared price state is continuously
// overwritten by the ticker feed and cannot carry attempt-scoped targets.
func (e *Engine) PlaceProtectiveOrders(ctx context.Context, filledSide string, qty float64) {
	if !e.tctx.TryResolve() {
		return
	}
	s := e.settings
	entry := e.tctx.Order().Price
	dir := 1.0
	if filledSide == "SELL" {
		dir = -1
	}
	tpPrice := RoundToTick(entry*(1+s.TPPercent*dir), s.TickSize)
	slPrice := RoundToTick(entry*(1-s.SLPercent*dir), s.TickSize)
	side := InvertSide(filledSide)

	var wg sync.WaitGroup
	place := func(orderType string, stopPrice float64) {
		defer wg.Done()
		ack, err := e.ex.CreateTriggerOrder(ctx, exchange.TriggerOrderInput{
			OrderInput: exchange.OrderInput{
				Symbol:      s.Symbol,
				Side:        side,
				Type:        orderType,
				TimeInForce: "GTC",
				Quantity:    qty,
			},
			StopPrice:  stopPrice,
			ReduceOnly: true,
		})
		if err != nil {
			logrus.Errorf("%s placement failed: %v", orderType, err)
			return
		}
		logrus.Infof("%s %d placed at %v", orderType, ack.OrderID, stopPrice)
	}
	wg.Add(2)
	go place("TAKE_PROFIT_MARKET", tpPrice)
	go place("STOP_MARKET", slPrice)
	wg.Wait()
}

// OrderCanceled handles a cancel push from the user stream.
func (e *Engine) OrderCanceled(orderID, clientOrderID string) {
	if !e.tctx.SetOrderStatus(orderID, "CANCELED") {
		logrus.Warnf("order %s (client %s) does not match the live order", orderID, clientOrderID)
		return
	}
	if e.tctx.TryResolve() {
		logrus.Infof("order %s has been canceled, attempt closed", orderID)
	}
}

// LimitFilled handles a LIMIT fill push from the user stream.
func (e *Engine) LimitFilled(side string, qty float64) {
	logrus.Infof("LIMIT order filled: %s %v, placing protective orders", side, qty)
	e.PlaceProtectiveOrders(context.Background(), side, qty)
}

// MarketFilled handles a MARKET fill push; a protective order has
// executed, so every remaining open order for the instrument is swept.
func (e *Engine) MarketFilled() {
	logrus.Info("MARKET order filled, initiating cleanup of open orders")
	if err := e.ex.CancelAllOpenOrders(context.Background(), e.settings.Symbol); err != nil {
		logrus.Errorf("cleanup cancel failed: %v", err)
	}
}
