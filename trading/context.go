package trading

import "sync"

// OrderRecord is the engine's view of the live entry order. It is written
// by the REST create-order response and by push notifications from the
// user stream.
type OrderRecord struct {
	OrderID  string
	Side     string
	Status   string
	Quantity float64
	Price    float64
}

// PriceState carries the current market price and the derived target
// prices, continuously overwritten by the market feed and re-derived at
// submission time.
type PriceState struct {
	CurrentPrice float64
	EntryPrice   float64
	TPPrice      float64
	SLPrice      float64
}

// TradingContext owns the mutable state shared between the scheduler
// callbacks, the streaming sessions and the engine loop. All fields are
// guarded internally; callers get copies.
//
// The resolution latch guarantees that the terminal action of a trade
// attempt (protective placement or cancel) runs at most once: it starts
// resolved, ArmAttempt clears it, and TryResolve sets it exactly once.
type TradingContext struct {
	mu       sync.Mutex
	order    OrderRecord
	price    PriceState
	resolved bool
}

// NewTradingContext returns a context with no attempt in flight.
func NewTradingContext() *TradingContext {
	return &TradingContext{resolved: true}
}

// ArmAttempt records the freshly submitted entry order and opens a new
// attempt by clearing the resolution latch.
func (c *TradingContext) ArmAttempt(rec OrderRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = rec
	c.resolved = false
}

// TryResolve flips the latch from open to resolved. It returns true for
// exactly one caller per attempt; every other caller, from any goroutine,
// gets false.
func (c *TradingContext) TryResolve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return false
	}
	c.resolved = true
	return true
}

// Resolved reports whether the current attempt has reached its terminal
// state (or no attempt is in flight).
func (c *TradingContext) Resolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved
}

// Order returns a copy of the live order record.
func (c *TradingContext) Order() OrderRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order
}

// SetOrderStatus updates the record's status when the id matches the live
// order. It reports whether the id matched.
func (c *TradingContext) SetOrderStatus(orderID, status string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.order.OrderID != orderID {
		return false
	}
	c.order.Status = status
	return true
}

// UpdatePrices overwrites the price state. The market feed calls this on
// every tick; submission overwrites the derived targets with the
// entry-based values.
func (c *TradingContext) UpdatePrices(p PriceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.price = p
}

// Prices returns a copy of the price state.
func (c *TradingContext) Prices() PriceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.price
}
