package trading

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryResolveOnlyOncePerAttempt(t *testing.T) {
	tctx := NewTradingContext()

	// no attempt in flight: already resolved
	assert.False(t, tctx.TryResolve())

	tctx.ArmAttempt(OrderRecord{OrderID: "1"})
	assert.False(t, tctx.Resolved())
	assert.True(t, tctx.TryResolve())
	assert.False(t, tctx.TryResolve())
	assert.True(t, tctx.Resolved())

	// a new attempt reopens the latch
	tctx.ArmAttempt(OrderRecord{OrderID: "2"})
	assert.True(t, tctx.TryResolve())
}

func TestTryResolveConcurrent(t *testing.T) {
	tctx := NewTradingContext()
	tctx.ArmAttempt(OrderRecord{OrderID: "1"})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tctx.TryResolve() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestSetOrderStatusMatchesByID(t *testing.T) {
	tctx := NewTradingContext()
	tctx.ArmAttempt(OrderRecord{OrderID: "42", Status: "NEW"})

	assert.False(t, tctx.SetOrderStatus("99", "CANCELED"))
	assert.Equal(t, "NEW", tctx.Order().Status)

	assert.True(t, tctx.SetOrderStatus("42", "CANCELED"))
	assert.Equal(t, "CANCELED", tctx.Order().Status)
}

func TestPricesCopyOut(t *testing.T) {
	tctx := NewTradingContext()
	tctx.UpdatePrices(PriceState{CurrentPrice: 50000, EntryPrice: 49500})

	p := tctx.Prices()
	p.CurrentPrice = 0
	assert.Equal(t, 50000.0, tctx.Prices().CurrentPrice)
}
