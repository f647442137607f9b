package stream

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jumpei00/gofuturestrade/trading"
)

// PriceOffsets are the signed percentage offsets the market feed applies
// to the current price when deriving targets.
type PriceOffsets struct {
	EntryGap  float64
	TPPercent float64
	SLPercent float64
}

// MarketFeed subscribes to the public ticker stream and keeps the shared
// price state current.
type MarketFeed struct {
	baseURL  string
	symbol   string
	tickSize float64
	offsets  PriceOffsets
	tctx     *trading.TradingContext
}

// NewMarketFeed targets the base stream URL, e.g. wss://fstream.binance.com.
func NewMarketFeed(baseURL, symbol string, tickSize float64, offsets PriceOffsets, tctx *trading.TradingContext) *MarketFeed {
	return &MarketFeed{
		baseURL:  strings.TrimRight(baseURL, "/"),
		symbol:   symbol,
		tickSize: tickSize,
		offsets:  offsets,
		tctx:     tctx,
	}
}

func (m *MarketFeed) Endpoint() (string, error) {
	return m.baseURL + "/ws", nil
}

func (m *MarketFeed) SubscribePayload() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"id":     uuid.NewString(),
		"method": "SUBSCRIBE",
		"params": []string{strings.ToLower(m.symbol) + "@ticker"},
	})
}

// tickerMessage is the slice of the ticker payload the feed cares about;
// the close price arrives string-encoded.
type tickerMessage struct {
	Close string `json:"c"`
}

// OnMessage recomputes the derived target prices from the current price
// and writes them into the shared price state. Unrecognized shapes are
// dropped.
func (m *MarketFeed) OnMessage(raw []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logrus.Warnf("market: dropping unparsable message: %v", err)
		return
	}
	if msg.Close == "" {
		return
	}
	current, err := strconv.ParseFloat(msg.Close, 64)
	if err != nil {
		logrus.Warnf("market: dropping message with bad price %q: %v", msg.Close, err)
		return
	}

	m.tctx.UpdatePrices(trading.PriceState{
		CurrentPrice: current,
		EntryPrice:   trading.RoundToTick(current*(1+m.offsets.EntryGap), m.tickSize),
		TPPrice:      trading.RoundToTick(current*(1+m.offsets.TPPercent), m.tickSize),
		SLPrice:      trading.RoundToTick(current*(1+m.offsets.SLPercent), m.tickSize),
	})
}
