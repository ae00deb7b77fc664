package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side of a resting order book level
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// FillSide is the direction of a trade fill.
type FillSide string

const (
	FillBuy  FillSide = "buy"
	FillSell FillSide = "sell"
)

// ConnectionStatus of one upstream.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnected    ConnectionStatus = "connected"
	StatusUnauthorized ConnectionStatus = "unauthorized"
	StatusFailed       ConnectionStatus = "failed"
)

// Upstream names used as keys of the connection status map.
const (
	UpstreamKalshi       = "kalshi"
	UpstreamKalshiStream = "kalshi_stream"
	UpstreamPolymarket   = "polymarket"
)

// LogLevel of an activity entry.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// OrderBookLevel is one flattened price level of a market's book.
type OrderBookLevel struct {
	Side  Side            `json:"side"`
	Price decimal.Decimal `json:"price"`
	Size  int64           `json:"size"`
}

// TradeFill is a simulated execution against a market.
type TradeFill struct {
	Timestamp time.Time       `json:"timestamp"`
	Side      FillSide        `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      int64           `json:"size"`
}

// PricePoint is one sample of the chart series.
type PricePoint struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
}

// StrategyParams configure quoting for a single market.
type StrategyParams struct {
	TargetSpreadBps int64   `json:"target_spread_bps"`
	MaxInventory    int64   `json:"max_inventory"`
	BaseQuoteSize   int64   `json:"base_quote_size"`
	Skew            float64 `json:"skew"`
	Enabled         bool    `json:"enabled"`
}

const (
	MinSkew = -1.0
	MaxSkew = 1.0
)

func DefaultStrategyParams() StrategyParams {
	return StrategyParams{
		TargetSpreadBps: 200,
		MaxInventory:    1000,
		BaseQuoteSize:   100,
		Skew:            0.5,
		Enabled:         false,
	}
}

// Validate checks the bounds of each parameter.
func (p StrategyParams) Validate() error {
	if p.TargetSpreadBps < 0 {
		return fmt.Errorf("target_spread_bps must not be negative, got %d", p.TargetSpreadBps)
	}
	if p.MaxInventory < 0 {
		return fmt.Errorf("max_inventory must not be negative, got %d", p.MaxInventory)
	}
	if p.BaseQuoteSize <= 0 {
		return fmt.Errorf("base_quote_size must be positive, got %d", p.BaseQuoteSize)
	}
	if p.Skew < MinSkew || p.Skew > MaxSkew {
		return fmt.Errorf("skew must be within [%v, %v], got %v", MinSkew, MaxSkew, p.Skew)
	}
	return nil
}

// Market is everything the engine believes about one ticker.
type Market struct {
	Ticker      string `json:"ticker"`
	Description string `json:"description"`

	BestBid *decimal.Decimal `json:"best_bid"`
	BestAsk *decimal.Decimal `json:"best_ask"`

	MyBidPrice *decimal.Decimal `json:"my_bid_price"`
	MyBidSize  *int64           `json:"my_bid_size"`
	MyAskPrice *decimal.Decimal `json:"my_ask_price"`
	MyAskSize  *int64           `json:"my_ask_size"`

	Inventory     int64           `json:"inventory"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	QuotingActive bool            `json:"quoting_active"`
	TotalVolume   int64           `json:"total_volume"`

	PriceHistory   []PricePoint     `json:"price_history"`
	StrategyParams StrategyParams   `json:"strategy_params"`
	OrderBook      []OrderBookLevel `json:"order_book"`
	RecentTrades   []TradeFill      `json:"recent_trades"`
}

// NewMarket builds the zero-position market created on first sight of a ticker.
func NewMarket(ticker, description string) Market {
	return Market{
		Ticker:         ticker,
		Description:    description,
		UnrealizedPnL:  decimal.Zero,
		StrategyParams: DefaultStrategyParams(),
		PriceHistory:   []PricePoint{},
		OrderBook:      []OrderBookLevel{},
		RecentTrades:   []TradeFill{},
	}
}

// Clone returns a deep copy so readers never share slices or pointers with
// the store.
func (m Market) Clone() Market {
	out := m
	out.BestBid = cloneDecimal(m.BestBid)
	out.BestAsk = cloneDecimal(m.BestAsk)
	out.MyBidPrice = cloneDecimal(m.MyBidPrice)
	out.MyAskPrice = cloneDecimal(m.MyAskPrice)
	out.MyBidSize = cloneInt(m.MyBidSize)
	out.MyAskSize = cloneInt(m.MyAskSize)
	out.PriceHistory = append([]PricePoint{}, m.PriceHistory...)
	out.OrderBook = append([]OrderBookLevel{}, m.OrderBook...)
	out.RecentTrades = append([]TradeFill{}, m.RecentTrades...)
	return out
}

// Mid returns the midpoint of best bid and ask, or whichever side is known.
func (m Market) Mid() (decimal.Decimal, bool) {
	switch {
	case m.BestBid != nil && m.BestAsk != nil:
		return m.BestBid.Add(*m.BestAsk).Div(decimal.NewFromInt(2)), true
	case m.BestBid != nil:
		return *m.BestBid, true
	case m.BestAsk != nil:
		return *m.BestAsk, true
	default:
		return decimal.Zero, false
	}
}

// CentsToPrice normalises an integer cent quote into [0,1] price units.
func CentsToPrice(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// PricePtr is a helper for optional prices.
func PricePtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func cloneInt(i *int64) *int64 {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

// ActivityEntry is one line of the user-facing activity log.
type ActivityEntry struct {
	ID        string    `json:"id"`
	Level     LogLevel  `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}
