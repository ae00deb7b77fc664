package state

import (
	"fmt"
	"strings"

	"marketsync/internal/metrics"
	"marketsync/internal/orderbook"
	"marketsync/models"
)

// Get returns a deep copy of the market, order book included.
func (s *State) Get(ticker string) (models.Market, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.markets[ticker]
	if !ok {
		return models.Market{}, false
	}
	return e.view(), true
}

func (e *marketEntry) view() models.Market {
	m := e.market.Clone()
	m.OrderBook = e.book.Levels()
	return m
}

// Upsert applies mutation to the market, creating it first when the ticker is
// new. The ticker is restored afterwards so a mutation cannot rename a market.
// The order book in the mutated value replaces the stored book. While the kill
// switch is active a mutation can neither turn quoting on nor book fills.
func (s *State) Upsert(ticker string, mutation func(*models.Market)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.markets[ticker]
	if !ok {
		e = s.insertLocked(models.NewMarket(ticker, ""))
	}

	prev := e.market
	m := e.view()
	mutation(&m)
	m.Ticker = ticker
	if s.killSwitchActive {
		if !prev.QuotingActive {
			m.QuotingActive = false
		}
		m.RecentTrades = prev.RecentTrades
		m.Inventory = prev.Inventory
		m.TotalVolume = prev.TotalVolume
	}
	s.storeLocked(e, m)
}

func (s *State) insertLocked(m models.Market) *marketEntry {
	e := &marketEntry{book: orderbook.New()}
	e.market = m
	e.market.OrderBook = nil
	s.markets[m.Ticker] = e
	s.order = append(s.order, m.Ticker)
	metrics.SetMarkets(len(s.markets))
	return e
}

// storeLocked writes m into e, rebuilding the book from m.OrderBook and
// enforcing the list caps.
func (s *State) storeLocked(e *marketEntry, m models.Market) {
	bids := make([]orderbook.Level, 0, len(m.OrderBook))
	asks := make([]orderbook.Level, 0, len(m.OrderBook))
	for _, l := range m.OrderBook {
		lvl := orderbook.Level{PriceCents: l.Price.Shift(2).IntPart(), Size: l.Size}
		if l.Side == models.SideBid {
			bids = append(bids, lvl)
		} else {
			asks = append(asks, lvl)
		}
	}
	e.book.Replace(bids, asks)

	m.OrderBook = nil
	m.StrategyParams.Enabled = m.QuotingActive
	if len(m.RecentTrades) > s.opts.RecentTradesSize {
		m.RecentTrades = m.RecentTrades[:s.opts.RecentTradesSize]
	}
	if n := len(m.PriceHistory); n > s.opts.PriceHistorySize {
		m.PriceHistory = m.PriceHistory[n-s.opts.PriceHistorySize:]
	}
	e.market = m
}

// List returns markets in insertion order whose ticker or description contain
// filter, ignoring case. An empty filter returns every market.
func (s *State) List(filter string) []models.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(filter))
	out := make([]models.Market, 0, len(s.order))
	for _, ticker := range s.order {
		e := s.markets[ticker]
		if needle != "" &&
			!strings.Contains(strings.ToLower(e.market.Ticker), needle) &&
			!strings.Contains(strings.ToLower(e.market.Description), needle) {
			continue
		}
		out = append(out, e.view())
	}
	return out
}

// Tickers returns every ticker in insertion order.
func (s *State) Tickers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.markets)
}

// ClearAndReplace swaps the whole table in one step. The table is left
// untouched when markets contains an empty or repeated ticker.
func (s *State) ClearAndReplace(markets []models.Market) error {
	seen := make(map[string]struct{}, len(markets))
	for _, m := range markets {
		if m.Ticker == "" {
			return fmt.Errorf("%w: empty ticker", ErrInvalidParams)
		}
		if _, dup := seen[m.Ticker]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTicker, m.Ticker)
		}
		seen[m.Ticker] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.markets = make(map[string]*marketEntry, len(markets))
	s.order = s.order[:0]
	for _, m := range markets {
		e := s.insertLocked(models.NewMarket(m.Ticker, m.Description))
		m = m.Clone()
		if s.killSwitchActive {
			m.QuotingActive = false
		}
		s.storeLocked(e, m)
	}
	if _, ok := s.markets[s.activeTicker]; !ok {
		s.activeTicker = ""
	}
	metrics.SetMarkets(len(s.markets))
	return nil
}

// SnapshotMarket is one decoded entry of a REST market listing.
type SnapshotMarket struct {
	Ticker      string
	Description string
	BidCents    *int64
	AskCents    *int64
}

// MergeResult counts what a snapshot merge did.
type MergeResult struct {
	Added   int
	Updated int
}

// MergeSnapshot folds a REST listing into the table in one step. New tickers
// get a zero-position market; known tickers only have their best bid/ask
// refreshed (a missing quote leaves the stored one in place). Every touched
// market gets a price history sample.
func (s *State) MergeSnapshot(items []SnapshotMarket) MergeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	var res MergeResult
	for _, item := range items {
		if item.Ticker == "" {
			continue
		}
		e, ok := s.markets[item.Ticker]
		if !ok {
			e = s.insertLocked(models.NewMarket(item.Ticker, item.Description))
			res.Added++
		} else {
			res.Updated++
		}

		if item.BidCents != nil {
			e.market.BestBid = models.PricePtr(models.CentsToPrice(*item.BidCents))
		}
		if item.AskCents != nil {
			e.market.BestAsk = models.PricePtr(models.CentsToPrice(*item.AskCents))
		}

		if mid, ok := e.market.Mid(); ok {
			e.market.PriceHistory = append(e.market.PriceHistory, models.PricePoint{Time: now, Price: mid})
			if n := len(e.market.PriceHistory); n > s.opts.PriceHistorySize {
				e.market.PriceHistory = e.market.PriceHistory[n-s.opts.PriceHistorySize:]
			}
		}
	}
	return res
}

// ApplyTicker sets best bid and ask together. Unknown tickers are ignored and
// reported with false.
func (s *State) ApplyTicker(ticker string, bidCents, askCents int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.markets[ticker]
	if !ok {
		return false
	}
	e.market.BestBid = models.PricePtr(models.CentsToPrice(bidCents))
	e.market.BestAsk = models.PricePtr(models.CentsToPrice(askCents))
	return true
}

// ApplyBookDelta adds delta to one level of a known market's book and returns
// the resulting size.
func (s *State) ApplyBookDelta(ticker string, side models.Side, priceCents, delta int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.markets[ticker]
	if !ok {
		return 0, false
	}
	return e.book.ApplyDelta(side, priceCents, delta), true
}

// ReplaceBook loads a full book for a known market.
func (s *State) ReplaceBook(ticker string, bids, asks []orderbook.Level) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.markets[ticker]
	if !ok {
		return false
	}
	e.book.Replace(bids, asks)
	return true
}

func (s *State) HasMarket(ticker string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.markets[ticker]
	return ok
}
