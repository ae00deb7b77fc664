// Package orderbook keeps a per-market price ladder sorted by price.
// Bids iterate descending and asks ascending; no level ever holds a
// non-positive size.
package orderbook

import (
	"fmt"
	"strings"

	"github.com/tidwall/btree"

	"marketsync/models"
)

const degree = 32

// MaxPriceCents is the upper bound of a binary contract price.
const MaxPriceCents = 100

// Book is not safe for concurrent use; the state store serialises access.
type Book struct {
	bids *btree.Map[int64, int64]
	asks *btree.Map[int64, int64]
}

func New() *Book {
	return &Book{
		bids: btree.NewMap[int64, int64](degree),
		asks: btree.NewMap[int64, int64](degree),
	}
}

func (b *Book) side(s models.Side) *btree.Map[int64, int64] {
	if s == models.SideBid {
		return b.bids
	}
	return b.asks
}

// ApplyDelta adds delta to the level at priceCents and returns the resulting
// size. A level whose size drops to zero or below is removed.
func (b *Book) ApplyDelta(s models.Side, priceCents, delta int64) int64 {
	levels := b.side(s)
	cur, _ := levels.Get(priceCents)
	next := cur + delta
	if next <= 0 {
		levels.Delete(priceCents)
		return 0
	}
	levels.Set(priceCents, next)
	return next
}

// SetLevel sets an absolute size; applying it twice is the same as once.
func (b *Book) SetLevel(s models.Side, priceCents, size int64) {
	levels := b.side(s)
	if size <= 0 {
		levels.Delete(priceCents)
		return
	}
	levels.Set(priceCents, size)
}

// Replace discards every level and loads the given ones.
func (b *Book) Replace(bids, asks []Level) {
	b.bids = btree.NewMap[int64, int64](degree)
	b.asks = btree.NewMap[int64, int64](degree)
	for _, l := range bids {
		b.SetLevel(models.SideBid, l.PriceCents, l.Size)
	}
	for _, l := range asks {
		b.SetLevel(models.SideAsk, l.PriceCents, l.Size)
	}
}

// Level is a price in cents and its resting size.
type Level struct {
	PriceCents int64
	Size       int64
}

// Bids returns levels best first (highest price).
func (b *Book) Bids() []Level {
	out := make([]Level, 0, b.bids.Len())
	b.bids.Reverse(func(p, sz int64) bool {
		out = append(out, Level{PriceCents: p, Size: sz})
		return true
	})
	return out
}

// Asks returns levels best first (lowest price).
func (b *Book) Asks() []Level {
	out := make([]Level, 0, b.asks.Len())
	b.asks.Scan(func(p, sz int64) bool {
		out = append(out, Level{PriceCents: p, Size: sz})
		return true
	})
	return out
}

func (b *Book) BestBid() (Level, bool) {
	p, sz, ok := b.bids.Max()
	return Level{PriceCents: p, Size: sz}, ok
}

func (b *Book) BestAsk() (Level, bool) {
	p, sz, ok := b.asks.Min()
	return Level{PriceCents: p, Size: sz}, ok
}

func (b *Book) Len() int {
	return b.bids.Len() + b.asks.Len()
}

// Levels flattens the book: bids descending, then asks ascending.
func (b *Book) Levels() []models.OrderBookLevel {
	out := make([]models.OrderBookLevel, 0, b.Len())
	for _, l := range b.Bids() {
		out = append(out, models.OrderBookLevel{Side: models.SideBid, Price: models.CentsToPrice(l.PriceCents), Size: l.Size})
	}
	for _, l := range b.Asks() {
		out = append(out, models.OrderBookLevel{Side: models.SideAsk, Price: models.CentsToPrice(l.PriceCents), Size: l.Size})
	}
	return out
}

// ResolveSide maps a feed side onto the book. A "yes" level at p is a bid at
// p; a "no" level at p is an ask for yes at 100-p. "bid" and "ask" pass
// through unchanged.
func ResolveSide(feedSide string, priceCents int64) (models.Side, int64, error) {
	if priceCents < 0 || priceCents > MaxPriceCents {
		return "", 0, fmt.Errorf("price %d out of range [0,%d]", priceCents, MaxPriceCents)
	}
	switch strings.ToLower(feedSide) {
	case "yes", "bid":
		return models.SideBid, priceCents, nil
	case "no":
		return models.SideAsk, MaxPriceCents - priceCents, nil
	case "ask":
		return models.SideAsk, priceCents, nil
	default:
		return "", 0, fmt.Errorf("unknown side %q", feedSide)
	}
}
