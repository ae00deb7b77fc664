package kalshi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"marketsync/internal/orderbook"
	"marketsync/models"
)

// Frame types sent by the stream.
const (
	TypeTicker            = "ticker"
	TypeOrderbookDelta    = "orderbook_delta"
	TypeOrderbookSnapshot = "orderbook_snapshot"
	TypeSubscribed        = "subscribed"
	TypeError             = "error"
)

// Frame is one decoded server message. The concrete type is one of
// TickerFrame, OrderbookDeltaFrame, OrderbookSnapshotFrame, SubscribedFrame,
// ErrorFrame or IgnoredFrame.
type Frame interface {
	Type() string
}

type TickerFrame struct {
	Seq          *int64
	MarketTicker string
	BidCents     int64
	AskCents     int64
}

func (TickerFrame) Type() string { return TypeTicker }

type OrderbookDeltaFrame struct {
	Seq          *int64
	MarketTicker string
	Side         string
	PriceCents   int64
	Delta        int64
}

func (OrderbookDeltaFrame) Type() string { return TypeOrderbookDelta }

// OrderbookSnapshotFrame carries [price, size] pairs for the yes and no sides.
type OrderbookSnapshotFrame struct {
	Seq          *int64
	MarketTicker string
	Yes          [][2]int64
	No           [][2]int64
}

func (OrderbookSnapshotFrame) Type() string { return TypeOrderbookSnapshot }

type SubscribedFrame struct {
	ID      *int64
	Channel string
	SID     int64
}

func (SubscribedFrame) Type() string { return TypeSubscribed }

type ErrorFrame struct {
	ID   *int64
	Code int64
	Msg  string
}

func (ErrorFrame) Type() string { return TypeError }

// IgnoredFrame is a well formed message of a type the engine does not act on
// (pong, unsubscribed, ...).
type IgnoredFrame struct {
	Kind string
}

func (f IgnoredFrame) Type() string { return f.Kind }

// DecodeFrame validates one server frame at the boundary. Missing required
// fields produce a *DecodeError instead of zero values.
func DecodeFrame(data []byte) (Frame, error) {
	var env models.StreamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid json: %v", err)}
	}
	if env.Type == "" {
		return nil, &DecodeError{Reason: "missing type"}
	}

	switch env.Type {
	case TypeTicker:
		var p models.TickerPayload
		if err := decodeMsg(env, &p); err != nil {
			return nil, err
		}
		if p.MarketTicker == "" {
			return nil, missing(env.Type, "market_ticker")
		}
		if p.YesBid == nil {
			return nil, missing(env.Type, "yes_bid")
		}
		if p.YesAsk == nil {
			return nil, missing(env.Type, "yes_ask")
		}
		if err := checkPrice(env.Type, "yes_bid", *p.YesBid); err != nil {
			return nil, err
		}
		if err := checkPrice(env.Type, "yes_ask", *p.YesAsk); err != nil {
			return nil, err
		}
		return TickerFrame{Seq: env.Seq, MarketTicker: p.MarketTicker, BidCents: *p.YesBid, AskCents: *p.YesAsk}, nil

	case TypeOrderbookDelta:
		var p models.OrderbookDeltaPayload
		if err := decodeMsg(env, &p); err != nil {
			return nil, err
		}
		if p.MarketTicker == "" {
			return nil, missing(env.Type, "market_ticker")
		}
		if p.Price == nil {
			return nil, missing(env.Type, "price")
		}
		if p.Delta == nil {
			return nil, missing(env.Type, "delta")
		}
		if err := checkPrice(env.Type, "price", *p.Price); err != nil {
			return nil, err
		}
		side := strings.ToLower(p.Side)
		switch side {
		case "yes", "no", "bid", "ask":
		case "":
			return nil, missing(env.Type, "side")
		default:
			return nil, &DecodeError{Frame: env.Type, Reason: fmt.Sprintf("unknown side %q", p.Side)}
		}
		return OrderbookDeltaFrame{Seq: env.Seq, MarketTicker: p.MarketTicker, Side: side, PriceCents: *p.Price, Delta: *p.Delta}, nil

	case TypeOrderbookSnapshot:
		var p models.OrderbookSnapshotPayload
		if err := decodeMsg(env, &p); err != nil {
			return nil, err
		}
		if p.MarketTicker == "" {
			return nil, missing(env.Type, "market_ticker")
		}
		if err := checkLevels(env.Type, "yes", p.Yes); err != nil {
			return nil, err
		}
		if err := checkLevels(env.Type, "no", p.No); err != nil {
			return nil, err
		}
		return OrderbookSnapshotFrame{Seq: env.Seq, MarketTicker: p.MarketTicker, Yes: p.Yes, No: p.No}, nil

	case TypeSubscribed:
		var p models.SubscribedPayload
		if err := decodeMsg(env, &p); err != nil {
			return nil, err
		}
		if p.Channel == "" {
			return nil, missing(env.Type, "channel")
		}
		return SubscribedFrame{ID: env.ID, Channel: p.Channel, SID: p.SID}, nil

	case TypeError:
		var p models.ErrorPayload
		if err := decodeMsg(env, &p); err != nil {
			return nil, err
		}
		return ErrorFrame{ID: env.ID, Code: p.Code, Msg: p.Msg}, nil

	default:
		return IgnoredFrame{Kind: env.Type}, nil
	}
}

func decodeMsg(env models.StreamEnvelope, v interface{}) error {
	raw := bytes.TrimSpace(env.Msg)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return missing(env.Type, "msg")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &DecodeError{Frame: env.Type, Reason: fmt.Sprintf("invalid msg: %v", err)}
	}
	return nil
}

func missing(frame, field string) error {
	return &DecodeError{Frame: frame, Reason: "missing " + field}
}

// checkPrice rejects cent prices outside a binary contract's [0,100] range.
func checkPrice(frame, field string, cents int64) error {
	if cents < 0 || cents > orderbook.MaxPriceCents {
		return &DecodeError{Frame: frame, Reason: fmt.Sprintf("%s %d out of range [0,%d]", field, cents, orderbook.MaxPriceCents)}
	}
	return nil
}

func checkLevels(frame, side string, levels [][2]int64) error {
	for _, l := range levels {
		if err := checkPrice(frame, side+" price", l[0]); err != nil {
			return err
		}
		if l[1] < 0 {
			return &DecodeError{Frame: frame, Reason: fmt.Sprintf("%s size %d is negative", side, l[1])}
		}
	}
	return nil
}
