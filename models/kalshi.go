package models

import "encoding/json"

// MarketsResponse is the body of GET {base}/markets.
type MarketsResponse struct {
	Markets []RESTMarket `json:"markets"`
	Cursor  string       `json:"cursor,omitempty"`
}

// MarketResponse is the body of GET {base}/markets/{ticker}.
type MarketResponse struct {
	Market RESTMarket `json:"market"`
}

// RESTMarket carries the fields the engine reads from one listed market.
// Quotes are integer cents; pointers distinguish a missing quote from zero.
type RESTMarket struct {
	Ticker   string `json:"ticker"`
	Title    string `json:"title"`
	Subtitle string `json:"subtitle,omitempty"`
	Status   string `json:"status,omitempty"`
	YesBid   *int64 `json:"yes_bid"`
	YesAsk   *int64 `json:"yes_ask"`
	Volume   int64  `json:"volume,omitempty"`
}

// SubscribeCommand is sent once the socket is open.
type SubscribeCommand struct {
	ID     int64           `json:"id"`
	Cmd    string          `json:"cmd"`
	Params SubscribeParams `json:"params"`
}

type SubscribeParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}

// PingCommand is the idle keepalive.
type PingCommand struct {
	ID  int64  `json:"id"`
	Cmd string `json:"cmd"`
}

// StreamEnvelope is the outer shape of every server frame.
type StreamEnvelope struct {
	ID   *int64          `json:"id,omitempty"`
	SID  *int64          `json:"sid,omitempty"`
	Seq  *int64          `json:"seq,omitempty"`
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg"`
}

type TickerPayload struct {
	MarketTicker string `json:"market_ticker"`
	YesBid       *int64 `json:"yes_bid"`
	YesAsk       *int64 `json:"yes_ask"`
	Price        *int64 `json:"price,omitempty"`
	Volume       *int64 `json:"volume,omitempty"`
}

type OrderbookDeltaPayload struct {
	MarketTicker string `json:"market_ticker"`
	Price        *int64 `json:"price"`
	Delta        *int64 `json:"delta"`
	Side         string `json:"side"`
}

// OrderbookSnapshotPayload lists [price, size] pairs per side.
type OrderbookSnapshotPayload struct {
	MarketTicker string     `json:"market_ticker"`
	Yes          [][2]int64 `json:"yes"`
	No           [][2]int64 `json:"no"`
}

type SubscribedPayload struct {
	Channel string `json:"channel"`
	SID     int64  `json:"sid,omitempty"`
}

type ErrorPayload struct {
	Code int64  `json:"code"`
	Msg  string `json:"msg"`
}
