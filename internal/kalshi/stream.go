package kalshi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketsync/config"
	"marketsync/internal/metrics"
	"marketsync/internal/orderbook"
	"marketsync/internal/state"
	"marketsync/logger"
	"marketsync/models"
)

// StreamState is the lifecycle phase of the streaming client.
type StreamState int32

const (
	StateIdle StreamState = iota
	StateConnecting
	StateSubscribed
	StateReconnecting
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	subscribeCommandID = 1
	pingCommandID      = 2
	frameBuffer        = 256
)

var ErrStreamActive = errors.New("kalshi: stream session already active")

// Stream subscribes to the push feed for the tickers held in the store and
// applies ticker and order book updates to it. One session runs at a time.
type Stream struct {
	cfg    config.StreamConfig
	apiKey string
	state  *state.State
	dialer *websocket.Dialer
	log    *logger.Log

	phase     atomic.Int32
	sessionID atomic.Value // string
}

func NewStream(cfg *config.Config, st *state.State) *Stream {
	sc := cfg.Kalshi.Stream
	if sc.PingTimeout <= 0 {
		sc.PingTimeout = 15 * time.Second
	}
	s := &Stream{
		cfg:    sc,
		apiKey: strings.TrimSpace(cfg.Kalshi.APIKey),
		state:  st,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: sc.HandshakeTimeout,
		},
		log: logger.GetLogger(),
	}
	s.sessionID.Store("")
	return s
}

func (c *Stream) State() StreamState {
	return StreamState(c.phase.Load())
}

// SessionID identifies the current or last connection in logs.
func (c *Stream) SessionID() string {
	return c.sessionID.Load().(string)
}

// enterReconnecting moves a live session into Reconnecting. It fails when
// another caller already did so or the session is idle.
func (c *Stream) enterReconnecting() bool {
	return c.phase.CompareAndSwap(int32(StateSubscribed), int32(StateReconnecting)) ||
		c.phase.CompareAndSwap(int32(StateConnecting), int32(StateReconnecting))
}

// Ready reports whether Run has what it needs to open a session: an API key
// and at least one market to subscribe.
func (c *Stream) Ready() error {
	if c.apiKey == "" {
		return ErrAuthMissing
	}
	if c.state.Len() == 0 {
		return ErrNoTickers
	}
	return nil
}

// Run connects, subscribes and applies frames until the bot stops, ctx is
// cancelled or the connection ends. It refuses to dial while the kill switch
// is active and returns nil without dialing when the bot is not running.
// A failure to connect clears the bot's running flag; a mid-stream close
// leaves it set unless stop_on_close is configured. With
// reconnect.max_attempts > 0 a closed session is redialed with backoff before
// giving up.
func (c *Stream) Run(ctx context.Context) error {
	log := c.log.WithComponent("kalshi_stream").WithFields(logger.Fields{"operation": "run"})

	if !c.phase.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return ErrStreamActive
	}
	defer c.phase.Store(int32(StateIdle))

	if err := c.state.StreamAllowed(); err != nil {
		if errors.Is(err, state.ErrKillSwitchActive) {
			c.state.Log(models.LevelWarning, "WebSocket stream not started: kill switch is active")
			log.WithError(err).Warn("stream not started")
			return err
		}
		log.Debug("bot not running, stream not started")
		return nil
	}

	if c.apiKey == "" {
		c.state.MarkNotRunning("WebSocket connection failed: no Kalshi API key configured")
		log.WithError(ErrAuthMissing).Error("stream not started")
		return ErrAuthMissing
	}

	attempt := 0
	for {
		// Tickers are fixed for the lifetime of a connection.
		tickers := c.state.Tickers()
		if len(tickers) == 0 {
			c.state.MarkNotRunning("WebSocket connection failed: no market tickers to subscribe")
			log.WithError(ErrNoTickers).Error("stream not started")
			return ErrNoTickers
		}

		connected, err := c.session(ctx, tickers)
		switch {
		case err == nil:
			c.state.SetConnectionStatus(models.UpstreamKalshiStream, models.StatusDisconnected)
			log.Info("stream session ended")
			return nil

		case errors.Is(err, state.ErrKillSwitchActive), errors.Is(err, state.ErrBotNotRunning):
			// halted between dials; the kill switch or stop already logged it
			c.state.SetConnectionStatus(models.UpstreamKalshiStream, models.StatusDisconnected)
			log.WithError(err).Info("stream halted before subscribing")
			if errors.Is(err, state.ErrBotNotRunning) {
				return nil
			}
			return err

		case !connected && ctx.Err() != nil:
			// cancelled mid-dial by a stop or resubscribe, not a failure
			c.state.SetConnectionStatus(models.UpstreamKalshiStream, models.StatusDisconnected)
			return nil

		case !connected:
			status := models.StatusFailed
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.Unauthorized() {
				status = models.StatusUnauthorized
			}
			if attempt < c.cfg.Reconnect.MaxAttempts && c.state.IsBotRunning() && ctx.Err() == nil {
				attempt++
				c.state.SetConnectionStatusAndLog(models.UpstreamKalshiStream, status, models.LevelWarning,
					fmt.Sprintf("WebSocket reconnect attempt %d failed: %v", attempt, err))
				if !c.waitReconnect(ctx, attempt) {
					return err
				}
				continue
			}
			c.state.SetConnectionStatus(models.UpstreamKalshiStream, status)
			c.state.MarkNotRunning(fmt.Sprintf("WebSocket connection failed: %v", err))
			log.WithError(err).Error("stream connection failed")
			return err

		default:
			log.WithError(err).Warn("stream connection closed")
			if c.cfg.StopOnClose {
				c.state.SetConnectionStatus(models.UpstreamKalshiStream, models.StatusDisconnected)
				c.state.MarkNotRunning(fmt.Sprintf("WebSocket connection closed: %v", err))
				return err
			}
			c.state.SetConnectionStatusAndLog(models.UpstreamKalshiStream, models.StatusDisconnected, models.LevelError,
				fmt.Sprintf("WebSocket connection closed: %v", err))

			if attempt >= c.cfg.Reconnect.MaxAttempts || !c.state.IsBotRunning() || ctx.Err() != nil {
				return err
			}
			attempt++
			if !c.waitReconnect(ctx, attempt) {
				return err
			}
		}
	}
}

// waitReconnect sleeps out the backoff for attempt. It returns false when the
// session should not be redialed.
func (c *Stream) waitReconnect(ctx context.Context, attempt int) bool {
	if !c.enterReconnecting() {
		return false
	}
	delay := backoffDelay(c.cfg.Reconnect, attempt)
	c.log.WithComponent("kalshi_stream").WithFields(logger.Fields{
		"attempt": attempt,
		"delay":   delay.String(),
	}).Info("redialing stream")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	if !c.state.IsBotRunning() {
		return false
	}
	return c.phase.CompareAndSwap(int32(StateReconnecting), int32(StateConnecting))
}

// session runs one connection. connected reports whether the socket was
// established and subscribed; a nil error means the loop ended because the
// bot stopped or ctx was cancelled.
func (c *Stream) session(ctx context.Context, tickers []string) (connected bool, err error) {
	c.phase.Store(int32(StateConnecting))
	sid := uuid.NewString()
	c.sessionID.Store(sid)
	log := c.log.WithComponent("kalshi_stream").WithFields(logger.Fields{
		"session_id": sid,
		"tickers":    len(tickers),
	})

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	if err := c.state.StreamAllowed(); err != nil {
		return false, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
			return false, &HTTPError{Status: resp.StatusCode, Body: resp.Status}
		}
		return false, &TransportError{Op: "dial", Err: err}
	}
	defer conn.Close()

	// The kill switch may have fired while the handshake was in flight.
	if err := c.state.StreamAllowed(); err != nil {
		closeNormal(conn)
		return false, err
	}

	sub := models.SubscribeCommand{
		ID:  subscribeCommandID,
		Cmd: "subscribe",
		Params: models.SubscribeParams{
			Channels:      c.cfg.Channels,
			MarketTickers: tickers,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return false, &TransportError{Op: "subscribe", Err: err}
	}

	c.phase.Store(int32(StateSubscribed))
	c.state.SetConnectionStatusAndLog(models.UpstreamKalshiStream, models.StatusConnected, models.LevelInfo,
		fmt.Sprintf("Connected to Kalshi WebSocket (%d markets)", len(tickers)))
	log.WithFields(logger.Fields{"channels": c.cfg.Channels}).Info("stream subscribed")

	frames := make(chan []byte, frameBuffer)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go readFrames(conn, frames, readErr, done)

	idle := time.NewTimer(c.cfg.PingTimeout)
	defer idle.Stop()

	for c.state.IsBotRunning() {
		select {
		case <-ctx.Done():
			closeNormal(conn)
			return true, nil

		case err := <-readErr:
			c.drainFrames(log, frames)
			return true, fmt.Errorf("%w: %v", ErrConnectionClosed, err)

		case data := <-frames:
			c.handle(log, data)
			idle.Reset(c.cfg.PingTimeout)

		case <-idle.C:
			// Idle is not a failure; keep the connection warm.
			if err := conn.WriteJSON(models.PingCommand{ID: pingCommandID, Cmd: "ping"}); err != nil {
				return true, fmt.Errorf("%w: ping: %v", ErrConnectionClosed, err)
			}
			log.Debug("sent keepalive ping")
			idle.Reset(c.cfg.PingTimeout)
		}
	}

	closeNormal(conn)
	return true, nil
}

// drainFrames applies frames that were read before the connection closed.
// readFrames queues every frame ahead of its error, so nothing is left behind.
func (c *Stream) drainFrames(log *logger.Entry, frames <-chan []byte) {
	for c.state.IsBotRunning() {
		select {
		case data := <-frames:
			c.handle(log, data)
		default:
			return
		}
	}
}

func readFrames(conn *websocket.Conn, frames chan<- []byte, readErr chan<- error, done <-chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case frames <- data:
		case <-done:
			return
		}
	}
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (c *Stream) handle(log *logger.Entry, data []byte) {
	logger.IncrementStreamFrame(len(data))

	frame, err := DecodeFrame(data)
	if err != nil {
		metrics.IncrementDecodeError()
		logger.IncrementDecodeFailure()
		log.WithError(err).Warn("dropping malformed frame")
		c.state.Log(models.LevelWarning, fmt.Sprintf("Dropped malformed stream frame: %v", err))
		return
	}
	metrics.IncrementStreamFrame(frame.Type())

	switch f := frame.(type) {
	case TickerFrame:
		if !c.state.ApplyTicker(f.MarketTicker, f.BidCents, f.AskCents) {
			log.WithFields(logger.Fields{"ticker": f.MarketTicker}).Debug("ticker for unknown market ignored")
		}

	case OrderbookDeltaFrame:
		side, price, err := orderbook.ResolveSide(f.Side, f.PriceCents)
		if err != nil {
			metrics.IncrementDecodeError()
			logger.IncrementDecodeFailure()
			derr := &DecodeError{Frame: TypeOrderbookDelta, Reason: err.Error()}
			log.WithError(derr).Warn("dropping malformed frame")
			c.state.Log(models.LevelWarning, fmt.Sprintf("Dropped malformed stream frame: %v", derr))
			return
		}
		size, ok := c.state.ApplyBookDelta(f.MarketTicker, side, price, f.Delta)
		if !ok {
			return
		}
		log.WithFields(logger.Fields{
			"ticker":   f.MarketTicker,
			"side":     f.Side,
			"price":    f.PriceCents,
			"delta":    f.Delta,
			"new_size": size,
		}).Debug("order book update")

	case OrderbookSnapshotFrame:
		var bids, asks []orderbook.Level
		for _, l := range f.Yes {
			bids = append(bids, orderbook.Level{PriceCents: l[0], Size: l[1]})
		}
		for _, l := range f.No {
			asks = append(asks, orderbook.Level{PriceCents: orderbook.MaxPriceCents - l[0], Size: l[1]})
		}
		c.state.ReplaceBook(f.MarketTicker, bids, asks)

	case SubscribedFrame:
		c.state.Log(models.LevelInfo, fmt.Sprintf("Subscribed to channel: %s", f.Channel))

	case ErrorFrame:
		c.state.Log(models.LevelError, fmt.Sprintf("Kalshi stream error %d: %s", f.Code, f.Msg))

	default:
		log.WithFields(logger.Fields{"type": frame.Type()}).Debug("ignoring frame")
	}
}
