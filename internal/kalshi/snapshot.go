package kalshi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"marketsync/config"
	"marketsync/internal/metrics"
	"marketsync/internal/state"
	"marketsync/logger"
	"marketsync/models"
)

// maxErrorBody caps how much of a failed response is kept in an HTTPError.
const maxErrorBody = 512

// Fetcher pulls the open market list from the REST endpoint and merges it
// into the state store.
type Fetcher struct {
	cfg     config.RESTConfig
	apiKey  string
	state   *state.State
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     *logger.Log

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewFetcher builds a fetcher for cfg.Kalshi.REST. A nil client gets one with
// the configured timeout.
func NewFetcher(cfg *config.Config, st *state.State, client *http.Client) *Fetcher {
	rest := cfg.Kalshi.REST
	log := logger.GetLogger()

	if client == nil {
		client = &http.Client{Timeout: rest.Timeout}
	}

	limit := rate.Limit(rest.RateLimit.RequestsPerSecond)
	if rest.RateLimit.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := rest.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	threshold := uint32(rest.CircuitBreaker.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "kalshi_rest",
		Timeout: rest.CircuitBreaker.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithComponent("snapshot_fetcher").WithFields(logger.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})

	f := &Fetcher{
		cfg:     rest,
		apiKey:  strings.TrimSpace(cfg.Kalshi.APIKey),
		state:   st,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
		log:     log,
		wg:      &sync.WaitGroup{},
	}

	log.WithComponent("snapshot_fetcher").WithFields(logger.Fields{
		"base_url":      rest.BaseURL,
		"limit":         rest.Limit,
		"interval":      rest.Interval,
		"authenticated": f.apiKey != "",
	}).Info("snapshot fetcher initialized")

	return f
}

// Start launches the periodic refresh worker.
func (f *Fetcher) Start(ctx context.Context) error {
	if f.cfg.Interval <= 0 {
		return fmt.Errorf("snapshot interval must be positive")
	}

	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("snapshot fetcher already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	f.wg.Add(1)
	go f.refreshWorker()

	f.log.WithComponent("snapshot_fetcher").WithFields(logger.Fields{"operation": "start"}).Info("snapshot fetcher started")
	return nil
}

// Stop waits for the worker to exit. The worker itself stops when the context
// passed to Start is cancelled.
func (f *Fetcher) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.log.WithComponent("snapshot_fetcher").Info("stopping snapshot fetcher")
	f.wg.Wait()
	f.log.WithComponent("snapshot_fetcher").Info("snapshot fetcher stopped")
}

func (f *Fetcher) refreshWorker() {
	defer f.wg.Done()

	log := f.log.WithComponent("snapshot_fetcher").WithFields(logger.Fields{"worker": "refresh"})
	interval := f.cfg.Interval

	f.Refresh(f.ctx, f.cfg.SeriesTicker)

	now := time.Now()
	nextTick := now.Truncate(interval).Add(interval)
	timer := time.NewTimer(nextTick.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-f.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-timer.C:
			start := time.Now()
			f.Refresh(f.ctx, f.cfg.SeriesTicker)
			duration := time.Since(start)

			if duration > interval {
				log.WithFields(logger.Fields{
					"duration": duration.Milliseconds(),
					"interval": interval.Milliseconds(),
				}).Warn("refresh took longer than interval")
			}

			nextTick = start.Truncate(interval).Add(interval)
			timer.Reset(time.Until(nextTick))
		}
	}
}

// Refresh fetches one page of open markets, optionally restricted to a
// series, and merges it into the store. Nothing is merged unless the whole
// response decoded. Failures set the upstream status and add exactly one
// activity entry; they are never fatal.
func (f *Fetcher) Refresh(ctx context.Context, series string) (int, error) {
	log := f.log.WithComponent("snapshot_fetcher").WithFields(logger.Fields{
		"operation": "refresh",
		"series":    series,
	})

	out, err := f.call(ctx, log, func() (interface{}, error) {
		return f.fetch(ctx, series)
	})
	if err != nil {
		return 0, err
	}

	resp := out.(*models.MarketsResponse)
	items := make([]state.SnapshotMarket, 0, len(resp.Markets))
	for _, m := range resp.Markets {
		items = append(items, state.SnapshotMarket{
			Ticker:      m.Ticker,
			Description: m.Title,
			BidCents:    m.YesBid,
			AskCents:    m.YesAsk,
		})
	}
	res := f.state.MergeSnapshot(items)
	metrics.IncrementRefresh("success")
	logger.LogDataFlowEntry(log, "kalshi_rest", "state_store", len(items), "markets")

	f.markConnected(fmt.Sprintf("Fetched %d markets from Kalshi", len(items)))

	log.WithFields(logger.Fields{
		"markets": len(items),
		"added":   res.Added,
		"updated": res.Updated,
	}).Debug("snapshot merged")
	return len(items), nil
}

// FetchMarket fetches a single market by ticker and merges it the same way a
// snapshot is merged, creating the market when it is new. It returns the
// merged view.
func (f *Fetcher) FetchMarket(ctx context.Context, ticker string) (models.Market, error) {
	ticker = strings.TrimSpace(ticker)
	if ticker == "" {
		return models.Market{}, fmt.Errorf("%w: empty ticker", state.ErrInvalidParams)
	}
	log := f.log.WithComponent("snapshot_fetcher").WithFields(logger.Fields{
		"operation": "fetch_market",
		"ticker":    ticker,
	})

	out, err := f.call(ctx, log, func() (interface{}, error) {
		return f.fetchOne(ctx, ticker)
	})
	if err != nil {
		return models.Market{}, err
	}

	rm := out.(*models.MarketResponse).Market
	res := f.state.MergeSnapshot([]state.SnapshotMarket{{
		Ticker:      rm.Ticker,
		Description: rm.Title,
		BidCents:    rm.YesBid,
		AskCents:    rm.YesAsk,
	}})
	metrics.IncrementRefresh("success")
	f.markConnected(fmt.Sprintf("Fetched market %s from Kalshi", rm.Ticker))

	log.WithFields(logger.Fields{"added": res.Added, "updated": res.Updated}).Debug("market merged")
	m, _ := f.state.Get(rm.Ticker)
	return m, nil
}

// call runs fn behind the rate limiter and circuit breaker. A cancelled ctx is
// returned as is; any other failure goes through fail.
func (f *Fetcher) call(ctx context.Context, log *logger.Entry, fn func() (interface{}, error)) (interface{}, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, f.fail(log, &TransportError{Op: "rate_limit", Err: err})
	}

	start := time.Now()
	out, err := f.breaker.Execute(fn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &TransportError{Op: "circuit_breaker", Err: err}
		}
		return nil, f.fail(log, err)
	}
	logger.LogPerformanceEntry(log, "snapshot_fetcher", "api_request", time.Since(start), nil)
	return out, nil
}

func (f *Fetcher) markConnected(msg string) {
	if f.state.ConnectionStatus(models.UpstreamKalshi) != models.StatusConnected {
		f.state.SetConnectionStatusAndLog(models.UpstreamKalshi, models.StatusConnected, models.LevelInfo, msg)
	}
}

func (f *Fetcher) fail(log *logger.Entry, err error) error {
	metrics.IncrementRefresh("failure")

	status := models.StatusFailed
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Unauthorized() {
		status = models.StatusUnauthorized
	}

	log.WithError(err).WithFields(logger.Fields{"status": status}).Warn("snapshot refresh failed")
	f.state.SetConnectionStatusAndLog(models.UpstreamKalshi, status, models.LevelError,
		fmt.Sprintf("Kalshi market fetch failed: %v", err))
	return err
}

func (f *Fetcher) marketsURL(series string) (string, error) {
	u, err := url.Parse(strings.TrimRight(f.cfg.BaseURL, "/") + "/markets")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("status", "open")
	q.Set("limit", strconv.Itoa(f.cfg.Limit))
	if series = strings.TrimSpace(series); series != "" {
		q.Set("series_ticker", series)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Fetcher) fetch(ctx context.Context, series string) (*models.MarketsResponse, error) {
	endpoint, err := f.marketsURL(series)
	if err != nil {
		return nil, &TransportError{Op: "build_request", Err: err}
	}

	body, err := f.get(ctx, endpoint, "get_markets")
	if err != nil {
		return nil, err
	}

	var out models.MarketsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &TransportError{Op: "decode_markets", Err: err}
	}
	if out.Markets == nil {
		return nil, &TransportError{Op: "decode_markets", Err: errors.New("response has no markets array")}
	}
	return &out, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, ticker string) (*models.MarketResponse, error) {
	endpoint := strings.TrimRight(f.cfg.BaseURL, "/") + "/markets/" + url.PathEscape(ticker)

	body, err := f.get(ctx, endpoint, "get_market")
	if err != nil {
		return nil, err
	}

	var out models.MarketResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &TransportError{Op: "decode_market", Err: err}
	}
	if out.Market.Ticker == "" {
		return nil, &TransportError{Op: "decode_market", Err: errors.New("response has no market")}
	}
	return &out, nil
}

// get issues an authenticated GET and returns the body of a 2xx response.
func (f *Fetcher) get(ctx context.Context, endpoint, op string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &TransportError{Op: "build_request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "read_body", Err: err}
	}
	logger.IncrementSnapshotRead(len(body))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := strings.TrimSpace(string(body))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return nil, &HTTPError{Status: resp.StatusCode, Body: text}
	}
	return body, nil
}

// Authenticated reports whether requests carry a bearer credential.
func (f *Fetcher) Authenticated() bool {
	return f.apiKey != ""
}
