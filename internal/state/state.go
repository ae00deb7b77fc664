// Package state is the engine's single serialisation point. One mutex guards
// the market table, every order book, the bot and kill-switch flags, the
// connection status map and the activity log, so a reader always observes the
// result of whole mutations.
package state

import (
	"sync"
	"time"

	"marketsync/internal/orderbook"
	"marketsync/logger"
	"marketsync/models"
)

type Options struct {
	ActivityLogSize  int
	RecentTradesSize int
	PriceHistorySize int
	Log              *logger.Log
	Now              func() time.Time
}

func (o *Options) setDefaults() {
	if o.ActivityLogSize <= 0 {
		o.ActivityLogSize = 100
	}
	if o.RecentTradesSize <= 0 {
		o.RecentTradesSize = 10
	}
	if o.PriceHistorySize <= 0 {
		o.PriceHistorySize = 100
	}
	if o.Log == nil {
		o.Log = logger.GetLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type marketEntry struct {
	// market.OrderBook is always nil here; book is authoritative.
	market models.Market
	book   *orderbook.Book
}

type State struct {
	mu   sync.RWMutex
	opts Options
	log  *logger.Log

	markets map[string]*marketEntry
	order   []string

	killSwitchActive bool
	botRunning       bool

	connection   map[string]models.ConnectionStatus
	activeTicker string
	searchFilter string

	activity []models.ActivityEntry
}

func New(opts Options) *State {
	opts.setDefaults()
	return &State{
		opts:    opts,
		log:     opts.Log,
		markets: make(map[string]*marketEntry),
		connection: map[string]models.ConnectionStatus{
			models.UpstreamKalshi:       models.StatusDisconnected,
			models.UpstreamKalshiStream: models.StatusDisconnected,
			models.UpstreamPolymarket:   models.StatusDisconnected,
		},
		activity: make([]models.ActivityEntry, 0, opts.ActivityLogSize),
	}
}

// View is a consistent read of the engine's flags for the control surface.
type View struct {
	KillSwitchActive bool                               `json:"kill_switch_active"`
	BotRunning       bool                               `json:"is_bot_running"`
	ActiveTicker     string                             `json:"active_ticker"`
	SearchFilter     string                             `json:"search_filter"`
	Connection       map[string]models.ConnectionStatus `json:"connection_status"`
	Markets          int                                `json:"markets"`
}

func (s *State) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return View{
		KillSwitchActive: s.killSwitchActive,
		BotRunning:       s.botRunning,
		ActiveTicker:     s.activeTicker,
		SearchFilter:     s.searchFilter,
		Connection:       s.connectionCopy(),
		Markets:          len(s.markets),
	}
}

func (s *State) SetConnectionStatus(upstream string, status models.ConnectionStatus) {
	s.mu.Lock()
	s.connection[upstream] = status
	s.mu.Unlock()
}

// SetConnectionStatusAndLog records a status transition and its activity
// entry as one step.
func (s *State) SetConnectionStatusAndLog(upstream string, status models.ConnectionStatus, level models.LogLevel, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connection[upstream] = status
	s.appendActivity(level, message)
}

func (s *State) ConnectionStatus(upstream string) models.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.connection[upstream]; ok {
		return st
	}
	return models.StatusDisconnected
}

func (s *State) ConnectionStatuses() map[string]models.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectionCopy()
}

func (s *State) connectionCopy() map[string]models.ConnectionStatus {
	out := make(map[string]models.ConnectionStatus, len(s.connection))
	for k, v := range s.connection {
		out[k] = v
	}
	return out
}

func (s *State) SetActiveTicker(ticker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[ticker]; !ok {
		return ErrUnknownMarket
	}
	s.activeTicker = ticker
	return nil
}

func (s *State) ActiveTicker() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeTicker
}

// SetSearchFilter stores the UI search box value. It never changes the table.
func (s *State) SetSearchFilter(filter string) {
	s.mu.Lock()
	s.searchFilter = filter
	s.mu.Unlock()
}

func (s *State) SearchFilter() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.searchFilter
}
