package state

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"marketsync/internal/metrics"
	"marketsync/models"
)

// Every operation below that can create a fill, turn quoting on or start a
// streaming session checks the kill switch itself.

// ActivateKillSwitch raises the kill switch and clears the running flag in the
// same critical section.
func (s *State) ActivateKillSwitch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.killSwitchActive = true
	s.botRunning = false
	metrics.SetKillSwitch(true)
	metrics.SetBotRunning(false)
	s.appendActivity(models.LevelError, "Kill switch ACTIVATED - all trading halted")
}

// DeactivateKillSwitch lowers the kill switch and marks the bot running again.
func (s *State) DeactivateKillSwitch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.killSwitchActive = false
	s.botRunning = true
	metrics.SetKillSwitch(false)
	metrics.SetBotRunning(true)
	s.appendActivity(models.LevelInfo, "Kill switch deactivated - trading resumed")
}

func (s *State) KillSwitchActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.killSwitchActive
}

func (s *State) IsBotRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.botRunning
}

// StreamAllowed reports whether a streaming session may open now. The kill
// switch wins over the running flag.
func (s *State) StreamAllowed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.killSwitchActive:
		return ErrKillSwitchActive
	case !s.botRunning:
		return ErrBotNotRunning
	}
	return nil
}

// StartBot sets the running flag. It is refused while the kill switch is
// active and is a no-op when the bot already runs.
func (s *State) StartBot() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.killSwitchActive {
		s.appendActivity(models.LevelWarning, "Cannot start bot: kill switch is active")
		return ErrKillSwitchActive
	}
	if s.botRunning {
		return nil
	}
	s.botRunning = true
	metrics.SetBotRunning(true)
	s.appendActivity(models.LevelInfo, "Bot started")
	return nil
}

func (s *State) StopBot() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.botRunning {
		return
	}
	s.botRunning = false
	metrics.SetBotRunning(false)
	s.appendActivity(models.LevelWarning, "Bot stopped")
}

// MarkNotRunning clears the running flag after a fatal local condition and
// records reason as an error entry.
func (s *State) MarkNotRunning(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.botRunning = false
	metrics.SetBotRunning(false)
	s.appendActivity(models.LevelError, reason)
}

// refuse logs a single warning for a rejected operation and returns err.
func (s *State) refuse(err error, format string, args ...interface{}) error {
	s.appendActivity(models.LevelWarning, fmt.Sprintf(format, args...))
	return err
}

// ToggleQuoting flips a market's quoting flag and returns the new value.
// Turning quoting on is refused under the kill switch; turning it off never is.
func (s *State) ToggleQuoting(ticker string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.markets[ticker]
	if !ok {
		return false, s.refuse(ErrUnknownMarket, "Cannot toggle quoting: unknown market %s", ticker)
	}
	next := !e.market.QuotingActive
	if next && s.killSwitchActive {
		return false, s.refuse(ErrKillSwitchActive, "Cannot enable quoting for %s: kill switch is active", ticker)
	}

	e.market.QuotingActive = next
	e.market.StrategyParams.Enabled = next
	if next {
		s.appendActivity(models.LevelInfo, fmt.Sprintf("Quoting enabled for %s", ticker))
	} else {
		s.appendActivity(models.LevelInfo, fmt.Sprintf("Quoting paused for %s", ticker))
	}
	return next, nil
}

// UpdateStrategyParams replaces a market's parameters after validation. The
// enabled flag always follows the market's quoting flag.
func (s *State) UpdateStrategyParams(ticker string, params models.StrategyParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.markets[ticker]
	if !ok {
		return s.refuse(ErrUnknownMarket, "Cannot update params: unknown market %s", ticker)
	}
	if err := params.Validate(); err != nil {
		return s.refuse(fmt.Errorf("%w: %v", ErrInvalidParams, err), "Rejected params for %s: %v", ticker, err)
	}

	params.Enabled = e.market.QuotingActive
	e.market.StrategyParams = params
	s.appendActivity(models.LevelInfo, fmt.Sprintf("Strategy params updated for %s: spread=%dbps max_inv=%d size=%d skew=%.2f",
		ticker, params.TargetSpreadBps, params.MaxInventory, params.BaseQuoteSize, params.Skew))
	return nil
}

var (
	priceFloor = decimal.Zero
	priceCap   = decimal.NewFromInt(1)
)

// RecordFill appends a simulated execution to a market. Fills are refused
// under the kill switch, while the bot is stopped, while the market is not
// quoting, and when the resulting |inventory| would exceed max_inventory.
func (s *State) RecordFill(ticker string, fill models.TradeFill) (models.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.killSwitchActive {
		return models.Market{}, s.refuse(ErrKillSwitchActive, "Fill on %s rejected: kill switch is active", ticker)
	}
	if !s.botRunning {
		return models.Market{}, s.refuse(ErrBotNotRunning, "Fill on %s rejected: bot is not running", ticker)
	}
	e, ok := s.markets[ticker]
	if !ok {
		return models.Market{}, s.refuse(ErrUnknownMarket, "Fill rejected: unknown market %s", ticker)
	}
	if !e.market.QuotingActive {
		return models.Market{}, s.refuse(ErrQuotingDisabled, "Fill on %s rejected: quoting is paused", ticker)
	}
	if fill.Size <= 0 || fill.Price.LessThan(priceFloor) || fill.Price.GreaterThan(priceCap) ||
		(fill.Side != models.FillBuy && fill.Side != models.FillSell) {
		return models.Market{}, s.refuse(ErrInvalidParams, "Fill on %s rejected: invalid fill %s %d @ %s", ticker, fill.Side, fill.Size, fill.Price)
	}

	signed := fill.Size
	if fill.Side == models.FillSell {
		signed = -signed
	}
	next := e.market.Inventory + signed
	if abs(next) > e.market.StrategyParams.MaxInventory {
		return models.Market{}, s.refuse(ErrInventoryLimit, "Fill on %s rejected: inventory %d would exceed max %d",
			ticker, next, e.market.StrategyParams.MaxInventory)
	}

	if fill.Timestamp.IsZero() {
		fill.Timestamp = s.opts.Now()
	}

	// Mark the fill against the current mid; without a quote the fill is flat.
	mark := fill.Price
	if mid, ok := e.market.Mid(); ok {
		mark = mid
	}
	edge := mark.Sub(fill.Price)
	if fill.Side == models.FillSell {
		edge = edge.Neg()
	}
	e.market.UnrealizedPnL = e.market.UnrealizedPnL.Add(edge.Mul(decimal.NewFromInt(fill.Size)))
	e.market.Inventory = next
	e.market.TotalVolume += fill.Size

	trades := make([]models.TradeFill, 0, s.opts.RecentTradesSize)
	trades = append(trades, fill)
	trades = append(trades, e.market.RecentTrades...)
	if len(trades) > s.opts.RecentTradesSize {
		trades = trades[:s.opts.RecentTradesSize]
	}
	e.market.RecentTrades = trades

	s.appendActivity(models.LevelInfo, fmt.Sprintf("Fill on %s: %s %d @ %s",
		ticker, strings.ToUpper(string(fill.Side)), fill.Size, fill.Price.StringFixed(2)))
	return e.view(), nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
