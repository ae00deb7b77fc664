package state

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/orderbook"
	"marketsync/models"
)

func cents(v int64) *int64 { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestState(t *testing.T) *State {
	t.Helper()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	return New(Options{Now: func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}})
}

func seedABC(t *testing.T, s *State) {
	t.Helper()
	res := s.MergeSnapshot([]SnapshotMarket{{Ticker: "ABC", Description: "Test", BidCents: cents(49), AskCents: cents(52)}})
	require.Equal(t, 1, res.Added)
}

func TestMergeSnapshotCreatesMarket(t *testing.T) {
	s := newTestState(t)
	seedABC(t, s)

	m, ok := s.Get("ABC")
	require.True(t, ok)
	assert.Equal(t, "Test", m.Description)
	require.NotNil(t, m.BestBid)
	require.NotNil(t, m.BestAsk)
	assert.True(t, m.BestBid.Equal(dec("0.49")))
	assert.True(t, m.BestAsk.Equal(dec("0.52")))
	assert.Zero(t, m.Inventory)
	assert.False(t, m.QuotingActive)
	assert.Equal(t, models.DefaultStrategyParams(), m.StrategyParams)
	assert.Empty(t, m.OrderBook)
	assert.Empty(t, m.RecentTrades)
	assert.Len(t, m.PriceHistory, 1)
}

func TestMergeSnapshotPreservesTradingState(t *testing.T) {
	s := newTestState(t)
	s.MergeSnapshot([]SnapshotMarket{{Ticker: "ABC", Description: "Test", BidCents: cents(50), AskCents: cents(52)}})
	s.Upsert("ABC", func(m *models.Market) {
		m.Inventory = 50
		m.UnrealizedPnL = dec("25.5")
		m.StrategyParams.TargetSpreadBps = 300
	})

	res := s.MergeSnapshot([]SnapshotMarket{{Ticker: "ABC", Description: "Renamed", BidCents: cents(51), AskCents: cents(52)}})
	assert.Equal(t, MergeResult{Updated: 1}, res)

	m, _ := s.Get("ABC")
	assert.Equal(t, int64(50), m.Inventory)
	assert.True(t, m.UnrealizedPnL.Equal(dec("25.5")))
	assert.Equal(t, int64(300), m.StrategyParams.TargetSpreadBps)
	assert.Equal(t, "Test", m.Description)
	assert.True(t, m.BestBid.Equal(dec("0.51")))
}

func TestMergeSnapshotMissingQuoteKeepsPrevious(t *testing.T) {
	s := newTestState(t)
	seedABC(t, s)
	s.MergeSnapshot([]SnapshotMarket{{Ticker: "ABC", AskCents: cents(60)}})

	m, _ := s.Get("ABC")
	assert.True(t, m.BestBid.Equal(dec("0.49")))
	assert.True(t, m.BestAsk.Equal(dec("0.60")))
}

func TestPriceHistoryCapped(t *testing.T) {
	s := New(Options{PriceHistorySize: 3})
	for i := int64(0); i < 5; i++ {
		s.MergeSnapshot([]SnapshotMarket{{Ticker: "ABC", BidCents: cents(40 + i), AskCents: cents(42 + i)}})
	}
	m, _ := s.Get("ABC")
	require.Len(t, m.PriceHistory, 3)
	assert.True(t, m.PriceHistory[2].Price.Equal(dec("0.45")))
}

func TestApplyTickerUpdatesBothSides(t *testing.T) {
	s := newTestState(t)
	seedABC(t, s)
	before, _ := s.Get("ABC")

	require.True(t, s.ApplyTicker("ABC", 55, 58))
	after, _ := s.Get("ABC")

	assert.True(t, after.BestBid.Equal(dec("0.55")))
	assert.True(t, after.BestAsk.Equal(dec("0.58")))
	assert.Equal(t, before.Inventory, after.Inventory)
	assert.Equal(t, before.PriceHistory, after.PriceHistory)
	assert.Equal(t, before.StrategyParams, after.StrategyParams)
	assert.Equal(t, before.QuotingActive, after.QuotingActive)

	assert.False(t, s.ApplyTicker("NOPE", 1, 2))
	_, ok := s.Get("NOPE")
	assert.False(t, ok)
}

func TestApplyTickerNeverTorn(t *testing.T) {
	s := newTestState(t)
	seedABC(t, s)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= 2000; i++ {
			b := i % 90
			s.ApplyTicker("ABC", b, b+3)
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			m, _ := s.Get("ABC")
			assert.True(t, m.BestAsk.Sub(*m.BestBid).Equal(dec("0.03")))
			return
		default:
			m, _ := s.Get("ABC")
			spread := m.BestAsk.Sub(*m.BestBid)
			if !spread.Equal(dec("0.03")) && !(m.BestBid.Equal(dec("0.49")) && m.BestAsk.Equal(dec("0.52"))) {
				t.Fatalf("torn read: bid=%s ask=%s", m.BestBid, m.BestAsk)
			}
		}
	}
}

func TestBookDeltaThroughStore(t *testing.T) {
	s := newTestState(t)
	seedABC(t, s)

	size, ok := s.ApplyBookDelta("ABC", models.SideBid, 48, 10)
	require.True(t, ok)
	assert.Equal(t, int64(10), size)
	s.ApplyBookDelta("ABC", models.SideBid, 47, 5)
	s.ApplyBookDelta("ABC", models.SideAsk, 53, 7)
	s.ApplyBookDelta("ABC", models.SideAsk, 55, 2)

	m, _ := s.Get("ABC")
	require.Len(t, m.OrderBook, 4)
	assert.True(t, m.OrderBook[0].Price.Equal(dec("0.48")))
	assert.True(t, m.OrderBook[1].Price.Equal(dec("0.47")))
	assert.True(t, m.OrderBook[2].Price.Equal(dec("0.53")))

	size, _ = s.ApplyBookDelta("ABC", models.SideBid, 48, -10)
	assert.Zero(t, size)
	m, _ = s.Get("ABC")
	assert.Len(t, m.OrderBook, 3)

	_, ok = s.ApplyBookDelta("NOPE", models.SideBid, 1, 1)
	assert.False(t, ok)

	require.True(t, s.ReplaceBook("ABC", []orderbook.Level{{PriceCents: 40, Size: 1}}, nil))
	m, _ = s.Get("ABC")
	require.Len(t, m.OrderBook, 1)
	assert.Equal(t, models.SideBid, m.OrderBook[0].Side)
}

func TestGetReturnsCopy(t *testing.T) {
	s := newTestState(t)
	seedABC(t, s)

	m, _ := s.Get("ABC")
	m.Inventory = 999
	m.PriceHistory[0].Price = dec("0.99")
	*m.BestBid = dec("0.01")

	again, _ := s.Get("ABC")
	assert.Zero(t, again.Inventory)
	assert.True(t, again.BestBid.Equal(dec("0.49")))
	assert.False(t, again.PriceHistory[0].Price.Equal(dec("0.99")))
}

func TestUpsertCannotRenameAndRebuildsBook(t *testing.T) {
	s := newTestState(t)
	s.Upsert("XYZ", func(m *models.Market) {
		m.Ticker = "OTHER"
		m.Description = "made up"
		m.OrderBook = []models.OrderBookLevel{
			{Side: models.SideAsk, Price: dec("0.60"), Size: 3},
			{Side: models.SideBid, Price: dec("0.40"), Size: 0},
			{Side: models.SideBid, Price: dec("0.41"), Size: 4},
		}
	})

	_, ok := s.Get("OTHER")
	assert.False(t, ok)
	m, ok := s.Get("XYZ")
	require.True(t, ok)
	assert.Equal(t, "XYZ", m.Ticker)
	require.Len(t, m.OrderBook, 2)
	assert.Equal(t, models.SideBid, m.OrderBook[0].Side)
	assert.True(t, m.OrderBook[0].Price.Equal(dec("0.41")))
}

func TestUpsertUnderKillSwitch(t *testing.T) {
	s := newTestState(t)
	seedABC(t, s)
	s.ActivateKillSwitch()

	s.Upsert("ABC", func(m *models.Market) {
		m.QuotingActive = true
		m.StrategyParams.Enabled = true
		m.StrategyParams.TargetSpreadBps = 400
		m.RecentTrades = append(m.RecentTrades, models.TradeFill{Side: models.FillBuy, Price: dec("0.50"), Size: 10})
		m.Inventory = 10
		m.TotalVolume = 10
	})

	m, _ := s.Get("ABC")
	assert.False(t, m.QuotingActive)
	assert.False(t, m.StrategyParams.Enabled)
	assert.Equal(t, int64(400), m.StrategyParams.TargetSpreadBps)
	assert.Empty(t, m.RecentTrades)
	assert.Zero(t, m.Inventory)
	assert.Zero(t, m.TotalVolume)

	s.DeactivateKillSwitch()
	s.Upsert("ABC", func(m *models.Market) {
		m.QuotingActive = true
	})
	m, _ = s.Get("ABC")
	assert.True(t, m.QuotingActive)
	assert.True(t, m.StrategyParams.Enabled)
}

func TestClearAndReplaceEnabledMirrorsQuoting(t *testing.T) {
	s := newTestState(t)
	on := models.NewMarket("ON", "")
	on.QuotingActive = true
	off := models.NewMarket("OFF", "")
	off.StrategyParams.Enabled = true

	require.NoError(t, s.ClearAndReplace([]models.Market{on, off}))
	m, _ := s.Get("ON")
	assert.True(t, m.StrategyParams.Enabled)
	m, _ = s.Get("OFF")
	assert.False(t, m.StrategyParams.Enabled)

	s.ActivateKillSwitch()
	require.NoError(t, s.ClearAndReplace([]models.Market{on}))
	m, _ = s.Get("ON")
	assert.False(t, m.QuotingActive)
	assert.False(t, m.StrategyParams.Enabled)
}

func TestListFilter(t *testing.T) {
	s := newTestState(t)
	s.MergeSnapshot([]SnapshotMarket{
		{Ticker: "FED-RATE", Description: "Fed cuts rates"},
		{Ticker: "BTC-100K", Description: "Bitcoin above 100k"},
		{Ticker: "ELECTION", Description: "Who wins the FED chair"},
	})

	all := s.List("")
	require.Len(t, all, 3)
	assert.Equal(t, "FED-RATE", all[0].Ticker)
	assert.Equal(t, "ELECTION", all[2].Ticker)

	fed := s.List("  fed ")
	require.Len(t, fed, 2)
	assert.Equal(t, "FED-RATE", fed[0].Ticker)
	assert.Equal(t, "ELECTION", fed[1].Ticker)

	assert.Len(t, s.List("bitcoin"), 1)
	assert.Empty(t, s.List("nothing"))

	s.SetSearchFilter("btc")
	assert.Equal(t, "btc", s.SearchFilter())
	assert.Len(t, s.List(""), 3)
}

func TestClearAndReplace(t *testing.T) {
	s := newTestState(t)
	seedABC(t, s)
	require.NoError(t, s.SetActiveTicker("ABC"))

	err := s.ClearAndReplace([]models.Market{models.NewMarket("A", ""), models.NewMarket("A", "")})
	require.ErrorIs(t, err, ErrDuplicateTicker)
	assert.Equal(t, []string{"ABC"}, s.Tickers())

	require.NoError(t, s.ClearAndReplace([]models.Market{models.NewMarket("X", "x"), models.NewMarket("Y", "y")}))
	assert.Equal(t, []string{"X", "Y"}, s.Tickers())
	assert.Empty(t, s.ActiveTicker())
	assert.Equal(t, 2, s.Len())
}

func TestSetActiveTickerUnknown(t *testing.T) {
	s := newTestState(t)
	assert.ErrorIs(t, s.SetActiveTicker("NOPE"), ErrUnknownMarket)
}

func TestActivityLogCap(t *testing.T) {
	s := newTestState(t)
	for i := 0; i < 100; i++ {
		s.Log(models.LevelInfo, fmt.Sprintf("entry %d", i))
	}
	full := s.Activity()
	require.Len(t, full, 100)
	assert.Equal(t, "entry 99", full[0].Message)
	assert.Equal(t, "entry 0", full[99].Message)

	s.Logf(models.LevelWarning, "entry %d", 100)
	after := s.Activity()
	require.Len(t, after, 100)
	assert.Equal(t, "entry 100", after[0].Message)
	assert.Equal(t, models.LevelWarning, after[0].Level)
	assert.Equal(t, "entry 1", after[99].Message)
	for i := 1; i < 100; i++ {
		assert.Equal(t, full[i-1].Message, after[i].Message)
	}
	assert.NotEmpty(t, after[0].ID)
	assert.True(t, after[0].Timestamp.After(after[1].Timestamp))
}

func TestKillSwitchAtomicWithRunning(t *testing.T) {
	s := newTestState(t)
	require.NoError(t, s.StartBot())
	require.True(t, s.IsBotRunning())

	s.ActivateKillSwitch()
	v := s.Snapshot()
	assert.True(t, v.KillSwitchActive)
	assert.False(t, v.BotRunning)
	assert.Equal(t, models.LevelError, s.Activity()[0].Level)

	assert.ErrorIs(t, s.StartBot(), ErrKillSwitchActive)
	assert.False(t, s.IsBotRunning())
	assert.Equal(t, models.LevelWarning, s.Activity()[0].Level)

	s.DeactivateKillSwitch()
	assert.False(t, s.KillSwitchActive())
	assert.True(t, s.IsBotRunning())
	assert.Equal(t, models.LevelInfo, s.Activity()[0].Level)
}

func TestKillSwitchNeverObservedHalfApplied(t *testing.T) {
	s := newTestState(t)
	require.NoError(t, s.StartBot())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			s.ActivateKillSwitch()
			s.DeactivateKillSwitch()
		}
	}()
	for {
		select {
		case <-done:
			return
		default:
			v := s.Snapshot()
			if v.KillSwitchActive && v.BotRunning {
				t.Fatal("observed kill switch active while bot running")
			}
		}
	}
}

func TestStreamAllowed(t *testing.T) {
	s := newTestState(t)
	assert.ErrorIs(t, s.StreamAllowed(), ErrBotNotRunning)

	require.NoError(t, s.StartBot())
	assert.NoError(t, s.StreamAllowed())

	s.ActivateKillSwitch()
	assert.ErrorIs(t, s.StreamAllowed(), ErrKillSwitchActive)

	s.DeactivateKillSwitch()
	assert.NoError(t, s.StreamAllowed())
}

func TestStopAndMarkNotRunning(t *testing.T) {
	s := newTestState(t)
	require.NoError(t, s.StartBot())
	s.StopBot()
	assert.False(t, s.IsBotRunning())
	assert.Equal(t, "Bot stopped", s.Activity()[0].Message)

	require.NoError(t, s.StartBot())
	s.MarkNotRunning("stream: no credential configured")
	assert.False(t, s.IsBotRunning())
	assert.Equal(t, models.LevelError, s.Activity()[0].Level)
}

func TestToggleQuoting(t *testing.T) {
	s := newTestState(t)
	seedABC(t, s)

	on, err := s.ToggleQuoting("ABC")
	require.NoError(t, err)
	assert.True(t, on)
	m, _ := s.Get("ABC")
	assert.True(t, m.QuotingActive)
	assert.True(t, m.StrategyParams.Enabled)

	s.ActivateKillSwitch()
	off, err := s.ToggleQuoting("ABC")
	require.NoError(t, err, "pausing must be allowed under the kill switch")
	assert.False(t, off)

	_, err = s.ToggleQuoting("ABC")
	assert.ErrorIs(t, err, ErrKillSwitchActive)
	m, _ = s.Get("ABC")
	assert.False(t, m.QuotingActive)

	_, err = s.ToggleQuoting("NOPE")
	assert.ErrorIs(t, err, ErrUnknownMarket)
}

func TestUpdateStrategyParams(t *testing.T) {
	s := newTestState(t)
	seedABC(t, s)

	p := models.StrategyParams{TargetSpreadBps: 150, MaxInventory: 20, BaseQuoteSize: 5, Skew: -0.2, Enabled: true}
	require.NoError(t, s.UpdateStrategyParams("ABC", p))
	m, _ := s.Get("ABC")
	assert.Equal(t, int64(150), m.StrategyParams.TargetSpreadBps)
	assert.False(t, m.StrategyParams.Enabled, "enabled follows quoting_active")

	bad := p
	bad.Skew = 3
	assert.ErrorIs(t, s.UpdateStrategyParams("ABC", bad), ErrInvalidParams)
	bad = p
	bad.BaseQuoteSize = 0
	assert.ErrorIs(t, s.UpdateStrategyParams("ABC", bad), ErrInvalidParams)
	assert.ErrorIs(t, s.UpdateStrategyParams("NOPE", p), ErrUnknownMarket)

	m, _ = s.Get("ABC")
	assert.Equal(t, int64(150), m.StrategyParams.TargetSpreadBps)
}

func TestRecordFillGates(t *testing.T) {
	s := newTestState(t)
	seedABC(t, s)
	fill := models.TradeFill{Side: models.FillBuy, Price: dec("0.50"), Size: 10}

	_, err := s.RecordFill("ABC", fill)
	assert.ErrorIs(t, err, ErrBotNotRunning)

	require.NoError(t, s.StartBot())
	_, err = s.RecordFill("ABC", fill)
	assert.ErrorIs(t, err, ErrQuotingDisabled)

	_, err = s.ToggleQuoting("ABC")
	require.NoError(t, err)
	m, err := s.RecordFill("ABC", fill)
	require.NoError(t, err)
	assert.Equal(t, int64(10), m.Inventory)
	assert.Equal(t, int64(10), m.TotalVolume)

	s.ActivateKillSwitch()
	_, err = s.RecordFill("ABC", fill)
	assert.ErrorIs(t, err, ErrKillSwitchActive)
	assert.Equal(t, models.LevelWarning, s.Activity()[0].Level)
	m, _ = s.Get("ABC")
	assert.Len(t, m.RecentTrades, 1)

	s.DeactivateKillSwitch()
	_, err = s.RecordFill("NOPE", fill)
	assert.ErrorIs(t, err, ErrUnknownMarket)

	_, err = s.RecordFill("ABC", models.TradeFill{Side: models.FillBuy, Price: dec("1.5"), Size: 1})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestRecordFillInventoryLimit(t *testing.T) {
	s := newTestState(t)
	seedABC(t, s)
	require.NoError(t, s.UpdateStrategyParams("ABC", models.StrategyParams{MaxInventory: 15, BaseQuoteSize: 1}))
	require.NoError(t, s.StartBot())
	_, err := s.ToggleQuoting("ABC")
	require.NoError(t, err)

	_, err = s.RecordFill("ABC", models.TradeFill{Side: models.FillBuy, Price: dec("0.50"), Size: 10})
	require.NoError(t, err)
	_, err = s.RecordFill("ABC", models.TradeFill{Side: models.FillBuy, Price: dec("0.50"), Size: 6})
	assert.ErrorIs(t, err, ErrInventoryLimit)

	m, err := s.RecordFill("ABC", models.TradeFill{Side: models.FillSell, Price: dec("0.52"), Size: 25})
	require.NoError(t, err)
	assert.Equal(t, int64(-15), m.Inventory)
}

func TestRecentTradesNewestFirstCapped(t *testing.T) {
	s := newTestState(t)
	seedABC(t, s)
	require.NoError(t, s.StartBot())
	_, err := s.ToggleQuoting("ABC")
	require.NoError(t, err)

	for i := int64(1); i <= 12; i++ {
		side := models.FillBuy
		if i%2 == 0 {
			side = models.FillSell
		}
		m, err := s.RecordFill("ABC", models.TradeFill{Side: side, Price: dec("0.50"), Size: i})
		require.NoError(t, err)
		require.LessOrEqual(t, len(m.RecentTrades), 10)
		assert.Equal(t, i, m.RecentTrades[0].Size)
	}

	m, _ := s.Get("ABC")
	require.Len(t, m.RecentTrades, 10)
	assert.Equal(t, int64(12), m.RecentTrades[0].Size)
	assert.Equal(t, int64(3), m.RecentTrades[9].Size)
	assert.False(t, m.RecentTrades[0].Timestamp.IsZero())
}

func TestRecordFillMarksAgainstMid(t *testing.T) {
	s := newTestState(t)
	s.MergeSnapshot([]SnapshotMarket{{Ticker: "ABC", BidCents: cents(48), AskCents: cents(52)}})
	require.NoError(t, s.StartBot())
	_, err := s.ToggleQuoting("ABC")
	require.NoError(t, err)

	m, err := s.RecordFill("ABC", models.TradeFill{Side: models.FillBuy, Price: dec("0.48"), Size: 10})
	require.NoError(t, err)
	assert.True(t, m.UnrealizedPnL.Equal(dec("0.2")), "got %s", m.UnrealizedPnL)

	m, err = s.RecordFill("ABC", models.TradeFill{Side: models.FillSell, Price: dec("0.52"), Size: 10})
	require.NoError(t, err)
	assert.True(t, m.UnrealizedPnL.Equal(dec("0.4")), "got %s", m.UnrealizedPnL)
}

func TestConnectionStatus(t *testing.T) {
	s := newTestState(t)
	statuses := s.ConnectionStatuses()
	assert.Len(t, statuses, 3)
	assert.Equal(t, models.StatusDisconnected, statuses[models.UpstreamPolymarket])

	s.SetConnectionStatus(models.UpstreamKalshi, models.StatusConnected)
	assert.Equal(t, models.StatusConnected, s.ConnectionStatus(models.UpstreamKalshi))

	n := len(s.Activity())
	s.SetConnectionStatusAndLog(models.UpstreamKalshi, models.StatusFailed, models.LevelError, "fetch failed")
	assert.Equal(t, models.StatusFailed, s.ConnectionStatus(models.UpstreamKalshi))
	assert.Len(t, s.Activity(), n+1)

	statuses[models.UpstreamKalshi] = models.StatusUnauthorized
	assert.Equal(t, models.StatusFailed, s.ConnectionStatus(models.UpstreamKalshi))
	assert.Equal(t, models.StatusDisconnected, s.ConnectionStatus("unknown"))
}
