package bot

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/kalshi"
	"marketsync/internal/state"
	"marketsync/models"
)

type fakeFetcher struct {
	started   atomic.Bool
	stopped   atomic.Bool
	refreshes atomic.Int32
	mu        sync.Mutex
	series    []string
}

func (f *fakeFetcher) Start(ctx context.Context) error {
	f.started.Store(true)
	return nil
}

func (f *fakeFetcher) Stop() { f.stopped.Store(true) }

func (f *fakeFetcher) Refresh(ctx context.Context, series string) (int, error) {
	f.refreshes.Add(1)
	f.mu.Lock()
	f.series = append(f.series, series)
	f.mu.Unlock()
	return 1, nil
}

func (f *fakeFetcher) FetchMarket(ctx context.Context, ticker string) (models.Market, error) {
	return models.NewMarket(ticker, "fetched"), nil
}

// fakeStream behaves like the streaming loop: it serves while the bot runs
// and returns when the flag drops or ctx is cancelled.
type fakeStream struct {
	st       *state.State
	runs     atomic.Int32
	active   atomic.Int32
	tickers  chan []string
	notReady error
}

func (s *fakeStream) Ready() error { return s.notReady }

func newFakeStream(st *state.State) *fakeStream {
	return &fakeStream{st: st, tickers: make(chan []string, 8)}
}

func (s *fakeStream) Run(ctx context.Context) error {
	s.runs.Add(1)
	s.active.Add(1)
	defer s.active.Add(-1)
	s.tickers <- s.st.Tickers()

	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for s.st.IsBotRunning() {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
	return nil
}

func newTestBot(t *testing.T) (*Bot, *state.State, *fakeFetcher, *fakeStream) {
	t.Helper()
	st := state.New(state.Options{})
	st.MergeSnapshot([]state.SnapshotMarket{{Ticker: "ABC"}})
	f := &fakeFetcher{}
	s := newFakeStream(st)
	return New(st, f, s, "KXFED"), st, f, s
}

func TestRunStartsAndStopsFetcher(t *testing.T) {
	b, _, f, _ := newTestBot(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, f.started.Load, time.Second, time.Millisecond)
	require.Error(t, b.Run(ctx))

	cancel()
	require.NoError(t, <-done)
	assert.True(t, f.stopped.Load())
}

func TestStartLaunchesOneSession(t *testing.T) {
	b, st, _, s := newTestBot(t)

	require.NoError(t, b.Start())
	assert.Equal(t, []string{"ABC"}, <-s.tickers)
	assert.True(t, st.IsBotRunning())
	assert.True(t, b.SessionActive())

	require.NoError(t, b.Start())
	assert.Equal(t, int32(1), s.runs.Load())

	b.Stop()
	assert.False(t, st.IsBotRunning())
	require.Eventually(t, func() bool { return !b.SessionActive() }, time.Second, time.Millisecond)
}

func TestKillSwitchBlocksStart(t *testing.T) {
	b, st, _, s := newTestBot(t)
	require.NoError(t, b.Start())
	<-s.tickers

	b.ActivateKillSwitch()
	assert.False(t, st.IsBotRunning())
	assert.True(t, st.KillSwitchActive())
	require.Eventually(t, func() bool { return !b.SessionActive() }, time.Second, time.Millisecond)

	assert.ErrorIs(t, b.Start(), state.ErrKillSwitchActive)
	assert.ErrorIs(t, b.Resubscribe(), state.ErrKillSwitchActive)
	assert.Equal(t, int32(1), s.runs.Load())

	b.DeactivateKillSwitch()
	assert.True(t, st.IsBotRunning())
	<-s.tickers
	assert.Equal(t, int32(2), s.runs.Load())
	b.Stop()
}

func TestDeactivateSkipsStreamWhenNotReady(t *testing.T) {
	b, st, _, s := newTestBot(t)
	s.notReady = kalshi.ErrAuthMissing

	b.ActivateKillSwitch()
	b.DeactivateKillSwitch()

	assert.True(t, st.IsBotRunning())
	assert.False(t, b.SessionActive())
	assert.Zero(t, s.runs.Load())
	entry := st.Activity()[0]
	assert.Equal(t, models.LevelWarning, entry.Level)
	assert.Contains(t, entry.Message, "Stream not resumed")
	b.Stop()
}

func TestResubscribePicksUpNewTickers(t *testing.T) {
	b, st, _, s := newTestBot(t)
	assert.ErrorIs(t, b.Resubscribe(), state.ErrBotNotRunning)

	require.NoError(t, b.Start())
	assert.Equal(t, []string{"ABC"}, <-s.tickers)

	st.MergeSnapshot([]state.SnapshotMarket{{Ticker: "DEF"}})
	require.NoError(t, b.Resubscribe())
	assert.Equal(t, []string{"ABC", "DEF"}, <-s.tickers)
	assert.Equal(t, int32(1), s.active.Load())
	assert.True(t, st.IsBotRunning())
	b.Stop()
}

func TestRefreshDefaultsSeries(t *testing.T) {
	b, _, f, _ := newTestBot(t)
	_, err := b.Refresh(context.Background(), "")
	require.NoError(t, err)
	_, err = b.Refresh(context.Background(), "OTHER")
	require.NoError(t, err)
	assert.Equal(t, []string{"KXFED", "OTHER"}, f.series)
}

func TestFetchMarketDelegates(t *testing.T) {
	b, _, _, _ := newTestBot(t)
	m, err := b.FetchMarket(context.Background(), "ABC")
	require.NoError(t, err)
	assert.Equal(t, "ABC", m.Ticker)
}
