// Package bot supervises the engine's long-lived tasks: one snapshot fetch
// loop for the life of the process and at most one streaming session while
// the bot runs.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"marketsync/internal/kalshi"
	"marketsync/internal/state"
	"marketsync/logger"
	"marketsync/models"
)

// Fetcher is the snapshot side the bot drives.
type Fetcher interface {
	Start(ctx context.Context) error
	Stop()
	Refresh(ctx context.Context, series string) (int, error)
	FetchMarket(ctx context.Context, ticker string) (models.Market, error)
}

// Streamer runs one streaming session to completion. Ready reports why a
// session could not open right now, if anything.
type Streamer interface {
	Run(ctx context.Context) error
	Ready() error
}

type Bot struct {
	state   *state.State
	fetcher Fetcher
	stream  Streamer
	series  string
	log     *logger.Log

	mu      sync.Mutex
	base    context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func New(st *state.State, fetcher Fetcher, stream Streamer, series string) *Bot {
	return &Bot{
		state:   st,
		fetcher: fetcher,
		stream:  stream,
		series:  series,
		log:     logger.GetLogger(),
		base:    context.Background(),
	}
}

func (b *Bot) State() *state.State {
	return b.state
}

// Run starts the fetch loop and blocks until ctx is cancelled, then stops the
// streaming session and the fetcher.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("bot supervisor already running")
	}
	b.running = true
	b.base = ctx
	b.mu.Unlock()

	log := b.log.WithComponent("bot").WithFields(logger.Fields{"operation": "run"})

	if err := b.fetcher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start snapshot fetcher")
		return err
	}
	log.Info("bot supervisor started")

	<-ctx.Done()

	b.stopSession()
	b.fetcher.Stop()
	log.Info("bot supervisor stopped")
	return nil
}

// Start marks the bot running and opens a streaming session over the tickers
// currently in the store. It is refused while the kill switch is active.
func (b *Bot) Start() error {
	if err := b.state.StartBot(); err != nil {
		return err
	}
	b.launchSession()
	return nil
}

// Stop clears the running flag. The streaming loop notices within one idle
// timeout and exits on its own.
func (b *Bot) Stop() {
	b.state.StopBot()
}

func (b *Bot) ActivateKillSwitch() {
	b.state.ActivateKillSwitch()
}

// DeactivateKillSwitch lowers the switch, which marks the bot running again,
// and resumes streaming when the stream has a key and markets to subscribe.
// Otherwise the bot stays running on snapshots alone.
func (b *Bot) DeactivateKillSwitch() {
	b.state.DeactivateKillSwitch()
	if err := b.stream.Ready(); err != nil {
		b.log.WithComponent("bot").WithError(err).Warn("stream not resumed after kill switch")
		b.state.Log(models.LevelWarning, fmt.Sprintf("Stream not resumed: %v", err))
		return
	}
	b.launchSession()
}

// Resubscribe restarts the streaming session so tickers added since the last
// connect are subscribed.
func (b *Bot) Resubscribe() error {
	if b.state.KillSwitchActive() {
		return state.ErrKillSwitchActive
	}
	if !b.state.IsBotRunning() {
		return state.ErrBotNotRunning
	}
	b.stopSession()
	b.state.Log(models.LevelInfo, "Restarting stream to pick up new markets")
	b.launchSession()
	return nil
}

func (b *Bot) Refresh(ctx context.Context, series string) (int, error) {
	if series == "" {
		series = b.series
	}
	return b.fetcher.Refresh(ctx, series)
}

// FetchMarket refreshes a single market from the REST API.
func (b *Bot) FetchMarket(ctx context.Context, ticker string) (models.Market, error) {
	return b.fetcher.FetchMarket(ctx, ticker)
}

// SessionActive reports whether a streaming session goroutine is alive.
func (b *Bot) SessionActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionAliveLocked()
}

func (b *Bot) sessionAliveLocked() bool {
	if b.done == nil {
		return false
	}
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

// launchSession starts a streaming session unless one is still alive; a live
// session keeps serving because the running flag is set again.
func (b *Bot) launchSession() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sessionAliveLocked() {
		return
	}

	ctx, cancel := context.WithCancel(b.base)
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done

	log := b.log.WithComponent("bot").WithFields(logger.Fields{"worker": "stream_session"})
	go func() {
		defer close(done)
		defer cancel()
		err := b.stream.Run(ctx)
		switch {
		case err == nil:
			log.Info("stream session finished")
		case errors.Is(err, kalshi.ErrConnectionClosed):
			log.WithError(err).Warn("stream session closed by peer")
		case errors.Is(err, kalshi.ErrStreamActive):
			log.Debug("stream session already active")
		case errors.Is(err, state.ErrKillSwitchActive):
			log.WithError(err).Warn("stream session refused")
		default:
			log.WithError(err).Error("stream session failed")
		}
	}()
}

// stopSession cancels the current session and waits for it to exit.
func (b *Bot) stopSession() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
