package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"marketsync/config"
	"marketsync/internal/api"
	"marketsync/internal/archive"
	"marketsync/internal/bot"
	"marketsync/internal/kalshi"
	"marketsync/internal/metrics"
	"marketsync/internal/state"
	"marketsync/logger"
)

var autoStart bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine and control API until interrupted",
	RunE:  runEngine,
}

func init() {
	runCmd.Flags().BoolVar(&autoStart, "start", false, "Start the bot immediately after the first snapshot")
}

type engine struct {
	state  *state.State
	bot    *bot.Bot
	server *api.Server
}

func buildEngine(cfg *config.Config, log *logger.Log) (*engine, error) {
	st := state.New(state.Options{
		ActivityLogSize:  cfg.Store.ActivityLogSize,
		RecentTradesSize: cfg.Store.RecentTradesSize,
		PriceHistorySize: cfg.Store.PriceHistorySize,
	})
	fetcher := kalshi.NewFetcher(cfg, st, &http.Client{Timeout: cfg.Kalshi.REST.Timeout})
	stream := kalshi.NewStream(cfg, st)
	b := bot.New(st, fetcher, stream, cfg.Kalshi.REST.SeriesTicker)

	srv, err := api.NewServer(cfg.API, b, log)
	if err != nil {
		return nil, err
	}
	return &engine{state: st, bot: b, server: srv}, nil
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	log.WithFields(logger.Fields{
		"service": cfg.MarketSync.Name,
		"version": cfg.MarketSync.Version,
	}).Info("starting marketsync")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" || strings.ToLower(os.Getenv("LOG_LEVEL")) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Logging.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace)
	}
	metrics.Init()

	eng, err := buildEngine(cfg, log)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.bot.Run(ctx); err != nil {
			log.WithError(err).Error("bot supervisor failed")
		}
	}()

	if eng.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := eng.server.Run(ctx); err != nil {
				log.WithError(err).Error("control api failed")
			}
		}()
	} else {
		log.WithComponent("main").Info("control api disabled")
	}

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.NewArchiver(ctx, cfg, eng.state)
		if err != nil {
			return fmt.Errorf("failed to create archiver: %w", err)
		}
		if err := archiver.Start(ctx); err != nil {
			return err
		}
	} else {
		log.WithComponent("main").Info("archive disabled; skipping parquet exports")
	}

	if autoStart {
		if _, err := eng.bot.Refresh(ctx, ""); err != nil {
			log.WithError(err).Warn("initial snapshot failed")
		}
		if err := eng.bot.Start(); err != nil {
			log.WithError(err).Warn("bot did not start")
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	log.Info("starting graceful shutdown")

	eng.bot.Stop()
	cancel()

	if archiver != nil {
		log.Info("stopping archiver")
		archiver.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketsync stopped")
	return nil
}
