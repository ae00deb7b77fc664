package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"marketsync/internal/kalshi"
	"marketsync/internal/state"
	"marketsync/models"
)

var (
	marketsSeries  string
	marketsFilter  string
	marketsTimeout time.Duration
)

var marketsCmd = &cobra.Command{
	Use:   "markets",
	Short: "Fetch one market snapshot and print it",
	Long: `Fetch the open markets from the Kalshi REST API once and print them as a
table. Useful for checking credentials and the series filter before running
the engine.

Example usage:
  marketsync markets
  marketsync markets --series KXFED
  marketsync markets --filter fed --timeout 5s`,
	RunE: runMarkets,
}

func init() {
	marketsCmd.Flags().StringVar(&marketsSeries, "series", "", "Series ticker filter (defaults to kalshi.rest.series_ticker)")
	marketsCmd.Flags().StringVar(&marketsFilter, "filter", "", "Case-insensitive substring over ticker and description")
	marketsCmd.Flags().DurationVar(&marketsTimeout, "timeout", 15*time.Second, "Timeout for the snapshot request")
}

func runMarkets(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	// keep the table on stdout readable
	if cfg.Logging.Output == "stdout" || cfg.Logging.Output == "" {
		log.SetOutput(os.Stderr)
	}

	series := marketsSeries
	if series == "" {
		series = cfg.Kalshi.REST.SeriesTicker
	}

	st := state.New(state.Options{
		ActivityLogSize:  cfg.Store.ActivityLogSize,
		RecentTradesSize: cfg.Store.RecentTradesSize,
		PriceHistorySize: cfg.Store.PriceHistorySize,
	})
	fetcher := kalshi.NewFetcher(cfg, st, &http.Client{Timeout: cfg.Kalshi.REST.Timeout})

	ctx, cancel := context.WithTimeout(cmd.Context(), marketsTimeout)
	defer cancel()

	if _, err := fetcher.Refresh(ctx, series); err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}

	return printMarkets(cmd.OutOrStdout(), st.List(marketsFilter))
}

func printMarkets(out io.Writer, markets []models.Market) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TICKER\tBID\tASK\tSPREAD\tDESCRIPTION")
	for _, m := range markets {
		spread := "-"
		if m.BestBid != nil && m.BestAsk != nil {
			spread = m.BestAsk.Sub(*m.BestBid).StringFixed(2)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.Ticker, price(m.BestBid), price(m.BestAsk), spread, m.Description)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d markets\n", len(markets))
	return nil
}

func price(p *decimal.Decimal) string {
	if p == nil {
		return "-"
	}
	return p.StringFixed(2)
}
