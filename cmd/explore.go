package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/config"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/httpclient"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/logging"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/probe"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/stream"

	"github.com/spf13/cobra"
)

var exploreCmd = &cobra.Command{
	Use:   "explore",
	Short: "Probe the events API without writing anything",
	Long: `Fetch a tiny page from the documented events endpoint, report the
response shape and rate-limit headers, and check whether stream access
is available. No database required beyond configuration.`,
	RunE: runExplore,
}

func init() {
	rootCmd.AddCommand(exploreCmd)
}

func runExplore(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logging.Setup(cfg.LogLevel, cfg.Environment)
	logging.Redact(cfg.TargetAPIKey)

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The probe observes raw responses, so no retry wrapper on the fetch
	client := httpclient.New(httpclient.Options{
		Timeout:  cfg.RequestTimeout,
		PoolSize: 2,
	})
	retrier := httpclient.NewRetrier(cfg.MaxRetries, cfg.RetryBase, cfg.RetryMax)
	creds := stream.NewManager(client, retrier, cfg.Origin(), cfg.TargetAPIKey)

	return probe.New(client, creds, cfg.APIBaseURL, cfg.TargetAPIKey).Run(ctx)
}
