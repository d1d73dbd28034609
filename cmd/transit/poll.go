package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"seqlive.dev/transit"
	"seqlive.dev/transit/downloader"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Continuously ingests the realtime feed",
	RunE:  poll,
}

var (
	pollInterval     time.Duration
	failureThreshold int
)

func init() {
	pollCmd.Flags().DurationVarP(&pollInterval, "interval", "i", transit.DefaultPollInterval, "Poll interval")
	pollCmd.Flags().IntVarP(&failureThreshold, "failure-threshold", "", transit.DefaultFailureThreshold, "Consecutive failures before DEGRADED")
}

func poll(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger()

	schedule, err := loadSchedule(ctx)
	if err != nil {
		return err
	}

	hs, err := parseHeaders(headers)
	if err != nil {
		return err
	}

	store := transit.NewStore(transit.StoreConfig{}, log)
	correlator := transit.NewCorrelator(schedule, log)
	poller := transit.NewPoller(
		transit.PollerConfig{
			FeedURL:          feedURL,
			Headers:          hs,
			PollInterval:     pollInterval,
			FailureThreshold: failureThreshold,
		},
		&downloader.HTTPDownloader{},
		store,
		correlator,
		log,
	)

	go store.Run(ctx)

	if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
