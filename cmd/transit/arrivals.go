package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var arrivalsCmd = &cobra.Command{
	Use:   "arrivals <stop_id>",
	Short: "Lists upcoming departures from a stop",
	Args:  cobra.ExactArgs(1),
	RunE:  arrivals,
}

var (
	window time.Duration
	limit  int
)

func init() {
	arrivalsCmd.Flags().DurationVarP(&window, "window", "W", 30*time.Minute, "Time window to search for departures")
	arrivalsCmd.Flags().IntVarP(&limit, "limit", "l", -1, "Limit the number of departures returned")
}

func arrivals(cmd *cobra.Command, args []string) error {
	stopID := args[0]

	ctx := context.Background()
	engine, err := buildEngine(ctx)
	if err != nil {
		return err
	}

	results, err := engine.NextArrivals(stopID, time.Now(), window, limit)
	if err != nil {
		return err
	}

	for _, arrival := range results {
		note := ""
		if arrival.Unconfirmed {
			note = " (scheduled)"
		}
		if arrival.Unscheduled {
			note = " (added)"
		}
		if arrival.Stale {
			note += " (stale)"
		}
		fmt.Printf(
			"%s  %s  %s  delay %s%s\n",
			arrival.Predicted.Format("15:04:05"),
			arrival.RouteID,
			arrival.Headsign,
			arrival.Delay,
			note,
		)
	}

	return nil
}
