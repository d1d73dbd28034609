package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"seqlive.dev/transit"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Lists currently active service alerts",
	RunE:  alerts,
}

var (
	alertRouteID string
	alertStopID  string
	alertTripID  string
)

func init() {
	alertsCmd.Flags().StringVarP(&alertRouteID, "route", "r", "", "Restrict to a specific route")
	alertsCmd.Flags().StringVarP(&alertStopID, "stop", "s", "", "Restrict to a specific stop")
	alertsCmd.Flags().StringVarP(&alertTripID, "trip", "t", "", "Restrict to a specific trip")
}

func alerts(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	engine, err := buildEngine(ctx)
	if err != nil {
		return err
	}

	statuses := engine.ActiveAlerts(transit.AlertFilter{
		RouteID: alertRouteID,
		StopID:  alertStopID,
		TripID:  alertTripID,
	}, time.Now())

	for _, status := range statuses {
		alert := status.Alert
		note := ""
		if status.Stale {
			note = " (stale)"
		}
		fmt.Printf("[%s/%s] %s%s\n", alert.Effect, alert.Cause, alert.Header, note)
		if alert.Description != "" {
			fmt.Printf("  %s\n", alert.Description)
		}
	}

	return nil
}
