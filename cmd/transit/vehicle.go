package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var vehicleCmd = &cobra.Command{
	Use:   "vehicle <vehicle_id>",
	Short: "Shows the last known position of a vehicle",
	Args:  cobra.ExactArgs(1),
	RunE:  vehicle,
}

func vehicle(cmd *cobra.Command, args []string) error {
	vehicleID := args[0]

	ctx := context.Background()
	engine, err := buildEngine(ctx)
	if err != nil {
		return err
	}

	status, err := engine.VehiclePosition(vehicleID)
	if err != nil {
		return err
	}

	pos := status.Position
	fmt.Printf("vehicle %s (%s)\n", pos.VehicleID, pos.Label)
	fmt.Printf("  position: %.5f,%.5f bearing %.0f\n", pos.Lat, pos.Lon, pos.Bearing)
	if pos.Trip.TripID != "" {
		fmt.Printf("  trip: %s\n", pos.Trip.TripID)
	}
	if !pos.Timestamp.IsZero() {
		fmt.Printf("  reported: %s\n", pos.Timestamp.Format("15:04:05"))
	}
	if status.Stale {
		fmt.Println("  (stale)")
	}

	return nil
}
