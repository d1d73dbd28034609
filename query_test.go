package transit_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seqlive.dev/transit"
	"seqlive.dev/transit/model"
	"seqlive.dev/transit/parse"
)

// Feeds for engine tests are built directly as decoded entities; the
// protobuf decode path has its own tests in the parse package. Header
// and entity timestamps stay zero so records are treated as current.
func mergeEntities(t *testing.T, store *transit.Store, entities ...*model.Entity) {
	_, err := store.Merge(&parse.Feed{
		Version:        "2.0",
		Incrementality: parse.FullDataset,
		Entities:       entities,
	})
	require.NoError(t, err)
}

func newEngine(t *testing.T) (*transit.Engine, *transit.Store) {
	schedule := simpleScheduleFixture(t)
	store := transit.NewStore(transit.StoreConfig{}, zerolog.Nop())
	return transit.NewEngine(schedule, store), store
}

func delayUpdate(entityID, tripID string, stopSequence uint32, delay time.Duration) *model.Entity {
	return &model.Entity{
		ID: entityID,
		TripUpdate: &model.TripUpdate{
			Trip: model.TripRef{TripID: tripID},
			Type: model.TripScheduled,
			StopTimeUpdates: []model.StopTimeUpdate{
				{
					StopSequence:   stopSequence,
					DepartureIsSet: true,
					DepartureDelay: delay,
					Type:           model.StopTimeUpdateScheduled,
				},
			},
		},
	}
}

var queryNow = time.Date(2020, 1, 15, 9, 45, 0, 0, time.UTC)

func TestNextArrivalsDelayPropagation(t *testing.T) {
	engine, store := newEngine(t)

	// A 300s delay reported at t1's first stop propagates to s2:
	// the 10:00 departure is predicted at 10:05. t2 has no realtime
	// data and falls back to schedule, unconfirmed.
	mergeEntities(t, store, delayUpdate("e1", "t1", 1, 300*time.Second))

	arrivals, err := engine.NextArrivals("s2", queryNow, time.Hour, -1)
	require.NoError(t, err)
	require.Len(t, arrivals, 3)

	byTrip := map[string]transit.Arrival{}
	for _, arrival := range arrivals {
		byTrip[arrival.TripID] = arrival
	}

	t1 := byTrip["t1"]
	assert.Equal(t, time.Date(2020, 1, 15, 10, 0, 0, 0, time.UTC), t1.Scheduled)
	assert.Equal(t, time.Date(2020, 1, 15, 10, 5, 0, 0, time.UTC), t1.Predicted)
	assert.Equal(t, 300*time.Second, t1.Delay)
	assert.False(t, t1.Unconfirmed)
	assert.False(t, t1.Stale)

	t2 := byTrip["t2"]
	assert.Equal(t, t2.Scheduled, t2.Predicted)
	assert.True(t, t2.Unconfirmed)
	assert.Zero(t, t2.Delay)
}

func TestNextArrivalsAbsoluteTimeOverride(t *testing.T) {
	engine, store := newEngine(t)

	// An absolute predicted time at the queried stop beats delay
	// arithmetic.
	predicted := time.Date(2020, 1, 15, 10, 7, 0, 0, time.UTC)
	mergeEntities(t, store, &model.Entity{
		ID: "e1",
		TripUpdate: &model.TripUpdate{
			Trip: model.TripRef{TripID: "t1"},
			Type: model.TripScheduled,
			StopTimeUpdates: []model.StopTimeUpdate{
				{
					StopSequence:   2,
					DepartureIsSet: true,
					DepartureTime:  predicted,
					Type:           model.StopTimeUpdateScheduled,
				},
			},
		},
	})

	arrivals, err := engine.NextArrivals("s2", queryNow, time.Hour, -1)
	require.NoError(t, err)

	byTrip := map[string]transit.Arrival{}
	for _, arrival := range arrivals {
		byTrip[arrival.TripID] = arrival
	}

	assert.Equal(t, predicted, byTrip["t1"].Predicted)
	assert.Equal(t, 7*time.Minute, byTrip["t1"].Delay)
}

func arrivalUpdate(entityID, tripID string, stopSequence uint32, at time.Time) *model.Entity {
	return &model.Entity{
		ID: entityID,
		TripUpdate: &model.TripUpdate{
			Trip: model.TripRef{TripID: tripID},
			Type: model.TripScheduled,
			StopTimeUpdates: []model.StopTimeUpdate{
				{
					StopSequence:      stopSequence,
					StopSequenceIsSet: true,
					ArrivalIsSet:      true,
					ArrivalTime:       at,
					Type:              model.StopTimeUpdateScheduled,
				},
			},
		},
	}
}

func TestNextArrivalsAbsoluteArrivalTime(t *testing.T) {
	engine, store := newEngine(t)

	// An absolute predicted arrival at the queried stop is used as
	// is, like an absolute departure.
	late := time.Date(2020, 1, 15, 10, 4, 0, 0, time.UTC)
	mergeEntities(t, store, arrivalUpdate("e1", "t1", 2, late))

	arrivals, err := engine.NextArrivals("s2", queryNow, time.Hour, -1)
	require.NoError(t, err)

	byTrip := map[string]transit.Arrival{}
	for _, arrival := range arrivals {
		byTrip[arrival.TripID] = arrival
	}
	assert.Equal(t, late, byTrip["t1"].Predicted)
	assert.Equal(t, 4*time.Minute, byTrip["t1"].Delay)

	// Even when it runs ahead of schedule.
	early := time.Date(2020, 1, 15, 9, 56, 0, 0, time.UTC)
	mergeEntities(t, store, arrivalUpdate("e1", "t1", 2, early))

	arrivals, err = engine.NextArrivals("s2", queryNow, time.Hour, -1)
	require.NoError(t, err)

	byTrip = map[string]transit.Arrival{}
	for _, arrival := range arrivals {
		byTrip[arrival.TripID] = arrival
	}
	assert.Equal(t, early, byTrip["t1"].Predicted)
	assert.Equal(t, -4*time.Minute, byTrip["t1"].Delay)
}

func TestNextArrivalsNoDataUnconfirmed(t *testing.T) {
	engine, store := newEngine(t)

	// t1 reports NO_DATA, t2 carries an update with no stop data at
	// all. Both fall back to the schedule, unconfirmed.
	mergeEntities(t, store,
		&model.Entity{
			ID: "e1",
			TripUpdate: &model.TripUpdate{
				Trip: model.TripRef{TripID: "t1"},
				Type: model.TripScheduled,
				StopTimeUpdates: []model.StopTimeUpdate{
					{StopSequence: 1, StopSequenceIsSet: true, Type: model.StopTimeUpdateNoData},
				},
			},
		},
		&model.Entity{
			ID: "e2",
			TripUpdate: &model.TripUpdate{
				Trip: model.TripRef{TripID: "t2"},
				Type: model.TripScheduled,
			},
		},
	)

	arrivals, err := engine.NextArrivals("s2", queryNow, time.Hour, -1)
	require.NoError(t, err)

	byTrip := map[string]transit.Arrival{}
	for _, arrival := range arrivals {
		byTrip[arrival.TripID] = arrival
	}

	for _, tripID := range []string{"t1", "t2"} {
		arrival := byTrip[tripID]
		assert.Equal(t, arrival.Scheduled, arrival.Predicted, tripID)
		assert.True(t, arrival.Unconfirmed, tripID)
		assert.Zero(t, arrival.Delay, tripID)
	}
}

func TestNextArrivalsStopIDOnlyUpdate(t *testing.T) {
	engine, store := newEngine(t)

	// Updates may reference stops by ID alone; the sequence comes
	// from the static schedule.
	mergeEntities(t, store, &model.Entity{
		ID: "e1",
		TripUpdate: &model.TripUpdate{
			Trip: model.TripRef{TripID: "t1"},
			Type: model.TripScheduled,
			StopTimeUpdates: []model.StopTimeUpdate{
				{
					StopID:         "s1",
					DepartureIsSet: true,
					DepartureDelay: 2 * time.Minute,
					Type:           model.StopTimeUpdateScheduled,
				},
			},
		},
	})

	arrivals, err := engine.NextArrivals("s2", queryNow, time.Hour, -1)
	require.NoError(t, err)

	byTrip := map[string]transit.Arrival{}
	for _, arrival := range arrivals {
		byTrip[arrival.TripID] = arrival
	}
	assert.Equal(t, 2*time.Minute, byTrip["t1"].Delay)
	assert.False(t, byTrip["t1"].Unconfirmed)
}

func TestNextArrivalsSkippedStop(t *testing.T) {
	engine, store := newEngine(t)

	mergeEntities(t, store, &model.Entity{
		ID: "e1",
		TripUpdate: &model.TripUpdate{
			Trip: model.TripRef{TripID: "t1"},
			Type: model.TripScheduled,
			StopTimeUpdates: []model.StopTimeUpdate{
				{StopSequence: 2, Type: model.StopTimeUpdateSkipped},
			},
		},
	})

	// t1 skips s2: no t1 arrival there.
	arrivals, err := engine.NextArrivals("s2", queryNow, time.Hour, -1)
	require.NoError(t, err)
	for _, arrival := range arrivals {
		assert.NotEqual(t, "t1", arrival.TripID)
	}

	// Downstream at s3 the trip still runs. The skipped stop
	// carries no delay data, so the schedule stands. s3 is t1's
	// terminal stop though, so look for trip back instead.
	arrivals, err = engine.NextArrivals("s3", queryNow, time.Hour, -1)
	require.NoError(t, err)
	require.Len(t, arrivals, 1)
	assert.Equal(t, "back", arrivals[0].TripID)
}

func TestNextArrivalsCanceledTrip(t *testing.T) {
	engine, store := newEngine(t)

	mergeEntities(t, store, &model.Entity{
		ID: "e1",
		TripUpdate: &model.TripUpdate{
			Trip: model.TripRef{TripID: "t1"},
			Type: model.TripCanceled,
		},
	})

	arrivals, err := engine.NextArrivals("s2", queryNow, time.Hour, -1)
	require.NoError(t, err)

	for _, arrival := range arrivals {
		assert.NotEqual(t, "t1", arrival.TripID)
	}
	// The others are unaffected.
	assert.Len(t, arrivals, 2)
}

func TestNextArrivalsOrderingAndLimit(t *testing.T) {
	engine, store := newEngine(t)

	// Push t2 earlier so both trips are predicted at 10:00: the tie
	// breaks on trip ID.
	mergeEntities(t, store, delayUpdate("e1", "t2", 1, -15*time.Minute))

	arrivals, err := engine.NextArrivals("s2", queryNow, time.Hour, -1)
	require.NoError(t, err)
	require.Len(t, arrivals, 3)
	assert.Equal(t, "t1", arrivals[0].TripID)
	assert.Equal(t, "t2", arrivals[1].TripID)
	assert.Equal(t, "back", arrivals[2].TripID)

	limited, err := engine.NextArrivals("s2", queryNow, time.Hour, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "t1", limited[0].TripID)
}

func TestNextArrivalsUnscheduledTrip(t *testing.T) {
	engine, store := newEngine(t)

	// A trip added via the feed, unknown to the schedule. Only its
	// realtime data can produce arrivals.
	predicted := time.Date(2020, 1, 15, 10, 2, 0, 0, time.UTC)
	mergeEntities(t, store, &model.Entity{
		ID: "e1",
		TripUpdate: &model.TripUpdate{
			Trip: model.TripRef{TripID: "extra", RouteID: "R1", StartDate: "20200115"},
			Type: model.TripAdded,
			StopTimeUpdates: []model.StopTimeUpdate{
				{
					StopID:         "s2",
					StopSequence:   1,
					DepartureIsSet: true,
					DepartureTime:  predicted,
					Type:           model.StopTimeUpdateScheduled,
				},
			},
		},
	})

	arrivals, err := engine.NextArrivals("s2", queryNow, time.Hour, -1)
	require.NoError(t, err)

	var extra *transit.Arrival
	for i := range arrivals {
		if arrivals[i].TripID == "extra" {
			extra = &arrivals[i]
		}
	}
	require.NotNil(t, extra)
	assert.True(t, extra.Unscheduled)
	assert.False(t, extra.Unconfirmed)
	assert.Equal(t, predicted, extra.Predicted)
	assert.True(t, extra.Scheduled.IsZero())
	assert.Equal(t, "R1", extra.RouteID)
}

func TestNextArrivalsDegradedStillAnswers(t *testing.T) {
	engine, store := newEngine(t)

	mergeEntities(t, store, delayUpdate("e1", "t1", 1, 300*time.Second))
	store.SetHealth(transit.HealthDegraded)

	// Queries still work, results carry the staleness flag.
	arrivals, err := engine.NextArrivals("s2", queryNow, time.Hour, -1)
	require.NoError(t, err)
	require.NotEmpty(t, arrivals)
	for _, arrival := range arrivals {
		assert.True(t, arrival.Stale)
	}
	assert.Equal(t,
		time.Date(2020, 1, 15, 10, 5, 0, 0, time.UTC),
		arrivals[0].Predicted)
}

func TestVehiclePosition(t *testing.T) {
	engine, store := newEngine(t)

	mergeEntities(t, store, &model.Entity{
		ID: "e1",
		Vehicle: &model.VehiclePosition{
			VehicleID: "bus1",
			Label:     "Bus 1",
			Trip:      model.TripRef{TripID: "t1"},
			Lat:       -27.47,
			Lon:       153.02,
		},
	})

	status, err := engine.VehiclePosition("bus1")
	require.NoError(t, err)
	assert.Equal(t, "Bus 1", status.Position.Label)
	assert.False(t, status.Stale)

	_, err = engine.VehiclePosition("ghost")
	assert.ErrorIs(t, err, transit.ErrNotFound)
}

func TestActiveAlerts(t *testing.T) {
	engine, store := newEngine(t)

	mergeEntities(t, store,
		&model.Entity{
			ID: "a1",
			Alert: &model.Alert{
				Header:   "Track closure",
				Severity: model.SeveritySevere,
				ActivePeriods: []model.ActivePeriod{
					{
						Start: queryNow.Add(-time.Hour),
						End:   queryNow.Add(time.Hour),
					},
				},
				Informed: []model.EntitySelector{{RouteID: "R1"}},
			},
		},
		&model.Entity{
			ID: "a2",
			Alert: &model.Alert{
				Header: "Elevator outage",
				ActivePeriods: []model.ActivePeriod{
					{Start: queryNow.Add(2 * time.Hour)},
				},
				Informed: []model.EntitySelector{{StopID: "s2"}},
			},
		},
		&model.Entity{
			ID: "a3",
			Alert: &model.Alert{
				// No active periods: always active.
				Header:   "Masks required",
				Informed: []model.EntitySelector{},
			},
		},
	)

	// Unfiltered: a1 (active) and a3 (no periods). a2 starts later.
	statuses := engine.ActiveAlerts(transit.AlertFilter{}, queryNow)
	require.Len(t, statuses, 2)
	assert.Equal(t, "Track closure", statuses[0].Alert.Header)
	assert.Equal(t, "Masks required", statuses[1].Alert.Header)

	// Route filter.
	statuses = engine.ActiveAlerts(transit.AlertFilter{RouteID: "R1"}, queryNow)
	require.Len(t, statuses, 1)
	assert.Equal(t, "Track closure", statuses[0].Alert.Header)

	// Stop filter: a2 informs s2 but isn't active yet, a1 and a3
	// don't inform stops.
	statuses = engine.ActiveAlerts(transit.AlertFilter{StopID: "s2"}, queryNow)
	assert.Empty(t, statuses)

	// Later, the elevator alert kicks in.
	statuses = engine.ActiveAlerts(transit.AlertFilter{StopID: "s2"}, queryNow.Add(3*time.Hour))
	require.Len(t, statuses, 1)
	assert.Equal(t, "Elevator outage", statuses[0].Alert.Header)
}
