package storage_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seqlive.dev/transit/model"
	"seqlive.dev/transit/storage"
)

func backends(t *testing.T) map[string]storage.Storage {
	sqlite, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "schedule.db"))
	require.NoError(t, err)

	return map[string]storage.Storage{
		"memory": storage.NewMemoryStorage(),
		"sqlite": sqlite,
	}
}

func writeFixture(t *testing.T, s storage.Storage) {
	w, err := s.Writer()
	require.NoError(t, err)

	require.NoError(t, w.WriteAgency(&model.Agency{
		Name: "SEQ Transit", Timezone: "Australia/Brisbane",
	}))

	require.NoError(t, w.WriteRoute(&model.Route{ID: "R1", ShortName: "FG", Type: model.RouteTypeRail}))
	require.NoError(t, w.WriteRoute(&model.Route{ID: "R2", ShortName: "66", Type: model.RouteTypeBus}))

	require.NoError(t, w.WriteStop(&model.Stop{ID: "st", Name: "Station", LocationType: model.LocationTypeStation}))
	require.NoError(t, w.WriteStop(&model.Stop{ID: "p1", Name: "Platform 1", ParentStation: "st"}))
	require.NoError(t, w.WriteStop(&model.Stop{ID: "p2", Name: "Platform 2", ParentStation: "st"}))
	require.NoError(t, w.WriteStop(&model.Stop{ID: "bs", Name: "Bus stop"}))

	require.NoError(t, w.WriteTrip(&model.Trip{ID: "t1", RouteID: "R1", ServiceID: "weekday", DirectionID: 0}))
	require.NoError(t, w.WriteTrip(&model.Trip{ID: "t2", RouteID: "R1", ServiceID: "weekday", DirectionID: 1}))
	require.NoError(t, w.WriteTrip(&model.Trip{ID: "t3", RouteID: "R2", ServiceID: "weekend"}))

	// mon-fri
	require.NoError(t, w.WriteCalendar(&model.Calendar{
		ServiceID: "weekday",
		StartDate: "20200101",
		EndDate:   "20201231",
		Weekday:   0b0111110,
	}))
	// sat-sun
	require.NoError(t, w.WriteCalendar(&model.Calendar{
		ServiceID: "weekend",
		StartDate: "20200101",
		EndDate:   "20201231",
		Weekday:   0b1000001,
	}))
	require.NoError(t, w.WriteCalendarDate(&model.CalendarDate{
		ServiceID: "weekday", Date: "20200127", ExceptionType: 2,
	}))
	require.NoError(t, w.WriteCalendarDate(&model.CalendarDate{
		ServiceID: "special", Date: "20200127", ExceptionType: 1,
	}))

	require.NoError(t, w.BeginStopTimes())
	// Written out of order on purpose.
	require.NoError(t, w.WriteStopTime(&model.StopTime{
		TripID: "t1", StopID: "bs", StopSequence: 3, Arrival: "081000", Departure: "081000",
	}))
	require.NoError(t, w.WriteStopTime(&model.StopTime{
		TripID: "t1", StopID: "p1", StopSequence: 1, Arrival: "080000", Departure: "080000",
	}))
	require.NoError(t, w.WriteStopTime(&model.StopTime{
		TripID: "t1", StopID: "p2", StopSequence: 2, Arrival: "080500", Departure: "080530",
	}))
	require.NoError(t, w.WriteStopTime(&model.StopTime{
		TripID: "t2", StopID: "p2", StopSequence: 1, Arrival: "090000", Departure: "090000",
	}))
	require.NoError(t, w.WriteStopTime(&model.StopTime{
		TripID: "t2", StopID: "p1", StopSequence: 2, Arrival: "090500", Departure: "090500",
	}))
	require.NoError(t, w.EndStopTimes())

	require.NoError(t, w.Close())
}

func TestStorageLookups(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			writeFixture(t, s)

			r, err := s.Reader()
			require.NoError(t, err)

			trip, err := r.Trip("t1")
			require.NoError(t, err)
			assert.Equal(t, "R1", trip.RouteID)
			assert.Equal(t, "weekday", trip.ServiceID)

			_, err = r.Trip("added-by-feed")
			assert.ErrorIs(t, err, storage.ErrNotFound)

			route, err := r.Route("R2")
			require.NoError(t, err)
			assert.Equal(t, model.RouteType(model.RouteTypeBus), route.Type)

			_, err = r.Route("nope")
			assert.ErrorIs(t, err, storage.ErrNotFound)

			stop, err := r.Stop("p1")
			require.NoError(t, err)
			assert.Equal(t, "st", stop.ParentStation)

			_, err = r.Stop("nope")
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestStorageStopTimes(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			writeFixture(t, s)

			r, err := s.Reader()
			require.NoError(t, err)

			stopTimes, err := r.StopTimes("t1")
			require.NoError(t, err)
			require.Len(t, stopTimes, 3)

			// Ordered by stop_sequence regardless of write order.
			assert.Equal(t, uint32(1), stopTimes[0].StopSequence)
			assert.Equal(t, uint32(2), stopTimes[1].StopSequence)
			assert.Equal(t, uint32(3), stopTimes[2].StopSequence)

			// Only the final stop terminates.
			assert.False(t, stopTimes[0].Terminates)
			assert.False(t, stopTimes[1].Terminates)
			assert.True(t, stopTimes[2].Terminates)
		})
	}
}

func TestStorageActiveServices(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			writeFixture(t, s)

			r, err := s.Reader()
			require.NoError(t, err)

			// Wednesday
			services, err := r.ActiveServices("20200115")
			require.NoError(t, err)
			assert.Equal(t, []string{"weekday"}, services)

			// Saturday
			services, err = r.ActiveServices("20200118")
			require.NoError(t, err)
			assert.Equal(t, []string{"weekend"}, services)

			// Monday holiday: weekday removed, special added.
			services, err = r.ActiveServices("20200127")
			require.NoError(t, err)
			assert.Equal(t, []string{"special"}, services)

			// Outside the calendar range.
			services, err = r.ActiveServices("20210601")
			require.NoError(t, err)
			assert.Empty(t, services)

			runs, err := r.ServiceRunsOn("weekday", "20200115")
			require.NoError(t, err)
			assert.True(t, runs)

			runs, err = r.ServiceRunsOn("weekday", "20200127")
			require.NoError(t, err)
			assert.False(t, runs)
		})
	}
}

func TestStorageStopTimeEvents(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			writeFixture(t, s)

			r, err := s.Reader()
			require.NoError(t, err)

			// A parent station matches all of its platforms.
			events, err := r.StopTimeEvents(storage.StopTimeEventFilter{
				StopID:      "st",
				DirectionID: -1,
			})
			require.NoError(t, err)
			assert.Len(t, events, 4)

			// Single platform.
			events, err = r.StopTimeEvents(storage.StopTimeEventFilter{
				StopID:      "p1",
				DirectionID: -1,
			})
			require.NoError(t, err)
			require.Len(t, events, 2)
			for _, event := range events {
				assert.Equal(t, "p1", event.Stop.ID)
				assert.NotNil(t, event.Trip)
				assert.NotNil(t, event.Route)
			}

			// Direction filter.
			events, err = r.StopTimeEvents(storage.StopTimeEventFilter{
				StopID:      "st",
				DirectionID: 1,
			})
			require.NoError(t, err)
			require.Len(t, events, 2)
			for _, event := range events {
				assert.Equal(t, "t2", event.Trip.ID)
			}

			// Departure range.
			events, err = r.StopTimeEvents(storage.StopTimeEventFilter{
				StopID:         "st",
				DirectionID:    -1,
				DepartureStart: "080100",
				DepartureEnd:   "090000",
			})
			require.NoError(t, err)
			assert.Len(t, events, 2)

			// Service filter.
			events, err = r.StopTimeEvents(storage.StopTimeEventFilter{
				StopID:      "st",
				DirectionID: -1,
				ServiceIDs:  []string{"weekend"},
			})
			require.NoError(t, err)
			assert.Empty(t, events)

			// Trip filter without stop.
			events, err = r.StopTimeEvents(storage.StopTimeEventFilter{
				TripIDs:     []string{"t1"},
				DirectionID: -1,
			})
			require.NoError(t, err)
			assert.Len(t, events, 3)
		})
	}
}
