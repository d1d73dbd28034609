package storage

import (
	"errors"
	"time"

	"seqlive.dev/transit/model"
)

// Storage holds a parsed static schedule dataset and serves the
// lookups the realtime engine needs: trips by ID, stop time events at
// a stop, and service calendars. One Storage holds one dataset; a
// dataset refresh writes into a fresh Storage.

var ErrNotFound = errors.New("not found")

type Storage interface {
	// Writer replaces the stored dataset. Closing the writer makes
	// the new data visible to readers.
	Writer() (ScheduleWriter, error)

	Reader() (ScheduleReader, error)
}

// Key facts about a loaded dataset, produced by the static parser.
type DatasetInfo struct {
	RetrievedAt       time.Time
	Timezone          string
	CalendarStartDate string
	CalendarEndDate   string

	// Latest departure HHMMSS seen in stop_times. Departures past
	// 240000 belong to the previous service date, and this bounds
	// how far back a lookup has to reach.
	MaxDeparture string
}

// Writes schedule records for a dataset. BeginStopTimes/EndStopTimes
// bracket all WriteStopTime calls, allowing batching; EndStopTimes
// also marks each trip's final stop time as terminating, since a
// vehicle at its last stop takes no boardings.
type ScheduleWriter interface {
	WriteAgency(agency *model.Agency) error
	WriteRoute(route *model.Route) error
	WriteStop(stop *model.Stop) error
	WriteTrip(trip *model.Trip) error
	WriteCalendar(cal *model.Calendar) error
	WriteCalendarDate(caldate *model.CalendarDate) error
	BeginStopTimes() error
	WriteStopTime(stopTime *model.StopTime) error
	EndStopTimes() error
	Close() error
}

type ScheduleReader interface {
	// Trip returns ErrNotFound for trip IDs absent from the
	// dataset, e.g. trips ADDED via the realtime feed.
	Trip(tripID string) (*model.Trip, error)

	Route(routeID string) (*model.Route, error)
	Stop(stopID string) (*model.Stop, error)

	// Stop times for a trip, ordered by stop_sequence.
	StopTimes(tripID string) ([]*model.StopTime, error)

	// Service IDs active on the given date (YYYYMMDD), per
	// calendar and calendar_dates.
	ActiveServices(date string) ([]string, error)

	// Whether a single service runs on the given date.
	ServiceRunsOn(serviceID string, date string) (bool, error)

	// Stop time events matching the filter, joined with trip,
	// route and stop records.
	StopTimeEvents(filter StopTimeEventFilter) ([]*StopTimeEvent, error)
}

type StopTimeEventFilter struct {
	// Limit results to events at the given stop. A parent station
	// matches all of its child stops.
	StopID string

	// Limit results to a set of services, a route and/or a set of
	// trips.
	ServiceIDs []string
	RouteID    string
	TripIDs    []string

	// Limit results to a direction. Pass -1 to include all
	// directions.
	DirectionID int

	// Limit results to stop_times with departure within a range
	// (inclusive.) Times given as HHMMSS.
	DepartureStart string
	DepartureEnd   string
}

// A stop_time record joined with its trip, route and stop.
type StopTimeEvent struct {
	StopTime *model.StopTime
	Trip     *model.Trip
	Route    *model.Route
	Stop     *model.Stop
}
