package transit

import (
	"fmt"
	"sort"
	"time"

	"seqlive.dev/transit/model"
	"seqlive.dev/transit/storage"
)

// Schedule is the static side of the engine. It wraps a dataset
// reader with the timezone and service day arithmetic needed to turn
// GTFS stop times into wall clock departures.
//
// GTFS times are offsets from noon minus 12h on the service date, and
// can exceed 24h for trips that run past midnight. All computations
// here anchor on noon to stay correct across DST transitions.
type Schedule struct {
	reader storage.ScheduleReader
	info   *storage.DatasetInfo

	location     *time.Location
	maxDeparture time.Duration
}

func NewSchedule(reader storage.ScheduleReader, info *storage.DatasetInfo) (*Schedule, error) {
	location, err := time.LoadLocation(info.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}

	s := &Schedule{
		reader:   reader,
		info:     info,
		location: location,
	}

	if len(info.MaxDeparture) == 6 {
		st := model.StopTime{Departure: info.MaxDeparture}
		s.maxDeparture = st.DepartureTime()
	}

	return s, nil
}

func (s *Schedule) Location() *time.Location {
	return s.location
}

func (s *Schedule) Reader() storage.ScheduleReader {
	return s.reader
}

// A scheduled departure from a stop, pinned to a service date.
type Departure struct {
	StopID       string
	RouteID      string
	TripID       string
	ServiceDate  string
	StopSequence uint32
	DirectionID  int8
	Time         time.Time
	Headsign     string
}

// Translates a time offset into a GTFS style HHMMSS string.
func gtfsTime(offset time.Duration) string {
	h := int(offset.Hours())
	m := int(offset.Minutes()) - h*60
	sec := int(offset.Seconds()) - h*3600 - m*60
	return fmt.Sprintf("%02d%02d%02d", h, m, sec)
}

// Noon on a date, in the schedule's timezone. The GTFS reference
// point for stop times on that service date is noon minus 12h.
func (s *Schedule) noonOn(date string) (time.Time, error) {
	day, err := time.ParseInLocation("20060102", date, s.location)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", date, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), 12, 0, 0, 0, s.location), nil
}

// StopTimeOnDate translates a stop time offset to wall clock time on
// a service date.
func (s *Schedule) StopTimeOnDate(date string, offset time.Duration) (time.Time, error) {
	noon, err := s.noonOn(date)
	if err != nil {
		return time.Time{}, err
	}
	return noon.Add(-12 * time.Hour).Add(offset), nil
}

// A time range on a single service date, with HHMMSS bounds. Blank
// bounds are open.
type span struct {
	Date  string
	Start string
	End   string
}

// Computes the list of per-date time ranges that must be inspected
// for a stop time lookup over a wall clock window. The previous
// service date is included while its overflow (>24h) trips can still
// be running.
func rangePerDate(start time.Time, window time.Duration, maxTrip time.Duration) []span {
	end := start.Add(window)

	spans := []span{}

	date := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())

	for today := date.AddDate(0, 0, -1); today.Before(end); today = today.AddDate(0, 0, 1) {
		noon := time.Date(today.Year(), today.Month(), today.Day(), 12, 0, 0, 0, today.Location())
		tomorrow := today.AddDate(0, 0, 1)

		sp := span{Date: today.Format("20060102")}

		if start.Before(today) {
			// window starts before this day
		} else if start.Before(tomorrow) {
			// window starts on this day
			sp.Start = gtfsTime(start.Sub(noon) + 12*time.Hour)
		} else {
			// window starts after this day
			x := start.Sub(noon) + 12*time.Hour
			if x <= maxTrip {
				// potentially during today's overflow trips
				sp.Start = gtfsTime(x)
			} else {
				// definitely not during today's overflow trips
				continue
			}
		}

		if end.Before(tomorrow) {
			// window ends on this day
			sp.End = gtfsTime(end.Sub(noon) + 12*time.Hour)
		} else {
			// window ends in the future, possibly during
			// today's overflow trips
			x := end.Sub(noon) + 12*time.Hour
			if x <= maxTrip {
				sp.End = gtfsTime(x)
			}
		}

		spans = append(spans, sp)
	}

	return spans
}

// Departures returns scheduled departures from a stop in a time
// window, ordered by departure time.
//
// - limit (if >= 0) caps the number of results
// - routeID (if != "") limits results to a route
// - directionID (if >= 0) limits results to a direction
//
// Terminating stop times are excluded; a vehicle at its final stop
// takes no boardings.
func (s *Schedule) Departures(
	stopID string,
	windowStart time.Time,
	windowLength time.Duration,
	limit int,
	routeID string,
	directionID int8,
) ([]Departure, error) {

	departures := []Departure{}

	if limit == 0 {
		return departures, nil
	}

	// All computations are done in the schedule timezone, but
	// Departure.Time is returned in the caller's timezone.
	origTz := windowStart.Location()
	startTime := windowStart.In(s.location)
	endTime := startTime.Add(windowLength)

	for _, sp := range rangePerDate(startTime, windowLength, s.maxDeparture) {
		serviceIDs, err := s.reader.ActiveServices(sp.Date)
		if err != nil {
			return nil, err
		}
		if len(serviceIDs) == 0 {
			continue
		}

		events, err := s.reader.StopTimeEvents(storage.StopTimeEventFilter{
			StopID:         stopID,
			DirectionID:    int(directionID),
			ServiceIDs:     serviceIDs,
			RouteID:        routeID,
			DepartureStart: sp.Start,
			DepartureEnd:   sp.End,
		})
		if err != nil {
			return nil, err
		}

		sort.SliceStable(events, func(i, j int) bool {
			return events[i].StopTime.DepartureTime() < events[j].StopTime.DepartureTime()
		})

		for _, event := range events {
			if event.StopTime.Terminates {
				continue
			}

			departureTime, err := s.StopTimeOnDate(sp.Date, event.StopTime.DepartureTime())
			if err != nil {
				return nil, err
			}
			departureTime = departureTime.In(origTz)
			if departureTime.After(endTime) {
				break
			}
			if startTime.After(departureTime) {
				continue
			}

			headsign := event.StopTime.Headsign
			if headsign == "" {
				headsign = event.Trip.Headsign
			}

			departures = append(departures, Departure{
				StopID:       event.Stop.ID,
				RouteID:      event.Trip.RouteID,
				TripID:       event.Trip.ID,
				ServiceDate:  sp.Date,
				StopSequence: event.StopTime.StopSequence,
				DirectionID:  event.Trip.DirectionID,
				Time:         departureTime,
				Headsign:     headsign,
			})
		}
	}

	sort.SliceStable(departures, func(i, j int) bool {
		return departures[i].Time.Before(departures[j].Time)
	})

	if limit >= 0 && len(departures) > limit {
		departures = departures[:limit]
	}

	return departures, nil
}

// TripWindow returns the wall clock range a trip covers on a service
// date, from first arrival to last departure.
func (s *Schedule) TripWindow(tripID string, date string) (time.Time, time.Time, error) {
	stopTimes, err := s.reader.StopTimes(tripID)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if len(stopTimes) == 0 {
		return time.Time{}, time.Time{}, ErrNotFound
	}

	first, err := s.StopTimeOnDate(date, stopTimes[0].ArrivalTime())
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	last, err := s.StopTimeOnDate(date, stopTimes[len(stopTimes)-1].DepartureTime())
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	return first, last, nil
}

// TripRunsOn reports whether a trip's service is active on a date.
func (s *Schedule) TripRunsOn(tripID string, date string) (bool, error) {
	trip, err := s.reader.Trip(tripID)
	if err != nil {
		return false, err
	}
	return s.reader.ServiceRunsOn(trip.ServiceID, date)
}
