package storage

import (
	"sort"
	"sync"
	"time"

	"seqlive.dev/transit/model"
)

// In memory implementation of Storage. Suitable for tests and for
// deployments where the schedule dataset fits comfortably in RAM.

type MemoryStorage struct {
	mu      sync.RWMutex
	dataset *memoryDataset
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{dataset: newMemoryDataset()}
}

func (s *MemoryStorage) Writer() (ScheduleWriter, error) {
	return &memoryWriter{storage: s, dataset: newMemoryDataset()}, nil
}

func (s *MemoryStorage) Reader() (ScheduleReader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dataset, nil
}

type memoryDataset struct {
	routes          map[string]*model.Route
	stops           map[string]*model.Stop
	stopsByParent   map[string][]string
	trips           map[string]*model.Trip
	calendar        map[string]*model.Calendar
	calendarDates   map[string][]*model.CalendarDate
	stopTimesByTrip map[string][]*model.StopTime
	stopTimesByStop map[string][]*model.StopTime
}

func newMemoryDataset() *memoryDataset {
	return &memoryDataset{
		routes:          map[string]*model.Route{},
		stops:           map[string]*model.Stop{},
		stopsByParent:   map[string][]string{},
		trips:           map[string]*model.Trip{},
		calendar:        map[string]*model.Calendar{},
		calendarDates:   map[string][]*model.CalendarDate{},
		stopTimesByTrip: map[string][]*model.StopTime{},
		stopTimesByStop: map[string][]*model.StopTime{},
	}
}

type memoryWriter struct {
	storage *MemoryStorage
	dataset *memoryDataset
}

func (w *memoryWriter) WriteAgency(agency *model.Agency) error { return nil }

func (w *memoryWriter) WriteRoute(route *model.Route) error {
	w.dataset.routes[route.ID] = route
	return nil
}

func (w *memoryWriter) WriteStop(stop *model.Stop) error {
	w.dataset.stops[stop.ID] = stop
	if stop.ParentStation != "" {
		w.dataset.stopsByParent[stop.ParentStation] = append(
			w.dataset.stopsByParent[stop.ParentStation], stop.ID)
	}
	return nil
}

func (w *memoryWriter) WriteTrip(trip *model.Trip) error {
	w.dataset.trips[trip.ID] = trip
	return nil
}

func (w *memoryWriter) WriteCalendar(cal *model.Calendar) error {
	w.dataset.calendar[cal.ServiceID] = cal
	return nil
}

func (w *memoryWriter) WriteCalendarDate(cd *model.CalendarDate) error {
	w.dataset.calendarDates[cd.ServiceID] = append(w.dataset.calendarDates[cd.ServiceID], cd)
	return nil
}

func (w *memoryWriter) BeginStopTimes() error { return nil }

func (w *memoryWriter) WriteStopTime(st *model.StopTime) error {
	w.dataset.stopTimesByTrip[st.TripID] = append(w.dataset.stopTimesByTrip[st.TripID], st)
	return nil
}

func (w *memoryWriter) EndStopTimes() error {
	for _, sts := range w.dataset.stopTimesByTrip {
		sort.Slice(sts, func(i, j int) bool {
			return sts[i].StopSequence < sts[j].StopSequence
		})
		if len(sts) > 0 {
			sts[len(sts)-1].Terminates = true
		}
	}

	// Index by stop, including the parent station chain, so that
	// station-level lookups see all platforms.
	for _, sts := range w.dataset.stopTimesByTrip {
		for _, st := range sts {
			stopID := st.StopID
			for stopID != "" {
				w.dataset.stopTimesByStop[stopID] = append(w.dataset.stopTimesByStop[stopID], st)
				stop := w.dataset.stops[stopID]
				if stop == nil {
					break
				}
				stopID = stop.ParentStation
			}
		}
	}
	return nil
}

func (w *memoryWriter) Close() error {
	w.storage.mu.Lock()
	w.storage.dataset = w.dataset
	w.storage.mu.Unlock()
	return nil
}

func (d *memoryDataset) Trip(tripID string) (*model.Trip, error) {
	trip, ok := d.trips[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	return trip, nil
}

func (d *memoryDataset) Route(routeID string) (*model.Route, error) {
	route, ok := d.routes[routeID]
	if !ok {
		return nil, ErrNotFound
	}
	return route, nil
}

func (d *memoryDataset) Stop(stopID string) (*model.Stop, error) {
	stop, ok := d.stops[stopID]
	if !ok {
		return nil, ErrNotFound
	}
	return stop, nil
}

func (d *memoryDataset) StopTimes(tripID string) ([]*model.StopTime, error) {
	return d.stopTimesByTrip[tripID], nil
}

func (d *memoryDataset) ServiceRunsOn(serviceID string, date string) (bool, error) {
	for _, cd := range d.calendarDates[serviceID] {
		if cd.Date == date {
			return cd.ExceptionType == 1, nil
		}
	}

	cal, ok := d.calendar[serviceID]
	if !ok {
		return false, nil
	}
	return calendarCovers(cal, date), nil
}

func (d *memoryDataset) ActiveServices(date string) ([]string, error) {
	active := map[string]bool{}
	for serviceID, cal := range d.calendar {
		if calendarCovers(cal, date) {
			active[serviceID] = true
		}
	}
	for serviceID, cds := range d.calendarDates {
		for _, cd := range cds {
			if cd.Date != date {
				continue
			}
			if cd.ExceptionType == 1 {
				active[serviceID] = true
			} else {
				delete(active, serviceID)
			}
		}
	}

	serviceIDs := make([]string, 0, len(active))
	for serviceID := range active {
		serviceIDs = append(serviceIDs, serviceID)
	}
	sort.Strings(serviceIDs)
	return serviceIDs, nil
}

func calendarCovers(cal *model.Calendar, date string) bool {
	if date < cal.StartDate || date > cal.EndDate {
		return false
	}
	day, err := time.ParseInLocation("20060102", date, time.UTC)
	if err != nil {
		return false
	}
	return cal.Weekday&(1<<day.Weekday()) != 0
}

func (d *memoryDataset) StopTimeEvents(filter StopTimeEventFilter) ([]*StopTimeEvent, error) {
	var candidates []*model.StopTime
	if filter.StopID != "" {
		candidates = d.stopTimesByStop[filter.StopID]
	} else if len(filter.TripIDs) > 0 {
		for _, tripID := range filter.TripIDs {
			candidates = append(candidates, d.stopTimesByTrip[tripID]...)
		}
	} else {
		for _, sts := range d.stopTimesByTrip {
			candidates = append(candidates, sts...)
		}
	}

	services := map[string]bool{}
	for _, serviceID := range filter.ServiceIDs {
		services[serviceID] = true
	}
	trips := map[string]bool{}
	for _, tripID := range filter.TripIDs {
		trips[tripID] = true
	}

	events := []*StopTimeEvent{}
	for _, st := range candidates {
		trip := d.trips[st.TripID]
		if trip == nil {
			continue
		}
		if len(services) > 0 && !services[trip.ServiceID] {
			continue
		}
		if len(trips) > 0 && !trips[trip.ID] {
			continue
		}
		if filter.RouteID != "" && trip.RouteID != filter.RouteID {
			continue
		}
		if filter.DirectionID >= 0 && int(trip.DirectionID) != filter.DirectionID {
			continue
		}
		if filter.DepartureStart != "" && st.Departure < filter.DepartureStart {
			continue
		}
		if filter.DepartureEnd != "" && st.Departure > filter.DepartureEnd {
			continue
		}

		events = append(events, &StopTimeEvent{
			StopTime: st,
			Trip:     trip,
			Route:    d.routes[trip.RouteID],
			Stop:     d.stops[st.StopID],
		})
	}

	return events, nil
}
