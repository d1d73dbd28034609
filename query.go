package transit

import (
	"errors"
	"sort"
	"time"

	"seqlive.dev/transit/model"
)

// Engine answers queries by joining the current snapshot with the
// static schedule. It is read only: every query runs against one
// consistent snapshot, concurrent merges publish new ones.
type Engine struct {
	schedule *Schedule
	store    *Store
}

func NewEngine(schedule *Schedule, store *Store) *Engine {
	return &Engine{
		schedule: schedule,
		store:    store,
	}
}

// Arrival is a predicted departure of a trip from a stop.
type Arrival struct {
	StopID       string
	RouteID      string
	TripID       string
	ServiceDate  string
	StopSequence uint32
	DirectionID  int8
	Headsign     string

	Scheduled time.Time
	Predicted time.Time
	Delay     time.Duration

	// Unconfirmed marks scheduled trips with no realtime data:
	// the schedule says they run, the feed hasn't said anything.
	Unconfirmed bool

	// Unscheduled marks trips added via the feed with no static
	// schedule entry. Scheduled is zero for these.
	Unscheduled bool

	// Stale means the answer is built from data past its
	// freshness guarantee. See Engine.stale.
	Stale bool
}

type VehicleStatus struct {
	Position *model.VehiclePosition
	Stale    bool
}

type AlertStatus struct {
	Alert *model.Alert
	Stale bool
}

type AlertFilter struct {
	RouteID string
	StopID  string
	TripID  string
}

// stale reports whether answers from snap should be flagged: the
// store is DEGRADED, or no snapshot has been published within the
// staleness window.
func (e *Engine) stale(snap *Snapshot, now time.Time) bool {
	if snap.Health == HealthDegraded {
		return true
	}
	return !snap.TakenAt.IsZero() && now.Sub(snap.TakenAt) > e.store.StalenessWindow()
}

// Per-stop realtime state for one trip, delays resolved against the
// static schedule and ordered by stop_sequence.
type stopDelay struct {
	StopSequence   uint32
	Type           model.StopTimeUpdateScheduleRelationship
	ArrivalDelay   time.Duration
	DepartureDelay time.Duration

	// Absolute predicted times, when the feed gave them. They take
	// precedence over delay arithmetic at this exact stop.
	ArrivalTime   time.Time
	DepartureTime time.Time
}

// NextArrivals returns upcoming departures from a stop within a time
// window, ordered by predicted time with ties broken by trip ID. If
// limit is >= 0 at most limit results are returned.
//
// Scheduled departures are adjusted by realtime data where present:
// an absolute predicted time wins outright, otherwise the reported
// delay is added to the schedule, and delays propagate forward from
// earlier stops on the trip. Skipped stops and canceled trips are
// excluded. Trips added via the feed appear from realtime data alone.
func (e *Engine) NextArrivals(stopID string, now time.Time, window time.Duration, limit int) ([]Arrival, error) {
	snap := e.store.Current()
	stale := e.stale(snap, now)

	minDelay, maxDelay := snapshotDelayBounds(snap)

	// Extend the schedule lookup window so delayed (and early)
	// departures are found, then filter back down at the end.
	scheduled, err := e.schedule.Departures(
		stopID,
		now.Add(-maxDelay),
		window-minDelay+maxDelay,
		-1,
		"",
		-1,
	)
	if err != nil {
		return nil, err
	}

	delayCache := map[string][]stopDelay{}
	arrivals := []Arrival{}

	for _, dep := range scheduled {
		arrival := Arrival{
			StopID:       dep.StopID,
			RouteID:      dep.RouteID,
			TripID:       dep.TripID,
			ServiceDate:  dep.ServiceDate,
			StopSequence: dep.StopSequence,
			DirectionID:  dep.DirectionID,
			Headsign:     dep.Headsign,
			Scheduled:    dep.Time,
			Predicted:    dep.Time,
			Stale:        stale,
		}

		tu := snap.TripUpdate(dep.TripID, dep.ServiceDate)
		if tu == nil {
			arrival.Unconfirmed = true
			arrivals = append(arrivals, arrival)
			continue
		}

		if tu.Type == model.TripCanceled {
			continue
		}

		key := tu.Trip.Key()
		updates, found := delayCache[key]
		if !found {
			updates, err = e.resolveTripDelays(tu)
			if err != nil {
				return nil, err
			}
			delayCache[key] = updates
		}

		if len(updates) == 0 {
			arrival.Unconfirmed = true
			arrivals = append(arrivals, arrival)
			continue
		}

		// Delays propagate forward along the trip. Find the
		// latest update at or before this stop.
		idx := sort.Search(len(updates), func(i int) bool {
			return updates[i].StopSequence > dep.StopSequence
		})
		idx--

		if idx < 0 {
			// No update applies yet, the schedule stands.
			arrival.Unconfirmed = true
			arrivals = append(arrivals, arrival)
			continue
		}

		if updates[idx].Type == model.StopTimeUpdateSkipped {
			// The stop itself is skipped: no departure here.
			if updates[idx].StopSequence == dep.StopSequence {
				continue
			}

			// A skipped stop earlier on the trip carries no
			// delay data. Keep looking back for one that does.
			for idx >= 0 && updates[idx].Type == model.StopTimeUpdateSkipped {
				idx--
			}
			if idx < 0 {
				arrival.Unconfirmed = true
				arrivals = append(arrivals, arrival)
				continue
			}
		}

		switch updates[idx].Type {
		case model.StopTimeUpdateNoData:
			arrival.Unconfirmed = true
			arrivals = append(arrivals, arrival)
		case model.StopTimeUpdateScheduled:
			switch {
			case updates[idx].StopSequence == dep.StopSequence && !updates[idx].DepartureTime.IsZero():
				arrival.Predicted = updates[idx].DepartureTime
			case updates[idx].StopSequence == dep.StopSequence && !updates[idx].ArrivalTime.IsZero():
				arrival.Predicted = updates[idx].ArrivalTime
			default:
				arrival.Predicted = dep.Time.Add(updates[idx].DepartureDelay)
			}
			arrival.Delay = arrival.Predicted.Sub(arrival.Scheduled)
			arrivals = append(arrivals, arrival)
		}
	}

	unscheduled, err := e.unscheduledArrivals(snap, stopID, stale)
	if err != nil {
		return nil, err
	}
	arrivals = append(arrivals, unscheduled...)

	// Clamp to the requested window and order by prediction.
	end := now.Add(window)
	result := []Arrival{}
	for _, arrival := range arrivals {
		if arrival.Predicted.Before(now) || arrival.Predicted.After(end) {
			continue
		}
		result = append(result, arrival)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].Predicted.Equal(result[j].Predicted) {
			return result[i].Predicted.Before(result[j].Predicted)
		}
		return result[i].TripID < result[j].TripID
	})

	if limit >= 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// resolveTripDelays turns a trip update's stop time updates into
// schedule-relative delays, ordered by stop_sequence. Updates may
// reference stops by ID, sequence, or both; missing halves are
// resolved from the static schedule.
func (e *Engine) resolveTripDelays(tu *model.TripUpdate) ([]stopDelay, error) {
	stopTimes, err := e.schedule.reader.StopTimes(tu.Trip.TripID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	seqByStopID := map[string]uint32{}
	bySeq := map[uint32]*model.StopTime{}
	for _, st := range stopTimes {
		seqByStopID[st.StopID] = st.StopSequence
		bySeq[st.StopSequence] = st
	}

	updates := make([]model.StopTimeUpdate, len(tu.StopTimeUpdates))
	copy(updates, tu.StopTimeUpdates)
	for i := range updates {
		if updates[i].StopID != "" && !updates[i].StopSequenceIsSet {
			if seq, ok := seqByStopID[updates[i].StopID]; ok {
				updates[i].StopSequence = seq
			}
		}
	}

	sort.Slice(updates, func(i, j int) bool {
		return updates[i].StopSequence < updates[j].StopSequence
	})

	resolved := []stopDelay{}
	for _, u := range updates {
		sd := stopDelay{
			StopSequence: u.StopSequence,
			Type:         u.Type,
		}

		if u.Type == model.StopTimeUpdateSkipped || u.Type == model.StopTimeUpdateNoData {
			resolved = append(resolved, sd)
			continue
		}

		st := bySeq[u.StopSequence]

		if u.ArrivalIsSet {
			// Feeds can use an absolute time instead of a
			// delay.
			sd.ArrivalDelay = u.ArrivalDelay
			if !u.ArrivalTime.IsZero() {
				sd.ArrivalTime = u.ArrivalTime
				if u.ArrivalDelay == 0 && st != nil {
					sd.ArrivalDelay = e.updateDelay(st.ArrivalTime(), u.ArrivalTime)
				}
			}
		}
		if u.DepartureIsSet {
			sd.DepartureDelay = u.DepartureDelay
			if !u.DepartureTime.IsZero() {
				sd.DepartureTime = u.DepartureTime
				if st != nil {
					sd.DepartureDelay = e.updateDelay(st.DepartureTime(), u.DepartureTime)
				}
			}
		} else {
			// Lacking departure data, assume the arrival
			// delay carries over. An early arrival is read
			// as a return to schedule.
			sd.DepartureDelay = sd.ArrivalDelay
			if sd.DepartureDelay < 0 {
				sd.DepartureDelay = 0
			}
		}
		if !u.ArrivalIsSet {
			sd.ArrivalDelay = sd.DepartureDelay
		}

		resolved = append(resolved, sd)
	}

	return resolved, nil
}

// updateDelay computes the delay implied by an absolute update time
// against a schedule offset. Anchored on noon of the update's own
// day; offsets past 24h belong to the previous service date, which
// matters across DST switches.
func (e *Engine) updateDelay(eventOffset time.Duration, updateTime time.Time) time.Duration {
	upTime := updateTime.In(e.schedule.location)
	upNoon := time.Date(upTime.Year(), upTime.Month(), upTime.Day(), 12, 0, 0, 0, e.schedule.location)

	if eventOffset >= 24*time.Hour {
		upNoon = upNoon.AddDate(0, 0, -1)
	}
	eventTime := upNoon.Add(-12 * time.Hour).Add(eventOffset)

	return upTime.Sub(eventTime)
}

// unscheduledArrivals builds arrivals for trips that exist only in
// the feed. With no schedule to lean on, only stop time updates with
// absolute times and a matching stop can produce an arrival.
func (e *Engine) unscheduledArrivals(snap *Snapshot, stopID string, stale bool) ([]Arrival, error) {
	arrivals := []Arrival{}

	for _, tu := range snap.TripUpdates {
		if tu.Type == model.TripCanceled {
			continue
		}

		_, err := e.schedule.reader.Trip(tu.Trip.TripID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		for _, stu := range tu.StopTimeUpdates {
			if stu.Type != model.StopTimeUpdateScheduled {
				continue
			}
			if !e.stopMatches(stu.StopID, stopID) {
				continue
			}

			predicted := stu.DepartureTime
			if predicted.IsZero() {
				predicted = stu.ArrivalTime
			}
			if predicted.IsZero() {
				continue
			}

			arrivals = append(arrivals, Arrival{
				StopID:       stu.StopID,
				RouteID:      tu.Trip.RouteID,
				TripID:       tu.Trip.TripID,
				ServiceDate:  tu.Trip.StartDate,
				StopSequence: stu.StopSequence,
				DirectionID:  tu.Trip.DirectionID,
				Predicted:    predicted,
				Unscheduled:  true,
				Stale:        stale,
			})
		}
	}

	return arrivals, nil
}

// stopMatches reports whether an update's stop is the queried stop,
// directly or as a child of a queried parent station.
func (e *Engine) stopMatches(updateStopID, queriedStopID string) bool {
	if updateStopID == queriedStopID {
		return true
	}
	stop, err := e.schedule.reader.Stop(updateStopID)
	if err != nil {
		return false
	}
	return stop.ParentStation == queriedStopID
}

// VehiclePosition returns the last known position of a vehicle, or
// ErrNotFound.
func (e *Engine) VehiclePosition(vehicleID string) (VehicleStatus, error) {
	snap := e.store.Current()

	pos, ok := snap.Vehicles[vehicleID]
	if !ok {
		return VehicleStatus{}, ErrNotFound
	}

	return VehicleStatus{
		Position: pos,
		Stale:    e.stale(snap, time.Now().UTC()),
	}, nil
}

// ActiveAlerts returns alerts whose active period contains now,
// filtered by route, stop and/or trip. A zero filter matches all
// alerts.
func (e *Engine) ActiveAlerts(filter AlertFilter, now time.Time) []AlertStatus {
	snap := e.store.Current()
	stale := e.stale(snap, now)

	ids := make([]string, 0, len(snap.Alerts))
	for id := range snap.Alerts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	statuses := []AlertStatus{}
	for _, id := range ids {
		alert := snap.Alerts[id]
		if !alert.ActiveAt(now) {
			continue
		}
		if !alertMatches(alert, filter) {
			continue
		}
		statuses = append(statuses, AlertStatus{Alert: alert, Stale: stale})
	}

	return statuses
}

func alertMatches(alert *model.Alert, filter AlertFilter) bool {
	if filter.RouteID == "" && filter.StopID == "" && filter.TripID == "" {
		return true
	}

	for _, informed := range alert.Informed {
		if filter.RouteID != "" && informed.RouteID == filter.RouteID {
			return true
		}
		if filter.StopID != "" && informed.StopID == filter.StopID {
			return true
		}
		if filter.TripID != "" && informed.TripID == filter.TripID {
			return true
		}
	}

	return false
}

// snapshotDelayBounds scans the snapshot for the smallest and largest
// known delays, used to widen schedule lookups so shifted departures
// are not missed.
func snapshotDelayBounds(snap *Snapshot) (time.Duration, time.Duration) {
	var minDelay, maxDelay time.Duration
	for _, tu := range snap.TripUpdates {
		for _, stu := range tu.StopTimeUpdates {
			for _, d := range []time.Duration{stu.ArrivalDelay, stu.DepartureDelay} {
				if d < minDelay {
					minDelay = d
				}
				if d > maxDelay {
					maxDelay = d
				}
			}
		}
	}
	return minDelay, maxDelay
}
