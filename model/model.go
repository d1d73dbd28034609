package model

import (
	"strconv"
	"time"
)

// Holds all external facing types and constants, both for the static
// schedule and for decoded realtime entities.

type LocationType int

const (
	LocationTypeStop LocationType = iota
	LocationTypeStation
	LocationTypeEntranceExit
	LocationTypeGenericNode
	LocationTypeBoardingArea
)

type RouteType int

const (
	RouteTypeTram       RouteType = 0
	RouteTypeSubway               = 1
	RouteTypeRail                 = 2
	RouteTypeBus                  = 3
	RouteTypeFerry                = 4
	RouteTypeCable                = 5
	RouteTypeAerial               = 6
	RouteTypeFunicular            = 7
	RouteTypeTrolleybus           = 11
	RouteTypeMonorail             = 12
)

type Agency struct {
	ID       string
	Name     string
	URL      string
	Timezone string
}

type Calendar struct {
	ServiceID string
	StartDate string
	EndDate   string
	Weekday   int8
}

type CalendarDate struct {
	ServiceID     string
	Date          string
	ExceptionType int8
}

type Stop struct {
	ID            string
	Code          string
	Name          string
	Lat           float64
	Lon           float64
	LocationType  LocationType
	ParentStation string
	PlatformCode  string
}

type Trip struct {
	ID          string
	RouteID     string
	ServiceID   string
	Headsign    string
	ShortName   string
	DirectionID int8
}

type Route struct {
	ID        string
	AgencyID  string
	ShortName string
	LongName  string
	Type      RouteType
	Color     string
}

type StopTime struct {
	TripID       string
	StopID       string
	Headsign     string
	StopSequence uint32
	Arrival      string
	Departure    string
	Terminates   bool
}

func (st *StopTime) ArrivalTime() time.Duration {
	return hhmmss(st.Arrival)
}

func (st *StopTime) DepartureTime() time.Duration {
	return hhmmss(st.Departure)
}

func hhmmss(t string) time.Duration {
	h, _ := strconv.Atoi(t[0:2])
	m, _ := strconv.Atoi(t[2:4])
	s, _ := strconv.Atoi(t[4:6])
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
}

// Realtime types below. These are the decoded counterparts of the
// GTFS-rt FeedEntity oneof: a vehicle position, a trip update, or a
// service alert.

// References a trip instance in a realtime entity. StartDate (and
// sometimes StartTime) pins the trip to a service date; both may be
// blank, in which case the service date has to be inferred from the
// entity timestamp.
type TripRef struct {
	TripID      string
	RouteID     string
	DirectionID int8
	StartDate   string
	StartTime   string
}

// Key identifies a trip instance within a snapshot. Trips reusing the
// same trip_id across service dates get distinct keys.
func (r TripRef) Key() string {
	if r.StartDate == "" {
		return r.TripID
	}
	return r.TripID + "|" + r.StartDate
}

type TripScheduleRelationship int

const (
	TripScheduled TripScheduleRelationship = iota
	TripAdded
	TripUnscheduled
	TripCanceled
	TripDuplicated
)

type StopTimeUpdateScheduleRelationship int

const (
	StopTimeUpdateScheduled StopTimeUpdateScheduleRelationship = iota
	StopTimeUpdateSkipped
	StopTimeUpdateNoData
)

type StopTimeUpdate struct {
	StopID string

	// StopSequenceIsSet distinguishes an explicit sequence of 0
	// (legal in zero-based feeds) from an absent field.
	StopSequence      uint32
	StopSequenceIsSet bool

	ArrivalIsSet   bool
	ArrivalTime    time.Time
	ArrivalDelay   time.Duration
	DepartureIsSet bool
	DepartureTime  time.Time
	DepartureDelay time.Duration
	Type           StopTimeUpdateScheduleRelationship
}

type TripUpdate struct {
	Trip            TripRef
	VehicleID       string
	Type            TripScheduleRelationship
	StopTimeUpdates []StopTimeUpdate
	Timestamp       time.Time
}

type VehiclePosition struct {
	VehicleID    string
	Label        string
	Trip         TripRef
	Lat          float64
	Lon          float64
	Bearing      float64
	StopID       string
	StopSequence uint32
	Timestamp    time.Time
}

type AlertSeverity int

const (
	SeverityUnknown AlertSeverity = iota
	SeverityInfo
	SeverityWarning
	SeveritySevere
)

// One of the selectors may be blank; an alert affecting a whole route
// has no stop or trip set.
type EntitySelector struct {
	AgencyID string
	RouteID  string
	StopID   string
	TripID   string
}

// Start or End being zero means the period is open on that side.
type ActivePeriod struct {
	Start time.Time
	End   time.Time
}

func (p ActivePeriod) Contains(t time.Time) bool {
	if !p.Start.IsZero() && t.Before(p.Start) {
		return false
	}
	if !p.End.IsZero() && !t.Before(p.End) {
		return false
	}
	return true
}

type Alert struct {
	ActivePeriods []ActivePeriod
	Informed      []EntitySelector
	Cause         string
	Effect        string
	Severity      AlertSeverity
	Header        string
	Description   string
}

// ActiveAt reports whether any active period contains t. An alert
// with no periods is always active.
func (a *Alert) ActiveAt(t time.Time) bool {
	if len(a.ActivePeriods) == 0 {
		return true
	}
	for _, p := range a.ActivePeriods {
		if p.Contains(t) {
			return true
		}
	}
	return false
}

type EntityKind int

const (
	EntityUnknown EntityKind = iota
	EntityVehiclePosition
	EntityTripUpdate
	EntityAlert
)

func (k EntityKind) String() string {
	switch k {
	case EntityVehiclePosition:
		return "vehicle_position"
	case EntityTripUpdate:
		return "trip_update"
	case EntityAlert:
		return "alert"
	}
	return "unknown"
}

// A single realtime fact. Exactly one of Vehicle, TripUpdate and
// Alert is non-nil; entities carrying none of the three are dropped
// by the decoder.
type Entity struct {
	ID        string
	IsDeleted bool

	Vehicle    *VehiclePosition
	TripUpdate *TripUpdate
	Alert      *Alert
}

func (e *Entity) Kind() EntityKind {
	switch {
	case e.Vehicle != nil:
		return EntityVehiclePosition
	case e.TripUpdate != nil:
		return EntityTripUpdate
	case e.Alert != nil:
		return EntityAlert
	}
	return EntityUnknown
}

// Timestamp returns the entity's own timestamp, or zero if the entity
// kind does not carry one (alerts). Callers fall back to the feed
// header timestamp.
func (e *Entity) Timestamp() time.Time {
	switch {
	case e.Vehicle != nil:
		return e.Vehicle.Timestamp
	case e.TripUpdate != nil:
		return e.TripUpdate.Timestamp
	}
	return time.Time{}
}
