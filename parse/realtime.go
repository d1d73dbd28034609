package parse

import (
	"fmt"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	proto "google.golang.org/protobuf/proto"

	"seqlive.dev/transit/model"
)

// Decodes raw GTFS Realtime protobuf into model entities. Decoding is
// a pure transform: header/timestamp gating against previously
// accepted feeds is the snapshot store's job.

// DecodeError means the payload could not be turned into a Feed:
// malformed protobuf, missing header, or an unsupported feed version.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoding feed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decoding feed: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type Incrementality int

const (
	FullDataset Incrementality = iota
	Differential
)

func (i Incrementality) String() string {
	if i == Differential {
		return "DIFFERENTIAL"
	}
	return "FULL_DATASET"
}

// One decoded GTFS-rt payload.
type Feed struct {
	Version        string
	Incrementality Incrementality
	Timestamp      time.Time
	Entities       []*model.Entity
}

// ParseFeed decodes a single GTFS-rt FeedMessage. Entities that carry
// none of the three known payloads (extensions, future oneof arms)
// are skipped. Unknown fields inside known payloads are ignored by
// the protobuf runtime, which is what we want for forward
// compatibility.
func ParseFeed(data []byte) (*Feed, error) {
	f := &gtfsproto.FeedMessage{}
	if err := proto.Unmarshal(data, f); err != nil {
		return nil, &DecodeError{Reason: "unmarshaling protobuf", Err: err}
	}

	header := f.GetHeader()
	if header == nil {
		return nil, &DecodeError{Reason: "missing header"}
	}

	version := header.GetGtfsRealtimeVersion()
	if version != "2.0" && version != "1.0" {
		return nil, &DecodeError{Reason: fmt.Sprintf("version %q not supported", version)}
	}

	feed := &Feed{
		Version:        version,
		Incrementality: FullDataset,
	}
	if header.GetIncrementality() == gtfsproto.FeedHeader_DIFFERENTIAL {
		feed.Incrementality = Differential
	}
	if ts := header.GetTimestamp(); ts != 0 {
		feed.Timestamp = time.Unix(int64(ts), 0).UTC()
	}

	for _, pe := range f.GetEntity() {
		entity := &model.Entity{
			ID:        pe.GetId(),
			IsDeleted: pe.GetIsDeleted(),
		}

		switch {
		case pe.TripUpdate != nil:
			tu, err := parseTripUpdate(pe.TripUpdate)
			if err != nil {
				return nil, err
			}
			entity.TripUpdate = tu
		case pe.Vehicle != nil:
			entity.Vehicle = parseVehiclePosition(pe.Vehicle)
		case pe.Alert != nil:
			entity.Alert = parseAlert(pe.Alert)
		default:
			// Deletions arrive without a payload in differential
			// feeds. Anything else here is an extension we don't
			// know about.
			if !entity.IsDeleted {
				continue
			}
		}

		feed.Entities = append(feed.Entities, entity)
	}

	return feed, nil
}

func parseTripRef(trip *gtfsproto.TripDescriptor) model.TripRef {
	return model.TripRef{
		TripID:      trip.GetTripId(),
		RouteID:     trip.GetRouteId(),
		DirectionID: int8(trip.GetDirectionId()),
		StartDate:   trip.GetStartDate(),
		StartTime:   trip.GetStartTime(),
	}
}

func parseTripUpdate(tu *gtfsproto.TripUpdate) (*model.TripUpdate, error) {
	trip := tu.GetTrip()
	if trip == nil {
		return nil, &DecodeError{Reason: "trip_update missing trip"}
	}

	update := &model.TripUpdate{
		Trip:      parseTripRef(trip),
		VehicleID: tu.GetVehicle().GetId(),
	}
	if ts := tu.GetTimestamp(); ts != 0 {
		update.Timestamp = time.Unix(int64(ts), 0).UTC()
	}

	switch trip.GetScheduleRelationship() {
	case gtfsproto.TripDescriptor_SCHEDULED:
		update.Type = model.TripScheduled
	case gtfsproto.TripDescriptor_ADDED:
		update.Type = model.TripAdded
	case gtfsproto.TripDescriptor_UNSCHEDULED:
		update.Type = model.TripUnscheduled
	case gtfsproto.TripDescriptor_CANCELED:
		update.Type = model.TripCanceled
	case gtfsproto.TripDescriptor_DUPLICATED:
		update.Type = model.TripDuplicated
	}

	for _, stu := range tu.GetStopTimeUpdate() {
		parsed, ok := parseStopTimeUpdate(stu)
		if ok {
			update.StopTimeUpdates = append(update.StopTimeUpdates, parsed)
		}
	}

	return update, nil
}

func parseStopTimeUpdate(stu *gtfsproto.TripUpdate_StopTimeUpdate) (model.StopTimeUpdate, bool) {
	update := model.StopTimeUpdate{
		StopID:            stu.GetStopId(),
		StopSequence:      stu.GetStopSequence(),
		StopSequenceIsSet: stu.StopSequence != nil,
	}

	if stu.Arrival != nil {
		update.ArrivalIsSet = true
		if t := stu.GetArrival().GetTime(); t != 0 {
			update.ArrivalTime = time.Unix(t, 0).UTC()
		}
		update.ArrivalDelay = time.Duration(stu.GetArrival().GetDelay()) * time.Second
	}
	if stu.Departure != nil {
		update.DepartureIsSet = true
		if t := stu.GetDeparture().GetTime(); t != 0 {
			update.DepartureTime = time.Unix(t, 0).UTC()
		}
		update.DepartureDelay = time.Duration(stu.GetDeparture().GetDelay()) * time.Second
	}

	switch stu.GetScheduleRelationship() {
	case gtfsproto.TripUpdate_StopTimeUpdate_SCHEDULED:
		update.Type = model.StopTimeUpdateScheduled
	case gtfsproto.TripUpdate_StopTimeUpdate_SKIPPED:
		update.Type = model.StopTimeUpdateSkipped
	case gtfsproto.TripUpdate_StopTimeUpdate_NO_DATA:
		update.Type = model.StopTimeUpdateNoData
	default:
		// UNSCHEDULED is for frequency based trips, which we
		// don't support.
		return model.StopTimeUpdate{}, false
	}

	return update, true
}

func parseVehiclePosition(vp *gtfsproto.VehiclePosition) *model.VehiclePosition {
	pos := &model.VehiclePosition{
		VehicleID:    vp.GetVehicle().GetId(),
		Label:        vp.GetVehicle().GetLabel(),
		StopID:       vp.GetStopId(),
		StopSequence: vp.GetCurrentStopSequence(),
	}
	if trip := vp.GetTrip(); trip != nil {
		pos.Trip = parseTripRef(trip)
	}
	if p := vp.GetPosition(); p != nil {
		pos.Lat = float64(p.GetLatitude())
		pos.Lon = float64(p.GetLongitude())
		pos.Bearing = float64(p.GetBearing())
	}
	if ts := vp.GetTimestamp(); ts != 0 {
		pos.Timestamp = time.Unix(int64(ts), 0).UTC()
	}
	return pos
}

func parseAlert(a *gtfsproto.Alert) *model.Alert {
	alert := &model.Alert{
		Cause:       a.GetCause().String(),
		Effect:      a.GetEffect().String(),
		Header:      firstTranslation(a.GetHeaderText()),
		Description: firstTranslation(a.GetDescriptionText()),
	}

	switch a.GetSeverityLevel() {
	case gtfsproto.Alert_INFO:
		alert.Severity = model.SeverityInfo
	case gtfsproto.Alert_WARNING:
		alert.Severity = model.SeverityWarning
	case gtfsproto.Alert_SEVERE:
		alert.Severity = model.SeveritySevere
	default:
		alert.Severity = model.SeverityUnknown
	}

	for _, period := range a.GetActivePeriod() {
		p := model.ActivePeriod{}
		if s := period.GetStart(); s != 0 {
			p.Start = time.Unix(int64(s), 0).UTC()
		}
		if e := period.GetEnd(); e != 0 {
			p.End = time.Unix(int64(e), 0).UTC()
		}
		alert.ActivePeriods = append(alert.ActivePeriods, p)
	}

	for _, informed := range a.GetInformedEntity() {
		alert.Informed = append(alert.Informed, model.EntitySelector{
			AgencyID: informed.GetAgencyId(),
			RouteID:  informed.GetRouteId(),
			StopID:   informed.GetStopId(),
			TripID:   informed.GetTrip().GetTripId(),
		})
	}

	return alert
}

func firstTranslation(ts *gtfsproto.TranslatedString) string {
	for _, tr := range ts.GetTranslation() {
		return tr.GetText()
	}
	return ""
}
