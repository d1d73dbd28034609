package transit

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"seqlive.dev/transit/model"
)

// Correlator pins realtime trip references to trip instances in the
// static schedule. A reference may omit its start date, and trip IDs
// can repeat across service dates, so resolution sometimes has to
// infer the date from the entity timestamp.

type ResolvedTrip struct {
	Trip        model.TripRef
	ServiceDate string

	// Unscheduled marks trips with no static counterpart: trips
	// ADDED via the feed, or references to unknown trip IDs. Their
	// realtime data is retained as-is rather than dropped.
	Unscheduled bool
}

type Correlator struct {
	schedule *Schedule
	logger   zerolog.Logger
}

func NewCorrelator(schedule *Schedule, logger zerolog.Logger) *Correlator {
	return &Correlator{
		schedule: schedule,
		logger:   logger,
	}
}

// Resolve pins ref to a service date. The entity timestamp at breaks
// ties when ref carries no start date. Resolve always produces a
// usable result; the error reports ambiguity and is non-fatal.
func (c *Correlator) Resolve(ref model.TripRef, at time.Time) (ResolvedTrip, error) {
	resolved := ResolvedTrip{Trip: ref}

	_, err := c.schedule.reader.Trip(ref.TripID)
	if errors.Is(err, ErrNotFound) {
		resolved.Unscheduled = true
		resolved.ServiceDate = ref.StartDate
		if resolved.ServiceDate == "" && !at.IsZero() {
			resolved.ServiceDate = at.In(c.schedule.location).Format("20060102")
			resolved.Trip.StartDate = resolved.ServiceDate
		}
		return resolved, nil
	} else if err != nil {
		return resolved, err
	}

	if ref.StartDate != "" {
		resolved.ServiceDate = ref.StartDate
		return resolved, nil
	}

	date, ambiguity := c.inferServiceDate(ref.TripID, at)
	resolved.ServiceDate = date
	resolved.Trip.StartDate = date
	return resolved, ambiguity
}

// inferServiceDate scores the three service dates around at. A date
// is a candidate when the trip's service runs on it and the trip's
// time window, padded for delays, contains at. With several
// candidates the one whose window midpoint lies closest to at wins.
func (c *Correlator) inferServiceDate(tripID string, at time.Time) (string, error) {
	const pad = 3 * time.Hour

	local := at.In(c.schedule.location)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.schedule.location)

	type candidate struct {
		date     string
		distance time.Duration
	}
	candidates := []candidate{}

	for _, day := range []time.Time{today.AddDate(0, 0, -1), today, today.AddDate(0, 0, 1)} {
		date := day.Format("20060102")

		runs, err := c.schedule.TripRunsOn(tripID, date)
		if err != nil || !runs {
			continue
		}

		first, last, err := c.schedule.TripWindow(tripID, date)
		if err != nil {
			continue
		}
		if at.Before(first.Add(-pad)) || at.After(last.Add(pad)) {
			continue
		}

		mid := first.Add(last.Sub(first) / 2)
		distance := at.Sub(mid)
		if distance < 0 {
			distance = -distance
		}
		candidates = append(candidates, candidate{date: date, distance: distance})
	}

	if len(candidates) == 0 {
		// Nothing matches; fall back to the local date. The trip
		// may be running far outside its window, or the dataset
		// may be out of date.
		return local.Format("20060102"), nil
	}

	best := candidates[0]
	for _, cand := range candidates[1:] {
		if cand.distance < best.distance {
			best = cand
		}
	}

	if len(candidates) > 1 {
		dates := make([]string, len(candidates))
		for i, cand := range candidates {
			dates[i] = cand.date
		}
		err := &CorrelationAmbiguityError{TripID: tripID, Candidates: dates}
		c.logger.Warn().
			Str("trip_id", tripID).
			Strs("candidates", dates).
			Str("picked", best.date).
			Msg("ambiguous trip reference")
		return best.date, err
	}

	return best.date, nil
}

// CorrelateFeed resolves every trip reference in a decoded feed,
// filling in missing start dates in place. Ambiguities are logged by
// Resolve and do not fail the feed.
func (c *Correlator) CorrelateFeed(entities []*model.Entity, feedTime time.Time) {
	for _, entity := range entities {
		if entity.IsDeleted {
			continue
		}

		at := entity.Timestamp()
		if at.IsZero() {
			at = feedTime
		}

		switch {
		case entity.TripUpdate != nil:
			resolved, _ := c.Resolve(entity.TripUpdate.Trip, at)
			entity.TripUpdate.Trip = resolved.Trip
		case entity.Vehicle != nil && entity.Vehicle.Trip.TripID != "":
			resolved, _ := c.Resolve(entity.Vehicle.Trip, at)
			entity.Vehicle.Trip = resolved.Trip
		}
	}
}
