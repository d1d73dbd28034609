package transit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seqlive.dev/transit"
	"seqlive.dev/transit/testutil"
)

// Trips t1 and t2 cover stops s1-s3 on route R1, morning departures.
// Trip late runs past midnight. Full service every day of 2020.
func simpleScheduleFixture(t *testing.T) *transit.Schedule {
	return testutil.BuildSchedule(t, "memory", map[string][]string{
		"calendar.txt": {
			"service_id,start_date,end_date,monday,tuesday,wednesday,thursday,friday,saturday,sunday",
			"everyday,20200101,20210101,1,1,1,1,1,1,1",
		},
		"routes.txt": {
			"route_id,route_short_name,route_type",
			"R1,R_1,2",
			"R2,R_2,3",
		},
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon",
			"s1,S1,1,1",
			"s2,S2,2,3",
			"s3,S3,4,5",
		},
		"trips.txt": {
			"service_id,trip_id,route_id,trip_headsign,direction_id",
			"everyday,t1,R1,City,0",
			"everyday,t2,R1,City,0",
			"everyday,back,R1,Suburbs,1",
			"everyday,late,R2,Nightbus,0",
			"everyday,long,R2,Marathon,0",
		},
		"stop_times.txt": {
			"trip_id,stop_id,stop_sequence,arrival_time,departure_time",
			"t1,s1,1,9:50:00,9:50:00",
			"t1,s2,2,10:00:00,10:00:00",
			"t1,s3,3,10:10:00,10:10:00",
			"t2,s1,1,10:05:00,10:05:00",
			"t2,s2,2,10:15:00,10:15:00",
			"t2,s3,3,10:25:00,10:25:00",
			"back,s3,1,10:00:00,10:00:00",
			"back,s2,2,10:10:00,10:10:00",
			"back,s1,3,10:20:00,10:20:00",
			"late,s1,1,25:30:00,25:30:00",
			"late,s2,2,25:45:00,25:45:00",
			"late,s3,3,25:55:00,25:55:00",
			"long,s1,1,5:00:00,5:00:00",
			"long,s2,2,24:30:00,24:30:00",
			"long,s3,3,24:45:00,24:45:00",
		},
	})
}

func TestScheduleDepartures(t *testing.T) {
	schedule := simpleScheduleFixture(t)

	// Wednesday morning, all departures from s2.
	window := time.Date(2020, 1, 15, 9, 45, 0, 0, time.UTC)
	departures, err := schedule.Departures("s2", window, time.Hour, -1, "", -1)
	require.NoError(t, err)

	require.Len(t, departures, 3)
	assert.Equal(t, "t1", departures[0].TripID)
	assert.Equal(t, time.Date(2020, 1, 15, 10, 0, 0, 0, time.UTC), departures[0].Time)
	assert.Equal(t, "20200115", departures[0].ServiceDate)
	assert.Equal(t, "back", departures[1].TripID)
	assert.Equal(t, "t2", departures[2].TripID)
	assert.Equal(t, "City", departures[0].Headsign)

	// Limit.
	departures, err = schedule.Departures("s2", window, time.Hour, 1, "", -1)
	require.NoError(t, err)
	require.Len(t, departures, 1)
	assert.Equal(t, "t1", departures[0].TripID)

	// Direction filter.
	departures, err = schedule.Departures("s2", window, time.Hour, -1, "", 1)
	require.NoError(t, err)
	require.Len(t, departures, 1)
	assert.Equal(t, "back", departures[0].TripID)

	// Route filter. Both R2 trips pass s2 after midnight, still on
	// the 15th's service date.
	departures, err = schedule.Departures("s2", window, 18*time.Hour, -1, "R2", -1)
	require.NoError(t, err)
	require.Len(t, departures, 2)
	assert.Equal(t, "long", departures[0].TripID)
	assert.Equal(t, "late", departures[1].TripID)
	assert.Equal(t, "20200115", departures[0].ServiceDate)
}

func TestScheduleDeparturesExcludeTerminal(t *testing.T) {
	schedule := simpleScheduleFixture(t)

	// s3 is the last stop of t1 and t2, but the first of back. Only
	// back departs from there.
	window := time.Date(2020, 1, 15, 9, 45, 0, 0, time.UTC)
	departures, err := schedule.Departures("s3", window, time.Hour, -1, "", -1)
	require.NoError(t, err)

	require.Len(t, departures, 1)
	assert.Equal(t, "back", departures[0].TripID)
}

func TestScheduleDeparturesOvernight(t *testing.T) {
	schedule := simpleScheduleFixture(t)

	// 25:45 on the 15th is 01:45 on the 16th. The departure belongs
	// to the previous service date.
	window := time.Date(2020, 1, 16, 1, 0, 0, 0, time.UTC)
	departures, err := schedule.Departures("s2", window, time.Hour, -1, "", -1)
	require.NoError(t, err)

	require.Len(t, departures, 1)
	assert.Equal(t, "late", departures[0].TripID)
	assert.Equal(t, "20200115", departures[0].ServiceDate)
	assert.Equal(t, time.Date(2020, 1, 16, 1, 45, 0, 0, time.UTC), departures[0].Time)
}

func TestScheduleDeparturesOutsideService(t *testing.T) {
	schedule := simpleScheduleFixture(t)

	// The calendar ends 20210101.
	window := time.Date(2021, 6, 1, 9, 45, 0, 0, time.UTC)
	departures, err := schedule.Departures("s2", window, time.Hour, -1, "", -1)
	require.NoError(t, err)
	assert.Empty(t, departures)
}

func TestScheduleTripWindow(t *testing.T) {
	schedule := simpleScheduleFixture(t)

	first, last, err := schedule.TripWindow("t1", "20200115")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 1, 15, 9, 50, 0, 0, time.UTC), first)
	assert.Equal(t, time.Date(2020, 1, 15, 10, 10, 0, 0, time.UTC), last)

	runs, err := schedule.TripRunsOn("t1", "20200115")
	require.NoError(t, err)
	assert.True(t, runs)

	runs, err = schedule.TripRunsOn("t1", "20210601")
	require.NoError(t, err)
	assert.False(t, runs)

	_, _, err = schedule.TripWindow("ghost", "20200115")
	assert.Error(t, err)
}
