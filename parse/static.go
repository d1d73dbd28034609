package parse

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spkg/bom"

	"seqlive.dev/transit/model"
	"seqlive.dev/transit/storage"
)

// Loads a static GTFS zip into schedule storage. This is a dataset
// *loader*, not a general GTFS validator: it checks what the engine
// depends on and lets the rest slide.

// ParseStatic reads a zipped static GTFS dataset from buf and writes
// it through writer. The writer is closed on success.
func ParseStatic(writer storage.ScheduleWriter, buf []byte) (*storage.DatasetInfo, error) {
	file := map[string]io.ReadCloser{
		"agency.txt":         nil,
		"routes.txt":         nil,
		"stops.txt":          nil,
		"trips.txt":          nil,
		"stop_times.txt":     nil,
		"calendar.txt":       nil,
		"calendar_dates.txt": nil,
	}

	defer func() {
		for _, rc := range file {
			if rc != nil {
				rc.Close()
			}
		}
	}()

	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("unzipping: %w", err)
	}

	for _, f := range r.File {
		// Some agencies ship the files inside a subdirectory.
		if f.FileInfo().IsDir() {
			continue
		}
		path := strings.Split(f.Name, "/")
		fName := path[len(path)-1]

		if _, found := file[fName]; !found {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}
		file[fName] = rc
	}

	if file["calendar.txt"] == nil && file["calendar_dates.txt"] == nil {
		return nil, fmt.Errorf("missing calendar.txt and calendar_dates.txt")
	}
	for _, required := range []string{"agency.txt", "routes.txt", "stops.txt", "trips.txt", "stop_times.txt"} {
		if file[required] == nil {
			return nil, fmt.Errorf("missing %s", required)
		}
	}

	// LazyCSVReader survives sloppy use of quotes. The BOM reader
	// strips unicode BOMs if present.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(bom.NewReader(in))
	})

	timezone, err := parseAgency(writer, file["agency.txt"])
	if err != nil {
		return nil, errors.Wrap(err, "parsing agency.txt")
	}

	routes, err := parseRoutes(writer, file["routes.txt"])
	if err != nil {
		return nil, errors.Wrap(err, "parsing routes.txt")
	}

	var calendarStart, calendarEnd string
	services := map[string]bool{}
	if file["calendar.txt"] != nil {
		services, calendarStart, calendarEnd, err = parseCalendar(writer, file["calendar.txt"])
		if err != nil {
			return nil, errors.Wrap(err, "parsing calendar.txt")
		}
	}
	if file["calendar_dates.txt"] != nil {
		cdServices, minDate, maxDate, err := parseCalendarDates(writer, file["calendar_dates.txt"])
		if err != nil {
			return nil, errors.Wrap(err, "parsing calendar_dates.txt")
		}
		for serviceID := range cdServices {
			services[serviceID] = true
		}
		if calendarStart == "" || minDate < calendarStart {
			calendarStart = minDate
		}
		if calendarEnd == "" || maxDate > calendarEnd {
			calendarEnd = maxDate
		}
	}

	trips, err := parseTrips(writer, file["trips.txt"], routes, services)
	if err != nil {
		return nil, errors.Wrap(err, "parsing trips.txt")
	}

	stops, err := parseStops(writer, file["stops.txt"])
	if err != nil {
		return nil, errors.Wrap(err, "parsing stops.txt")
	}

	if err := writer.BeginStopTimes(); err != nil {
		return nil, errors.Wrap(err, "beginning stop_times")
	}
	maxDeparture, err := parseStopTimes(writer, file["stop_times.txt"], trips, stops)
	if err != nil {
		return nil, errors.Wrap(err, "parsing stop_times.txt")
	}
	if err := writer.EndStopTimes(); err != nil {
		return nil, errors.Wrap(err, "ending stop_times")
	}

	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "closing writer")
	}

	return &storage.DatasetInfo{
		RetrievedAt:       time.Now().UTC(),
		Timezone:          timezone,
		CalendarStartDate: calendarStart,
		CalendarEndDate:   calendarEnd,
		MaxDeparture:      maxDeparture,
	}, nil
}

type agencyCSV struct {
	ID       string `csv:"agency_id"`
	Name     string `csv:"agency_name"`
	URL      string `csv:"agency_url"`
	Timezone string `csv:"agency_timezone"`
}

func parseAgency(writer storage.ScheduleWriter, data io.Reader) (string, error) {
	records := []*agencyCSV{}
	if err := gocsv.Unmarshal(data, &records); err != nil {
		return "", fmt.Errorf("unmarshaling agency csv: %w", err)
	}
	if len(records) == 0 {
		return "", fmt.Errorf("no agency record found")
	}

	// "If multiple agencies are specified in the dataset, each
	// must have the same agency_timezone."
	tz := records[0].Timezone
	for _, a := range records {
		if a.Timezone != tz {
			return "", fmt.Errorf("multiple agency_timezone")
		}
	}
	if tz == "" {
		return "", fmt.Errorf("missing agency_timezone")
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", fmt.Errorf("agency_timezone %q is invalid: %w", tz, err)
	}

	for _, a := range records {
		err := writer.WriteAgency(&model.Agency{
			ID:       a.ID,
			Name:     a.Name,
			URL:      a.URL,
			Timezone: tz,
		})
		if err != nil {
			return "", fmt.Errorf("writing agency: %w", err)
		}
	}

	return tz, nil
}

type routeCSV struct {
	ID        string `csv:"route_id"`
	AgencyID  string `csv:"agency_id"`
	ShortName string `csv:"route_short_name"`
	LongName  string `csv:"route_long_name"`
	Type      int    `csv:"route_type"`
	Color     string `csv:"route_color"`
}

func parseRoutes(writer storage.ScheduleWriter, data io.Reader) (map[string]bool, error) {
	records := []*routeCSV{}
	if err := gocsv.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshaling routes csv: %w", err)
	}

	routes := map[string]bool{}
	for _, r := range records {
		if r.ID == "" {
			return nil, fmt.Errorf("empty route_id")
		}
		if routes[r.ID] {
			return nil, fmt.Errorf("repeated route_id %q", r.ID)
		}
		routes[r.ID] = true

		err := writer.WriteRoute(&model.Route{
			ID:        r.ID,
			AgencyID:  r.AgencyID,
			ShortName: r.ShortName,
			LongName:  r.LongName,
			Type:      model.RouteType(r.Type),
			Color:     r.Color,
		})
		if err != nil {
			return nil, fmt.Errorf("writing route: %w", err)
		}
	}

	return routes, nil
}

type calendarCSV struct {
	ServiceID string `csv:"service_id"`
	StartDate string `csv:"start_date"`
	EndDate   string `csv:"end_date"`
	Monday    int8   `csv:"monday"`
	Tuesday   int8   `csv:"tuesday"`
	Wednesday int8   `csv:"wednesday"`
	Thursday  int8   `csv:"thursday"`
	Friday    int8   `csv:"friday"`
	Saturday  int8   `csv:"saturday"`
	Sunday    int8   `csv:"sunday"`
}

// Returns the set of service IDs and the min and max dates seen.
func parseCalendar(writer storage.ScheduleWriter, data io.Reader) (map[string]bool, string, string, error) {
	records := []*calendarCSV{}
	if err := gocsv.Unmarshal(data, &records); err != nil {
		return nil, "", "", fmt.Errorf("unmarshaling calendar csv: %w", err)
	}

	services := map[string]bool{}
	var minDate, maxDate string

	for _, c := range records {
		if c.ServiceID == "" {
			return nil, "", "", fmt.Errorf("empty service_id")
		}
		if services[c.ServiceID] {
			return nil, "", "", fmt.Errorf("repeated service_id %q", c.ServiceID)
		}
		services[c.ServiceID] = true

		days := []struct {
			set int8
			day time.Weekday
		}{
			{c.Monday, time.Monday},
			{c.Tuesday, time.Tuesday},
			{c.Wednesday, time.Wednesday},
			{c.Thursday, time.Thursday},
			{c.Friday, time.Friday},
			{c.Saturday, time.Saturday},
			{c.Sunday, time.Sunday},
		}
		var weekday int8
		for _, d := range days {
			if d.set == 1 {
				weekday |= 1 << d.day
			} else if d.set != 0 {
				return nil, "", "", fmt.Errorf("invalid weekday value %d for service %q", d.set, c.ServiceID)
			}
		}

		for _, date := range []string{c.StartDate, c.EndDate} {
			if _, err := time.ParseInLocation("20060102", date, time.UTC); err != nil {
				return nil, "", "", fmt.Errorf("parsing date %q: %w", date, err)
			}
		}

		if minDate == "" || c.StartDate < minDate {
			minDate = c.StartDate
		}
		if maxDate == "" || c.EndDate > maxDate {
			maxDate = c.EndDate
		}

		err := writer.WriteCalendar(&model.Calendar{
			ServiceID: c.ServiceID,
			StartDate: c.StartDate,
			EndDate:   c.EndDate,
			Weekday:   weekday,
		})
		if err != nil {
			return nil, "", "", fmt.Errorf("writing calendar: %w", err)
		}
	}

	return services, minDate, maxDate, nil
}

type calendarDateCSV struct {
	ServiceID     string `csv:"service_id"`
	Date          string `csv:"date"`
	ExceptionType int8   `csv:"exception_type"`
}

func parseCalendarDates(writer storage.ScheduleWriter, data io.Reader) (map[string]bool, string, string, error) {
	records := []*calendarDateCSV{}
	if err := gocsv.Unmarshal(data, &records); err != nil {
		return nil, "", "", fmt.Errorf("unmarshaling calendar_dates csv: %w", err)
	}

	services := map[string]bool{}
	var minDate, maxDate string

	for _, cd := range records {
		if cd.ExceptionType < 1 || cd.ExceptionType > 2 {
			return nil, "", "", fmt.Errorf("illegal exception_type %d", cd.ExceptionType)
		}
		if _, err := time.ParseInLocation("20060102", cd.Date, time.UTC); err != nil {
			return nil, "", "", fmt.Errorf("parsing date %q: %w", cd.Date, err)
		}

		services[cd.ServiceID] = true
		if minDate == "" || cd.Date < minDate {
			minDate = cd.Date
		}
		if maxDate == "" || cd.Date > maxDate {
			maxDate = cd.Date
		}

		err := writer.WriteCalendarDate(&model.CalendarDate{
			ServiceID:     cd.ServiceID,
			Date:          cd.Date,
			ExceptionType: cd.ExceptionType,
		})
		if err != nil {
			return nil, "", "", fmt.Errorf("writing calendar_date: %w", err)
		}
	}

	return services, minDate, maxDate, nil
}

type tripCSV struct {
	ID          string `csv:"trip_id"`
	RouteID     string `csv:"route_id"`
	ServiceID   string `csv:"service_id"`
	Headsign    string `csv:"trip_headsign"`
	ShortName   string `csv:"trip_short_name"`
	DirectionID int8   `csv:"direction_id"`
}

func parseTrips(
	writer storage.ScheduleWriter,
	data io.Reader,
	routes map[string]bool,
	services map[string]bool,
) (map[string]bool, error) {

	records := []*tripCSV{}
	if err := gocsv.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshaling trips csv: %w", err)
	}

	trips := map[string]bool{}
	for _, t := range records {
		if t.ID == "" {
			return nil, fmt.Errorf("empty trip_id")
		}
		if trips[t.ID] {
			return nil, fmt.Errorf("repeated trip_id %q", t.ID)
		}
		trips[t.ID] = true

		if !routes[t.RouteID] {
			return nil, fmt.Errorf("unknown route_id %q", t.RouteID)
		}
		if !services[t.ServiceID] {
			return nil, fmt.Errorf("unknown service_id %q", t.ServiceID)
		}
		if t.DirectionID != 0 && t.DirectionID != 1 {
			return nil, fmt.Errorf("invalid direction_id %d", t.DirectionID)
		}

		err := writer.WriteTrip(&model.Trip{
			ID:          t.ID,
			RouteID:     t.RouteID,
			ServiceID:   t.ServiceID,
			Headsign:    t.Headsign,
			ShortName:   t.ShortName,
			DirectionID: t.DirectionID,
		})
		if err != nil {
			return nil, fmt.Errorf("writing trip: %w", err)
		}
	}

	return trips, nil
}

type stopCSV struct {
	ID            string  `csv:"stop_id"`
	Code          string  `csv:"stop_code"`
	Name          string  `csv:"stop_name"`
	Lat           float64 `csv:"stop_lat"`
	Lon           float64 `csv:"stop_lon"`
	LocationType  int8    `csv:"location_type"`
	ParentStation string  `csv:"parent_station"`
	PlatformCode  string  `csv:"platform_code"`
}

func parseStops(writer storage.ScheduleWriter, data io.Reader) (map[string]bool, error) {
	records := []*stopCSV{}
	if err := gocsv.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshaling stops csv: %w", err)
	}

	stops := map[string]bool{}
	parentRef := map[string]string{}
	for _, st := range records {
		if st.ID == "" {
			return nil, fmt.Errorf("empty stop_id")
		}
		if stops[st.ID] {
			return nil, fmt.Errorf("repeated stop_id %q", st.ID)
		}
		stops[st.ID] = true

		if st.ParentStation != "" {
			parentRef[st.ID] = st.ParentStation
		}

		err := writer.WriteStop(&model.Stop{
			ID:            st.ID,
			Code:          st.Code,
			Name:          st.Name,
			Lat:           st.Lat,
			Lon:           st.Lon,
			LocationType:  model.LocationType(st.LocationType),
			ParentStation: st.ParentStation,
			PlatformCode:  st.PlatformCode,
		})
		if err != nil {
			return nil, fmt.Errorf("writing stop %q: %w", st.ID, err)
		}
	}

	for stopID, parentID := range parentRef {
		if !stops[parentID] {
			return nil, fmt.Errorf("stop %q references unknown parent_station %q", stopID, parentID)
		}
	}

	return stops, nil
}

type stopTimeCSV struct {
	TripID        string `csv:"trip_id"`
	StopID        string `csv:"stop_id"`
	StopSequence  uint32 `csv:"stop_sequence"`
	ArrivalTime   string `csv:"arrival_time"`
	DepartureTime string `csv:"departure_time"`
	Headsign      string `csv:"stop_headsign"`
	PickupType    int8   `csv:"pickup_type"`
}

// Normalizes H:MM:SS / HH:MM:SS to sortable HHMMSS.
func parseStopTimeTime(s string) (string, error) {
	split := strings.Split(s, ":")
	if len(split) != 3 {
		return "", fmt.Errorf("found %d parts in %q", len(split), s)
	}

	hms := [3]int{}
	for i, str := range split {
		j, err := strconv.Atoi(str)
		if err != nil {
			return "", fmt.Errorf("non-integer in %q pos %d", s, i)
		}
		hms[i] = j
	}

	if hms[0] < 0 || hms[0] > 99 {
		return "", fmt.Errorf("invalid hour in %q", s)
	}
	if hms[1] < 0 || hms[1] > 59 {
		return "", fmt.Errorf("invalid minute in %q", s)
	}
	if hms[2] < 0 || hms[2] > 59 {
		return "", fmt.Errorf("invalid second in %q", s)
	}

	return fmt.Sprintf("%02d%02d%02d", hms[0], hms[1], hms[2]), nil
}

func parseStopTimes(
	writer storage.ScheduleWriter,
	data io.Reader,
	trips map[string]bool,
	stops map[string]bool,
) (string, error) {

	maxDeparture := "000000"
	seq := map[string]map[uint32]bool{}

	i := -1
	err := gocsv.UnmarshalToCallbackWithError(data, func(st *stopTimeCSV) error {
		i++
		if !trips[st.TripID] {
			return fmt.Errorf("unknown trip_id %q (row %d)", st.TripID, i+1)
		}
		if !stops[st.StopID] {
			return fmt.Errorf("unknown stop_id %q (row %d)", st.StopID, i+1)
		}

		arrival, err := parseStopTimeTime(st.ArrivalTime)
		if err != nil {
			return errors.Wrapf(err, "parsing arrival_time (row %d)", i+1)
		}
		departure, err := parseStopTimeTime(st.DepartureTime)
		if err != nil {
			return errors.Wrapf(err, "parsing departure_time (row %d)", i+1)
		}

		if seq[st.TripID] == nil {
			seq[st.TripID] = map[uint32]bool{}
		}
		if seq[st.TripID][st.StopSequence] {
			return fmt.Errorf("duplicate stop_sequence %d for trip %q", st.StopSequence, st.TripID)
		}
		seq[st.TripID][st.StopSequence] = true

		if departure > maxDeparture {
			maxDeparture = departure
		}

		err = writer.WriteStopTime(&model.StopTime{
			TripID:       st.TripID,
			StopID:       st.StopID,
			Headsign:     st.Headsign,
			StopSequence: st.StopSequence,
			Arrival:      arrival,
			Departure:    departure,
			Terminates:   st.PickupType == 1,
		})
		if err != nil {
			return errors.Wrapf(err, "writing stop_time (row %d)", i+1)
		}

		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "unmarshaling stop_times csv")
	}

	return maxDeparture, nil
}
